package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ligvox/ligvox/pkg/types"
)

// Prompt is a persisted agent persona: the system prompt plus the voice and
// model knobs that go with it. Exactly one prompt may be active at a time;
// the active prompt is what inbound calls and default outbound dials use.
type Prompt struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	SystemPrompt       string    `json:"system_prompt"`
	VoiceID            string    `json:"voice_id"`
	Model              string    `json:"model"`
	Temperature        float64   `json:"temperature"`
	GreetingText       string    `json:"greeting_text,omitempty"`
	GreetingDurationMs int       `json:"greeting_duration_ms,omitempty"`
	IsActive           bool      `json:"is_active"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Snapshot converts the prompt into the immutable form a call session
// carries for its lifetime.
func (p *Prompt) Snapshot() types.PromptSnapshot {
	return types.PromptSnapshot{
		PromptID:           p.ID,
		SystemPrompt:       p.SystemPrompt,
		VoiceID:            p.VoiceID,
		Model:              p.Model,
		Temperature:        p.Temperature,
		GreetingText:       p.GreetingText,
		GreetingDurationMs: p.GreetingDurationMs,
	}
}

const promptCols = `id, name, system_prompt, voice_id, llm_model, temperature,
	greeting_text, greeting_duration_ms, is_active, created_at, updated_at`

// CreatePrompt inserts a new prompt and returns it with its assigned ID.
func (s *Store) CreatePrompt(ctx context.Context, p Prompt) (*Prompt, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO prompts (name, system_prompt, voice_id, llm_model, temperature, greeting_text)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+promptCols,
		p.Name, p.SystemPrompt, p.VoiceID, p.Model, p.Temperature, p.GreetingText)
	out, err := scanPrompt(row)
	if err != nil {
		return nil, fmt.Errorf("store: create prompt: %w", err)
	}
	return out, nil
}

// UpdatePrompt overwrites the mutable fields of a prompt.
func (s *Store) UpdatePrompt(ctx context.Context, p Prompt) (*Prompt, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE prompts
		SET name = $2, system_prompt = $3, voice_id = $4, llm_model = $5,
		    temperature = $6, greeting_text = $7, updated_at = now()
		WHERE id = $1
		RETURNING `+promptCols,
		p.ID, p.Name, p.SystemPrompt, p.VoiceID, p.Model, p.Temperature, p.GreetingText)
	out, err := scanPrompt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: update prompt %d: %w", p.ID, err)
	}
	return out, nil
}

// GetPrompt returns the prompt with the given ID.
func (s *Store) GetPrompt(ctx context.Context, id int64) (*Prompt, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+promptCols+` FROM prompts WHERE id = $1`, id)
	p, err := scanPrompt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get prompt %d: %w", id, err)
	}
	return p, nil
}

// ListPrompts returns all prompts, newest first.
func (s *Store) ListPrompts(ctx context.Context) ([]Prompt, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+promptCols+` FROM prompts ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list prompts: %w", err)
	}
	defer rows.Close()

	var out []Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan prompt: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ActivatePrompt makes the given prompt the active one. Deactivation of the
// previous prompt and activation of the new one happen in a single
// transaction so there is never a window with zero or two active prompts.
func (s *Store) ActivatePrompt(ctx context.Context, id int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: activate prompt: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE prompts SET is_active = FALSE WHERE is_active`); err != nil {
		return fmt.Errorf("store: deactivate prompts: %w", err)
	}
	tag, err := tx.Exec(ctx, `UPDATE prompts SET is_active = TRUE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: activate prompt %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

// ActivePrompt returns the currently active prompt, or ErrNotFound when no
// prompt has been activated yet.
func (s *Store) ActivePrompt(ctx context.Context) (*Prompt, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+promptCols+` FROM prompts WHERE is_active LIMIT 1`)
	p, err := scanPrompt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: active prompt: %w", err)
	}
	return p, nil
}

// SetGreetingDuration persists the measured playback length of a prompt's
// greeting. Recorded the first time the greeting audio is synthesized.
func (s *Store) SetGreetingDuration(ctx context.Context, id int64, d time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE prompts SET greeting_duration_ms = $2 WHERE id = $1`,
		id, int(d.Milliseconds()))
	if err != nil {
		return fmt.Errorf("store: set greeting duration %d: %w", id, err)
	}
	return nil
}

// DeletePrompt removes a prompt. Calls that referenced it keep their rows
// with a null prompt ID.
func (s *Store) DeletePrompt(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM prompts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete prompt %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPrompt(r rowScanner) (*Prompt, error) {
	var p Prompt
	if err := r.Scan(
		&p.ID, &p.Name, &p.SystemPrompt, &p.VoiceID, &p.Model, &p.Temperature,
		&p.GreetingText, &p.GreetingDurationMs, &p.IsActive, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &p, nil
}
