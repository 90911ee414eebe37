package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ligvox/ligvox/pkg/types"
)

// ErrNotFound is returned when a lookup by ID matches no row.
var ErrNotFound = errors.New("store: not found")

// Call is a persisted call record.
type Call struct {
	CallID       string          `json:"call_id"`
	SwitchUUID   string          `json:"switch_uuid,omitempty"`
	Direction    types.Direction `json:"direction"`
	CallerNumber string          `json:"caller_number,omitempty"`
	CalledNumber string          `json:"called_number,omitempty"`
	PromptID     *int64          `json:"prompt_id,omitempty"`
	Status       string          `json:"status"`
	Summary      string          `json:"summary,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	AnsweredAt   *time.Time      `json:"answered_at,omitempty"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
	DurationMs   int64           `json:"duration_ms"`
}

// CallMessage is one entry of a call's conversation transcript.
type CallMessage struct {
	CallID          string    `json:"call_id"`
	Seq             int       `json:"seq"`
	Role            string    `json:"role"`
	Content         string    `json:"content"`
	AudioDurationMs int       `json:"audio_duration_ms,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// InsertCall creates a call record. Inserting an ID that already exists is a
// no-op so the media path and the dial path may both record the same call
// without coordination.
func (s *Store) InsertCall(ctx context.Context, c Call) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO calls (call_id, switch_uuid, direction, caller_number, called_number, prompt_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'in_progress')
		ON CONFLICT (call_id) DO NOTHING`,
		c.CallID, c.SwitchUUID, string(c.Direction), c.CallerNumber, c.CalledNumber, c.PromptID)
	if err != nil {
		return fmt.Errorf("store: insert call %s: %w", c.CallID, err)
	}
	return nil
}

// InsertCallRecord is a flat-argument convenience over [Store.InsertCall]
// matching the session gateway signature.
func (s *Store) InsertCallRecord(ctx context.Context, callID, switchUUID string, direction types.Direction, caller, called string, promptID *int64) error {
	return s.InsertCall(ctx, Call{
		CallID:       callID,
		SwitchUUID:   switchUUID,
		Direction:    direction,
		CallerNumber: caller,
		CalledNumber: called,
		PromptID:     promptID,
	})
}

// MarkAnswered records the moment the media stream attached.
func (s *Store) MarkAnswered(ctx context.Context, callID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE calls SET answered_at = $2 WHERE call_id = $1 AND answered_at IS NULL`,
		callID, at)
	if err != nil {
		return fmt.Errorf("store: mark answered %s: %w", callID, err)
	}
	return nil
}

// FinalizeCall records the terminal outcome of a call. status should be
// "completed" or "failed"; duration is wall time from answer to end.
func (s *Store) FinalizeCall(ctx context.Context, callID, status string, endedAt time.Time, duration time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE calls
		SET status = $2, ended_at = $3, duration_ms = $4
		WHERE call_id = $1`,
		callID, status, endedAt, duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("store: finalize call %s: %w", callID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCallSummary attaches a post-call summary. Summaries are generated
// asynchronously after hangup, so this is separate from FinalizeCall.
func (s *Store) SetCallSummary(ctx context.Context, callID, summary string) error {
	_, err := s.pool.Exec(ctx, `UPDATE calls SET summary = $2 WHERE call_id = $1`, callID, summary)
	if err != nil {
		return fmt.Errorf("store: set summary %s: %w", callID, err)
	}
	return nil
}

// AppendMessage appends one transcript entry to a call. The sequence number
// is assigned atomically inside the statement, so concurrent appends keep
// insertion order without the caller tracking a counter.
func (s *Store) AppendMessage(ctx context.Context, callID string, entry types.TranscriptEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO call_messages (call_id, seq, role, content, audio_duration_ms, created_at)
		VALUES ($1,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM call_messages WHERE call_id = $1),
			$2, $3, $4, $5)`,
		callID, entry.Role, entry.Content, entry.AudioMs, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("store: append message %s: %w", callID, err)
	}
	return nil
}

// GetCall returns a call with its full transcript.
func (s *Store) GetCall(ctx context.Context, callID string) (*Call, []CallMessage, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT call_id, switch_uuid, direction, caller_number, called_number,
		       prompt_id, status, summary, created_at, answered_at, ended_at, duration_ms
		FROM calls WHERE call_id = $1`, callID)

	c, err := scanCall(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("store: get call %s: %w", callID, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT call_id, seq, role, content, audio_duration_ms, created_at
		FROM call_messages WHERE call_id = $1 ORDER BY seq`, callID)
	if err != nil {
		return nil, nil, fmt.Errorf("store: get messages %s: %w", callID, err)
	}
	defer rows.Close()

	var msgs []CallMessage
	for rows.Next() {
		var m CallMessage
		if err := rows.Scan(&m.CallID, &m.Seq, &m.Role, &m.Content, &m.AudioDurationMs, &m.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("store: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("store: iterate messages: %w", err)
	}
	return c, msgs, nil
}

// ListCalls returns a page of call records, newest first, plus the total
// count for pagination.
func (s *Store) ListCalls(ctx context.Context, limit, offset int) ([]Call, int, error) {
	if limit <= 0 {
		limit = 50
	}
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM calls`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count calls: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT call_id, switch_uuid, direction, caller_number, called_number,
		       prompt_id, status, summary, created_at, answered_at, ended_at, duration_ms
		FROM calls ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list calls: %w", err)
	}
	defer rows.Close()

	var calls []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("store: scan call: %w", err)
		}
		calls = append(calls, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("store: iterate calls: %w", err)
	}
	return calls, total, nil
}

// DeleteCall removes a call and, via the cascade, its transcript.
func (s *Store) DeleteCall(ctx context.Context, callID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM calls WHERE call_id = $1`, callID)
	if err != nil {
		return fmt.Errorf("store: delete call %s: %w", callID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(r rowScanner) (*Call, error) {
	var c Call
	var direction string
	if err := r.Scan(
		&c.CallID, &c.SwitchUUID, &direction, &c.CallerNumber, &c.CalledNumber,
		&c.PromptID, &c.Status, &c.Summary, &c.CreatedAt, &c.AnsweredAt, &c.EndedAt, &c.DurationMs,
	); err != nil {
		return nil, err
	}
	c.Direction = types.Direction(direction)
	return &c, nil
}
