package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Scheduled call statuses.
const (
	SchedulePending   = "pending"
	ScheduleExecuting = "executing"
	ScheduleCompleted = "completed"
	ScheduleFailed    = "failed"
	ScheduleCancelled = "cancelled"
)

// ScheduledCall is a one-shot outbound call planned for a future time.
type ScheduledCall struct {
	ID            int64     `json:"id"`
	PhoneNumber   string    `json:"phone_number"`
	PromptID      *int64    `json:"prompt_id,omitempty"`
	ScheduledTime time.Time `json:"scheduled_time"`
	Status        string    `json:"status"`
	CallID        string    `json:"call_id,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

const scheduleCols = `id, phone_number, prompt_id, scheduled_time, status, call_id, last_error, created_at`

// CreateSchedule inserts a scheduled call in the pending state.
func (s *Store) CreateSchedule(ctx context.Context, sc ScheduledCall) (*ScheduledCall, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO scheduled_calls (phone_number, prompt_id, scheduled_time)
		VALUES ($1, $2, $3)
		RETURNING `+scheduleCols,
		sc.PhoneNumber, sc.PromptID, sc.ScheduledTime)
	out, err := scanSchedule(row)
	if err != nil {
		return nil, fmt.Errorf("store: create schedule: %w", err)
	}
	return out, nil
}

// GetSchedule returns the scheduled call with the given ID.
func (s *Store) GetSchedule(ctx context.Context, id int64) (*ScheduledCall, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+scheduleCols+` FROM scheduled_calls WHERE id = $1`, id)
	sc, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get schedule %d: %w", id, err)
	}
	return sc, nil
}

// ListSchedules returns all scheduled calls ordered by scheduled time.
func (s *Store) ListSchedules(ctx context.Context) ([]ScheduledCall, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+scheduleCols+` FROM scheduled_calls ORDER BY scheduled_time`)
	if err != nil {
		return nil, fmt.Errorf("store: list schedules: %w", err)
	}
	defer rows.Close()

	var out []ScheduledCall
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan schedule: %w", err)
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

// ClaimDueSchedules atomically moves pending schedules whose time has
// arrived into the executing state and returns them. Safe against concurrent
// pollers via FOR UPDATE SKIP LOCKED.
func (s *Store) ClaimDueSchedules(ctx context.Context, now time.Time, limit int) ([]ScheduledCall, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE scheduled_calls
		SET status = $3
		WHERE id IN (
			SELECT id FROM scheduled_calls
			WHERE status = $2 AND scheduled_time <= $1
			ORDER BY scheduled_time
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+scheduleCols,
		now, SchedulePending, ScheduleExecuting, limit)
	if err != nil {
		return nil, fmt.Errorf("store: claim due schedules: %w", err)
	}
	defer rows.Close()

	var out []ScheduledCall
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan schedule: %w", err)
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

// FinishSchedule moves an executing schedule to its terminal status.
func (s *Store) FinishSchedule(ctx context.Context, id int64, status, callID, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_calls SET status = $2, call_id = $3, last_error = $4 WHERE id = $1`,
		id, status, callID, lastError)
	if err != nil {
		return fmt.Errorf("store: finish schedule %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelSchedule cancels a scheduled call. Only pending schedules can be
// cancelled; anything else returns ErrNotFound so the API can 404/409.
func (s *Store) CancelSchedule(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_calls SET status = $2 WHERE id = $1 AND status = $3`,
		id, ScheduleCancelled, SchedulePending)
	if err != nil {
		return fmt.Errorf("store: cancel schedule %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSchedule(r rowScanner) (*ScheduledCall, error) {
	var sc ScheduledCall
	if err := r.Scan(&sc.ID, &sc.PhoneNumber, &sc.PromptID, &sc.ScheduledTime,
		&sc.Status, &sc.CallID, &sc.LastError, &sc.CreatedAt); err != nil {
		return nil, err
	}
	return &sc, nil
}
