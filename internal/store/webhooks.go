package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// WebhookConfig is a registered webhook endpoint with its event
// subscriptions and HMAC signing secret.
type WebhookConfig struct {
	ID        int64     `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"-"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Subscribed reports whether the config wants the given event. An empty
// events list means all events.
func (w *WebhookConfig) Subscribed(event string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// WebhookDelivery is the audit log row for one delivery attempt.
type WebhookDelivery struct {
	ID         int64     `json:"id"`
	WebhookID  int64     `json:"webhook_id"`
	Event      string    `json:"event"`
	Attempt    int       `json:"attempt"`
	StatusCode int       `json:"status_code"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

const webhookCols = `id, url, events, secret, is_active, created_at`

// CreateWebhook registers a new webhook endpoint.
func (s *Store) CreateWebhook(ctx context.Context, w WebhookConfig) (*WebhookConfig, error) {
	if w.Events == nil {
		w.Events = []string{}
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO webhook_configs (url, events, secret, is_active)
		VALUES ($1, $2, $3, $4)
		RETURNING `+webhookCols,
		w.URL, w.Events, w.Secret, w.IsActive)
	out, err := scanWebhook(row)
	if err != nil {
		return nil, fmt.Errorf("store: create webhook: %w", err)
	}
	return out, nil
}

// UpdateWebhook overwrites a webhook config.
func (s *Store) UpdateWebhook(ctx context.Context, w WebhookConfig) (*WebhookConfig, error) {
	if w.Events == nil {
		w.Events = []string{}
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE webhook_configs
		SET url = $2, events = $3, secret = $4, is_active = $5
		WHERE id = $1
		RETURNING `+webhookCols,
		w.ID, w.URL, w.Events, w.Secret, w.IsActive)
	out, err := scanWebhook(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: update webhook %d: %w", w.ID, err)
	}
	return out, nil
}

// GetWebhook returns the webhook config with the given ID.
func (s *Store) GetWebhook(ctx context.Context, id int64) (*WebhookConfig, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+webhookCols+` FROM webhook_configs WHERE id = $1`, id)
	w, err := scanWebhook(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get webhook %d: %w", id, err)
	}
	return w, nil
}

// ListWebhooks returns all webhook configs.
func (s *Store) ListWebhooks(ctx context.Context) ([]WebhookConfig, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+webhookCols+` FROM webhook_configs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list webhooks: %w", err)
	}
	defer rows.Close()

	var out []WebhookConfig
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan webhook: %w", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// ActiveWebhooks returns all active webhook configs. The dispatcher filters
// by event subscription itself via [WebhookConfig.Subscribed].
func (s *Store) ActiveWebhooks(ctx context.Context) ([]WebhookConfig, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+webhookCols+` FROM webhook_configs WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: active webhooks: %w", err)
	}
	defer rows.Close()

	var out []WebhookConfig
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan webhook: %w", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// DeleteWebhook removes a webhook config and its delivery log.
func (s *Store) DeleteWebhook(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhook_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete webhook %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LogDelivery appends one delivery attempt to the audit log.
func (s *Store) LogDelivery(ctx context.Context, d WebhookDelivery) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_deliveries (webhook_id, event, attempt, status_code, error)
		VALUES ($1, $2, $3, $4, $5)`,
		d.WebhookID, d.Event, d.Attempt, d.StatusCode, d.Error)
	if err != nil {
		return fmt.Errorf("store: log delivery: %w", err)
	}
	return nil
}

// ListDeliveries returns the most recent delivery attempts for one webhook.
func (s *Store) ListDeliveries(ctx context.Context, webhookID int64, limit int) ([]WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, webhook_id, event, attempt, status_code, error, created_at
		FROM webhook_deliveries WHERE webhook_id = $1
		ORDER BY created_at DESC LIMIT $2`, webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list deliveries: %w", err)
	}
	defer rows.Close()

	var out []WebhookDelivery
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.Event, &d.Attempt, &d.StatusCode, &d.Error, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanWebhook(r rowScanner) (*WebhookConfig, error) {
	var w WebhookConfig
	if err := r.Scan(&w.ID, &w.URL, &w.Events, &w.Secret, &w.IsActive, &w.CreatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}
