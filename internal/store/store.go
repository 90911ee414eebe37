// Package store is the PostgreSQL persistence gateway for Ligvox.
//
// It owns a single pgx connection pool and exposes narrow, intent-named
// methods grouped by entity: calls and their messages, prompts, campaigns and
// their contacts, scheduled calls, webhook configs and delivery logs, and the
// settings table. Consumers depend on small interfaces declared at the point
// of use; *Store satisfies all of them.
//
// Two guarantees matter to the call engine: InsertCall is idempotent on the
// call ID, and AppendMessage preserves insertion order per call (a per-call
// sequence number assigned inside the insert).
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the central PostgreSQL-backed gateway. All operations are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, and runs [Migrate] to ensure all required tables exist.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping checks database connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// schema holds the idempotent DDL for all Ligvox tables.
const schema = `
CREATE TABLE IF NOT EXISTS prompts (
	id                   BIGSERIAL PRIMARY KEY,
	name                 TEXT NOT NULL,
	system_prompt        TEXT NOT NULL,
	voice_id             TEXT NOT NULL DEFAULT 'pt-BR-isadora',
	llm_model            TEXT NOT NULL DEFAULT 'gpt-4.1-nano',
	temperature          DOUBLE PRECISION NOT NULL DEFAULT 0.7,
	greeting_text        TEXT NOT NULL DEFAULT '',
	greeting_duration_ms INTEGER NOT NULL DEFAULT 0,
	is_active            BOOLEAN NOT NULL DEFAULT FALSE,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS calls (
	call_id       TEXT PRIMARY KEY,
	switch_uuid   TEXT NOT NULL DEFAULT '',
	direction     TEXT NOT NULL,
	caller_number TEXT NOT NULL DEFAULT '',
	called_number TEXT NOT NULL DEFAULT '',
	prompt_id     BIGINT REFERENCES prompts(id) ON DELETE SET NULL,
	status        TEXT NOT NULL DEFAULT 'in_progress',
	summary       TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	answered_at   TIMESTAMPTZ,
	ended_at      TIMESTAMPTZ,
	duration_ms   BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_calls_status  ON calls (status);
CREATE INDEX IF NOT EXISTS idx_calls_created ON calls (created_at DESC);

CREATE TABLE IF NOT EXISTS call_messages (
	id                BIGSERIAL PRIMARY KEY,
	call_id           TEXT NOT NULL REFERENCES calls(call_id) ON DELETE CASCADE,
	seq               INTEGER NOT NULL,
	role              TEXT NOT NULL,
	content           TEXT NOT NULL,
	audio_duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (call_id, seq)
);

CREATE TABLE IF NOT EXISTS campaigns (
	id             BIGSERIAL PRIMARY KEY,
	name           TEXT NOT NULL,
	prompt_id      BIGINT REFERENCES prompts(id) ON DELETE SET NULL,
	max_concurrent INTEGER NOT NULL DEFAULT 5,
	status         TEXT NOT NULL DEFAULT 'pending',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS campaign_contacts (
	id           BIGSERIAL PRIMARY KEY,
	campaign_id  BIGINT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
	phone_number TEXT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	metadata     JSONB NOT NULL DEFAULT '{}',
	status       TEXT NOT NULL DEFAULT 'pending',
	attempts     INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	next_attempt TIMESTAMPTZ,
	call_id      TEXT NOT NULL DEFAULT '',
	UNIQUE (campaign_id, phone_number)
);
CREATE INDEX IF NOT EXISTS idx_contacts_campaign_status ON campaign_contacts (campaign_id, status);

CREATE TABLE IF NOT EXISTS scheduled_calls (
	id             BIGSERIAL PRIMARY KEY,
	phone_number   TEXT NOT NULL,
	prompt_id      BIGINT REFERENCES prompts(id) ON DELETE SET NULL,
	scheduled_time TIMESTAMPTZ NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	call_id        TEXT NOT NULL DEFAULT '',
	last_error     TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON scheduled_calls (status, scheduled_time);

CREATE TABLE IF NOT EXISTS webhook_configs (
	id         BIGSERIAL PRIMARY KEY,
	url        TEXT NOT NULL,
	events     TEXT[] NOT NULL DEFAULT '{}',
	secret     TEXT NOT NULL DEFAULT '',
	is_active  BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id          BIGSERIAL PRIMARY KEY,
	webhook_id  BIGINT NOT NULL REFERENCES webhook_configs(id) ON DELETE CASCADE,
	event       TEXT NOT NULL,
	attempt     INTEGER NOT NULL,
	status_code INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_deliveries_webhook ON webhook_deliveries (webhook_id, created_at DESC);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	is_secret  BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate applies the idempotent schema to the database.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// RecoverStartup marks calls that were in progress when the previous process
// died as failed. In-memory sessions do not survive a restart, so any row
// still marked in_progress is an orphan.
func (s *Store) RecoverStartup(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE calls
		SET status = 'failed', ended_at = now()
		WHERE status = 'in_progress'`)
	if err != nil {
		return 0, fmt.Errorf("store: recover startup: %w", err)
	}

	// Contacts stuck in calling belong to the same orphaned sessions.
	if _, err := s.pool.Exec(ctx, `
		UPDATE campaign_contacts
		SET status = 'failed', last_error = 'process restart'
		WHERE status = 'calling'`); err != nil {
		return 0, fmt.Errorf("store: recover contacts: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE scheduled_calls
		SET status = 'failed', last_error = 'process restart'
		WHERE status = 'executing'`); err != nil {
		return 0, fmt.Errorf("store: recover schedules: %w", err)
	}

	return tag.RowsAffected(), nil
}
