package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Campaign statuses.
const (
	CampaignPending   = "pending"
	CampaignRunning   = "running"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
	CampaignCancelled = "cancelled"
)

// Contact statuses within a campaign.
const (
	ContactPending   = "pending"
	ContactCalling   = "calling"
	ContactCompleted = "completed"
	ContactFailed    = "failed"
	ContactNoAnswer  = "no_answer"
)

// Campaign is a persisted outbound calling campaign.
type Campaign struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	PromptID      *int64    `json:"prompt_id,omitempty"`
	MaxConcurrent int       `json:"max_concurrent"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Contact is one dial target within a campaign.
type Contact struct {
	ID          int64             `json:"id"`
	CampaignID  int64             `json:"campaign_id"`
	PhoneNumber string            `json:"phone_number"`
	Name        string            `json:"name,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Status      string            `json:"status"`
	Attempts    int               `json:"attempts"`
	LastError   string            `json:"last_error,omitempty"`
	NextAttempt *time.Time        `json:"next_attempt,omitempty"`
	CallID      string            `json:"call_id,omitempty"`
}

// CampaignProgress aggregates contact counts per status for one campaign.
type CampaignProgress struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Calling   int `json:"calling"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	NoAnswer  int `json:"no_answer"`
}

// Done reports whether no contact remains to be dialed.
func (p CampaignProgress) Done() bool {
	return p.Pending == 0 && p.Calling == 0
}

const campaignCols = `id, name, prompt_id, max_concurrent, status, created_at, updated_at`

// CreateCampaign inserts a campaign in the pending state.
func (s *Store) CreateCampaign(ctx context.Context, c Campaign) (*Campaign, error) {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO campaigns (name, prompt_id, max_concurrent)
		VALUES ($1, $2, $3)
		RETURNING `+campaignCols,
		c.Name, c.PromptID, c.MaxConcurrent)
	out, err := scanCampaign(row)
	if err != nil {
		return nil, fmt.Errorf("store: create campaign: %w", err)
	}
	return out, nil
}

// GetCampaign returns the campaign with the given ID.
func (s *Store) GetCampaign(ctx context.Context, id int64) (*Campaign, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get campaign %d: %w", id, err)
	}
	return c, nil
}

// ListCampaigns returns all campaigns, newest first.
func (s *Store) ListCampaigns(ctx context.Context) ([]Campaign, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+campaignCols+` FROM campaigns ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list campaigns: %w", err)
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// SetCampaignStatus transitions a campaign to the given status.
func (s *Store) SetCampaignStatus(ctx context.Context, id int64, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("store: set campaign %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddContacts bulk-inserts contacts into a campaign. Numbers already present
// in the campaign are skipped; the return value is the count actually
// inserted so the importer can report duplicates.
func (s *Store) AddContacts(ctx context.Context, campaignID int64, contacts []Contact) (int, error) {
	inserted := 0
	for _, c := range contacts {
		meta := c.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO campaign_contacts (campaign_id, phone_number, name, metadata)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (campaign_id, phone_number) DO NOTHING`,
			campaignID, c.PhoneNumber, c.Name, meta)
		if err != nil {
			return inserted, fmt.Errorf("store: add contact %q: %w", c.PhoneNumber, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// ClaimContacts atomically picks up to limit dialable contacts of a campaign
// and marks them calling. A contact is dialable when pending, or terminated
// with a scheduled retry (next_attempt set) that has elapsed and attempts
// left. Concurrent claimers never receive the same contact thanks to
// FOR UPDATE SKIP LOCKED.
func (s *Store) ClaimContacts(ctx context.Context, campaignID int64, limit, maxAttempts int) ([]Contact, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE campaign_contacts
		SET status = $4, attempts = attempts + 1, next_attempt = NULL
		WHERE id IN (
			SELECT id FROM campaign_contacts
			WHERE campaign_id = $1
			  AND (status = $3
			       OR (status IN ($5, $6) AND attempts < $7
			           AND next_attempt IS NOT NULL AND next_attempt <= now()))
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, campaign_id, phone_number, name, metadata, status, attempts, last_error, next_attempt, call_id`,
		campaignID, limit, ContactPending, ContactCalling, ContactFailed, ContactNoAnswer, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("store: claim contacts: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan contact: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// SetContactOutcome records the result of one dial attempt. When retryAt is
// non-nil the contact stays eligible for another claim after that time.
func (s *Store) SetContactOutcome(ctx context.Context, contactID int64, status, callID, lastError string, retryAt *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaign_contacts
		SET status = $2, call_id = $3, last_error = $4, next_attempt = $5
		WHERE id = $1`,
		contactID, status, callID, lastError, retryAt)
	if err != nil {
		return fmt.Errorf("store: set contact %d outcome: %w", contactID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CampaignProgress returns contact counts per status for one campaign.
func (s *Store) CampaignProgress(ctx context.Context, campaignID int64) (CampaignProgress, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM campaign_contacts
		WHERE campaign_id = $1 GROUP BY status`, campaignID)
	if err != nil {
		return CampaignProgress{}, fmt.Errorf("store: campaign %d progress: %w", campaignID, err)
	}
	defer rows.Close()

	var p CampaignProgress
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return CampaignProgress{}, fmt.Errorf("store: scan progress: %w", err)
		}
		p.Total += n
		switch status {
		case ContactPending:
			p.Pending = n
		case ContactCalling:
			p.Calling = n
		case ContactCompleted:
			p.Completed = n
		case ContactFailed:
			p.Failed = n
		case ContactNoAnswer:
			p.NoAnswer = n
		}
	}
	return p, rows.Err()
}

// PendingRetries counts contacts whose next dial attempt is still scheduled.
// A campaign is not complete while any remain.
func (s *Store) PendingRetries(ctx context.Context, campaignID int64, maxAttempts int) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM campaign_contacts
		WHERE campaign_id = $1
		  AND status IN ($2, $3)
		  AND next_attempt IS NOT NULL
		  AND attempts < $4`,
		campaignID, ContactFailed, ContactNoAnswer, maxAttempts).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: pending retries for campaign %d: %w", campaignID, err)
	}
	return n, nil
}

// ListContacts returns all contacts of a campaign in insertion order.
func (s *Store) ListContacts(ctx context.Context, campaignID int64) ([]Contact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, campaign_id, phone_number, name, metadata, status, attempts, last_error, next_attempt, call_id
		FROM campaign_contacts WHERE campaign_id = $1 ORDER BY id`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("store: list contacts: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan contact: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ReleaseContact returns a claimed contact to the retry pool without
// consuming the attempt the claim charged, used when the dial never left the
// process (e.g. registry at capacity). Attempts count originations, not
// admission races.
func (s *Store) ReleaseContact(ctx context.Context, contactID int64, retryAt time.Time, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaign_contacts
		SET status = $2, attempts = GREATEST(attempts - 1, 0), last_error = $3, next_attempt = $4
		WHERE id = $1`,
		contactID, ContactFailed, reason, retryAt)
	if err != nil {
		return fmt.Errorf("store: release contact %d: %w", contactID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanCampaign(r rowScanner) (*Campaign, error) {
	var c Campaign
	if err := r.Scan(&c.ID, &c.Name, &c.PromptID, &c.MaxConcurrent, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanContact(r rowScanner) (*Contact, error) {
	var c Contact
	if err := r.Scan(&c.ID, &c.CampaignID, &c.PhoneNumber, &c.Name, &c.Metadata,
		&c.Status, &c.Attempts, &c.LastError, &c.NextAttempt, &c.CallID); err != nil {
		return nil, err
	}
	return &c, nil
}
