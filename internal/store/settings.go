package store

import (
	"context"
	"fmt"
	"time"
)

// Setting is one key/value row of the runtime settings table. Secret values
// (provider API keys) are flagged so the API layer can mask them.
type Setting struct {
	Key       string
	Value     string
	IsSecret  bool
	UpdatedAt time.Time
}

// AllSettings returns every settings row.
func (s *Store) AllSettings(ctx context.Context) ([]Setting, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value, is_secret, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("store: all settings: %w", err)
	}
	defer rows.Close()

	var out []Setting
	for rows.Next() {
		var st Setting
		if err := rows.Scan(&st.Key, &st.Value, &st.IsSecret, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan setting: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpsertSetting inserts or updates one setting.
func (s *Store) UpsertSetting(ctx context.Context, key, value string, isSecret bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (key, value, is_secret)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = $2, is_secret = $3, updated_at = now()`,
		key, value, isSecret)
	if err != nil {
		return fmt.Errorf("store: upsert setting %q: %w", key, err)
	}
	return nil
}

// DeleteSetting removes one setting, reverting the key to its config default.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM settings WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("store: delete setting %q: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
