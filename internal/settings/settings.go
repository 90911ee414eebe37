// Package settings exposes runtime-tunable configuration backed by the
// database settings table.
//
// Values are read through an immutable snapshot held in an atomic pointer,
// so the hot call path never touches the database or a mutex. Writes go
// through the store and then Reload swaps in a fresh snapshot. Keys absent
// from the table fall back to the static config defaults supplied at
// construction.
package settings

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/ligvox/ligvox/internal/store"
)

// Recognised setting keys. Unknown keys are stored and returned verbatim but
// have no effect on behavior.
const (
	KeyMaxConcurrentCalls = "max_concurrent_calls"
	KeyBargeInMinChars    = "barge_in_min_chars"
	KeyDefaultVoiceID     = "default_voice_id"
	KeySTTAPIKey          = "stt_api_key"
	KeyLLMAPIKey          = "llm_api_key"
	KeyTTSAPIKey          = "tts_api_key"
)

// Defaults applied when the settings table has no row for a key.
const (
	DefaultBargeInMinChars = 3
)

// Store is the persistence surface the service needs. *store.Store
// satisfies it.
type Store interface {
	AllSettings(ctx context.Context) ([]store.Setting, error)
	UpsertSetting(ctx context.Context, key, value string, isSecret bool) error
	DeleteSetting(ctx context.Context, key string) error
}

// Snapshot is an immutable view of the effective settings.
type Snapshot struct {
	values  map[string]string
	secrets map[string]bool

	// MaxConcurrentCalls caps simultaneously active calls.
	MaxConcurrentCalls int
	// BargeInMinChars is the minimum interim transcript length that counts
	// as the caller speaking over the agent.
	BargeInMinChars int
	// DefaultVoiceID overrides the config voice when set.
	DefaultVoiceID string
}

// Get returns the raw value for key and whether it is present.
func (s *Snapshot) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Service owns the snapshot and coordinates reloads.
type Service struct {
	store Store
	cur   atomic.Pointer[Snapshot]

	defaultMaxConcurrent int
	defaultVoiceID       string
}

// New builds a Service with config-derived fallbacks and loads the initial
// snapshot from the store.
func New(ctx context.Context, store Store, defaultMaxConcurrent int, defaultVoiceID string) (*Service, error) {
	s := &Service{
		store:                store,
		defaultMaxConcurrent: defaultMaxConcurrent,
		defaultVoiceID:       defaultVoiceID,
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the latest snapshot. Never nil after New succeeds.
func (s *Service) Current() *Snapshot {
	return s.cur.Load()
}

// Reload re-reads the settings table and atomically replaces the snapshot.
func (s *Service) Reload(ctx context.Context) error {
	rows, err := s.store.AllSettings(ctx)
	if err != nil {
		return fmt.Errorf("settings: reload: %w", err)
	}

	snap := &Snapshot{
		values:             make(map[string]string, len(rows)),
		secrets:            make(map[string]bool, len(rows)),
		MaxConcurrentCalls: s.defaultMaxConcurrent,
		BargeInMinChars:    DefaultBargeInMinChars,
		DefaultVoiceID:     s.defaultVoiceID,
	}
	for _, r := range rows {
		snap.values[r.Key] = r.Value
		snap.secrets[r.Key] = r.IsSecret
	}

	if v, ok := snap.values[KeyMaxConcurrentCalls]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("settings: %s: invalid value %q", KeyMaxConcurrentCalls, v)
		}
		snap.MaxConcurrentCalls = n
	}
	if v, ok := snap.values[KeyBargeInMinChars]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("settings: %s: invalid value %q", KeyBargeInMinChars, v)
		}
		snap.BargeInMinChars = n
	}
	if v, ok := snap.values[KeyDefaultVoiceID]; ok && v != "" {
		snap.DefaultVoiceID = v
	}

	s.cur.Store(snap)
	return nil
}

// Set validates, persists, and applies one setting.
func (s *Service) Set(ctx context.Context, key, value string) error {
	switch key {
	case KeyMaxConcurrentCalls:
		if n, err := strconv.Atoi(value); err != nil || n <= 0 {
			return fmt.Errorf("settings: %s must be a positive integer", key)
		}
	case KeyBargeInMinChars:
		if n, err := strconv.Atoi(value); err != nil || n < 0 {
			return fmt.Errorf("settings: %s must be a non-negative integer", key)
		}
	}
	if err := s.store.UpsertSetting(ctx, key, value, isSecretKey(key)); err != nil {
		return err
	}
	return s.Reload(ctx)
}

// Delete removes one setting, reverting the key to its default, and reloads.
func (s *Service) Delete(ctx context.Context, key string) error {
	if err := s.store.DeleteSetting(ctx, key); err != nil {
		return err
	}
	return s.Reload(ctx)
}

// Masked returns all settings with secret values obscured for API responses.
func (s *Service) Masked() map[string]string {
	snap := s.Current()
	out := make(map[string]string, len(snap.values))
	for k, v := range snap.values {
		if snap.secrets[k] {
			out[k] = MaskSecret(v)
		} else {
			out[k] = v
		}
	}
	return out
}

// MaskSecret obscures all but the last four characters of a secret value.
func MaskSecret(v string) string {
	if len(v) <= 4 {
		return strings.Repeat("*", len(v))
	}
	return "****" + v[len(v)-4:]
}

func isSecretKey(key string) bool {
	switch key {
	case KeySTTAPIKey, KeyLLMAPIKey, KeyTTSAPIKey:
		return true
	}
	return strings.HasSuffix(key, "_api_key") || strings.HasSuffix(key, "_secret")
}
