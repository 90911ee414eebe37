package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FailoverGroup] either
// failed or had an open breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FailoverConfig configures the per-entry breaker of a [FailoverGroup].
type FailoverConfig struct {
	Breaker BreakerConfig
	Logger  *slog.Logger
}

type failoverEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FailoverGroup chains a primary and zero or more fallback instances of the
// same provider type. Entries are tried in registration order; an entry with
// an open breaker is skipped without a call.
type FailoverGroup[T any] struct {
	entries []failoverEntry[T]
	cfg     FailoverConfig
	logger  *slog.Logger
}

// NewFailoverGroup creates a group with primary as the first entry.
func NewFailoverGroup[T any](primary T, primaryName string, cfg FailoverConfig) *FailoverGroup[T] {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &FailoverGroup[T]{cfg: cfg, logger: logger}
	g.add(primaryName, primary)
	return g
}

// AddFallback appends a fallback provider, tried after all earlier entries.
func (g *FailoverGroup[T]) AddFallback(name string, fallback T) {
	g.add(name, fallback)
}

func (g *FailoverGroup[T]) add(name string, value T) {
	bc := g.cfg.Breaker
	bc.Name = name
	g.entries = append(g.entries, failoverEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(bc, g.logger),
	})
}

// Execute tries fn against each entry in order until one succeeds. Returns
// [ErrAllFailed] wrapping the last error when none does.
func (g *FailoverGroup[T]) Execute(fn func(T) error) error {
	var lastErr error
	for i := range g.entries {
		entry := &g.entries[i]
		err := entry.breaker.Execute(func() error { return fn(entry.value) })
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			g.logger.Debug("provider skipped, circuit open", slog.String("provider", entry.name))
		} else {
			g.logger.Warn("provider failed, trying next",
				slog.String("provider", entry.name), slog.Any("error", err))
		}
	}
	return fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// ExecuteWithResult tries fn against each entry until one succeeds and
// returns its result. A package-level function because methods cannot carry
// their own type parameters.
func ExecuteWithResult[T, R any](g *FailoverGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range g.entries {
		entry := &g.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var inner error
			result, inner = fn(entry.value)
			return inner
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			g.logger.Debug("provider skipped, circuit open", slog.String("provider", entry.name))
		} else {
			g.logger.Warn("provider failed, trying next",
				slog.String("provider", entry.name), slog.Any("error", err))
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
