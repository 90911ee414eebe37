// Package schedule executes one-shot scheduled calls. A single loop polls
// for due rows, claims them with SKIP LOCKED, and originates each through
// the shared dial path. The terminal session outcome is written back to the
// schedule row.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ligvox/ligvox/internal/session"
	"github.com/ligvox/ligvox/internal/store"
	"github.com/ligvox/ligvox/pkg/types"
)

const (
	// pollInterval is the due-schedule poll cadence.
	pollInterval = 5 * time.Second

	// claimBatch caps the schedules executed per poll.
	claimBatch = 20

	// outcomeTimeout bounds the post-call schedule update.
	outcomeTimeout = 5 * time.Second
)

// Store is the persistence surface the runner needs. *store.Store satisfies
// it.
type Store interface {
	ClaimDueSchedules(ctx context.Context, now time.Time, limit int) ([]store.ScheduledCall, error)
	FinishSchedule(ctx context.Context, id int64, status, callID, lastError string) error
}

// Call is the runner's view of a launched call session. *session.Session
// satisfies it.
type Call interface {
	Done() <-chan struct{}
	Result() session.Result
}

// LaunchFunc originates one scheduled outbound call and returns its live
// session.
type LaunchFunc func(ctx context.Context, callID, number string, promptID *int64) (Call, error)

// Runner polls for due scheduled calls and executes them.
type Runner struct {
	store  Store
	launch LaunchFunc
	logger *slog.Logger
	poll   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a stopped Runner; call [Runner.Start] to begin polling.
func NewRunner(st Store, launch LaunchFunc, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:  st,
		launch: launch,
		logger: logger,
		poll:   pollInterval,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the poll loop.
func (r *Runner) Start() {
	r.wg.Add(1)
	go r.run()
}

// Close stops polling. Executing schedules interrupted by shutdown are
// repaired by startup recovery on the next boot.
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Runner) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		r.tickOnce()
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tickOnce claims every due schedule and dials it.
func (r *Runner) tickOnce() {
	due, err := r.store.ClaimDueSchedules(r.ctx, time.Now(), claimBatch)
	if err != nil {
		if r.ctx.Err() == nil {
			r.logger.Error("due schedule claim failed", slog.Any("error", err))
		}
		return
	}
	for _, sc := range due {
		r.execute(sc)
	}
}

// execute originates one scheduled call and spawns a watcher that records
// the terminal outcome.
func (r *Runner) execute(sc store.ScheduledCall) {
	log := r.logger.With(
		slog.Int64("schedule_id", sc.ID),
		slog.String("number", sc.PhoneNumber))

	callID := types.NewCallID()
	s, err := r.launch(r.ctx, callID, sc.PhoneNumber, sc.PromptID)
	if err != nil {
		log.Warn("scheduled dial failed", slog.Any("error", err))
		r.finish(sc.ID, store.ScheduleFailed, "", err.Error())
		return
	}
	log.Info("scheduled call originated", slog.String("call_id", callID))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-s.Done():
		case <-r.ctx.Done():
			// Shutdown: leave the row executing for startup recovery.
			return
		}

		res := s.Result()
		status, lastErr := store.ScheduleCompleted, ""
		if res.Outcome != "completed" {
			status, lastErr = store.ScheduleFailed, res.Reason
		}
		r.finish(sc.ID, status, callID, lastErr)
	}()
}

func (r *Runner) finish(id int64, status, callID, lastErr string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), outcomeTimeout)
	defer cancel()
	if err := r.store.FinishSchedule(ctx, id, status, callID, lastErr); err != nil {
		r.logger.Error("schedule outcome write failed",
			slog.Int64("schedule_id", id), slog.Any("error", err))
	}
}
