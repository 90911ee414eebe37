// Package campaign drives outbound calling campaigns. Each running campaign
// gets one cooperative loop that claims dialable contacts up to the
// campaign's concurrency cap, originates calls through the shared dial path,
// and writes the terminal outcome of every attempt back to the contact row.
//
// The loops keep no contact state in memory: claims and outcomes go through
// the database with SKIP LOCKED semantics, so a restarted process resumes a
// campaign exactly where the rows say it is.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ligvox/ligvox/internal/observe"
	"github.com/ligvox/ligvox/internal/session"
	"github.com/ligvox/ligvox/internal/store"
	"github.com/ligvox/ligvox/internal/switchio"
	"github.com/ligvox/ligvox/pkg/types"
)

const (
	// tickInterval paces the claim loop of each running campaign.
	tickInterval = 2 * time.Second

	// maxAttempts caps dial attempts per contact: one initial try plus two
	// retries.
	maxAttempts = 3

	// retrySpacing is the wait before a failed connect is tried again.
	retrySpacing = 60 * time.Second

	// outcomeTimeout bounds the post-call contact update.
	outcomeTimeout = 5 * time.Second
)

// ErrNotRunnable is returned when a campaign cannot transition to running.
var ErrNotRunnable = errors.New("campaign: not in a runnable state")

// Store is the persistence surface the runner needs. *store.Store satisfies
// it.
type Store interface {
	GetCampaign(ctx context.Context, id int64) (*store.Campaign, error)
	ListCampaigns(ctx context.Context) ([]store.Campaign, error)
	SetCampaignStatus(ctx context.Context, id int64, status string) error
	ClaimContacts(ctx context.Context, campaignID int64, limit, maxAttempts int) ([]store.Contact, error)
	SetContactOutcome(ctx context.Context, contactID int64, status, callID, lastError string, retryAt *time.Time) error
	ReleaseContact(ctx context.Context, contactID int64, retryAt time.Time, reason string) error
	CampaignProgress(ctx context.Context, campaignID int64) (store.CampaignProgress, error)
	PendingRetries(ctx context.Context, campaignID int64, maxAttempts int) (int, error)
	AddContacts(ctx context.Context, campaignID int64, contacts []store.Contact) (int, error)
}

// Call is the runner's view of a launched call session. *session.Session
// satisfies it.
type Call interface {
	Done() <-chan struct{}
	Result() session.Result
}

// LaunchFunc originates one outbound campaign call and returns its live
// session. The app wiring provides it: create the session, admit it into the
// registry under the campaign's cap, start it, and dial.
type LaunchFunc func(ctx context.Context, callID, number string, promptID *int64, campaignID int64, campaignLimit int) (Call, error)

// ActiveCounter reports live sessions per campaign. *session.Registry
// satisfies it.
type ActiveCounter interface {
	CampaignActive(campaignID int64) int
}

// Manager owns the per-campaign runner loops.
type Manager struct {
	store   Store
	active  ActiveCounter
	launch  LaunchFunc
	events  session.Sink
	logger  *slog.Logger
	metrics *observe.Metrics
	tick    time.Duration

	mu      sync.Mutex
	runners map[int64]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Manager. events may be nil.
func NewManager(st Store, active ActiveCounter, launch LaunchFunc, events session.Sink, logger *slog.Logger, metrics *observe.Metrics) *Manager {
	if events == nil {
		events = session.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:   st,
		active:  active,
		launch:  launch,
		events:  events,
		logger:  logger,
		metrics: metrics,
		tick:    tickInterval,
		runners: make(map[int64]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Close stops all runner loops. In-flight calls keep running; their outcome
// writes are cut short, which startup recovery repairs on the next boot.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Start transitions a campaign to running and spawns its loop. Pending and
// paused campaigns can start; completed and cancelled ones cannot.
func (m *Manager) Start(ctx context.Context, id int64) error {
	c, err := m.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	switch c.Status {
	case store.CampaignPending, store.CampaignPaused:
	case store.CampaignRunning:
		// Already running; make sure a loop exists (e.g. after restart).
	default:
		return fmt.Errorf("%w: campaign %d is %s", ErrNotRunnable, id, c.Status)
	}
	if err := m.store.SetCampaignStatus(ctx, id, store.CampaignRunning); err != nil {
		return err
	}
	m.startRunner(id)
	return nil
}

// Pause stops the claim loop of a running campaign. Calls already in flight
// are not aborted.
func (m *Manager) Pause(ctx context.Context, id int64) error {
	c, err := m.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != store.CampaignRunning {
		return fmt.Errorf("%w: campaign %d is %s", ErrNotRunnable, id, c.Status)
	}
	if err := m.store.SetCampaignStatus(ctx, id, store.CampaignPaused); err != nil {
		return err
	}
	m.stopRunner(id)
	return nil
}

// Cancel terminally stops a campaign. Remaining contacts stay in their
// current status.
func (m *Manager) Cancel(ctx context.Context, id int64) error {
	c, err := m.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	switch c.Status {
	case store.CampaignCompleted, store.CampaignCancelled:
		return fmt.Errorf("%w: campaign %d is %s", ErrNotRunnable, id, c.Status)
	}
	if err := m.store.SetCampaignStatus(ctx, id, store.CampaignCancelled); err != nil {
		return err
	}
	m.stopRunner(id)
	return nil
}

// Resume restarts the loops of campaigns that were running when the process
// stopped. Called once at startup, after crash recovery has cleaned up
// contact rows.
func (m *Manager) Resume(ctx context.Context) error {
	campaigns, err := m.store.ListCampaigns(ctx)
	if err != nil {
		return err
	}
	for _, c := range campaigns {
		if c.Status == store.CampaignRunning {
			m.logger.Info("resuming campaign", slog.Int64("campaign_id", c.ID))
			m.startRunner(c.ID)
		}
	}
	return nil
}

func (m *Manager) startRunner(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runners[id]; ok {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.runners[id] = cancel
	m.wg.Add(1)
	go m.run(ctx, id)
}

func (m *Manager) stopRunner(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.runners[id]; ok {
		cancel()
		delete(m.runners, id)
	}
}

// run is the cooperative loop of one campaign. It exits when the campaign
// leaves the running state, completes, or the manager shuts down.
func (m *Manager) run(ctx context.Context, id int64) {
	defer m.wg.Done()
	defer m.stopRunner(id)

	m.metrics.RunningCampaigns.Add(ctx, 1)
	defer m.metrics.RunningCampaigns.Add(context.WithoutCancel(ctx), -1)

	log := m.logger.With(slog.Int64("campaign_id", id))
	log.Info("campaign loop started")

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		if stop := m.tickOnce(ctx, id, log); stop {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tickOnce performs one claim/dial/completion-check round. It returns true
// when the loop should stop.
func (m *Manager) tickOnce(ctx context.Context, id int64, log *slog.Logger) bool {
	c, err := m.store.GetCampaign(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		log.Error("campaign lookup failed", slog.Any("error", err))
		return false
	}
	if c.Status != store.CampaignRunning {
		log.Info("campaign loop stopping", slog.String("status", c.Status))
		return true
	}

	if capacity := c.MaxConcurrent - m.active.CampaignActive(id); capacity > 0 {
		contacts, err := m.store.ClaimContacts(ctx, id, capacity, maxAttempts)
		if err != nil {
			log.Error("contact claim failed", slog.Any("error", err))
			return false
		}
		for _, contact := range contacts {
			m.dialContact(ctx, c, contact, log)
		}
	}

	return m.checkCompletion(ctx, c, log)
}

// dialContact originates one contact's call and spawns a watcher that writes
// the outcome when the session terminates.
func (m *Manager) dialContact(ctx context.Context, c *store.Campaign, contact store.Contact, log *slog.Logger) {
	callID := types.NewCallID()
	s, err := m.launch(ctx, callID, contact.PhoneNumber, c.PromptID, c.ID, c.MaxConcurrent)
	if err != nil {
		m.recordLaunchFailure(ctx, contact, err, log)
		return
	}

	log.Info("campaign call originated",
		slog.String("call_id", callID),
		slog.String("number", contact.PhoneNumber))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-s.Done():
		case <-m.ctx.Done():
			// Shutdown: the contact stays calling; startup recovery resets it.
			return
		}

		octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
		defer cancel()
		status, lastErr, retryAt := contactOutcome(s.Result())
		if err := m.store.SetContactOutcome(octx, contact.ID, status, callID, lastErr, retryAt); err != nil {
			log.Error("contact outcome write failed",
				slog.Int64("contact_id", contact.ID), slog.Any("error", err))
		}
	}()
}

// recordLaunchFailure maps a launch error to the contact row. Capacity
// rejections release the claim for a later round; invalid numbers are
// terminal; anything else retries with the standard spacing.
func (m *Manager) recordLaunchFailure(ctx context.Context, contact store.Contact, launchErr error, log *slog.Logger) {
	log.Warn("campaign dial failed",
		slog.Int64("contact_id", contact.ID),
		slog.String("number", contact.PhoneNumber),
		slog.Any("error", launchErr))

	var err error
	switch {
	case errors.Is(launchErr, session.ErrAtCapacity),
		errors.Is(launchErr, session.ErrCampaignAtCapacity):
		err = m.store.ReleaseContact(ctx, contact.ID, time.Now().Add(retrySpacing), launchErr.Error())
	case errors.Is(launchErr, switchio.ErrBadNumber):
		err = m.store.SetContactOutcome(ctx, contact.ID, store.ContactFailed, "", launchErr.Error(), nil)
	default:
		retryAt := time.Now().Add(retrySpacing)
		err = m.store.SetContactOutcome(ctx, contact.ID, store.ContactFailed, "", launchErr.Error(), &retryAt)
	}
	if err != nil {
		log.Error("contact failure write failed",
			slog.Int64("contact_id", contact.ID), slog.Any("error", err))
	}
}

// checkCompletion finishes the campaign when nothing remains to dial. It
// returns true when the loop should stop.
func (m *Manager) checkCompletion(ctx context.Context, c *store.Campaign, log *slog.Logger) bool {
	progress, err := m.store.CampaignProgress(ctx, c.ID)
	if err != nil {
		log.Error("campaign progress query failed", slog.Any("error", err))
		return false
	}
	if progress.Total == 0 || !progress.Done() || m.active.CampaignActive(c.ID) > 0 {
		return false
	}
	retries, err := m.store.PendingRetries(ctx, c.ID, maxAttempts)
	if err != nil {
		log.Error("campaign retry count failed", slog.Any("error", err))
		return false
	}
	if retries > 0 {
		return false
	}

	if err := m.store.SetCampaignStatus(ctx, c.ID, store.CampaignCompleted); err != nil {
		log.Error("campaign completion write failed", slog.Any("error", err))
		return false
	}
	log.Info("campaign completed",
		slog.Int("completed", progress.Completed),
		slog.Int("failed", progress.Failed),
		slog.Int("no_answer", progress.NoAnswer))
	m.events.Publish(ctx, session.EventCampaignDone, map[string]any{
		"campaign_id": c.ID,
		"name":        c.Name,
		"total":       progress.Total,
		"completed":   progress.Completed,
		"failed":      progress.Failed,
		"no_answer":   progress.NoAnswer,
	})
	return true
}

// contactOutcome maps a terminal session result to the contact row update.
// Connect failures schedule a retry; failures after the call was answered do
// not.
func contactOutcome(res session.Result) (status, lastErr string, retryAt *time.Time) {
	if res.Outcome == "completed" && res.Conversed {
		return store.ContactCompleted, "", nil
	}
	if res.Conversed {
		// Answered but ended abnormally. Redialing would start the
		// conversation over, so no retry.
		return store.ContactFailed, res.Reason, nil
	}
	at := time.Now().Add(retrySpacing)
	if res.Reason == "connect_timeout" {
		return store.ContactNoAnswer, res.Reason, &at
	}
	return store.ContactFailed, res.Reason, &at
}
