// Package webhook delivers call lifecycle events to registered HTTP
// endpoints. Every event fans out to one task per matching active config;
// delivery is FIFO per webhook but parallel across webhooks, so one slow
// endpoint cannot delay the others. Bodies are signed with the config's
// HMAC-SHA256 secret and every attempt is written to the delivery audit log.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ligvox/ligvox/internal/observe"
	"github.com/ligvox/ligvox/internal/session"
	"github.com/ligvox/ligvox/internal/store"
)

const (
	// eventQueueDepth bounds the fan-in queue. Publish drops events rather
	// than block a call session when the queue is full.
	eventQueueDepth = 256

	// workerQueueDepth bounds each per-webhook FIFO queue.
	workerQueueDepth = 64

	// attemptTimeout caps a single HTTP delivery attempt.
	attemptTimeout = 10 * time.Second
)

// retryDelays is the backoff before each retry, so an event gets at most
// three attempts total. Network errors and 5xx responses retry; 4xx is
// terminal.
var retryDelays = []time.Duration{time.Second, 5 * time.Second}

// Store is the persistence surface the dispatcher needs. *store.Store
// satisfies it.
type Store interface {
	ActiveWebhooks(ctx context.Context) ([]store.WebhookConfig, error)
	GetWebhook(ctx context.Context, id int64) (*store.WebhookConfig, error)
	LogDelivery(ctx context.Context, d store.WebhookDelivery) error
}

// payload is the JSON body posted to webhook endpoints.
type payload struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type task struct {
	cfg store.WebhookConfig
	p   payload
}

type worker struct {
	tasks chan task
}

// Dispatcher fans call lifecycle events out to registered webhooks.
type Dispatcher struct {
	store   Store
	client  *http.Client
	logger  *slog.Logger
	metrics *observe.Metrics
	delays  []time.Duration

	events chan payload

	mu      sync.Mutex
	workers map[int64]*worker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ session.Sink = (*Dispatcher)(nil)

// New creates a running dispatcher. Call [Dispatcher.Close] to drain and stop
// it.
func New(st Store, logger *slog.Logger, metrics *observe.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:   st,
		client:  &http.Client{Timeout: attemptTimeout},
		logger:  logger,
		metrics: metrics,
		delays:  retryDelays,
		events:  make(chan payload, eventQueueDepth),
		workers: make(map[int64]*worker),
		ctx:     ctx,
		cancel:  cancel,
	}
	d.wg.Add(1)
	go d.dispatchLoop()
	return d
}

// Publish queues an event for delivery. It never blocks: when the fan-in
// queue is full the event is dropped and logged.
func (d *Dispatcher) Publish(_ context.Context, event string, data any) {
	p := payload{Event: event, Timestamp: time.Now().UTC(), Data: data}
	select {
	case d.events <- p:
	case <-d.ctx.Done():
	default:
		d.logger.Warn("webhook event dropped, queue full", slog.String("event", event))
	}
}

// Close stops the dispatcher. Queued deliveries still in flight are
// abandoned.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// TestDelivery sends one signed "test" event to the webhook with the given
// ID, with no retries. It returns the HTTP status received, and logs the
// attempt like any other delivery.
func (d *Dispatcher) TestDelivery(ctx context.Context, id int64) (int, error) {
	cfg, err := d.store.GetWebhook(ctx, id)
	if err != nil {
		return 0, err
	}

	p := payload{
		Event:     "test",
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"webhook_id": id},
	}
	body, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("webhook: encode test payload: %w", err)
	}

	status, postErr := d.post(ctx, cfg, p.Event, body)
	d.logAttempt(ctx, cfg.ID, p.Event, 1, status, postErr)
	if postErr != nil {
		d.metrics.RecordWebhookDelivery(ctx, "failed")
		return 0, postErr
	}
	if status >= 400 {
		d.metrics.RecordWebhookDelivery(ctx, "failed")
	} else {
		d.metrics.RecordWebhookDelivery(ctx, "delivered")
	}
	return status, nil
}

// dispatchLoop resolves each event against the active configs and hands one
// task per subscriber to that webhook's FIFO worker.
func (d *Dispatcher) dispatchLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case p := <-d.events:
			cfgs, err := d.store.ActiveWebhooks(d.ctx)
			if err != nil {
				d.logger.Error("webhook config lookup failed", slog.Any("error", err))
				continue
			}
			for _, cfg := range cfgs {
				if !cfg.Subscribed(p.Event) {
					continue
				}
				w := d.workerFor(cfg.ID)
				select {
				case w.tasks <- task{cfg: cfg, p: p}:
				default:
					d.logger.Warn("webhook delivery dropped, worker queue full",
						slog.Int64("webhook_id", cfg.ID),
						slog.String("event", p.Event))
					d.metrics.RecordWebhookDelivery(d.ctx, "failed")
				}
			}
		}
	}
}

// workerFor returns the FIFO worker for a webhook, starting it on first use.
// The config travels with each task, so edits to a webhook take effect on the
// next event without restarting the worker.
func (d *Dispatcher) workerFor(id int64) *worker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.workers[id]; ok {
		return w
	}
	w := &worker{tasks: make(chan task, workerQueueDepth)}
	d.workers[id] = w
	d.wg.Add(1)
	go d.runWorker(w)
	return w
}

func (d *Dispatcher) runWorker(w *worker) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case t := <-w.tasks:
			d.deliver(t)
		}
	}
}

// deliver posts one event to one webhook, retrying on network errors and 5xx
// with the configured backoff. 4xx is terminal.
func (d *Dispatcher) deliver(t task) {
	body, err := json.Marshal(t.p)
	if err != nil {
		d.logger.Error("webhook payload encoding failed",
			slog.String("event", t.p.Event), slog.Any("error", err))
		return
	}

	for attempt := 1; ; attempt++ {
		status, postErr := d.post(d.ctx, &t.cfg, t.p.Event, body)
		d.logAttempt(d.ctx, t.cfg.ID, t.p.Event, attempt, status, postErr)

		if postErr == nil && status < 400 {
			d.metrics.RecordWebhookDelivery(d.ctx, "delivered")
			return
		}
		if postErr == nil && status < 500 {
			// Client error: the endpoint rejected the payload, retrying
			// cannot help.
			d.metrics.RecordWebhookDelivery(d.ctx, "failed")
			d.logger.Warn("webhook delivery rejected",
				slog.Int64("webhook_id", t.cfg.ID),
				slog.String("event", t.p.Event),
				slog.Int("status", status))
			return
		}
		if attempt > len(d.delays) {
			d.metrics.RecordWebhookDelivery(d.ctx, "failed")
			d.logger.Warn("webhook delivery gave up",
				slog.Int64("webhook_id", t.cfg.ID),
				slog.String("event", t.p.Event),
				slog.Int("attempts", attempt),
				slog.Any("error", postErr))
			return
		}

		d.metrics.RecordWebhookDelivery(d.ctx, "retrying")
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(d.delays[attempt-1]):
		}
	}
}

// post performs one HTTP delivery attempt and returns the response status.
func (d *Dispatcher) post(ctx context.Context, cfg *store.WebhookConfig, event string, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", event)
	if cfg.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+Sign(cfg.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

func (d *Dispatcher) logAttempt(ctx context.Context, webhookID int64, event string, attempt, status int, attemptErr error) {
	entry := store.WebhookDelivery{
		WebhookID:  webhookID,
		Event:      event,
		Attempt:    attempt,
		StatusCode: status,
	}
	if attemptErr != nil {
		entry.Error = attemptErr.Error()
	}
	if err := d.store.LogDelivery(ctx, entry); err != nil {
		d.logger.Error("webhook delivery log write failed", slog.Any("error", err))
	}
}

// Sign computes the hex HMAC-SHA256 of body under secret, as carried in the
// X-Webhook-Signature header.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
