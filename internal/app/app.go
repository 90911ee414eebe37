// Package app assembles the Ligvox server from its parts: configuration,
// persistence, providers, the session registry, the switch control channel,
// the campaign and schedule runners, the webhook dispatcher, and the HTTP
// surface. It owns process lifetime: call sessions run on the app context,
// not on request contexts, so an API client disconnecting never kills a call.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/ligvox/ligvox/internal/campaign"
	"github.com/ligvox/ligvox/internal/config"
	"github.com/ligvox/ligvox/internal/health"
	"github.com/ligvox/ligvox/internal/lexicon"
	"github.com/ligvox/ligvox/internal/observe"
	"github.com/ligvox/ligvox/internal/schedule"
	"github.com/ligvox/ligvox/internal/server"
	"github.com/ligvox/ligvox/internal/session"
	"github.com/ligvox/ligvox/internal/settings"
	"github.com/ligvox/ligvox/internal/store"
	"github.com/ligvox/ligvox/internal/switchio"
	"github.com/ligvox/ligvox/internal/webhook"
	"github.com/ligvox/ligvox/pkg/provider/llm"
	"github.com/ligvox/ligvox/pkg/provider/stt"
	"github.com/ligvox/ligvox/pkg/provider/tts"
	"github.com/ligvox/ligvox/pkg/types"
)

const (
	// shutdownTimeout bounds the graceful HTTP drain at exit.
	shutdownTimeout = 10 * time.Second

	// sessionDrainTimeout is how long live calls get to hang up cleanly
	// before their context is cut.
	sessionDrainTimeout = 15 * time.Second
)

// App is the fully wired Ligvox server.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	store    *store.Store
	settings *settings.Service
	metrics  *observe.Metrics

	sttP stt.Provider
	llmP llm.Provider
	ttsP tts.Provider

	registry  *session.Registry
	greetings *session.GreetingCache
	fillers   [][][]byte
	apology   [][]byte
	farewell  [][]byte
	corrector *lexicon.Corrector // nil when no vocabulary is configured

	control *switchio.ControlClient // nil when the switch control channel is not configured
	dialer  *switchio.Dialer        // nil when outbound dialing is disabled

	webhooks  *webhook.Dispatcher
	hub       *server.Hub
	events    session.Sink
	campaigns *campaign.Manager
	schedules *schedule.Runner

	api   *server.Server
	media *switchio.MediaHandler

	otelShutdown func(context.Context) error

	// ctx is the app lifetime context call sessions run on.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires every component and verifies the external dependencies are
// reachable. The returned App is ready for Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, version string) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{cfg: cfg, logger: logger, version: version}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.otelShutdown = otelShutdown

	a.metrics, err = observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}

	a.store, err = store.New(ctx, cfg.Database.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("app: connect database: %w", err)
	}
	if recovered, err := a.store.RecoverStartup(ctx); err != nil {
		return nil, fmt.Errorf("app: startup recovery: %w", err)
	} else if recovered > 0 {
		logger.Info("recovered interrupted rows from previous run", slog.Int64("rows", recovered))
	}

	a.settings, err = settings.New(ctx, a.store, cfg.Calls.MaxConcurrent, cfg.Providers.TTS.VoiceID)
	if err != nil {
		return nil, err
	}

	a.sttP, a.llmP, a.ttsP, err = buildProviders(cfg, a.settings.Current(), logger)
	if err != nil {
		return nil, err
	}

	a.greetings = session.NewGreetingCache(a.ttsP)
	a.prepareClips(ctx)

	if len(cfg.Calls.Vocabulary) > 0 {
		a.corrector = lexicon.New(cfg.Calls.Vocabulary)
		logger.Info("transcript vocabulary loaded", slog.Int("terms", len(cfg.Calls.Vocabulary)))
	}

	a.registry = session.NewRegistry(func() int {
		return a.settings.Current().MaxConcurrentCalls
	})

	if cfg.Switch.ControlAddr != "" {
		a.control, err = switchio.DialControl(ctx, cfg.Switch.ControlAddr, cfg.Switch.ControlPassword, logger)
		if err != nil {
			return nil, fmt.Errorf("app: switch control: %w", err)
		}
		a.dialer = switchio.NewDialer(a.control, cfg.Switch.Gateway, cfg.Switch.DialPrefix, cfg.Switch.MediaWSBase)
	}

	a.webhooks = webhook.New(a.store, logger, a.metrics)
	a.hub = server.NewHub(a.dashboardStats, logger)
	a.events = session.MultiSink{a.webhooks, a.hub}

	a.campaigns = campaign.NewManager(a.store, a.registry, a.launchCampaignCall, a.events, logger, a.metrics)
	a.schedules = schedule.NewRunner(a.store, a.launchScheduledCall, logger)

	a.api = server.New(a.store, a.registry, a.settings, a.campaigns, a.webhooks, a.dialAdhoc, a.hub, logger)
	a.media = switchio.NewMediaHandler(a.registry, a.acceptInbound, logger)

	return a, nil
}

// Run serves until ctx is cancelled, then drains calls and releases every
// resource. It returns the first serving error, or nil on a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	if err := a.campaigns.Resume(ctx); err != nil {
		return fmt.Errorf("app: resume campaigns: %w", err)
	}
	a.schedules.Start()

	srv := &http.Server{
		Addr:    a.cfg.Server.ListenAddr,
		Handler: a.buildHandler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("server listening",
			slog.String("addr", a.cfg.Server.ListenAddr),
			slog.String("version", a.version))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err := g.Wait()
	a.shutdown()
	return err
}

// buildHandler assembles the single HTTP surface: control API, media
// WebSocket, dashboard feed, health probes, and Prometheus metrics.
func (a *App) buildHandler() http.Handler {
	mux := http.NewServeMux()
	a.api.Register(mux)
	a.media.Register(mux)

	checkers := []health.Checker{health.PingChecker("database", a.store)}
	if a.control != nil {
		checkers = append(checkers, health.PingChecker("switch", a.control))
	}
	health.New(checkers...).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(a.metrics)(mux)
}

// shutdown drains live calls and closes every component in dependency order.
func (a *App) shutdown() {
	a.logger.Info("shutting down")

	a.schedules.Close()
	a.campaigns.Close()

	a.registry.HangupAll("server_shutdown")
	if !a.waitSessions(sessionDrainTimeout) {
		a.logger.Warn("session drain timed out; cancelling remaining calls")
	}
	a.cancel()
	a.wg.Wait()

	a.webhooks.Close()
	if a.control != nil {
		if err := a.control.Close(); err != nil {
			a.logger.Warn("switch control close failed", slog.Any("error", err))
		}
	}
	a.store.Close()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.otelShutdown(sctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", slog.Any("error", err))
	}
}

// waitSessions blocks until every session goroutine exits or the timeout
// elapses. Returns false on timeout.
func (a *App) waitSessions(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// prepareClips synthesizes the filler, apology, and farewell phrases once so
// sessions can play them without a provider round trip. Failures are
// non-fatal; the affected phrase is simply unavailable.
func (a *App) prepareClips(ctx context.Context) {
	voice := a.defaultVoice()
	for _, phrase := range a.cfg.Calls.FillerPhrases {
		if frames := a.synthesizeClip(ctx, voice, phrase); frames != nil {
			a.fillers = append(a.fillers, frames)
		}
	}
	if len(a.cfg.Calls.FillerPhrases) > 0 {
		a.logger.Info("filler phrases ready", slog.Int("count", len(a.fillers)))
	}
	a.apology = a.synthesizeClip(ctx, voice, a.cfg.Calls.ApologyPhrase)
	a.farewell = a.synthesizeClip(ctx, voice, a.cfg.Calls.FarewellPhrase)
}

func (a *App) synthesizeClip(ctx context.Context, voice types.VoiceProfile, phrase string) [][]byte {
	if phrase == "" {
		return nil
	}
	frames, _, err := a.greetings.Get(ctx, voice, phrase)
	if err != nil {
		a.logger.Warn("phrase synthesis failed",
			slog.String("phrase", phrase), slog.Any("error", err))
		return nil
	}
	return frames
}

// defaultVoice is the TTS voice used when neither the prompt nor the
// settings pin one.
func (a *App) defaultVoice() types.VoiceProfile {
	return types.VoiceProfile{
		ID:       a.settings.Current().DefaultVoiceID,
		Provider: a.cfg.Providers.TTS.Name,
		Language: a.cfg.Providers.TTS.Language,
	}
}

// dashboardStats builds the stats_updated payload for the dashboard feed,
// mirroring the GET /stats response.
func (a *App) dashboardStats(ctx context.Context) (any, error) {
	st, err := a.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"total_calls":     st.TotalCalls,
		"completed_calls": st.CompletedCalls,
		"failed_calls":    st.FailedCalls,
		"calls_today":     st.CallsToday,
		"avg_duration_ms": st.AvgDurationMs,
		"active_calls":    a.registry.Count(),
	}, nil
}
