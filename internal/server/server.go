// Package server exposes the control API: dialing and hanging up calls,
// prompt, campaign, schedule, webhook, and settings management, call history,
// and the dashboard WebSocket feed. Handlers validate and delegate; all
// long-running work happens in the session, campaign, and schedule packages.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ligvox/ligvox/internal/campaign"
	"github.com/ligvox/ligvox/internal/session"
	"github.com/ligvox/ligvox/internal/store"
	"github.com/ligvox/ligvox/internal/switchio"
	"github.com/ligvox/ligvox/pkg/types"
)

// Store is the persistence surface of the control API. *store.Store
// satisfies it.
type Store interface {
	GetCall(ctx context.Context, callID string) (*store.Call, []store.CallMessage, error)
	ListCalls(ctx context.Context, limit, offset int) ([]store.Call, int, error)
	DeleteCall(ctx context.Context, callID string) error
	Stats(ctx context.Context) (store.CallStats, error)

	CreatePrompt(ctx context.Context, p store.Prompt) (*store.Prompt, error)
	UpdatePrompt(ctx context.Context, p store.Prompt) (*store.Prompt, error)
	GetPrompt(ctx context.Context, id int64) (*store.Prompt, error)
	ListPrompts(ctx context.Context) ([]store.Prompt, error)
	ActivatePrompt(ctx context.Context, id int64) error
	DeletePrompt(ctx context.Context, id int64) error

	CreateCampaign(ctx context.Context, c store.Campaign) (*store.Campaign, error)
	GetCampaign(ctx context.Context, id int64) (*store.Campaign, error)
	ListCampaigns(ctx context.Context) ([]store.Campaign, error)
	ListContacts(ctx context.Context, campaignID int64) ([]store.Contact, error)
	CampaignProgress(ctx context.Context, campaignID int64) (store.CampaignProgress, error)

	CreateSchedule(ctx context.Context, sc store.ScheduledCall) (*store.ScheduledCall, error)
	ListSchedules(ctx context.Context) ([]store.ScheduledCall, error)
	CancelSchedule(ctx context.Context, id int64) error

	CreateWebhook(ctx context.Context, w store.WebhookConfig) (*store.WebhookConfig, error)
	UpdateWebhook(ctx context.Context, w store.WebhookConfig) (*store.WebhookConfig, error)
	GetWebhook(ctx context.Context, id int64) (*store.WebhookConfig, error)
	ListWebhooks(ctx context.Context) ([]store.WebhookConfig, error)
	DeleteWebhook(ctx context.Context, id int64) error
	ListDeliveries(ctx context.Context, webhookID int64, limit int) ([]store.WebhookDelivery, error)
}

// Sessions is the live-call surface. *session.Registry satisfies it.
type Sessions interface {
	Snapshot() []types.CallInfo
	Hangup(callID, reason string) bool
	Count() int
}

// Settings is the runtime settings surface. *settings.Service satisfies it.
type Settings interface {
	Masked() map[string]string
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Campaigns drives campaign execution. *campaign.Manager satisfies it.
type Campaigns interface {
	Start(ctx context.Context, id int64) error
	Pause(ctx context.Context, id int64) error
	Cancel(ctx context.Context, id int64) error
	ImportContacts(ctx context.Context, campaignID int64, r io.Reader) (campaign.ImportResult, error)
}

// WebhookTester performs the one-off test delivery. *webhook.Dispatcher
// satisfies it.
type WebhookTester interface {
	TestDelivery(ctx context.Context, id int64) (int, error)
}

// DialFunc launches an ad-hoc outbound call with the given ID. The app
// wiring provides it.
type DialFunc func(ctx context.Context, callID, number string, promptID *int64) error

// Server is the control API handler set.
type Server struct {
	store     Store
	sessions  Sessions
	settings  Settings
	campaigns Campaigns
	webhooks  WebhookTester
	dial      DialFunc
	hub       *Hub
	logger    *slog.Logger
}

// New assembles a Server. hub may be nil when the dashboard feed is
// disabled.
func New(st Store, sessions Sessions, settings Settings, campaigns Campaigns, webhooks WebhookTester, dial DialFunc, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:     st,
		sessions:  sessions,
		settings:  settings,
		campaigns: campaigns,
		webhooks:  webhooks,
		dial:      dial,
		hub:       hub,
		logger:    logger,
	}
}

// Register mounts every API route on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /calls/dial", s.handleDial)
	mux.HandleFunc("GET /calls/active", s.handleActiveCalls)
	mux.HandleFunc("GET /calls", s.handleListCalls)
	mux.HandleFunc("GET /calls/{id}", s.handleGetCall)
	mux.HandleFunc("DELETE /calls/{id}", s.handleDeleteCall)
	mux.HandleFunc("POST /calls/{id}/hangup", s.handleHangup)
	mux.HandleFunc("GET /stats", s.handleStats)

	mux.HandleFunc("POST /prompts", s.handleCreatePrompt)
	mux.HandleFunc("GET /prompts", s.handleListPrompts)
	mux.HandleFunc("GET /prompts/{id}", s.handleGetPrompt)
	mux.HandleFunc("PUT /prompts/{id}", s.handleUpdatePrompt)
	mux.HandleFunc("DELETE /prompts/{id}", s.handleDeletePrompt)
	mux.HandleFunc("POST /prompts/{id}/activate", s.handleActivatePrompt)

	mux.HandleFunc("POST /campaigns", s.handleCreateCampaign)
	mux.HandleFunc("GET /campaigns", s.handleListCampaigns)
	mux.HandleFunc("GET /campaigns/{id}", s.handleGetCampaign)
	mux.HandleFunc("POST /campaigns/{id}/contacts", s.handleImportContacts)
	mux.HandleFunc("GET /campaigns/{id}/contacts", s.handleListContacts)
	mux.HandleFunc("POST /campaigns/{id}/start", s.campaignAction(s.campaigns.Start))
	mux.HandleFunc("POST /campaigns/{id}/pause", s.campaignAction(s.campaigns.Pause))
	mux.HandleFunc("POST /campaigns/{id}/cancel", s.campaignAction(s.campaigns.Cancel))

	mux.HandleFunc("POST /schedules", s.handleCreateSchedule)
	mux.HandleFunc("GET /schedules", s.handleListSchedules)
	mux.HandleFunc("DELETE /schedules/{id}", s.handleCancelSchedule)

	mux.HandleFunc("POST /webhooks", s.handleCreateWebhook)
	mux.HandleFunc("GET /webhooks", s.handleListWebhooks)
	mux.HandleFunc("GET /webhooks/{id}", s.handleGetWebhook)
	mux.HandleFunc("PUT /webhooks/{id}", s.handleUpdateWebhook)
	mux.HandleFunc("DELETE /webhooks/{id}", s.handleDeleteWebhook)
	mux.HandleFunc("GET /webhooks/{id}/deliveries", s.handleListDeliveries)
	mux.HandleFunc("POST /webhooks/{id}/test", s.handleTestWebhook)

	mux.HandleFunc("GET /settings", s.handleGetSettings)
	mux.HandleFunc("PUT /settings/{key}", s.handlePutSetting)
	mux.HandleFunc("DELETE /settings/{key}", s.handleDeleteSetting)

	if s.hub != nil {
		mux.HandleFunc("GET /dashboard", s.hub.ServeWS)
		// Legacy path kept for dashboards deployed against earlier builds.
		mux.HandleFunc("GET /ws/dashboard", s.hub.ServeWS)
	}
}

// writeJSON encodes v with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encoding failed", slog.Any("error", err))
	}
}

// readJSON decodes the request body into v, rejecting unknown fields. A
// false return means the 400 has already been written.
func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps domain errors to HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, switchio.ErrBadNumber), errors.Is(err, campaign.ErrBadCSV):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrDuplicateCall), errors.Is(err, campaign.ErrNotRunnable):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrAtCapacity), errors.Is(err, session.ErrCampaignAtCapacity):
		s.writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.logger.Error("request failed", slog.Any("error", err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// pathID parses the {id} path segment. A false return means the 400 has
// already been written.
func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
