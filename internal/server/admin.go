package server

import (
	"net/http"
	"time"

	"github.com/ligvox/ligvox/internal/store"
)

// --- Prompts ---

type promptRequest struct {
	Name         string  `json:"name"`
	SystemPrompt string  `json:"system_prompt"`
	VoiceID      string  `json:"voice_id,omitempty"`
	Model        string  `json:"model,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	GreetingText string  `json:"greeting_text,omitempty"`
}

func (r promptRequest) validate() string {
	switch {
	case r.Name == "":
		return "name is required"
	case r.SystemPrompt == "":
		return "system_prompt is required"
	case r.Temperature < 0 || r.Temperature > 2:
		return "temperature must be between 0 and 2"
	}
	return ""
}

func (s *Server) handleCreatePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		s.writeError(w, http.StatusBadRequest, msg)
		return
	}

	p, err := s.store.CreatePrompt(r.Context(), store.Prompt{
		Name:         req.Name,
		SystemPrompt: req.SystemPrompt,
		VoiceID:      req.VoiceID,
		Model:        req.Model,
		Temperature:  req.Temperature,
		GreetingText: req.GreetingText,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	prompts, err := s.store.ListPrompts(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if prompts == nil {
		prompts = []store.Prompt{}
	}
	s.writeJSON(w, http.StatusOK, prompts)
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	p, err := s.store.GetPrompt(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePrompt(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req promptRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		s.writeError(w, http.StatusBadRequest, msg)
		return
	}

	p, err := s.store.UpdatePrompt(r.Context(), store.Prompt{
		ID:           id,
		Name:         req.Name,
		SystemPrompt: req.SystemPrompt,
		VoiceID:      req.VoiceID,
		Model:        req.Model,
		Temperature:  req.Temperature,
		GreetingText: req.GreetingText,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleActivatePrompt(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.ActivatePrompt(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	p, err := s.store.GetPrompt(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePrompt(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeletePrompt(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Schedules ---

type scheduleRequest struct {
	Number        string    `json:"number"`
	PromptID      *int64    `json:"prompt_id,omitempty"`
	ScheduledTime time.Time `json:"scheduled_time"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if req.Number == "" {
		s.writeError(w, http.StatusBadRequest, "number is required")
		return
	}
	if req.ScheduledTime.IsZero() {
		s.writeError(w, http.StatusBadRequest, "scheduled_time is required")
		return
	}
	if req.ScheduledTime.Before(time.Now()) {
		s.writeError(w, http.StatusBadRequest, "scheduled_time is in the past")
		return
	}

	sc, err := s.store.CreateSchedule(r.Context(), store.ScheduledCall{
		PhoneNumber:   req.Number,
		PromptID:      req.PromptID,
		ScheduledTime: req.ScheduledTime,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sc)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if schedules == nil {
		schedules = []store.ScheduledCall{}
	}
	s.writeJSON(w, http.StatusOK, schedules)
}

// handleCancelSchedule cancels a pending schedule. Executing or finished
// schedules cannot be cancelled and come back as 404 from the store.
func (s *Server) handleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.CancelSchedule(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Webhooks ---

type webhookRequest struct {
	URL      string   `json:"url"`
	Events   []string `json:"events,omitempty"`
	Secret   string   `json:"secret,omitempty"`
	IsActive *bool    `json:"is_active,omitempty"`
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	wh, err := s.store.CreateWebhook(r.Context(), store.WebhookConfig{
		URL:      req.URL,
		Events:   req.Events,
		Secret:   req.Secret,
		IsActive: active,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, wh)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.store.ListWebhooks(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if hooks == nil {
		hooks = []store.WebhookConfig{}
	}
	s.writeJSON(w, http.StatusOK, hooks)
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	wh, err := s.store.GetWebhook(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wh)
}

func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req webhookRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	existing, err := s.store.GetWebhook(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	// An omitted secret keeps the stored one, since responses never echo it.
	secret := existing.Secret
	if req.Secret != "" {
		secret = req.Secret
	}
	active := existing.IsActive
	if req.IsActive != nil {
		active = *req.IsActive
	}

	wh, err := s.store.UpdateWebhook(r.Context(), store.WebhookConfig{
		ID:       id,
		URL:      req.URL,
		Events:   req.Events,
		Secret:   secret,
		IsActive: active,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wh)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteWebhook(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetWebhook(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	deliveries, err := s.store.ListDeliveries(r.Context(), id, queryInt(r, "limit", 50))
	if err != nil {
		s.fail(w, err)
		return
	}
	if deliveries == nil {
		deliveries = []store.WebhookDelivery{}
	}
	s.writeJSON(w, http.StatusOK, deliveries)
}

func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	status, err := s.webhooks.TestDelivery(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"webhook_id":  id,
		"status_code": status,
		"delivered":   status < 400,
	})
}

// --- Settings ---

type settingRequest struct {
	Value string `json:"value"`
}

// handleGetSettings returns every runtime setting with secrets masked.
func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.settings.Masked())
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var req settingRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if err := s.settings.Set(r.Context(), key, req.Value); err != nil {
		// Settings rejections are validation failures.
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"key": key, "status": "updated"})
}

func (s *Server) handleDeleteSetting(w http.ResponseWriter, r *http.Request) {
	if err := s.settings.Delete(r.Context(), r.PathValue("key")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
