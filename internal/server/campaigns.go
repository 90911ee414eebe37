package server

import (
	"context"
	"net/http"

	"github.com/ligvox/ligvox/internal/store"
)

type campaignRequest struct {
	Name          string `json:"name"`
	PromptID      *int64 `json:"prompt_id,omitempty"`
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req campaignRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.MaxConcurrent < 0 {
		s.writeError(w, http.StatusBadRequest, "max_concurrent must be positive")
		return
	}

	c, err := s.store.CreateCampaign(r.Context(), store.Campaign{
		Name:          req.Name,
		PromptID:      req.PromptID,
		MaxConcurrent: req.MaxConcurrent,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.store.ListCampaigns(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if campaigns == nil {
		campaigns = []store.Campaign{}
	}
	s.writeJSON(w, http.StatusOK, campaigns)
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	c, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	progress, err := s.store.CampaignProgress(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"campaign": c,
		"progress": progress,
	})
}

// handleImportContacts ingests a CSV contact file into a campaign.
func (s *Server) handleImportContacts(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	res, err := s.campaigns.ImportContacts(r.Context(), id, r.Body)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetCampaign(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	contacts, err := s.store.ListContacts(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if contacts == nil {
		contacts = []store.Contact{}
	}
	s.writeJSON(w, http.StatusOK, contacts)
}

// campaignAction wraps the start/pause/cancel manager calls into a handler.
func (s *Server) campaignAction(action func(ctx context.Context, id int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.pathID(w, r)
		if !ok {
			return
		}
		if err := action(r.Context(), id); err != nil {
			s.fail(w, err)
			return
		}
		c, err := s.store.GetCampaign(r.Context(), id)
		if err != nil {
			s.fail(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, c)
	}
}
