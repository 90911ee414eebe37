package server

import (
	"net/http"

	"github.com/ligvox/ligvox/pkg/types"
)

type dialRequest struct {
	Number   string `json:"number"`
	PromptID *int64 `json:"prompt_id,omitempty"`
}

// handleDial originates an ad-hoc outbound call and returns its ID. The call
// is pending until the switch connects the media stream.
func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	var req dialRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if req.Number == "" {
		s.writeError(w, http.StatusBadRequest, "number is required")
		return
	}

	callID := types.NewCallID()
	if err := s.dial(r.Context(), callID, req.Number, req.PromptID); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{
		"call_id": callID,
		"status":  "dialing",
	})
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	if !s.sessions.Hangup(callID, "agent_hangup") {
		s.writeError(w, http.StatusNotFound, "no active call with that id")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"call_id": callID, "status": "hanging_up"})
}

func (s *Server) handleActiveCalls(w http.ResponseWriter, _ *http.Request) {
	calls := s.sessions.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count": len(calls),
		"calls": calls,
	})
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	calls, total, err := s.store.ListCalls(r.Context(), limit, offset)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"total":  total,
		"limit":  limit,
		"offset": offset,
		"calls":  calls,
	})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	call, messages, err := s.store.GetCall(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"call":     call,
		"messages": messages,
	})
}

func (s *Server) handleDeleteCall(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteCall(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"total_calls":     stats.TotalCalls,
		"completed_calls": stats.CompletedCalls,
		"failed_calls":    stats.FailedCalls,
		"calls_today":     stats.CallsToday,
		"avg_duration_ms": stats.AvgDurationMs,
		"active_calls":    s.sessions.Count(),
	})
}
