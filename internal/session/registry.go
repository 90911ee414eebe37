package session

import (
	"errors"
	"sort"
	"sync"

	"github.com/ligvox/ligvox/pkg/types"
)

// Admission errors.
var (
	// ErrAtCapacity is returned when the global concurrency cap is reached.
	ErrAtCapacity = errors.New("session: at capacity")

	// ErrCampaignAtCapacity is returned when a campaign's own cap is reached
	// while global capacity remains.
	ErrCampaignAtCapacity = errors.New("session: campaign at capacity")

	// ErrDuplicateCall is returned when a call ID is already registered.
	ErrDuplicateCall = errors.New("session: duplicate call id")
)

// Registry owns every live session. Admission is first come, first served
// against a global cap read from the runtime settings, plus an optional
// per-campaign cap supplied by the caller.
type Registry struct {
	// limit returns the current global concurrency cap. Read on every
	// admission so settings changes apply to new calls immediately.
	limit func() int

	mu         sync.Mutex
	sessions   map[string]*Session
	byCampaign map[int64]int
}

// NewRegistry creates a Registry. limit is consulted per admission and must
// be non-nil.
func NewRegistry(limit func() int) *Registry {
	return &Registry{
		limit:      limit,
		sessions:   make(map[string]*Session),
		byCampaign: make(map[int64]int),
	}
}

// Admit registers a session if capacity allows. campaignLimit caps the
// session's campaign (0 = no campaign cap). The caller must call Remove when
// the session terminates.
func (r *Registry) Admit(s *Session, campaignLimit int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.cfg.CallID]; ok {
		return ErrDuplicateCall
	}
	if len(r.sessions) >= r.limit() {
		return ErrAtCapacity
	}
	if s.cfg.CampaignID != 0 && campaignLimit > 0 &&
		r.byCampaign[s.cfg.CampaignID] >= campaignLimit {
		return ErrCampaignAtCapacity
	}

	r.sessions[s.cfg.CallID] = s
	if s.cfg.CampaignID != 0 {
		r.byCampaign[s.cfg.CampaignID]++
	}
	return nil
}

// Remove unregisters a terminated session. Unknown IDs are ignored.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[callID]
	if !ok {
		return
	}
	delete(r.sessions, callID)
	if s.cfg.CampaignID != 0 {
		if r.byCampaign[s.cfg.CampaignID]--; r.byCampaign[s.cfg.CampaignID] <= 0 {
			delete(r.byCampaign, s.cfg.CampaignID)
		}
	}
}

// Get returns the live session with the given call ID.
func (r *Registry) Get(callID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Hangup requests termination of one live session. It returns false when no
// session with that call ID is live.
func (r *Registry) Hangup(callID, reason string) bool {
	s, ok := r.Get(callID)
	if !ok {
		return false
	}
	s.Hangup(reason)
	return true
}

// CampaignActive returns the number of live sessions belonging to a campaign.
func (r *Registry) CampaignActive(campaignID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byCampaign[campaignID]
}

// Snapshot returns an Info view of every live session, ordered by call ID
// for stable API output.
func (r *Registry) Snapshot() []types.CallInfo {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]types.CallInfo, len(sessions))
	for i, s := range sessions {
		out[i] = s.Info()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CallID < out[j].CallID })
	return out
}

// HangupAll requests termination of every live session. Used at shutdown.
func (r *Registry) HangupAll(reason string) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Hangup(reason)
	}
}
