// Package types defines the shared types used across all Ligvox packages.
//
// These types form the lingua franca between the switch adapter, the provider
// clients, the call session engine, and the persistence gateway. They are
// intentionally minimal — each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewCallID generates a call identifier. The unix-time prefix keeps IDs
// roughly sortable in logs and the database; the random suffix makes them
// unique.
func NewCallID() string {
	return fmt.Sprintf("call-%d-%s", time.Now().Unix(), uuid.NewString()[:8])
}

// Direction distinguishes who initiated a call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// CallState enumerates the states of the per-call state machine.
type CallState string

const (
	// StatePending means the session exists but the switch has not yet
	// connected its media stream.
	StatePending CallState = "pending"

	// StateGreeting means the initial assistant utterance is playing.
	StateGreeting CallState = "greeting"

	// StateListening means the session is waiting for user speech.
	StateListening CallState = "listening"

	// StateThinking means an LLM completion is streaming.
	StateThinking CallState = "thinking"

	// StateSpeaking means synthesized audio is being played to the caller.
	StateSpeaking CallState = "speaking"

	// StateHangingUp means teardown has started.
	StateHangingUp CallState = "hanging_up"

	// StateEnded means the session is fully torn down.
	StateEnded CallState = "ended"
)

// Terminal reports whether s is a state the session never leaves.
func (s CallState) Terminal() bool {
	return s == StateEnded
}

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the provider does not report confidence.
	Confidence float64

	// Words contains per-word detail when available. May be nil.
	Words []WordDetail

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// TranscriptEntry is one committed utterance in a call's transcript.
// Interim STT hypotheses are never recorded here; only finals and the
// (possibly truncated) assistant replies.
type TranscriptEntry struct {
	// Role is "assistant" or "user".
	Role string

	// Content is the utterance text.
	Content string

	// Timestamp is when the entry was committed.
	Timestamp time.Time

	// AudioMs is the spoken duration in milliseconds, when known. For
	// assistant entries this is the audio actually delivered to the switch,
	// which may be shorter than the full synthesis after a barge-in.
	AudioMs int
}

// VoiceProfile describes a TTS voice configuration.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Language is the BCP-47 language tag the voice speaks, when known.
	Language string

	// Metadata holds provider-specific voice attributes (gender, style, ...).
	Metadata map[string]string
}

// PromptSnapshot is the immutable prompt configuration captured when a call
// is admitted. Hot-reloading the underlying prompt row does not alter an
// in-flight call.
type PromptSnapshot struct {
	// PromptID references the persisted prompt row, zero for ad-hoc calls.
	PromptID int64

	// SystemPrompt is the system instruction for the LLM.
	SystemPrompt string

	// VoiceID is the TTS voice used for all assistant speech on this call.
	VoiceID string

	// Model is the LLM model identifier.
	Model string

	// Temperature is the LLM sampling temperature.
	Temperature float64

	// GreetingText, when non-empty, is spoken before the session starts
	// listening.
	GreetingText string

	// GreetingDurationMs is the measured duration of the synthesized
	// greeting, zero when the greeting has never been synthesized.
	GreetingDurationMs int
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one
	// completion.
	MaxOutputTokens int

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// CallInfo is a read-only snapshot of a live or historical call, used by the
// control API and the dashboard feed.
type CallInfo struct {
	CallID       string    `json:"call_id"`
	SwitchUUID   string    `json:"switch_uuid,omitempty"`
	Direction    Direction `json:"direction"`
	CallerNumber string    `json:"caller_number,omitempty"`
	CalledNumber string    `json:"called_number,omitempty"`
	CampaignID   int64     `json:"campaign_id,omitempty"`
	State        CallState `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	AnsweredAt   time.Time `json:"answered_at,omitzero"`
	EndedAt      time.Time `json:"ended_at,omitzero"`
}
