// Package session implements the per-call state machine that drives a phone
// conversation through the STT → LLM → TTS pipeline, and the registry that
// owns all live sessions.
//
// Each call runs a single goroutine ([Session.Run]) that multiplexes every
// input — caller audio frames, switch control messages, transcription
// results, model tokens, synthesized audio, timers, and API commands — in one
// select loop. All state transitions happen on that goroutine, so the state
// machine needs no locking.
package session

import (
	"context"
	"time"

	"github.com/ligvox/ligvox/pkg/types"
)

// ControlKind discriminates switch control messages on the media stream.
type ControlKind string

const (
	ControlDTMF     ControlKind = "dtmf"
	ControlHangup   ControlKind = "hangup"
	ControlMetadata ControlKind = "metadata"
)

// ControlEvent is a JSON control message received on the media WebSocket.
type ControlEvent struct {
	Kind     ControlKind
	Digit    string
	Metadata map[string]string
}

// MediaStream is the bidirectional audio transport for one call, implemented
// by the switch WebSocket handler.
//
// Frames yields inbound caller audio in fixed-size PCM frames and is closed
// when the transport disconnects. Send enqueues outbound agent audio; the
// transport paces delivery at real time. ClearOutbound drops any queued
// outbound audio immediately, which is how barge-in silences the agent
// mid-sentence.
type MediaStream interface {
	Frames() <-chan []byte
	Controls() <-chan ControlEvent
	Send(ctx context.Context, frame []byte) error
	ClearOutbound()
	Close(reason string) error
}

// Gateway is the persistence surface a session needs. *store.Store satisfies
// it.
type Gateway interface {
	InsertCallRecord(ctx context.Context, callID, switchUUID string, direction types.Direction, caller, called string, promptID *int64) error
	MarkAnswered(ctx context.Context, callID string, at time.Time) error
	AppendMessage(ctx context.Context, callID string, entry types.TranscriptEntry) error
	FinalizeCall(ctx context.Context, callID, status string, endedAt time.Time, duration time.Duration) error
	SetCallSummary(ctx context.Context, callID, summary string) error
}

// Event names published to webhooks and the dashboard feed.
const (
	EventCallStarted      = "call.started"
	EventCallStateChanged = "call.state_changed"
	EventCallEnded        = "call.ended"
	EventCallFailed       = "call.failed"
	EventCampaignDone     = "campaign.completed"
)

// Sink receives lifecycle events from sessions. Implementations fan out to
// the webhook dispatcher and the dashboard hub. Publish must not block the
// caller; slow consumers buffer or drop internally.
type Sink interface {
	Publish(ctx context.Context, event string, data any)
}

// NopSink discards all events. Useful in tests and for optional wiring.
type NopSink struct{}

func (NopSink) Publish(context.Context, string, any) {}

var _ Sink = NopSink{}

// MultiSink fans every event out to all member sinks in order.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, event string, data any) {
	for _, s := range m {
		s.Publish(ctx, event, data)
	}
}

var _ Sink = MultiSink(nil)

// StateChange is the payload for EventCallStateChanged.
type StateChange struct {
	CallID   string          `json:"call_id"`
	From     types.CallState `json:"from"`
	To       types.CallState `json:"to"`
	Occurred time.Time       `json:"occurred_at"`
}

// Hangupper terminates the switch leg of a call. Implemented by the switch
// control client; nil when running without a control channel.
type Hangupper interface {
	HangupCall(ctx context.Context, switchUUID string) error
}

// Corrector rewrites a final STT transcript before it enters the
// conversation, fixing narrowband mishearings of known domain terms. The
// boolean reports whether anything changed. Implemented by the lexicon
// package; nil disables correction.
type Corrector interface {
	Correct(text string) (string, bool)
}
