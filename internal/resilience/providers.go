package resilience

import (
	"context"

	"github.com/ligvox/ligvox/pkg/provider/llm"
	"github.com/ligvox/ligvox/pkg/provider/stt"
	"github.com/ligvox/ligvox/pkg/provider/tts"
	"github.com/ligvox/ligvox/pkg/types"
)

// STTFailover implements [stt.Provider] with automatic failover across
// multiple STT backends, one breaker per backend.
type STTFailover struct {
	group *FailoverGroup[stt.Provider]
}

var _ stt.Provider = (*STTFailover)(nil)

// NewSTTFailover creates an STTFailover with primary as the preferred
// backend.
func NewSTTFailover(primary stt.Provider, primaryName string, cfg FailoverConfig) *STTFailover {
	return &STTFailover{group: NewFailoverGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional STT backend.
func (f *STTFailover) AddFallback(name string, p stt.Provider) {
	f.group.AddFallback(name, p)
}

// StartStream opens a transcription session on the first healthy backend.
// Only session setup fails over; once a stream is established, mid-stream
// errors end the session as usual.
func (f *STTFailover) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// LLMFailover implements [llm.Provider] with automatic failover across
// multiple LLM backends.
type LLMFailover struct {
	group *FailoverGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFailover)(nil)

// NewLLMFailover creates an LLMFailover with primary as the preferred
// backend.
func NewLLMFailover(primary llm.Provider, primaryName string, cfg FailoverConfig) *LLMFailover {
	return &LLMFailover{group: NewFailoverGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional LLM backend.
func (f *LLMFailover) AddFallback(name string, p llm.Provider) {
	f.group.AddFallback(name, p)
}

// StreamCompletion starts a completion stream on the first healthy backend.
// Only stream setup fails over.
func (f *LLMFailover) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// Complete runs a non-streaming completion on the first healthy backend.
func (f *LLMFailover) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// CountTokens delegates to the first healthy backend's counter. Estimates
// from different backends may disagree slightly; the transcript trimmer only
// needs an upper bound.
func (f *LLMFailover) CountTokens(messages []types.Message) (int, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}

// Capabilities reports the primary's capabilities. Static metadata does not
// participate in failover.
func (f *LLMFailover) Capabilities() types.ModelCapabilities {
	return f.group.entries[0].value.Capabilities()
}

// TTSFailover implements [tts.Provider] with automatic failover across
// multiple TTS backends.
type TTSFailover struct {
	group *FailoverGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFailover)(nil)

// NewTTSFailover creates a TTSFailover with primary as the preferred
// backend.
func NewTTSFailover(primary tts.Provider, primaryName string, cfg FailoverConfig) *TTSFailover {
	return &TTSFailover{group: NewFailoverGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional TTS backend.
func (f *TTSFailover) AddFallback(name string, p tts.Provider) {
	f.group.AddFallback(name, p)
}

// SynthesizeStream starts synthesis on the first healthy backend. Only
// stream setup fails over; a backend that dies mid-utterance closes its
// audio channel and the session handles the truncation.
//
// Fallback backends may speak with a different voice if the requested voice
// ID is primary-specific.
func (f *TTSFailover) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (<-chan []byte, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}

// ListVoices returns the catalogue of the first healthy backend.
func (f *TTSFailover) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]types.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}
