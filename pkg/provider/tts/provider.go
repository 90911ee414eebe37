// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs, Murf)
// and presents a uniform streaming interface. The primary entry point is
// SynthesizeStream, which accepts a channel of text fragments and returns a
// channel of raw PCM audio bytes as they become available — enabling
// low-latency pipelining between the LLM output and the switch media path.
//
// Providers with a streaming-input API append incoming text to the ongoing
// utterance; providers with a request/response API batch text at sentence
// boundaries (see [BatchSentences]) and synthesize sentence by sentence.
// Either way the output is linear PCM at the telephony rate, and the caller
// cancels synthesis by cancelling ctx.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/ligvox/ligvox/pkg/types"
)

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis
// requests may run in parallel (one per live call).
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits raw PCM audio byte slices (8 kHz mono
	// s16le) as they are synthesised. This design allows the caller to pipe
	// LLM streaming output directly into synthesis without waiting for the
	// full text.
	//
	// The returned audio channel is closed by the implementation when all
	// text has been synthesised or when ctx is cancelled. Cancelling ctx
	// must stop emission promptly and drain the provider connection. The
	// caller must drain the audio channel to avoid blocking the provider's
	// internal goroutines.
	//
	// voice specifies the voice profile to use for synthesis. Providers
	// should return an error if the requested voice is not available.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// encountered during synthesis are signalled by closing the audio channel
	// early; callers should check ctx.Err() to distinguish cancellation from
	// provider errors.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error)

	// ListVoices returns all voice profiles available from this provider.
	// The list reflects the provider's current catalogue and may change
	// between calls.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
