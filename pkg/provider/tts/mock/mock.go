// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify
// that the correct VoiceProfile and text fragments are passed to the TTS
// backend.
//
// Example:
//
//	p := &mock.Provider{
//	    SynthesizeChunks: [][]byte{make([]byte, 320)},
//	}
//	ch, _ := p.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/ligvox/ligvox/pkg/provider/tts"
	"github.com/ligvox/ligvox/pkg/types"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Ctx is the context passed to SynthesizeStream.
	Ctx context.Context
	// Voice is the VoiceProfile passed to SynthesizeStream.
	Voice types.VoiceProfile
	// Text collects every fragment received on the text channel. Populated
	// asynchronously; read it only after the audio channel has closed.
	Text *TextRecorder
}

// TextRecorder accumulates text fragments drained from a synthesis request.
type TextRecorder struct {
	mu        sync.Mutex
	fragments []string
}

// Fragments returns a copy of the recorded fragments. Thread-safe.
func (r *TextRecorder) Fragments() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.fragments))
	copy(out, r.fragments)
	return out
}

func (r *TextRecorder) add(s string) {
	r.mu.Lock()
	r.fragments = append(r.fragments, s)
	r.mu.Unlock()
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SynthesizeChunks is the sequence of audio byte slices emitted on the
	// channel returned by SynthesizeStream.
	SynthesizeChunks [][]byte

	// ChunkInterval, when non-zero, is the pause before each emitted chunk.
	// Used to simulate synthesis that spans real time so barge-in tests can
	// interrupt mid-stream.
	ChunkInterval time.Duration

	// SynthesizeErr, if non-nil, is returned as the error from
	// SynthesizeStream instead of starting a channel.
	SynthesizeErr error

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []types.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// SynthesizeStreamCalls records every call to SynthesizeStream in order.
	SynthesizeStreamCalls []SynthesizeStreamCall
}

// SynthesizeStream records the call and, if SynthesizeErr is nil, returns a
// channel that emits SynthesizeChunks then closes. The incoming text channel
// is drained into the call record's TextRecorder.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	rec := &TextRecorder{}
	call := SynthesizeStreamCall{Ctx: ctx, Voice: voice, Text: rec}
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, call)
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(p.SynthesizeChunks))
	copy(chunks, p.SynthesizeChunks)
	interval := p.ChunkInterval
	p.mu.Unlock()

	ch := make(chan []byte, len(chunks))
	go func() {
		defer close(ch)
		// Drain the incoming text channel so the producer never blocks.
		drained := make(chan struct{})
		go func() {
			defer close(drained)
			for s := range text {
				rec.add(s)
			}
		}()
		for _, a := range chunks {
			if interval > 0 {
				select {
				case <-time.After(interval):
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case ch <- a:
			}
		}
		select {
		case <-drained:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// ListVoices records nothing and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ListVoicesResult, p.ListVoicesErr
}

// SynthesizeCallCount returns the number of SynthesizeStream calls. Thread-safe.
func (p *Provider) SynthesizeCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeStreamCalls)
}

// LastSynthesizeCall returns the most recent SynthesizeStream invocation, or nil.
func (p *Provider) LastSynthesizeCall() *SynthesizeStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.SynthesizeStreamCalls) == 0 {
		return nil
	}
	c := p.SynthesizeStreamCalls[len(p.SynthesizeStreamCalls)-1]
	return &c
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeStreamCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
