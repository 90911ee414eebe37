package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ligvox/ligvox/pkg/audio"
	"github.com/ligvox/ligvox/pkg/provider/tts"
	"github.com/ligvox/ligvox/pkg/types"
)

// GreetingCache synthesizes greeting audio once per (voice, text) pair and
// serves the frames to every subsequent call. Synthesis for the same key is
// single-flighted: concurrent callers block on the first synthesis instead
// of issuing duplicate provider requests.
type GreetingCache struct {
	ttsP tts.Provider

	mu      sync.Mutex
	entries map[greetingKey]*greetingEntry
}

type greetingKey struct {
	voiceID string
	text    string
}

type greetingEntry struct {
	once     sync.Once
	frames   [][]byte
	duration time.Duration
	err      error
}

// NewGreetingCache creates a cache backed by the given TTS provider.
func NewGreetingCache(ttsP tts.Provider) *GreetingCache {
	return &GreetingCache{
		ttsP:    ttsP,
		entries: make(map[greetingKey]*greetingEntry),
	}
}

// Get returns the greeting audio for the given voice and text, synthesizing
// it on first use. The returned frames are shared; callers must not modify
// them. The duration is the playback length of the returned audio.
func (c *GreetingCache) Get(ctx context.Context, voice types.VoiceProfile, text string) ([][]byte, time.Duration, error) {
	if text == "" {
		return nil, 0, nil
	}

	key := greetingKey{voiceID: voice.ID, text: text}
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &greetingEntry{}
		c.entries[key] = e
	}
	c.mu.Unlock()

	e.once.Do(func() {
		e.frames, e.duration, e.err = c.synthesize(ctx, voice, text)
		if e.err != nil {
			// Allow a retry on the next call rather than caching the failure.
			c.mu.Lock()
			delete(c.entries, key)
			c.mu.Unlock()
		}
	})
	return e.frames, e.duration, e.err
}

func (c *GreetingCache) synthesize(ctx context.Context, voice types.VoiceProfile, text string) ([][]byte, time.Duration, error) {
	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	audioCh, err := c.ttsP.SynthesizeStream(ctx, textCh, voice)
	if err != nil {
		return nil, 0, fmt.Errorf("greeting synthesis: %w", err)
	}

	framer := &audio.Framer{}
	var frames [][]byte
	for chunk := range audioCh {
		frames = append(frames, framer.Push(chunk)...)
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if f := framer.Flush(); f != nil {
		frames = append(frames, f)
	}
	if len(frames) == 0 {
		return nil, 0, fmt.Errorf("greeting synthesis: provider returned no audio")
	}
	return frames, time.Duration(len(frames)) * audio.FrameDuration, nil
}
