package session

import (
	"context"
	"strings"
	"time"

	"github.com/ligvox/ligvox/pkg/audio"
	"github.com/ligvox/ligvox/pkg/provider/llm"
)

// turn is the in-flight LLM → TTS pipeline answering one caller utterance.
// All fields are owned by the session loop goroutine except the playback,
// which runs its own sender.
type turn struct {
	ctx    context.Context
	cancel context.CancelFunc

	llmCh  <-chan llm.Chunk
	textCh chan string
	pb     *playback

	text      strings.Builder
	startedAt time.Time

	firstTokenSeen bool
	firstFrameSeen bool
	textClosed     bool

	llmTimer     *time.Timer
	ttsWarnTimer *time.Timer
	ttsTimer     *time.Timer
	fillerTimer  *time.Timer
}

// llmFinished marks the end of model output: the text channel is closed so
// TTS can flush, and the chunk channel is disabled in the select loop.
func (t *turn) llmFinished() {
	t.llmCh = nil
	t.stopLLMTimer()
	t.stopFillerTimer()
	if !t.textClosed {
		t.textClosed = true
		close(t.textCh)
	}
}

// pbFirst exposes the first-frame signal until it has been consumed.
func (t *turn) pbFirst() <-chan struct{} {
	if t.pb == nil || t.firstFrameSeen {
		return nil
	}
	return t.pb.first
}

// pbDone exposes the playback completion channel.
func (t *turn) pbDone() <-chan playbackResult {
	if t.pb == nil {
		return nil
	}
	return t.pb.done
}

// cancelAndWait aborts the pipeline and returns the final frame counts.
func (t *turn) cancelAndWait() playbackResult {
	t.stopTimers()
	t.cancel()
	if !t.textClosed {
		t.textClosed = true
		close(t.textCh)
	}
	if t.pb == nil {
		return playbackResult{}
	}
	return <-t.pb.done
}

func (t *turn) stopLLMTimer() {
	if t.llmTimer != nil {
		t.llmTimer.Stop()
		t.llmTimer = nil
	}
}

func (t *turn) stopTTSTimer() {
	if t.ttsTimer != nil {
		t.ttsTimer.Stop()
		t.ttsTimer = nil
	}
	if t.ttsWarnTimer != nil {
		t.ttsWarnTimer.Stop()
		t.ttsWarnTimer = nil
	}
}

func (t *turn) stopFillerTimer() {
	if t.fillerTimer != nil {
		t.fillerTimer.Stop()
		t.fillerTimer = nil
	}
}

func (t *turn) stopTimers() {
	t.stopLLMTimer()
	t.stopTTSTimer()
	t.stopFillerTimer()
}

// playbackResult reports how much audio a playback produced and delivered.
type playbackResult struct {
	generated int
	delivered int
	err       error
}

// playback is a background sender pushing audio frames to the media stream.
type playback struct {
	cancel context.CancelFunc
	// first is closed when the first frame has been handed to the transport.
	first chan struct{}
	// done receives exactly one result when the sender exits.
	done chan playbackResult
}

// startChunkPlayback streams arbitrarily sized audio chunks from src to the
// media transport, re-chunked into fixed frames. The sender exits when src
// closes or ctx is cancelled; either way it reports its frame counts on the
// done channel.
func (s *Session) startChunkPlayback(ctx context.Context, src <-chan []byte) *playback {
	pctx, cancel := context.WithCancel(ctx)
	pb := &playback{
		cancel: cancel,
		first:  make(chan struct{}),
		done:   make(chan playbackResult, 1),
	}

	go func() {
		var res playbackResult
		framer := &audio.Framer{}
		firstSent := false

		send := func(frame []byte) bool {
			res.generated++
			if !firstSent {
				firstSent = true
				close(pb.first)
			}
			if err := s.media.Send(pctx, frame); err != nil {
				if res.err == nil {
					res.err = err
				}
				return false
			}
			res.delivered++
			return true
		}

	outer:
		for {
			select {
			case <-pctx.Done():
				res.err = pctx.Err()
				break outer
			case chunk, ok := <-src:
				if !ok {
					if tail := framer.Flush(); tail != nil {
						send(tail)
					}
					break outer
				}
				for _, frame := range framer.Push(chunk) {
					if !send(frame) {
						break outer
					}
				}
			}
		}
		// Drain src so the producer goroutine can exit.
		go func() {
			for range src {
			}
		}()
		pb.done <- res
	}()
	return pb
}

// startFramePlayback streams pre-framed audio (greeting, fillers) to the
// media transport.
func (s *Session) startFramePlayback(ctx context.Context, frames [][]byte) *playback {
	pctx, cancel := context.WithCancel(ctx)
	pb := &playback{
		cancel: cancel,
		first:  make(chan struct{}),
		done:   make(chan playbackResult, 1),
	}

	go func() {
		var res playbackResult
		for i, frame := range frames {
			if pctx.Err() != nil {
				res.err = pctx.Err()
				break
			}
			res.generated++
			if i == 0 {
				close(pb.first)
			}
			if err := s.media.Send(pctx, frame); err != nil {
				res.err = err
				break
			}
			res.delivered++
		}
		pb.done <- res
	}()
	return pb
}
