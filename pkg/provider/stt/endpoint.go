package stt

import (
	"sync"
	"time"

	"github.com/ligvox/ligvox/pkg/types"
)

// DefaultQuietPeriod is how long after the most recent final transcript the
// fallback endpointer waits for further interim activity before declaring the
// utterance over.
const DefaultQuietPeriod = 700 * time.Millisecond

// WithFallbackEndpointing wraps inner so that utterance-end markers are
// synthesized when the provider does not emit them itself: quiet after the
// most recent final with no interim updates means the user stopped talking.
//
// Native utterance-end markers from inner pass through unchanged and disarm
// the fallback timer, so wrapping a provider with working endpointing is
// harmless. A quiet value of zero selects [DefaultQuietPeriod].
func WithFallbackEndpointing(inner SessionHandle, quiet time.Duration) SessionHandle {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	e := &endpointer{
		inner:    inner,
		quiet:    quiet,
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
		ends:     make(chan struct{}, 8),
	}
	go e.run()
	return e
}

// endpointer forwards all session traffic and owns the quiet timer.
type endpointer struct {
	inner SessionHandle
	quiet time.Duration

	partials chan types.Transcript
	finals   chan types.Transcript
	ends     chan struct{}

	closeOnce sync.Once
}

func (e *endpointer) SendAudio(chunk []byte) error { return e.inner.SendAudio(chunk) }

func (e *endpointer) Partials() <-chan types.Transcript { return e.partials }
func (e *endpointer) Finals() <-chan types.Transcript   { return e.finals }
func (e *endpointer) UtteranceEnds() <-chan struct{}    { return e.ends }

func (e *endpointer) Close() error {
	err := e.inner.Close()
	return err
}

// run multiplexes the inner session's channels, arming the quiet timer on
// each final and disarming it on interim activity or a native marker.
func (e *endpointer) run() {
	defer close(e.partials)
	defer close(e.finals)
	defer close(e.ends)

	timer := time.NewTimer(e.quiet)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	disarm := func() {
		if armed && !timer.Stop() {
			<-timer.C
		}
		armed = false
	}

	innerPartials := e.inner.Partials()
	innerFinals := e.inner.Finals()
	innerEnds := e.inner.UtteranceEnds()

	for {
		select {
		case t, ok := <-innerPartials:
			if !ok {
				innerPartials = nil
				if innerFinals == nil && innerEnds == nil {
					return
				}
				continue
			}
			// The user is still talking; hold the fallback.
			if t.Text != "" {
				disarm()
			}
			e.partials <- t

		case t, ok := <-innerFinals:
			if !ok {
				innerFinals = nil
				if innerPartials == nil && innerEnds == nil {
					return
				}
				continue
			}
			disarm()
			timer.Reset(e.quiet)
			armed = true
			e.finals <- t

		case _, ok := <-innerEnds:
			if !ok {
				innerEnds = nil
				if innerPartials == nil && innerFinals == nil {
					return
				}
				continue
			}
			disarm()
			e.emitEnd()

		case <-timer.C:
			armed = false
			e.emitEnd()
		}
	}
}

// emitEnd delivers a marker without blocking: if the consumer has not drained
// a previous one, coalescing is correct — two back-to-back markers mean the
// same thing as one.
func (e *endpointer) emitEnd() {
	select {
	case e.ends <- struct{}{}:
	default:
	}
}
