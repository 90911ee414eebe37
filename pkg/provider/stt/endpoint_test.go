package stt_test

import (
	"testing"
	"time"

	"github.com/ligvox/ligvox/pkg/provider/stt"
	"github.com/ligvox/ligvox/pkg/provider/stt/mock"
	"github.com/ligvox/ligvox/pkg/types"
)

const testQuiet = 50 * time.Millisecond

func waitForEnd(t *testing.T, h stt.SessionHandle, within time.Duration) {
	t.Helper()
	select {
	case <-h.UtteranceEnds():
	case <-time.After(within):
		t.Fatal("no utterance-end marker within deadline")
	}
}

func TestFallbackEndpointingAfterQuietFinal(t *testing.T) {
	t.Parallel()

	inner := mock.NewSession()
	h := stt.WithFallbackEndpointing(inner, testQuiet)
	defer h.Close()

	inner.FinalsCh <- types.Transcript{Text: "oi tudo bem", IsFinal: true}

	// The final must pass through.
	select {
	case got := <-h.Finals():
		if got.Text != "oi tudo bem" {
			t.Fatalf("final text = %q", got.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("final not forwarded")
	}

	// With no interim activity, an utterance-end fires after the quiet period.
	waitForEnd(t, h, time.Second)
}

func TestFallbackDisarmedByInterim(t *testing.T) {
	t.Parallel()

	inner := mock.NewSession()
	h := stt.WithFallbackEndpointing(inner, testQuiet)
	defer h.Close()

	inner.FinalsCh <- types.Transcript{Text: "primeira parte", IsFinal: true}
	<-h.Finals()

	// An interim within the quiet period means the user kept talking.
	inner.PartialsCh <- types.Transcript{Text: "e também"}
	<-h.Partials()

	select {
	case <-h.UtteranceEnds():
		t.Fatal("utterance-end fired despite interim activity")
	case <-time.After(3 * testQuiet):
	}
}

func TestNativeUtteranceEndPassesThrough(t *testing.T) {
	t.Parallel()

	inner := mock.NewSession()
	h := stt.WithFallbackEndpointing(inner, time.Minute)
	defer h.Close()

	inner.UtteranceEndsCh <- struct{}{}
	waitForEnd(t, h, time.Second)
}

func TestEndpointerCloseClosesChannels(t *testing.T) {
	t.Parallel()

	inner := mock.NewSession()
	h := stt.WithFallbackEndpointing(inner, testQuiet)

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if inner.CloseCallCount != 1 {
		t.Fatalf("inner CloseCallCount = %d, want 1", inner.CloseCallCount)
	}

	// Output channels drain and close after the inner channels close.
	deadline := time.After(time.Second)
	for open := true; open; {
		select {
		case _, ok := <-h.Finals():
			open = ok
		case <-deadline:
			t.Fatal("Finals channel never closed")
		}
	}
}

func TestEndpointerForwardsAudio(t *testing.T) {
	t.Parallel()

	inner := mock.NewSession()
	h := stt.WithFallbackEndpointing(inner, testQuiet)
	defer h.Close()

	if err := h.SendAudio([]byte{1, 2, 3}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if inner.SendAudioCallCount() != 1 {
		t.Fatalf("SendAudio not forwarded to inner session")
	}
}
