package switchio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ligvox/ligvox/internal/session"
	"github.com/ligvox/ligvox/pkg/audio"
	llmmock "github.com/ligvox/ligvox/pkg/provider/llm/mock"
	sttmock "github.com/ligvox/ligvox/pkg/provider/stt/mock"
	ttsmock "github.com/ligvox/ligvox/pkg/provider/tts/mock"
)

func TestParseControl(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want session.ControlEvent
		ok   bool
	}{
		{"dtmf", `{"type":"dtmf","digit":"7"}`,
			session.ControlEvent{Kind: session.ControlDTMF, Digit: "7"}, true},
		{"hangup", `{"type":"hangup"}`,
			session.ControlEvent{Kind: session.ControlHangup}, true},
		{"metadata top-level numbers", `{"type":"metadata","caller":"5511999990000","called":"5511888880000"}`,
			session.ControlEvent{Kind: session.ControlMetadata, Metadata: map[string]string{"caller": "5511999990000", "called": "5511888880000"}}, true},
		{"metadata nested", `{"type":"metadata","metadata":{"caller":"5511999990000"}}`,
			session.ControlEvent{Kind: session.ControlMetadata, Metadata: map[string]string{"caller": "5511999990000"}}, true},
		{"dtmf legacy event key", `{"event":"dtmf","digit":"9"}`,
			session.ControlEvent{Kind: session.ControlDTMF, Digit: "9"}, true},
		{"hangup legacy event key", `{"event":"hangup"}`,
			session.ControlEvent{Kind: session.ControlHangup}, true},
		{"unknown type", `{"type":"ring"}`, session.ControlEvent{}, false},
		{"malformed", `{{{`, session.ControlEvent{}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := parseControl([]byte(tc.in))
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if got.Kind != tc.want.Kind || got.Digit != tc.want.Digit {
				t.Errorf("event = %+v, want %+v", got, tc.want)
			}
			for k, v := range tc.want.Metadata {
				if got.Metadata[k] != v {
					t.Errorf("metadata[%q] = %q, want %q", k, got.Metadata[k], v)
				}
			}
		})
	}
}

// dialStream sets up a server-side wsStream connected to a client websocket.
func dialStream(t *testing.T) (*wsStream, *websocket.Conn) {
	t.Helper()

	streams := make(chan *wsStream, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ms := newWSStream(conn, nil)
		streams <- ms
		ms.run(r.Context())
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close(websocket.StatusNormalClosure, "test done") })

	select {
	case ms := <-streams:
		return ms, client
	case <-time.After(2 * time.Second):
		t.Fatal("stream never accepted")
		return nil, nil
	}
}

func TestWSStreamInboundAudioAndControls(t *testing.T) {
	t.Parallel()

	ms, client := dialStream(t)
	ctx := context.Background()

	// Two frames of audio in one websocket message get re-framed.
	if err := client.Write(ctx, websocket.MessageBinary, make([]byte, 2*audio.FrameBytes)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	for i := range 2 {
		select {
		case frame := <-ms.Frames():
			if len(frame) != audio.FrameBytes {
				t.Errorf("frame %d size = %d", i, len(frame))
			}
		case <-time.After(time.Second):
			t.Fatalf("frame %d never arrived", i)
		}
	}

	if err := client.Write(ctx, websocket.MessageText, []byte(`{"type":"dtmf","digit":"3"}`)); err != nil {
		t.Fatalf("write control: %v", err)
	}
	select {
	case ev := <-ms.Controls():
		if ev.Kind != session.ControlDTMF || ev.Digit != "3" {
			t.Errorf("control = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("control never arrived")
	}
}

func TestWSStreamOutboundPacing(t *testing.T) {
	t.Parallel()

	ms, client := dialStream(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frame := make([]byte, audio.FrameBytes)
	for range 3 {
		if err := ms.Send(ctx, frame); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	start := time.Now()
	for i := range 3 {
		typ, data, err := client.Read(ctx)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if typ != websocket.MessageBinary || len(data) != audio.FrameBytes {
			t.Errorf("message %d: type=%v len=%d", i, typ, len(data))
		}
	}
	// Three frames at one per tick need at least two full intervals.
	if elapsed := time.Since(start); elapsed < 2*audio.FrameDuration {
		t.Errorf("3 frames delivered in %v; pacing not applied", elapsed)
	}
}

func TestWSStreamClearOutbound(t *testing.T) {
	t.Parallel()

	ms, _ := dialStream(t)
	ctx := context.Background()

	frame := make([]byte, audio.FrameBytes)
	for range 5 {
		if err := ms.Send(ctx, frame); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	ms.ClearOutbound()
	if n := len(ms.out); n != 0 {
		t.Errorf("queue length after clear = %d, want 0", n)
	}
}

func TestWSStreamDisconnectClosesChannels(t *testing.T) {
	t.Parallel()

	ms, client := dialStream(t)
	client.Close(websocket.StatusNormalClosure, "bye")

	select {
	case _, ok := <-ms.Frames():
		if ok {
			t.Error("expected closed frames channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frames channel never closed")
	}
}

type emptyFinder struct{}

func (emptyFinder) Get(string) (*session.Session, bool) { return nil, false }

func TestMediaHandlerRejectsOrphan(t *testing.T) {
	t.Parallel()

	h := NewMediaHandler(emptyFinder{}, nil, nil)
	h.grace = 100 * time.Millisecond

	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/ghost", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close(websocket.StatusNormalClosure, "")

	_, _, err = client.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want policy violation", websocket.CloseStatus(err))
	}
}

type inboundCall struct {
	callID string
	meta   map[string]string
}

func newInboundTestSession(t *testing.T, callID string) *session.Session {
	t.Helper()
	s, err := session.New(session.Config{
		CallID: callID,
		STT:    &sttmock.Provider{Session: sttmock.NewSession()},
		LLM:    &llmmock.Provider{},
		TTS:    &ttsmock.Provider{},
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	return s
}

func TestMediaHandlerRejectsUnidentifiedInbound(t *testing.T) {
	t.Parallel()

	factory := func(ctx context.Context, callID string, meta map[string]string) (*session.Session, error) {
		t.Errorf("factory invoked for unidentified connection %s", callID)
		return nil, context.Canceled
	}
	h := NewMediaHandler(emptyFinder{}, factory, nil)
	h.grace = 100 * time.Millisecond

	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/stray", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close(websocket.StatusNormalClosure, "")

	// Audio without an identifying metadata frame must not create a session.
	if err := client.Write(ctx, websocket.MessageBinary, make([]byte, audio.FrameBytes)); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	_, _, err = client.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want policy violation", websocket.CloseStatus(err))
	}
}

func TestMediaHandlerAcceptsIdentifiedInbound(t *testing.T) {
	t.Parallel()

	accepted := make(chan inboundCall, 1)
	factory := func(ctx context.Context, callID string, meta map[string]string) (*session.Session, error) {
		accepted <- inboundCall{callID: callID, meta: meta}
		return newInboundTestSession(t, callID), nil
	}
	h := NewMediaHandler(emptyFinder{}, factory, nil)

	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/inbound-1", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close(websocket.StatusNormalClosure, "")

	frame := `{"type":"metadata","caller":"5511999990000","called":"5511888880000"}`
	if err := client.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("write metadata: %v", err)
	}

	select {
	case call := <-accepted:
		if call.callID != "inbound-1" {
			t.Errorf("call ID = %q", call.callID)
		}
		if call.meta["caller"] != "5511999990000" || call.meta["called"] != "5511888880000" {
			t.Errorf("meta = %v", call.meta)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound call never accepted")
	}

	// The connection stays up as the call's media stream.
	if err := client.Write(ctx, websocket.MessageBinary, make([]byte, audio.FrameBytes)); err != nil {
		t.Errorf("write audio after accept: %v", err)
	}
}
