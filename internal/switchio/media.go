// Package switchio connects Ligvox to the telephony switch on both planes:
// the media WebSocket that carries call audio, and the event-socket control
// channel used to originate and kill calls.
//
// Media arrives as binary WebSocket messages containing 16-bit mono PCM at
// the pipeline sample rate. Outbound audio is paced at one frame per frame
// duration so the switch never has to buffer more than a few frames; a small
// bounded queue gives barge-in something it can drop instantly.
package switchio

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ligvox/ligvox/internal/session"
	"github.com/ligvox/ligvox/pkg/audio"
)

const (
	// orphanGrace is how long a media connection may wait for its session to
	// appear before being rejected. Covers the race between the switch
	// answering and the dial path registering the session.
	orphanGrace = 5 * time.Second

	// orphanPoll is the session lookup interval during the grace period.
	orphanPoll = 100 * time.Millisecond

	// outQueueFrames bounds the outbound pacing queue (200 ms of audio).
	// Send blocks when full, which backpressures synthesis naturally.
	outQueueFrames = 10

	// inQueueFrames buffers inbound caller audio toward the session loop.
	inQueueFrames = 64
)

// controlMessage is the JSON control frame format on the media socket. The
// switch keys frames on "type"; older dialplans used "event", which is kept
// as an alias. Metadata frames carry caller and called either top-level or
// nested under "metadata".
type controlMessage struct {
	Type     string            `json:"type"`
	Event    string            `json:"event"`
	Digit    string            `json:"digit,omitempty"`
	Caller   string            `json:"caller,omitempty"`
	Called   string            `json:"called,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CallFinder resolves call IDs to live sessions. *session.Registry
// satisfies it.
type CallFinder interface {
	Get(callID string) (*session.Session, bool)
}

// InboundFactory creates, admits, and starts a session for an inbound call
// that has no prior registration. meta carries the caller and called numbers
// from the identifying metadata frame. It returns the new session or an
// error when the call cannot be accepted (e.g. at capacity).
type InboundFactory func(ctx context.Context, callID string, meta map[string]string) (*session.Session, error)

// MediaHandler accepts media WebSocket connections at /ws/{call_id}.
type MediaHandler struct {
	finder  CallFinder
	inbound InboundFactory // nil disables inbound call acceptance
	logger  *slog.Logger
	grace   time.Duration
}

// NewMediaHandler creates a handler resolving calls through finder. When
// factory is non-nil, connections for unknown call IDs create inbound
// sessions instead of being rejected.
func NewMediaHandler(finder CallFinder, factory InboundFactory, logger *slog.Logger) *MediaHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MediaHandler{finder: finder, inbound: factory, logger: logger, grace: orphanGrace}
}

// Register adds the media route to mux.
func (h *MediaHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/{call_id}", h.ServeMedia)
}

// ServeMedia upgrades the connection and binds it to the call's session.
// The handler blocks for the lifetime of the connection.
func (h *MediaHandler) ServeMedia(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("call_id")
	log := h.logger.With(slog.String("call_id", callID))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The switch connects from its own host, not a browser.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Error("media accept failed", slog.Any("error", err))
		return
	}

	ms := newWSStream(conn, log)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		ms.run(r.Context())
	}()

	sess, err := h.resolve(r.Context(), ms, callID)
	if err != nil {
		log.Warn("orphan media connection", slog.Any("error", err))
		conn.Close(websocket.StatusPolicyViolation, "no session for call")
		<-runDone
		return
	}

	if err := sess.AttachMedia(ms); err != nil {
		log.Warn("media attach rejected", slog.Any("error", err))
		conn.Close(websocket.StatusPolicyViolation, "media already attached")
		<-runDone
		return
	}

	log.Info("media stream attached")
	<-runDone
}

// resolve finds the session for callID. An unknown ID is only an inbound
// call if the dialplan announces it with a metadata control frame; without
// inbound acceptance the handler waits out the orphan grace period for a
// late registration. Both paths give up after the grace period.
func (h *MediaHandler) resolve(ctx context.Context, ms *wsStream, callID string) (*session.Session, error) {
	if s, ok := h.finder.Get(callID); ok {
		return s, nil
	}

	deadline := time.NewTimer(h.grace)
	defer deadline.Stop()

	if h.inbound != nil {
		for {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-deadline.C:
				return nil, errors.New("switchio: no call metadata within grace period")
			case _, ok := <-ms.frames:
				// Audio before identification is dropped.
				if !ok {
					return nil, errors.New("switchio: transport closed before identification")
				}
			case ev, ok := <-ms.controls:
				if !ok {
					return nil, errors.New("switchio: transport closed before identification")
				}
				if ev.Kind != session.ControlMetadata {
					return nil, errors.New("switchio: connection did not identify itself with metadata")
				}
				return h.inbound(ctx, callID, ev.Metadata)
			}
		}
	}

	tick := time.NewTicker(orphanPoll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, errors.New("switchio: no session appeared within grace period")
		case <-tick.C:
			if s, ok := h.finder.Get(callID); ok {
				return s, nil
			}
		}
	}
}

// wsStream adapts a media WebSocket to session.MediaStream.
type wsStream struct {
	conn *websocket.Conn
	log  *slog.Logger

	frames   chan []byte
	controls chan session.ControlEvent
	out      chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

var _ session.MediaStream = (*wsStream)(nil)

func newWSStream(conn *websocket.Conn, log *slog.Logger) *wsStream {
	return &wsStream{
		conn:     conn,
		log:      log,
		frames:   make(chan []byte, inQueueFrames),
		controls: make(chan session.ControlEvent, 8),
		out:      make(chan []byte, outQueueFrames),
		closed:   make(chan struct{}),
	}
}

// Frames yields inbound caller audio; closed when the socket disconnects.
func (s *wsStream) Frames() <-chan []byte { return s.frames }

// Controls yields parsed JSON control messages.
func (s *wsStream) Controls() <-chan session.ControlEvent { return s.controls }

// Send enqueues one outbound frame. Blocks when the pacing queue is full.
func (s *wsStream) Send(ctx context.Context, frame []byte) error {
	select {
	case s.out <- frame:
		return nil
	case <-s.closed:
		return errors.New("switchio: media stream closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClearOutbound drops all queued outbound audio.
func (s *wsStream) ClearOutbound() {
	for {
		select {
		case <-s.out:
		default:
			return
		}
	}
}

// Close terminates the socket with a normal closure.
func (s *wsStream) Close(reason string) error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close(websocket.StatusNormalClosure, reason)
	})
	return nil
}

// run drives the read loop and the paced writer until the connection drops.
func (s *wsStream) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(ctx)
	}()

	s.readLoop(ctx)
	cancel()
	wg.Wait()
	s.Close("transport closed")
}

// readLoop splits incoming traffic into audio frames and control events.
// Both output channels are closed on exit so the session sees disconnect.
func (s *wsStream) readLoop(ctx context.Context) {
	defer close(s.frames)
	defer close(s.controls)

	framer := &audio.Framer{}
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 && !errors.Is(err, context.Canceled) {
				s.log.Debug("media read ended", slog.Any("error", err))
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			for _, frame := range framer.Push(data) {
				select {
				case s.frames <- frame:
				case <-ctx.Done():
					return
				}
			}
		case websocket.MessageText:
			ev, ok := parseControl(data)
			if !ok {
				s.log.Debug("unparseable control frame", slog.String("payload", string(data)))
				continue
			}
			select {
			case s.controls <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// writeLoop delivers one queued frame per frame interval.
func (s *wsStream) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-ticker.C:
			select {
			case frame := <-s.out:
				if err := s.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
					return
				}
			default:
				// Nothing queued; the switch plays silence on its own.
			}
		}
	}
}

// parseControl maps a JSON control frame to a session event.
func parseControl(data []byte) (session.ControlEvent, bool) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return session.ControlEvent{}, false
	}
	kind := msg.Type
	if kind == "" {
		kind = msg.Event
	}
	switch kind {
	case "dtmf":
		return session.ControlEvent{Kind: session.ControlDTMF, Digit: msg.Digit}, true
	case "hangup":
		return session.ControlEvent{Kind: session.ControlHangup}, true
	case "metadata":
		meta := msg.Metadata
		if msg.Caller != "" || msg.Called != "" {
			if meta == nil {
				meta = make(map[string]string, 2)
			}
			if msg.Caller != "" {
				meta["caller"] = msg.Caller
			}
			if msg.Called != "" {
				meta["called"] = msg.Called
			}
		}
		return session.ControlEvent{Kind: session.ControlMetadata, Metadata: meta}, true
	}
	return session.ControlEvent{}, false
}
