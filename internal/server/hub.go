package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ligvox/ligvox/internal/session"
)

// clientQueueDepth bounds each dashboard client's send queue. Slow clients
// miss messages rather than stall the broadcast.
const clientQueueDepth = 32

// dashMessage is the frame format of the dashboard feed.
type dashMessage struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatsFunc produces the payload for stats_updated messages.
type StatsFunc func(ctx context.Context) (any, error)

// Hub fans call lifecycle events out to connected dashboard clients. It
// implements [session.Sink], so it can sit next to the webhook dispatcher on
// the event path.
type Hub struct {
	stats  StatsFunc
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*dashClient]struct{}
}

var _ session.Sink = (*Hub)(nil)

type dashClient struct {
	send chan dashMessage
}

// NewHub creates a Hub. stats may be nil, disabling get_stats.
func NewHub(stats StatsFunc, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		stats:   stats,
		logger:  logger,
		clients: make(map[*dashClient]struct{}),
	}
}

// Publish broadcasts a lifecycle event to every connected client. Event
// names use underscores on the feed ("call.started" becomes "call_started").
func (h *Hub) Publish(_ context.Context, event string, data any) {
	h.broadcast(dashMessage{
		Type:      strings.ReplaceAll(event, ".", "_"),
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// ClientCount returns the number of connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(msg dashMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// Client too slow; it misses this message.
		}
	}
}

// ServeWS upgrades a dashboard connection and serves it until disconnect.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("dashboard accept failed", slog.Any("error", err))
		return
	}
	defer conn.CloseNow()

	c := &dashClient{send: make(chan dashMessage, clientQueueDepth)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-c.send:
				if err := wsjson.Write(ctx, conn, msg); err != nil {
					return
				}
			}
		}
	}()

	h.readLoop(ctx, conn, c)
}

// readLoop answers client requests: ping keeps the connection alive and
// get_stats returns the current aggregate numbers.
func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn, c *dashClient) {
	for {
		var req struct {
			Type string `json:"type"`
		}
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}

		switch req.Type {
		case "ping":
			h.reply(c, dashMessage{Type: "pong", Timestamp: time.Now().UTC()})
		case "get_stats":
			if h.stats == nil {
				continue
			}
			data, err := h.stats(ctx)
			if err != nil {
				h.logger.Error("dashboard stats failed", slog.Any("error", err))
				continue
			}
			h.reply(c, dashMessage{Type: "stats_updated", Data: data, Timestamp: time.Now().UTC()})
		}
	}
}

func (h *Hub) reply(c *dashClient, msg dashMessage) {
	select {
	case c.send <- msg:
	default:
	}
}
