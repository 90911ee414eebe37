package switchio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// eslDialTimeout bounds the TCP connect plus authentication handshake.
	eslDialTimeout = 10 * time.Second

	// eslCommandTimeout bounds a single command round trip.
	eslCommandTimeout = 10 * time.Second

	// reconnectEscalateWindow: a second connection failure inside this
	// window is reported to the caller instead of silently retried.
	reconnectEscalateWindow = 5 * time.Second
)

// ControlClient is the switch event-socket client. It maintains a single
// authenticated TCP connection, serialises commands over it, and transparently
// reconnects once after a connection failure.
type ControlClient struct {
	addr     string
	password string
	logger   *slog.Logger

	mu            sync.Mutex
	conn          net.Conn
	reader        *bufio.Reader
	lastReconnect time.Time
}

// DialControl connects and authenticates against the switch event socket.
func DialControl(ctx context.Context, addr, password string, logger *slog.Logger) (*ControlClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &ControlClient{addr: addr, password: password, logger: logger}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// connect establishes and authenticates a fresh connection. Callers must
// hold c.mu or be the constructor.
func (c *ControlClient) connect(ctx context.Context) error {
	d := net.Dialer{Timeout: eslDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("switchio: dial control %s: %w", c.addr, err)
	}
	reader := bufio.NewReader(conn)

	deadline := time.Now().Add(eslDialTimeout)
	if t, ok := ctx.Deadline(); ok && t.Before(deadline) {
		deadline = t
	}
	_ = conn.SetDeadline(deadline)

	// The switch speaks first with an auth request.
	headers, _, err := readESLMessage(reader)
	if err != nil {
		conn.Close()
		return fmt.Errorf("switchio: read auth request: %w", err)
	}
	if ct := headers.Get("Content-Type"); ct != "auth/request" {
		conn.Close()
		return fmt.Errorf("switchio: unexpected greeting %q", ct)
	}

	if _, err := fmt.Fprintf(conn, "auth %s\n\n", c.password); err != nil {
		conn.Close()
		return fmt.Errorf("switchio: send auth: %w", err)
	}
	headers, _, err = readESLMessage(reader)
	if err != nil {
		conn.Close()
		return fmt.Errorf("switchio: read auth reply: %w", err)
	}
	if reply := headers.Get("Reply-Text"); !strings.HasPrefix(reply, "+OK") {
		conn.Close()
		return fmt.Errorf("switchio: authentication rejected: %q", reply)
	}

	_ = conn.SetDeadline(time.Time{})
	c.conn = conn
	c.reader = reader
	c.logger.Info("switch control connected", slog.String("addr", c.addr))
	return nil
}

// Close tears down the control connection.
func (c *ControlClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

// Ping verifies the connection with a status command. Used by the readiness
// probe.
func (c *ControlClient) Ping(ctx context.Context) error {
	_, err := c.command(ctx, "api status")
	return err
}

// HangupCall kills the switch leg with the given UUID.
func (c *ControlClient) HangupCall(ctx context.Context, switchUUID string) error {
	reply, err := c.command(ctx, "api uuid_kill "+switchUUID)
	if err != nil {
		return err
	}
	if strings.HasPrefix(reply, "-ERR") {
		// Already gone is not an error worth surfacing.
		if strings.Contains(reply, "No such channel") {
			return nil
		}
		return fmt.Errorf("switchio: uuid_kill: %s", strings.TrimSpace(reply))
	}
	return nil
}

// Originate launches an outbound call through the switch. The command is
// issued in the background job queue so slow carrier responses never block
// the control channel; call progress arrives via the media WebSocket.
func (c *ControlClient) Originate(ctx context.Context, cmd string) error {
	reply, err := c.command(ctx, "bgapi "+cmd)
	if err != nil {
		return err
	}
	if strings.HasPrefix(reply, "-ERR") {
		return fmt.Errorf("switchio: originate rejected: %s", strings.TrimSpace(reply))
	}
	return nil
}

// command runs one command over the control socket and returns the reply
// text or body. A connection failure triggers a single reconnect attempt; a
// second failure within the escalation window propagates.
func (c *ControlClient) command(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reply, err := c.roundTrip(ctx, cmd)
	if err == nil {
		return reply, nil
	}

	if time.Since(c.lastReconnect) < reconnectEscalateWindow {
		return "", fmt.Errorf("switchio: control connection unstable: %w", err)
	}
	c.logger.Warn("control command failed; reconnecting", slog.Any("error", err))
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.lastReconnect = time.Now()
	if err := c.connect(ctx); err != nil {
		return "", err
	}
	return c.roundTrip(ctx, cmd)
}

func (c *ControlClient) roundTrip(ctx context.Context, cmd string) (string, error) {
	if c.conn == nil {
		return "", fmt.Errorf("switchio: control connection closed")
	}

	deadline := time.Now().Add(eslCommandTimeout)
	if t, ok := ctx.Deadline(); ok && t.Before(deadline) {
		deadline = t
	}
	_ = c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	if _, err := fmt.Fprintf(c.conn, "%s\n\n", cmd); err != nil {
		return "", fmt.Errorf("switchio: send command: %w", err)
	}

	// Skip unsolicited events until a command reply or API response arrives.
	for {
		headers, body, err := readESLMessage(c.reader)
		if err != nil {
			return "", fmt.Errorf("switchio: read reply: %w", err)
		}
		switch headers.Get("Content-Type") {
		case "command/reply":
			return headers.Get("Reply-Text"), nil
		case "api/response":
			return body, nil
		}
	}
}

// readESLMessage reads one event-socket message: MIME-style headers, a blank
// line, and an optional body of Content-Length bytes.
func readESLMessage(r *bufio.Reader) (textproto.MIMEHeader, string, error) {
	tp := textproto.NewReader(r)
	headers, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, "", err
	}

	body := ""
	if cl := headers.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil {
			return nil, "", fmt.Errorf("bad Content-Length %q: %w", cl, err)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, "", err
		}
		body = string(buf)
	}
	return headers, body, nil
}
