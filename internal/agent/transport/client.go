// Package transport maintains the agent's WebSocket connection to the
// server, including the handshake and automatic reconnection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/probehub/probehub/internal/protocol"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// ErrNotConnected is returned by Send when no connection is up.
var ErrNotConnected = errors.New("not connected")

// Handlers are the callbacks a connection invokes. OnWelcome fires once
// per successful handshake, OnFrame for every subsequent frame, and
// OnDisconnect when the connection drops for any reason.
type Handlers struct {
	OnWelcome    func(ctx context.Context, w protocol.Welcome)
	OnFrame      func(ctx context.Context, f protocol.Frame)
	OnDisconnect func()
}

// Client manages the connection to the server.
type Client struct {
	serverURL    string
	agentID      string
	secret       string
	agentVersion string
	handlers     Handlers
	logger       *slog.Logger

	// OnEvicted is called when the server closes the connection because
	// the same agent identity connected elsewhere. Reconnection stops:
	// retrying would only knock the newer instance off in turn.
	OnEvicted func()

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a Client. serverURL is the base ws:// or wss:// URL of
// the server; the agent socket path is appended automatically.
func New(serverURL, agentID, secret, agentVersion string, handlers Handlers, logger *slog.Logger) *Client {
	return &Client{
		serverURL:    strings.TrimRight(serverURL, "/"),
		agentID:      agentID,
		secret:       secret,
		agentVersion: agentVersion,
		handlers:     handlers,
		logger:       logger,
	}
}

// Send writes a frame to the server. The mutex is held for the whole
// write so concurrent senders cannot interleave WebSocket messages.
func (c *Client) Send(f protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	data, err := f.Marshal()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Connect dials the server, performs the hello/welcome handshake, and
// then blocks reading frames until the connection drops or ctx is
// cancelled. The returned error describes why the connection ended.
func (c *Client) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.serverURL+"/ws/agent", nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(protocol.MaxFrameBytes)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.CloseNow()
		if c.handlers.OnDisconnect != nil {
			c.handlers.OnDisconnect()
		}
	}()

	hello := protocol.MustNew(protocol.TypeHello, protocol.Hello{
		AgentID:      c.agentID,
		Secret:       c.secret,
		AgentVersion: c.agentVersion,
	})
	if err := c.Send(hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	welcome, err := c.awaitWelcome(ctx, conn)
	if err != nil {
		return err
	}

	c.logger.Info("connected to server",
		"url", c.serverURL,
		"server_version", welcome.ServerVersion,
		"heartbeat_interval_s", welcome.HeartbeatIntervalS,
	)
	if c.handlers.OnWelcome != nil {
		c.handlers.OnWelcome(ctx, welcome)
	}

	for {
		f, err := c.readFrame(ctx, conn)
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		if c.handlers.OnFrame != nil {
			c.handlers.OnFrame(ctx, f)
		}
	}
}

func (c *Client) awaitWelcome(ctx context.Context, conn *websocket.Conn) (protocol.Welcome, error) {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	f, err := c.readFrame(hsCtx, conn)
	if err != nil {
		return protocol.Welcome{}, fmt.Errorf("await welcome: %w", err)
	}

	switch f.Type {
	case protocol.TypeWelcome:
		var w protocol.Welcome
		if err := f.Decode(&w); err != nil {
			return protocol.Welcome{}, err
		}
		return w, nil
	case protocol.TypeError:
		var e protocol.Error
		_ = f.Decode(&e)
		// Drain until the server's close frame arrives so the close
		// code is observable by the reconnect loop.
		_, err := c.readFrame(hsCtx, conn)
		if err == nil {
			err = fmt.Errorf("%s: %s", e.Code, e.Message)
		}
		return protocol.Welcome{}, fmt.Errorf("handshake rejected: %w", err)
	default:
		return protocol.Welcome{}, fmt.Errorf("unexpected handshake frame %q", f.Type)
	}
}

func (c *Client) readFrame(ctx context.Context, conn *websocket.Conn) (protocol.Frame, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return protocol.Frame{}, err
	}
	return protocol.Unmarshal(data)
}

// connectFn establishes one connection to the server. Injected in tests.
type connectFn func(ctx context.Context) error

// ConnectWithReconnect wraps Connect with automatic reconnection using
// exponential backoff. Starts at 1s, doubles up to 60s, resets after a
// connection that lasted longer than resetThreshold.
func (c *Client) ConnectWithReconnect(ctx context.Context) {
	c.connectWithReconnect(ctx, c.Connect, newDefaultBackoff(), resetThreshold)
}

func (c *Client) connectWithReconnect(ctx context.Context, connect connectFn, bo backoff.BackOff, threshold time.Duration) {
	for {
		start := time.Now()
		err := connect(ctx)
		if ctx.Err() != nil {
			return
		}

		// Another instance with our identity took the slot; backing off
		// and retrying would just evict it back. Everything else,
		// credential rejections included, retries: the operator may be
		// mid-rotation, and the agent should recover once the new secret
		// lands in its config.
		if websocket.CloseStatus(err) == protocol.CloseDuplicate {
			c.logger.Warn("evicted in favour of a newer connection, not retrying", "error", err)
			if c.OnEvicted != nil {
				c.OnEvicted()
			}
			return
		}

		if time.Since(start) >= threshold {
			bo.Reset()
		}

		interval := bo.NextBackOff()
		c.logger.Warn("disconnected from server, reconnecting...", "error", err, "backoff", interval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
