package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/probehub/probehub/internal/metrics"
	"github.com/probehub/probehub/internal/protocol"
)

const (
	sendQueueSize = 64
	writeTimeout  = 10 * time.Second
)

var (
	// ErrQueueFull means the connection's send queue is saturated. The
	// hub closes such connections rather than buffering unboundedly.
	ErrQueueFull = errors.New("send queue full")

	// ErrConnClosed means the connection is gone.
	ErrConnClosed = errors.New("connection closed")
)

// Transport is the wire under a Conn. Production uses a WebSocket;
// tests substitute an in-memory pair.
type Transport interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Conn is one agent's live transport. All outbound frames go through a
// bounded queue drained by a single writer goroutine, so any goroutine
// may call Send without interleaving writes.
type Conn struct {
	AgentID string
	OwnerID string

	transport Transport

	sendCh chan protocol.Frame
	closed chan struct{}

	closeOnce   sync.Once
	closeCode   websocket.StatusCode
	closeReason string

	lastHeartbeat atomic.Int64 // unix seconds
}

func newConn(agentID, ownerID string, t Transport) *Conn {
	c := &Conn{
		AgentID:   agentID,
		OwnerID:   ownerID,
		transport: t,
		sendCh:    make(chan protocol.Frame, sendQueueSize),
		closed:    make(chan struct{}),
	}
	c.lastHeartbeat.Store(time.Now().Unix())
	return c
}

// Send queues a frame for delivery. It never blocks: a full queue
// returns ErrQueueFull and the caller decides whether that is fatal.
func (c *Conn) Send(f protocol.Frame) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.sendCh <- f:
		return nil
	case <-c.closed:
		return ErrConnClosed
	default:
		return ErrQueueFull
	}
}

// Close shuts the connection down with the given close code. The first
// caller wins; later calls are no-ops.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.closed)
	})
}

// Done is closed when the connection has been told to shut down.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// writeLoop drains the send queue onto the transport. It owns the
// transport's write side; when the connection closes it performs the
// WebSocket close handshake with the recorded code.
func (c *Conn) writeLoop() {
	defer func() {
		_ = c.transport.Close(c.closeCode, c.closeReason)
	}()
	for {
		select {
		case f := <-c.sendCh:
			data, err := f.Marshal()
			if err != nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err = c.transport.WriteFrame(ctx, data)
			cancel()
			if err != nil {
				c.Close(protocol.CloseInternal, "write failed")
				return
			}
			metrics.FramesTotal.WithLabelValues(f.Type, "out").Inc()
		case <-c.closed:
			c.flushPending()
			return
		}
	}
}

// flushPending writes out frames already queued when Close was called,
// so a final error frame reaches the agent before the close handshake.
func (c *Conn) flushPending() {
	for {
		select {
		case f := <-c.sendCh:
			data, err := f.Marshal()
			if err != nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err = c.transport.WriteFrame(ctx, data)
			cancel()
			if err != nil {
				return
			}
			metrics.FramesTotal.WithLabelValues(f.Type, "out").Inc()
		default:
			return
		}
	}
}
