package hub

import (
	"context"

	"github.com/coder/websocket"

	"github.com/probehub/probehub/internal/protocol"
)

// wsTransport adapts a coder/websocket connection to the Transport
// interface.
type wsTransport struct {
	c *websocket.Conn
}

// NewWebsocketTransport wraps an accepted WebSocket. The read limit
// sits above the protocol frame cap (payload plus envelope and base64
// overhead) so over-budget frames still arrive intact and get a typed
// error instead of a dead socket.
func NewWebsocketTransport(c *websocket.Conn) Transport {
	c.SetReadLimit(2*protocol.MaxFrameBytes + 4096)
	return &wsTransport{c: c}
}

func (t *wsTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	_, data, err := t.c.Read(ctx)
	return data, err
}

func (t *wsTransport) WriteFrame(ctx context.Context, data []byte) error {
	return t.c.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(code websocket.StatusCode, reason string) error {
	return t.c.Close(code, reason)
}
