package hub

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probehub/probehub/internal/protocol"
	"github.com/probehub/probehub/internal/server/auth"
	"github.com/probehub/probehub/internal/server/directory"
	"github.com/probehub/probehub/internal/server/store"
)

// fakeTransport is an in-memory Transport the tests drive from the
// "agent" side.
type fakeTransport struct {
	in  chan []byte
	out chan []byte

	stallWrites atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}

	mu     sync.Mutex
	code   websocket.StatusCode
	reason string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.in:
		return data, nil
	case <-t.closed:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) WriteFrame(ctx context.Context, data []byte) error {
	if t.stallWrites.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closed:
			return context.Canceled
		}
	}
	select {
	case t.out <- data:
		return nil
	case <-t.closed:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *fakeTransport) Close(code websocket.StatusCode, reason string) error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.code, t.reason = code, reason
		t.mu.Unlock()
		close(t.closed)
	})
	return nil
}

func (t *fakeTransport) closeCode(tt *testing.T) websocket.StatusCode {
	tt.Helper()
	select {
	case <-t.closed:
	case <-time.After(2 * time.Second):
		tt.Fatal("transport not closed")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.code
}

// send marshals and delivers a frame as if the agent wrote it.
func (t *fakeTransport) send(tt *testing.T, f protocol.Frame) {
	tt.Helper()
	data, err := f.Marshal()
	require.NoError(tt, err)
	select {
	case t.in <- data:
	case <-time.After(time.Second):
		tt.Fatal("send blocked")
	}
}

// recv waits for the next server frame of the given type, skipping
// others.
func (t *fakeTransport) recv(tt *testing.T, frameType string) protocol.Frame {
	tt.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-t.out:
			f, err := protocol.Unmarshal(data)
			require.NoError(tt, err)
			if f.Type == frameType {
				return f
			}
		case <-deadline:
			tt.Fatalf("no %s frame received", frameType)
		}
	}
}

type recordingRouter struct {
	mu      sync.Mutex
	ready   []string
	output  []protocol.TerminalOutput
	errors  []protocol.TerminalError
	closedS []string
	gone    []string
}

func (r *recordingRouter) TerminalReady(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = append(r.ready, sessionID)
}

func (r *recordingRouter) TerminalOutput(sessionID, data string, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output = append(r.output, protocol.TerminalOutput{SessionID: sessionID, Data: data, Seq: seq})
}

func (r *recordingRouter) TerminalError(sessionID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, protocol.TerminalError{SessionID: sessionID, Reason: reason})
}

func (r *recordingRouter) TerminalClosed(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closedS = append(r.closedS, sessionID)
}

func (r *recordingRouter) AgentGone(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gone = append(r.gone, agentID)
}

type rig struct {
	hub    *Hub
	dir    directory.Directory
	store  *store.Store
	router *recordingRouter
}

func newRig(t *testing.T) *rig {
	t.Helper()
	dir := directory.NewMemory(time.Minute)
	t.Cleanup(func() { _ = dir.Close() })
	return newRigWithDir(t, dir)
}

func newRigWithDir(t *testing.T, dir directory.Directory) *rig {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(db))
	st := store.New(db)

	ctx := context.Background()
	require.NoError(t, st.CreateOperator(ctx, store.Operator{
		ID: "op1", Username: "admin", PasswordHash: "x", CreatedAt: time.Now(),
	}))
	require.NoError(t, st.CreateAgent(ctx, store.Agent{
		ID: "a1", OwnerID: "op1", Secret: "s3cret", RegisteredAt: time.Now(),
	}))

	logger := slog.New(slog.DiscardHandler)
	a := auth.New(st, []byte("k"), logger)
	router := &recordingRouter{}
	h := New(Options{ReplicaID: "r1", ServerVersion: "test"}, dir, st, a, logger)
	h.SetRouter(router)
	return &rig{hub: h, dir: dir, store: st, router: router}
}

// connect runs Accept in the background and completes the handshake.
func (r *rig) connect(t *testing.T) *fakeTransport {
	t.Helper()
	tr := newFakeTransport()
	go r.hub.Accept(context.Background(), tr)

	tr.send(t, protocol.MustNew(protocol.TypeHello, protocol.Hello{
		AgentID: "a1", Secret: "s3cret", AgentVersion: "1.0.0",
	}))
	welcome := tr.recv(t, protocol.TypeWelcome)
	var w protocol.Welcome
	require.NoError(t, welcome.Decode(&w))
	require.Equal(t, "test", w.ServerVersion)
	require.Equal(t, 15, w.HeartbeatIntervalS)
	return tr
}

func TestHandshakeRegistersPresence(t *testing.T) {
	r := newRig(t)
	tr := r.connect(t)
	defer tr.Close(protocol.CloseNormal, "")

	assert.True(t, r.hub.IsLocal("a1"))

	entry, err := r.dir.Lookup(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "r1", entry.ReplicaID)

	a, err := r.store.GetAgent(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", a.AgentVersion)
	assert.False(t, a.LastConnectedAt.IsZero())
}

func TestHandshakeRejectsBadSecret(t *testing.T) {
	r := newRig(t)
	tr := newFakeTransport()
	go r.hub.Accept(context.Background(), tr)

	tr.send(t, protocol.MustNew(protocol.TypeHello, protocol.Hello{
		AgentID: "a1", Secret: "wrong",
	}))

	errFrame := tr.recv(t, protocol.TypeError)
	var e protocol.Error
	require.NoError(t, errFrame.Decode(&e))
	assert.Equal(t, protocol.CodeAuth, e.Code)
	assert.Equal(t, protocol.CloseAuth, tr.closeCode(t))
	assert.False(t, r.hub.IsLocal("a1"))
}

func TestHandshakeRejectsNonHelloFirstFrame(t *testing.T) {
	r := newRig(t)
	tr := newFakeTransport()
	go r.hub.Accept(context.Background(), tr)

	tr.send(t, protocol.MustNew(protocol.TypeHeartbeat, protocol.Heartbeat{Status: "alive"}))
	assert.Equal(t, protocol.CloseAuth, tr.closeCode(t))
}

func TestHandshakeRejectsStaleTimestamp(t *testing.T) {
	r := newRig(t)
	tr := newFakeTransport()
	go r.hub.Accept(context.Background(), tr)

	hello := protocol.MustNew(protocol.TypeHello, protocol.Hello{AgentID: "a1", Secret: "s3cret"})
	hello.Timestamp = time.Now().Add(-10 * time.Minute).Unix()
	tr.send(t, hello)
	assert.Equal(t, protocol.CloseAuth, tr.closeCode(t))
}

func TestHeartbeatAcked(t *testing.T) {
	r := newRig(t)
	tr := r.connect(t)
	defer tr.Close(protocol.CloseNormal, "")

	tr.send(t, protocol.MustNew(protocol.TypeHeartbeat, protocol.Heartbeat{
		Status: "alive", UptimeS: 120,
	}))
	ack := tr.recv(t, protocol.TypeHeartbeatAck)
	var a protocol.HeartbeatAck
	require.NoError(t, ack.Decode(&a))
	assert.InDelta(t, time.Now().Unix(), a.ServerTimeS, 5)
}

func TestInventoryStoredAndAcked(t *testing.T) {
	r := newRig(t)
	tr := r.connect(t)
	defer tr.Close(protocol.CloseNormal, "")

	tr.send(t, protocol.MustNew(protocol.TypeInventory, protocol.Inventory{
		Hostname: "box", OS: "linux", CPUCount: 4, CollectedAt: time.Now().Unix(),
	}))
	ack := tr.recv(t, protocol.TypeInventoryAck)
	var a protocol.InventoryAck
	require.NoError(t, ack.Decode(&a))
	assert.True(t, a.Received)
	assert.True(t, a.Changed)

	inv, err := r.store.GetLatestInventory(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "box", inv.Hostname)
}

func TestInventoryHostnameSanitised(t *testing.T) {
	r := newRig(t)
	tr := r.connect(t)
	defer tr.Close(protocol.CloseNormal, "")

	tr.send(t, protocol.MustNew(protocol.TypeInventory, protocol.Inventory{
		Hostname: "box\x1b[31m\x07", OS: "linux", CollectedAt: time.Now().Unix(),
	}))
	tr.recv(t, protocol.TypeInventoryAck)

	inv, err := r.store.GetLatestInventory(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "box[31m", inv.Hostname)
}

func TestMalformedInventoryKeepsTransportUp(t *testing.T) {
	r := newRig(t)
	tr := r.connect(t)
	defer tr.Close(protocol.CloseNormal, "")

	tr.send(t, protocol.Frame{
		Type: protocol.TypeInventory, Data: []byte(`"not an object"`),
		Timestamp: time.Now().Unix(),
	})
	errFrame := tr.recv(t, protocol.TypeError)
	var e protocol.Error
	require.NoError(t, errFrame.Decode(&e))
	assert.Equal(t, protocol.CodeInvalidMessage, e.Code)

	// The connection survives and still answers heartbeats.
	tr.send(t, protocol.MustNew(protocol.TypeHeartbeat, protocol.Heartbeat{Status: "alive"}))
	tr.recv(t, protocol.TypeHeartbeatAck)
}

func TestOversizeInventoryKeepsTransportUp(t *testing.T) {
	r := newRig(t)
	tr := r.connect(t)
	defer tr.Close(protocol.CloseNormal, "")

	// Twice the payload cap. The agent gets a typed error, not a dead
	// socket.
	big := []byte(`{"hostname":"` + strings.Repeat("x", 2*protocol.MaxFrameBytes) + `"}`)
	tr.send(t, protocol.Frame{
		Type: protocol.TypeInventory, Data: big,
		Timestamp: time.Now().Unix(),
	})

	errFrame := tr.recv(t, protocol.TypeError)
	var e protocol.Error
	require.NoError(t, errFrame.Decode(&e))
	assert.Equal(t, protocol.CodeInvalidMessage, e.Code)

	tr.send(t, protocol.MustNew(protocol.TypeHeartbeat, protocol.Heartbeat{Status: "alive"}))
	tr.recv(t, protocol.TypeHeartbeatAck)

	_, err := r.store.GetLatestInventory(context.Background(), "a1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStaleInventoryNotAcknowledged(t *testing.T) {
	r := newRig(t)
	tr := r.connect(t)
	defer tr.Close(protocol.CloseNormal, "")

	now := time.Now().Unix()
	tr.send(t, protocol.MustNew(protocol.TypeInventory, protocol.Inventory{
		Hostname: "box", OS: "linux", CollectedAt: now,
	}))
	tr.recv(t, protocol.TypeInventoryAck)

	// An out-of-order snapshot must not be reported as received.
	tr.send(t, protocol.MustNew(protocol.TypeInventory, protocol.Inventory{
		Hostname: "old-box", OS: "linux", CollectedAt: now - 600,
	}))
	ack := tr.recv(t, protocol.TypeInventoryAck)
	var a protocol.InventoryAck
	require.NoError(t, ack.Decode(&a))
	assert.False(t, a.Received)

	inv, err := r.store.GetLatestInventory(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "box", inv.Hostname)
}

func TestSkewedFrameClosesTransport(t *testing.T) {
	r := newRig(t)
	tr := r.connect(t)

	hb := protocol.MustNew(protocol.TypeHeartbeat, protocol.Heartbeat{Status: "alive"})
	hb.Timestamp = time.Now().Add(-10 * time.Minute).Unix()
	tr.send(t, hb)

	errFrame := tr.recv(t, protocol.TypeError)
	var e protocol.Error
	require.NoError(t, errFrame.Decode(&e))
	assert.Equal(t, protocol.CodeInvalidMessage, e.Code)
	assert.Equal(t, protocol.CloseProtocol, tr.closeCode(t))
}

// flakyDirectory fails Register on demand, standing in for a presence
// backend outage.
type flakyDirectory struct {
	directory.Directory
	registerFails atomic.Bool
}

func (d *flakyDirectory) Register(ctx context.Context, agentID, replicaID string, now time.Time) error {
	if d.registerFails.Load() {
		return directory.ErrUnavailable
	}
	return d.Directory.Register(ctx, agentID, replicaID, now)
}

func TestDirectoryOutageRejectsNewConnections(t *testing.T) {
	mem := directory.NewMemory(time.Minute)
	t.Cleanup(func() { _ = mem.Close() })
	dir := &flakyDirectory{Directory: mem}
	r := newRigWithDir(t, dir)

	require.NoError(t, r.store.CreateAgent(context.Background(), store.Agent{
		ID: "a2", OwnerID: "op1", Secret: "s3cret2", RegisteredAt: time.Now(),
	}))

	established := r.connect(t)
	defer established.Close(protocol.CloseNormal, "")

	dir.registerFails.Store(true)

	late := newFakeTransport()
	go r.hub.Accept(context.Background(), late)
	late.send(t, protocol.MustNew(protocol.TypeHello, protocol.Hello{
		AgentID: "a2", Secret: "s3cret2",
	}))

	errFrame := late.recv(t, protocol.TypeError)
	var e protocol.Error
	require.NoError(t, errFrame.Decode(&e))
	assert.Equal(t, protocol.CodeUnavailable, e.Code)
	assert.Equal(t, protocol.CloseUnavailable, late.closeCode(t))
	assert.False(t, r.hub.IsLocal("a2"))

	// Agents connected before the outage keep their transports.
	established.send(t, protocol.MustNew(protocol.TypeHeartbeat, protocol.Heartbeat{Status: "alive"}))
	established.recv(t, protocol.TypeHeartbeatAck)
}

func TestDuplicateConnectionEvictsOld(t *testing.T) {
	r := newRig(t)
	old := r.connect(t)
	neu := r.connect(t)
	defer neu.Close(protocol.CloseNormal, "")

	assert.Equal(t, protocol.CloseDuplicate, old.closeCode(t))

	// The new transport is the registered one: heartbeats on it work.
	neu.send(t, protocol.MustNew(protocol.TypeHeartbeat, protocol.Heartbeat{Status: "alive"}))
	neu.recv(t, protocol.TypeHeartbeatAck)
	assert.True(t, r.hub.IsLocal("a1"))
}

func TestTerminalFramesReachRouter(t *testing.T) {
	r := newRig(t)
	tr := r.connect(t)
	defer tr.Close(protocol.CloseNormal, "")

	tr.send(t, protocol.MustNew(protocol.TypeTerminalReady, protocol.TerminalReady{SessionID: "s1"}))
	tr.send(t, protocol.MustNew(protocol.TypeTerminalOutput, protocol.TerminalOutput{
		SessionID: "s1", Data: "aGk=", Seq: 1,
	}))
	tr.send(t, protocol.MustNew(protocol.TypeTerminalClosed, protocol.TerminalClosed{SessionID: "s1"}))

	require.Eventually(t, func() bool {
		r.router.mu.Lock()
		defer r.router.mu.Unlock()
		return len(r.router.ready) == 1 && len(r.router.output) == 1 && len(r.router.closedS) == 1
	}, 2*time.Second, 10*time.Millisecond)

	r.router.mu.Lock()
	defer r.router.mu.Unlock()
	assert.Equal(t, "s1", r.router.ready[0])
	assert.Equal(t, uint64(1), r.router.output[0].Seq)
}

func TestSendToUnknownAgent(t *testing.T) {
	r := newRig(t)
	err := r.hub.Send("ghost", protocol.MustNew(protocol.TypeError, protocol.Error{}))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDisconnectDeregistersAndNotifiesRouter(t *testing.T) {
	r := newRig(t)
	tr := r.connect(t)

	tr.Close(protocol.CloseNormal, "agent going away")

	require.Eventually(t, func() bool {
		return !r.hub.IsLocal("a1")
	}, 2*time.Second, 10*time.Millisecond)

	_, err := r.dir.Lookup(context.Background(), "a1")
	assert.ErrorIs(t, err, directory.ErrNotFound)

	require.Eventually(t, func() bool {
		r.router.mu.Lock()
		defer r.router.mu.Unlock()
		return len(r.router.gone) == 1 && r.router.gone[0] == "a1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownClosesConnections(t *testing.T) {
	r := newRig(t)
	tr := r.connect(t)

	r.hub.Shutdown(context.Background())
	assert.Equal(t, protocol.CloseShutdown, tr.closeCode(t))

	// New transports are turned away during shutdown.
	late := newFakeTransport()
	r.hub.Accept(context.Background(), late)
	assert.Equal(t, protocol.CloseShutdown, late.closeCode(t))
}

func TestSendQueueOverflowClosesTransport(t *testing.T) {
	r := newRig(t)
	tr := r.connect(t)
	tr.stallWrites.Store(true)
	conn := r.hub.Get("a1")
	require.NotNil(t, conn)

	// With the writer wedged, the bounded queue must fill and the hub
	// must give up on the transport rather than buffer forever.
	var overflowed bool
	for i := 0; i < 3*sendQueueSize; i++ {
		err := r.hub.Send("a1", protocol.MustNew(protocol.TypeTerminalCmd, protocol.TerminalCommand{
			SessionID: "s1", Command: protocol.CmdInput, Data: "eA==",
		}))
		if err != nil {
			assert.ErrorIs(t, err, ErrQueueFull)
			overflowed = true
			break
		}
	}
	require.True(t, overflowed, "queue never overflowed")

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not closed after overflow")
	}
	assert.Equal(t, protocol.CloseBackpressure, conn.closeCode)
}
