package broker

import (
	"context"
	"encoding/base64"
	"log/slog"
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
	"github.com/probehub/probehub/internal/server/hub"
	"github.com/probehub/probehub/internal/server/store"
)

// fakeTransport is the server-side view of a WebSocket: the test plays
// the peer by pushing to in and reading from out.
type fakeTransport struct {
	in  chan []byte
	out chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	mu     sync.Mutex
	code   websocket.StatusCode
	reason string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 256),
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

// replica bundles one server replica's moving parts around a shared
// store and directory.
type replica struct {
	id     string
	hub    *hub.Hub
	broker *Broker
}

func newReplica(t *testing.T, replicaID string, dir directory.Directory, st *store.Store) *replica {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	a := auth.New(st, []byte("k"), logger)
	h := hub.New(hub.Options{ReplicaID: replicaID, ServerVersion: "test"}, dir, st, a, logger)
	b := New(replicaID, h, dir, st, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = b.Run(ctx) }()

	return &replica{id: replicaID, hub: h, broker: b}
}

func newSharedStore(t *testing.T) *store.Store {
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
	require.NoError(t, st.CreateOperator(ctx, store.Operator{
		ID: "op2", Username: "other", PasswordHash: "x", CreatedAt: time.Now(),
	}))
	require.NoError(t, st.CreateAgent(ctx, store.Agent{
		ID: "a1", OwnerID: "op1", Secret: "s3cret", RegisteredAt: time.Now(),
	}))
	return st
}

// fakeAgent drives the agent side of a hub transport: it completes the
// handshake and answers terminal commands the way the real agent does.
type fakeAgent struct {
	tr  *fakeTransport
	seq atomic.Uint64

	// closeCmds receives the session ID of every close command the
	// responder sees, so tests can assert teardown without racing the
	// responder for transport frames.
	closeCmds chan string
}

func connectAgent(t *testing.T, r *replica, autoRespond bool) *fakeAgent {
	t.Helper()
	tr := newFakeTransport()
	go r.hub.Accept(context.Background(), tr)

	tr.send(t, protocol.MustNew(protocol.TypeHello, protocol.Hello{
		AgentID: "a1", Secret: "s3cret", AgentVersion: "1.0.0",
	}))
	tr.recv(t, protocol.TypeWelcome)

	fa := &fakeAgent{tr: tr, closeCmds: make(chan string, 4)}
	if autoRespond {
		go fa.respond(t)
	}
	return fa
}

// respond echoes every input chunk back as one output frame.
func (fa *fakeAgent) respond(t *testing.T) {
	for {
		select {
		case data := <-fa.tr.out:
			f, err := protocol.Unmarshal(data)
			if err != nil {
				continue
			}
			if f.Type != protocol.TypeTerminalCmd {
				continue
			}
			var cmd protocol.TerminalCommand
			if f.Decode(&cmd) != nil {
				continue
			}
			switch cmd.Command {
			case protocol.CmdInit:
				fa.tr.send(t, protocol.MustNew(protocol.TypeTerminalReady, protocol.TerminalReady{
					SessionID: cmd.SessionID,
				}))
			case protocol.CmdInput:
				fa.tr.send(t, protocol.MustNew(protocol.TypeTerminalOutput, protocol.TerminalOutput{
					SessionID: cmd.SessionID,
					Data:      cmd.Data,
					Seq:       fa.seq.Add(1),
				}))
			case protocol.CmdClose:
				fa.tr.send(t, protocol.MustNew(protocol.TypeTerminalClosed, protocol.TerminalClosed{
					SessionID: cmd.SessionID,
				}))
				fa.closeCmds <- cmd.SessionID
				return
			}
		case <-fa.tr.closed:
			return
		}
	}
}

// attachOperator starts a session and completes the operator init.
func attachOperator(t *testing.T, r *replica, operatorID string) *fakeTransport {
	t.Helper()
	op := newFakeTransport()
	go r.broker.Attach(context.Background(), op, operatorID, "a1")
	op.send(t, protocol.MustNew(protocol.TypeInit, protocol.OperatorInit{Cols: 120, Rows: 40}))
	return op
}

func TestLocalSessionEndToEnd(t *testing.T) {
	st := newSharedStore(t)
	dir := directory.NewMemory(time.Minute)
	t.Cleanup(func() { _ = dir.Close() })
	r := newReplica(t, "r1", dir, st)

	agent := connectAgent(t, r, true)
	op := attachOperator(t, r, "op1")

	op.send(t, protocol.MustNew(protocol.TypeInput, protocol.OperatorInput{Data: "ls\n"}))

	out := op.recv(t, protocol.TypeOutput)
	var payload protocol.OperatorOutput
	require.NoError(t, out.Decode(&payload))
	assert.Equal(t, "ls\n", payload.Output)

	// Operator walks away; the agent-side PTY must be told to die.
	op.Close(protocol.CloseNormal, "done")
	select {
	case <-agent.closeCmds:
	case <-time.After(2 * time.Second):
		t.Fatal("agent never received close command")
	}
}

func TestAttachRejectsNonOwner(t *testing.T) {
	st := newSharedStore(t)
	dir := directory.NewMemory(time.Minute)
	t.Cleanup(func() { _ = dir.Close() })
	r := newReplica(t, "r1", dir, st)
	connectAgent(t, r, true)

	op := newFakeTransport()
	go r.broker.Attach(context.Background(), op, "op2", "a1")
	assert.Equal(t, protocol.CloseUnauthorised, op.closeCode(t))
}

func TestAttachUnknownAgent(t *testing.T) {
	st := newSharedStore(t)
	dir := directory.NewMemory(time.Minute)
	t.Cleanup(func() { _ = dir.Close() })
	r := newReplica(t, "r1", dir, st)

	op := newFakeTransport()
	go r.broker.Attach(context.Background(), op, "op1", "ghost")
	assert.Equal(t, protocol.CloseUnauthorised, op.closeCode(t))
}

func TestAttachAgentOffline(t *testing.T) {
	st := newSharedStore(t)
	dir := directory.NewMemory(time.Minute)
	t.Cleanup(func() { _ = dir.Close() })
	r := newReplica(t, "r1", dir, st)

	op := attachOperator(t, r, "op1")
	assert.Equal(t, protocol.CloseAgentOffline, op.closeCode(t))
}

func TestAgentClosingSessionClosesOperator(t *testing.T) {
	st := newSharedStore(t)
	dir := directory.NewMemory(time.Minute)
	t.Cleanup(func() { _ = dir.Close() })
	r := newReplica(t, "r1", dir, st)

	// Scripted agent so the test owns the transport frames.
	agent := connectAgent(t, r, false)
	op := attachOperator(t, r, "op1")

	cmd := agent.tr.recv(t, protocol.TypeTerminalCmd)
	var c protocol.TerminalCommand
	require.NoError(t, cmd.Decode(&c))
	require.Equal(t, protocol.CmdInit, c.Command)
	agent.tr.send(t, protocol.MustNew(protocol.TypeTerminalReady, protocol.TerminalReady{SessionID: c.SessionID}))

	// PTY exits on its own.
	agent.tr.send(t, protocol.MustNew(protocol.TypeTerminalClosed, protocol.TerminalClosed{
		SessionID: c.SessionID,
	}))

	assert.Equal(t, protocol.CloseNormal, op.closeCode(t))
}

func TestAgentDisconnectClosesOperator(t *testing.T) {
	st := newSharedStore(t)
	dir := directory.NewMemory(time.Minute)
	t.Cleanup(func() { _ = dir.Close() })
	r := newReplica(t, "r1", dir, st)

	agent := connectAgent(t, r, true)
	op := attachOperator(t, r, "op1")

	op.send(t, protocol.MustNew(protocol.TypeInput, protocol.OperatorInput{Data: "x"}))
	op.recv(t, protocol.TypeOutput)

	agent.tr.Close(protocol.CloseNormal, "agent crash")
	assert.Equal(t, protocol.CloseAgentOffline, op.closeCode(t))
}

func TestOutputReorderedBeforeOperator(t *testing.T) {
	st := newSharedStore(t)
	dir := directory.NewMemory(time.Minute)
	t.Cleanup(func() { _ = dir.Close() })
	r := newReplica(t, "r1", dir, st)

	// Scripted agent: acks init, then emits output out of order.
	agent := connectAgent(t, r, false)
	op := attachOperator(t, r, "op1")

	cmd := agent.tr.recv(t, protocol.TypeTerminalCmd)
	var c protocol.TerminalCommand
	require.NoError(t, cmd.Decode(&c))
	require.Equal(t, protocol.CmdInit, c.Command)
	agent.tr.send(t, protocol.MustNew(protocol.TypeTerminalReady, protocol.TerminalReady{SessionID: c.SessionID}))

	enc := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }
	agent.tr.send(t, protocol.MustNew(protocol.TypeTerminalOutput, protocol.TerminalOutput{
		SessionID: c.SessionID, Data: enc("world"), Seq: 2,
	}))
	agent.tr.send(t, protocol.MustNew(protocol.TypeTerminalOutput, protocol.TerminalOutput{
		SessionID: c.SessionID, Data: enc("hello "), Seq: 1,
	}))

	var got string
	for len(got) < len("hello world") {
		out := op.recv(t, protocol.TypeOutput)
		var payload protocol.OperatorOutput
		require.NoError(t, out.Decode(&payload))
		got += payload.Output
	}
	assert.Equal(t, "hello world", got)
}

func TestCrossReplicaSession(t *testing.T) {
	st := newSharedStore(t)
	dir := directory.NewMemory(time.Minute)
	t.Cleanup(func() { _ = dir.Close() })

	operatorSide := newReplica(t, "r-op", dir, st)
	agentSide := newReplica(t, "r-agent", dir, st)

	connectAgent(t, agentSide, true)
	op := attachOperator(t, operatorSide, "op1")

	op.send(t, protocol.MustNew(protocol.TypeInput, protocol.OperatorInput{Data: "uptime\n"}))

	out := op.recv(t, protocol.TypeOutput)
	var payload protocol.OperatorOutput
	require.NoError(t, out.Decode(&payload))
	assert.Equal(t, "uptime\n", payload.Output)
}

func TestCrossReplicaAgentGone(t *testing.T) {
	st := newSharedStore(t)
	dir := directory.NewMemory(time.Minute)
	t.Cleanup(func() { _ = dir.Close() })

	operatorSide := newReplica(t, "r-op", dir, st)
	agentSide := newReplica(t, "r-agent", dir, st)

	agent := connectAgent(t, agentSide, true)
	op := attachOperator(t, operatorSide, "op1")

	op.send(t, protocol.MustNew(protocol.TypeInput, protocol.OperatorInput{Data: "x"}))
	op.recv(t, protocol.TypeOutput)

	agent.tr.Close(protocol.CloseNormal, "agent crash")
	assert.Equal(t, protocol.CloseAgentOffline, op.closeCode(t))
}

func TestCrossReplicaDuplicateConnect(t *testing.T) {
	st := newSharedStore(t)
	dir := directory.NewMemory(time.Minute)
	t.Cleanup(func() { _ = dir.Close() })

	first := newReplica(t, "r-a", dir, st)
	second := newReplica(t, "r-b", dir, st)

	old := connectAgent(t, first, false)
	neu := connectAgent(t, second, false)
	defer neu.tr.Close(protocol.CloseNormal, "")

	// The replacement connection waits out the old transport's
	// eviction, so the old side is told to go away before the new one
	// is welcomed.
	assert.Equal(t, protocol.CloseDuplicate, old.tr.closeCode(t))

	require.Eventually(t, func() bool {
		entry, err := dir.Lookup(context.Background(), "a1")
		return err == nil && entry.ReplicaID == "r-b"
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, second.hub.IsLocal("a1"))
	assert.False(t, first.hub.IsLocal("a1"))

	// Presence stays with the winner.
	neu.tr.send(t, protocol.MustNew(protocol.TypeHeartbeat, protocol.Heartbeat{Status: "alive"}))
	neu.tr.recv(t, protocol.TypeHeartbeatAck)
	entry, err := dir.Lookup(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "r-b", entry.ReplicaID)
}

func TestEvictReachesRemoteReplica(t *testing.T) {
	st := newSharedStore(t)
	dir := directory.NewMemory(time.Minute)
	t.Cleanup(func() { _ = dir.Close() })

	apiSide := newReplica(t, "r-api", dir, st)
	agentSide := newReplica(t, "r-agent", dir, st)

	agent := connectAgent(t, agentSide, false)

	// Deleting or rotating an agent on one replica must drop its live
	// transport even when the transport lives elsewhere.
	apiSide.hub.Evict(context.Background(), "a1", "agent deleted")
	assert.Equal(t, protocol.CloseDuplicate, agent.tr.closeCode(t))
}
