// Package hub owns the server side of agent transports: handshake,
// the connection registry, heartbeat supervision, inventory intake,
// and routing of terminal frames between agents and the session
// broker.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/probehub/probehub/internal/metrics"
	"github.com/probehub/probehub/internal/protocol"
	"github.com/probehub/probehub/internal/server/auth"
	"github.com/probehub/probehub/internal/server/directory"
	"github.com/probehub/probehub/internal/server/store"
	"github.com/probehub/probehub/internal/util/sanitize"
)

const (
	// HeartbeatInterval is what the welcome frame tells agents.
	HeartbeatInterval = 15 * time.Second

	// PresenceTTL arms the directory entry; three missed heartbeats
	// expire it.
	PresenceTTL = 45 * time.Second

	// heartbeatMissAfter is how long a silent agent survives before the
	// supervisor closes its transport.
	heartbeatMissAfter  = 35 * time.Second
	heartbeatCheckEvery = 5 * time.Second

	handshakeTimeout = 10 * time.Second

	// DrainTimeout bounds how long shutdown waits for close handshakes.
	DrainTimeout = 10 * time.Second
)

// ErrNotConnected means the agent has no live transport on this
// replica.
var ErrNotConnected = errors.New("agent not connected here")

// SessionRouter receives terminal frames arriving from agents. The
// broker implements it; the indirection keeps hub free of session
// bookkeeping.
type SessionRouter interface {
	TerminalReady(sessionID string)
	TerminalOutput(sessionID string, data string, seq uint64)
	TerminalError(sessionID, reason string)
	TerminalClosed(sessionID string)

	// AgentGone tears down every session bound to a disconnected agent.
	AgentGone(agentID string)
}

// Options carries the knobs the server config feeds into the hub.
type Options struct {
	ReplicaID         string
	ServerVersion     string
	HeartbeatInterval time.Duration
	InventoryInterval time.Duration
}

func (o *Options) withDefaults() {
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = HeartbeatInterval
	}
	if o.InventoryInterval == 0 {
		o.InventoryInterval = time.Hour
	}
}

// Hub tracks connected agents on this replica. Thread-safe.
type Hub struct {
	opts   Options
	dir    directory.Directory
	store  *store.Store
	auth   *auth.Authenticator
	logger *slog.Logger

	mu     sync.RWMutex
	conns  map[string]*Conn // agentID -> Conn
	closed bool

	// claimMu guards claims; each per-agent mutex serialises concurrent
	// connects for that agent so the latest connection wins cleanly.
	claimMu sync.Mutex
	claims  map[string]*sync.Mutex

	routerMu sync.RWMutex
	router   SessionRouter
}

func New(opts Options, dir directory.Directory, st *store.Store, a *auth.Authenticator, logger *slog.Logger) *Hub {
	opts.withDefaults()
	return &Hub{
		opts:   opts,
		dir:    dir,
		store:  st,
		auth:   a,
		logger: logger,
		conns:  make(map[string]*Conn),
		claims: make(map[string]*sync.Mutex),
	}
}

// SetRouter wires the session broker in after construction.
func (h *Hub) SetRouter(r SessionRouter) {
	h.routerMu.Lock()
	h.router = r
	h.routerMu.Unlock()
}

func (h *Hub) sessionRouter() SessionRouter {
	h.routerMu.RLock()
	defer h.routerMu.RUnlock()
	return h.router
}

// Get returns the agent's connection, or nil.
func (h *Hub) Get(agentID string) *Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[agentID]
}

// IsLocal reports whether the agent's transport lives on this replica.
func (h *Hub) IsLocal(agentID string) bool {
	return h.Get(agentID) != nil
}

// Send queues a frame to a locally connected agent. A full queue is
// fatal for the transport: the agent is not draining, so the hub
// closes it rather than fall behind.
func (h *Hub) Send(agentID string, f protocol.Frame) error {
	conn := h.Get(agentID)
	if conn == nil {
		return ErrNotConnected
	}
	err := conn.Send(f)
	if errors.Is(err, ErrQueueFull) {
		conn.Close(protocol.CloseBackpressure, "send queue overflow")
		metrics.TransportCloses.WithLabelValues("backpressure").Inc()
	}
	return err
}

// EvictLocal closes a locally held transport, typically because the
// agent reconnected elsewhere.
func (h *Hub) EvictLocal(agentID, reason string) {
	if conn := h.Get(agentID); conn != nil {
		conn.Close(protocol.CloseDuplicate, reason)
		metrics.TransportCloses.WithLabelValues("duplicate").Inc()
	}
}

// Evict closes the agent's transport wherever in the fleet it lives:
// locally, or via the inbox of the replica the directory names.
func (h *Hub) Evict(ctx context.Context, agentID, reason string) {
	h.EvictLocal(agentID, reason)

	entry, err := h.dir.Lookup(ctx, agentID)
	if err != nil || entry.ReplicaID == h.opts.ReplicaID {
		return
	}
	if err := h.dir.Deliver(ctx, entry.ReplicaID, directory.Envelope{
		Kind:    directory.KindEvict,
		AgentID: agentID,
		Reason:  reason,
	}); err != nil && !errors.Is(err, directory.ErrNoSuchReplica) {
		h.logger.Warn("evict delivery failed", "agent_id", agentID, "error", err)
	}
}

// Accept runs one agent connection to completion: handshake, register,
// read loop, cleanup. It blocks until the transport is done.
func (h *Hub) Accept(ctx context.Context, t Transport) {
	h.mu.RLock()
	closing := h.closed
	h.mu.RUnlock()
	if closing {
		_ = t.Close(protocol.CloseShutdown, "server shutting down")
		return
	}

	conn, err := h.handshake(ctx, t)
	if err != nil {
		h.logger.Debug("agent handshake failed", "error", err)
		return
	}
	log := h.logger.With("agent_id", conn.AgentID)

	if err := h.claim(ctx, conn); err != nil {
		log.Warn("agent connection rejected", "error", err)
		h.rejectUnavailable(ctx, t)
		return
	}
	defer h.cleanup(ctx, conn, log)

	go conn.writeLoop()
	go h.superviseHeartbeats(conn)

	welcome := protocol.MustNew(protocol.TypeWelcome, protocol.Welcome{
		ServerVersion:      h.opts.ServerVersion,
		HeartbeatIntervalS: int(h.opts.HeartbeatInterval / time.Second),
		InventoryIntervalS: int(h.opts.InventoryInterval / time.Second),
	})
	if err := conn.Send(welcome); err != nil {
		return
	}

	log.Info("agent connected")
	h.readLoop(ctx, conn, log)
}

// handshake reads and validates the hello frame. On failure it closes
// the transport itself and returns an error.
func (h *Hub) handshake(ctx context.Context, t Transport) (*Conn, error) {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	raw, err := t.ReadFrame(hsCtx)
	if err != nil {
		_ = t.Close(protocol.CloseAuth, "handshake timeout")
		return nil, err
	}
	frame, err := protocol.Unmarshal(raw)
	if err != nil || frame.Type != protocol.TypeHello {
		_ = t.Close(protocol.CloseAuth, "expected hello")
		return nil, errors.New("first frame was not hello")
	}
	if err := frame.CheckTimestamp(time.Now()); err != nil {
		_ = t.Close(protocol.CloseAuth, "clock skew")
		return nil, err
	}
	var hello protocol.Hello
	if err := frame.Decode(&hello); err != nil {
		_ = t.Close(protocol.CloseAuth, "malformed hello")
		return nil, err
	}

	agent, err := h.auth.VerifyAgent(ctx, hello.AgentID, hello.Secret)
	if err != nil {
		h.rejectHandshake(ctx, t)
		metrics.TransportCloses.WithLabelValues("auth").Inc()
		return nil, err
	}

	if err := h.store.UpdateAgentOnConnect(ctx, agent.ID, hello.AgentVersion, time.Now()); err != nil {
		h.logger.Warn("record agent connect failed", "agent_id", agent.ID, "error", err)
	}

	return newConn(agent.ID, agent.OwnerID, t), nil
}

// rejectHandshake sends a typed error frame before the auth close so
// the agent can tell bad credentials from a flaky network.
func (h *Hub) rejectHandshake(ctx context.Context, t Transport) {
	frame := protocol.MustNew(protocol.TypeError, protocol.Error{
		Code:    protocol.CodeAuth,
		Message: "authentication failed",
	})
	if data, err := frame.Marshal(); err == nil {
		wCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		_ = t.WriteFrame(wCtx, data)
		cancel()
	}
	_ = t.Close(protocol.CloseAuth, "authentication failed")
}

// claim takes the agent's fleet-wide connection slot: it evicts any
// predecessor (waiting out a remote one), registers presence, and adds
// the connection to the local registry. Concurrent connects for one
// agent run through here one at a time, so the latest wins.
func (h *Hub) claim(ctx context.Context, conn *Conn) error {
	lock := h.connectLock(conn.AgentID)
	lock.Lock()
	defer lock.Unlock()

	// Only one transport per agent fleet-wide: evict a local
	// predecessor directly, a remote one via its replica's inbox.
	if h.IsLocal(conn.AgentID) {
		h.EvictLocal(conn.AgentID, "superseded by new connection")
	} else if entry, err := h.dir.Lookup(ctx, conn.AgentID); err == nil && entry.ReplicaID != h.opts.ReplicaID {
		h.evictRemote(ctx, conn.AgentID, entry.ReplicaID)
	}

	if err := h.dir.Register(ctx, conn.AgentID, h.opts.ReplicaID, time.Now()); err != nil {
		return err
	}

	h.mu.Lock()
	h.conns[conn.AgentID] = conn
	h.mu.Unlock()
	metrics.ConnectedAgents.Inc()
	return nil
}

// evictRemote asks the replica holding the agent's old transport to
// drop it, then waits until the presence entry is gone, moves off that
// replica, or its TTL lapses.
func (h *Hub) evictRemote(ctx context.Context, agentID, replicaID string) {
	err := h.dir.Deliver(ctx, replicaID, directory.Envelope{
		Kind:    directory.KindEvict,
		AgentID: agentID,
		Reason:  "superseded by new connection",
	})
	if errors.Is(err, directory.ErrNoSuchReplica) {
		return // replica is gone, nothing to wait for
	}
	if err != nil {
		h.logger.Warn("evict delivery failed", "agent_id", agentID, "error", err)
	}

	deadline := time.Now().Add(PresenceTTL)
	for time.Now().Before(deadline) {
		entry, err := h.dir.Lookup(ctx, agentID)
		if err != nil || entry.ReplicaID != replicaID {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (h *Hub) connectLock(agentID string) *sync.Mutex {
	h.claimMu.Lock()
	defer h.claimMu.Unlock()
	lock, ok := h.claims[agentID]
	if !ok {
		lock = &sync.Mutex{}
		h.claims[agentID] = lock
	}
	return lock
}

// rejectUnavailable refuses a connection the hub cannot register, for
// example when the presence directory is unreachable. Agents already
// connected keep their transports; new ones are turned away.
func (h *Hub) rejectUnavailable(ctx context.Context, t Transport) {
	frame := protocol.MustNew(protocol.TypeError, protocol.Error{
		Code:    protocol.CodeUnavailable,
		Message: "server cannot accept connections right now",
	})
	if data, err := frame.Marshal(); err == nil {
		wCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		_ = t.WriteFrame(wCtx, data)
		cancel()
	}
	_ = t.Close(protocol.CloseUnavailable, "unavailable")
	metrics.TransportCloses.WithLabelValues("unavailable").Inc()
}

// cleanup runs when the read loop exits. The identity check prevents a
// stale connection's teardown from removing its replacement.
func (h *Hub) cleanup(ctx context.Context, conn *Conn, log *slog.Logger) {
	conn.Close(protocol.CloseNormal, "")

	h.mu.Lock()
	current := h.conns[conn.AgentID] == conn
	if current {
		delete(h.conns, conn.AgentID)
	}
	h.mu.Unlock()

	if !current {
		return
	}
	metrics.ConnectedAgents.Dec()

	if err := h.dir.Deregister(ctx, conn.AgentID, h.opts.ReplicaID); err != nil {
		log.Warn("presence deregister failed", "error", err)
	}
	if r := h.sessionRouter(); r != nil {
		r.AgentGone(conn.AgentID)
	}
	log.Info("agent disconnected")
}

func (h *Hub) superviseHeartbeats(conn *Conn) {
	ticker := time.NewTicker(heartbeatCheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			last := time.Unix(conn.lastHeartbeat.Load(), 0)
			if time.Since(last) > heartbeatMissAfter {
				conn.Close(protocol.CloseStalled, "heartbeat missed")
				metrics.TransportCloses.WithLabelValues("stalled").Inc()
				return
			}
		case <-conn.Done():
			return
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, conn *Conn, log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in agent read loop", "panic", r)
			conn.Close(protocol.CloseInternal, "internal error")
		}
	}()

	for {
		select {
		case <-conn.Done():
			return
		default:
		}

		raw, err := conn.transport.ReadFrame(ctx)
		if err != nil {
			return
		}
		frame, err := protocol.Unmarshal(raw)
		if err != nil {
			h.sendError(conn, protocol.CodeInvalidMessage, "unparseable frame")
			continue
		}
		metrics.FramesTotal.WithLabelValues(frame.Type, "in").Inc()
		if err := frame.CheckTimestamp(time.Now()); err != nil {
			// A skewed clock poisons every subsequent frame; tell the
			// agent why and drop the transport.
			h.sendError(conn, protocol.CodeInvalidMessage, err.Error())
			conn.Close(protocol.CloseProtocol, "timestamp outside tolerance")
			metrics.TransportCloses.WithLabelValues("protocol").Inc()
			return
		}

		h.dispatch(ctx, conn, frame, log)
	}
}

func (h *Hub) dispatch(ctx context.Context, conn *Conn, frame protocol.Frame, log *slog.Logger) {
	switch frame.Type {
	case protocol.TypeHeartbeat:
		h.handleHeartbeat(ctx, conn, frame, log)
	case protocol.TypeInventory:
		h.handleInventory(ctx, conn, frame, log)
	case protocol.TypeTerminalReady:
		var p protocol.TerminalReady
		if frame.Decode(&p) == nil {
			if r := h.sessionRouter(); r != nil {
				r.TerminalReady(p.SessionID)
			}
		}
	case protocol.TypeTerminalOutput:
		var p protocol.TerminalOutput
		if frame.Decode(&p) == nil {
			if r := h.sessionRouter(); r != nil {
				r.TerminalOutput(p.SessionID, p.Data, p.Seq)
			}
		}
	case protocol.TypeTerminalError:
		var p protocol.TerminalError
		if frame.Decode(&p) == nil {
			if r := h.sessionRouter(); r != nil {
				r.TerminalError(p.SessionID, p.Reason)
			}
		}
	case protocol.TypeTerminalClosed:
		var p protocol.TerminalClosed
		if frame.Decode(&p) == nil {
			if r := h.sessionRouter(); r != nil {
				r.TerminalClosed(p.SessionID)
			}
		}
	case protocol.TypeError:
		var p protocol.Error
		_ = frame.Decode(&p)
		log.Warn("error frame from agent", "code", p.Code, "message", p.Message)
	default:
		h.sendError(conn, protocol.CodeInvalidMessage, "unknown frame type "+frame.Type)
	}
}

func (h *Hub) handleHeartbeat(ctx context.Context, conn *Conn, frame protocol.Frame, log *slog.Logger) {
	conn.lastHeartbeat.Store(time.Now().Unix())

	err := h.dir.Touch(ctx, conn.AgentID, time.Now())
	if errors.Is(err, directory.ErrEvicted) {
		// The TTL lapsed (or Redis restarted); take the slot back.
		err = h.dir.Register(ctx, conn.AgentID, h.opts.ReplicaID, time.Now())
	}
	if err != nil {
		log.Warn("presence touch failed", "error", err)
	}

	if err := h.store.TouchAgentConnected(ctx, conn.AgentID, time.Now()); err != nil {
		log.Warn("record heartbeat failed", "error", err)
	}

	ack := protocol.MustNew(protocol.TypeHeartbeatAck, protocol.HeartbeatAck{
		ServerTimeS: time.Now().Unix(),
	})
	_ = conn.Send(ack)
}

func (h *Hub) handleInventory(ctx context.Context, conn *Conn, frame protocol.Frame, log *slog.Logger) {
	if len(frame.Data) > protocol.MaxFrameBytes {
		metrics.InventoryRejected.WithLabelValues("too_large").Inc()
		h.sendError(conn, protocol.CodeInvalidMessage, "inventory payload too large")
		return
	}
	var inv protocol.Inventory
	if err := frame.Decode(&inv); err != nil {
		metrics.InventoryRejected.WithLabelValues("malformed").Inc()
		h.sendError(conn, protocol.CodeInvalidMessage, "malformed inventory")
		return
	}

	// Agent-reported identity strings end up in logs and API responses;
	// strip control characters before they go anywhere.
	inv.Hostname = sanitize.Title(inv.Hostname, 255)
	inv.Platform = sanitize.Title(inv.Platform, 255)
	inv.CPUModel = sanitize.Title(inv.CPUModel, 255)

	changed, err := h.store.PutInventory(ctx, conn.AgentID, inv)
	if errors.Is(err, store.ErrStaleInventory) {
		// A newer snapshot is already on record; the ack must not claim
		// this one was accepted.
		metrics.InventoryRejected.WithLabelValues("stale").Inc()
		ack := protocol.MustNew(protocol.TypeInventoryAck, protocol.InventoryAck{
			Received: false,
		})
		_ = conn.Send(ack)
		return
	}
	if err != nil {
		log.Error("store inventory failed", "error", err)
		h.sendError(conn, protocol.CodeInternal, "inventory not stored")
		return
	}
	metrics.InventorySnapshots.Inc()
	if changed {
		log.Info("inventory changed", "hostname", inv.Hostname)
	}

	ack := protocol.MustNew(protocol.TypeInventoryAck, protocol.InventoryAck{
		Received: true,
		Changed:  changed,
	})
	_ = conn.Send(ack)
}

func (h *Hub) sendError(conn *Conn, code, message string) {
	frame := protocol.MustNew(protocol.TypeError, protocol.Error{Code: code, Message: message})
	_ = conn.Send(frame)
}

// Shutdown stops accepting, tells every connected agent to go away,
// and waits up to DrainTimeout for the close handshakes to finish.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close(protocol.CloseShutdown, "server shutting down")
		metrics.TransportCloses.WithLabelValues("shutdown").Inc()
	}
	h.logger.Info("notified agents of shutdown", "count", len(conns))

	deadline := time.Now().Add(DrainTimeout)
	for time.Now().Before(deadline) {
		h.mu.RLock()
		remaining := len(h.conns)
		h.mu.RUnlock()
		if remaining == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}
