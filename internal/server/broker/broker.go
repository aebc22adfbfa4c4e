// Package broker runs terminal sessions: it pairs an operator's
// WebSocket with an agent's transport, forwarding keystrokes one way
// and PTY output the other, whether the agent is connected to this
// replica or to another one reachable through the presence directory.
package broker

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/probehub/probehub/internal/id"
	"github.com/probehub/probehub/internal/metrics"
	"github.com/probehub/probehub/internal/protocol"
	"github.com/probehub/probehub/internal/server/directory"
	"github.com/probehub/probehub/internal/server/hub"
	"github.com/probehub/probehub/internal/server/store"
)

const (
	// readyTimeout bounds how long an operator waits for the agent's
	// PTY to spawn.
	readyTimeout = 10 * time.Second

	// idleTimeout reaps sessions with no traffic in either direction.
	idleTimeout = 30 * time.Minute

	idleCheckEvery = time.Minute

	writeTimeout = 10 * time.Second
)

// Broker owns every terminal session touching this replica, on both
// the operator side and the agent side.
type Broker struct {
	replicaID string
	hub       *hub.Hub
	dir       directory.Directory
	store     *store.Store
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session       // operator is here
	remote   map[string]*remoteRecord  // agent is here, operator elsewhere
	byAgent  map[string]map[string]bool // agentID -> session IDs of either kind
}

// remoteRecord tracks a session whose operator lives on another
// replica. Agent frames for it are wrapped into envelopes and sent to
// ReturnTo. Input arriving out of order is restored before it reaches
// the PTY.
type remoteRecord struct {
	sessionID string
	agentID   string
	returnTo  string

	mu    sync.Mutex
	input *reorderer
}

func New(replicaID string, h *hub.Hub, dir directory.Directory, st *store.Store, logger *slog.Logger) *Broker {
	b := &Broker{
		replicaID: replicaID,
		hub:       h,
		dir:       dir,
		store:     st,
		logger:    logger,
		sessions:  make(map[string]*session),
		remote:    make(map[string]*remoteRecord),
		byAgent:   make(map[string]map[string]bool),
	}
	h.SetRouter(b)
	return b
}

// Run consumes this replica's directory inbox until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	inbox, err := b.dir.Subscribe(ctx, b.replicaID)
	if err != nil {
		return err
	}
	for env := range inbox {
		metrics.DirectoryEnvelopes.WithLabelValues(env.Kind, "in").Inc()
		b.handleEnvelope(ctx, env)
	}
	return nil
}

// session is one operator-side terminal session.
type session struct {
	id         string
	agentID    string
	operatorID string

	// agentReplica is empty when the agent's transport is local.
	agentReplica string

	transport hub.Transport

	writeMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once

	done      chan struct{}
	closeOnce sync.Once

	lastActivity atomicTime

	outMu  sync.Mutex
	output *reorderer

	inputSeq uint64 // guarded by writeMu; only used cross-replica
}

func (s *session) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *session) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.transport.Close(code, reason)
	})
}

// Attach runs one operator terminal session to completion. The caller
// has already authenticated the operator; ownership of the agent is
// checked here.
func (b *Broker) Attach(ctx context.Context, t hub.Transport, operatorID, agentID string) {
	log := b.logger.With("agent_id", agentID, "operator_id", operatorID)

	agent, err := b.store.GetAgent(ctx, agentID)
	if err != nil || agent.OwnerID != operatorID {
		_ = t.Close(protocol.CloseUnauthorised, "not your agent")
		return
	}

	init, err := readOperatorInit(ctx, t)
	if err != nil {
		_ = t.Close(protocol.CloseInternal, "expected init frame")
		return
	}

	s := &session{
		id:        id.Generate(),
		agentID:   agentID,
		operatorID: operatorID,
		transport: t,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		output:    newReorderer(),
	}
	s.lastActivity.set(time.Now())

	// Find the agent's transport: this replica first, then the fleet.
	if !b.hub.IsLocal(agentID) {
		entry, err := b.dir.Lookup(ctx, agentID)
		if err != nil {
			_ = t.Close(protocol.CloseAgentOffline, "agent offline")
			return
		}
		s.agentReplica = entry.ReplicaID
	}

	b.addSession(s)
	metrics.ActiveSessions.Inc()
	defer func() {
		b.removeSession(s.id, agentID)
		metrics.ActiveSessions.Dec()
	}()
	log = log.With("session_id", s.id)

	if err := b.sendInit(ctx, s, init); err != nil {
		log.Warn("terminal init failed", "error", err)
		s.close(protocol.CloseAgentOffline, "agent offline")
		return
	}

	select {
	case <-s.ready:
	case <-s.done:
		return
	case <-time.After(readyTimeout):
		log.Warn("agent never reported terminal ready")
		b.sendAgentClose(ctx, s)
		s.close(protocol.CloseAgentOffline, "terminal start timed out")
		return
	case <-ctx.Done():
		s.close(protocol.CloseShutdown, "server shutting down")
		return
	}

	log.Info("terminal session open")
	go b.superviseIdle(s)

	b.operatorReadLoop(ctx, s, log)

	// Whatever ended the read loop, make sure the agent-side PTY dies.
	b.sendAgentClose(context.WithoutCancel(ctx), s)
	s.close(protocol.CloseNormal, "")
	log.Info("terminal session closed")
}

func (b *Broker) addSession(s *session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[s.id] = s
	if b.byAgent[s.agentID] == nil {
		b.byAgent[s.agentID] = make(map[string]bool)
	}
	b.byAgent[s.agentID][s.id] = true
}

func (b *Broker) removeSession(sessionID, agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
	if ids := b.byAgent[agentID]; ids != nil {
		delete(ids, sessionID)
		if len(ids) == 0 {
			delete(b.byAgent, agentID)
		}
	}
}

func (b *Broker) getSession(sessionID string) *session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessions[sessionID]
}

func (b *Broker) getRemote(sessionID string) *remoteRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.remote[sessionID]
}

func readOperatorInit(ctx context.Context, t hub.Transport) (protocol.OperatorInit, error) {
	hsCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	raw, err := t.ReadFrame(hsCtx)
	if err != nil {
		return protocol.OperatorInit{}, err
	}
	frame, err := protocol.Unmarshal(raw)
	if err != nil {
		return protocol.OperatorInit{}, err
	}
	if frame.Type != protocol.TypeInit {
		return protocol.OperatorInit{}, errors.New("first frame was not init")
	}
	var init protocol.OperatorInit
	if err := frame.Decode(&init); err != nil {
		return protocol.OperatorInit{}, err
	}
	if init.Cols <= 0 {
		init.Cols = 80
	}
	if init.Rows <= 0 {
		init.Rows = 24
	}
	return init, nil
}

func (b *Broker) sendInit(ctx context.Context, s *session, init protocol.OperatorInit) error {
	if s.agentReplica == "" {
		return b.hub.Send(s.agentID, protocol.MustNew(protocol.TypeTerminalCmd, protocol.TerminalCommand{
			SessionID: s.id,
			Command:   protocol.CmdInit,
			Rows:      init.Rows,
			Cols:      init.Cols,
			Shell:     init.Shell,
		}))
	}
	return b.deliver(ctx, s.agentReplica, directory.Envelope{
		Kind:      directory.KindTerminalOpen,
		SessionID: s.id,
		AgentID:   s.agentID,
		ReturnTo:  b.replicaID,
		Rows:      init.Rows,
		Cols:      init.Cols,
		Shell:     init.Shell,
	})
}

func (b *Broker) sendAgentClose(ctx context.Context, s *session) {
	if s.agentReplica == "" {
		_ = b.hub.Send(s.agentID, protocol.MustNew(protocol.TypeTerminalCmd, protocol.TerminalCommand{
			SessionID: s.id,
			Command:   protocol.CmdClose,
		}))
		return
	}
	_ = b.deliver(ctx, s.agentReplica, directory.Envelope{
		Kind:      directory.KindTerminalClose,
		SessionID: s.id,
		AgentID:   s.agentID,
	})
}

func (b *Broker) deliver(ctx context.Context, replicaID string, env directory.Envelope) error {
	metrics.DirectoryEnvelopes.WithLabelValues(env.Kind, "out").Inc()
	return b.dir.Deliver(ctx, replicaID, env)
}

// operatorReadLoop pumps operator frames until the transport dies or
// the session is closed.
func (b *Broker) operatorReadLoop(ctx context.Context, s *session, log *slog.Logger) {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		raw, err := s.transport.ReadFrame(ctx)
		if err != nil {
			return
		}
		frame, err := protocol.Unmarshal(raw)
		if err != nil {
			b.sendOperatorError(s, protocol.CodeInvalidMessage, "unparseable frame")
			continue
		}
		s.lastActivity.set(time.Now())

		switch frame.Type {
		case protocol.TypeInput:
			var in protocol.OperatorInput
			if frame.Decode(&in) != nil {
				continue
			}
			b.forwardInput(ctx, s, base64.StdEncoding.EncodeToString([]byte(in.Data)))
		case protocol.TypeResize:
			var rs protocol.OperatorResize
			if frame.Decode(&rs) != nil {
				continue
			}
			b.forwardResize(ctx, s, rs)
		default:
			b.sendOperatorError(s, protocol.CodeInvalidMessage, "unknown frame type "+frame.Type)
		}
	}
}

func (b *Broker) forwardInput(ctx context.Context, s *session, data string) {
	if s.agentReplica == "" {
		_ = b.hub.Send(s.agentID, protocol.MustNew(protocol.TypeTerminalCmd, protocol.TerminalCommand{
			SessionID: s.id,
			Command:   protocol.CmdInput,
			Data:      data,
		}))
		return
	}
	s.writeMu.Lock()
	s.inputSeq++
	seq := s.inputSeq
	s.writeMu.Unlock()
	_ = b.deliver(ctx, s.agentReplica, directory.Envelope{
		Kind:      directory.KindTerminalInput,
		SessionID: s.id,
		AgentID:   s.agentID,
		Seq:       seq,
		Data:      data,
	})
}

func (b *Broker) forwardResize(ctx context.Context, s *session, rs protocol.OperatorResize) {
	if s.agentReplica == "" {
		_ = b.hub.Send(s.agentID, protocol.MustNew(protocol.TypeTerminalCmd, protocol.TerminalCommand{
			SessionID: s.id,
			Command:   protocol.CmdResize,
			Rows:      rs.Rows,
			Cols:      rs.Cols,
		}))
		return
	}
	_ = b.deliver(ctx, s.agentReplica, directory.Envelope{
		Kind:      directory.KindTerminalResize,
		SessionID: s.id,
		AgentID:   s.agentID,
		Rows:      rs.Rows,
		Cols:      rs.Cols,
	})
}

// writeOperator serializes writes to the operator WebSocket.
func (b *Broker) writeOperator(s *session, f protocol.Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return s.transport.WriteFrame(ctx, data)
}

func (b *Broker) sendOperatorError(s *session, code, message string) {
	_ = b.writeOperator(s, protocol.MustNew(protocol.TypeError, protocol.Error{
		Code: code, Message: message,
	}))
}

// deliverOutput restores producer order, decodes the agent's base64,
// and hands the bytes to the operator.
func (b *Broker) deliverOutput(s *session, data string, seq uint64) {
	s.outMu.Lock()
	chunks := s.output.push(seq, data)
	s.outMu.Unlock()

	for _, chunk := range chunks {
		raw, err := base64.StdEncoding.DecodeString(chunk)
		if err != nil {
			b.logger.Warn("undecodable terminal output", "session_id", s.id)
			continue
		}
		s.lastActivity.set(time.Now())
		if err := b.writeOperator(s, protocol.MustNew(protocol.TypeOutput, protocol.OperatorOutput{
			SessionID: s.id,
			Output:    string(raw),
		})); err != nil {
			s.close(protocol.CloseInternal, "operator write failed")
			return
		}
	}
}

func (b *Broker) superviseIdle(s *session) {
	ticker := time.NewTicker(idleCheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if time.Since(s.lastActivity.get()) > idleTimeout {
				b.sendAgentClose(context.Background(), s)
				s.close(protocol.CloseNormal, "idle timeout")
				return
			}
		case <-s.done:
			return
		}
	}
}

// --- hub.SessionRouter: frames arriving from locally connected agents ---

func (b *Broker) TerminalReady(sessionID string) {
	if s := b.getSession(sessionID); s != nil {
		s.markReady()
		return
	}
	if r := b.getRemote(sessionID); r != nil {
		_ = b.deliver(context.Background(), r.returnTo, directory.Envelope{
			Kind: directory.KindTerminalReady, SessionID: sessionID, AgentID: r.agentID,
		})
	}
}

func (b *Broker) TerminalOutput(sessionID, data string, seq uint64) {
	if s := b.getSession(sessionID); s != nil {
		b.deliverOutput(s, data, seq)
		return
	}
	if r := b.getRemote(sessionID); r != nil {
		_ = b.deliver(context.Background(), r.returnTo, directory.Envelope{
			Kind: directory.KindTerminalOutput, SessionID: sessionID, AgentID: r.agentID,
			Seq: seq, Data: data,
		})
	}
}

func (b *Broker) TerminalError(sessionID, reason string) {
	if s := b.getSession(sessionID); s != nil {
		b.sendOperatorError(s, protocol.CodeInternal, reason)
		s.close(protocol.CloseInternal, reason)
		return
	}
	if r := b.getRemote(sessionID); r != nil {
		b.dropRemote(sessionID, r.agentID)
		_ = b.deliver(context.Background(), r.returnTo, directory.Envelope{
			Kind: directory.KindTerminalError, SessionID: sessionID, AgentID: r.agentID,
			Reason: reason,
		})
	}
}

func (b *Broker) TerminalClosed(sessionID string) {
	if s := b.getSession(sessionID); s != nil {
		s.close(protocol.CloseNormal, "agent closed session")
		return
	}
	if r := b.getRemote(sessionID); r != nil {
		b.dropRemote(sessionID, r.agentID)
		_ = b.deliver(context.Background(), r.returnTo, directory.Envelope{
			Kind: directory.KindTerminalClosed, SessionID: sessionID, AgentID: r.agentID,
		})
	}
}

// AgentGone tears down every session bound to a disconnected agent.
func (b *Broker) AgentGone(agentID string) {
	b.mu.RLock()
	var locals []*session
	var remotes []*remoteRecord
	for sid := range b.byAgent[agentID] {
		if s := b.sessions[sid]; s != nil {
			locals = append(locals, s)
		}
		if r := b.remote[sid]; r != nil {
			remotes = append(remotes, r)
		}
	}
	b.mu.RUnlock()

	for _, s := range locals {
		b.sendOperatorError(s, protocol.CodeUnavailable, "agent disconnected")
		s.close(protocol.CloseAgentOffline, "agent disconnected")
	}
	for _, r := range remotes {
		b.dropRemote(r.sessionID, agentID)
		_ = b.deliver(context.Background(), r.returnTo, directory.Envelope{
			Kind: directory.KindTerminalError, SessionID: r.sessionID, AgentID: agentID,
			Reason: "agent disconnected",
		})
	}
}

// --- envelopes from other replicas ---

func (b *Broker) handleEnvelope(ctx context.Context, env directory.Envelope) {
	switch env.Kind {
	case directory.KindEvict:
		reason := env.Reason
		if reason == "" {
			reason = "superseded by new connection"
		}
		b.hub.EvictLocal(env.AgentID, reason)

	case directory.KindTerminalOpen:
		b.handleRemoteOpen(ctx, env)

	case directory.KindTerminalInput:
		if r := b.getRemote(env.SessionID); r != nil {
			r.mu.Lock()
			chunks := r.input.push(env.Seq, env.Data)
			r.mu.Unlock()
			for _, data := range chunks {
				_ = b.hub.Send(r.agentID, protocol.MustNew(protocol.TypeTerminalCmd, protocol.TerminalCommand{
					SessionID: env.SessionID, Command: protocol.CmdInput, Data: data,
				}))
			}
		}

	case directory.KindTerminalResize:
		if r := b.getRemote(env.SessionID); r != nil {
			_ = b.hub.Send(r.agentID, protocol.MustNew(protocol.TypeTerminalCmd, protocol.TerminalCommand{
				SessionID: env.SessionID, Command: protocol.CmdResize, Rows: env.Rows, Cols: env.Cols,
			}))
		}

	case directory.KindTerminalClose:
		if r := b.getRemote(env.SessionID); r != nil {
			b.dropRemote(env.SessionID, r.agentID)
			_ = b.hub.Send(r.agentID, protocol.MustNew(protocol.TypeTerminalCmd, protocol.TerminalCommand{
				SessionID: env.SessionID, Command: protocol.CmdClose,
			}))
		}

	case directory.KindTerminalReady:
		if s := b.getSession(env.SessionID); s != nil {
			s.markReady()
		}

	case directory.KindTerminalOutput:
		if s := b.getSession(env.SessionID); s != nil {
			b.deliverOutput(s, env.Data, env.Seq)
		}

	case directory.KindTerminalError:
		if s := b.getSession(env.SessionID); s != nil {
			b.sendOperatorError(s, protocol.CodeUnavailable, env.Reason)
			s.close(protocol.CloseAgentOffline, env.Reason)
		}

	case directory.KindTerminalClosed:
		if s := b.getSession(env.SessionID); s != nil {
			s.close(protocol.CloseNormal, "agent closed session")
		}

	default:
		b.logger.Warn("unknown envelope kind", "kind", env.Kind)
	}
}

func (b *Broker) handleRemoteOpen(ctx context.Context, env directory.Envelope) {
	if !b.hub.IsLocal(env.AgentID) {
		_ = b.deliver(ctx, env.ReturnTo, directory.Envelope{
			Kind: directory.KindTerminalError, SessionID: env.SessionID, AgentID: env.AgentID,
			Reason: "agent not connected here",
		})
		return
	}

	r := &remoteRecord{
		sessionID: env.SessionID,
		agentID:   env.AgentID,
		returnTo:  env.ReturnTo,
		input:     newReorderer(),
	}
	b.mu.Lock()
	b.remote[env.SessionID] = r
	if b.byAgent[env.AgentID] == nil {
		b.byAgent[env.AgentID] = make(map[string]bool)
	}
	b.byAgent[env.AgentID][env.SessionID] = true
	b.mu.Unlock()

	err := b.hub.Send(env.AgentID, protocol.MustNew(protocol.TypeTerminalCmd, protocol.TerminalCommand{
		SessionID: env.SessionID,
		Command:   protocol.CmdInit,
		Rows:      env.Rows,
		Cols:      env.Cols,
		Shell:     env.Shell,
	}))
	if err != nil {
		b.dropRemote(env.SessionID, env.AgentID)
		_ = b.deliver(ctx, env.ReturnTo, directory.Envelope{
			Kind: directory.KindTerminalError, SessionID: env.SessionID, AgentID: env.AgentID,
			Reason: "agent transport lost",
		})
	}
}

func (b *Broker) dropRemote(sessionID, agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.remote, sessionID)
	if ids := b.byAgent[agentID]; ids != nil {
		delete(ids, sessionID)
		if len(ids) == 0 {
			delete(b.byAgent, agentID)
		}
	}
}

// CloseAll force-closes every operator session; used during shutdown.
func (b *Broker) CloseAll() {
	b.mu.RLock()
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.RUnlock()
	for _, s := range sessions {
		s.close(protocol.CloseShutdown, "server shutting down")
	}
}

// atomicTime is a lock-free last-activity timestamp.
type atomicTime struct {
	v atomic.Int64
}

func (t *atomicTime) set(now time.Time) { t.v.Store(now.UnixNano()) }
func (t *atomicTime) get() time.Time    { return time.Unix(0, t.v.Load()) }
