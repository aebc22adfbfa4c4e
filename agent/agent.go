// Package agent implements the ProbeHub agent: it keeps a connection
// to the hub, reports heartbeats and host inventory, and runs terminal
// sessions on demand.
package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"

	"github.com/probehub/probehub/internal/agent/collector"
	"github.com/probehub/probehub/internal/agent/config"
	"github.com/probehub/probehub/internal/agent/terminal"
	"github.com/probehub/probehub/internal/agent/transport"
	"github.com/probehub/probehub/internal/protocol"
)

// Agent wires the transport, inventory collector, and terminal manager
// together. One Agent serves one hub connection at a time; reconnects
// reuse the same Agent.
type Agent struct {
	cfg       *config.Config
	version   string
	terminals *terminal.Manager
	logger    *slog.Logger
	client    *transport.Client
	startTime time.Time

	mu         sync.Mutex
	cancelConn context.CancelFunc // stops the current connection's loops
}

// New creates an Agent. Call Run to connect.
func New(cfg *config.Config, version string, logger *slog.Logger) *Agent {
	a := &Agent{
		cfg:       cfg,
		version:   version,
		terminals: terminal.NewManager(),
		logger:    logger,
		startTime: time.Now(),
	}
	a.client = transport.New(cfg.ServerURL, cfg.AgentID, cfg.Secret, version, transport.Handlers{
		OnWelcome:    a.onWelcome,
		OnFrame:      a.onFrame,
		OnDisconnect: a.onDisconnect,
	}, logger)
	return a
}

// Run connects to the hub and blocks until ctx is cancelled or the
// server evicts this agent in favour of another instance.
func (a *Agent) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.client.OnEvicted = cancel

	a.client.ConnectWithReconnect(runCtx)
	a.terminals.StopAll()
	return nil
}

// onWelcome starts the periodic heartbeat and inventory loops for the
// freshly established connection.
func (a *Agent) onWelcome(ctx context.Context, w protocol.Welcome) {
	connCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	a.cancelConn = cancel
	a.mu.Unlock()

	heartbeatEvery := time.Duration(w.HeartbeatIntervalS) * time.Second
	if heartbeatEvery <= 0 {
		heartbeatEvery = 15 * time.Second
	}
	inventoryEvery := time.Duration(w.InventoryIntervalS) * time.Second
	if inventoryEvery <= 0 {
		inventoryEvery = time.Hour
	}

	go a.heartbeatLoop(connCtx, heartbeatEvery)
	go a.inventoryLoop(connCtx, inventoryEvery)
}

// onDisconnect tears down the per-connection loops and every terminal
// session. Operators reattach through a fresh session after reconnect.
func (a *Agent) onDisconnect() {
	a.mu.Lock()
	cancel := a.cancelConn
	a.cancelConn = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.terminals.StopAll()
}

func (a *Agent) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := protocol.MustNew(protocol.TypeHeartbeat, protocol.Heartbeat{
				Status:       "alive",
				UptimeS:      int64(time.Since(a.startTime).Seconds()),
				AgentVersion: a.version,
			})
			if err := a.client.Send(hb); err != nil {
				a.logger.Warn("heartbeat send failed", "error", err)
				return
			}
		}
	}
}

func (a *Agent) inventoryLoop(ctx context.Context, interval time.Duration) {
	a.sendInventory(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendInventory(ctx)
		}
	}
}

func (a *Agent) sendInventory(ctx context.Context) {
	inv, err := collector.Collect(ctx)
	if err != nil {
		a.logger.Warn("inventory collection failed", "error", err)
		return
	}
	f, err := protocol.New(protocol.TypeInventory, inv)
	if err != nil {
		a.logger.Warn("inventory encode failed", "error", err)
		return
	}
	if err := a.client.Send(f); err != nil {
		a.logger.Warn("inventory send failed", "error", err)
	}
}

func (a *Agent) onFrame(ctx context.Context, f protocol.Frame) {
	switch f.Type {
	case protocol.TypeHeartbeatAck:
		// Liveness confirmed, nothing to do.

	case protocol.TypeInventoryAck:
		var ack protocol.InventoryAck
		if err := f.Decode(&ack); err == nil && ack.Changed {
			a.logger.Info("inventory change recorded by server")
		}

	case protocol.TypeTerminalCmd:
		a.handleTerminalCommand(f)

	case protocol.TypeError:
		var e protocol.Error
		_ = f.Decode(&e)
		a.logger.Warn("server error frame", "code", e.Code, "message", e.Message)

	default:
		a.logger.Warn("unhandled server frame", "type", f.Type)
	}
}

func (a *Agent) handleTerminalCommand(f protocol.Frame) {
	var cmd protocol.TerminalCommand
	if err := f.Decode(&cmd); err != nil {
		a.logger.Warn("malformed terminal command", "error", err)
		return
	}

	switch cmd.Command {
	case protocol.CmdInit:
		a.startSession(cmd)

	case protocol.CmdInput:
		data, err := base64.StdEncoding.DecodeString(cmd.Data)
		if err != nil {
			a.logger.Warn("malformed terminal input", "session_id", cmd.SessionID, "error", err)
			return
		}
		if err := a.terminals.SendInput(cmd.SessionID, data); err != nil {
			a.logger.Warn("terminal input dropped", "session_id", cmd.SessionID, "error", err)
			if errors.Is(err, terminal.ErrSessionNotFound) {
				// The operator is typing into a session this agent does
				// not have; tell the server so it can tear it down.
				a.sendTerminalError(cmd.SessionID, protocol.CodeUnknownSession)
			}
		}

	case protocol.CmdResize:
		if err := a.terminals.Resize(cmd.SessionID, uint16(cmd.Cols), uint16(cmd.Rows)); err != nil {
			a.logger.Warn("terminal resize failed", "session_id", cmd.SessionID, "error", err)
		}

	case protocol.CmdClose:
		a.terminals.StopSession(cmd.SessionID)

	default:
		a.logger.Warn("unknown terminal command", "command", cmd.Command)
	}
}

// startSession spawns a PTY for the session and reports ready, output,
// and closed frames back to the hub. Output is split so no single frame
// exceeds the terminal chunk limit, and each chunk carries a per-session
// sequence number.
func (a *Agent) startSession(cmd protocol.TerminalCommand) {
	shell := cmd.Shell
	if shell == "" {
		shell = a.cfg.Shell
	}

	var seq atomic.Uint64
	outputFn := func(data []byte) {
		for len(data) > 0 {
			chunk := data
			if len(chunk) > protocol.MaxTerminalChunk {
				chunk = chunk[:protocol.MaxTerminalChunk]
			}
			data = data[len(chunk):]

			out := protocol.MustNew(protocol.TypeTerminalOutput, protocol.TerminalOutput{
				SessionID: cmd.SessionID,
				Data:      base64.StdEncoding.EncodeToString(chunk),
				Seq:       seq.Add(1),
			})
			if err := a.client.Send(out); err != nil {
				a.logger.Debug("terminal output dropped", "session_id", cmd.SessionID, "error", err)
				return
			}
		}
	}

	exitFn := func(sessionID string, exitCode int) {
		closed := protocol.MustNew(protocol.TypeTerminalClosed, protocol.TerminalClosed{
			SessionID: sessionID,
		})
		if err := a.client.Send(closed); err != nil {
			a.logger.Debug("terminal closed notification dropped", "session_id", sessionID, "error", err)
		}
	}

	err := a.terminals.StartSession(terminal.Options{
		ID:    cmd.SessionID,
		Shell: shell,
		Cols:  uint16(cmd.Cols),
		Rows:  uint16(cmd.Rows),
	}, outputFn, exitFn)
	if err != nil {
		a.logger.Warn("terminal session start failed", "session_id", cmd.SessionID, "error", err)
		a.sendTerminalError(cmd.SessionID, startFailureReason(err))
		return
	}

	ready := protocol.MustNew(protocol.TypeTerminalReady, protocol.TerminalReady{
		SessionID: cmd.SessionID,
	})
	if err := a.client.Send(ready); err != nil {
		a.logger.Warn("terminal ready notification dropped", "session_id", cmd.SessionID, "error", err)
	}
}

// startFailureReason maps a session start error to the wire reason. On
// platforms without PTY support the reason is the fixed "unsupported"
// token so the server can surface it uniformly.
func startFailureReason(err error) string {
	if errors.Is(err, pty.ErrUnsupported) {
		return "unsupported"
	}
	return err.Error()
}

func (a *Agent) sendTerminalError(sessionID, reason string) {
	fail := protocol.MustNew(protocol.TypeTerminalError, protocol.TerminalError{
		SessionID: sessionID,
		Reason:    reason,
	})
	if err := a.client.Send(fail); err != nil {
		a.logger.Debug("terminal error notification dropped", "session_id", sessionID, "error", err)
	}
}
