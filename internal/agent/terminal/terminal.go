// Package terminal runs PTY-backed shell sessions on the agent host.
package terminal

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// readBufferSize caps a single PTY read. It stays below the transport's
// terminal chunk limit so one read never needs splitting.
const readBufferSize = 32 * 1024

// OutputHandler is called for each chunk of output from the PTY.
type OutputHandler func(data []byte)

// Session manages a single PTY-backed shell.
type Session struct {
	id       string
	cmd      *exec.Cmd
	ptmx     *os.File
	outputFn OutputHandler
	mu       sync.Mutex
	stopped  bool
	exitCode int
	exitCh   chan struct{}
}

// Options configures a new Session.
type Options struct {
	ID    string
	Shell string
	Cols  uint16
	Rows  uint16
}

// Start spawns a shell under a new PTY.
func Start(opts Options, outputFn OutputHandler) (*Session, error) {
	shell := opts.Shell
	if shell == "" {
		shell = resolveDefaultShell()
	}

	cmd := exec.Command(shell)
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
	)

	winSize := &pty.Winsize{
		Cols: opts.Cols,
		Rows: opts.Rows,
	}
	if winSize.Cols == 0 {
		winSize.Cols = 80
	}
	if winSize.Rows == 0 {
		winSize.Rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, winSize)
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	s := &Session{
		id:       opts.ID,
		cmd:      cmd,
		ptmx:     ptmx,
		outputFn: outputFn,
		exitCh:   make(chan struct{}),
	}

	go s.readOutput()
	go s.waitForExit()

	slog.Info("terminal session started",
		"session_id", opts.ID,
		"shell", shell,
		"pid", cmd.Process.Pid,
	)

	return s, nil
}

// SendInput writes data to the PTY.
func (s *Session) SendInput(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("session is stopped")
	}

	_, err := s.ptmx.Write(data)
	return err
}

// Resize changes the terminal dimensions.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("session is stopped")
	}

	return pty.Setsize(s.ptmx, &pty.Winsize{
		Cols: cols,
		Rows: rows,
	})
}

// Stop terminates the session.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true

	_ = s.ptmx.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

// Wait blocks until the shell process exits.
func (s *Session) Wait() int {
	<-s.exitCh
	return s.exitCode
}

// IsExited returns true if the shell process has exited.
func (s *Session) IsExited() bool {
	select {
	case <-s.exitCh:
		return true
	default:
		return false
	}
}

// ID returns the session's ID.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) readOutput() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.outputFn(data)
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("terminal read error",
					"session_id", s.id,
					"error", err,
				)
			}
			return
		}
	}
}

func (s *Session) waitForExit() {
	err := s.cmd.Wait()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			s.exitCode = exitErr.ExitCode()
		} else {
			s.exitCode = -1
		}
	}
	close(s.exitCh)

	slog.Info("terminal session exited",
		"session_id", s.id,
		"exit_code", s.exitCode,
	)
}
