package terminal

import (
	"errors"
	"fmt"
	"sync"
)

// ErrSessionNotFound is returned when a command names a session the
// manager is not tracking, including sessions whose shell has exited.
var ErrSessionNotFound = errors.New("session not found")

// Manager tracks active terminal sessions on the agent.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session // sessionID -> Session
}

// NewManager creates a new terminal Manager.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
	}
}

// ExitHandler is called when a session's shell process exits.
type ExitHandler func(sessionID string, exitCode int)

// StartSession creates a new PTY session. The session is removed from the
// manager automatically when its shell exits.
func (m *Manager) StartSession(opts Options, outputFn OutputHandler, exitFn ExitHandler) error {
	m.mu.Lock()
	if _, exists := m.sessions[opts.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("session already exists: %s", opts.ID)
	}
	m.mu.Unlock()

	s, err := Start(opts, outputFn)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.sessions[opts.ID] = s
	m.mu.Unlock()

	go func() {
		exitCode := s.Wait()

		m.mu.Lock()
		if cur, ok := m.sessions[opts.ID]; ok && cur == s {
			delete(m.sessions, opts.ID)
		}
		m.mu.Unlock()

		if exitFn != nil {
			exitFn(opts.ID, exitCode)
		}
	}()

	return nil
}

// SendInput routes input to a session.
func (m *Manager) SendInput(sessionID string, data []byte) error {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if s.IsExited() {
		return fmt.Errorf("%w: %s exited", ErrSessionNotFound, sessionID)
	}
	return s.SendInput(data)
}

// Resize changes a session's terminal dimensions.
func (m *Manager) Resize(sessionID string, cols, rows uint16) error {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s.Resize(cols, rows)
}

// StopSession terminates a session. Stopping an unknown session is a no-op
// so that close commands and natural exits can race safely.
func (m *Manager) StopSession(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if ok {
		s.Stop()
	}
}

// StopAll terminates every active session.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
