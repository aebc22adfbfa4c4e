package directory

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is a process-local Directory used in single-replica mode and
// in tests. Semantics match the Redis implementation, including TTL
// expiry of presence entries.
type Memory struct {
	ttl time.Duration

	mu       sync.Mutex
	entries  map[string]*memEntry
	inboxes  map[string][]chan Envelope
	watchers []chan Event
	closed   bool
}

type memEntry struct {
	entry    Entry
	deadline time.Time
}

// NewMemory creates an in-process directory with the given presence TTL.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:     ttl,
		entries: make(map[string]*memEntry),
		inboxes: make(map[string][]chan Envelope),
	}
}

func (m *Memory) Register(ctx context.Context, agentID, replicaID string, now time.Time) error {
	m.mu.Lock()
	m.entries[agentID] = &memEntry{
		entry: Entry{
			AgentID:       agentID,
			ReplicaID:     replicaID,
			Status:        StatusOnline,
			ConnectedAt:   now,
			LastHeartbeat: now,
		},
		deadline: now.Add(m.ttl),
	}
	m.mu.Unlock()
	m.broadcast(Event{AgentID: agentID, ReplicaID: replicaID, Status: StatusOnline})
	return nil
}

func (m *Memory) Touch(ctx context.Context, agentID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[agentID]
	if !ok || now.After(e.deadline) {
		delete(m.entries, agentID)
		return ErrEvicted
	}
	e.entry.LastHeartbeat = now
	e.deadline = now.Add(m.ttl)
	return nil
}

func (m *Memory) Deregister(ctx context.Context, agentID, replicaID string) error {
	m.mu.Lock()
	e, ok := m.entries[agentID]
	if !ok || e.entry.ReplicaID != replicaID {
		m.mu.Unlock()
		return nil
	}
	delete(m.entries, agentID)
	m.mu.Unlock()
	m.broadcast(Event{AgentID: agentID, ReplicaID: replicaID, Status: StatusOffline})
	return nil
}

func (m *Memory) Lookup(ctx context.Context, agentID string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[agentID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if time.Now().After(e.deadline) {
		delete(m.entries, agentID)
		return Entry{}, ErrNotFound
	}
	return e.entry, nil
}

func (m *Memory) Deliver(ctx context.Context, replicaID string, env Envelope) error {
	m.mu.Lock()
	inboxes := append([]chan Envelope(nil), m.inboxes[replicaID]...)
	m.mu.Unlock()
	if len(inboxes) == 0 {
		return fmt.Errorf("deliver to %s: %w", replicaID, ErrNoSuchReplica)
	}
	for _, ch := range inboxes {
		select {
		case ch <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, replicaID string) (<-chan Envelope, error) {
	ch := make(chan Envelope, 64)
	m.mu.Lock()
	m.inboxes[replicaID] = append(m.inboxes[replicaID], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		subs := m.inboxes[replicaID]
		for i, c := range subs {
			if c == ch {
				m.inboxes[replicaID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(m.inboxes[replicaID]) == 0 {
			delete(m.inboxes, replicaID)
		}
		m.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (m *Memory) Events(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 64)
	m.mu.Lock()
	m.watchers = append(m.watchers, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		for i, c := range m.watchers {
			if c == ch {
				m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (m *Memory) broadcast(ev Event) {
	m.mu.Lock()
	watchers := append([]chan Event(nil), m.watchers...)
	m.mu.Unlock()
	for _, ch := range watchers {
		select {
		case ch <- ev:
		default: // slow watcher, drop rather than block presence updates
		}
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
