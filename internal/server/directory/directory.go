// Package directory implements the presence directory: the
// cross-replica answer to "is this agent online, and which replica
// holds its transport?". It also carries point-to-point envelopes
// between replicas for cross-replica terminal routing.
//
// Two implementations exist: a Redis-backed one for multi-replica
// deployments and an in-process one for single-replica mode and tests.
package directory

import (
	"context"
	"errors"
	"time"
)

// Status of a presence entry.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Entry is the ephemeral presence record for one agent.
type Entry struct {
	AgentID       string
	ReplicaID     string
	Status        Status
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}

var (
	// ErrNotFound means no presence entry exists for the agent.
	ErrNotFound = errors.New("presence entry not found")

	// ErrEvicted is returned by Touch when the entry has expired; the
	// caller must re-register.
	ErrEvicted = errors.New("presence entry evicted")

	// ErrNoSuchReplica means a Deliver target has no subscriber.
	ErrNoSuchReplica = errors.New("no such replica")

	// ErrUnavailable wraps backend failures. Callers treat it as a
	// signal to enter degraded mode rather than a hard fault.
	ErrUnavailable = errors.New("directory unavailable")
)

// Envelope kinds for cross-replica delivery.
const (
	KindEvict          = "evict"
	KindTerminalOpen   = "terminal_open"
	KindTerminalInput  = "terminal_input"
	KindTerminalResize = "terminal_resize"
	KindTerminalClose  = "terminal_close"
	KindTerminalReady  = "terminal_ready"
	KindTerminalOutput = "terminal_output"
	KindTerminalError  = "terminal_error"
	KindTerminalClosed = "terminal_closed"
)

// Envelope is a point-to-point notification addressed to one replica.
// Delivery is at-least-once with no global ordering; receivers dedupe
// and reorder by (SessionID, Seq) per direction.
type Envelope struct {
	Kind      string `json:"kind"`
	SessionID string `json:"session_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`

	// ReturnTo names the replica holding the operator transport, so
	// the agent-owning replica knows where to route output.
	ReturnTo string `json:"return_to,omitempty"`

	Seq    uint64 `json:"seq,omitempty"`
	Rows   int    `json:"rows,omitempty"`
	Cols   int    `json:"cols,omitempty"`
	Shell  string `json:"shell,omitempty"`
	Data   string `json:"data,omitempty"` // base64 terminal bytes
	Reason string `json:"reason,omitempty"`
}

// Event is a presence transition broadcast to all replicas.
type Event struct {
	AgentID   string `json:"agent_id"`
	ReplicaID string `json:"replica_id"`
	Status    Status `json:"status"`
}

// Directory is the presence and delivery abstraction shared by all
// replicas. All operations may fail with an error wrapping
// ErrUnavailable when the backing store is down.
type Directory interface {
	// Register marks the agent online on the given replica and arms
	// the TTL. Registering over an existing entry transfers ownership.
	Register(ctx context.Context, agentID, replicaID string, now time.Time) error

	// Touch refreshes last_heartbeat and extends the TTL. Returns
	// ErrEvicted if the entry no longer exists.
	Touch(ctx context.Context, agentID string, now time.Time) error

	// Deregister removes the entry only if replicaID is still the
	// recorded owner. A stale replica's deregister is a no-op.
	Deregister(ctx context.Context, agentID, replicaID string) error

	// Lookup returns the presence entry, or ErrNotFound.
	Lookup(ctx context.Context, agentID string) (Entry, error)

	// Deliver publishes an envelope to the named replica's inbox.
	// Returns ErrNoSuchReplica if nothing is subscribed there.
	Deliver(ctx context.Context, replicaID string, env Envelope) error

	// Subscribe returns the stream of envelopes addressed to the named
	// replica. The channel closes when ctx is cancelled.
	Subscribe(ctx context.Context, replicaID string) (<-chan Envelope, error)

	// Events returns the stream of presence transitions across the
	// fleet. The channel closes when ctx is cancelled.
	Events(ctx context.Context) (<-chan Event, error)

	Close() error
}
