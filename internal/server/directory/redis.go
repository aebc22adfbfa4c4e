package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/probehub/probehub/internal/metrics"
)

const (
	agentKeyPrefix = "probehub:agent:"
	inboxPrefix    = "probehub:inbox:"
	eventsChannel  = "probehub:presence:events"
)

// touchScript refreshes last_heartbeat and the TTL only if the entry
// still exists, so an expired agent cannot be resurrected by a late
// heartbeat.
var touchScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], "last_heartbeat", ARGV[1])
redis.call("EXPIRE", KEYS[1], ARGV[2])
return 1
`)

// deregisterScript deletes the entry only when the caller is still the
// recorded owner, preventing a stale replica from clearing a freshly
// reconnected agent.
var deregisterScript = redis.NewScript(`
local owner = redis.call("HGET", KEYS[1], "replica_id")
if owner == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`)

// Redis is the multi-replica Directory implementation backed by a
// shared Redis: presence entries are hashes with a TTL, per-replica
// inboxes and presence events ride pub/sub.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to the given Redis address and verifies the
// connection with a ping.
func NewRedis(ctx context.Context, addr, password string, db int, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return &Redis{client: client, ttl: ttl}, nil
}

func agentKey(agentID string) string   { return agentKeyPrefix + agentID }
func inboxKey(replicaID string) string { return inboxPrefix + replicaID }

func unavailable(op string, err error) error {
	metrics.DirectoryErrors.Inc()
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func (r *Redis) Register(ctx context.Context, agentID, replicaID string, now time.Time) error {
	key := agentKey(agentID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"status":         string(StatusOnline),
		"replica_id":     replicaID,
		"connected_at":   strconv.FormatInt(now.Unix(), 10),
		"last_heartbeat": strconv.FormatInt(now.Unix(), 10),
	})
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("register", err)
	}
	r.publishEvent(ctx, Event{AgentID: agentID, ReplicaID: replicaID, Status: StatusOnline})
	return nil
}

func (r *Redis) Touch(ctx context.Context, agentID string, now time.Time) error {
	n, err := touchScript.Run(ctx, r.client,
		[]string{agentKey(agentID)},
		strconv.FormatInt(now.Unix(), 10),
		int(r.ttl.Seconds()),
	).Int()
	if err != nil {
		return unavailable("touch", err)
	}
	if n == 0 {
		return ErrEvicted
	}
	return nil
}

func (r *Redis) Deregister(ctx context.Context, agentID, replicaID string) error {
	n, err := deregisterScript.Run(ctx, r.client,
		[]string{agentKey(agentID)}, replicaID,
	).Int()
	if err != nil {
		return unavailable("deregister", err)
	}
	if n == 1 {
		r.publishEvent(ctx, Event{AgentID: agentID, ReplicaID: replicaID, Status: StatusOffline})
	}
	return nil
}

func (r *Redis) Lookup(ctx context.Context, agentID string) (Entry, error) {
	fields, err := r.client.HGetAll(ctx, agentKey(agentID)).Result()
	if err != nil {
		return Entry{}, unavailable("lookup", err)
	}
	if len(fields) == 0 {
		return Entry{}, ErrNotFound
	}
	entry := Entry{
		AgentID:   agentID,
		ReplicaID: fields["replica_id"],
		Status:    Status(fields["status"]),
	}
	if v, err := strconv.ParseInt(fields["connected_at"], 10, 64); err == nil {
		entry.ConnectedAt = time.Unix(v, 0)
	}
	if v, err := strconv.ParseInt(fields["last_heartbeat"], 10, 64); err == nil {
		entry.LastHeartbeat = time.Unix(v, 0)
	}
	return entry, nil
}

func (r *Redis) Deliver(ctx context.Context, replicaID string, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	receivers, err := r.client.Publish(ctx, inboxKey(replicaID), payload).Result()
	if err != nil {
		return unavailable("deliver", err)
	}
	if receivers == 0 {
		return fmt.Errorf("deliver to %s: %w", replicaID, ErrNoSuchReplica)
	}
	metrics.DirectoryEnvelopes.WithLabelValues(env.Kind, "sent").Inc()
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, replicaID string) (<-chan Envelope, error) {
	sub := r.client.Subscribe(ctx, inboxKey(replicaID))
	// Force the subscription onto the wire before returning, so a
	// Deliver racing with startup sees a receiver.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, unavailable("subscribe", err)
	}

	out := make(chan Envelope, 64)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					slog.Warn("directory: malformed envelope dropped", "error", err)
					continue
				}
				metrics.DirectoryEnvelopes.WithLabelValues(env.Kind, "received").Inc()
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *Redis) Events(ctx context.Context) (<-chan Event, error) {
	sub := r.client.Subscribe(ctx, eventsChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, unavailable("events", err)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Warn("directory: malformed event dropped", "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *Redis) publishEvent(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := r.client.Publish(ctx, eventsChannel, payload).Err(); err != nil {
		slog.Warn("directory: publish presence event failed", "agent_id", ev.AgentID, "error", err)
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
