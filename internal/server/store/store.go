package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/probehub/probehub/internal/protocol"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrStaleInventory is returned when a snapshot is older than the
// stored latest and was therefore not applied.
var ErrStaleInventory = errors.New("inventory snapshot older than stored latest")

// Operator is a human account that owns agents and opens terminals.
type Operator struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Agent is the durable record for one registered agent.
type Agent struct {
	ID              string
	OwnerID         string
	Name            string
	Secret          string
	Hostname        string
	Platform        string
	Arch            string
	AgentVersion    string
	RegisteredAt    time.Time
	LastConnectedAt time.Time // zero if never connected
}

// Store wraps the SQLite handle with typed queries.
type Store struct {
	db *sql.DB
}

// New creates a Store over an opened, migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- operators ---

func (s *Store) CreateOperator(ctx context.Context, op Operator) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operators (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		op.ID, op.Username, op.PasswordHash, op.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create operator: %w", err)
	}
	return nil
}

func (s *Store) GetOperatorByUsername(ctx context.Context, username string) (Operator, error) {
	var op Operator
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM operators WHERE username = ?`,
		username,
	).Scan(&op.ID, &op.Username, &op.PasswordHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Operator{}, ErrNotFound
	}
	if err != nil {
		return Operator{}, fmt.Errorf("get operator: %w", err)
	}
	op.CreatedAt = time.Unix(createdAt, 0)
	return op, nil
}

func (s *Store) GetOperatorByID(ctx context.Context, operatorID string) (Operator, error) {
	var op Operator
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM operators WHERE id = ?`,
		operatorID,
	).Scan(&op.ID, &op.Username, &op.PasswordHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Operator{}, ErrNotFound
	}
	if err != nil {
		return Operator{}, fmt.Errorf("get operator: %w", err)
	}
	op.CreatedAt = time.Unix(createdAt, 0)
	return op, nil
}

// --- agents ---

func (s *Store) CreateAgent(ctx context.Context, a Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, owner_id, name, secret, registered_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.OwnerID, a.Name, a.Secret, a.RegisteredAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, secret, hostname, platform, arch, agent_version,
		        registered_at, COALESCE(last_connected_at, 0)
		 FROM agents WHERE id = ?`, agentID)
	return scanAgent(row)
}

func (s *Store) ListAgentsByOwner(ctx context.Context, ownerID string) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, name, secret, hostname, platform, arch, agent_version,
		        registered_at, COALESCE(last_connected_at, 0)
		 FROM agents WHERE owner_id = ? ORDER BY registered_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAgentSecret replaces the agent's auth material. Any transport
// authenticated with the old secret stays up until it next reconnects.
func (s *Store) UpdateAgentSecret(ctx context.Context, agentID, secret string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET secret = ? WHERE id = ?`, secret, agentID)
	if err != nil {
		return fmt.Errorf("update agent secret: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAgentOnConnect records the handshake-time facts about the agent.
func (s *Store) UpdateAgentOnConnect(ctx context.Context, agentID, version string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET agent_version = ?, last_connected_at = ? WHERE id = ?`,
		version, now.Unix(), agentID)
	if err != nil {
		return fmt.Errorf("update agent on connect: %w", err)
	}
	return nil
}

// TouchAgentConnected mirrors a heartbeat into the durable record.
func (s *Store) TouchAgentConnected(ctx context.Context, agentID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_connected_at = ? WHERE id = ?`, now.Unix(), agentID)
	if err != nil {
		return fmt.Errorf("touch agent: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (Agent, error) {
	var a Agent
	var registeredAt, lastConnectedAt int64
	err := row.Scan(&a.ID, &a.OwnerID, &a.Name, &a.Secret, &a.Hostname, &a.Platform,
		&a.Arch, &a.AgentVersion, &registeredAt, &lastConnectedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, fmt.Errorf("scan agent: %w", err)
	}
	a.RegisteredAt = time.Unix(registeredAt, 0)
	if lastConnectedAt > 0 {
		a.LastConnectedAt = time.Unix(lastConnectedAt, 0)
	}
	return a, nil
}

// --- inventory ---

// inventoryKeyChanged reports whether any of the fields that define an
// inventory "change" differ between the stored row and the new snapshot.
func inventoryKeyChanged(old protocol.Inventory, inv protocol.Inventory) bool {
	return old.Hostname != inv.Hostname ||
		old.OS != inv.OS ||
		old.CPUCount != inv.CPUCount ||
		old.MemoryTotal != inv.MemoryTotal ||
		old.DiskTotal != inv.DiskTotal
}

// PutInventory durably stores a snapshot. Snapshots whose collected_at
// is older than the stored latest are refused with ErrStaleInventory;
// when key fields change, the previous latest is appended to the
// history table first. Returns whether the snapshot differed from the
// stored latest.
func (s *Store) PutInventory(ctx context.Context, agentID string, inv protocol.Inventory) (changed bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	old, haveOld, err := getLatestTx(ctx, tx, agentID)
	if err != nil {
		return false, err
	}

	changed = true
	if haveOld {
		// The latest pointer only moves forward in collected_at.
		if inv.CollectedAt < old.CollectedAt {
			return false, ErrStaleInventory
		}
		changed = inventoryKeyChanged(old, inv)
		if changed {
			if err := appendHistoryTx(ctx, tx, agentID, old); err != nil {
				return false, err
			}
		}
	}

	ipList, _ := json.Marshal(orEmpty(inv.IPAddresses))
	macList, _ := json.Marshal(orEmpty(inv.MACAddresses))
	extensions, err := json.Marshal(orEmptyMap(inv.Extensions))
	if err != nil {
		return false, fmt.Errorf("marshal extensions: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO inventory_latest (
		    agent_id, collected_at, hostname, os, platform, arch,
		    cpu_count, cpu_model, memory_total, memory_used, memory_free,
		    disk_total, disk_used, disk_free, ip_list, mac_list, extensions
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET
		    collected_at = excluded.collected_at,
		    hostname = excluded.hostname, os = excluded.os,
		    platform = excluded.platform, arch = excluded.arch,
		    cpu_count = excluded.cpu_count, cpu_model = excluded.cpu_model,
		    memory_total = excluded.memory_total, memory_used = excluded.memory_used,
		    memory_free = excluded.memory_free, disk_total = excluded.disk_total,
		    disk_used = excluded.disk_used, disk_free = excluded.disk_free,
		    ip_list = excluded.ip_list, mac_list = excluded.mac_list,
		    extensions = excluded.extensions`,
		agentID, inv.CollectedAt, inv.Hostname, inv.OS, inv.Platform, inv.Arch,
		inv.CPUCount, inv.CPUModel, inv.MemoryTotal, inv.MemoryUsed, inv.MemoryFree,
		inv.DiskTotal, inv.DiskUsed, inv.DiskFree, string(ipList), string(macList), string(extensions),
	)
	if err != nil {
		return false, fmt.Errorf("upsert inventory: %w", err)
	}

	// Mirror handshake-level facts onto the agent record, as the
	// snapshot is the freshest source for them.
	_, err = tx.ExecContext(ctx,
		`UPDATE agents SET hostname = ?, platform = ?, arch = ? WHERE id = ?`,
		inv.Hostname, inv.Platform, inv.Arch, agentID)
	if err != nil {
		return false, fmt.Errorf("update agent facts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return changed, nil
}

// GetLatestInventory returns the stored latest snapshot for an agent.
func (s *Store) GetLatestInventory(ctx context.Context, agentID string) (protocol.Inventory, error) {
	inv, ok, err := getLatest(ctx, s.db, agentID)
	if err != nil {
		return protocol.Inventory{}, err
	}
	if !ok {
		return protocol.Inventory{}, ErrNotFound
	}
	return inv, nil
}

// HistoryEntry is one archived inventory snapshot.
type HistoryEntry struct {
	CollectedAt int64              `json:"collected_at"`
	Snapshot    protocol.Inventory `json:"snapshot"`
}

// ListInventoryHistory returns up to limit archived snapshots, newest
// first.
func (s *Store) ListInventoryHistory(ctx context.Context, agentID string, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT collected_at, snapshot FROM inventory_history
		 WHERE agent_id = ? ORDER BY collected_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var raw string
		if err := rows.Scan(&e.CollectedAt, &raw); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &e.Snapshot); err != nil {
			return nil, fmt.Errorf("decode history snapshot: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getLatest(ctx context.Context, q querier, agentID string) (protocol.Inventory, bool, error) {
	var inv protocol.Inventory
	var ipList, macList, extensions string
	err := q.QueryRowContext(ctx,
		`SELECT collected_at, hostname, os, platform, arch, cpu_count, cpu_model,
		        memory_total, memory_used, memory_free, disk_total, disk_used, disk_free,
		        ip_list, mac_list, extensions
		 FROM inventory_latest WHERE agent_id = ?`, agentID,
	).Scan(&inv.CollectedAt, &inv.Hostname, &inv.OS, &inv.Platform, &inv.Arch,
		&inv.CPUCount, &inv.CPUModel, &inv.MemoryTotal, &inv.MemoryUsed, &inv.MemoryFree,
		&inv.DiskTotal, &inv.DiskUsed, &inv.DiskFree, &ipList, &macList, &extensions)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Inventory{}, false, nil
	}
	if err != nil {
		return protocol.Inventory{}, false, fmt.Errorf("get latest inventory: %w", err)
	}
	_ = json.Unmarshal([]byte(ipList), &inv.IPAddresses)
	_ = json.Unmarshal([]byte(macList), &inv.MACAddresses)
	_ = json.Unmarshal([]byte(extensions), &inv.Extensions)
	return inv, true, nil
}

func getLatestTx(ctx context.Context, tx *sql.Tx, agentID string) (protocol.Inventory, bool, error) {
	return getLatest(ctx, tx, agentID)
}

func appendHistoryTx(ctx context.Context, tx *sql.Tx, agentID string, inv protocol.Inventory) error {
	snapshot, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("marshal history snapshot: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO inventory_history (agent_id, collected_at, snapshot) VALUES (?, ?, ?)`,
		agentID, inv.CollectedAt, string(snapshot))
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
