package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probehub/probehub/internal/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(db))
	return New(db)
}

func seedOperator(t *testing.T, s *Store, id, username string) {
	t.Helper()
	require.NoError(t, s.CreateOperator(context.Background(), Operator{
		ID:           id,
		Username:     username,
		PasswordHash: "x",
		CreatedAt:    time.Now(),
	}))
}

func seedAgent(t *testing.T, s *Store, id, ownerID string) {
	t.Helper()
	require.NoError(t, s.CreateAgent(context.Background(), Agent{
		ID:           id,
		OwnerID:      ownerID,
		Name:         "test agent",
		Secret:       "secret",
		RegisteredAt: time.Now(),
	}))
}

func TestOperatorRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedOperator(t, s, "op1", "alice")

	op, err := s.GetOperatorByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "op1", op.ID)
	assert.Equal(t, "x", op.PasswordHash)

	_, err = s.GetOperatorByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOperatorUsernameUnique(t *testing.T) {
	s := newTestStore(t)
	seedOperator(t, s, "op1", "alice")

	err := s.CreateOperator(context.Background(), Operator{
		ID: "op2", Username: "alice", PasswordHash: "y", CreatedAt: time.Now(),
	})
	assert.Error(t, err)
}

func TestAgentLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedOperator(t, s, "op1", "alice")
	seedAgent(t, s, "a1", "op1")

	a, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "op1", a.OwnerID)
	assert.Equal(t, "secret", a.Secret)
	assert.True(t, a.LastConnectedAt.IsZero())

	now := time.Now()
	require.NoError(t, s.UpdateAgentOnConnect(ctx, "a1", "1.2.3", now))
	a, err = s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", a.AgentVersion)
	assert.Equal(t, now.Unix(), a.LastConnectedAt.Unix())

	require.NoError(t, s.UpdateAgentSecret(ctx, "a1", "rotated"))
	a, err = s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "rotated", a.Secret)

	require.NoError(t, s.DeleteAgent(ctx, "a1"))
	_, err = s.GetAgent(ctx, "a1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteAgent(ctx, "a1"), ErrNotFound)
}

func TestListAgentsByOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedOperator(t, s, "op1", "alice")
	seedOperator(t, s, "op2", "bob")
	seedAgent(t, s, "a1", "op1")
	seedAgent(t, s, "a2", "op1")
	seedAgent(t, s, "b1", "op2")

	agents, err := s.ListAgentsByOwner(ctx, "op1")
	require.NoError(t, err)
	require.Len(t, agents, 2)

	agents, err = s.ListAgentsByOwner(ctx, "op2")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "b1", agents[0].ID)
}

func TestDeleteOperatorCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedOperator(t, s, "op1", "alice")
	seedAgent(t, s, "a1", "op1")

	_, err := s.db.ExecContext(ctx, `DELETE FROM operators WHERE id = 'op1'`)
	require.NoError(t, err)

	_, err = s.GetAgent(ctx, "a1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func snapshot(collectedAt int64) protocol.Inventory {
	return protocol.Inventory{
		Hostname:     "host-1",
		OS:           "linux",
		Platform:     "ubuntu",
		Arch:         "amd64",
		CollectedAt:  collectedAt,
		CPUCount:     8,
		CPUModel:     "Xeon",
		MemoryTotal:  32 << 30,
		MemoryUsed:   10 << 30,
		MemoryFree:   22 << 30,
		DiskTotal:    512 << 30,
		DiskUsed:     100 << 30,
		DiskFree:     412 << 30,
		IPAddresses:  []string{"10.0.0.5"},
		MACAddresses: []string{"aa:bb:cc:dd:ee:ff"},
	}
}

func TestPutInventory_FirstSnapshotIsChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedOperator(t, s, "op1", "alice")
	seedAgent(t, s, "a1", "op1")

	changed, err := s.PutInventory(ctx, "a1", snapshot(100))
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := s.GetLatestInventory(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "host-1", got.Hostname)
	assert.Equal(t, []string{"10.0.0.5"}, got.IPAddresses)

	// First snapshot has no predecessor, so no history row.
	history, err := s.ListInventoryHistory(ctx, "a1", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestPutInventory_UnchangedKeyFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedOperator(t, s, "op1", "alice")
	seedAgent(t, s, "a1", "op1")

	_, err := s.PutInventory(ctx, "a1", snapshot(100))
	require.NoError(t, err)

	// Usage metrics move but the identity fields do not.
	next := snapshot(200)
	next.MemoryUsed = 20 << 30
	changed, err := s.PutInventory(ctx, "a1", next)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.GetLatestInventory(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.CollectedAt)
	assert.Equal(t, uint64(20<<30), got.MemoryUsed)

	history, err := s.ListInventoryHistory(ctx, "a1", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestPutInventory_KeyFieldChangeArchivesOld(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedOperator(t, s, "op1", "alice")
	seedAgent(t, s, "a1", "op1")

	_, err := s.PutInventory(ctx, "a1", snapshot(100))
	require.NoError(t, err)

	next := snapshot(200)
	next.Hostname = "host-renamed"
	changed, err := s.PutInventory(ctx, "a1", next)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := s.GetLatestInventory(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "host-renamed", got.Hostname)

	history, err := s.ListInventoryHistory(ctx, "a1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(100), history[0].CollectedAt)
	assert.Equal(t, "host-1", history[0].Snapshot.Hostname)
}

func TestPutInventory_StaleSnapshotRefused(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedOperator(t, s, "op1", "alice")
	seedAgent(t, s, "a1", "op1")

	_, err := s.PutInventory(ctx, "a1", snapshot(200))
	require.NoError(t, err)

	stale := snapshot(100)
	stale.Hostname = "host-old"
	_, err = s.PutInventory(ctx, "a1", stale)
	assert.ErrorIs(t, err, ErrStaleInventory)

	got, err := s.GetLatestInventory(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "host-1", got.Hostname)
	assert.Equal(t, int64(200), got.CollectedAt)
}

func TestPutInventory_MirrorsAgentFacts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedOperator(t, s, "op1", "alice")
	seedAgent(t, s, "a1", "op1")

	_, err := s.PutInventory(ctx, "a1", snapshot(100))
	require.NoError(t, err)

	a, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "host-1", a.Hostname)
	assert.Equal(t, "ubuntu", a.Platform)
	assert.Equal(t, "amd64", a.Arch)
}

func TestInventoryHistoryOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedOperator(t, s, "op1", "alice")
	seedAgent(t, s, "a1", "op1")

	for i := int64(1); i <= 4; i++ {
		inv := snapshot(i * 100)
		inv.CPUCount = int(i) // key field change each time
		_, err := s.PutInventory(ctx, "a1", inv)
		require.NoError(t, err)
	}

	history, err := s.ListInventoryHistory(ctx, "a1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(300), history[0].CollectedAt)
	assert.Equal(t, int64(200), history[1].CollectedAt)
}

func TestGetLatestInventory_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetLatestInventory(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}
