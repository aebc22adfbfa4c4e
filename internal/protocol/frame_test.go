package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndDecode(t *testing.T) {
	f, err := New(TypeHello, Hello{AgentID: "a1", Secret: "s", AgentVersion: "v1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, TypeHello, f.Type)
	assert.NotZero(t, f.Timestamp)

	var hello Hello
	require.NoError(t, f.Decode(&hello))
	assert.Equal(t, "a1", hello.AgentID)
	assert.Equal(t, "v1.0.0", hello.AgentVersion)
}

func TestUnmarshal_RoundTrip(t *testing.T) {
	f := MustNew(TypeTerminalOutput, TerminalOutput{SessionID: "x", Data: "aGk=", Seq: 7})
	wire, err := f.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(wire)
	require.NoError(t, err)
	assert.Equal(t, TypeTerminalOutput, got.Type)

	var out TerminalOutput
	require.NoError(t, got.Decode(&out))
	assert.Equal(t, uint64(7), out.Seq)
	assert.Equal(t, "aGk=", out.Data)
}

func TestUnmarshal_MissingType(t *testing.T) {
	_, err := Unmarshal([]byte(`{"data":{},"timestamp":1}`))
	require.Error(t, err)
}

func TestUnmarshal_NotJSON(t *testing.T) {
	_, err := Unmarshal([]byte("not json"))
	require.Error(t, err)
}

func TestCheckTimestamp(t *testing.T) {
	now := time.Now()

	fresh := Frame{Type: TypeHeartbeat, Timestamp: now.Unix()}
	assert.NoError(t, fresh.CheckTimestamp(now))

	// Just inside the window.
	recent := Frame{Type: TypeHeartbeat, Timestamp: now.Add(-299 * time.Second).Unix()}
	assert.NoError(t, recent.CheckTimestamp(now))

	stale := Frame{Type: TypeHeartbeat, Timestamp: now.Add(-301 * time.Second).Unix()}
	assert.Error(t, stale.CheckTimestamp(now))

	// Future timestamps are rejected symmetrically.
	future := Frame{Type: TypeHeartbeat, Timestamp: now.Add(301 * time.Second).Unix()}
	assert.Error(t, future.CheckTimestamp(now))
}

func TestDecode_EmptyData(t *testing.T) {
	f := Frame{Type: TypeHeartbeat, Timestamp: time.Now().Unix()}
	var hb Heartbeat
	require.Error(t, f.Decode(&hb))
}
