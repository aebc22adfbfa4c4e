package protocol

// Hello is the first frame an agent sends after connecting.
type Hello struct {
	AgentID      string `json:"agent_id"`
	Secret       string `json:"secret"`
	AgentVersion string `json:"agent_version"`
}

// Welcome is the server's handshake reply. The intervals tell the agent
// how often to heartbeat and how often to submit inventory.
type Welcome struct {
	ServerVersion      string `json:"server_version"`
	HeartbeatIntervalS int    `json:"heartbeat_interval_s"`
	InventoryIntervalS int    `json:"inventory_interval_s"`
}

// Heartbeat is the periodic liveness frame from the agent.
type Heartbeat struct {
	Status       string `json:"status"`
	UptimeS      int64  `json:"uptime_s"`
	AgentVersion string `json:"agent_version"`
}

// HeartbeatAck is the server's reply to a heartbeat.
type HeartbeatAck struct {
	ServerTimeS int64 `json:"server_time_s"`
}

// Inventory is a point-in-time snapshot of the agent host.
type Inventory struct {
	Hostname    string `json:"hostname"`
	OS          string `json:"os"`
	Platform    string `json:"platform"`
	Arch        string `json:"arch"`
	CollectedAt int64  `json:"collected_at"`

	CPUCount int    `json:"cpu_count"`
	CPUModel string `json:"cpu_model"`

	MemoryTotal uint64 `json:"memory_total"`
	MemoryUsed  uint64 `json:"memory_used"`
	MemoryFree  uint64 `json:"memory_free"`

	DiskTotal uint64 `json:"disk_total"`
	DiskUsed  uint64 `json:"disk_used"`
	DiskFree  uint64 `json:"disk_free"`

	IPAddresses  []string `json:"ip_addresses"`
	MACAddresses []string `json:"mac_addresses"`

	// Extensions carries platform-specific detail the server stores
	// verbatim without interpreting.
	Extensions map[string]any `json:"extensions,omitempty"`
}

// InventoryAck acknowledges a durably stored inventory snapshot.
type InventoryAck struct {
	Received bool `json:"received"`
	Changed  bool `json:"changed"`
}

// TerminalCommand is a server→agent terminal instruction. Command is one
// of CmdInit, CmdInput, CmdResize, CmdClose; the remaining fields are
// populated per command.
type TerminalCommand struct {
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
	Rows      int    `json:"rows,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Shell     string `json:"shell,omitempty"`
	Data      string `json:"data,omitempty"` // base64 for input
}

// TerminalOutput carries base64-encoded PTY output from the agent. Seq
// is monotonic per session so replicas can restore producer order.
type TerminalOutput struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
	Seq       uint64 `json:"seq"`
}

// TerminalReady signals that the agent's PTY is running.
type TerminalReady struct {
	SessionID string `json:"session_id"`
}

// TerminalError reports a session-scoped failure. It does not close the
// agent's base transport.
type TerminalError struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// TerminalClosed signals that the agent-side PTY has gone away.
type TerminalClosed struct {
	SessionID string `json:"session_id"`
}

// Error is a typed error frame, sent in either direction.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
