package protocol

import "github.com/coder/websocket"

// Operator-facing frame types. The envelope is the same Frame; the
// payload shapes below are what the web UI sends and receives on
// /terminal/{agent_id}.
const (
	TypeInit   = "init"
	TypeInput  = "input"
	TypeResize = "resize"
	TypeOutput = "output"
)

// OperatorInit is the first frame an operator sends after the WebSocket
// opens, carrying the initial terminal geometry.
type OperatorInit struct {
	Cols  int    `json:"cols"`
	Rows  int    `json:"rows"`
	Shell string `json:"shell,omitempty"`
}

// OperatorInput carries keystrokes from the operator.
type OperatorInput struct {
	Data string `json:"data"`
}

// OperatorResize changes the terminal geometry mid-session.
type OperatorResize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// OperatorOutput is terminal output delivered to the operator, already
// decoded from the agent's base64 payload.
type OperatorOutput struct {
	SessionID string `json:"session_id"`
	Output    string `json:"output"`
}

// WebSocket close codes. The 4xxx range is application-defined; reasons
// mirror the close-code vocabulary in the error taxonomy.
const (
	CloseNormal       websocket.StatusCode = websocket.StatusNormalClosure
	CloseAuth         websocket.StatusCode = 4001
	CloseUnauthorised websocket.StatusCode = 4003
	CloseAgentOffline websocket.StatusCode = 4004
	CloseDuplicate    websocket.StatusCode = 4005
	CloseBackpressure websocket.StatusCode = 4008
	CloseStalled      websocket.StatusCode = 4009
	CloseShutdown     websocket.StatusCode = 4010
	CloseProtocol     websocket.StatusCode = websocket.StatusPolicyViolation
	CloseUnavailable  websocket.StatusCode = websocket.StatusTryAgainLater
	CloseInternal     websocket.StatusCode = websocket.StatusInternalError
)
