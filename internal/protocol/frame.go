// Package protocol defines the JSON frame envelope exchanged between
// agents, the server, and operator terminals, plus the payload schemas
// for every frame type.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame is the envelope for every message on the wire.
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	MessageID string          `json:"message_id,omitempty"`
}

// Frame types, agent ⇄ server.
const (
	TypeHello          = "hello"
	TypeWelcome        = "welcome"
	TypeHeartbeat      = "heartbeat"
	TypeHeartbeatAck   = "heartbeat_ack"
	TypeInventory      = "inventory"
	TypeInventoryAck   = "inventory_ack"
	TypeTerminalCmd    = "terminal_command"
	TypeTerminalOutput = "terminal_output"
	TypeTerminalReady  = "terminal_ready"
	TypeTerminalError  = "terminal_error"
	TypeTerminalClosed = "terminal_closed"
	TypeError          = "error"
)

// Terminal sub-commands carried in a terminal_command frame.
const (
	CmdInit   = "init"
	CmdInput  = "input"
	CmdResize = "resize"
	CmdClose  = "close"
)

// Error codes carried in an error frame.
const (
	CodeAuth           = "auth"
	CodeInvalidMessage = "invalid_message"
	CodeRateLimit      = "rate_limit"
	CodeUnavailable    = "unavailable"
	CodeUnknownSession = "unknown_session"
	CodeUnauthorised   = "unauthorised"
	CodeInternal       = "internal"
)

// Payload size limits.
const (
	// MaxFrameBytes is the hard cap on a single inbound frame. Inventory
	// frames are the largest legitimate payload.
	MaxFrameBytes = 1 << 20 // 1 MiB

	// MaxTerminalChunk is the largest terminal_output payload a producer
	// may emit; larger reads are split before encoding.
	MaxTerminalChunk = 64 << 10 // 64 KiB
)

// MaxClockSkew is the tolerated difference between a frame's timestamp
// and the receiver's clock. Frames outside the window are rejected.
const MaxClockSkew = 300 * time.Second

// New builds a frame of the given type with the payload marshalled into
// Data and Timestamp set to now.
func New(frameType string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", frameType, err)
	}
	return Frame{
		Type:      frameType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}, nil
}

// MustNew is New for payloads that cannot fail to marshal. It panics on
// error and exists for the fixed, struct-typed payloads in this package.
func MustNew(frameType string, payload any) Frame {
	f, err := New(frameType, payload)
	if err != nil {
		panic(err)
	}
	return f
}

// Decode unmarshals the frame's Data into v.
func (f *Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("frame %s has no data", f.Type)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}

// CheckTimestamp rejects frames whose timestamp deviates from now by
// more than MaxClockSkew.
func (f *Frame) CheckTimestamp(now time.Time) error {
	skew := now.Unix() - f.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > MaxClockSkew {
		return fmt.Errorf("frame timestamp skew %ds exceeds %s", skew, MaxClockSkew)
	}
	return nil
}

// Marshal encodes the frame for the wire.
func (f *Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// Unmarshal decodes a wire message into a frame.
func Unmarshal(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("frame missing type")
	}
	return f, nil
}
