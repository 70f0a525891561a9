// Package protocol defines the JSON message shapes spoken on the
// dashboard and controller websockets.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message types sent by the server.
const (
	TypeInitialData       = "initial_data"
	TypeDeviceStateChange = "device_state_change"
	TypeAccessEvent       = "access_event"
	TypeCommandResponse   = "command_response"
	TypeCommand           = "command"
	TypeCommandDenied     = "command_denied"
	TypePing              = "ping"
	TypePong              = "pong"
	TypeHandshake         = "handshake"
	TypeAck               = "ack"
	TypeError             = "error"
)

// Message types received from peers.
const (
	TypeStatusUpdate         = "status_update"
	TypeButtonCommandRequest = "button_command_request"
)

// Envelope is the minimal shape every inbound frame must carry.
type Envelope struct {
	Type string `json:"type"`
}

// Constraints caps inbound payload sizes. Controllers are embedded
// hardware with small frames; anything oversized is hostile or broken.
type Constraints struct {
	MaxMessageBytes int // Maximum total message JSON bytes.
	MaxDeviceID     int // Maximum device_id length.
	MaxUserID       int // Maximum user_id length.
}

// DefaultConstraints returns safe parsing defaults.
func DefaultConstraints() Constraints {
	return Constraints{
		MaxMessageBytes: 4 * 1024,
		MaxDeviceID:     64,
		MaxUserID:       128,
	}
}

var (
	ErrMessageTooLarge = errors.New("message too large")
	ErrInvalidJSON     = errors.New("invalid json")
	ErrMissingType     = errors.New("missing message type")
	ErrUnknownType     = errors.New("unknown message type")
	ErrMissingField    = errors.New("missing required field")
	ErrFieldTooLong    = errors.New("field too long")
)

// ParseEnvelope validates size and extracts the message type.
func ParseEnvelope(b []byte, c Constraints) (string, error) {
	def := DefaultConstraints()
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = def.MaxMessageBytes
	}
	if c.MaxMessageBytes > 0 && len(b) > c.MaxMessageBytes {
		return "", ErrMessageTooLarge
	}
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return "", ErrInvalidJSON
	}
	if env.Type == "" {
		return "", ErrMissingType
	}
	return env.Type, nil
}

// CommandRequest is the dashboard client-to-server command message.
type CommandRequest struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
	Command  string `json:"command"`
	UserID   string `json:"user_id"`
}

// ParseCommandRequest validates a dashboard command frame.
func ParseCommandRequest(b []byte, c Constraints) (*CommandRequest, error) {
	def := DefaultConstraints()
	if c.MaxDeviceID == 0 {
		c.MaxDeviceID = def.MaxDeviceID
	}
	if c.MaxUserID == 0 {
		c.MaxUserID = def.MaxUserID
	}
	var m CommandRequest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, ErrInvalidJSON
	}
	if m.DeviceID == "" {
		return nil, fmt.Errorf("device_id: %w", ErrMissingField)
	}
	if c.MaxDeviceID > 0 && len(m.DeviceID) > c.MaxDeviceID {
		return nil, fmt.Errorf("device_id: %w", ErrFieldTooLong)
	}
	if m.Command == "" {
		return nil, fmt.Errorf("command: %w", ErrMissingField)
	}
	if m.UserID == "" {
		return nil, fmt.Errorf("user_id: %w", ErrMissingField)
	}
	if c.MaxUserID > 0 && len(m.UserID) > c.MaxUserID {
		return nil, fmt.Errorf("user_id: %w", ErrFieldTooLong)
	}
	return &m, nil
}

// StatusUpdate is the controller report of the door position. It is
// authoritative for physical_status of the session's device.
type StatusUpdate struct {
	Type      string           `json:"type"`
	Data      StatusUpdateData `json:"data"`
	Timestamp string           `json:"timestamp,omitempty"`
}

// StatusUpdateData carries the reported position.
type StatusUpdateData struct {
	PhysicalStatus string `json:"physical_status"`
}

// ParseStatusUpdate validates a controller status report.
func ParseStatusUpdate(b []byte) (*StatusUpdate, error) {
	var m StatusUpdate
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, ErrInvalidJSON
	}
	if m.Data.PhysicalStatus == "" {
		return nil, fmt.Errorf("data.physical_status: %w", ErrMissingField)
	}
	return &m, nil
}

// ButtonCommandRequest is a controller-originated attempt (the physical
// button on the door).
type ButtonCommandRequest struct {
	Type      string `json:"type"`
	Command   string `json:"command"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ParseButtonCommandRequest validates a button attempt frame.
func ParseButtonCommandRequest(b []byte) (*ButtonCommandRequest, error) {
	var m ButtonCommandRequest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, ErrInvalidJSON
	}
	if m.Command == "" {
		return nil, fmt.Errorf("command: %w", ErrMissingField)
	}
	return &m, nil
}

// CommandResponseReport is the informational confirmation a controller
// sends after actuating a command. Logged, not required.
type CommandResponseReport struct {
	Type      string `json:"type"`
	Command   string `json:"command"`
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ParseCommandResponseReport parses a controller confirmation.
func ParseCommandResponseReport(b []byte) (*CommandResponseReport, error) {
	var m CommandResponseReport
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, ErrInvalidJSON
	}
	return &m, nil
}
