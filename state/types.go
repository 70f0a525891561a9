package state

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/doorfleet/doorfleet/internal/timeutil"
)

// DeviceKind separates doors the server actuates directly from doors
// owned by an external controller session.
type DeviceKind string

const (
	KindPhysical DeviceKind = "physical"
	KindVirtual  DeviceKind = "virtual"
)

// PhysicalStatus is the reported open/closed position of a door.
type PhysicalStatus string

const (
	StatusOpen   PhysicalStatus = "open"
	StatusClosed PhysicalStatus = "closed"
)

// LockState is the server-authoritative lock flag. Device reports never
// change it.
type LockState string

const (
	LockLocked   LockState = "locked"
	LockUnlocked LockState = "unlocked"
)

// ConnectionStatus reflects controller session presence for physical
// devices. Virtual devices are permanently online.
type ConnectionStatus string

const (
	ConnOnline  ConnectionStatus = "online"
	ConnOffline ConnectionStatus = "offline"
)

// Command is one of the four state-changing actions.
type Command string

const (
	CmdOpen   Command = "open"
	CmdClose  Command = "close"
	CmdLock   Command = "lock"
	CmdUnlock Command = "unlock"
)

// ParseCommand validates a wire command value.
func ParseCommand(s string) (Command, error) {
	switch Command(strings.ToLower(strings.TrimSpace(s))) {
	case CmdOpen:
		return CmdOpen, nil
	case CmdClose:
		return CmdClose, nil
	case CmdLock:
		return CmdLock, nil
	case CmdUnlock:
		return CmdUnlock, nil
	}
	return "", fmt.Errorf("unknown command %q", s)
}

// ParsePhysicalStatus validates a reported door position.
func ParsePhysicalStatus(s string) (PhysicalStatus, error) {
	switch PhysicalStatus(strings.ToLower(strings.TrimSpace(s))) {
	case StatusOpen:
		return StatusOpen, nil
	case StatusClosed:
		return StatusClosed, nil
	}
	return "", fmt.Errorf("unknown physical status %q", s)
}

// Outcome is the result of an authorization pass.
type Outcome string

const (
	OutcomeGranted Outcome = "granted"
	OutcomeDenied  Outcome = "denied"
)

// Device is one door. DoorID is unique and immutable; everything else
// mutates only through the Store.
type Device struct {
	DoorID           string           `json:"door_id"`
	Location         string           `json:"location"`
	Kind             DeviceKind       `json:"device_type"`
	PhysicalStatus   PhysicalStatus   `json:"physical_status"`
	LockState        LockState        `json:"lock_state"`
	ConnectionStatus ConnectionStatus `json:"connection_status"`
}

// AccessEvent is one audit log entry. The timestamp keeps its monotonic
// reading in memory and is emitted as ISO-8601 UTC.
type AccessEvent struct {
	Timestamp time.Time
	DeviceID  string
	UserID    string
	Command   Command
	Outcome   Outcome
	Message   string
}

type accessEventWire struct {
	Timestamp string  `json:"timestamp"`
	DeviceID  string  `json:"device_id"`
	UserID    string  `json:"user_id"`
	Command   Command `json:"command"`
	Status    Outcome `json:"status"`
	Message   string  `json:"message"`
}

// MarshalJSON emits the audit wire shape with status instead of outcome
// and an ISO-8601 UTC timestamp.
func (e AccessEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(accessEventWire{
		Timestamp: timeutil.Format(e.Timestamp),
		DeviceID:  e.DeviceID,
		UserID:    e.UserID,
		Command:   e.Command,
		Status:    e.Outcome,
		Message:   e.Message,
	})
}

// UnmarshalJSON accepts the audit wire shape back (used by clients and
// tests reading broadcast frames).
func (e *AccessEvent) UnmarshalJSON(b []byte) error {
	var w accessEventWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	ts, err := time.Parse(timeutil.ISO8601, w.Timestamp)
	if err != nil {
		return err
	}
	e.Timestamp = ts
	e.DeviceID = w.DeviceID
	e.UserID = w.UserID
	e.Command = w.Command
	e.Outcome = w.Status
	e.Message = w.Message
	return nil
}
