package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/doorfleet/doorfleet/state"
)

// SimulatedDoor is an in-memory Actuator used by the door simulator
// binary and tests. An optional actuation delay mimics motor travel.
type SimulatedDoor struct {
	mu     sync.Mutex
	status state.PhysicalStatus
	delay  time.Duration
}

// NewSimulatedDoor returns a door in the given position.
func NewSimulatedDoor(initial state.PhysicalStatus, delay time.Duration) *SimulatedDoor {
	if initial == "" {
		initial = state.StatusClosed
	}
	return &SimulatedDoor{status: initial, delay: delay}
}

// Apply moves the door. Lock commands never reach a controller; they
// are rejected if one arrives anyway.
func (d *SimulatedDoor) Apply(cmd state.Command) (state.PhysicalStatus, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch cmd {
	case state.CmdOpen:
		d.status = state.StatusOpen
	case state.CmdClose:
		d.status = state.StatusClosed
	default:
		return d.status, fmt.Errorf("unsupported command %q", cmd)
	}
	return d.status, nil
}

// Status returns the current position.
func (d *SimulatedDoor) Status() state.PhysicalStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}
