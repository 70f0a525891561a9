package state

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when a device id is not registered.
var ErrNotFound = errors.New("device not found")

// DefaultLogRetention bounds the in-memory access log when the config
// does not say otherwise.
const DefaultLogRetention = 10000

// Store is the single source of truth for device state and the access
// log. Every mutation passes through one writer lock so read-modify-
// write sequences in the authorization engine stay atomic with respect
// to other writers. Reads return copies, never aliases.
type Store struct {
	mu           sync.RWMutex
	devices      map[string]*Device
	order        []string // seed order, for stable listings
	log          []AccessEvent
	logStart     int // ring eviction cursor
	logRetention int
}

// NewStore seeds the registry. Connection status is normalized at
// creation: virtual devices are permanently online, physical devices
// start offline until a controller session attaches.
func NewStore(seeds []Device, logRetention int) (*Store, error) {
	if logRetention <= 0 {
		logRetention = DefaultLogRetention
	}
	s := &Store{
		devices:      make(map[string]*Device, len(seeds)),
		logRetention: logRetention,
	}
	for _, seed := range seeds {
		if seed.DoorID == "" {
			return nil, errors.New("device seed missing id")
		}
		if _, dup := s.devices[seed.DoorID]; dup {
			return nil, fmt.Errorf("duplicate device id %q", seed.DoorID)
		}
		d := seed
		switch d.Kind {
		case KindVirtual:
			d.ConnectionStatus = ConnOnline
		case KindPhysical:
			d.ConnectionStatus = ConnOffline
		default:
			return nil, fmt.Errorf("device %q: unknown kind %q", d.DoorID, d.Kind)
		}
		if d.PhysicalStatus == "" {
			d.PhysicalStatus = StatusClosed
		}
		if d.LockState == "" {
			d.LockState = LockLocked
		}
		s.devices[d.DoorID] = &d
		s.order = append(s.order, d.DoorID)
	}
	return s, nil
}

// GetDevice returns a copy of the device, or ErrNotFound.
func (s *Store) GetDevice(id string) (Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return Device{}, ErrNotFound
	}
	return *d, nil
}

// ListDevices returns copies of all devices in seed order.
func (s *Store) ListDevices() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Device, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.devices[id])
	}
	return out
}

// Mutate runs fn on the live device under the writer lock and returns
// the post-mutation copy. fn returning an error aborts the mutation.
// This is the atomic read-modify-write primitive the authorization
// engine builds its rule checks on.
func (s *Store) Mutate(id string, fn func(*Device) error) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return Device{}, ErrNotFound
	}
	before := *d
	if err := fn(d); err != nil {
		*d = before
		return Device{}, err
	}
	// Invariants the store enforces regardless of caller: ids are
	// immutable and virtual devices never leave the online state.
	d.DoorID = before.DoorID
	d.Kind = before.Kind
	if d.Kind == KindVirtual {
		d.ConnectionStatus = ConnOnline
	}
	return *d, nil
}

// Patch is a partial device update. Nil fields are left untouched.
type Patch struct {
	PhysicalStatus   *PhysicalStatus
	LockState        *LockState
	ConnectionStatus *ConnectionStatus
}

// UpdateDevice applies a patch atomically and returns the updated copy.
func (s *Store) UpdateDevice(id string, p Patch) (Device, error) {
	return s.Mutate(id, func(d *Device) error {
		if p.PhysicalStatus != nil {
			d.PhysicalStatus = *p.PhysicalStatus
		}
		if p.LockState != nil {
			d.LockState = *p.LockState
		}
		if p.ConnectionStatus != nil {
			d.ConnectionStatus = *p.ConnectionStatus
		}
		return nil
	})
}

// AppendEvent adds an audit entry, evicting the oldest entries once the
// retention ceiling is reached.
func (s *Store) AppendEvent(e AccessEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, e)
	if live := len(s.log) - s.logStart; live > s.logRetention {
		s.logStart += live - s.logRetention
	}
	// Compact once the dead prefix dominates, so the slice does not
	// grow without bound.
	if s.logStart > s.logRetention {
		s.log = append([]AccessEvent(nil), s.log[s.logStart:]...)
		s.logStart = 0
	}
}

// ListEvents returns up to limit entries, most recent first.
func (s *Store) ListEvents(limit int) []AccessEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listEventsLocked(limit, "")
}

// ListDeviceEvents returns up to limit entries for one device, most
// recent first.
func (s *Store) ListDeviceEvents(deviceID string, limit int) []AccessEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listEventsLocked(limit, deviceID)
}

func (s *Store) listEventsLocked(limit int, deviceID string) []AccessEvent {
	live := s.log[s.logStart:]
	if limit <= 0 || limit > s.logRetention {
		limit = s.logRetention
	}
	out := make([]AccessEvent, 0, min(limit, len(live)))
	for i := len(live) - 1; i >= 0 && len(out) < limit; i-- {
		if deviceID != "" && live[i].DeviceID != deviceID {
			continue
		}
		out = append(out, live[i])
	}
	return out
}

// EventCount reports the current audit log length.
func (s *Store) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.log) - s.logStart
}

// DeviceCount reports the registry size.
func (s *Store) DeviceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}
