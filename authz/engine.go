// Package authz decides every access attempt. An attempt passes the
// rate limiter, resolves its device, then runs the role and lock rules;
// the engine records the outcome in the limiter and the audit log and
// hands the resulting events to the broadcaster in a fixed order.
package authz

import (
	"errors"
	"fmt"
	"sync"

	"github.com/doorfleet/doorfleet/internal/logutil"
	"github.com/doorfleet/doorfleet/internal/timeutil"
	"github.com/doorfleet/doorfleet/observability"
	"github.com/doorfleet/doorfleet/ratelimit"
	"github.com/doorfleet/doorfleet/state"
)

// Deny reason codes carried on Result and in command_denied frames.
const (
	ReasonLockedOut     = ratelimit.ReasonLockedOut
	ReasonRateLimited   = ratelimit.ReasonRateLimited
	ReasonUnknownDevice = "unknown_device"
	ReasonDoorLocked    = "door_locked"
	ReasonNotPermitted  = "not_permitted"
	ReasonDeviceOffline = "device_offline"

	// ReasonNoOp marks a grant that required no state change.
	ReasonNoOp = "no_op"
)

// Well-known user identities.
const (
	DefaultAdminUserID = "admin"
	ButtonUserID       = "physical_button"
	SystemUserID       = "system"
)

// HeartbeatCommand is the pseudo-command logged when a controller times out.
const HeartbeatCommand state.Command = "heartbeat"

// CommandDispatcher carries granted commands to physical controllers.
type CommandDispatcher interface {
	Dispatch(deviceID string, cmd state.Command) error
	NotifyDenied(deviceID string, cmd state.Command, reason string)
}

// Broadcaster fans events to all observer sessions.
type Broadcaster interface {
	BroadcastStateChange(d state.Device)
	BroadcastAccessEvent(e state.AccessEvent)
}

// Result is the outcome of one attempt. Reason is a machine code, empty
// for plain grants; Device is the post-attempt snapshot when the device
// resolved.
type Result struct {
	Outcome state.Outcome
	Reason  string
	Message string
	Device  *state.Device
}

// Granted reports whether the attempt was allowed.
func (r Result) Granted() bool { return r.Outcome == state.OutcomeGranted }

// Engine runs the authorization pipeline. Attempts are serialized so
// that audit order matches mutation order and the ordering guarantee
// (state change before its access event) holds globally.
type Engine struct {
	mu      sync.Mutex
	store   *state.Store
	limiter *ratelimit.Limiter
	disp    CommandDispatcher
	bcast   Broadcaster
	obs     observability.AccessObserver

	adminUserID string
	clock       timeutil.Clock
}

// Option configures an Engine.
type Option func(*Engine)

// WithAdminUser overrides the administrative user id.
func WithAdminUser(id string) Option {
	return func(e *Engine) {
		if id != "" {
			e.adminUserID = id
		}
	}
}

// WithObserver installs a metric observer.
func WithObserver(obs observability.AccessObserver) Option {
	return func(e *Engine) { e.obs = obs }
}

// WithClock overrides the time source for tests.
func WithClock(c timeutil.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New returns an Engine over the given collaborators.
func New(store *state.Store, limiter *ratelimit.Limiter, disp CommandDispatcher, bcast Broadcaster, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		limiter:     limiter,
		disp:        disp,
		bcast:       bcast,
		obs:         observability.NoopAccessObserver,
		adminUserID: DefaultAdminUserID,
		clock:       timeutil.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Attempt runs one access attempt end to end: pre-checks, rules, state
// mutation or dispatch, limiter recording, audit append and broadcast.
func (e *Engine) Attempt(deviceID string, userID string, cmd state.Command) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, changed := e.decide(deviceID, userID, cmd)
	e.finish(deviceID, userID, cmd, res, changed)
	return res
}

// decide evaluates pre-checks and command rules, applying any state
// mutation. Caller holds e.mu.
func (e *Engine) decide(deviceID string, userID string, cmd state.Command) (Result, bool) {
	if d := e.limiter.Check(deviceID, userID, cmd); !d.Allowed {
		msg := "Too many requests; try again later"
		if d.Reason == ReasonLockedOut {
			msg = fmt.Sprintf("Too many failed attempts; locked out for %d more seconds", int(d.RemainingLockout.Seconds())+1)
		}
		return deny(d.Reason, msg), false
	}

	dev, err := e.store.GetDevice(deviceID)
	if err != nil {
		return deny(ReasonUnknownDevice, "Device not found"), false
	}

	isAdmin := userID == e.adminUserID
	isButton := userID == ButtonUserID

	switch cmd {
	case state.CmdLock, state.CmdUnlock:
		if isButton {
			return denyFor(dev, ReasonNotPermitted, "Physical button cannot lock or unlock"), false
		}
		if !isAdmin {
			return denyFor(dev, ReasonNotPermitted, "Only admin can lock or unlock doors"), false
		}
	case state.CmdOpen:
		// Buttons never override the lock; admins do.
		if dev.LockState == state.LockLocked && (!isAdmin || isButton) {
			return denyFor(dev, ReasonDoorLocked, "Door is locked and user is not admin"), false
		}
	}

	return e.execute(dev, cmd)
}

// execute applies a granted command to the device.
func (e *Engine) execute(dev state.Device, cmd state.Command) (Result, bool) {
	switch cmd {
	case state.CmdOpen:
		if dev.PhysicalStatus == state.StatusOpen {
			return grantNoOp(dev, "Door was already open"), false
		}
		if dev.Kind == state.KindPhysical {
			if err := e.disp.Dispatch(dev.DoorID, cmd); err != nil {
				return denyFor(dev, ReasonDeviceOffline, "Device is offline"), false
			}
			return grant(dev, "Open command sent to device"), false
		}
		return e.mutate(dev.DoorID, "Door opened successfully", func(d *state.Device) error {
			d.PhysicalStatus = state.StatusOpen
			return nil
		})

	case state.CmdClose:
		if dev.PhysicalStatus == state.StatusClosed {
			return grantNoOp(dev, "Door was already closed"), false
		}
		if dev.Kind == state.KindPhysical {
			if err := e.disp.Dispatch(dev.DoorID, cmd); err != nil {
				return denyFor(dev, ReasonDeviceOffline, "Device is offline"), false
			}
			return grant(dev, "Close command sent to device"), false
		}
		return e.mutate(dev.DoorID, "Door closed successfully", func(d *state.Device) error {
			d.PhysicalStatus = state.StatusClosed
			return nil
		})

	case state.CmdLock:
		if dev.LockState == state.LockLocked {
			return grantNoOp(dev, "Door was already locked"), false
		}
		// The lock is a server concept; physical devices get no dispatch.
		return e.mutate(dev.DoorID, "Door locked successfully", func(d *state.Device) error {
			d.LockState = state.LockLocked
			return nil
		})

	case state.CmdUnlock:
		if dev.LockState == state.LockUnlocked {
			return grantNoOp(dev, "Door was already unlocked"), false
		}
		return e.mutate(dev.DoorID, "Door unlocked successfully", func(d *state.Device) error {
			d.LockState = state.LockUnlocked
			return nil
		})
	}

	return deny(ReasonNotPermitted, "Unknown command"), false
}

func (e *Engine) mutate(deviceID string, message string, fn func(*state.Device) error) (Result, bool) {
	dev, err := e.store.Mutate(deviceID, fn)
	if err != nil {
		// The device existed moments ago; the registry never deletes.
		if errors.Is(err, state.ErrNotFound) {
			return deny(ReasonUnknownDevice, "Device not found"), false
		}
		return deny(ReasonNotPermitted, "State update rejected"), false
	}
	return grant(dev, message), true
}

// finish records the outcome, appends the audit entry and broadcasts in
// the required order: state change first, then the access event. Caller
// holds e.mu.
func (e *Engine) finish(deviceID string, userID string, cmd state.Command, res Result, changed bool) {
	granted := res.Granted()
	e.limiter.Record(deviceID, userID, cmd, granted)

	ev := state.AccessEvent{
		Timestamp: e.clock(),
		DeviceID:  deviceID,
		UserID:    userID,
		Command:   cmd,
		Outcome:   res.Outcome,
		Message:   res.Message,
	}
	e.store.AppendEvent(ev)
	e.obs.AuditLogSize(e.store.EventCount())

	reason := observability.DenyReasonNone
	outcome := observability.AttemptGranted
	if !granted {
		outcome = observability.AttemptDenied
		reason = observability.DenyReason(res.Reason)
	}
	e.obs.Attempt(outcome, reason)

	if changed && res.Device != nil {
		e.bcast.BroadcastStateChange(*res.Device)
	}
	e.bcast.BroadcastAccessEvent(ev)

	if !granted && userID == ButtonUserID {
		e.disp.NotifyDenied(deviceID, cmd, res.Reason)
	}

	logutil.WithFields(map[string]interface{}{
		"device_id": deviceID,
		"user_id":   userID,
		"command":   cmd,
		"outcome":   res.Outcome,
	}).Info(res.Message)
}

// HandleCommand routes a dashboard websocket command through the engine.
func (e *Engine) HandleCommand(deviceID string, userID string, cmd state.Command) (state.Outcome, string) {
	r := e.Attempt(deviceID, userID, cmd)
	return r.Outcome, r.Message
}

// HandleButton routes a controller button press through the engine with
// the button identity. Denials are pushed back to the controller by the
// dispatcher so the device suppresses local actuation.
func (e *Engine) HandleButton(deviceID string, cmd state.Command) {
	e.Attempt(deviceID, ButtonUserID, cmd)
}

// HandleStatusReport applies a controller status_update. The report is
// authoritative for physical_status of that device; lock_state is never
// touched. Reports for virtual devices are ignored.
func (e *Engine) HandleStatusReport(deviceID string, status state.PhysicalStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dev, err := e.store.GetDevice(deviceID)
	if err != nil {
		logutil.WithDevice(deviceID).Warn("status report for unknown device")
		return
	}
	if dev.Kind != state.KindPhysical {
		logutil.WithDevice(deviceID).Warn("status report for virtual device ignored")
		return
	}
	if dev.PhysicalStatus == status {
		return
	}
	updated, err := e.store.Mutate(deviceID, func(d *state.Device) error {
		d.PhysicalStatus = status
		return nil
	})
	if err != nil {
		logutil.WithDevice(deviceID).WithError(err).Warn("status report rejected")
		return
	}
	e.bcast.BroadcastStateChange(updated)
	logutil.WithDevice(deviceID).WithField("physical_status", status).Info("controller status applied")
}

// HandleConnectionChange applies a connection_status flip from the
// registry. It runs under the attempt lock so the mutation and its
// broadcast cannot interleave with a command on the same device; the
// last state change an observer sees always matches the store. Flips
// that do not move the status (virtual devices stay online) broadcast
// nothing.
func (e *Engine) HandleConnectionChange(deviceID string, status state.ConnectionStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev, err := e.store.GetDevice(deviceID)
	if err != nil {
		return
	}
	updated, err := e.store.Mutate(deviceID, func(d *state.Device) error {
		d.ConnectionStatus = status
		return nil
	})
	if err != nil || updated.ConnectionStatus == prev.ConnectionStatus {
		return
	}
	e.bcast.BroadcastStateChange(updated)
	logutil.WithDevice(deviceID).WithField("connection_status", status).Debug("connection status applied")
}

// HandleTimeout logs a heartbeat expiry to the audit trail. The offline
// state change itself is broadcast by the registry when it drops the
// session.
func (e *Engine) HandleTimeout(deviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ev := state.AccessEvent{
		Timestamp: e.clock(),
		DeviceID:  deviceID,
		UserID:    SystemUserID,
		Command:   HeartbeatCommand,
		Outcome:   state.OutcomeDenied,
		Message:   "controller timeout",
	}
	e.store.AppendEvent(ev)
	e.obs.AuditLogSize(e.store.EventCount())
	e.bcast.BroadcastAccessEvent(ev)
}

func grant(dev state.Device, message string) Result {
	d := dev
	return Result{Outcome: state.OutcomeGranted, Message: message, Device: &d}
}

func grantNoOp(dev state.Device, message string) Result {
	d := dev
	return Result{Outcome: state.OutcomeGranted, Reason: ReasonNoOp, Message: message, Device: &d}
}

func deny(reason string, message string) Result {
	return Result{Outcome: state.OutcomeDenied, Reason: reason, Message: message}
}

func denyFor(dev state.Device, reason string, message string) Result {
	d := dev
	return Result{Outcome: state.OutcomeDenied, Reason: reason, Message: message, Device: &d}
}
