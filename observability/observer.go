// Package observability defines the metric observer interfaces the
// coordinator emits into. The default observer is a no-op; the server
// swaps in a Prometheus-backed one when metrics are enabled.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

type AttemptOutcome string

const (
	AttemptGranted AttemptOutcome = "granted"
	AttemptDenied  AttemptOutcome = "denied"
)

type DenyReason string

const (
	DenyReasonNone          DenyReason = "none"
	DenyReasonLockedOut     DenyReason = "locked_out"
	DenyReasonRateLimited   DenyReason = "rate_limited"
	DenyReasonUnknownDevice DenyReason = "unknown_device"
	DenyReasonDoorLocked    DenyReason = "door_locked"
	DenyReasonNotPermitted  DenyReason = "not_permitted"
	DenyReasonDeviceOffline DenyReason = "device_offline"
)

type DispatchResult string

const (
	DispatchDelivered DispatchResult = "delivered"
	DispatchNoOp      DispatchResult = "no_op"
	DispatchOffline   DispatchResult = "offline"
	DispatchFailed    DispatchResult = "write_failed"
)

type DisconnectReason string

const (
	DisconnectPeerClosed       DisconnectReason = "peer_closed"
	DisconnectHeartbeatTimeout DisconnectReason = "heartbeat_timeout"
	DisconnectReplaced         DisconnectReason = "replaced"
	DisconnectWriteError       DisconnectReason = "write_error"
	DisconnectProtocolError    DisconnectReason = "protocol_error"
	DisconnectShutdown         DisconnectReason = "shutdown"
)

// HubObserver receives registry and broadcast metric events.
type HubObserver interface {
	ObserverCount(n int)
	ControllerCount(n int)
	Broadcast(messageType string, fanout int)
	Disconnect(role string, reason DisconnectReason)
	HeartbeatLatency(d time.Duration)
}

// AccessObserver receives authorization and dispatch metric events.
type AccessObserver interface {
	Attempt(outcome AttemptOutcome, reason DenyReason)
	Dispatch(result DispatchResult)
	AuditLogSize(n int)
}

type noopHubObserver struct{}

func (noopHubObserver) ObserverCount(int)                   {}
func (noopHubObserver) ControllerCount(int)                 {}
func (noopHubObserver) Broadcast(string, int)               {}
func (noopHubObserver) Disconnect(string, DisconnectReason) {}
func (noopHubObserver) HeartbeatLatency(time.Duration)      {}

type noopAccessObserver struct{}

func (noopAccessObserver) Attempt(AttemptOutcome, DenyReason) {}
func (noopAccessObserver) Dispatch(DispatchResult)            {}
func (noopAccessObserver) AuditLogSize(int)                   {}

// NoopHubObserver is a zero-cost observer used when metrics are disabled.
var NoopHubObserver HubObserver = noopHubObserver{}

// NoopAccessObserver is a zero-cost observer used when metrics are disabled.
var NoopAccessObserver AccessObserver = noopAccessObserver{}

// AtomicHubObserver swaps its delegate at runtime.
type AtomicHubObserver struct {
	once sync.Once
	v    atomic.Value
}

type hubObserverHolder struct {
	obs HubObserver
}

// NewAtomicHubObserver returns an initialized atomic observer.
func NewAtomicHubObserver() *AtomicHubObserver {
	a := &AtomicHubObserver{}
	a.once.Do(func() { a.v.Store(&hubObserverHolder{obs: NoopHubObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicHubObserver) Set(obs HubObserver) {
	if obs == nil {
		obs = NoopHubObserver
	}
	a.once.Do(func() { a.v.Store(&hubObserverHolder{obs: NoopHubObserver}) })
	a.v.Store(&hubObserverHolder{obs: obs})
}

func (a *AtomicHubObserver) load() HubObserver {
	a.once.Do(func() { a.v.Store(&hubObserverHolder{obs: NoopHubObserver}) })
	return a.v.Load().(*hubObserverHolder).obs
}

func (a *AtomicHubObserver) ObserverCount(n int)   { a.load().ObserverCount(n) }
func (a *AtomicHubObserver) ControllerCount(n int) { a.load().ControllerCount(n) }
func (a *AtomicHubObserver) Broadcast(messageType string, fanout int) {
	a.load().Broadcast(messageType, fanout)
}
func (a *AtomicHubObserver) Disconnect(role string, reason DisconnectReason) {
	a.load().Disconnect(role, reason)
}
func (a *AtomicHubObserver) HeartbeatLatency(d time.Duration) { a.load().HeartbeatLatency(d) }

// AtomicAccessObserver swaps its delegate at runtime.
type AtomicAccessObserver struct {
	once sync.Once
	v    atomic.Value
}

type accessObserverHolder struct {
	obs AccessObserver
}

// NewAtomicAccessObserver returns an initialized atomic observer.
func NewAtomicAccessObserver() *AtomicAccessObserver {
	a := &AtomicAccessObserver{}
	a.once.Do(func() { a.v.Store(&accessObserverHolder{obs: NoopAccessObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicAccessObserver) Set(obs AccessObserver) {
	if obs == nil {
		obs = NoopAccessObserver
	}
	a.once.Do(func() { a.v.Store(&accessObserverHolder{obs: NoopAccessObserver}) })
	a.v.Store(&accessObserverHolder{obs: obs})
}

func (a *AtomicAccessObserver) load() AccessObserver {
	a.once.Do(func() { a.v.Store(&accessObserverHolder{obs: NoopAccessObserver}) })
	return a.v.Load().(*accessObserverHolder).obs
}

func (a *AtomicAccessObserver) Attempt(outcome AttemptOutcome, reason DenyReason) {
	a.load().Attempt(outcome, reason)
}
func (a *AtomicAccessObserver) Dispatch(result DispatchResult) { a.load().Dispatch(result) }
func (a *AtomicAccessObserver) AuditLogSize(n int)             { a.load().AuditLogSize(n) }
