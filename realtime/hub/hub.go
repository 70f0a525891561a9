// Package hub tracks every live websocket session: unkeyed dashboard
// observers and one controller per physical door. It owns heartbeat
// timers, connection_status flips, and ordered fan-out of broadcast
// frames to observers.
package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/doorfleet/doorfleet/dispatch"
	"github.com/doorfleet/doorfleet/internal/logutil"
	"github.com/doorfleet/doorfleet/observability"
	"github.com/doorfleet/doorfleet/protocol"
	"github.com/doorfleet/doorfleet/state"
)

// AccessHandler receives inbound traffic that needs an authorization
// decision or a state mutation. The engine implements it; the hub never
// touches access rules itself. Connection flips go through the handler
// too, so every device mutation and its broadcast share one serial
// order and observers can never see a stale final snapshot.
type AccessHandler interface {
	HandleCommand(deviceID string, userID string, cmd state.Command) (state.Outcome, string)
	HandleButton(deviceID string, cmd state.Command)
	HandleStatusReport(deviceID string, status state.PhysicalStatus)
	HandleConnectionChange(deviceID string, status state.ConnectionStatus)
	HandleTimeout(deviceID string)
}

// Default heartbeat cadence.
const (
	DefaultPingInterval = 10 * time.Second
	DefaultPongDeadline = 30 * time.Second

	sendTimeout = 5 * time.Second
)

// Hub is the connection registry and event broadcaster.
type Hub struct {
	store       *state.Store
	obs         observability.HubObserver
	constraints protocol.Constraints

	pingInterval time.Duration
	pongDeadline time.Duration
	checkOrigin  func(r *http.Request) bool

	handlerMu sync.RWMutex
	handler   AccessHandler

	mu          sync.Mutex
	observers   map[string]*observerSession
	controllers map[string]*controllerSession

	// broadcastMu serializes whole fan-outs so every observer sees the
	// same global frame order. Individual sends never run under mu.
	broadcastMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Hub.
type Option func(*Hub)

// WithHeartbeat overrides the ping cadence and pong deadline.
func WithHeartbeat(pingInterval, pongDeadline time.Duration) Option {
	return func(h *Hub) {
		if pingInterval > 0 {
			h.pingInterval = pingInterval
		}
		if pongDeadline > 0 {
			h.pongDeadline = pongDeadline
		}
	}
}

// WithObserver installs a metric observer.
func WithObserver(obs observability.HubObserver) Option {
	return func(h *Hub) { h.obs = obs }
}

// WithOriginChecker installs the websocket origin check.
func WithOriginChecker(fn func(r *http.Request) bool) Option {
	return func(h *Hub) { h.checkOrigin = fn }
}

// WithConstraints overrides inbound message parsing limits.
func WithConstraints(c protocol.Constraints) Option {
	return func(h *Hub) { h.constraints = c }
}

// New returns a Hub over the store. Call SetHandler before serving.
func New(store *state.Store, opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		store:        store,
		obs:          observability.NoopHubObserver,
		constraints:  protocol.DefaultConstraints(),
		pingInterval: DefaultPingInterval,
		pongDeadline: DefaultPongDeadline,
		observers:    make(map[string]*observerSession),
		controllers:  make(map[string]*controllerSession),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetHandler wires the authorization engine in. Must happen before any
// session is accepted.
func (h *Hub) SetHandler(handler AccessHandler) {
	h.handlerMu.Lock()
	h.handler = handler
	h.handlerMu.Unlock()
}

func (h *Hub) accessHandler() AccessHandler {
	h.handlerMu.RLock()
	defer h.handlerMu.RUnlock()
	return h.handler
}

// ObserverCount returns the live dashboard session count.
func (h *Hub) ObserverCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// ControllerCount returns the live controller session count.
func (h *Hub) ControllerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.controllers)
}

// LastSeen reports when the controller for a device last sent anything.
func (h *Hub) LastSeen(deviceID string) (time.Time, bool) {
	h.mu.Lock()
	sess := h.controllers[deviceID]
	h.mu.Unlock()
	if sess == nil {
		return time.Time{}, false
	}
	return time.Unix(0, sess.lastSeen.Load()), true
}

// SendToController delivers one message to the controller session for a
// device. Returns dispatch.ErrNotConnected when no session exists. A
// failed write poisons the session; its read loop performs the drop, so
// the offline flip never re-enters the caller's serialization.
func (h *Hub) SendToController(ctx context.Context, deviceID string, v interface{}) error {
	h.mu.Lock()
	sess := h.controllers[deviceID]
	h.mu.Unlock()
	if sess == nil {
		return dispatch.ErrNotConnected
	}
	if err := sess.conn.WriteJSON(ctx, v); err != nil {
		sess.failReason.Store(observability.DisconnectWriteError)
		sess.cancel()
		_ = sess.conn.Close()
		return err
	}
	return nil
}

// BroadcastStateChange fans a device snapshot to all observers.
func (h *Hub) BroadcastStateChange(d state.Device) {
	h.broadcast(protocol.TypeDeviceStateChange, protocol.NewDeviceStateChange(d))
}

// BroadcastAccessEvent fans an audit entry to all observers.
func (h *Hub) BroadcastAccessEvent(e state.AccessEvent) {
	h.broadcast(protocol.TypeAccessEvent, protocol.NewAccessEvent(e))
}

// broadcast delivers one frame to every observer. Holding broadcastMu
// across the whole fan-out keeps the frame order identical on every
// session; the observer set is snapshotted so sends run without mu.
func (h *Hub) broadcast(messageType string, v interface{}) {
	h.broadcastMu.Lock()
	defer h.broadcastMu.Unlock()

	h.mu.Lock()
	targets := make([]*observerSession, 0, len(h.observers))
	for _, sess := range h.observers {
		targets = append(targets, sess)
	}
	h.mu.Unlock()

	for _, sess := range targets {
		ctx, cancel := context.WithTimeout(h.ctx, sendTimeout)
		err := sess.conn.WriteJSON(ctx, v)
		cancel()
		if err != nil {
			h.dropObserver(sess, observability.DisconnectWriteError)
		}
	}
	h.obs.Broadcast(messageType, len(targets))
}

// setConnection flips a device's connection_status through the handler,
// which serializes the mutation and its broadcast with every other
// attempt on the device.
func (h *Hub) setConnection(deviceID string, cs state.ConnectionStatus) {
	if handler := h.accessHandler(); handler != nil {
		handler.HandleConnectionChange(deviceID, cs)
	}
}

// dropObserver removes a session if it is still registered and closes it.
func (h *Hub) dropObserver(sess *observerSession, reason observability.DisconnectReason) {
	h.mu.Lock()
	cur, ok := h.observers[sess.id]
	if !ok || cur != sess {
		h.mu.Unlock()
		return
	}
	delete(h.observers, sess.id)
	n := len(h.observers)
	h.mu.Unlock()

	sess.cancel()
	_ = sess.conn.Close()
	h.obs.ObserverCount(n)
	h.obs.Disconnect("observer", reason)
	logutil.WithSession(sess.id).WithField("reason", reason).Debug("observer dropped")
}

// dropController removes a controller session if it is still current,
// closes it, and flips the device offline.
func (h *Hub) dropController(sess *controllerSession, reason observability.DisconnectReason) {
	h.mu.Lock()
	cur, ok := h.controllers[sess.deviceID]
	if !ok || cur != sess {
		// Already displaced by a newer session; just close this one.
		h.mu.Unlock()
		sess.cancel()
		_ = sess.conn.Close()
		return
	}
	delete(h.controllers, sess.deviceID)
	n := len(h.controllers)
	h.mu.Unlock()

	sess.cancel()
	_ = sess.conn.Close()
	h.obs.ControllerCount(n)
	h.obs.Disconnect("controller", reason)
	h.setConnection(sess.deviceID, state.ConnOffline)
	logutil.WithDevice(sess.deviceID).WithField("reason", reason).Info("controller dropped")
}

// Close tears down every session and stops all heartbeat loops.
func (h *Hub) Close() {
	h.cancel()

	h.mu.Lock()
	observers := make([]*observerSession, 0, len(h.observers))
	for _, sess := range h.observers {
		observers = append(observers, sess)
	}
	controllers := make([]*controllerSession, 0, len(h.controllers))
	for _, sess := range h.controllers {
		controllers = append(controllers, sess)
	}
	h.mu.Unlock()

	for _, sess := range observers {
		_ = sess.conn.CloseWithStatus(websocket.CloseGoingAway, "shutdown")
		h.dropObserver(sess, observability.DisconnectShutdown)
	}
	for _, sess := range controllers {
		_ = sess.conn.CloseWithStatus(websocket.CloseGoingAway, "shutdown")
		h.dropController(sess, observability.DisconnectShutdown)
	}
	h.wg.Wait()
}

func newSessionID() string {
	return uuid.NewString()
}
