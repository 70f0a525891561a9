package hub

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/doorfleet/doorfleet/internal/logutil"
	"github.com/doorfleet/doorfleet/observability"
	"github.com/doorfleet/doorfleet/protocol"
	"github.com/doorfleet/doorfleet/realtime/ws"
	"github.com/doorfleet/doorfleet/state"
)

type observerSession struct {
	id     string
	conn   *ws.Conn
	ctx    context.Context
	cancel context.CancelFunc

	lastSeen atomic.Int64 // unix nanos of the last inbound frame
}

func (s *observerSession) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

type controllerSession struct {
	deviceID string
	conn     *ws.Conn
	ctx      context.Context
	cancel   context.CancelFunc

	lastSeen atomic.Int64
	lastPing atomic.Int64

	// failReason carries the disconnect reason recorded by a failed
	// direct send; the read loop reports it when it tears the session
	// down.
	failReason atomic.Value
}

func (s *controllerSession) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// ServeObserver upgrades a dashboard connection, registers it, pushes
// the initial device snapshot and runs the read loop until the session
// dies.
func (h *Hub) ServeObserver(w http.ResponseWriter, r *http.Request) {
	if h.accessHandler() == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	conn, err := ws.Upgrade(w, r, ws.UpgraderOptions{CheckOrigin: h.checkOrigin})
	if err != nil {
		logutil.WithError(err).Debug("observer upgrade failed")
		return
	}
	conn.SetReadLimit(int64(h.constraints.MaxMessageBytes))

	ctx, cancel := context.WithCancel(h.ctx)
	sess := &observerSession{id: newSessionID(), conn: conn, ctx: ctx, cancel: cancel}
	sess.touch()

	// Registration and the snapshot happen under broadcastMu so no
	// broadcast can slip between them; the observer either has a change
	// in its snapshot or receives it as a frame, never neither.
	h.broadcastMu.Lock()
	h.mu.Lock()
	h.observers[sess.id] = sess
	n := len(h.observers)
	h.mu.Unlock()
	sendCtx, sendCancel := context.WithTimeout(ctx, sendTimeout)
	err = conn.WriteJSON(sendCtx, protocol.NewInitialData(h.store.ListDevices()))
	sendCancel()
	h.broadcastMu.Unlock()

	h.obs.ObserverCount(n)
	if err != nil {
		h.dropObserver(sess, observability.DisconnectWriteError)
		return
	}
	logutil.WithSession(sess.id).Info("observer connected")

	h.wg.Add(1)
	go h.observerHeartbeat(sess)

	for {
		_, data, err := conn.ReadMessage(ctx)
		if err != nil {
			h.dropObserver(sess, observability.DisconnectPeerClosed)
			return
		}
		sess.touch()
		h.handleObserverFrame(sess, data)
	}
}

func (h *Hub) handleObserverFrame(sess *observerSession, data []byte) {
	typ, err := protocol.ParseEnvelope(data, h.constraints)
	if err != nil {
		h.replyObserver(sess, protocol.NewError("invalid_request"))
		return
	}
	switch typ {
	case protocol.TypePing:
		h.replyObserver(sess, protocol.NewPong())
	case protocol.TypePong:
		// lastSeen already advanced.
	case protocol.TypeCommand:
		req, err := protocol.ParseCommandRequest(data, h.constraints)
		if err != nil {
			h.replyObserver(sess, protocol.NewError("invalid_request"))
			return
		}
		cmd, err := state.ParseCommand(req.Command)
		if err != nil {
			h.replyObserver(sess, protocol.NewCommandResponse(req.DeviceID, state.Command(req.Command), state.OutcomeDenied, "invalid_request"))
			return
		}
		outcome, message := h.accessHandler().HandleCommand(req.DeviceID, req.UserID, cmd)
		h.replyObserver(sess, protocol.NewCommandResponse(req.DeviceID, cmd, outcome, message))
	default:
		h.replyObserver(sess, protocol.NewError("unknown message type"))
	}
}

// replyObserver writes to the originator only; a failed write kills the
// session like any other transport fault.
func (h *Hub) replyObserver(sess *observerSession, v interface{}) {
	ctx, cancel := context.WithTimeout(sess.ctx, sendTimeout)
	defer cancel()
	if err := sess.conn.WriteJSON(ctx, v); err != nil {
		h.dropObserver(sess, observability.DisconnectWriteError)
	}
}

func (h *Hub) observerHeartbeat(sess *observerSession) {
	defer h.wg.Done()
	t := time.NewTicker(h.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(sess.ctx, sendTimeout)
			err := sess.conn.WriteJSON(ctx, protocol.NewPing())
			cancel()
			if err != nil {
				h.dropObserver(sess, observability.DisconnectWriteError)
				return
			}
		}
	}
}

// ServeController upgrades a controller connection for one device,
// displacing any prior session for the same id, flips the device online
// and runs the read loop.
func (h *Hub) ServeController(w http.ResponseWriter, r *http.Request, deviceID string) {
	if h.accessHandler() == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	if _, err := h.store.GetDevice(deviceID); err != nil {
		http.Error(w, "unknown device", http.StatusNotFound)
		return
	}
	conn, err := ws.Upgrade(w, r, ws.UpgraderOptions{CheckOrigin: h.checkOrigin})
	if err != nil {
		logutil.WithDevice(deviceID).WithError(err).Debug("controller upgrade failed")
		return
	}
	conn.SetReadLimit(int64(h.constraints.MaxMessageBytes))

	ctx, cancel := context.WithCancel(h.ctx)
	sess := &controllerSession{deviceID: deviceID, conn: conn, ctx: ctx, cancel: cancel}
	sess.touch()

	h.mu.Lock()
	old := h.controllers[deviceID]
	h.controllers[deviceID] = sess
	n := len(h.controllers)
	h.mu.Unlock()

	if old != nil {
		// The new session displaces the old one. The device stays
		// online, so this is a direct close, not a drop.
		old.cancel()
		_ = old.conn.CloseWithStatus(websocket.ClosePolicyViolation, "replaced")
		h.obs.Disconnect("controller", observability.DisconnectReplaced)
		logutil.WithDevice(deviceID).Info("controller replaced")
	}

	h.obs.ControllerCount(n)
	h.setConnection(deviceID, state.ConnOnline)
	logutil.WithDevice(deviceID).Info("controller connected")

	// Ask the device to re-announce its position so physical_status
	// converges after a reconnect.
	h.replyController(sess, protocol.NewHandshake())

	h.wg.Add(1)
	go h.controllerHeartbeat(sess)

	for {
		_, data, err := conn.ReadMessage(ctx)
		if err != nil {
			reason := observability.DisconnectPeerClosed
			if r, ok := sess.failReason.Load().(observability.DisconnectReason); ok {
				reason = r
			}
			h.dropController(sess, reason)
			return
		}
		sess.touch()
		h.handleControllerFrame(sess, data)
	}
}

func (h *Hub) handleControllerFrame(sess *controllerSession, data []byte) {
	typ, err := protocol.ParseEnvelope(data, h.constraints)
	if err != nil {
		h.replyController(sess, protocol.NewError("invalid_request"))
		return
	}
	switch typ {
	case protocol.TypePong:
		if sent := sess.lastPing.Load(); sent > 0 {
			h.obs.HeartbeatLatency(time.Since(time.Unix(0, sent)))
		}
	case protocol.TypePing:
		h.replyController(sess, protocol.NewPong())
	case protocol.TypeStatusUpdate:
		m, err := protocol.ParseStatusUpdate(data)
		if err != nil {
			h.replyController(sess, protocol.NewError("invalid_request"))
			return
		}
		status, err := state.ParsePhysicalStatus(m.Data.PhysicalStatus)
		if err != nil {
			h.replyController(sess, protocol.NewError("invalid_request"))
			return
		}
		h.accessHandler().HandleStatusReport(sess.deviceID, status)
	case protocol.TypeButtonCommandRequest:
		m, err := protocol.ParseButtonCommandRequest(data)
		if err != nil {
			h.replyController(sess, protocol.NewError("invalid_request"))
			return
		}
		cmd, err := state.ParseCommand(m.Command)
		if err != nil {
			h.replyController(sess, protocol.NewError("invalid_request"))
			return
		}
		h.accessHandler().HandleButton(sess.deviceID, cmd)
	case protocol.TypeCommandResponse:
		m, err := protocol.ParseCommandResponseReport(data)
		if err != nil {
			h.replyController(sess, protocol.NewError("invalid_request"))
			return
		}
		logutil.WithDevice(sess.deviceID).WithFields(map[string]interface{}{
			"command": m.Command,
			"success": m.Success,
		}).Info("controller command response")
		h.replyController(sess, protocol.NewAck("command_response received"))
	default:
		h.replyController(sess, protocol.NewError("unknown message type"))
	}
}

func (h *Hub) replyController(sess *controllerSession, v interface{}) {
	ctx, cancel := context.WithTimeout(sess.ctx, sendTimeout)
	defer cancel()
	if err := sess.conn.WriteJSON(ctx, v); err != nil {
		h.dropController(sess, observability.DisconnectWriteError)
	}
}

func (h *Hub) controllerHeartbeat(sess *controllerSession) {
	defer h.wg.Done()
	t := time.NewTicker(h.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-t.C:
			last := time.Unix(0, sess.lastSeen.Load())
			if time.Since(last) > h.pongDeadline {
				h.dropController(sess, observability.DisconnectHeartbeatTimeout)
				h.accessHandler().HandleTimeout(sess.deviceID)
				return
			}
			ctx, cancel := context.WithTimeout(sess.ctx, sendTimeout)
			err := sess.conn.WriteJSON(ctx, protocol.NewPing())
			cancel()
			if err != nil {
				h.dropController(sess, observability.DisconnectWriteError)
				return
			}
			sess.lastPing.Store(time.Now().UnixNano())
		}
	}
}
