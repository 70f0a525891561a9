// Package httpapi exposes the REST surface: device status, audit log
// queries, the access attempt endpoint and the rate limiter controls.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/doorfleet/doorfleet/authz"
	"github.com/doorfleet/doorfleet/internal/logutil"
	"github.com/doorfleet/doorfleet/internal/timeutil"
	"github.com/doorfleet/doorfleet/internal/version"
	"github.com/doorfleet/doorfleet/ratelimit"
	"github.com/doorfleet/doorfleet/state"
)

// Attempter runs one access attempt end to end.
type Attempter interface {
	Attempt(deviceID string, userID string, cmd state.Command) authz.Result
}

// Registry is the slice of the connection hub the API reports on.
type Registry interface {
	ObserverCount() int
	ControllerCount() int
	LastSeen(deviceID string) (time.Time, bool)
}

// API serves the REST endpoints.
type API struct {
	store   *state.Store
	limiter *ratelimit.Limiter
	engine  Attempter
	reg     Registry

	adminUserID string
	prefix      string
	wsEndpoint  string
	started     time.Time
}

// Option configures an API.
type Option func(*API)

// WithAdminUser overrides the administrative user id.
func WithAdminUser(id string) Option {
	return func(a *API) {
		if id != "" {
			a.adminUserID = id
		}
	}
}

// WithPrefix overrides the path prefix for all endpoints.
func WithPrefix(prefix string) Option {
	return func(a *API) {
		if prefix != "" {
			a.prefix = strings.TrimSuffix(prefix, "/")
		}
	}
}

// WithWSEndpoint overrides the websocket path advertised by the root
// banner. The API does not serve the websocket itself.
func WithWSEndpoint(path string) Option {
	return func(a *API) {
		if path != "" {
			a.wsEndpoint = strings.TrimSuffix(path, "/")
		}
	}
}

// New returns an API over the given collaborators.
func New(store *state.Store, limiter *ratelimit.Limiter, engine Attempter, reg Registry, opts ...Option) *API {
	a := &API{
		store:       store,
		limiter:     limiter,
		engine:      engine,
		reg:         reg,
		adminUserID: authz.DefaultAdminUserID,
		prefix:      "/api",
		wsEndpoint:  "/ws",
		started:     time.Now(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register installs all routes on the mux.
func (a *API) Register(mux *http.ServeMux) {
	p := a.prefix
	mux.HandleFunc("GET /{$}", a.handleRoot)
	mux.HandleFunc("GET "+p+"/devices/status", a.handleDevicesStatus)
	mux.HandleFunc("GET "+p+"/devices/connections", a.handleConnections)
	mux.HandleFunc("GET "+p+"/devices/{id}/connection", a.handleDeviceConnection)
	mux.HandleFunc("GET "+p+"/devices/{id}/logs", a.handleDeviceLogs)
	mux.HandleFunc("GET "+p+"/access_logs", a.handleAccessLogs)
	mux.HandleFunc("POST "+p+"/access_log", a.handleAccessAttempt)
	mux.HandleFunc("GET "+p+"/security/rate_limiter/stats", a.handleLimiterStats)
	mux.HandleFunc("GET "+p+"/security/rate_limiter/user_status", a.handleUserStatus)
	mux.HandleFunc("DELETE "+p+"/security/rate_limiter/clear", a.handleLimiterClear)
	mux.HandleFunc("GET "+p+"/health", a.handleHealth)
}

// Handler wraps the registered mux with panic recovery so an internal
// fault answers 500 on that request and nothing else.
func (a *API) Handler(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logutil.WithField("panic", rec).Error("handler panic")
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		mux.ServeHTTP(w, r)
	})
}

func (a *API) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "Door Access Control API",
		"version":   version.Version,
		"timestamp": timeutil.NowStamp(),
		"endpoints": map[string]string{
			"api":       a.prefix,
			"websocket": a.wsEndpoint,
			"health":    a.prefix + "/health",
		},
	})
}

func (a *API) handleDevicesStatus(w http.ResponseWriter, r *http.Request) {
	devices := a.store.ListDevices()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices":     devices,
		"total_count": len(devices),
		"timestamp":   timeutil.NowStamp(),
	})
}

func (a *API) handleConnections(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]state.ConnectionStatus)
	for _, d := range a.store.ListDevices() {
		out[d.DoorID] = d.ConnectionStatus
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleDeviceConnection(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dev, err := a.store.GetDevice(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	var lastSeen interface{}
	if ts, ok := a.reg.LastSeen(id); ok {
		lastSeen = timeutil.Format(ts)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id":         dev.DoorID,
		"connection_status": dev.ConnectionStatus,
		"last_seen":         lastSeen,
		"timestamp":         timeutil.NowStamp(),
	})
}

func (a *API) handleDeviceLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.store.GetDevice(id); err != nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	logs := a.store.ListDeviceEvents(id, limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id": id,
		"logs":      logs,
		"count":     len(logs),
		"timestamp": timeutil.NowStamp(),
	})
}

func (a *API) handleAccessLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	logs := a.store.ListEvents(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":      logs,
		"count":     len(logs),
		"timestamp": timeutil.NowStamp(),
	})
}

// attemptRequest accepts both user_card_id (card reader clients) and
// user_id as the identity field.
type attemptRequest struct {
	DeviceID   string `json:"device_id"`
	UserCardID string `json:"user_card_id"`
	UserID     string `json:"user_id"`
	Command    string `json:"command"`
}

func (a *API) handleAccessAttempt(w http.ResponseWriter, r *http.Request) {
	var req attemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	userID := req.UserCardID
	if userID == "" {
		userID = req.UserID
	}
	if req.DeviceID == "" || userID == "" || req.Command == "" {
		writeError(w, http.StatusBadRequest, "device_id, user_card_id and command are required")
		return
	}
	cmd, err := state.ParseCommand(req.Command)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown command")
		return
	}

	res := a.engine.Attempt(req.DeviceID, userID, cmd)
	body := map[string]interface{}{
		"status":    res.Outcome,
		"message":   res.Message,
		"timestamp": timeutil.NowStamp(),
	}
	if res.Device != nil {
		body["device_state"] = res.Device
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *API) handleLimiterStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.limiter.GetStats())
}

func (a *API) handleUserStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	userID := r.URL.Query().Get("user_id")
	if deviceID == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "device_id and user_id are required")
		return
	}
	writeJSON(w, http.StatusOK, a.limiter.GetUserStatus(deviceID, userID))
}

func (a *API) handleLimiterClear(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("user_id") != a.adminUserID {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}
	n := a.limiter.Clear()
	logutil.WithField("cleared", n).Warn("rate limiter cleared by admin")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cleared_attempts": n,
		"timestamp":        timeutil.NowStamp(),
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": timeutil.NowStamp(),
		"metrics": map[string]interface{}{
			"devices":            a.store.DeviceCount(),
			"observers":          a.reg.ObserverCount(),
			"controllers":        a.reg.ControllerCount(),
			"access_log_entries": a.store.EventCount(),
			"uptime_seconds":     int(time.Since(a.started).Seconds()),
		},
	})
}

func parseLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logutil.WithError(err).Debug("response encode failed")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
