package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/doorfleet/doorfleet/authz"
	"github.com/doorfleet/doorfleet/internal/logutil"
	"github.com/doorfleet/doorfleet/ratelimit"
	"github.com/doorfleet/doorfleet/state"
)

func init() {
	logutil.SetOutput(io.Discard)
}

type fakeEngine struct {
	res   authz.Result
	calls []string
}

func (f *fakeEngine) Attempt(deviceID string, userID string, cmd state.Command) authz.Result {
	f.calls = append(f.calls, deviceID+"/"+userID+"/"+string(cmd))
	return f.res
}

type fakeRegistry struct {
	observers   int
	controllers int
	last        time.Time
	seen        bool
}

func (f *fakeRegistry) ObserverCount() int   { return f.observers }
func (f *fakeRegistry) ControllerCount() int { return f.controllers }
func (f *fakeRegistry) LastSeen(string) (time.Time, bool) {
	return f.last, f.seen
}

func newTestAPI(t *testing.T, opts ...Option) (*API, *fakeEngine, *fakeRegistry, *state.Store, *httptest.Server) {
	t.Helper()
	store, err := state.NewStore([]state.Device{
		{DoorID: "DOOR-001", Location: "Main Entrance", Kind: state.KindPhysical, PhysicalStatus: state.StatusClosed, LockState: state.LockLocked},
		{DoorID: "DOOR-002", Location: "Conference Room A", Kind: state.KindVirtual, PhysicalStatus: state.StatusClosed, LockState: state.LockUnlocked},
	}, 0)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	limiter := ratelimit.New(ratelimit.Config{})
	t.Cleanup(limiter.Close)
	eng := &fakeEngine{res: authz.Result{Outcome: state.OutcomeGranted, Message: "ok"}}
	reg := &fakeRegistry{}

	api := New(store, limiter, eng, reg, opts...)
	mux := http.NewServeMux()
	api.Register(mux)
	srv := httptest.NewServer(api.Handler(mux))
	t.Cleanup(srv.Close)
	return api, eng, reg, store, srv
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestDevicesStatus(t *testing.T) {
	_, _, _, _, srv := newTestAPI(t)

	var body struct {
		Devices    []state.Device `json:"devices"`
		TotalCount int            `json:"total_count"`
		Timestamp  string         `json:"timestamp"`
	}
	if code := getJSON(t, srv.URL+"/api/devices/status", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body.TotalCount != 2 || len(body.Devices) != 2 || body.Timestamp == "" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if body.Devices[0].DoorID != "DOOR-001" {
		t.Fatalf("seed order lost: %+v", body.Devices)
	}
}

func TestConnectionsMap(t *testing.T) {
	_, _, _, _, srv := newTestAPI(t)

	var body map[string]state.ConnectionStatus
	if code := getJSON(t, srv.URL+"/api/devices/connections", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["DOOR-001"] != state.ConnOffline || body["DOOR-002"] != state.ConnOnline {
		t.Fatalf("unexpected map: %v", body)
	}
}

func TestDeviceConnection(t *testing.T) {
	_, _, reg, _, srv := newTestAPI(t)
	reg.last = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg.seen = true

	var body struct {
		DeviceID         string  `json:"device_id"`
		ConnectionStatus string  `json:"connection_status"`
		LastSeen         *string `json:"last_seen"`
	}
	if code := getJSON(t, srv.URL+"/api/devices/DOOR-001/connection", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body.DeviceID != "DOOR-001" || body.LastSeen == nil {
		t.Fatalf("unexpected body: %+v", body)
	}

	if code := getJSON(t, srv.URL+"/api/devices/DOOR-999/connection", nil); code != http.StatusNotFound {
		t.Fatalf("unknown device status = %d", code)
	}
}

func TestAccessAttempt(t *testing.T) {
	_, eng, _, _, srv := newTestAPI(t)
	dev := state.Device{DoorID: "DOOR-002", Kind: state.KindVirtual, PhysicalStatus: state.StatusOpen, LockState: state.LockUnlocked, ConnectionStatus: state.ConnOnline}
	eng.res = authz.Result{Outcome: state.OutcomeGranted, Message: "Door opened successfully", Device: &dev}

	post := func(body string) (*http.Response, map[string]json.RawMessage) {
		resp, err := http.Post(srv.URL+"/api/access_log", "application/json", bytes.NewBufferString(body))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		var m map[string]json.RawMessage
		_ = json.NewDecoder(resp.Body).Decode(&m)
		resp.Body.Close()
		return resp, m
	}

	resp, m := post(`{"device_id":"DOOR-002","user_card_id":"alice","command":"open"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var status string
	_ = json.Unmarshal(m["status"], &status)
	if status != "granted" {
		t.Fatalf("status = %q", status)
	}
	if _, ok := m["device_state"]; !ok {
		t.Fatal("device_state missing from grant response")
	}
	if len(eng.calls) != 1 || eng.calls[0] != "DOOR-002/alice/open" {
		t.Fatalf("engine saw %v", eng.calls)
	}

	// user_id works as an alias for user_card_id.
	resp, _ = post(`{"device_id":"DOOR-002","user_id":"bob","command":"close"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("alias status = %d", resp.StatusCode)
	}
	if eng.calls[len(eng.calls)-1] != "DOOR-002/bob/close" {
		t.Fatalf("engine saw %v", eng.calls)
	}

	for name, body := range map[string]string{
		"missing device":  `{"user_card_id":"alice","command":"open"}`,
		"missing user":    `{"device_id":"DOOR-002","command":"open"}`,
		"missing command": `{"device_id":"DOOR-002","user_card_id":"alice"}`,
		"bad command":     `{"device_id":"DOOR-002","user_card_id":"alice","command":"explode"}`,
		"bad json":        `{`,
	} {
		resp, _ := post(body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, resp.StatusCode)
		}
	}
	if len(eng.calls) != 2 {
		t.Fatalf("validation failures reached the engine: %v", eng.calls)
	}
}

func TestAccessLogs(t *testing.T) {
	_, _, _, store, srv := newTestAPI(t)
	for i := 0; i < 3; i++ {
		store.AppendEvent(state.AccessEvent{
			Timestamp: time.Now(), DeviceID: "DOOR-001", UserID: "alice",
			Command: state.CmdOpen, Outcome: state.OutcomeDenied, Message: "Door is locked and user is not admin",
		})
	}
	store.AppendEvent(state.AccessEvent{
		Timestamp: time.Now(), DeviceID: "DOOR-002", UserID: "bob",
		Command: state.CmdClose, Outcome: state.OutcomeGranted, Message: "ok",
	})

	var body struct {
		Logs  []state.AccessEvent `json:"logs"`
		Count int                 `json:"count"`
	}
	if code := getJSON(t, srv.URL+"/api/access_logs?limit=2", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body.Count != 2 || len(body.Logs) != 2 {
		t.Fatalf("unexpected body: %+v", body)
	}
	// Most recent first.
	if body.Logs[0].DeviceID != "DOOR-002" {
		t.Fatalf("order wrong: %+v", body.Logs)
	}

	if code := getJSON(t, srv.URL+"/api/access_logs?limit=bogus", nil); code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", code)
	}

	var devBody struct {
		Logs  []state.AccessEvent `json:"logs"`
		Count int                 `json:"count"`
	}
	if code := getJSON(t, srv.URL+"/api/devices/DOOR-001/logs", &devBody); code != http.StatusOK {
		t.Fatalf("device logs status = %d", code)
	}
	if devBody.Count != 3 {
		t.Fatalf("device filter wrong: %+v", devBody)
	}
}

func TestLimiterEndpoints(t *testing.T) {
	api, _, _, _, srv := newTestAPI(t)
	api.limiter.Record("DOOR-001", "mallory", state.CmdOpen, false)

	var stats ratelimit.Stats
	if code := getJSON(t, srv.URL+"/api/security/rate_limiter/stats", &stats); code != http.StatusOK {
		t.Fatalf("stats status = %d", code)
	}
	if stats.TotalAttemptsLastHour != 1 || stats.FailedAttempts != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	var us ratelimit.UserStatus
	if code := getJSON(t, srv.URL+"/api/security/rate_limiter/user_status?device_id=DOOR-001&user_id=mallory", &us); code != http.StatusOK {
		t.Fatalf("user_status status = %d", code)
	}
	if us.UserID != "mallory" || us.FailedAttemptsRecent != 1 {
		t.Fatalf("unexpected user status: %+v", us)
	}
	if code := getJSON(t, srv.URL+"/api/security/rate_limiter/user_status", nil); code != http.StatusBadRequest {
		t.Fatalf("missing params status = %d", code)
	}

	del := func(url string) int {
		req, _ := http.NewRequest(http.MethodDelete, url, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("DELETE: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if code := del(srv.URL + "/api/security/rate_limiter/clear?user_id=mallory"); code != http.StatusForbidden {
		t.Fatalf("non-admin clear status = %d", code)
	}
	if code := del(srv.URL + "/api/security/rate_limiter/clear?user_id=admin"); code != http.StatusOK {
		t.Fatalf("admin clear status = %d", code)
	}
	if n := api.limiter.GetStats().TotalRecords; n != 0 {
		t.Fatalf("records after clear: %d", n)
	}
}

func TestHealthAndRoot(t *testing.T) {
	_, _, reg, _, srv := newTestAPI(t)
	reg.observers = 3
	reg.controllers = 1

	var health struct {
		Status  string `json:"status"`
		Metrics struct {
			Devices     int `json:"devices"`
			Observers   int `json:"observers"`
			Controllers int `json:"controllers"`
		} `json:"metrics"`
	}
	if code := getJSON(t, srv.URL+"/api/health", &health); code != http.StatusOK {
		t.Fatalf("health status = %d", code)
	}
	if health.Status != "healthy" || health.Metrics.Devices != 2 || health.Metrics.Observers != 3 {
		t.Fatalf("unexpected health: %+v", health)
	}

	var root struct {
		Message   string            `json:"message"`
		Endpoints map[string]string `json:"endpoints"`
	}
	if code := getJSON(t, srv.URL+"/", &root); code != http.StatusOK {
		t.Fatalf("root status = %d", code)
	}
	if root.Message == "" {
		t.Fatalf("unexpected root body: %+v", root)
	}
	// The banner advertises where the rest of the surface lives.
	if root.Endpoints["api"] != "/api" || root.Endpoints["websocket"] != "/ws" || root.Endpoints["health"] != "/api/health" {
		t.Fatalf("unexpected endpoint map: %v", root.Endpoints)
	}
}
