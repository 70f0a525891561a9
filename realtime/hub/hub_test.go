package hub

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/doorfleet/doorfleet/authz"
	"github.com/doorfleet/doorfleet/dispatch"
	"github.com/doorfleet/doorfleet/internal/logutil"
	"github.com/doorfleet/doorfleet/protocol"
	"github.com/doorfleet/doorfleet/ratelimit"
	"github.com/doorfleet/doorfleet/state"
)

func init() {
	logutil.SetOutput(io.Discard)
}

type fakeHandler struct {
	store *state.Store
	hub   *Hub

	mu       sync.Mutex
	commands []string
	buttons  []state.Command
	statuses []state.PhysicalStatus
	timeouts chan string
}

func newFakeHandler(store *state.Store, h *Hub) *fakeHandler {
	return &fakeHandler{store: store, hub: h, timeouts: make(chan string, 4)}
}

func (f *fakeHandler) HandleCommand(deviceID, userID string, cmd state.Command) (state.Outcome, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, deviceID+"/"+userID+"/"+string(cmd))
	return state.OutcomeGranted, "ok"
}

func (f *fakeHandler) HandleButton(deviceID string, cmd state.Command) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buttons = append(f.buttons, cmd)
}

func (f *fakeHandler) HandleStatusReport(deviceID string, status state.PhysicalStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
}

func (f *fakeHandler) HandleConnectionChange(deviceID string, cs state.ConnectionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, err := f.store.GetDevice(deviceID)
	if err != nil {
		return
	}
	updated, err := f.store.Mutate(deviceID, func(d *state.Device) error {
		d.ConnectionStatus = cs
		return nil
	})
	if err != nil || updated.ConnectionStatus == prev.ConnectionStatus {
		return
	}
	f.hub.BroadcastStateChange(updated)
}

func (f *fakeHandler) HandleTimeout(deviceID string) {
	f.timeouts <- deviceID
}

func testStore(t *testing.T) *state.Store {
	t.Helper()
	store, err := state.NewStore([]state.Device{
		{DoorID: "DOOR-001", Location: "Main Entrance", Kind: state.KindPhysical, PhysicalStatus: state.StatusClosed, LockState: state.LockLocked},
		{DoorID: "DOOR-002", Location: "Conference Room A", Kind: state.KindVirtual, PhysicalStatus: state.StatusClosed, LockState: state.LockUnlocked},
	}, 0)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func startHub(t *testing.T, opts ...Option) (*Hub, *fakeHandler, *httptest.Server) {
	t.Helper()
	store := testStore(t)
	h := New(store, opts...)
	handler := newFakeHandler(store, h)
	h.SetHandler(handler)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeObserver)
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		h.ServeController(w, r, strings.TrimPrefix(r.URL.Path, "/ws/"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return h, handler, srv
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// readFrame reads the next non-heartbeat frame of any type.
func readFrame(t *testing.T, c *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	for {
		_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var m map[string]json.RawMessage
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal %q: %v", data, err)
		}
		if frameType(m) == protocol.TypePing {
			continue
		}
		return m
	}
}

func frameType(m map[string]json.RawMessage) string {
	var typ string
	_ = json.Unmarshal(m["type"], &typ)
	return typ
}

// waitFrame reads frames until one of the wanted type arrives.
func waitFrame(t *testing.T, c *websocket.Conn, want string) map[string]json.RawMessage {
	t.Helper()
	for i := 0; i < 20; i++ {
		m := readFrame(t, c)
		if frameType(m) == want {
			return m
		}
	}
	t.Fatalf("no %s frame received", want)
	return nil
}

func TestObserverReceivesInitialData(t *testing.T) {
	_, _, srv := startHub(t)
	c := dialWS(t, srv, "/ws")

	m := readFrame(t, c)
	if frameType(m) != protocol.TypeInitialData {
		t.Fatalf("first frame type = %s, want initial_data", frameType(m))
	}
	var body struct {
		Devices   []state.Device `json:"devices"`
		Timestamp string         `json:"timestamp"`
	}
	if err := json.Unmarshal(m["data"], &body); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if len(body.Devices) != 2 || body.Timestamp == "" {
		t.Fatalf("unexpected snapshot: %+v", body)
	}
}

func TestObserverCommandRoutedAndAnsweredPrivately(t *testing.T) {
	_, handler, srv := startHub(t)
	a := dialWS(t, srv, "/ws")
	b := dialWS(t, srv, "/ws")
	readFrame(t, a) // initial_data
	readFrame(t, b)

	req := `{"type":"command","device_id":"DOOR-002","command":"open","user_id":"alice"}`
	if err := a.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := waitFrame(t, a, protocol.TypeCommandResponse)
	var body protocol.CommandResponseBody
	if err := json.Unmarshal(m["data"], &body); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if body.DeviceID != "DOOR-002" || body.Status != state.OutcomeGranted || !body.AccessGranted {
		t.Fatalf("unexpected response: %+v", body)
	}

	handler.mu.Lock()
	got := append([]string(nil), handler.commands...)
	handler.mu.Unlock()
	if len(got) != 1 || got[0] != "DOOR-002/alice/open" {
		t.Fatalf("handler saw %v", got)
	}

	// The response goes to the originator only; b should see nothing but
	// heartbeats within a short window.
	_ = b.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	for {
		_, data, err := b.ReadMessage()
		if err != nil {
			break // deadline, as expected
		}
		var env protocol.Envelope
		_ = json.Unmarshal(data, &env)
		if env.Type == protocol.TypeCommandResponse {
			t.Fatal("command_response leaked to a second observer")
		}
	}
}

func TestObserverInvalidCommandValue(t *testing.T) {
	_, handler, srv := startHub(t)
	c := dialWS(t, srv, "/ws")
	readFrame(t, c)

	req := `{"type":"command","device_id":"DOOR-002","command":"explode","user_id":"alice"}`
	if err := c.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := waitFrame(t, c, protocol.TypeCommandResponse)
	var body protocol.CommandResponseBody
	if err := json.Unmarshal(m["data"], &body); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if body.Status != state.OutcomeDenied || body.Message != "invalid_request" {
		t.Fatalf("unexpected response: %+v", body)
	}

	handler.mu.Lock()
	n := len(handler.commands)
	handler.mu.Unlock()
	if n != 0 {
		t.Fatal("validation failure must not reach the engine")
	}
}

func TestBroadcastOrderPreserved(t *testing.T) {
	h, _, srv := startHub(t)
	c := dialWS(t, srv, "/ws")
	readFrame(t, c)

	dev, _ := h.store.GetDevice("DOOR-002")
	dev.PhysicalStatus = state.StatusOpen
	h.BroadcastStateChange(dev)
	h.BroadcastAccessEvent(state.AccessEvent{
		Timestamp: time.Now(), DeviceID: "DOOR-002", UserID: "alice",
		Command: state.CmdOpen, Outcome: state.OutcomeGranted, Message: "ok",
	})

	first := readFrame(t, c)
	second := readFrame(t, c)
	if frameType(first) != protocol.TypeDeviceStateChange {
		t.Fatalf("first broadcast = %s, want device_state_change", frameType(first))
	}
	if frameType(second) != protocol.TypeAccessEvent {
		t.Fatalf("second broadcast = %s, want access_event", frameType(second))
	}
}

func TestControllerOnlineOfflineLifecycle(t *testing.T) {
	h, _, srv := startHub(t)
	obs := dialWS(t, srv, "/ws")
	readFrame(t, obs)

	ctrl := dialWS(t, srv, "/ws/DOOR-001")

	// The controller is greeted with a handshake request.
	m := readFrame(t, ctrl)
	if frameType(m) != protocol.TypeHandshake {
		t.Fatalf("first controller frame = %s, want handshake", frameType(m))
	}

	// Observers see the device come online.
	ch := waitFrame(t, obs, protocol.TypeDeviceStateChange)
	var body protocol.DeviceStateChangeBody
	if err := json.Unmarshal(ch["data"], &body); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if body.DeviceID != "DOOR-001" || body.NewState.ConnectionStatus != state.ConnOnline {
		t.Fatalf("unexpected online broadcast: %+v", body)
	}

	ctrl.Close()
	ch = waitFrame(t, obs, protocol.TypeDeviceStateChange)
	if err := json.Unmarshal(ch["data"], &body); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if body.NewState.ConnectionStatus != state.ConnOffline {
		t.Fatalf("expected offline broadcast, got %+v", body)
	}
	dev, _ := h.store.GetDevice("DOOR-001")
	if dev.ConnectionStatus != state.ConnOffline {
		t.Fatalf("store not offline: %+v", dev)
	}
}

func TestControllerDisplacement(t *testing.T) {
	h, _, srv := startHub(t)

	a := dialWS(t, srv, "/ws/DOOR-001")
	readFrame(t, a) // handshake

	b := dialWS(t, srv, "/ws/DOOR-001")
	readFrame(t, b)

	// The first session is closed with a policy violation carrying the
	// replacement reason.
	_ = a.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := a.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			t.Fatalf("expected policy violation close, got %v", err)
		}
		break
	}

	// The device stays online throughout the displacement.
	dev, _ := h.store.GetDevice("DOOR-001")
	if dev.ConnectionStatus != state.ConnOnline {
		t.Fatalf("displacement flipped device offline: %+v", dev)
	}
	if n := h.ControllerCount(); n != 1 {
		t.Fatalf("ControllerCount = %d, want 1", n)
	}
}

func TestControllerFramesRouted(t *testing.T) {
	_, handler, srv := startHub(t)
	ctrl := dialWS(t, srv, "/ws/DOOR-001")
	readFrame(t, ctrl) // handshake

	status := `{"type":"status_update","data":{"physical_status":"open"}}`
	if err := ctrl.WriteMessage(websocket.TextMessage, []byte(status)); err != nil {
		t.Fatalf("write: %v", err)
	}
	button := `{"type":"button_command_request","command":"open"}`
	if err := ctrl.WriteMessage(websocket.TextMessage, []byte(button)); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		handler.mu.Lock()
		done := len(handler.statuses) == 1 && len(handler.buttons) == 1
		handler.mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.statuses) != 1 || handler.statuses[0] != state.StatusOpen {
		t.Fatalf("statuses = %v", handler.statuses)
	}
	if len(handler.buttons) != 1 || handler.buttons[0] != state.CmdOpen {
		t.Fatalf("buttons = %v", handler.buttons)
	}
}

func TestControllerUnknownDeviceRejected(t *testing.T) {
	_, _, srv := startHub(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/DOOR-999"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial failure for unknown device")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %+v", resp)
	}
}

func TestSendToControllerNotConnected(t *testing.T) {
	h, _, srv := startHub(t)
	_ = srv

	err := h.SendToController(context.Background(), "DOOR-001", protocol.NewPing())
	if err != dispatch.ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

// Connection flips and engine commands race on the same device; the
// last device_state_change an observer receives must match the store's
// final state in every interleaving.
func TestConnectionFlipsOrderedWithEngineMutations(t *testing.T) {
	store := testStore(t)
	h := New(store)
	limiter := ratelimit.New(ratelimit.Config{
		MaxAttemptsPerMinute: 1 << 20,
		MaxFailedAttempts:    1 << 20,
	})
	engine := authz.New(store, limiter, dispatch.New(h), h)
	h.SetHandler(engine)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeObserver)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
		limiter.Close()
	})

	obs := dialWS(t, srv, "/ws")
	readFrame(t, obs) // initial_data

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			h.setConnection("DOOR-001", state.ConnOnline)
			h.setConnection("DOOR-001", state.ConnOffline)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			engine.Attempt("DOOR-001", "admin", state.CmdUnlock)
			engine.Attempt("DOOR-001", "admin", state.CmdLock)
		}
	}()
	wg.Wait()

	// Everything above broadcast synchronously; this marker frame is
	// therefore the last one on the wire.
	h.BroadcastAccessEvent(state.AccessEvent{
		Timestamp: time.Now(), DeviceID: "MARKER", UserID: "system",
		Command: state.CmdOpen, Outcome: state.OutcomeGranted, Message: "done",
	})

	final, err := store.GetDevice("DOOR-001")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}

	var last protocol.DeviceStateChangeBody
	seen := false
	for {
		m := readFrame(t, obs)
		switch frameType(m) {
		case protocol.TypeAccessEvent:
			var ev state.AccessEvent
			if err := json.Unmarshal(m["data"], &ev); err != nil {
				t.Fatalf("unmarshal event: %v", err)
			}
			if ev.DeviceID == "MARKER" {
				if !seen {
					t.Fatal("no device_state_change frames received")
				}
				if last.NewState.ConnectionStatus != final.ConnectionStatus || last.NewState.LockState != final.LockState {
					t.Fatalf("last broadcast snapshot %s/%s, store is %s/%s",
						last.NewState.LockState, last.NewState.ConnectionStatus,
						final.LockState, final.ConnectionStatus)
				}
				return
			}
		case protocol.TypeDeviceStateChange:
			if err := json.Unmarshal(m["data"], &last); err != nil {
				t.Fatalf("unmarshal state change: %v", err)
			}
			seen = true
		}
	}
}

func TestHeartbeatTimeout(t *testing.T) {
	h, handler, srv := startHub(t, WithHeartbeat(20*time.Millisecond, 60*time.Millisecond))

	ctrl := dialWS(t, srv, "/ws/DOOR-001")
	_ = ctrl // connected but silent; the hub should give up on it

	select {
	case id := <-handler.timeouts:
		if id != "DOOR-001" {
			t.Fatalf("timeout for %s", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no heartbeat timeout")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		dev, _ := h.store.GetDevice("DOOR-001")
		if dev.ConnectionStatus == state.ConnOffline {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("device never flipped offline after timeout")
}
