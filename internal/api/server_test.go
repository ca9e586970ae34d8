package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rover-control/relay/internal/adapter"
	"github.com/rover-control/relay/internal/adapter/fake"
	"github.com/rover-control/relay/internal/command"
	"github.com/rover-control/relay/internal/config"
	"github.com/rover-control/relay/internal/endpoint"
	"github.com/rover-control/relay/internal/metrics"
	"github.com/rover-control/relay/internal/session"
	"github.com/rover-control/relay/internal/telemetry"
)

type apiRig struct {
	server  *httptest.Server
	device  *fake.Adapter
	hub     *telemetry.Hub
	history *telemetry.History
}

// setupTestServer wires the full control plane to a fake device.
func setupTestServer(t *testing.T) *apiRig {
	t.Helper()
	cfg := config.Defaults()

	hub := telemetry.NewHub(&cfg.Timing)
	t.Cleanup(hub.Stop)

	endpoints, err := endpoint.NewRegistry(endpoint.Config{DeviceBaseAddress: "http://192.168.4.1"}, endpoint.DefaultConvention)
	if err != nil {
		t.Fatalf("NewRegistry() failed: %v", err)
	}

	device := fake.New()
	orchestrator := command.NewOrchestrator(device, endpoints, hub, &cfg.Timing)

	history := telemetry.NewHistory(cfg.Timing.HistorySize)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go telemetry.Record(ctx, hub, history)

	s := NewServer(&cfg.Server, hub, orchestrator, endpoints,
		WithHistory(history),
		WithSessions(session.NewHandler(hub, orchestrator, &cfg.Timing, &cfg.Joystick)),
		WithMetrics(metrics.New()),
		WithCameraStreamURL(cfg.Device.CameraStreamURL),
		WithKeepAlive(10*time.Millisecond),
	)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return &apiRig{server: ts, device: device, hub: hub, history: history}
}

func (r *apiRig) post(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(r.server.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	return resp, decode(t, resp)
}

func (r *apiRig) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(r.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	return resp, decode(t, resp)
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var body map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Fatalf("body is not JSON: %q", raw)
		}
	}
	return body
}

func TestCommandEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
		wantCalls  int
	}{
		{"discrete forward", `{"command":"MOVE_FORWARD"}`, http.StatusOK, "", 1},
		{"continuous with speed", `{"command":"TURN_LEFT","continuous":true,"speed":0.4}`, http.StatusOK, "", 1},
		{"unknown fields ignored", `{"command":"MOVE_BACKWARD","extra":1}`, http.StatusOK, "", 1},
		{"missing command", `{}`, http.StatusBadRequest, "INVALID_COMMAND", 0},
		{"empty body", ``, http.StatusBadRequest, "INVALID_COMMAND", 0},
		{"speed out of range", `{"command":"MOVE_FORWARD","speed":1.5}`, http.StatusBadRequest, "INVALID_COMMAND", 0},
		{"malformed json", `{"command":`, http.StatusBadRequest, "INVALID_COMMAND", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := setupTestServer(t)

			resp, body := rig.post(t, "/command", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %v)", resp.StatusCode, tt.wantStatus, body)
			}
			if tt.wantCode == "" {
				if body["success"] != true {
					t.Errorf("body = %v, want success:true", body)
				}
			} else if body["code"] != tt.wantCode {
				t.Errorf("code = %v, want %s", body["code"], tt.wantCode)
			}
			if got := len(rig.device.Calls()); got != tt.wantCalls {
				t.Errorf("device calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestCommandDeviceFailure(t *testing.T) {
	tests := []struct {
		name     string
		fault    string
		wantCode string
	}{
		{"rejected", fake.FaultReject, "DEVICE_REJECTED"},
		{"unreachable", fake.FaultUnreachable, "DEVICE_UNREACHABLE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := setupTestServer(t)
			rig.device.SetFault(tt.fault, http.StatusInternalServerError, "motor fault")

			resp, body := rig.post(t, "/command", `{"command":"MOVE_FORWARD"}`)
			if resp.StatusCode != http.StatusBadGateway {
				t.Fatalf("status = %d, want 502", resp.StatusCode)
			}
			if body["code"] != tt.wantCode {
				t.Errorf("code = %v, want %s", body["code"], tt.wantCode)
			}
			if msg, _ := body["error"].(string); !strings.Contains(msg, "Failed") {
				t.Errorf("error %q should read as a failure", msg)
			}

			// the command was accepted even though the relay failed
			_, status := rig.get(t, "/status")
			if status["lastCommand"] != "MOVE_FORWARD" {
				t.Errorf("lastCommand = %v, want MOVE_FORWARD", status["lastCommand"])
			}
		})
	}
}

func TestModeEndpoint(t *testing.T) {
	rig := setupTestServer(t)

	resp, _ := rig.post(t, "/mode", `{"mode":"AUTONOMOUS"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	calls := rig.device.CallsTo(adapter.PathMode)
	if len(calls) != 1 || calls[0].Payload["mode"] != "AUTONOMOUS" {
		t.Fatalf("mode calls = %+v", calls)
	}

	resp, body := rig.post(t, "/mode", `{"mode":"TURBO"}`)
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "INVALID_COMMAND" {
		t.Errorf("unknown mode: status %d body %v", resp.StatusCode, body)
	}
	if got := len(rig.device.CallsTo(adapter.PathMode)); got != 1 {
		t.Errorf("unknown mode reached the device (%d calls)", got)
	}
}

func TestStopIgnoresBody(t *testing.T) {
	rig := setupTestServer(t)

	for _, body := range []string{``, `not json`, `{"command":"MOVE_FORWARD"}`} {
		resp, out := rig.post(t, "/stop", body)
		if resp.StatusCode != http.StatusOK || out["success"] != true {
			t.Errorf("POST /stop %q: status %d body %v", body, resp.StatusCode, out)
		}
	}
	if got := len(rig.device.CallsTo(adapter.PathStop)); got != 3 {
		t.Errorf("stop calls = %d, want 3", got)
	}
}

func TestStopDeviceFailure(t *testing.T) {
	rig := setupTestServer(t)
	rig.device.SetFault(fake.FaultUnreachable, 0, "")

	resp, body := rig.post(t, "/stop", "")
	if resp.StatusCode != http.StatusBadGateway || body["code"] != "DEVICE_UNREACHABLE" {
		t.Errorf("status %d body %v", resp.StatusCode, body)
	}
}

func TestConnectEndpoint(t *testing.T) {
	rig := setupTestServer(t)

	resp, body := rig.post(t, "/connect", `{"deviceBaseAddress":"http://10.0.0.5/"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["deviceBaseAddress"] != "http://10.0.0.5" {
		t.Errorf("deviceBaseAddress = %v", body["deviceBaseAddress"])
	}
	if body["telemetrySourceAddress"] != "ws://10.0.0.5:82/telemetry" {
		t.Errorf("telemetrySourceAddress = %v", body["telemetrySourceAddress"])
	}

	_, status := rig.get(t, "/status")
	if status["deviceBaseAddress"] != "http://10.0.0.5" {
		t.Errorf("status deviceBaseAddress = %v", status["deviceBaseAddress"])
	}

	// subsequent commands go to the new base
	rig.post(t, "/command", `{"command":"MOVE_FORWARD"}`)
	if got := len(rig.device.CallsTo(adapter.PathMove)); got != 1 {
		t.Errorf("move calls = %d, want 1", got)
	}
}

func TestConnectRejectsBadAddress(t *testing.T) {
	rig := setupTestServer(t)

	for _, body := range []string{`{}`, `{"deviceBaseAddress":"  "}`, `{"deviceBaseAddress":"ftp://x"}`} {
		resp, out := rig.post(t, "/connect", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("POST /connect %s: status %d, want 400", body, resp.StatusCode)
		}
		if _, ok := out["error"]; !ok {
			t.Errorf("POST /connect %s: missing error field in %v", body, out)
		}
	}

	_, status := rig.get(t, "/status")
	if status["deviceBaseAddress"] != "http://192.168.4.1" {
		t.Errorf("failed connect changed the endpoint: %v", status["deviceBaseAddress"])
	}
}

func TestStatusBeforeAnyCommand(t *testing.T) {
	rig := setupTestServer(t)

	resp, body := rig.get(t, "/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "online" {
		t.Errorf("status = %v, want online", body["status"])
	}
	if body["lastCommand"] != command.NoCommand {
		t.Errorf("lastCommand = %v, want %s", body["lastCommand"], command.NoCommand)
	}
	if _, ok := body["lastCommandAt"]; ok {
		t.Error("lastCommandAt should be omitted before any command")
	}
	if body["uplinkState"] != "disabled" {
		t.Errorf("uplinkState = %v, want disabled", body["uplinkState"])
	}
}

func TestConfigEndpoint(t *testing.T) {
	rig := setupTestServer(t)

	_, body := rig.get(t, "/config")
	if body["cameraStreamUrl"] != "http://192.168.4.1:81/stream" {
		t.Errorf("cameraStreamUrl = %v", body["cameraStreamUrl"])
	}
	if body["deviceBaseAddress"] != "http://192.168.4.1" {
		t.Errorf("deviceBaseAddress = %v", body["deviceBaseAddress"])
	}
}

func TestRequestID(t *testing.T) {
	rig := setupTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, rig.server.URL+"/status", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(RequestIDHeader); got != "req-42" {
		t.Errorf("echoed request id = %q, want req-42", got)
	}

	resp, _ = rig.get(t, "/status")
	if resp.Header.Get(RequestIDHeader) == "" {
		t.Error("a request id should be generated when absent")
	}
}

func TestTelemetryRecent(t *testing.T) {
	rig := setupTestServer(t)

	if err := rig.hub.Publish(telemetry.System("first")); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	if err := rig.hub.Publish(telemetry.System("second")); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	waitFor(t, func() bool { return rig.history.Len() >= 2 })

	_, body := rig.get(t, "/telemetry/recent")
	events, _ := body["events"].([]any)
	if len(events) != 2 {
		t.Fatalf("events = %v, want 2", body["events"])
	}
	first := events[0].(map[string]any)
	if first["message"] != "first" {
		t.Errorf("first event = %v", first)
	}

	_, body = rig.get(t, "/telemetry/recent?after="+jsonNumber(first["id"]))
	events, _ = body["events"].([]any)
	if len(events) != 1 || events[0].(map[string]any)["message"] != "second" {
		t.Errorf("after filter = %v", body["events"])
	}

	_, body = rig.get(t, "/telemetry/recent?after=999999")
	if events, ok := body["events"].([]any); !ok || len(events) != 0 {
		t.Errorf("nothing newer: events = %#v, want []", body["events"])
	}

	resp, _ := rig.get(t, "/telemetry/recent?after=abc")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad after: status %d, want 400", resp.StatusCode)
	}
}

func TestTelemetryStream(t *testing.T) {
	rig := setupTestServer(t)

	resp, err := http.Get(rig.server.URL + "/telemetry/stream")
	if err != nil {
		t.Fatalf("GET /telemetry/stream failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q", ct)
	}

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !strings.Contains(string(buf[:n]), telemetry.MessageConnected) {
		t.Errorf("first chunk %q should carry the connected announcement", buf[:n])
	}
}

func TestTelemetrySession(t *testing.T) {
	rig := setupTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(rig.server.URL, "http") + "/telemetry"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame session.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.Event != session.EventTelemetry {
		t.Fatalf("event = %q, want telemetry", frame.Event)
	}
	var event telemetry.Event
	if err := json.Unmarshal(frame.Data, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Message != telemetry.MessageConnected {
		t.Errorf("first message = %q", event.Message)
	}
}

func TestHealthz(t *testing.T) {
	rig := setupTestServer(t)

	resp, body := rig.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
	if _, ok := body["subscribers"]; !ok {
		t.Error("healthz should report subscribers")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rig := setupTestServer(t)

	resp, err := http.Get(rig.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "rover_relay_hub_observers") {
		t.Error("metrics exposition should include rover_relay_hub_observers")
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	rig := setupTestServer(t)

	resp, body := rig.get(t, "/unknown")
	if resp.StatusCode != http.StatusNotFound || body["code"] != "NOT_FOUND" {
		t.Errorf("unknown route: status %d body %v", resp.StatusCode, body)
	}

	resp, body = rig.get(t, "/command")
	if resp.StatusCode != http.StatusMethodNotAllowed || body["code"] != "METHOD_NOT_ALLOWED" {
		t.Errorf("wrong method: status %d body %v", resp.StatusCode, body)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func jsonNumber(v any) string {
	return fmt.Sprintf("%.0f", v)
}
