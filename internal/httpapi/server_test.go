package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"bken/aecd/internal/config"
	"bken/aecd/internal/device"
	"bken/aecd/internal/engine"
	"bken/aecd/internal/permission"
	"bken/aecd/internal/session"
	"bken/aecd/internal/store"
)

type fakeSessions struct {
	list  []store.Session
	err   error
	limit int
}

func (f *fakeSessions) Sessions(_ context.Context, limit int) ([]store.Session, error) {
	f.limit = limit
	return f.list, f.err
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server, *device.Mock) {
	t.Helper()
	mock := device.NewMock()
	mock.Manual = true
	orch := session.New(session.Deps{
		Backend:     mock,
		Permissions: permission.NewProbe(func() error { return nil }, nil),
		Config:      config.AEC{SampleRate: 16000, ChannelsPerFrame: 1, FramesPerBuffer: 160},
	})
	t.Cleanup(func() { orch.StopAECCapture() })

	api := New(orch, opts...)
	t.Cleanup(api.Hub().Close)
	ts := httptest.NewServer(api.Echo())
	t.Cleanup(ts.Close)
	return api, ts, mock
}

func do(t *testing.T, method, url string, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestHealth(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp, body := do(t, http.MethodGet, ts.URL+"/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", resp.StatusCode)
	}
	var health healthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || health.Active {
		t.Fatalf("unexpected health payload: %#v", health)
	}
}

func TestStartStop(t *testing.T) {
	_, ts, mock := newTestServer(t)

	resp, body := do(t, http.MethodPost, ts.URL+"/api/aec/start", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: %d %s", resp.StatusCode, body)
	}
	var st struct {
		Active bool `json:"active"`
	}
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatal(err)
	}
	if !st.Active {
		t.Fatalf("start response = %s", body)
	}

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/aec/start", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second start: expected 409, got %d", resp.StatusCode)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/api/aec", "")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte(`"state":"running"`)) {
		t.Fatalf("stats: %d %s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodPost, ts.URL+"/api/aec/stop", "")
	if resp.StatusCode != http.StatusOK || bytes.Contains(body, []byte(`"active":true`)) {
		t.Fatalf("stop: %d %s", resp.StatusCode, body)
	}
	if !mock.Last().Closed() {
		t.Fatal("input stream still open after stop")
	}
}

func TestConfigRoutes(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/aec/config/default", "")
	var def config.AEC
	if resp.StatusCode != http.StatusOK || json.Unmarshal(body, &def) != nil || def != config.Default() {
		t.Fatalf("default config: %d %s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodPut, ts.URL+"/api/aec/config", `{"enable_agc":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put config: %d %s", resp.StatusCode, body)
	}
	var got config.AEC
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if !got.EnableAGC || got.SampleRate != 16000 || got.FramesPerBuffer != 160 {
		t.Fatalf("partial update lost fields: %+v", got)
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid", `{"channels_per_frame":0}`, http.StatusBadRequest},
		{"malformed", `{"sample_rate":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPut, ts.URL+"/api/aec/config", tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("expected %d, got %d %s", tt.want, resp.StatusCode, body)
			}
		})
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/api/aec/config", "")
	if err := json.Unmarshal(body, &got); err != nil || got.ChannelsPerFrame != 1 {
		t.Fatalf("rejected update changed config: %s", body)
	}
}

func TestPermissionRoutes(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/permissions", "")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte(`"microphone":"not_determined"`)) {
		t.Fatalf("permissions: %d %s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodPost, ts.URL+"/api/permissions/microphone", "")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte(`"microphone":"authorized"`)) {
		t.Fatalf("request microphone: %d %s", resp.StatusCode, body)
	}
	if !bytes.Contains(body, []byte(`"audio":"not_determined"`)) {
		t.Fatalf("audio status changed: %s", body)
	}

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/permissions/camera", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown device: expected 400, got %d", resp.StatusCode)
	}
}

func TestSessionsRoute(t *testing.T) {
	_, ts, _ := newTestServer(t)
	resp, _ := do(t, http.MethodGet, ts.URL+"/api/sessions", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("without journal: expected 503, got %d", resp.StatusCode)
	}

	journal := &fakeSessions{list: []store.Session{{ID: 3, Config: config.Default()}}}
	_, ts, _ = newTestServer(t, WithSessions(journal))

	resp, body := do(t, http.MethodGet, ts.URL+"/api/sessions?limit=5", "")
	var list []store.Session
	if resp.StatusCode != http.StatusOK || json.Unmarshal(body, &list) != nil {
		t.Fatalf("sessions: %d %s", resp.StatusCode, body)
	}
	if len(list) != 1 || list[0].ID != 3 || journal.limit != 5 {
		t.Fatalf("sessions = %+v (limit %d)", list, journal.limit)
	}

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/sessions?limit=zero", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit: expected 400, got %d", resp.StatusCode)
	}

	journal.err = errors.New("database is locked")
	resp, _ = do(t, http.MethodGet, ts.URL+"/api/sessions", "")
	if resp.StatusCode != http.StatusInternalServerError || journal.limit != 20 {
		t.Fatalf("journal failure: expected 500, got %d", resp.StatusCode)
	}
}

func TestMetricsRoute(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "aecd_blocks_total 1\n")
	})
	_, ts, _ := newTestServer(t, WithMetrics(h))
	resp, body := do(t, http.MethodGet, ts.URL+"/metrics", "")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("aecd_blocks_total")) {
		t.Fatalf("metrics: %d %s", resp.StatusCode, body)
	}

	_, ts, _ = newTestServer(t)
	if resp, _ := do(t, http.MethodGet, ts.URL+"/metrics", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("metrics without handler: expected 404, got %d", resp.StatusCode)
	}
}

func TestControlErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{config.ErrInvalidConfiguration, http.StatusBadRequest},
		{session.ErrAlreadyActive, http.StatusConflict},
		{engine.ErrInvalidState, http.StatusConflict},
		{engine.ErrReconfigurationFailed, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		var he *echo.HTTPError
		if !errors.As(controlError(tt.err), &he) {
			t.Fatalf("%v: not an echo.HTTPError", tt.err)
		}
		if he.Code != tt.want {
			t.Errorf("%v: status %d, want %d", tt.err, he.Code, tt.want)
		}
	}
}

func TestAudioWebsocket(t *testing.T) {
	api, ts, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/audio"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for api.Hub().Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("listener never registered")
		}
		time.Sleep(2 * time.Millisecond)
	}

	api.Hub().Broadcast(engine.Block{
		Seq:        9,
		Processed:  []float32{0.1, 0.2},
		Microphone: []float32{0.3, 0.4},
		Reference:  []float32{0.5, -0.5},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("message type = %d, want binary", kind)
	}
	b, err := DecodeBlock(data)
	if err != nil {
		t.Fatal(err)
	}
	if b.Seq != 9 || b.Processed[1] != 0.2 || b.Microphone[0] != 0.3 || b.Reference[1] != -0.5 {
		t.Fatalf("decoded block = %+v", b)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for api.Hub().Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("listener not removed after close")
		}
		time.Sleep(2 * time.Millisecond)
	}
}
