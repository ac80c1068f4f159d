package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/randomizedcoder/shadowdeck/internal/endpoint"
	"github.com/randomizedcoder/shadowdeck/internal/health"
	"github.com/randomizedcoder/shadowdeck/internal/supervisor"
	"github.com/randomizedcoder/shadowdeck/internal/timeseries"
)

// fakeController records calls and returns canned results.
type fakeController struct {
	mu       sync.Mutex
	enabled  bool
	running  bool
	ep       endpoint.Endpoint
	saveErr  error
	starts   int
	stops    int
	startCtx context.Context
}

func (f *fakeController) Start(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.startCtx = ctx
	if f.running {
		return false
	}
	f.running = true
	f.enabled = true
	return true
}

func (f *fakeController) Stop(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.enabled = false
	was := f.running
	f.running = false
	return was
}

func (f *fakeController) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeController) Endpoint() endpoint.Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ep
}

func (f *fakeController) SaveEndpoint(ep endpoint.Endpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.ep = ep
	return nil
}

func (f *fakeController) Status() supervisor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := supervisor.Status{State: supervisor.StateStopped, Desired: f.enabled}
	if f.running {
		st.State = supervisor.StateRunning
		st.PID = 4242
		st.StartedAt = fixedNow().Add(-90 * time.Second)
		st.Uptime = 90 * time.Second
		st.ConfigPath = "/run/shadowdeck/config.json"
		st.Command = "sing-box run -c /run/shadowdeck/config.json"
		st.LastProbeAt = fixedNow()
		st.LastProbeOK = true
	}
	return st
}

func fixedNow() time.Time {
	return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
}

func newTestServer(t *testing.T, ctrl *fakeController, opts ServerOptions) *httptest.Server {
	t.Helper()
	orig := TimeNow
	TimeNow = fixedNow
	t.Cleanup(func() { TimeNow = orig })

	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(NewServer(ctrl, opts).Handler())
	t.Cleanup(srv.Close)
	return srv
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
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return v
}

func TestStartStop(t *testing.T) {
	ctrl := &fakeController{}
	srv := newTestServer(t, ctrl, ServerOptions{})

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/start", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
	got := decode[ActionResponse](t, body)
	if !got.OK || !got.Enabled || got.State != "running" {
		t.Errorf("start = %+v", got)
	}
	if ctrl.startCtx == nil {
		t.Error("Start() did not receive the request context")
	}

	_, body = do(t, http.MethodPost, srv.URL+"/v1/start", "")
	if got := decode[ActionResponse](t, body); got.OK {
		t.Errorf("second start = %+v, want ok=false", got)
	}

	_, body = do(t, http.MethodPost, srv.URL+"/v1/stop", "")
	if got := decode[ActionResponse](t, body); !got.OK || got.Enabled || got.State != "stopped" {
		t.Errorf("stop = %+v", got)
	}

	_, body = do(t, http.MethodPost, srv.URL+"/v1/stop", "")
	if got := decode[ActionResponse](t, body); got.OK {
		t.Errorf("second stop = %+v, want ok=false", got)
	}
}

func TestEnabled(t *testing.T) {
	ctrl := &fakeController{enabled: true}
	srv := newTestServer(t, ctrl, ServerOptions{})

	_, body := do(t, http.MethodGet, srv.URL+"/v1/enabled", "")
	if got := decode[EnabledResponse](t, body); !got.Enabled {
		t.Error("enabled = false, want true")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, &fakeController{}, ServerOptions{})

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/v1/start"},
		{http.MethodGet, "/v1/stop"},
		{http.MethodPost, "/v1/enabled"},
		{http.MethodDelete, "/v1/settings"},
	}
	for _, tt := range tests {
		t.Run(tt.method+tt.path, func(t *testing.T) {
			resp, _ := do(t, tt.method, srv.URL+tt.path, "")
			if resp.StatusCode != http.StatusMethodNotAllowed {
				t.Errorf("status = %d, want 405", resp.StatusCode)
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	srv := newTestServer(t, &fakeController{}, ServerOptions{})
	resp, _ := do(t, http.MethodGet, srv.URL+"/v2/status", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestGetSettings(t *testing.T) {
	ctrl := &fakeController{ep: endpoint.Default()}
	srv := newTestServer(t, ctrl, ServerOptions{})

	_, body := do(t, http.MethodGet, srv.URL+"/v1/settings", "")
	got := decode[SettingsView](t, body)
	if got.Server != endpoint.DefaultServer || got.Port != endpoint.DefaultPort || got.Method != endpoint.DefaultMethod {
		t.Errorf("settings = %+v", got)
	}
}

func TestPutSettings(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		running     bool
		saveErr     error
		wantStatus  int
		wantRestart bool
		wantDetails int
	}{
		{
			name:       "valid",
			body:       `{"server":"vpn.example.net","port":443,"method":"aes-256-gcm","password":"pw"}`,
			wantStatus: http.StatusOK,
		},
		{
			name:        "valid_while_running",
			body:        `{"server":"vpn.example.net","port":443,"method":"aes-256-gcm","password":"pw"}`,
			running:     true,
			wantStatus:  http.StatusOK,
			wantRestart: true,
		},
		{
			name:        "invalid_fields",
			body:        `{"server":"","port":70000,"method":"rot13","password":""}`,
			wantStatus:  http.StatusBadRequest,
			wantDetails: 3,
		},
		{
			name:       "unknown_field",
			body:       `{"server":"a","port":1,"method":"aes-256-gcm","password":"","extra":1}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed",
			body:       `{"server":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "commit_failure",
			body:       `{"server":"vpn.example.net","port":443,"method":"aes-256-gcm","password":"pw"}`,
			saveErr:    errors.New("disk full"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeController{ep: endpoint.Default(), running: tt.running, saveErr: tt.saveErr}
			srv := newTestServer(t, ctrl, ServerOptions{})

			resp, body := do(t, http.MethodPut, srv.URL+"/v1/settings", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tt.wantStatus, body)
			}

			if tt.wantStatus == http.StatusOK {
				got := decode[SaveSettingsResponse](t, body)
				if got.Settings.Server != "vpn.example.net" || got.RestartRequired != tt.wantRestart {
					t.Errorf("response = %+v", got)
				}
				if ctrl.Endpoint().Port != 443 {
					t.Error("endpoint not saved")
				}
				return
			}

			got := decode[APIError](t, body)
			if len(got.Details) != tt.wantDetails {
				t.Errorf("details = %v, want %d entries", got.Details, tt.wantDetails)
			}
			if ctrl.Endpoint() != endpoint.Default() {
				t.Error("endpoint changed after rejected save")
			}
		})
	}
}

func TestStatus(t *testing.T) {
	ctrl := &fakeController{enabled: true, running: true}
	srv := newTestServer(t, ctrl, ServerOptions{
		ProbeStats: func() health.Stats {
			return health.Stats{Count: 10, Failures: 2, P50: 120 * time.Millisecond, P95: 300 * time.Millisecond}
		},
	})

	_, body := do(t, http.MethodGet, srv.URL+"/v1/status", "")
	got := decode[StatusResponse](t, body)

	want := StatusResponse{
		State:      "running",
		Desired:    true,
		PID:        4242,
		StartedAt:  "2024-05-01T11:58:30Z",
		UptimeSec:  90,
		ConfigPath: "/run/shadowdeck/config.json",
		Command:    "sing-box run -c /run/shadowdeck/config.json",
		LastProbe: ProbeView{
			OK:          true,
			LastChecked: "2024-05-01T12:00:00Z",
			Count:       10,
			Failures:    2,
			P50Ms:       120,
			P95Ms:       300,
		},
		GeneratedAt: "2024-05-01T12:00:00Z",
	}
	if got != want {
		t.Errorf("status =\n%+v\nwant\n%+v", got, want)
	}
}

func TestStatus_Availability(t *testing.T) {
	srv := newTestServer(t, &fakeController{}, ServerOptions{
		Availability: func() timeseries.AvailabilityStats {
			return timeseries.AvailabilityStats{Total: 20, OK: 15, Ratio1m: 1, Ratio5m: 0.75, Ratio15m: -1}
		},
	})

	_, body := do(t, http.MethodGet, srv.URL+"/v1/status", "")
	got := decode[StatusResponse](t, body)
	want := AvailabilityView{Probes: 20, Ratio1m: 1, Ratio5m: 0.75, Ratio15m: -1}
	if got.Availability != want {
		t.Errorf("availability = %+v, want %+v", got.Availability, want)
	}
}

func TestStatus_Stopped(t *testing.T) {
	srv := newTestServer(t, &fakeController{}, ServerOptions{})
	_, body := do(t, http.MethodGet, srv.URL+"/v1/status", "")

	for _, field := range []string{"started_at", "availability"} {
		if bytes.Contains(body, []byte(field)) {
			t.Errorf("stopped status includes %s: %s", field, body)
		}
	}
	got := decode[StatusResponse](t, body)
	if got.State != "stopped" || got.PID != 0 || got.LastProbe.Count != 0 {
		t.Errorf("status = %+v", got)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &fakeController{}, ServerOptions{})
	resp, body := do(t, http.MethodGet, srv.URL+"/v1/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := decode[map[string]string](t, body); got["status"] != "ok" {
		t.Errorf("body = %v", got)
	}
}

func TestServer_StartStop(t *testing.T) {
	s := NewServer(&fakeController{}, ServerOptions{
		Addr:   "127.0.0.1:0",
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	resp, _ := do(t, http.MethodGet, "http://"+s.Addr()+"/v1/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if _, err := http.Get("http://" + s.Addr() + "/v1/healthz"); err == nil {
		t.Error("server still answering after Stop()")
	}
}

func TestNewServer_NilControllerPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewServer(nil) did not panic")
		}
	}()
	NewServer(nil, ServerOptions{})
}
