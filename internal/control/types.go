package control

import (
	"time"

	"github.com/randomizedcoder/shadowdeck/internal/endpoint"
	"github.com/randomizedcoder/shadowdeck/internal/health"
	"github.com/randomizedcoder/shadowdeck/internal/supervisor"
	"github.com/randomizedcoder/shadowdeck/internal/timeseries"
)

// TimeNow is replaced in tests.
var TimeNow = time.Now

// APIError is the body of every non-2xx response.
type APIError struct {
	Error     string   `json:"error"`
	Details   []string `json:"details,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// ActionResponse is returned by POST /v1/start and POST /v1/stop.
type ActionResponse struct {
	OK      bool   `json:"ok"`
	Enabled bool   `json:"enabled"`
	State   string `json:"state"`
}

// EnabledResponse is returned by GET /v1/enabled.
type EnabledResponse struct {
	Enabled bool `json:"enabled"`
}

// SettingsView is the endpoint as exchanged with the UI.
type SettingsView struct {
	Server   string `json:"server"`
	Port     int    `json:"port"`
	Method   string `json:"method"`
	Password string `json:"password"`
}

// SaveSettingsResponse is returned by PUT /v1/settings.
type SaveSettingsResponse struct {
	Settings SettingsView `json:"settings"`

	// RestartRequired is set when a running proxy still uses the old endpoint.
	RestartRequired bool `json:"restart_required"`
}

// ProbeView summarizes health probe history.
type ProbeView struct {
	OK          bool    `json:"ok"`
	LastChecked string  `json:"last_checked,omitempty"`
	Count       int64   `json:"count"`
	Failures    int64   `json:"failures"`
	P50Ms       float64 `json:"p50_ms"`
	P95Ms       float64 `json:"p95_ms"`
}

// AvailabilityView is the share of successful probes per window. A window
// without probes reports -1.
type AvailabilityView struct {
	Probes   int64   `json:"probes"`
	Ratio1m  float64 `json:"ratio_1m"`
	Ratio5m  float64 `json:"ratio_5m"`
	Ratio15m float64 `json:"ratio_15m"`
}

// StatusResponse is returned by GET /v1/status.
type StatusResponse struct {
	State       string    `json:"state"`
	Desired     bool      `json:"desired"`
	PID         int       `json:"pid"`
	StartedAt   string    `json:"started_at,omitempty"`
	UptimeSec   int64     `json:"uptime_sec"`
	ConfigPath  string    `json:"config_path,omitempty"`
	Command     string    `json:"command,omitempty"`
	Restarts    int       `json:"restarts"`
	LastProbe   ProbeView `json:"last_probe"`
	GeneratedAt string    `json:"generated_at"`

	Availability AvailabilityView `json:"availability,omitzero"`
}

func fromEndpoint(ep endpoint.Endpoint) SettingsView {
	return SettingsView{
		Server:   ep.Server,
		Port:     ep.Port,
		Method:   ep.Method,
		Password: ep.Password,
	}
}

func (v SettingsView) toEndpoint() endpoint.Endpoint {
	return endpoint.Endpoint{
		Server:   v.Server,
		Port:     v.Port,
		Method:   v.Method,
		Password: v.Password,
	}
}

// fromStatus maps a supervisor snapshot and optional probe stats.
func fromStatus(st supervisor.Status, probe *health.Stats) StatusResponse {
	resp := StatusResponse{
		State:       st.State.String(),
		Desired:     st.Desired,
		PID:         st.PID,
		UptimeSec:   int64(st.Uptime.Seconds()),
		ConfigPath:  st.ConfigPath,
		Command:     st.Command,
		Restarts:    st.Restarts,
		GeneratedAt: TimeNow().UTC().Format(time.RFC3339),
	}
	if !st.StartedAt.IsZero() {
		resp.StartedAt = st.StartedAt.UTC().Format(time.RFC3339)
	}

	resp.LastProbe.OK = st.LastProbeOK
	if !st.LastProbeAt.IsZero() {
		resp.LastProbe.LastChecked = st.LastProbeAt.UTC().Format(time.RFC3339)
	}
	if probe != nil {
		resp.LastProbe.Count = probe.Count
		resp.LastProbe.Failures = probe.Failures
		resp.LastProbe.P50Ms = float64(probe.P50) / float64(time.Millisecond)
		resp.LastProbe.P95Ms = float64(probe.P95) / float64(time.Millisecond)
	}
	return resp
}

func fromAvailability(a timeseries.AvailabilityStats) AvailabilityView {
	return AvailabilityView{
		Probes:   a.Total,
		Ratio1m:  a.Ratio1m,
		Ratio5m:  a.Ratio5m,
		Ratio15m: a.Ratio15m,
	}
}
