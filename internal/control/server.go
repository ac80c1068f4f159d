// Package control exposes the supervisor to a local UI over HTTP/JSON.
//
// Routes (all under /v1):
//
//	POST /start     start the proxy, records desired = true on success
//	POST /stop      stop the proxy, records desired = false
//	GET  /enabled   persisted desired state
//	GET  /settings  endpoint settings
//	PUT  /settings  validate and save endpoint settings
//	GET  /status    supervisor and probe snapshot
//	GET  /healthz   liveness of shadowdeck itself
//
// There is no authentication; bind to loopback.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/randomizedcoder/shadowdeck/internal/endpoint"
	"github.com/randomizedcoder/shadowdeck/internal/health"
	"github.com/randomizedcoder/shadowdeck/internal/supervisor"
	"github.com/randomizedcoder/shadowdeck/internal/timeseries"
)

// Constants for route prefixing.
const (
	APIVersion     = "v1"
	DefaultAddress = "127.0.0.1:8787"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Controller is the supervisor surface the API drives.
type Controller interface {
	Start(ctx context.Context) bool
	Stop(ctx context.Context) bool
	Enabled() bool
	Endpoint() endpoint.Endpoint
	SaveEndpoint(ep endpoint.Endpoint) error
	Status() supervisor.Status
}

// ServerOptions configures the HTTP server.
type ServerOptions struct {
	Addr              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	Logger            *slog.Logger

	// ProbeStats, when set, enriches /v1/status with probe history.
	ProbeStats func() health.Stats

	// Availability, when set, adds rolling probe success ratios.
	Availability func() timeseries.AvailabilityStats
}

// Server hosts the control API.
type Server struct {
	http     *http.Server
	ctrl     Controller
	logger   *slog.Logger
	opts     ServerOptions
	listener net.Listener
}

// NewServer constructs a server bound to ctrl. It does not listen until
// Start is called.
func NewServer(ctrl Controller, opts ServerOptions) *Server {
	if ctrl == nil {
		panic("control.NewServer: controller is nil")
	}
	if opts.Addr == "" {
		opts.Addr = DefaultAddress
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.ReadHeaderTimeout == 0 {
		opts.ReadHeaderTimeout = 2 * time.Second
	}
	// Stop can take a full grace period plus the SIGKILL wait.
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		ctrl:   ctrl,
		logger: opts.Logger,
		opts:   opts,
	}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadTimeout:       opts.ReadTimeout,
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
		WriteTimeout:      opts.WriteTimeout,
		IdleTimeout:       opts.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(opts.Logger.Handler(), slog.LevelWarn),
	}
	return s
}

// Handler returns the routed API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	prefix := "/" + APIVersion

	mux.HandleFunc("POST "+prefix+"/start", s.handleStart)
	mux.HandleFunc("POST "+prefix+"/stop", s.handleStop)
	mux.HandleFunc("GET "+prefix+"/enabled", s.handleEnabled)
	mux.HandleFunc("GET "+prefix+"/settings", s.handleGetSettings)
	mux.HandleFunc("PUT "+prefix+"/settings", s.handlePutSettings)
	mux.HandleFunc("GET "+prefix+"/status", s.handleStatus)
	mux.HandleFunc("GET "+prefix+"/healthz", s.handleHealthz)

	return withLogging(mux, s.logger)
}

// Start binds the listen address and serves in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("control listen %s: %w", s.opts.Addr, err)
	}
	s.listener = ln
	s.logger.Info("control_server_listening", "addr", ln.Addr().String())

	go func() {
		if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control_server_error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.opts.Addr
}

// Stop gracefully shuts down the server, waiting up to ShutdownTimeout.
func (s *Server) Stop(ctx context.Context) error {
	if s.opts.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ShutdownTimeout)
		defer cancel()
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	ok := s.ctrl.Start(r.Context())
	s.writeAction(w, ok)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ok := s.ctrl.Stop(r.Context())
	s.writeAction(w, ok)
}

// writeAction reports the boolean result; failure reasons go to the log.
func (s *Server) writeAction(w http.ResponseWriter, ok bool) {
	writeJSON(w, http.StatusOK, ActionResponse{
		OK:      ok,
		Enabled: s.ctrl.Enabled(),
		State:   s.ctrl.Status().State.String(),
	})
}

func (s *Server) handleEnabled(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, EnabledResponse{Enabled: s.ctrl.Enabled()})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, fromEndpoint(s.ctrl.Endpoint()))
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsView
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	ep := req.toEndpoint()
	if err := s.ctrl.SaveEndpoint(ep); err != nil {
		var fe endpoint.FieldError
		if errors.As(err, &fe) {
			writeJSON(w, http.StatusBadRequest, APIError{
				Error:     "invalid settings",
				Details:   validationDetails(err),
				Timestamp: TimeNow().UTC().Format(time.RFC3339),
			})
			return
		}
		s.logger.Error("settings_save_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "save failed")
		return
	}

	st := s.ctrl.Status()
	writeJSON(w, http.StatusOK, SaveSettingsResponse{
		Settings:        fromEndpoint(ep),
		RestartRequired: st.PID != 0,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var probe *health.Stats
	if s.opts.ProbeStats != nil {
		ps := s.opts.ProbeStats()
		probe = &ps
	}
	resp := fromStatus(s.ctrl.Status(), probe)
	if s.opts.Availability != nil {
		resp.Availability = fromAvailability(s.opts.Availability())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": TimeNow().UTC().Format(time.RFC3339),
	})
}

// validationDetails flattens a joined validation error into messages.
func validationDetails(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, validationDetails(e)...)
		}
		return out
	}
	var fe endpoint.FieldError
	if errors.As(err, &fe) {
		return []string{fe.Error()}
	}
	return []string{err.Error()}
}

// withLogging sets the JSON content type and logs each request.
func withLogging(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := TimeNow()
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		next.ServeHTTP(w, r)
		logger.Debug("control_request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
			"user_agent", r.UserAgent(),
		)
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, APIError{
		Error:     msg,
		Timestamp: TimeNow().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
