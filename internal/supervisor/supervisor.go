package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randomizedcoder/shadowdeck/internal/endpoint"
	"github.com/randomizedcoder/shadowdeck/internal/logging"
	"github.com/randomizedcoder/shadowdeck/internal/process"
	"github.com/randomizedcoder/shadowdeck/internal/settings"
)

// Restart reasons reported through Callbacks.OnRestart.
const (
	ReasonCrash     = "crash"
	ReasonUnhealthy = "unhealthy"
	ReasonRecovery  = "recovery"
)

// ErrClosed is returned by operations attempted after Run has returned.
var ErrClosed = errors.New("supervisor closed")

// Materializer renders and writes the proxy config file.
type Materializer interface {
	Render(ep endpoint.Endpoint) ([]byte, error)
	Persist(doc []byte) (string, error)
}

// Prober checks that traffic flows through the running proxy.
type Prober interface {
	Probe(ctx context.Context, timeout time.Duration) bool
}

// Callbacks contains optional callback functions for supervisor events.
// They are called synchronously and must not call back into the Supervisor.
type Callbacks struct {
	// OnStateChange is called when the state changes.
	OnStateChange func(oldState, newState State)

	// OnDesiredChange is called after the desired state is recorded.
	OnDesiredChange func(enabled bool)

	// OnStart is called when a proxy process starts.
	OnStart func(pid int)

	// OnSpawnFailure is called when a start attempt fails.
	OnSpawnFailure func(err error)

	// OnExit is called once per process after it is observed to exit.
	OnExit func(pid int, exitCode int, uptime time.Duration)

	// OnRestart is called before the loop replaces a process.
	OnRestart func(reason string, attempt int, delay time.Duration)

	// OnProbe is called after every health probe.
	OnProbe func(ok bool, latency time.Duration)
}

// Config holds configuration for creating a new Supervisor.
type Config struct {
	Store        settings.Store
	Materializer Materializer
	Runner       process.Runner
	Prober       Prober
	Logger       *slog.Logger
	Callbacks    Callbacks

	// Backoff paces unhealthy restarts. Defaults to DefaultBackoffConfig.
	Backoff *Backoff

	PollInterval time.Duration // reconciliation tick
	ProbeTimeout time.Duration // bound on a single probe
	GracePeriod  time.Duration // SIGTERM to SIGKILL
	SettleDelay  time.Duration // wait before the startup recovery attempt
	StartupGrace time.Duration // fresh instances are not probed before this

	// VerboseOutput logs every line the proxy writes to stderr.
	VerboseOutput bool
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	State       State         `json:"state"`
	Desired     bool          `json:"desired"`
	PID         int           `json:"pid,omitempty"`
	StartedAt   time.Time     `json:"started_at,omitzero"`
	Uptime      time.Duration `json:"uptime_ns,omitempty"`
	ConfigPath  string        `json:"config_path,omitempty"`
	Command     string        `json:"command,omitempty"`
	Restarts    int           `json:"restarts"`
	LastProbeAt time.Time     `json:"last_probe_at,omitzero"`
	LastProbeOK bool          `json:"last_probe_ok"`
}

// slot is the single running proxy process and its output handler.
type slot struct {
	inst   *process.Instance
	output *logging.OutputHandler
}

// Supervisor owns at most one proxy process and reconciles it against the
// persisted desired state. Start, Stop and each reconciliation pass are
// serialized by opMu.
type Supervisor struct {
	store        settings.Store
	materializer Materializer
	runner       process.Runner
	prober       Prober
	logger       *slog.Logger
	callbacks    Callbacks
	backoff      *Backoff

	pollInterval  time.Duration
	probeTimeout  time.Duration
	gracePeriod   time.Duration
	settleDelay   time.Duration
	startupGrace  time.Duration
	verboseOutput bool

	opMu    sync.Mutex
	current *slot
	closed  bool

	// Snapshot fields for Status, readable while opMu is held elsewhere.
	stateMu     sync.RWMutex
	state       State
	pid         int
	startedAt   time.Time
	configPath  string
	command     string
	restarts    int
	lastProbeAt time.Time
	lastProbeOK bool
}

// New creates a new Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = NewBackoff(time.Now().UnixNano(), DefaultBackoffConfig())
	}

	return &Supervisor{
		store:         cfg.Store,
		materializer:  cfg.Materializer,
		runner:        cfg.Runner,
		prober:        cfg.Prober,
		logger:        logger,
		callbacks:     cfg.Callbacks,
		backoff:       backoff,
		pollInterval:  orDefault(cfg.PollInterval, 5*time.Second),
		probeTimeout:  orDefault(cfg.ProbeTimeout, 5*time.Second),
		gracePeriod:   orDefault(cfg.GracePeriod, 5*time.Second),
		settleDelay:   cfg.SettleDelay,
		startupGrace:  cfg.StartupGrace,
		verboseOutput: cfg.VerboseOutput,
		state:         StateStopped,
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Start renders the config and spawns the proxy. It returns false if a
// process is already alive or the start failed; desired state is recorded
// as enabled only after a successful spawn.
func (s *Supervisor) Start(ctx context.Context) bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.closed {
		s.logger.Warn("start_rejected", "error", ErrClosed)
		return false
	}
	if err := ctx.Err(); err != nil {
		s.logger.Warn("start_rejected", "error", err)
		return false
	}
	if s.current != nil && s.current.inst.Alive() {
		s.logger.Warn("start_rejected",
			"reason", "already_running",
			"pid", s.current.inst.PID(),
		)
		return false
	}
	s.reapLocked()

	if err := s.startLocked(); err != nil {
		return false
	}

	s.recordDesiredLocked(true)
	return true
}

// Stop records desired state as disabled and terminates the proxy.
// It returns false if there was no process to stop.
func (s *Supervisor) Stop(ctx context.Context) bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.recordDesiredLocked(false)

	if s.current == nil {
		s.setState(StateStopped)
		return false
	}

	if !s.current.inst.Alive() {
		s.reapLocked()
		s.setState(StateStopped)
		return false
	}

	s.terminateLocked()
	s.setState(StateStopped)
	return true
}

// Enabled returns the persisted desired state.
func (s *Supervisor) Enabled() bool {
	return settings.Enabled(s.store)
}

// Endpoint returns the persisted proxy endpoint.
func (s *Supervisor) Endpoint() endpoint.Endpoint {
	return settings.LoadEndpoint(s.store)
}

// SaveEndpoint validates and persists ep. A running proxy keeps its current
// endpoint until it is restarted.
func (s *Supervisor) SaveEndpoint(ep endpoint.Endpoint) error {
	// A spawn must never read a half-written endpoint.
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := settings.SaveEndpoint(s.store, ep); err != nil {
		return err
	}
	s.logger.Info("endpoint_saved", "endpoint", ep.String())
	return nil
}

// State returns the current state of the supervisor.
func (s *Supervisor) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Restarts returns the number of restarts the loop has performed.
func (s *Supervisor) Restarts() int {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.restarts
}

// Status returns a snapshot without waiting for in-flight operations.
func (s *Supervisor) Status() Status {
	desired := s.Enabled()

	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	st := Status{
		State:       s.state,
		Desired:     desired,
		PID:         s.pid,
		StartedAt:   s.startedAt,
		ConfigPath:  s.configPath,
		Command:     s.command,
		Restarts:    s.restarts,
		LastProbeAt: s.lastProbeAt,
		LastProbeOK: s.lastProbeOK,
	}
	if s.pid != 0 {
		st.Uptime = time.Since(s.startedAt)
	}
	return st
}

// Run drives the reconciliation loop until ctx is cancelled. If the
// persisted desired state is enabled, a fresh process is started after the
// settle delay. On return no proxy process is left running; the desired
// state is left untouched so the next Run resumes it.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.shutdown()

	s.logger.Info("supervisor_starting",
		"poll_interval", s.pollInterval.String(),
		"desired", s.Enabled(),
	)

	if s.Enabled() {
		s.logger.Info("startup_recovery_scheduled", "settle_delay", s.settleDelay.String())
		if !sleepCtx(ctx, s.settleDelay) {
			return nil
		}
		s.reconcile(ctx)
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor_stopping", "reason", "context_cancelled")
			return nil
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

func (s *Supervisor) shutdown() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.closed = true
	if s.current != nil {
		s.terminateLocked()
	}
	s.setState(StateStopped)
	s.logger.Info("supervisor_stopped")
}

// reconcile runs one pass of the control loop.
func (s *Supervisor) reconcile(ctx context.Context) {
	s.opMu.Lock()

	if s.closed || ctx.Err() != nil || !s.Enabled() {
		s.opMu.Unlock()
		return
	}

	// Desired but nothing alive: crashed, killed externally, or never started.
	if s.current == nil || !s.current.inst.Alive() {
		reason := ReasonRecovery
		if s.current != nil {
			reason = ReasonCrash
		}
		s.reapLocked()
		s.restartLocked(reason, 0)
		s.opMu.Unlock()
		return
	}

	cur := s.current
	if cur.inst.Uptime() < s.startupGrace {
		s.opMu.Unlock()
		return
	}
	s.opMu.Unlock()

	// Probe without the lock so Stop is never blocked behind the timeout.
	ok := s.probe(ctx)
	if ctx.Err() != nil {
		return
	}

	s.opMu.Lock()
	if s.closed || s.current != cur || !s.Enabled() {
		s.opMu.Unlock()
		return
	}

	if ok {
		s.setState(StateRunning)
		if ShouldReset(cur.inst.Uptime()) && s.backoff.Attempts() > 0 {
			s.backoff.Reset()
			s.logger.Debug("cooldown_reset", "uptime", cur.inst.Uptime().String())
		}
		s.opMu.Unlock()
		return
	}

	s.setState(StateUnhealthy)
	s.logger.Warn("proxy_unhealthy",
		"pid", cur.inst.PID(),
		"uptime", cur.inst.Uptime().String(),
	)
	// Already dead: nothing to stop, restart without a cooldown.
	if !cur.inst.Alive() {
		s.reapLocked()
		s.restartLocked(ReasonCrash, 0)
		s.opMu.Unlock()
		return
	}
	s.terminateLocked()
	s.setState(StateStopped)

	delay := s.backoff.Next()
	s.opMu.Unlock()

	s.logger.Info("restart_cooldown", "delay", delay.String())
	if !sleepCtx(ctx, delay) {
		return
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	// A user Stop or Start during the cooldown takes precedence.
	if s.closed || ctx.Err() != nil || s.current != nil || !s.Enabled() {
		return
	}
	s.restartLocked(ReasonUnhealthy, delay)
}

func (s *Supervisor) probe(ctx context.Context) bool {
	start := time.Now()
	ok := s.prober.Probe(ctx, s.probeTimeout)
	latency := time.Since(start)

	s.stateMu.Lock()
	s.lastProbeAt = time.Now()
	s.lastProbeOK = ok
	s.stateMu.Unlock()

	s.logger.Debug("probe_completed", "ok", ok, "latency", latency.String())
	if s.callbacks.OnProbe != nil {
		s.callbacks.OnProbe(ok, latency)
	}
	return ok
}

// restartLocked starts a replacement process on behalf of the loop.
// Desired state is not touched.
func (s *Supervisor) restartLocked(reason string, delay time.Duration) {
	s.stateMu.Lock()
	s.restarts++
	attempt := s.restarts
	s.stateMu.Unlock()

	s.logger.Info("proxy_restarting",
		"reason", reason,
		"attempt", attempt,
	)
	if s.callbacks.OnRestart != nil {
		s.callbacks.OnRestart(reason, attempt, delay)
	}

	_ = s.startLocked()
}

// startLocked renders the config and spawns a process.
func (s *Supervisor) startLocked() error {
	s.setState(StateStarting)

	err := s.spawnLocked()
	if err != nil {
		s.setState(StateStopped)
		s.logger.Error("proxy_start_failed", "error", err)
		if s.callbacks.OnSpawnFailure != nil {
			s.callbacks.OnSpawnFailure(err)
		}
		return err
	}

	s.setState(StateRunning)
	return nil
}

func (s *Supervisor) spawnLocked() error {
	ep := settings.LoadEndpoint(s.store)

	doc, err := s.materializer.Render(ep)
	if err != nil {
		return err
	}
	configPath, err := s.materializer.Persist(doc)
	if err != nil {
		return err
	}

	binary, args := s.runner.Command(configPath)
	output := logging.NewOutputHandler(s.runner.Name(), s.logger, s.verboseOutput)

	inst, err := process.Spawn(binary, args, process.SpawnOptions{
		ConfigPath: configPath,
		Stderr:     output,
		Logger:     s.logger,
	})
	if err != nil {
		return err
	}

	s.current = &slot{inst: inst, output: output}

	s.stateMu.Lock()
	s.pid = inst.PID()
	s.startedAt = inst.StartedAt()
	s.configPath = inst.ConfigPath()
	s.command = s.runner.CommandString(inst.ConfigPath())
	s.stateMu.Unlock()

	s.logger.Info("proxy_started",
		"pid", inst.PID(),
		"config", inst.ConfigPath(),
		"endpoint", ep.String(),
	)
	if s.callbacks.OnStart != nil {
		s.callbacks.OnStart(inst.PID())
	}
	return nil
}

// terminateLocked stops the current process and clears the slot. A
// StopError is logged; the slot is cleared regardless.
func (s *Supervisor) terminateLocked() {
	s.setState(StateStopping)

	inst := s.current.inst
	if err := inst.Terminate(s.gracePeriod); err != nil {
		var stopErr *process.StopError
		if errors.As(err, &stopErr) {
			s.logger.Error("proxy_stop_failed", "pid", stopErr.PID, "error", err)
		} else {
			s.logger.Error("proxy_stop_failed", "pid", inst.PID(), "error", err)
		}
	}
	s.reapLocked()
}

// reapLocked reports the exit of the current process and clears the slot.
func (s *Supervisor) reapLocked() {
	cur := s.current
	if cur == nil {
		return
	}
	s.current = nil

	s.stateMu.Lock()
	s.pid = 0
	s.startedAt = time.Time{}
	s.configPath = ""
	s.command = ""
	s.stateMu.Unlock()

	code, exited := cur.inst.ExitCode()
	uptime := cur.inst.Uptime()
	if !exited {
		code = -1
	}

	attrs := []any{
		"pid", cur.inst.PID(),
		"exit_code", code,
		"uptime", uptime.String(),
	}
	if code != 0 {
		if errs := cur.output.CountErrors(); len(errs) > 0 {
			attrs = append(attrs, "error_patterns", fmt.Sprint(errs))
		}
		if lines := cur.output.RecentLines(5); len(lines) > 0 {
			attrs = append(attrs, "recent_output", lines)
		}
	}
	s.logger.Info("proxy_exited", attrs...)

	if s.callbacks.OnExit != nil {
		s.callbacks.OnExit(cur.inst.PID(), code, uptime)
	}
}

func (s *Supervisor) recordDesiredLocked(enabled bool) {
	if err := settings.SetEnabled(s.store, enabled); err != nil {
		s.logger.Error("desired_state_commit_failed",
			"enabled", enabled,
			"error", err,
		)
	}
	if s.callbacks.OnDesiredChange != nil {
		s.callbacks.OnDesiredChange(enabled)
	}
}

// setState updates the state and calls the callback if registered.
func (s *Supervisor) setState(newState State) {
	s.stateMu.Lock()
	oldState := s.state
	s.state = newState
	s.stateMu.Unlock()

	if oldState != newState {
		s.logger.Debug("state_change", "from", oldState.String(), "to", newState.String())
		if s.callbacks.OnStateChange != nil {
			s.callbacks.OnStateChange(oldState, newState)
		}
	}
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
