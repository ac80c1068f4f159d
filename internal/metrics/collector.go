// Package metrics provides Prometheus metrics for shadowdeck.
//
// All metrics carry the shadowdeck_ prefix. Lifecycle events arrive through
// supervisor.Callbacks; see Collector.Callbacks.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/shadowdeck/internal/supervisor"
)

const namespace = "shadowdeck"

// Exit categories for the process_exits_total metric.
const (
	ExitClean  = "clean"
	ExitError  = "error"
	ExitSignal = "signal"
)

// Collector owns the shadowdeck metric set and keeps a small amount of
// history for the exit summary.
type Collector struct {
	info            *prometheus.GaugeVec
	desiredEnabled  prometheus.Gauge
	state           *prometheus.GaugeVec
	starts          prometheus.Counter
	restarts        *prometheus.CounterVec
	exits           *prometheus.CounterVec
	spawnFailures   prometheus.Counter
	uptime          prometheus.Histogram
	probes          *prometheus.CounterVec
	probeLatency    prometheus.Histogram
	processUp       prometheus.Gauge
	processStartUTC prometheus.Gauge

	startTime time.Time

	// For summary generation
	mu            sync.Mutex
	totalStarts   int64
	totalRestarts int64
	totalProbes   int64
	failedProbes  int64
	exitCodes     map[int]int64
	uptimes       []time.Duration
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version string
	Binary  string
}

// NewCollector creates a collector registered with the default registry.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Build and binary information (value always 1)",
		}, []string{"version", "binary"}),
		desiredEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "desired_enabled",
			Help:      "Persisted desired state (1 = proxy should run)",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Supervisor state (1 for the current state, 0 otherwise)",
		}, []string{"state"}),
		starts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_starts_total",
			Help:      "Proxy processes spawned",
		}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_total",
			Help:      "Restarts performed by the reconciliation loop",
		}, []string{"reason"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_exits_total",
			Help:      "Proxy process exits by category",
		}, []string{"category"}),
		spawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawn_failures_total",
			Help:      "Start attempts that failed before a process existed",
		}),
		uptime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_uptime_seconds",
			Help:      "Proxy process lifetime at exit",
			Buckets:   []float64{1, 5, 30, 60, 300, 1800, 3600, 21600, 86400},
		}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Health probes by result",
		}, []string{"result"}),
		probeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_latency_seconds",
			Help:      "Health probe duration",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		processUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_up",
			Help:      "1 while a proxy process exists",
		}),
		processStartUTC: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_start_time_seconds",
			Help:      "Unix time the current proxy process was spawned",
		}),
		startTime: time.Now(),
		exitCodes: make(map[int]int64),
	}

	registry.MustRegister(
		c.info,
		c.desiredEnabled,
		c.state,
		c.starts,
		c.restarts,
		c.exits,
		c.spawnFailures,
		c.uptime,
		c.probes,
		c.probeLatency,
		c.processUp,
		c.processStartUTC,
	)

	c.info.WithLabelValues(cfg.Version, cfg.Binary).Set(1)
	c.SetState(supervisor.StateStopped)
	for _, r := range []string{"ok", "fail"} {
		c.probes.WithLabelValues(r)
	}

	return c
}

// allStates lists every state so the gauge always exports a full set.
var allStates = []supervisor.State{
	supervisor.StateStopped,
	supervisor.StateStarting,
	supervisor.StateRunning,
	supervisor.StateUnhealthy,
	supervisor.StateStopping,
}

// SetState marks s as the current state.
func (c *Collector) SetState(s supervisor.State) {
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		c.state.WithLabelValues(st.String()).Set(v)
	}
}

// SetDesired records the persisted desired state.
func (c *Collector) SetDesired(enabled bool) {
	if enabled {
		c.desiredEnabled.Set(1)
		return
	}
	c.desiredEnabled.Set(0)
}

// =============================================================================
// Event Recording Methods
// =============================================================================

// ProcessStarted records a process start event.
func (c *Collector) ProcessStarted() {
	c.starts.Inc()
	c.processUp.Set(1)
	c.processStartUTC.Set(float64(time.Now().Unix()))

	c.mu.Lock()
	c.totalStarts++
	c.mu.Unlock()
}

// Restarted records a restart performed by the loop.
func (c *Collector) Restarted(reason string) {
	c.restarts.WithLabelValues(reason).Inc()

	c.mu.Lock()
	c.totalRestarts++
	c.mu.Unlock()
}

// SpawnFailed records a failed start attempt.
func (c *Collector) SpawnFailed() {
	c.spawnFailures.Inc()
}

// RecordExit records a process exit event.
func (c *Collector) RecordExit(exitCode int, uptime time.Duration) {
	c.exits.WithLabelValues(ExitCategory(exitCode)).Inc()
	c.uptime.Observe(uptime.Seconds())
	c.processUp.Set(0)
	c.processStartUTC.Set(0)

	c.mu.Lock()
	c.exitCodes[exitCode]++
	c.uptimes = append(c.uptimes, uptime)
	c.mu.Unlock()
}

// RecordProbe records a health probe result.
func (c *Collector) RecordProbe(ok bool, latency time.Duration) {
	result := "ok"
	if !ok {
		result = "fail"
	}
	c.probes.WithLabelValues(result).Inc()
	c.probeLatency.Observe(latency.Seconds())

	c.mu.Lock()
	c.totalProbes++
	if !ok {
		c.failedProbes++
	}
	c.mu.Unlock()
}

// ExitCategory buckets an exit code. Codes above 128 are signal deaths.
func ExitCategory(exitCode int) string {
	switch {
	case exitCode == 0:
		return ExitClean
	case exitCode > 128:
		return ExitSignal
	default:
		return ExitError
	}
}

// Callbacks returns supervisor callbacks that feed this collector.
// next, if non-nil, is called after each metric update.
func (c *Collector) Callbacks(next supervisor.Callbacks) supervisor.Callbacks {
	return supervisor.Callbacks{
		OnStateChange: func(oldState, newState supervisor.State) {
			c.SetState(newState)
			if next.OnStateChange != nil {
				next.OnStateChange(oldState, newState)
			}
		},
		OnDesiredChange: func(enabled bool) {
			c.SetDesired(enabled)
			if next.OnDesiredChange != nil {
				next.OnDesiredChange(enabled)
			}
		},
		OnStart: func(pid int) {
			c.ProcessStarted()
			if next.OnStart != nil {
				next.OnStart(pid)
			}
		},
		OnSpawnFailure: func(err error) {
			c.SpawnFailed()
			if next.OnSpawnFailure != nil {
				next.OnSpawnFailure(err)
			}
		},
		OnExit: func(pid, exitCode int, uptime time.Duration) {
			c.RecordExit(exitCode, uptime)
			if next.OnExit != nil {
				next.OnExit(pid, exitCode, uptime)
			}
		},
		OnRestart: func(reason string, attempt int, delay time.Duration) {
			c.Restarted(reason)
			if next.OnRestart != nil {
				next.OnRestart(reason, attempt, delay)
			}
		},
		OnProbe: func(ok bool, latency time.Duration) {
			c.RecordProbe(ok, latency)
			if next.OnProbe != nil {
				next.OnProbe(ok, latency)
			}
		},
	}
}

// =============================================================================
// Summary Generation
// =============================================================================

// Summary holds the data for generating an exit summary.
type Summary struct {
	Duration      time.Duration
	TotalStarts   int64
	TotalRestarts int64
	TotalProbes   int64
	FailedProbes  int64
	ExitCodes     map[int]int64
	UptimeP50     time.Duration
	UptimeP95     time.Duration
	UptimeMax     time.Duration
}

// GenerateSummary creates a summary of the run.
func (c *Collector) GenerateSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Summary{
		Duration:      time.Since(c.startTime),
		TotalStarts:   c.totalStarts,
		TotalRestarts: c.totalRestarts,
		TotalProbes:   c.totalProbes,
		FailedProbes:  c.failedProbes,
		ExitCodes:     make(map[int]int64, len(c.exitCodes)),
	}
	for code, count := range c.exitCodes {
		s.ExitCodes[code] = count
	}

	if len(c.uptimes) > 0 {
		sorted := make([]time.Duration, len(c.uptimes))
		copy(sorted, c.uptimes)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		s.UptimeP50 = percentile(sorted, 0.50)
		s.UptimeP95 = percentile(sorted, 0.95)
		s.UptimeMax = sorted[len(sorted)-1]
	}

	return s
}

// percentile returns the value at the given percentile (0.0-1.0).
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
