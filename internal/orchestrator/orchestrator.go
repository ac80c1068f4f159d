// Package orchestrator wires the supervisor to its settings, renderer,
// prober and outer surfaces, and runs them until cancelled.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/randomizedcoder/shadowdeck/internal/config"
	"github.com/randomizedcoder/shadowdeck/internal/control"
	"github.com/randomizedcoder/shadowdeck/internal/health"
	"github.com/randomizedcoder/shadowdeck/internal/logging"
	"github.com/randomizedcoder/shadowdeck/internal/metrics"
	"github.com/randomizedcoder/shadowdeck/internal/preflight"
	"github.com/randomizedcoder/shadowdeck/internal/process"
	"github.com/randomizedcoder/shadowdeck/internal/render"
	"github.com/randomizedcoder/shadowdeck/internal/settings"
	"github.com/randomizedcoder/shadowdeck/internal/supervisor"
	"github.com/randomizedcoder/shadowdeck/internal/timeseries"
	"github.com/randomizedcoder/shadowdeck/internal/tui"
)

// shutdownTimeout bounds server shutdown after cancellation.
const shutdownTimeout = 10 * time.Second

// ErrPreflight is returned by Run when a fatal preflight check fails.
var ErrPreflight = errors.New("preflight checks failed (use --skip-preflight to override)")

// Orchestrator coordinates all components of one shadowdeck run.
type Orchestrator struct {
	config  *config.Config
	logger  *slog.Logger
	version string

	store        *settings.FileStore
	materializer *render.Materializer
	runner       *process.SingBoxRunner
	prober       *health.Prober
	availability *timeseries.AvailabilityTracker
	supervisor   *supervisor.Supervisor

	registry      *prometheus.Registry
	metrics       *metrics.Collector
	metricsServer *metrics.Server
	control       *control.Server

	// Output receives preflight results and the exit summary.
	Output io.Writer

	ready chan struct{}
}

// New builds every component from cfg. Nothing is started until Run.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Orchestrator, error) {
	store, err := settings.Open(cfg.SettingsPath)
	if err != nil {
		return nil, err
	}
	initialized, err := settings.EnsureDefaults(store)
	if err != nil {
		return nil, err
	}
	if len(initialized) > 0 {
		logger.Info("settings_defaults_written", "path", store.Path(), "keys", initialized)
	}

	host, portStr, err := net.SplitHostPort(cfg.ProxyAddr)
	if err != nil {
		return nil, fmt.Errorf("proxy address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("proxy port %q: %w", portStr, err)
	}

	materializer := render.New(render.Options{
		TemplatePath:  cfg.TemplatePath,
		OutputDir:     cfg.RuntimeDir,
		ListenAddress: host,
		ListenPort:    port,
		Logger:        logging.Component(logger, "render"),
	})

	prober, err := health.New(health.Options{
		ProxyAddr: cfg.ProxyAddr,
		URL:       cfg.ProbeURL,
		Logger:    logging.Component(logger, "health"),
	})
	if err != nil {
		return nil, err
	}

	runner := process.NewSingBoxRunner(cfg.SingBoxPath)
	availability := timeseries.NewAvailabilityTracker()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollectorWithRegistry(metrics.CollectorConfig{
		Version: version,
		Binary:  cfg.SingBoxPath,
	}, registry)

	sup := supervisor.New(supervisor.Config{
		Store:        store,
		Materializer: materializer,
		Runner:       runner,
		Prober:       prober,
		Logger:       logging.Component(logger, "supervisor"),
		Callbacks: collector.Callbacks(supervisor.Callbacks{
			OnProbe: func(ok bool, _ time.Duration) { availability.Record(ok) },
		}),
		Backoff: supervisor.NewBackoff(time.Now().UnixNano(), supervisor.BackoffConfig{
			Initial:    cfg.CooldownInitial,
			Max:        cfg.CooldownMax,
			Multiplier: 2.0,
			JitterPct:  0.2,
		}),
		PollInterval:  cfg.PollInterval,
		ProbeTimeout:  cfg.ProbeTimeout,
		GracePeriod:   cfg.GracePeriod,
		SettleDelay:   cfg.SettleDelay,
		StartupGrace:  cfg.StartupGrace,
		VerboseOutput: cfg.Verbose,
	})
	collector.SetDesired(sup.Enabled())

	o := &Orchestrator{
		config:       cfg,
		logger:       logger,
		version:      version,
		store:        store,
		materializer: materializer,
		runner:       runner,
		prober:       prober,
		availability: availability,
		supervisor:   sup,
		registry:     registry,
		metrics:      collector,
		Output:       os.Stdout,
		ready:        make(chan struct{}),
	}

	o.control = control.NewServer(sup, control.ServerOptions{
		Addr:         cfg.ListenAddr,
		Logger:       logging.Component(logger, "control"),
		ProbeStats:   prober.Stats,
		Availability: availability.Stats,
	})
	if cfg.MetricsEnabled() {
		o.metricsServer = metrics.NewServer(cfg.MetricsAddr, registry, logging.Component(logger, "metrics"))
	}
	return o, nil
}

// Run blocks until ctx is cancelled, the dashboard is closed, or a
// component fails. The proxy is stopped on return; desired state is left
// as the user last set it so the next run resumes it.
func (o *Orchestrator) Run(ctx context.Context) error {
	start := time.Now()

	if !o.config.SkipPreflight {
		result := preflight.RunAll(ctx, preflight.Options{
			SingBoxPath: o.config.SingBoxPath,
			RuntimeDir:  o.config.RuntimeDir,
			ProxyAddr:   o.config.ProxyAddr,
			Renderer:    o.materializer,
			Endpoint:    o.supervisor.Endpoint(),
		})
		preflight.PrintResults(o.Output, result)
		if !result.Passed {
			return ErrPreflight
		}
	}

	if err := o.control.Start(); err != nil {
		return err
	}
	if o.metricsServer != nil {
		if err := o.metricsServer.Start(); err != nil {
			o.shutdownServers()
			return err
		}
	}

	o.logger.Info("starting",
		"version", o.version,
		"singbox", o.runner.BinaryPath(),
		"settings", o.store.Path(),
		"desired", o.supervisor.Enabled(),
		"endpoint", o.supervisor.Endpoint().String(),
		"probe_url", o.prober.URL(),
		"control_addr", o.control.Addr(),
		"metrics_addr", o.MetricsAddr(),
	)
	close(o.ready)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.supervisor.Run(gctx)
	})

	if o.config.TUIEnabled {
		g.Go(func() error {
			return o.runDashboard(gctx)
		})
	}

	err := g.Wait()
	o.shutdownServers()

	summary := o.metrics.GenerateSummary()
	summary.Duration = time.Since(start)
	fmt.Fprint(o.Output, metrics.FormatSummary(summary, o.MetricsAddr()))

	if errors.Is(err, errDashboardClosed) {
		return nil
	}
	return err
}

// errDashboardClosed ends the group when the operator quits the TUI.
var errDashboardClosed = errors.New("dashboard closed")

func (o *Orchestrator) runDashboard(ctx context.Context) error {
	model := tui.New(tui.Config{
		Controller:   o.supervisor,
		ProbeStats:   o.prober.Stats,
		Availability: o.availability.Stats,
		ListenAddr:   o.control.Addr(),
		MetricsAddr:  o.MetricsAddr(),
	})
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("dashboard: %w", err)
	}
	if ctx.Err() != nil {
		return nil
	}
	return errDashboardClosed
}

func (o *Orchestrator) shutdownServers() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := o.control.Stop(ctx); err != nil {
		o.logger.Warn("control_server_shutdown_error", "error", err)
	}
	if o.metricsServer != nil {
		if err := o.metricsServer.Shutdown(ctx); err != nil {
			o.logger.Warn("metrics_server_shutdown_error", "error", err)
		}
	}
}

// Ready is closed once the servers are listening.
func (o *Orchestrator) Ready() <-chan struct{} {
	return o.ready
}

// ControlAddr returns the bound control API address.
func (o *Orchestrator) ControlAddr() string {
	return o.control.Addr()
}

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (o *Orchestrator) MetricsAddr() string {
	if o.metricsServer == nil {
		return ""
	}
	return o.metricsServer.Addr()
}
