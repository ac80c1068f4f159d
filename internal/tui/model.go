package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/shadowdeck/internal/endpoint"
	"github.com/randomizedcoder/shadowdeck/internal/health"
	"github.com/randomizedcoder/shadowdeck/internal/supervisor"
	"github.com/randomizedcoder/shadowdeck/internal/timeseries"
)

// refreshInterval is how often the dashboard polls the supervisor.
const refreshInterval = 500 * time.Millisecond

// actionTimeout bounds a start or stop issued from the keyboard.
const actionTimeout = 30 * time.Second

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// ActionMsg reports the result of a start or stop issued from the dashboard.
type ActionMsg struct {
	Action string
	OK     bool
	At     time.Time
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Model
// =============================================================================

// Controller is the supervisor surface the dashboard reads and drives.
type Controller interface {
	Start(ctx context.Context) bool
	Stop(ctx context.Context) bool
	Status() supervisor.Status
	Endpoint() endpoint.Endpoint
}

// Config holds TUI configuration.
type Config struct {
	Controller   Controller
	ProbeStats   func() health.Stats                 // optional
	Availability func() timeseries.AvailabilityStats // optional
	ListenAddr   string
	MetricsAddr  string
}

// Model represents the TUI state.
type Model struct {
	ctrl         Controller
	probeStats   func() health.Stats
	availability func() timeseries.AvailabilityStats
	listenAddr   string
	metricsAddr  string

	status   supervisor.Status
	endpoint endpoint.Endpoint
	probe    *health.Stats
	avail    *timeseries.AvailabilityStats

	startTime  time.Time
	lastUpdate time.Time
	pending    string     // action in flight
	lastAction *ActionMsg // most recent completed action

	width  int
	height int

	quitting bool
}

// New creates a new TUI model.
func New(cfg Config) Model {
	m := Model{
		ctrl:         cfg.Controller,
		probeStats:   cfg.ProbeStats,
		availability: cfg.Availability,
		listenAddr:   cfg.ListenAddr,
		metricsAddr:  cfg.MetricsAddr,
		startTime:    time.Now(),
		width:        80,
		height:       24,
	}
	m.refresh()
	return m
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "s":
			return m.runAction("start")
		case "x":
			return m.runAction("stop")
		case "r":
			m.refresh()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		m.refresh()
		return m, tickCmd()

	case ActionMsg:
		m.pending = ""
		m.lastAction = &msg
		m.refresh()
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return m.renderSummaryView()
}

// runAction issues start or stop off the UI goroutine. A second key press
// while one is in flight is ignored.
func (m Model) runAction(action string) (tea.Model, tea.Cmd) {
	if m.ctrl == nil || m.pending != "" {
		return m, nil
	}
	m.pending = action
	ctrl := m.ctrl
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()

		var ok bool
		if action == "start" {
			ok = ctrl.Start(ctx)
		} else {
			ok = ctrl.Stop(ctx)
		}
		return ActionMsg{Action: action, OK: ok, At: time.Now()}
	}
}

// refresh pulls a fresh snapshot from the supervisor.
func (m *Model) refresh() {
	if m.ctrl != nil {
		m.status = m.ctrl.Status()
		m.endpoint = m.ctrl.Endpoint()
	}
	if m.probeStats != nil {
		ps := m.probeStats()
		m.probe = &ps
	}
	if m.availability != nil {
		a := m.availability()
		m.avail = &a
	}
	m.lastUpdate = time.Now()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after refreshInterval.
func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the dashboard started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// Status returns the last snapshot taken.
func (m Model) Status() supervisor.Status {
	return m.status
}

// ProbeSuccessRatio returns the share of probes that reached the target, or
// 1 when nothing has been probed yet.
func (m Model) ProbeSuccessRatio() float64 {
	if m.probe == nil || m.probe.Count == 0 {
		return 1
	}
	return float64(m.probe.Count-m.probe.Failures) / float64(m.probe.Count)
}
