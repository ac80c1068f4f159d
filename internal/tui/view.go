package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/shadowdeck/internal/metrics"
)

func (m Model) renderSummaryView() string {
	sections := []string{
		m.renderHeader(),
		m.renderProcess(),
		m.renderEndpoint(),
		m.renderProbe(),
	}
	if line := m.renderAction(); line != "" {
		sections = append(sections, line)
	}
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	desired := "disabled"
	if m.status.Desired {
		desired = "enabled"
	}
	header := fmt.Sprintf(
		" shadowdeck │ %s │ Desired: %s │ Elapsed: %s ",
		m.status.State.String(),
		desired,
		metrics.FormatDuration(m.Elapsed()),
	)
	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Sections
// =============================================================================

func (m Model) renderProcess() string {
	st := m.status

	pid, uptime, started, configPath, command := "-", "-", "-", "-", "-"
	if st.PID != 0 {
		pid = strconv.Itoa(st.PID)
		uptime = metrics.FormatDuration(st.Uptime)
		started = st.StartedAt.Local().Format(time.TimeOnly)
		configPath = st.ConfigPath
		if st.Command != "" {
			command = st.Command
		}
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Proxy"),
		RenderKeyValue("State", StateLabel(st.State)),
		RenderKeyValue("PID", pid),
		RenderKeyValue("Started", started),
		RenderKeyValue("Uptime", uptime),
		RenderKeyValue("Restarts", strconv.Itoa(st.Restarts)),
		RenderKeyValue("Config", configPath),
		RenderKeyValue("Command", command),
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

func (m Model) renderEndpoint() string {
	ep := m.endpoint
	password := "(empty)"
	if ep.Password != "" {
		password = "••••••••"
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Endpoint"),
		RenderKeyValue("Server", fmt.Sprintf("%s:%d", ep.Server, ep.Port)),
		RenderKeyValue("Method", ep.Method),
		RenderKeyValue("Password", password),
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

func (m Model) renderProbe() string {
	lines := []string{sectionHeaderStyle.Render("Health Probe")}

	st := m.status
	switch {
	case st.LastProbeAt.IsZero():
		lines = append(lines, RenderKeyValue("Last", dimStyle.Render("not probed yet")))
	case st.LastProbeOK:
		lines = append(lines, RenderKeyValue("Last", statusOK.Render("✓ reachable")+" "+dimStyle.Render(sinceLabel(st.LastProbeAt))))
	default:
		lines = append(lines, RenderKeyValue("Last", statusError.Render("✗ unreachable")+" "+dimStyle.Render(sinceLabel(st.LastProbeAt))))
	}

	if p := m.probe; p != nil && p.Count > 0 {
		ratio := m.ProbeSuccessRatio()
		lines = append(lines,
			RenderKeyValue("Success", renderHealthBar(ratio, 10)+" "+formatPercent(ratio)),
			RenderKeyValue("Probes", fmt.Sprintf("%d (%d failed)", p.Count, p.Failures)),
		)
		if p.Count > p.Failures {
			lines = append(lines, RenderKeyValue("Latency", fmt.Sprintf("p50 %s  p95 %s", formatMs(p.P50), formatMs(p.P95))))
		}
	}

	if a := m.avail; a != nil && a.Total > 0 {
		lines = append(lines, RenderKeyValue("Availability", fmt.Sprintf("1m %s  5m %s  15m %s",
			formatRatio(a.Ratio1m), formatRatio(a.Ratio5m), formatRatio(a.Ratio15m))))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (m Model) renderAction() string {
	if m.pending != "" {
		return statusInfo.Render(m.pending + "…")
	}
	if m.lastAction == nil {
		return ""
	}
	if m.lastAction.OK {
		return statusOK.Render(m.lastAction.Action + " ok")
	}
	return statusWarning.Render(m.lastAction.Action + " had no effect (see log)")
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	// Offer the action that changes the current state first.
	shortcuts := []string{"s: start", "x: stop"}
	if m.status.State.IsActive() {
		shortcuts = []string{"x: stop", "s: start"}
	}
	shortcuts = append(shortcuts, "r: refresh", "q: quit")

	var surfaces []string
	if m.listenAddr != "" {
		surfaces = append(surfaces, "API "+m.listenAddr)
	}
	if m.metricsAddr != "" {
		surfaces = append(surfaces, "Metrics "+m.metricsAddr)
	}

	left := dimStyle.Render(strings.Join(shortcuts, " │ "))
	right := dimStyle.Render(strings.Join(surfaces, " │ "))

	padding := max(1, m.width-lipgloss.Width(left)-lipgloss.Width(right)-2)

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			left,
			strings.Repeat(" ", padding),
			right,
		),
	)
}

// =============================================================================
// Helpers
// =============================================================================

func sinceLabel(t time.Time) string {
	return time.Since(t).Truncate(time.Second).String() + " ago"
}

// formatRatio renders a window ratio, "-" when the window had no probes.
func formatRatio(r float64) string {
	if r < 0 {
		return "-"
	}
	return formatPercent(r)
}

func formatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}
