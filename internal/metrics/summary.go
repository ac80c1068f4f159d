package metrics

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// FormatSummary renders s for display at program exit.
func FormatSummary(s *Summary, metricsAddr string) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString("═══════════════════════════════════════════════════════════════════\n")
	b.WriteString("                       shadowdeck Exit Summary\n")
	b.WriteString("═══════════════════════════════════════════════════════════════════\n")
	fmt.Fprintf(&b, "Run Duration:           %s\n\n", FormatDuration(s.Duration))

	b.WriteString("Lifecycle:\n")
	fmt.Fprintf(&b, "  Total Starts:         %d\n", s.TotalStarts)
	fmt.Fprintf(&b, "  Total Restarts:       %d\n\n", s.TotalRestarts)

	if s.TotalProbes > 0 {
		b.WriteString("Health Probes:\n")
		fmt.Fprintf(&b, "  Total:                %d\n", s.TotalProbes)
		fmt.Fprintf(&b, "  Failed:               %d (%.1f%%)\n\n",
			s.FailedProbes, 100*float64(s.FailedProbes)/float64(s.TotalProbes))
	}

	if s.UptimeMax > 0 {
		b.WriteString("Process Uptime:\n")
		fmt.Fprintf(&b, "  P50 (median):         %s\n", FormatDuration(s.UptimeP50))
		fmt.Fprintf(&b, "  P95:                  %s\n", FormatDuration(s.UptimeP95))
		fmt.Fprintf(&b, "  Max:                  %s\n\n", FormatDuration(s.UptimeMax))
	}

	if len(s.ExitCodes) > 0 {
		codes := make([]int, 0, len(s.ExitCodes))
		for code := range s.ExitCodes {
			codes = append(codes, code)
		}
		sort.Ints(codes)

		b.WriteString("Exit Codes:\n")
		for _, code := range codes {
			fmt.Fprintf(&b, "  %3d %-16s %d\n", code, exitCodeLabel(code), s.ExitCodes[code])
		}
		b.WriteString("\n")
	}

	if metricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", metricsAddr)
	}
	b.WriteString("═══════════════════════════════════════════════════════════════════\n")
	return b.String()
}

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// exitCodeLabel returns a human-readable label for common exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 137:
		return "(SIGKILL)"
	case 143:
		return "(SIGTERM)"
	default:
		return ""
	}
}
