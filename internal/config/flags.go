package config

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
)

// usageCategories groups flags for the help output.
var usageCategories = []struct {
	title string
	names []string
}{
	{"Proxy", []string{"singbox", "template", "runtime-dir", "settings"}},
	{"Health Probe", []string{"proxy-addr", "probe-url", "probe-timeout"}},
	{"Reconciliation", []string{"poll-interval", "grace-period", "settle-delay", "startup-grace", "cooldown", "cooldown-max"}},
	{"Surfaces", []string{"listen", "metrics", "tui"}},
	{"Observability", []string{"verbose", "log-format", "log-level"}},
	{"Diagnostics", []string{"skip-preflight", "version"}},
}

// ParseFlags parses args (without the program name) and returns a Config.
// pflag.ErrHelp is returned when -h/--help was requested.
func ParseFlags(args []string) (*Config, error) {
	return parseFlags(args, os.Stderr)
}

func parseFlags(args []string, out io.Writer) (*Config, error) {
	cfg := DefaultConfig()

	fs := pflag.NewFlagSet("shadowdeck", pflag.ContinueOnError)
	fs.SortFlags = false
	fs.SetOutput(out)

	// Proxy
	fs.StringVar(&cfg.SingBoxPath, "singbox", cfg.SingBoxPath, "Path to the sing-box binary")
	fs.StringVar(&cfg.TemplatePath, "template", cfg.TemplatePath, "Config template file (empty uses the embedded template)")
	fs.StringVar(&cfg.RuntimeDir, "runtime-dir", cfg.RuntimeDir, "Directory the rendered config is written to")
	fs.StringVar(&cfg.SettingsPath, "settings", cfg.SettingsPath, "Settings document (desired state and endpoint)")

	// Health probe
	fs.StringVar(&cfg.ProxyAddr, "proxy-addr", cfg.ProxyAddr, "Local SOCKS5 inbound rendered into the config and used by the probe")
	fs.StringVar(&cfg.ProbeURL, "probe-url", cfg.ProbeURL, "URL fetched through the proxy (empty uses the built-in target)")
	fs.DurationVar(&cfg.ProbeTimeout, "probe-timeout", cfg.ProbeTimeout, "Bound on a single probe")

	// Reconciliation
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Reconciliation tick")
	fs.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "Wait between SIGTERM and SIGKILL")
	fs.DurationVar(&cfg.SettleDelay, "settle-delay", cfg.SettleDelay, "Delay before the first reconcile at startup")
	fs.DurationVar(&cfg.StartupGrace, "startup-grace", cfg.StartupGrace, "Skip probing an instance younger than this")
	fs.DurationVar(&cfg.CooldownInitial, "cooldown", cfg.CooldownInitial, "Initial wait before restarting an unhealthy proxy")
	fs.DurationVar(&cfg.CooldownMax, "cooldown-max", cfg.CooldownMax, "Upper bound for the restart cooldown")

	// Surfaces
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Control API listen address")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address (empty disables)")
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Show the live terminal dashboard")

	// Observability
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Verbose logging, including proxy output")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, `Log level: "debug", "info", "warn", "error"`)

	// Diagnostics
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")
	fs.BoolVar(&cfg.ShowVersion, "version", cfg.ShowVersion, "Print version and exit")

	fs.Usage = func() { printUsage(fs, out) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return cfg, nil
}

// printUsage prints flags by category.
func printUsage(fs *pflag.FlagSet, out io.Writer) {
	fmt.Fprintf(out, `shadowdeck - supervisor for a sing-box Shadowsocks client

Usage:
  shadowdeck [flags]
`)
	for _, cat := range usageCategories {
		fmt.Fprintf(out, "\n%s:\n", cat.title)
		for _, name := range cat.names {
			f := fs.Lookup(name)
			if f == nil {
				continue
			}
			printFlag(out, f)
		}
	}
	fmt.Fprintf(out, `
Examples:
  # Run with the control API on the default port
  shadowdeck --singbox /usr/local/bin/sing-box

  # Human-readable logs and the dashboard
  shadowdeck --log-format text --tui
`)
}

func printFlag(out io.Writer, f *pflag.Flag) {
	name := "--" + f.Name
	if f.Shorthand != "" {
		name = "-" + f.Shorthand + ", " + name
	}
	typ := f.Value.Type()
	if typ == "bool" {
		typ = ""
	}
	fmt.Fprintf(out, "  %s %s\n    \t%s", name, typ, f.Usage)
	if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0s" {
		fmt.Fprintf(out, " (default %s)", f.DefValue)
	}
	fmt.Fprintln(out)
}
