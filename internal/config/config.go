// Package config provides configuration management for shadowdeck.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds all configuration options for the supervisor.
type Config struct {
	// Proxy binary and its materialized config
	SingBoxPath  string `json:"singbox_path"`
	TemplatePath string `json:"template_path"` // empty = embedded default
	RuntimeDir   string `json:"runtime_dir"`
	SettingsPath string `json:"settings_path"`

	// Probe path
	ProxyAddr    string        `json:"proxy_addr"` // local SOCKS5 inbound, host:port
	ProbeURL     string        `json:"probe_url"`  // empty = health.DefaultURL
	ProbeTimeout time.Duration `json:"probe_timeout"`

	// Reconciliation
	PollInterval time.Duration `json:"poll_interval"`
	GracePeriod  time.Duration `json:"grace_period"`
	SettleDelay  time.Duration `json:"settle_delay"`
	StartupGrace time.Duration `json:"startup_grace"`

	// Unhealthy-restart cooldown
	CooldownInitial time.Duration `json:"cooldown_initial"`
	CooldownMax     time.Duration `json:"cooldown_max"`

	// Surfaces
	ListenAddr  string `json:"listen_addr"`
	MetricsAddr string `json:"metrics_addr"` // empty = disabled
	TUIEnabled  bool   `json:"tui_enabled"`

	// Observability
	Verbose   bool   `json:"verbose"`
	LogFormat string `json:"log_format"` // json, text
	LogLevel  string `json:"log_level"`

	// Diagnostic modes
	SkipPreflight bool `json:"skip_preflight"`
	ShowVersion   bool `json:"show_version"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SingBoxPath:  "/usr/bin/sing-box",
		RuntimeDir:   filepath.Join(os.TempDir(), "shadowdeck"),
		SettingsPath: defaultSettingsPath(),

		ProxyAddr:    "127.0.0.1:2080",
		ProbeTimeout: 5 * time.Second,

		PollInterval: 5 * time.Second,
		GracePeriod:  5 * time.Second,
		SettleDelay:  3 * time.Second,
		StartupGrace: 3 * time.Second,

		CooldownInitial: 2 * time.Second,
		CooldownMax:     30 * time.Second,

		ListenAddr:  "127.0.0.1:8787",
		MetricsAddr: "127.0.0.1:17092",

		LogFormat: "json",
		LogLevel:  "info",
	}
}

// defaultSettingsPath places the settings document in the user config dir,
// falling back to the working directory when $HOME is unset.
func defaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "shadowdeck-settings.yaml"
	}
	return filepath.Join(dir, "shadowdeck", "settings.yaml")
}

// MetricsEnabled reports whether the Prometheus endpoint should be served.
func (c *Config) MetricsEnabled() bool {
	return c.MetricsAddr != ""
}
