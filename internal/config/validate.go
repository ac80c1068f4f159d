package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Every problem found is reported, joined into one error.
func Validate(cfg *Config) error {
	var errs []error
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	if strings.TrimSpace(cfg.SingBoxPath) == "" {
		add("singbox_path", "must not be empty")
	}
	if strings.TrimSpace(cfg.RuntimeDir) == "" {
		add("runtime_dir", "must not be empty")
	}
	if strings.TrimSpace(cfg.SettingsPath) == "" {
		add("settings_path", "must not be empty")
	}

	if err := validateHostPort(cfg.ProxyAddr, false); err != nil {
		add("proxy_addr", err.Error())
	}
	if err := validateHostPort(cfg.ListenAddr, true); err != nil {
		add("listen_addr", err.Error())
	}
	if cfg.MetricsAddr != "" {
		if err := validateHostPort(cfg.MetricsAddr, true); err != nil {
			add("metrics_addr", err.Error())
		}
	}
	if cfg.ProbeURL != "" {
		if err := validateURL(cfg.ProbeURL); err != nil {
			add("probe_url", err.Error())
		}
	}

	// Durations that drive timers must be positive
	positive := []struct {
		field string
		value fmt.Stringer
		ok    bool
	}{
		{"probe_timeout", cfg.ProbeTimeout, cfg.ProbeTimeout > 0},
		{"poll_interval", cfg.PollInterval, cfg.PollInterval > 0},
		{"grace_period", cfg.GracePeriod, cfg.GracePeriod > 0},
		{"cooldown_initial", cfg.CooldownInitial, cfg.CooldownInitial > 0},
	}
	for _, p := range positive {
		if !p.ok {
			add(p.field, fmt.Sprintf("must be positive (got %s)", p.value))
		}
	}
	if cfg.SettleDelay < 0 {
		add("settle_delay", "must not be negative")
	}
	if cfg.StartupGrace < 0 {
		add("startup_grace", "must not be negative")
	}
	if cfg.CooldownMax < cfg.CooldownInitial {
		add("cooldown_max", "must be >= cooldown_initial")
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		add("log_format", fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat))
	}
	validLevels := map[string]bool{"": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(cfg.LogLevel)] {
		add("log_level", fmt.Sprintf("must be debug, info, warn or error (got %q)", cfg.LogLevel))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// validateHostPort checks addr is host:port with a usable port. Port 0 is
// accepted only for listen addresses.
func validateHostPort(addr string, listen bool) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if !listen && host == "" {
		return errors.New("host must not be empty")
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid port %q", port)
	}
	lowest := 1
	if listen {
		lowest = 0
	}
	if n < lowest || n > 65535 {
		return fmt.Errorf("port %d out of range", n)
	}
	return nil
}

// validateURL checks if the URL is valid and uses http or https.
func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https (got %q)", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("URL must have a host")
	}
	return nil
}
