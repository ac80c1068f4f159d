// Package render materializes the sing-box configuration for an endpoint.
//
// A template is a JSON document with $name or ${name} placeholders. Known
// names are substituted, unknown ones are left untouched and "$$" is a
// literal dollar. The substituted document must parse as JSON.
package render

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/randomizedcoder/shadowdeck/internal/endpoint"
)

// ConfigFileName is the name of the persisted document inside the output dir.
const ConfigFileName = "config.json"

//go:embed default_template.json
var defaultTemplate []byte

// DefaultTemplate returns the built-in template used when no template path
// is configured.
func DefaultTemplate() []byte {
	out := make([]byte, len(defaultTemplate))
	copy(out, defaultTemplate)
	return out
}

// ConfigError is returned when a configuration cannot be produced.
type ConfigError struct {
	Stage string // "endpoint", "read_template", "validate", "persist"
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Stage, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Options configures a Materializer.
type Options struct {
	// TemplatePath is read on every Render. Empty selects DefaultTemplate.
	TemplatePath string

	// OutputDir receives ConfigFileName. Created on demand.
	OutputDir string

	// ListenAddress and ListenPort fill $listen_address and $listen_port,
	// the local inbound the health probe goes through.
	ListenAddress string
	ListenPort    int

	Logger *slog.Logger
}

// Materializer turns an endpoint into a config document on disk.
type Materializer struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Materializer.
func New(opts Options) *Materializer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{opts: opts, logger: logger}
}

// Render substitutes ep into the template and validates the result.
func (m *Materializer) Render(ep endpoint.Endpoint) ([]byte, error) {
	if err := ep.Validate(); err != nil {
		return nil, &ConfigError{Stage: "endpoint", Err: err}
	}

	tmpl, err := m.template()
	if err != nil {
		return nil, &ConfigError{Stage: "read_template", Err: err}
	}

	doc := Substitute(tmpl, m.vars(ep))
	if !json.Valid(doc) {
		var js any
		parseErr := json.Unmarshal(doc, &js)
		if parseErr == nil {
			parseErr = errors.New("invalid JSON")
		}
		return nil, &ConfigError{Stage: "validate", Err: parseErr}
	}
	return doc, nil
}

// Persist writes doc to OutputDir/ConfigFileName and returns the path.
func (m *Materializer) Persist(doc []byte) (string, error) {
	if m.opts.OutputDir == "" {
		return "", &ConfigError{Stage: "persist", Err: errors.New("no output directory configured")}
	}
	if err := os.MkdirAll(m.opts.OutputDir, 0o700); err != nil {
		return "", &ConfigError{Stage: "persist", Err: err}
	}

	path := filepath.Join(m.opts.OutputDir, ConfigFileName)
	if err := writeFileAtomic(path, doc, 0o600); err != nil {
		return "", &ConfigError{Stage: "persist", Err: err}
	}

	m.logger.Debug("config_persisted", "path", path, "bytes", len(doc))
	return path, nil
}

func (m *Materializer) template() ([]byte, error) {
	if m.opts.TemplatePath == "" {
		return defaultTemplate, nil
	}
	return os.ReadFile(m.opts.TemplatePath)
}

func (m *Materializer) vars(ep endpoint.Endpoint) map[string]string {
	return map[string]string{
		"server":         jsonEscape(ep.Server),
		"port":           strconv.Itoa(ep.Port),
		"method":         jsonEscape(ep.Method),
		"password":       jsonEscape(ep.Password),
		"listen_address": jsonEscape(m.opts.ListenAddress),
		"listen_port":    strconv.Itoa(m.opts.ListenPort),
	}
}

var placeholder = regexp.MustCompile(`(?i)\$(?:(\$)|([_a-z][_a-z0-9]*)|\{([_a-z][_a-z0-9]*)\})`)

// Substitute replaces placeholders in tmpl with vars. Placeholders with no
// entry in vars are kept verbatim.
func Substitute(tmpl []byte, vars map[string]string) []byte {
	return placeholder.ReplaceAllFunc(tmpl, func(match []byte) []byte {
		sub := placeholder.FindSubmatch(match)
		if len(sub[1]) > 0 {
			return []byte("$")
		}
		name := string(sub[2])
		if name == "" {
			name = string(sub[3])
		}
		if v, ok := vars[name]; ok {
			return []byte(v)
		}
		return match
	})
}

// jsonEscape returns s encoded as the inside of a JSON string literal.
func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
