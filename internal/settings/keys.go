package settings

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/randomizedcoder/shadowdeck/internal/endpoint"
)

// Keys used in the settings document.
const (
	KeyEnabled  = "intended_enabled"
	KeyServer   = "server"
	KeyPort     = "port"
	KeyMethod   = "method"
	KeyPassword = "password"
)

// Enabled returns the persisted desired state. Anything other than a
// boolean true (or its string form) reads as false.
func Enabled(s Store) bool {
	switch v := s.Get(KeyEnabled, false).(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return err == nil && b
	default:
		return false
	}
}

// SetEnabled records the desired state and commits it.
func SetEnabled(s Store, enabled bool) error {
	s.Set(KeyEnabled, enabled)
	if err := s.Commit(); err != nil {
		return fmt.Errorf("persist %s=%t: %w", KeyEnabled, enabled, err)
	}
	return nil
}

// LoadEndpoint reads the endpoint fields, falling back to defaults per field.
// A port that is not an integer is coerced, or replaced with the default.
func LoadEndpoint(s Store) endpoint.Endpoint {
	return endpoint.Endpoint{
		Server:   stringValue(s.Get(KeyServer, endpoint.DefaultServer)),
		Port:     portValue(s.Get(KeyPort, endpoint.DefaultPort)),
		Method:   stringValue(s.Get(KeyMethod, endpoint.DefaultMethod)),
		Password: stringValue(s.Get(KeyPassword, endpoint.DefaultPassword)),
	}
}

// SaveEndpoint validates ep, stores every field and commits.
func SaveEndpoint(s Store, ep endpoint.Endpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	s.Set(KeyServer, ep.Server)
	s.Set(KeyPort, ep.Port)
	s.Set(KeyMethod, ep.Method)
	s.Set(KeyPassword, ep.Password)
	if err := s.Commit(); err != nil {
		return fmt.Errorf("persist endpoint: %w", err)
	}
	return nil
}

// EnsureDefaults fills in any missing endpoint field and commits when
// something changed. It reports the keys it initialized.
func EnsureDefaults(s Store) ([]string, error) {
	def := endpoint.Default()
	defaults := []struct {
		key   string
		value any
	}{
		{KeyServer, def.Server},
		{KeyPort, def.Port},
		{KeyMethod, def.Method},
		{KeyPassword, def.Password},
	}

	var initialized []string
	for _, d := range defaults {
		if s.Get(d.key, nil) == nil {
			s.Set(d.key, d.value)
			initialized = append(initialized, d.key)
		}
	}
	if len(initialized) == 0 {
		return nil, nil
	}
	if err := s.Commit(); err != nil {
		return initialized, fmt.Errorf("persist defaults: %w", err)
	}
	return initialized, nil
}

func stringValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func portValue(v any) int {
	switch p := v.(type) {
	case int:
		return p
	case int64:
		return int(p)
	case uint64:
		return int(p)
	case float64:
		if p == float64(int(p)) {
			return int(p)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
			return n
		}
	}
	return endpoint.DefaultPort
}
