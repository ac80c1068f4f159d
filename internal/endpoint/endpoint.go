// Package endpoint describes the upstream Shadowsocks server the proxy connects to.
package endpoint

import (
	"errors"
	"fmt"
	"strings"
)

// Defaults applied when the settings store has no value for a field.
const (
	DefaultServer   = "example.com"
	DefaultPort     = 8388
	DefaultMethod   = "chacha20-ietf-poly1305"
	DefaultPassword = ""
)

// Methods lists the cipher identifiers accepted for an endpoint, in the
// order a UI should present them.
var Methods = []string{
	"chacha20-ietf-poly1305",
	"xchacha20-ietf-poly1305",
	"aes-256-gcm",
	"aes-128-gcm",
	"aes-256-cfb",
	"aes-128-cfb",
	"rc4-md5",
	"2022-blake3-aes-128-gcm",
	"2022-blake3-aes-256-gcm",
	"2022-blake3-chacha20-poly1305",
}

// Endpoint is the {server, port, method, password} tuple rendered into the
// proxy configuration. A running instance keeps the Endpoint it was started
// with; changes take effect on the next start.
type Endpoint struct {
	Server   string `json:"server" yaml:"server"`
	Port     int    `json:"port" yaml:"port"`
	Method   string `json:"method" yaml:"method"`
	Password string `json:"password" yaml:"password"`
}

// Default returns the endpoint used before the user configures one.
func Default() Endpoint {
	return Endpoint{
		Server:   DefaultServer,
		Port:     DefaultPort,
		Method:   DefaultMethod,
		Password: DefaultPassword,
	}
}

// FieldError reports an invalid endpoint field.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks every field and returns all problems joined.
func (e Endpoint) Validate() error {
	var errs []error

	if strings.TrimSpace(e.Server) == "" {
		errs = append(errs, FieldError{Field: "server", Message: "must not be empty"})
	} else if strings.ContainsAny(e.Server, " \t\r\n/") {
		errs = append(errs, FieldError{Field: "server", Message: fmt.Sprintf("invalid host %q", e.Server)})
	}

	if e.Port < 1 || e.Port > 65535 {
		errs = append(errs, FieldError{Field: "port", Message: fmt.Sprintf("must be 1-65535 (got %d)", e.Port)})
	}

	if !IsValidMethod(e.Method) {
		errs = append(errs, FieldError{
			Field:   "method",
			Message: fmt.Sprintf("unsupported cipher %q", e.Method),
		})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// IsValidMethod reports whether m is one of Methods.
func IsValidMethod(m string) bool {
	for _, known := range Methods {
		if m == known {
			return true
		}
	}
	return false
}

// String omits the password so endpoints can be logged.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d (%s)", e.Server, e.Port, e.Method)
}
