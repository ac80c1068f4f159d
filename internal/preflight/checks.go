// Package preflight provides startup validation checks.
package preflight

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/shadowdeck/internal/endpoint"
	"github.com/randomizedcoder/shadowdeck/internal/process"
)

// minFileDescriptors covers the control and metrics listeners, the probe
// connections and the child's pipes with room to spare.
const minFileDescriptors = 256

// versionTimeout bounds `sing-box version`.
const versionTimeout = 5 * time.Second

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Renderer is the part of the config materializer preflight exercises.
type Renderer interface {
	Render(ep endpoint.Endpoint) ([]byte, error)
}

// Options selects what RunAll verifies.
type Options struct {
	SingBoxPath string
	RuntimeDir  string
	ProxyAddr   string
	Renderer    Renderer
	Endpoint    endpoint.Endpoint
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// RunAll executes all preflight checks. A missing sing-box binary is only a
// warning: starting the proxy later reports it as a spawn failure.
func RunAll(ctx context.Context, opts Options) *Result {
	checks := []Check{
		checkFileDescriptors(),
		checkSingBox(ctx, opts.SingBoxPath),
		checkRuntimeDir(opts.RuntimeDir),
		checkTemplate(opts.Renderer, opts.Endpoint),
		checkInboundPort(opts.ProxyAddr),
	}

	result := &Result{Checks: checks, Passed: true}
	for _, c := range checks {
		if !c.Passed {
			result.Passed = false
		}
	}
	return result
}

// checkFileDescriptors warns when the soft RLIMIT_NOFILE is very low.
func checkFileDescriptors() Check {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check: %v", err),
		}
	}

	actual := int(min(limit.Cur, 1<<30))
	return Check{
		Name:     "file_descriptors",
		Required: minFileDescriptors,
		Actual:   actual,
		Passed:   true,
		Warning:  actual < minFileDescriptors,
	}
}

// checkSingBox verifies the binary exists and reports its version.
func checkSingBox(ctx context.Context, path string) Check {
	resolved, err := exec.LookPath(path)
	if err != nil {
		return Check{
			Name:    "sing-box",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("not found at %s: %v", path, err),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	version, err := process.NewSingBoxRunner(resolved).Version(ctx)
	if err != nil {
		return Check{
			Name:    "sing-box",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("found at %s but version failed: %v", resolved, err),
		}
	}
	return Check{
		Name:    "sing-box",
		Passed:  true,
		Message: fmt.Sprintf("found at %s (version %s)", resolved, version),
	}
}

// checkRuntimeDir verifies the rendered config can be written.
func checkRuntimeDir(dir string) Check {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Check{Name: "runtime_dir", Passed: false, Message: err.Error()}
	}

	f, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		return Check{Name: "runtime_dir", Passed: false, Message: fmt.Sprintf("%s not writable: %v", dir, err)}
	}
	name := f.Name()
	f.Close()
	os.Remove(name)

	abs, _ := filepath.Abs(dir)
	return Check{Name: "runtime_dir", Passed: true, Message: abs + " writable"}
}

// checkTemplate renders the current endpoint once.
func checkTemplate(r Renderer, ep endpoint.Endpoint) Check {
	if r == nil {
		return Check{Name: "template", Passed: true, Warning: true, Message: "no renderer configured"}
	}
	doc, err := r.Render(ep)
	if err != nil {
		return Check{Name: "template", Passed: false, Message: err.Error()}
	}
	return Check{Name: "template", Passed: true, Message: fmt.Sprintf("renders %d bytes of valid JSON", len(doc))}
}

// checkInboundPort warns when something already listens on the proxy
// inbound, usually a sing-box left over from a previous run.
func checkInboundPort(addr string) Check {
	if addr == "" {
		return Check{Name: "inbound_port", Passed: true, Warning: true, Message: "no proxy address configured"}
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return Check{
			Name:    "inbound_port",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("%s already in use: %v", addr, err),
		}
	}
	ln.Close()
	return Check{Name: "inbound_port", Passed: true, Message: addr + " free"}
}

// PrintResults writes the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed || check.Warning {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 1024 (or edit /etc/security/limits.conf)"
	case "sing-box":
		return "install sing-box (https://sing-box.sagernet.org/installation/) or pass --singbox"
	case "runtime_dir":
		return "pass a writable --runtime-dir"
	case "template":
		return "fix the --template file or the saved endpoint settings"
	case "inbound_port":
		return "stop the process holding the port or pass --proxy-addr"
	default:
		return "see documentation"
	}
}
