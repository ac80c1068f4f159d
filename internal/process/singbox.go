package process

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// SingBoxRunner implements Runner for the sing-box binary.
type SingBoxRunner struct {
	binaryPath string
}

// NewSingBoxRunner creates a runner for the binary at binaryPath.
func NewSingBoxRunner(binaryPath string) *SingBoxRunner {
	return &SingBoxRunner{binaryPath: binaryPath}
}

// Name returns "sing-box".
func (r *SingBoxRunner) Name() string {
	return "sing-box"
}

// BinaryPath returns the configured binary path.
func (r *SingBoxRunner) BinaryPath() string {
	return r.binaryPath
}

// Command returns `<binary> run -c <configPath>`.
func (r *SingBoxRunner) Command(configPath string) (string, []string) {
	return r.binaryPath, []string{"run", "-c", configPath}
}

// CommandString returns the command that would be executed (for debugging).
func (r *SingBoxRunner) CommandString(configPath string) string {
	bin, args := r.Command(configPath)
	return bin + " " + strings.Join(args, " ")
}

// Version runs `<binary> version` and returns the reported version.
func (r *SingBoxRunner) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, r.binaryPath, "version").Output()
	if err != nil {
		return "", fmt.Errorf("%s version: %w", r.binaryPath, err)
	}
	return parseVersion(string(out)), nil
}

// parseVersion extracts "1.9.3" from "sing-box version 1.9.3\n\nEnvironment: ...".
func parseVersion(out string) string {
	first, _, _ := strings.Cut(out, "\n")
	fields := strings.Fields(first)
	for i, f := range fields {
		if f == "version" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return "unknown"
}
