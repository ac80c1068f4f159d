// Package process spawns and terminates the supervised proxy process.
package process

// Runner describes how to launch the supervised program.
// This interface allows the supervisor to be process-agnostic.
type Runner interface {
	// Command returns the binary and argv for running with configPath.
	Command(configPath string) (binary string, args []string)

	// CommandString renders Command as a single shell-style line.
	CommandString(configPath string) string

	// Name returns a human-readable name for this process type.
	Name() string
}
