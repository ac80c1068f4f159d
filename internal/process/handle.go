package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrBinaryNotFound is wrapped by SpawnError when the executable is missing.
var ErrBinaryNotFound = errors.New("binary not found")

// killWait bounds how long Terminate waits for the kernel to reap the
// process after SIGKILL.
const killWait = 2 * time.Second

// SpawnError is returned when a process could not be created.
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// StopError is returned when a process survived both SIGTERM and SIGKILL.
type StopError struct {
	PID int
	Err error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("stop pid %d: %v", e.PID, e.Err)
}

func (e *StopError) Unwrap() error { return e.Err }

// OutputSink consumes a child's stderr. HandleReader returns at EOF.
type OutputSink interface {
	HandleReader(r io.Reader)
}

// SpawnOptions holds optional settings for Spawn.
type SpawnOptions struct {
	// ConfigPath is recorded on the Instance for status reporting.
	ConfigPath string

	// Stderr receives the child's stderr. Nil discards it.
	Stderr OutputSink

	Logger *slog.Logger
}

// Instance is one running child process. It is created by Spawn and owned
// by a single caller; methods are safe for concurrent use.
type Instance struct {
	pid        int
	startedAt  time.Time
	configPath string
	cmd        *exec.Cmd
	logger     *slog.Logger

	done     chan struct{}
	exitCode int
	waitErr  error

	termOnce sync.Once
	termErr  error
}

// Spawn starts binary with args in its own process group. Stdout is
// discarded; stderr goes to opts.Stderr when set.
func Spawn(binary string, args []string, opts SpawnOptions) (*Instance, error) {
	path, err := resolveBinary(binary)
	if err != nil {
		return nil, &SpawnError{Binary: binary, Err: err}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(path, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// An os.Pipe keeps Wait from depending on the reader goroutine.
	var stderrRead, stderrWrite *os.File
	if opts.Stderr != nil {
		stderrRead, stderrWrite, err = os.Pipe()
		if err != nil {
			return nil, &SpawnError{Binary: binary, Err: fmt.Errorf("stderr pipe: %w", err)}
		}
		cmd.Stderr = stderrWrite
	}

	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		if stderrRead != nil {
			stderrRead.Close()
			stderrWrite.Close()
		}
		return nil, &SpawnError{Binary: binary, Err: err}
	}

	// Close parent's write-end so the reader sees EOF when the child exits.
	if stderrWrite != nil {
		stderrWrite.Close()
		go func() {
			defer stderrRead.Close()
			opts.Stderr.HandleReader(stderrRead)
			// Keep draining if the sink stopped early; closing the read
			// end would kill the child with SIGPIPE.
			_, _ = io.Copy(io.Discard, stderrRead)
		}()
	}

	inst := &Instance{
		pid:        cmd.Process.Pid,
		startedAt:  startedAt,
		configPath: opts.ConfigPath,
		cmd:        cmd,
		logger:     logger,
		done:       make(chan struct{}),
	}
	go inst.wait()

	return inst, nil
}

func (i *Instance) wait() {
	err := i.cmd.Wait()
	i.waitErr = err
	i.exitCode = extractExitCode(err)
	close(i.done)
}

// PID returns the OS process identifier.
func (i *Instance) PID() int { return i.pid }

// StartedAt returns when the process was spawned.
func (i *Instance) StartedAt() time.Time { return i.startedAt }

// ConfigPath returns the config file the process was started with.
func (i *Instance) ConfigPath() string { return i.configPath }

// Uptime returns how long the process has been (or was) running.
func (i *Instance) Uptime() time.Duration { return time.Since(i.startedAt) }

// Done is closed once the process has exited and been reaped.
func (i *Instance) Done() <-chan struct{} { return i.done }

// Alive reports whether the process is still running. It never blocks.
func (i *Instance) Alive() bool {
	if i == nil {
		return false
	}
	select {
	case <-i.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit code and true once the process has exited.
// Signal deaths report 128+signal.
func (i *Instance) ExitCode() (int, bool) {
	select {
	case <-i.done:
		return i.exitCode, true
	default:
		return 0, false
	}
}

// Terminate sends SIGTERM to the process group, waits up to grace, then
// sends SIGKILL. A StopError means the process was still present after
// SIGKILL. Subsequent calls return the first result.
func (i *Instance) Terminate(grace time.Duration) error {
	i.termOnce.Do(func() {
		i.termErr = i.terminate(grace)
	})
	return i.termErr
}

func (i *Instance) terminate(grace time.Duration) error {
	if !i.Alive() {
		return nil
	}

	i.signalGroup(unix.SIGTERM)

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-i.done:
		return nil
	case <-timer.C:
	}

	i.logger.Warn("force_killing_process",
		"pid", i.pid,
		"grace_period", grace.String(),
	)
	i.signalGroup(unix.SIGKILL)

	select {
	case <-i.done:
		return nil
	case <-time.After(killWait):
		return &StopError{PID: i.pid, Err: errors.New("process did not exit after SIGKILL")}
	}
}

// signalGroup signals the whole process group, falling back to the process.
func (i *Instance) signalGroup(sig syscall.Signal) {
	if pgid, err := unix.Getpgid(i.pid); err == nil {
		if err := unix.Kill(-pgid, sig); err == nil {
			return
		}
	}
	_ = i.cmd.Process.Signal(sig)
}

// resolveBinary checks that binary exists and is executable.
func resolveBinary(binary string) (string, error) {
	if binary == "" {
		return "", fmt.Errorf("%w: empty path", ErrBinaryNotFound)
	}

	if !strings.ContainsRune(binary, filepath.Separator) {
		path, err := exec.LookPath(binary)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrBinaryNotFound, err)
		}
		return path, nil
	}

	info, err := os.Stat(binary)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, binary)
	}
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", binary)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("%s is not executable", binary)
	}
	return binary, nil
}

// extractExitCode extracts the exit code from a Wait() error.
func extractExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				// Signal exit: 128 + signal number
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
	}

	// Unknown error, assume exit code 1
	return 1
}
