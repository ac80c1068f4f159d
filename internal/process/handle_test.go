package process

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/randomizedcoder/shadowdeck/internal/logging"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// lineSink collects stderr lines for assertions.
type lineSink struct {
	mu    sync.Mutex
	lines []string
	done  chan struct{}
}

func newLineSink() *lineSink {
	return &lineSink{done: make(chan struct{})}
}

func (s *lineSink) HandleReader(r io.Reader) {
	defer close(s.done)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.mu.Lock()
		s.lines = append(s.lines, scanner.Text())
		s.mu.Unlock()
	}
}

func (s *lineSink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}

func waitDone(t *testing.T, inst *Instance, timeout time.Duration) {
	t.Helper()
	select {
	case <-inst.Done():
	case <-time.After(timeout):
		t.Fatalf("pid %d did not exit within %v", inst.PID(), timeout)
	}
}

func TestSpawn_SleepAliveAndTerminate(t *testing.T) {
	inst, err := Spawn("sleep", []string{"30"}, SpawnOptions{ConfigPath: "/tmp/cfg.json", Logger: newTestLogger()})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if inst.PID() <= 0 {
		t.Errorf("PID() = %d", inst.PID())
	}
	if inst.ConfigPath() != "/tmp/cfg.json" {
		t.Errorf("ConfigPath() = %q", inst.ConfigPath())
	}
	if !inst.Alive() {
		t.Fatal("Alive() = false right after spawn")
	}
	if _, exited := inst.ExitCode(); exited {
		t.Error("ExitCode() reports exit for running process")
	}

	start := time.Now()
	if err := inst.Terminate(2 * time.Second); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("graceful terminate took %v", time.Since(start))
	}
	if inst.Alive() {
		t.Error("Alive() = true after Terminate")
	}
	code, exited := inst.ExitCode()
	if !exited || code != 128+int(syscall.SIGTERM) {
		t.Errorf("ExitCode() = %d, %v; want %d, true", code, exited, 128+int(syscall.SIGTERM))
	}
}

func TestSpawn_MissingBinary(t *testing.T) {
	tests := []struct {
		name   string
		binary string
	}{
		{"absolute", filepath.Join(t.TempDir(), "sing-box")},
		{"path_lookup", "definitely-not-a-real-binary-xyz"},
		{"empty", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			inst, err := Spawn(tc.binary, nil, SpawnOptions{Logger: newTestLogger()})
			if inst != nil {
				t.Fatal("Spawn() returned an instance for a missing binary")
			}
			var serr *SpawnError
			if !errors.As(err, &serr) {
				t.Fatalf("error = %v, want *SpawnError", err)
			}
			if !errors.Is(err, ErrBinaryNotFound) {
				t.Errorf("error = %v, want ErrBinaryNotFound", err)
			}
		})
	}
}

func TestSpawn_NotExecutable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sing-box")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Spawn(path, nil, SpawnOptions{Logger: newTestLogger()})
	var serr *SpawnError
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v, want *SpawnError", err)
	}
}

func TestTerminate_ForceKillsAfterGrace(t *testing.T) {
	// The shell and its sleep child both ignore SIGTERM.
	inst, err := Spawn("sh", []string{"-c", `trap "" TERM; sleep 30`}, SpawnOptions{Logger: newTestLogger()})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond) // let the trap install

	grace := 200 * time.Millisecond
	start := time.Now()
	if err := inst.Terminate(grace); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < grace {
		t.Errorf("Terminate returned after %v, before grace %v", elapsed, grace)
	}
	if inst.Alive() {
		t.Error("process alive after forced kill")
	}
	code, _ := inst.ExitCode()
	if code != 128+int(syscall.SIGKILL) {
		t.Errorf("exit code = %d, want %d", code, 128+int(syscall.SIGKILL))
	}
}

func TestTerminate_AlreadyExited(t *testing.T) {
	inst, err := Spawn("true", nil, SpawnOptions{Logger: newTestLogger()})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, inst, 5*time.Second)

	if err := inst.Terminate(time.Second); err != nil {
		t.Errorf("Terminate() on exited process = %v", err)
	}
	if code, _ := inst.ExitCode(); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
}

func TestTerminate_Idempotent(t *testing.T) {
	inst, err := Spawn("sleep", []string{"30"}, SpawnOptions{Logger: newTestLogger()})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := inst.Terminate(time.Second); err != nil {
			t.Fatalf("Terminate() call %d error = %v", i, err)
		}
	}
}

func TestAlive_DetectsExternalKill(t *testing.T) {
	inst, err := Spawn("sleep", []string{"30"}, SpawnOptions{Logger: newTestLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if err := syscall.Kill(inst.PID(), syscall.SIGKILL); err != nil {
		t.Fatal(err)
	}
	waitDone(t, inst, 5*time.Second)
	if inst.Alive() {
		t.Error("Alive() = true after external SIGKILL")
	}
}

func TestAlive_NilInstance(t *testing.T) {
	var inst *Instance
	if inst.Alive() {
		t.Error("nil instance reported alive")
	}
}

func TestSpawn_StderrDelivered(t *testing.T) {
	sink := newLineSink()
	inst, err := Spawn("sh", []string{"-c", "echo first >&2; echo second >&2; echo ignored"}, SpawnOptions{
		Stderr: sink,
		Logger: newTestLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, inst, 5*time.Second)

	select {
	case <-sink.done:
	case <-time.After(5 * time.Second):
		t.Fatal("stderr reader did not reach EOF")
	}
	lines := sink.Lines()
	if len(lines) != 2 || lines[0] != "first" || lines[1] != "second" {
		t.Errorf("stderr lines = %v", lines)
	}
}

// firstLineSink reads a single line and returns.
type firstLineSink struct{}

func (firstLineSink) HandleReader(r io.Reader) {
	_, _ = bufio.NewReader(r).ReadString('\n')
}

func TestSpawn_StderrOutlivesSink(t *testing.T) {
	// A line longer than the output handler's limit, then more output.
	script := `head -c 5000 /dev/zero | tr '\0' a >&2; echo >&2; sleep 0.2; echo second >&2; sleep 30`

	tests := []struct {
		name string
		sink func() OutputSink
	}{
		{"output_handler", func() OutputSink {
			return logging.NewOutputHandler("sh", newTestLogger(), false)
		}},
		{"sink_returns_early", func() OutputSink { return firstLineSink{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := tt.sink()
			inst, err := Spawn("sh", []string{"-c", script}, SpawnOptions{
				Stderr: sink,
				Logger: newTestLogger(),
			})
			if err != nil {
				t.Fatal(err)
			}
			defer inst.Terminate(time.Second)

			time.Sleep(time.Second)
			if !inst.Alive() {
				code, _ := inst.ExitCode()
				t.Fatalf("child died while writing stderr, exit code %d", code)
			}

			if h, ok := sink.(*logging.OutputHandler); ok {
				lines := h.RecentLines(2)
				if len(lines) != 2 || lines[1] != "second" {
					t.Errorf("RecentLines() = %q", lines)
				}
			}
		})
	}
}

func TestSpawn_ExitCode(t *testing.T) {
	inst, err := Spawn("sh", []string{"-c", "exit 3"}, SpawnOptions{Logger: newTestLogger()})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, inst, 5*time.Second)
	if code, ok := inst.ExitCode(); !ok || code != 3 {
		t.Errorf("ExitCode() = %d, %v; want 3, true", code, ok)
	}
}

func TestExtractExitCode_Nil(t *testing.T) {
	if got := extractExitCode(nil); got != 0 {
		t.Errorf("extractExitCode(nil) = %d", got)
	}
	if got := extractExitCode(errors.New("boom")); got != 1 {
		t.Errorf("extractExitCode(other) = %d", got)
	}
}
