package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"", slog.LevelInfo},
		{"trace", slog.LevelInfo},
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			if got := ParseLevel(tc.input); got != tc.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.expected)
			}
		})
	}
}

func TestNew_Formats(t *testing.T) {
	t.Run("json_default", func(t *testing.T) {
		var buf bytes.Buffer
		New(Options{Writer: &buf}).Info("hello", "key", "value")
		if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
			t.Errorf("expected JSON output, got %q", buf.String())
		}
		if !strings.Contains(buf.String(), `"key":"value"`) {
			t.Errorf("missing attribute: %q", buf.String())
		}
	})

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		New(Options{Format: "TEXT", Writer: &buf}).Info("hello", "key", "value")
		if !strings.Contains(buf.String(), "key=value") {
			t.Errorf("expected text output, got %q", buf.String())
		}
	})
}

func TestNew_VerboseForcesDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "error", Verbose: true, Writer: &buf})
	logger.Debug("debug message")
	if !strings.Contains(buf.String(), "debug message") {
		t.Error("verbose logger dropped debug message")
	}
}

func TestNewLoggerWithWriter_LevelFiltering(t *testing.T) {
	tests := []struct {
		level   string
		dropped string
		kept    string
	}{
		{"info", "debug msg", "info msg"},
		{"warn", "info msg", "warn msg"},
		{"error", "warn msg", "error msg"},
	}
	for _, tc := range tests {
		t.Run(tc.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(&buf, "text", tc.level)
			logger.Debug("debug msg")
			logger.Info("info msg")
			logger.Warn("warn msg")
			logger.Error("error msg")

			out := buf.String()
			if strings.Contains(out, tc.dropped) {
				t.Errorf("%s logger logged %q", tc.level, tc.dropped)
			}
			if !strings.Contains(out, tc.kept) {
				t.Errorf("%s logger dropped %q", tc.level, tc.kept)
			}
		})
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	Component(NewLoggerWithWriter(&buf, "text", "info"), "supervisor").Info("tick")
	if !strings.Contains(buf.String(), "component=supervisor") {
		t.Errorf("missing component attribute: %q", buf.String())
	}
}

func TestSetDefault(t *testing.T) {
	originalDefault := slog.Default()
	defer slog.SetDefault(originalDefault)

	var buf bytes.Buffer
	SetDefault(NewLoggerWithWriter(&buf, "text", "info"))

	slog.Info("from default logger")
	if !strings.Contains(buf.String(), "from default logger") {
		t.Error("SetDefault did not set the default logger")
	}
}

// OutputHandler tests

func TestOutputHandler_ClassifyLine(t *testing.T) {
	testCases := []struct {
		line     string
		expected slog.Level
	}{
		{"FATAL[0000] decode config at config.json: unknown field", slog.LevelError},
		{"+0000 2024-05-01 10:00:00 ERROR [1234 5ms] outbound/shadowsocks[proxy]: dial tcp: i/o timeout", slog.LevelWarn},
		{"+0000 2024-05-01 10:00:00 WARN router: no route", slog.LevelWarn},
		{"+0000 2024-05-01 10:00:00 INFO inbound/mixed[mixed-in]: tcp server started at 127.0.0.1:2080", slog.LevelDebug},
		{"some random output", slog.LevelDebug},
	}

	for _, tc := range testCases {
		name := tc.line
		if len(name) > 20 {
			name = name[:20]
		}
		t.Run(name, func(t *testing.T) {
			if got := classifyLine(tc.line); got != tc.expected {
				t.Errorf("classifyLine(%q) = %v, want %v", tc.line, got, tc.expected)
			}
		})
	}
}

func TestOutputHandler_VerboseLogging(t *testing.T) {
	t.Run("quiet_drops_info", func(t *testing.T) {
		var buf bytes.Buffer
		h := NewOutputHandler("sing-box", NewLoggerWithWriter(&buf, "text", "debug"), false)
		h.HandleLine("INFO started")
		if strings.Contains(buf.String(), "INFO started") {
			t.Error("non-verbose handler logged an info line")
		}
		if got := h.RecentLines(1); len(got) != 1 {
			t.Error("dropped line should still be buffered")
		}
	})

	t.Run("quiet_keeps_errors", func(t *testing.T) {
		var buf bytes.Buffer
		h := NewOutputHandler("sing-box", NewLoggerWithWriter(&buf, "text", "debug"), false)
		h.HandleLine("ERROR dial failed")
		if !strings.Contains(buf.String(), "ERROR dial failed") {
			t.Error("non-verbose handler dropped an error line")
		}
		if !strings.Contains(buf.String(), "process=sing-box") {
			t.Errorf("missing process attribute: %q", buf.String())
		}
	})

	t.Run("verbose_logs_all", func(t *testing.T) {
		var buf bytes.Buffer
		h := NewOutputHandler("sing-box", NewLoggerWithWriter(&buf, "text", "debug"), true)
		h.HandleLine("INFO started")
		if !strings.Contains(buf.String(), "INFO started") {
			t.Error("verbose handler dropped an info line")
		}
	})
}

func TestOutputHandler_StripsANSIAndBlank(t *testing.T) {
	var buf bytes.Buffer
	h := NewOutputHandler("sing-box", NewLoggerWithWriter(&buf, "text", "debug"), true)
	h.HandleLine("\x1b[31mERROR\x1b[0m boom\r")
	h.HandleLine("   ")

	lines := h.RecentLines(5)
	if len(lines) != 1 || lines[0] != "ERROR boom" {
		t.Errorf("RecentLines() = %q", lines)
	}
}

func TestOutputHandler_Truncation(t *testing.T) {
	var buf bytes.Buffer
	h := NewOutputHandler("sing-box", NewLoggerWithWriter(&buf, "text", "debug"), false)
	h.HandleLine(strings.Repeat("x", MaxLineLength+100))

	lines := h.RecentLines(1)
	if len(lines) != 1 || !strings.HasSuffix(lines[0], "...(truncated)") {
		t.Errorf("line not truncated: len=%d", len(lines[0]))
	}
}

func TestOutputHandler_RecentLines(t *testing.T) {
	var buf bytes.Buffer
	h := NewOutputHandler("sing-box", NewLoggerWithWriter(&buf, "text", "debug"), false)

	if got := h.RecentLines(10); len(got) != 0 {
		t.Errorf("empty handler returned %v", got)
	}

	for i := 0; i < 5; i++ {
		h.HandleLine("line" + string(rune('0'+i)))
	}
	lines := h.RecentLines(3)
	if len(lines) != 3 || lines[0] != "line2" || lines[2] != "line4" {
		t.Errorf("RecentLines(3) = %v", lines)
	}
	if got := h.RecentLines(100); len(got) != 5 {
		t.Errorf("RecentLines(100) returned %d lines, want 5", len(got))
	}
}

func TestOutputHandler_RingWraps(t *testing.T) {
	var buf bytes.Buffer
	h := NewOutputHandler("sing-box", NewLoggerWithWriter(&buf, "text", "debug"), false)
	for i := 0; i < MaxBufferedLines+10; i++ {
		h.HandleLine(strings.Repeat("y", i+1))
	}
	lines := h.RecentLines(MaxBufferedLines + 10)
	if len(lines) != MaxBufferedLines {
		t.Fatalf("got %d lines, want %d", len(lines), MaxBufferedLines)
	}
	if last := lines[len(lines)-1]; len(last) != MaxBufferedLines+10 {
		t.Errorf("last line length = %d", len(last))
	}
}

func TestOutputHandler_HandleReader(t *testing.T) {
	var buf bytes.Buffer
	h := NewOutputHandler("sing-box", NewLoggerWithWriter(&buf, "text", "debug"), false)
	h.HandleReader(strings.NewReader("one\ntwo\n\nthree"))
	if got := h.RecentLines(10); len(got) != 3 {
		t.Errorf("RecentLines() = %v", got)
	}
}

func TestOutputHandler_HandleReaderLongLine(t *testing.T) {
	var buf bytes.Buffer
	h := NewOutputHandler("sing-box", NewLoggerWithWriter(&buf, "text", "debug"), false)

	long := strings.Repeat("a", 3*MaxLineLength+17)
	exact := strings.Repeat("b", MaxLineLength)
	input := long + "\n" + exact + "\nafter\n"
	r := strings.NewReader(input)
	h.HandleReader(r)

	if r.Len() != 0 {
		t.Errorf("%d bytes left unread", r.Len())
	}
	lines := h.RecentLines(10)
	if len(lines) != 3 {
		t.Fatalf("RecentLines() = %d lines, want 3", len(lines))
	}
	if lines[0] != strings.Repeat("a", MaxLineLength)+"...(truncated)" {
		t.Errorf("long line: len=%d suffix ok=%v", len(lines[0]), strings.HasSuffix(lines[0], "...(truncated)"))
	}
	if lines[1] != exact {
		t.Errorf("line of exactly MaxLineLength was altered: len=%d", len(lines[1]))
	}
	if lines[2] != "after" {
		t.Errorf("line after long line = %q", lines[2])
	}
}

func TestOutputHandler_CountErrors(t *testing.T) {
	var buf bytes.Buffer
	h := NewOutputHandler("sing-box", NewLoggerWithWriter(&buf, "text", "debug"), false)
	h.HandleLine("ERROR listen tcp 127.0.0.1:2080: bind: Address already in use")
	h.HandleLine("ERROR dial tcp: connection refused")
	h.HandleLine("ERROR dial tcp: connection refused again")
	h.HandleLine("INFO fine")

	counts := h.CountErrors()
	if counts["address already in use"] != 1 {
		t.Errorf("address in use = %d", counts["address already in use"])
	}
	if counts["connection refused"] != 2 {
		t.Errorf("connection refused = %d", counts["connection refused"])
	}
}

func TestOutputHandler_Concurrent(t *testing.T) {
	var buf syncBuffer
	h := NewOutputHandler("sing-box", NewLoggerWithWriter(&buf, "text", "debug"), true)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			h.HandleLine("WARN concurrent line")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = h.RecentLines(10)
			_ = h.CountErrors()
		}
	}()
	wg.Wait()
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}
