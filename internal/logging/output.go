package logging

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a single log line before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the number of recent lines kept for exit reports.
	MaxBufferedLines = 50

	truncatedSuffix = "...(truncated)"
)

// ansiEscape matches terminal color sequences sing-box emits when forced to.
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// OutputHandler consumes a child process's stderr. Lines are re-logged
// through slog at a level derived from their content and the most recent
// ones are kept in a ring buffer for crash reports.
type OutputHandler struct {
	process string
	logger  *slog.Logger
	verbose bool

	mu     sync.Mutex
	buffer []string
	bufIdx int
	count  int
}

// NewOutputHandler creates a handler for the named process.
func NewOutputHandler(process string, logger *slog.Logger, verbose bool) *OutputHandler {
	return &OutputHandler{
		process: process,
		logger:  logger,
		verbose: verbose,
		buffer:  make([]string, MaxBufferedLines),
	}
}

// HandleReader reads r line by line until EOF. Lines longer than
// MaxLineLength are truncated and the remainder discarded; the reader is
// always drained so the writer never blocks or sees a closed pipe.
// This should be run in a goroutine.
func (h *OutputHandler) HandleReader(r io.Reader) {
	br := bufio.NewReaderSize(r, MaxLineLength)
	line := make([]byte, 0, MaxLineLength)
	truncated := false

	for {
		chunk, err := br.ReadSlice('\n')
		if err == nil {
			chunk = chunk[:len(chunk)-1]
		}
		if room := MaxLineLength - len(line); len(chunk) > room {
			line = append(line, chunk[:room]...)
			truncated = true
		} else {
			line = append(line, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if err == nil || len(line) > 0 {
			text := string(line)
			if truncated {
				text += truncatedSuffix
			}
			h.HandleLine(text)
		}
		if err != nil {
			break
		}
		line = line[:0]
		truncated = false
	}

	_, _ = io.Copy(io.Discard, br)
}

// HandleLine processes a single line of output.
func (h *OutputHandler) HandleLine(line string) {
	line = strings.TrimRight(ansiEscape.ReplaceAllString(line, ""), " \r")
	if line == "" {
		return
	}
	if len(line) > MaxLineLength && !strings.HasSuffix(line, truncatedSuffix) {
		line = line[:MaxLineLength] + truncatedSuffix
	}

	h.mu.Lock()
	h.buffer[h.bufIdx] = line
	h.bufIdx = (h.bufIdx + 1) % MaxBufferedLines
	h.count++
	h.mu.Unlock()

	level := classifyLine(line)
	if !h.verbose && level < slog.LevelWarn {
		return
	}
	h.logger.Log(context.Background(), level, "process_output",
		"process", h.process,
		"line", line,
	)
}

// classifyLine maps a sing-box log line to a slog level.
// sing-box prefixes lines with TRACE/DEBUG/INFO/WARN/ERROR/FATAL/PANIC.
func classifyLine(line string) slog.Level {
	upper := strings.ToUpper(line)

	switch {
	case strings.Contains(upper, "FATAL"), strings.Contains(upper, "PANIC"):
		return slog.LevelError
	case strings.Contains(upper, "ERROR"):
		return slog.LevelWarn
	case strings.Contains(upper, "WARN"):
		return slog.LevelWarn
	default:
		return slog.LevelDebug
	}
}

// RecentLines returns up to n of the most recent lines, oldest first.
func (h *OutputHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}
	if n > h.count {
		n = h.count
	}

	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		lines = append(lines, h.buffer[idx])
	}
	return lines
}

// ErrorPatterns are failure signatures counted for exit reports.
var ErrorPatterns = []string{
	"address already in use",
	"connection refused",
	"i/o timeout",
	"no route to host",
	"decode config",
	"permission denied",
	"authentication failed",
}

// CountErrors counts occurrences of ErrorPatterns in the buffered lines.
func (h *OutputHandler) CountErrors() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	counts := make(map[string]int)
	for _, line := range h.buffer {
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		for _, pattern := range ErrorPatterns {
			if strings.Contains(lower, pattern) {
				counts[pattern]++
			}
		}
	}
	return counts
}
