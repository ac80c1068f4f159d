// Package timeseries provides time-windowed tracking of probe outcomes.
//
// It keeps cumulative probe counts and derives rolling availability over
// fixed windows (1m, 5m, 15m) from a ring buffer of samples.
//
// Thread-safe: Record uses atomic counters plus a short write lock on the
// ring buffer; Stats takes a read lock.
package timeseries

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// ringBufferSize covers the 15 minute window down to one probe per
	// second; at the default 5s poll interval it holds over an hour.
	ringBufferSize = 900

	window1m  = 1 * time.Minute
	window5m  = 5 * time.Minute
	window15m = 15 * time.Minute
)

// Clock interface for testing with deterministic time.
type Clock interface {
	Now() time.Time
}

// realClock uses time.Now() for production.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// sample is a point-in-time snapshot of the cumulative counters.
type sample struct {
	timestamp time.Time
	total     int64
	ok        int64
}

// AvailabilityTracker tracks probe outcomes and computes the share that
// succeeded over rolling windows.
//
// Usage:
//
//	tracker := NewAvailabilityTracker()
//	tracker.Record(ok) // after every probe
//	stats := tracker.Stats()
type AvailabilityTracker struct {
	total atomic.Int64
	ok    atomic.Int64

	samples  []sample
	writeIdx int
	mu       sync.RWMutex

	startTime time.Time
	clock     Clock
}

// AvailabilityStats holds rolling availability at a point in time. Ratios
// are in [0,1]; a window with no probes reports -1.
type AvailabilityStats struct {
	Total int64
	OK    int64

	Ratio1m  float64
	Ratio5m  float64
	Ratio15m float64
	Overall  float64
}

// NewAvailabilityTracker creates a new tracker with real clock.
func NewAvailabilityTracker() *AvailabilityTracker {
	return NewAvailabilityTrackerWithClock(realClock{})
}

// NewAvailabilityTrackerWithClock creates a tracker with custom clock for testing.
func NewAvailabilityTrackerWithClock(clock Clock) *AvailabilityTracker {
	now := clock.Now()
	t := &AvailabilityTracker{
		samples:   make([]sample, 0, ringBufferSize),
		startTime: now,
		clock:     clock,
	}
	t.samples = append(t.samples, sample{timestamp: now})
	return t
}

// Record counts one probe outcome and stores a sample.
func (t *AvailabilityTracker) Record(ok bool) {
	total := t.total.Add(1)
	okCount := t.ok.Load()
	if ok {
		okCount = t.ok.Add(1)
	}
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	s := sample{timestamp: now, total: total, ok: okCount}
	if len(t.samples) < ringBufferSize {
		t.samples = append(t.samples, s)
	} else {
		// Buffer full - overwrite oldest
		t.samples[t.writeIdx] = s
		t.writeIdx = (t.writeIdx + 1) % ringBufferSize
	}
}

// Stats computes the current availability.
func (t *AvailabilityTracker) Stats() AvailabilityStats {
	now := t.clock.Now()
	total, ok := t.total.Load(), t.ok.Load()

	t.mu.RLock()
	defer t.mu.RUnlock()

	return AvailabilityStats{
		Total:    total,
		OK:       ok,
		Ratio1m:  t.ratioOverWindow(now, total, ok, window1m),
		Ratio5m:  t.ratioOverWindow(now, total, ok, window5m),
		Ratio15m: t.ratioOverWindow(now, total, ok, window15m),
		Overall:  ratio(ok, total),
	}
}

// ratioOverWindow diffs the counters against the newest sample taken at or
// before now-window, falling back to the oldest sample retained.
// Must be called with mu held (at least RLock).
func (t *AvailabilityTracker) ratioOverWindow(now time.Time, total, ok int64, window time.Duration) float64 {
	target := now.Add(-window)

	var base *sample
	for i := range t.samples {
		s := &t.samples[i]
		if s.timestamp.After(target) {
			continue
		}
		if base == nil || !s.timestamp.Before(base.timestamp) {
			base = s
		}
	}
	if base == nil {
		base = t.oldestSample()
	}
	if base == nil {
		return -1
	}
	return ratio(ok-base.ok, total-base.total)
}

// oldestSample returns the oldest sample in the ring buffer.
// Must be called with mu held.
func (t *AvailabilityTracker) oldestSample() *sample {
	if len(t.samples) == 0 {
		return nil
	}
	if len(t.samples) < ringBufferSize {
		return &t.samples[0]
	}
	return &t.samples[t.writeIdx]
}

func ratio(ok, total int64) float64 {
	if total <= 0 {
		return -1
	}
	return float64(ok) / float64(total)
}

// Reset clears all data and restarts tracking.
func (t *AvailabilityTracker) Reset() {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.total.Store(0)
	t.ok.Store(0)
	t.samples = t.samples[:0]
	t.samples = append(t.samples, sample{timestamp: now})
	t.writeIdx = 0
	t.startTime = now
}

// SampleCount returns the number of samples in the ring buffer.
func (t *AvailabilityTracker) SampleCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.samples)
}
