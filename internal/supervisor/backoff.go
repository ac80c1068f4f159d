package supervisor

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig holds the configuration for the restart cooldown.
type BackoffConfig struct {
	Initial    time.Duration // first cooldown (default: 2s)
	Max        time.Duration // cooldown ceiling (default: 30s)
	Multiplier float64       // growth per consecutive unhealthy restart (default: 2)
	JitterPct  float64       // jitter as a fraction of the delay (default: 0.2 = ±10%)
}

// DefaultBackoffConfig returns the default cooldown settings.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    2 * time.Second,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		JitterPct:  0.2,
	}
}

// Backoff calculates exponential cooldown delays with jitter.
// It is not safe for concurrent use; the supervisor calls it under its lock.
type Backoff struct {
	config   BackoffConfig
	attempts int
	rng      *rand.Rand
}

// NewBackoff creates a Backoff whose jitter sequence is fixed by seed.
func NewBackoff(seed int64, cfg BackoffConfig) *Backoff {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	return &Backoff{
		config: cfg,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Next returns the next cooldown and increments the attempt counter.
func (b *Backoff) Next() time.Duration {
	delay := b.Calculate()
	b.attempts++
	return delay
}

// Calculate returns the current cooldown without incrementing attempts.
func (b *Backoff) Calculate() time.Duration {
	delay := float64(b.config.Initial) * math.Pow(b.config.Multiplier, float64(b.attempts))

	if delay > float64(b.config.Max) {
		delay = float64(b.config.Max)
	}

	// ±(JitterPct/2) of the delay
	if b.config.JitterPct > 0 {
		jitterRange := delay * b.config.JitterPct
		delay += jitterRange*b.rng.Float64() - jitterRange/2
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Reset resets the attempt counter to zero.
func (b *Backoff) Reset() {
	b.attempts = 0
}

// Attempts returns the current attempt count.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// BackoffResetThreshold is the healthy uptime after which the cooldown
// sequence starts over.
const BackoffResetThreshold = 30 * time.Second

// ShouldReset reports whether an instance has been up long enough to be
// considered stable.
func ShouldReset(uptime time.Duration) bool {
	return uptime >= BackoffResetThreshold
}
