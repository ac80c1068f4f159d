// Package health checks that the supervised proxy actually forwards traffic.
package health

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/influxdata/tdigest"
	"golang.org/x/net/proxy"
)

// DefaultURL is a well-known endpoint that answers quickly with an empty body.
const DefaultURL = "https://www.google.com/generate_204"

// Options configures a Prober.
type Options struct {
	// ProxyAddr is the SOCKS5 listener of the supervised proxy (host:port).
	ProxyAddr string

	// URL is fetched through the proxy. Defaults to DefaultURL.
	URL string

	Logger *slog.Logger
}

// Stats summarizes probe history.
type Stats struct {
	Count       int64
	Failures    int64
	LastAt      time.Time
	LastOK      bool
	LastLatency time.Duration

	// Latency percentiles over successful probes.
	P50 time.Duration
	P95 time.Duration
}

// Prober performs reachability checks through a SOCKS5 proxy.
// Certificate verification of the probe target is disabled: only
// reachability matters, not trust.
type Prober struct {
	url    string
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	stats   Stats
	latency *tdigest.TDigest
}

// New creates a Prober. It fails only if the proxy address is malformed.
func New(opts Options) (*Prober, error) {
	if _, _, err := net.SplitHostPort(opts.ProxyAddr); err != nil {
		return nil, fmt.Errorf("proxy address %q: %w", opts.ProxyAddr, err)
	}

	dialer, err := proxy.SOCKS5("tcp", opts.ProxyAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %w", err)
	}
	ctxDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer does not support contexts")
	}

	target := opts.URL
	if target == "" {
		target = DefaultURL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	transport := &http.Transport{
		DialContext: ctxDialer.DialContext,
		// #nosec G402 -- reachability probe, the response body is discarded
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		// Every probe opens a fresh tunnel through the proxy.
		DisableKeepAlives: true,
	}

	return &Prober{
		url: target,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger,
		latency: tdigest.NewWithCompression(100),
	}, nil
}

// URL returns the probe target.
func (p *Prober) URL() string { return p.url }

// Probe makes exactly one request through the proxy and reports whether any
// HTTP response arrived before timeout. Every failure collapses to false.
func (p *Prober) Probe(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	ok := p.do(ctx)
	p.record(ok, time.Since(start))
	return ok
}

func (p *Prober) do(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Debug("probe_request_invalid", "url", p.url, "error", err)
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe_failed", "url", p.url, "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	p.logger.Debug("probe_ok", "url", p.url, "status", resp.StatusCode)
	return true
}

func (p *Prober) record(ok bool, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Count++
	p.stats.LastAt = time.Now()
	p.stats.LastOK = ok
	p.stats.LastLatency = latency
	if !ok {
		p.stats.Failures++
		return
	}
	p.latency.Add(latency.Seconds(), 1)
}

// Stats returns a snapshot of probe history.
func (p *Prober) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	if s.Count > s.Failures {
		s.P50 = secondsToDuration(p.latency.Quantile(0.50))
		s.P95 = secondsToDuration(p.latency.Quantile(0.95))
	}
	return s
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
