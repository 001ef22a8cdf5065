package netquality

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Prober performs the raw network measurements the estimator aggregates.
type Prober interface {
	// Probe performs one minimal round trip and returns its latency.
	Probe(ctx context.Context) (time.Duration, error)

	// Throughput estimates downlink throughput in kbps via a timed
	// small-payload transfer.
	Throughput(ctx context.Context) (float64, error)
}

// HTTPProber measures against HTTP endpoints: a minimal-response URL for
// latency and a small-payload URL for throughput.
type HTTPProber struct {
	probeURL      string
	throughputURL string
	httpClient    *http.Client
	logger        *slog.Logger
}

// HTTPProberOption configures an HTTPProber.
type HTTPProberOption func(*HTTPProber)

// NewHTTPProber creates an HTTP prober. throughputURL may be empty, in
// which case Throughput times a repeat fetch of the probe URL.
func NewHTTPProber(probeURL, throughputURL string, opts ...HTTPProberOption) *HTTPProber {
	p := &HTTPProber{
		probeURL:      probeURL,
		throughputURL: throughputURL,
		httpClient: &http.Client{
			Timeout: 2 * time.Second,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// WithProbeTimeout sets the per-probe HTTP timeout.
func WithProbeTimeout(d time.Duration) HTTPProberOption {
	return func(p *HTTPProber) {
		p.httpClient.Timeout = d
	}
}

// WithProbeLogger sets the logger.
func WithProbeLogger(logger *slog.Logger) HTTPProberOption {
	return func(p *HTTPProber) {
		p.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) HTTPProberOption {
	return func(p *HTTPProber) {
		p.httpClient = hc
	}
}

// Probe performs one round trip against the probe URL.
func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.probeURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	// Drain the (minimal) body so the round trip is complete.
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return 0, err
	}

	return time.Since(start), nil
}

// Throughput times a small-payload transfer and returns kbps.
func (p *HTTPProber) Throughput(ctx context.Context) (float64, error) {
	url := p.throughputURL
	if url == "" {
		url = p.probeURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build throughput request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return 0, err
	}

	elapsed := time.Since(start)
	if elapsed <= 0 || n == 0 {
		return 0, fmt.Errorf("throughput sample too small: %d bytes in %v", n, elapsed)
	}

	bits := float64(n) * 8
	return bits / elapsed.Seconds() / 1000, nil
}
