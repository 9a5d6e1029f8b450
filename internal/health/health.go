// Package health probes the worker's own readiness endpoint.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/seantiz/openscans/internal/model"
)

const (
	// DefaultTimeout bounds a single probe.
	DefaultTimeout = 2 * time.Second

	// Path is the worker's health endpoint.
	Path = "/api/health"

	// maxBodySize caps how much of the health body is decoded.
	maxBodySize = 64 << 10
)

// ErrUnhealthy is wrapped by every failed probe.
var ErrUnhealthy = errors.New("worker unhealthy")

// Prober performs bounded liveness checks against a worker on the loopback
// interface. It holds no state between probes and is safe for concurrent use.
type Prober struct {
	client *http.Client
	host   string
}

// NewProber creates a prober whose probes give up after timeout.
func NewProber(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{
		client: &http.Client{Timeout: timeout},
		host:   "127.0.0.1",
	}
}

// Probe issues one GET to the health endpoint on the given port. Any transport
// error, timeout or non-2xx status is reported as an error wrapping
// ErrUnhealthy. A healthy worker's body is decoded best-effort.
func (p *Prober) Probe(ctx context.Context, port uint16) (model.HealthInfo, error) {
	start := time.Now()
	info, err := p.probe(ctx, port)
	probeDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		probesTotal.WithLabelValues(resultUnhealthy).Inc()
		return model.HealthInfo{}, err
	}
	probesTotal.WithLabelValues(resultHealthy).Inc()
	return info, nil
}

func (p *Prober) probe(ctx context.Context, port uint16) (model.HealthInfo, error) {
	url := fmt.Sprintf("http://%s:%d%s", p.host, port, Path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.HealthInfo{}, fmt.Errorf("%w: build request: %v", ErrUnhealthy, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return model.HealthInfo{}, fmt.Errorf("%w: %v", ErrUnhealthy, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return model.HealthInfo{}, fmt.Errorf("%w: status %d", ErrUnhealthy, resp.StatusCode)
	}

	var info model.HealthInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&info); err != nil {
		// Readiness is the status code; the body is informational.
		return model.HealthInfo{}, nil
	}
	return info, nil
}
