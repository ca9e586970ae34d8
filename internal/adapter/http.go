package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rover-control/relay/internal/log"
	"github.com/rover-control/relay/internal/metrics"
)

// maxBodyBytes bounds how much of a device response is read.
const maxBodyBytes = 64 << 10

// HTTPAdapter is the Relayer for the rover's HTTP control endpoints.
type HTTPAdapter struct {
	endpoints BaseResolver
	client    *http.Client
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    log.Logger
}

var _ Relayer = (*HTTPAdapter)(nil)

// Option configures an HTTPAdapter.
type Option func(*HTTPAdapter)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *HTTPAdapter) { a.client = c }
}

// WithMetrics records device call latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *HTTPAdapter) { a.metrics = m }
}

// WithLogger sets the adapter logger.
func WithLogger(l log.Logger) Option {
	return func(a *HTTPAdapter) { a.logger = l }
}

// NewHTTPAdapter creates an adapter bounded by timeout per call.
func NewHTTPAdapter(endpoints BaseResolver, timeout time.Duration, opts ...Option) *HTTPAdapter {
	a := &HTTPAdapter{
		endpoints: endpoints,
		client:    &http.Client{},
		timeout:   timeout,
		logger:    log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Relay implements Relayer.
func (a *HTTPAdapter) Relay(ctx context.Context, path string, payload any) (map[string]any, error) {
	start := time.Now()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload for %s: %w", path, err)
	}

	base := a.endpoints.DeviceBase()
	target := strings.TrimRight(base, "/") + path

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, a.fail(path, start, Unreachable(path, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			a.metrics.ObserveDeviceCall(path, "cancelled", time.Since(start))
			return nil, Unreachable(path, ctx.Err())
		}
		return nil, a.fail(path, start, Unreachable(path, err))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, a.fail(path, start, Unreachable(path, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, a.fail(path, start, Rejected(path, resp.StatusCode, string(raw)))
	}

	a.metrics.ObserveDeviceCall(path, "ok", time.Since(start))
	a.logger.Debug("relayed to device", "target", target, "status", resp.StatusCode, "latency", time.Since(start))

	return decodeBody(raw), nil
}

func (a *HTTPAdapter) fail(path string, start time.Time, err *DeviceError) error {
	outcome := "unreachable"
	if err.Status != 0 {
		outcome = "rejected"
	}
	a.metrics.ObserveDeviceCall(path, outcome, time.Since(start))
	a.logger.Warn("device call failed", "path", path, "error", err.Error())
	return err
}

// decodeBody returns the JSON object in raw, or an empty map when raw is empty or not an object.
func decodeBody(raw []byte) map[string]any {
	result := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return result
	}
	if err := json.Unmarshal(raw, &result); err != nil || result == nil {
		return map[string]any{}
	}
	return result
}
