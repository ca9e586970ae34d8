// Package client talks to a running relay over its control plane.
//
// Client implements movement.Issuer, so a movement.Controller can drive a remote relay
// the same way a controller session drives the local orchestrator.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rover-control/relay/internal/adapter"
	"github.com/rover-control/relay/internal/command"
	"github.com/rover-control/relay/internal/endpoint"
	"github.com/rover-control/relay/internal/telemetry"
)

// Error is a non-2xx control-plane answer. It unwraps to the matching relay sentinel so
// callers can use errors.Is with command.ErrInvalidCommand or the adapter codes.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("relay responded %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	switch e.Code {
	case command.ErrInvalidCommand.Error():
		return command.ErrInvalidCommand
	case adapter.ErrDeviceRejected.Error():
		return adapter.ErrDeviceRejected
	case adapter.ErrDeviceUnreachable.Error():
		return adapter.ErrDeviceUnreachable
	}
	return nil
}

// Status is the GET /status answer.
type Status struct {
	Status                 string     `json:"status"`
	LastCommand            string     `json:"lastCommand"`
	LastCommandAt          *time.Time `json:"lastCommandAt,omitempty"`
	DeviceBaseAddress      string     `json:"deviceBaseAddress"`
	TelemetrySourceAddress string     `json:"telemetrySourceAddress"`
	UplinkState            string     `json:"uplinkState"`
}

// Client is a control-plane client.
type Client struct {
	base string
	http *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// New returns a client for the relay at baseURL, e.g. http://localhost:3000.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid relay address %q", baseURL)
	}
	c := &Client{
		base: u.String(),
		http: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the relay address.
func (c *Client) BaseURL() string { return c.base }

// IssueCommand posts cmd to /command.
func (c *Client) IssueCommand(ctx context.Context, cmd command.Command) error {
	return c.do(ctx, http.MethodPost, "/command", cmd, nil)
}

// IssueStop posts to /stop.
func (c *Client) IssueStop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/stop", nil, nil)
}

// SetMode posts mode to /mode.
func (c *Client) SetMode(ctx context.Context, mode string) error {
	return c.do(ctx, http.MethodPost, "/mode", map[string]string{"mode": mode}, nil)
}

// Connect retargets the relay. An empty telemetrySource is derived by the relay.
func (c *Client) Connect(ctx context.Context, base, telemetrySource string) (endpoint.Config, error) {
	req := map[string]string{"deviceBaseAddress": base}
	if telemetrySource != "" {
		req["telemetrySourceAddress"] = telemetrySource
	}
	var out endpoint.Config
	err := c.do(ctx, http.MethodPost, "/connect", req, &out)
	return out, err
}

// Status reads /status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

// Recent reads the relay's recent-history window. after > 0 returns only newer events.
func (c *Client) Recent(ctx context.Context, after int64) ([]telemetry.Event, error) {
	path := "/telemetry/recent"
	if after > 0 {
		path += "?after=" + strconv.FormatInt(after, 10)
	}
	var out struct {
		Events []telemetry.Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Events, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read relay response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if jsonErr := json.Unmarshal(raw, &eb); jsonErr != nil || eb.Code == "" {
			eb.Code = http.StatusText(resp.StatusCode)
			eb.Error = strings.TrimSpace(string(raw))
		}
		return &Error{StatusCode: resp.StatusCode, Code: eb.Code, Message: eb.Error}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode relay response: %w", err)
		}
	}
	return nil
}

// IsDeviceFailure reports whether err is a relay-side device failure, as opposed to a
// rejected request or a transport problem reaching the relay.
func IsDeviceFailure(err error) bool {
	return errors.Is(err, adapter.ErrDeviceRejected) || errors.Is(err, adapter.ErrDeviceUnreachable)
}
