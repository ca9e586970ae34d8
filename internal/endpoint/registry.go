package endpoint

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrInvalidAddress indicates a missing or unusable endpoint address.
var ErrInvalidAddress = errors.New("INVALID_ADDRESS")

// Config is the device endpoint pair. An empty TelemetrySourceAddress disables the uplink.
type Config struct {
	DeviceBaseAddress      string `json:"deviceBaseAddress"`
	TelemetrySourceAddress string `json:"telemetrySourceAddress"`
}

// Convention derives a telemetry source from a device base: same host, fixed port and path.
type Convention struct {
	Port int
	Path string
}

// DefaultConvention is ws://<host>:82/telemetry.
var DefaultConvention = Convention{Port: 82, Path: "/telemetry"}

// Derive returns the telemetry source for base. https bases derive a wss source.
func (c Convention) Derive(base string) (string, error) {
	u, err := parseBase(base)
	if err != nil {
		return "", err
	}

	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	p := c.Path
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	derived := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(u.Hostname(), strconv.Itoa(c.Port)),
		Path:   p,
	}
	return derived.String(), nil
}

// Registry owns the current Config.
type Registry struct {
	current    atomic.Pointer[Config]
	convention Convention

	mu       sync.Mutex
	watchers []func(Config)
}

// NewRegistry validates initial and stores it. The initial telemetry source is taken as
// given; derivation only applies to Replace.
func NewRegistry(initial Config, convention Convention) (*Registry, error) {
	base, err := NormalizeBase(initial.DeviceBaseAddress)
	if err != nil {
		return nil, err
	}
	src := strings.TrimSpace(initial.TelemetrySourceAddress)
	if src != "" {
		if err := checkSource(src); err != nil {
			return nil, err
		}
	}

	r := &Registry{convention: convention}
	r.current.Store(&Config{DeviceBaseAddress: base, TelemetrySourceAddress: src})
	return r, nil
}

// Current returns a copy of the current Config.
func (r *Registry) Current() Config {
	return *r.current.Load()
}

// DeviceBase returns the current device base address.
func (r *Registry) DeviceBase() string {
	return r.current.Load().DeviceBaseAddress
}

// TelemetrySource returns the current telemetry source address, possibly empty.
func (r *Registry) TelemetrySource() string {
	return r.current.Load().TelemetrySourceAddress
}

// Replace swaps in a new Config. When telemetrySource is empty it is derived from base.
// Watchers run synchronously after the swap, in registration order.
func (r *Registry) Replace(base, telemetrySource string) (Config, error) {
	normalized, err := NormalizeBase(base)
	if err != nil {
		return Config{}, err
	}

	src := strings.TrimSpace(telemetrySource)
	if src == "" {
		if src, err = r.convention.Derive(normalized); err != nil {
			return Config{}, err
		}
	} else if err := checkSource(src); err != nil {
		return Config{}, err
	}

	next := &Config{DeviceBaseAddress: normalized, TelemetrySourceAddress: src}
	r.current.Store(next)

	r.mu.Lock()
	watchers := append([]func(Config){}, r.watchers...)
	r.mu.Unlock()
	for _, fn := range watchers {
		fn(*next)
	}

	return *next, nil
}

// Watch registers fn to be called with every replaced Config.
func (r *Registry) Watch(fn func(Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, fn)
}

// NormalizeBase trims whitespace and trailing path slashes and defaults the scheme to http.
func NormalizeBase(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: device base address is required", ErrInvalidAddress)
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}

	u, err := parseBase(s)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String(), nil
}

func parseBase(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q: scheme must be http or https", ErrInvalidAddress, s)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q: missing host", ErrInvalidAddress, s)
	}
	return u, nil
}

func checkSource(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("%w: telemetry source %q: %v", ErrInvalidAddress, s, err)
	}
	switch u.Scheme {
	case "ws", "wss", "mqtt", "tcp":
	default:
		return fmt.Errorf("%w: telemetry source %q: scheme must be ws, wss, mqtt or tcp", ErrInvalidAddress, s)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: telemetry source %q: missing host", ErrInvalidAddress, s)
	}
	return nil
}
