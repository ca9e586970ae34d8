package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Validate enforces the relay configuration rules.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validateServer(&cfg.Server); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}
	if err := validateDevice(&cfg.Device); err != nil {
		return fmt.Errorf("device validation failed: %w", err)
	}
	if err := validateTiming(&cfg.Timing); err != nil {
		return fmt.Errorf("timing validation failed: %w", err)
	}
	if err := validateUplink(&cfg.Uplink); err != nil {
		return fmt.Errorf("uplink validation failed: %w", err)
	}
	if cfg.Joystick.MaxRate <= 0 || cfg.Joystick.Burst < 1 {
		return fmt.Errorf("joystick validation failed: max-rate must be positive and burst at least 1")
	}
	if cfg.Broker.Listen != "" {
		if _, _, err := net.SplitHostPort(cfg.Broker.Listen); err != nil {
			return fmt.Errorf("broker validation failed: listen %q: %w", cfg.Broker.Listen, err)
		}
	}
	if cfg.Audit.Enabled && cfg.Audit.Path == "" {
		return fmt.Errorf("audit validation failed: path is required when enabled")
	}
	if errs := cfg.Log.Validate(); len(errs) > 0 {
		return fmt.Errorf("log validation failed: %w", errors.Join(errs...))
	}

	return nil
}

func validateServer(s *ServerConfig) error {
	if s.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if _, _, err := net.SplitHostPort(s.Addr); err != nil {
		return fmt.Errorf("addr %q: %w", s.Addr, err)
	}
	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown-timeout must be positive, got %v", s.ShutdownTimeout)
	}
	return nil
}

func validateDevice(d *DeviceConfig) error {
	if d.BaseAddress == "" {
		return fmt.Errorf("base-address is required")
	}
	u, err := url.Parse(d.BaseAddress)
	if err != nil || u.Host == "" {
		return fmt.Errorf("base-address %q is not an absolute URL", d.BaseAddress)
	}
	if d.TelemetrySource != "" {
		if u, err := url.Parse(d.TelemetrySource); err != nil || u.Host == "" {
			return fmt.Errorf("telemetry-source %q is not an absolute URL", d.TelemetrySource)
		}
	}
	if d.TelemetryPort < 1 || d.TelemetryPort > 65535 {
		return fmt.Errorf("telemetry-port must be in [1,65535], got %d", d.TelemetryPort)
	}
	return nil
}

func validateTiming(t *TimingConfig) error {
	if t.CommandTimeout <= 0 {
		return fmt.Errorf("command-timeout must be positive, got %v", t.CommandTimeout)
	}
	if t.RepeatInterval < 10*time.Millisecond {
		return fmt.Errorf("repeat-interval must be at least 10ms, got %v", t.RepeatInterval)
	}
	if t.HubSendTimeout <= 0 {
		return fmt.Errorf("hub-send-timeout must be positive, got %v", t.HubSendTimeout)
	}
	if t.SubscriberBuffer < 1 {
		return fmt.Errorf("subscriber-buffer must be at least 1, got %d", t.SubscriberBuffer)
	}
	if t.HistorySize < 1 {
		return fmt.Errorf("history-size must be at least 1, got %d", t.HistorySize)
	}
	if t.PingInterval <= 0 || t.PongTimeout <= t.PingInterval {
		return fmt.Errorf("pong-timeout (%v) must exceed a positive ping-interval (%v)", t.PongTimeout, t.PingInterval)
	}
	if t.KeepAliveInterval <= 0 {
		return fmt.Errorf("keep-alive-interval must be positive, got %v", t.KeepAliveInterval)
	}
	return nil
}

func validateUplink(u *UplinkConfig) error {
	if u.DialTimeout <= 0 {
		return fmt.Errorf("dial-timeout must be positive, got %v", u.DialTimeout)
	}
	if u.BackoffInitial <= 0 {
		return fmt.Errorf("backoff-initial must be positive, got %v", u.BackoffInitial)
	}
	if u.BackoffMax < u.BackoffInitial {
		return fmt.Errorf("backoff-max (%v) must not be below backoff-initial (%v)", u.BackoffMax, u.BackoffInitial)
	}
	if u.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff-multiplier must be at least 1, got %v", u.BackoffMultiplier)
	}
	return nil
}
