package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Addr != ":3000" {
		t.Errorf("Server.Addr = %q, want :3000", cfg.Server.Addr)
	}
	if cfg.Device.BaseAddress != "http://192.168.4.1" {
		t.Errorf("Device.BaseAddress = %q", cfg.Device.BaseAddress)
	}
	if cfg.Device.CameraStreamURL != "http://192.168.4.1:81/stream" {
		t.Errorf("Device.CameraStreamURL = %q", cfg.Device.CameraStreamURL)
	}
	if cfg.Timing.RepeatInterval != 200*time.Millisecond {
		t.Errorf("Timing.RepeatInterval = %v, want 200ms", cfg.Timing.RepeatInterval)
	}
	if cfg.Timing.HubSendTimeout != 100*time.Millisecond {
		t.Errorf("Timing.HubSendTimeout = %v, want 100ms", cfg.Timing.HubSendTimeout)
	}
	if cfg.Timing.HistorySize != 50 {
		t.Errorf("Timing.HistorySize = %d, want 50", cfg.Timing.HistorySize)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
}

func TestValidate_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"missing_addr", func(c *Config) { c.Server.Addr = "" }},
		{"bad_addr", func(c *Config) { c.Server.Addr = "3000" }},
		{"relative_base", func(c *Config) { c.Device.BaseAddress = "192.168.4.1" }},
		{"bad_telemetry_source", func(c *Config) { c.Device.TelemetrySource = "not a url" }},
		{"telemetry_port_range", func(c *Config) { c.Device.TelemetryPort = 70000 }},
		{"zero_command_timeout", func(c *Config) { c.Timing.CommandTimeout = 0 }},
		{"tiny_repeat_interval", func(c *Config) { c.Timing.RepeatInterval = time.Millisecond }},
		{"zero_send_timeout", func(c *Config) { c.Timing.HubSendTimeout = 0 }},
		{"zero_subscriber_buffer", func(c *Config) { c.Timing.SubscriberBuffer = 0 }},
		{"pong_before_ping", func(c *Config) { c.Timing.PongTimeout = c.Timing.PingInterval }},
		{"backoff_max_below_initial", func(c *Config) { c.Uplink.BackoffMax = time.Millisecond }},
		{"joystick_rate", func(c *Config) { c.Joystick.MaxRate = 0 }},
		{"broker_listen", func(c *Config) { c.Broker.Listen = "1883" }},
		{"audit_path", func(c *Config) { c.Audit.Path = "" }},
		{"log_level", func(c *Config) { c.Log.Level = "chatty" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(cfg)
			if err := Validate(cfg); err == nil {
				t.Errorf("Validate() accepted %s", tt.name)
			}
		})
	}
}

func TestValidateNil(t *testing.T) {
	if err := Validate(nil); err == nil {
		t.Error("Validate(nil) should fail")
	}
}
