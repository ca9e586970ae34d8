package config

import (
	"time"

	"github.com/rover-control/relay/internal/log"
)

// Config is the complete relay configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Device   DeviceConfig   `mapstructure:"device"`
	Timing   TimingConfig   `mapstructure:"timing"`
	Uplink   UplinkConfig   `mapstructure:"uplink"`
	Joystick JoystickConfig `mapstructure:"joystick"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Log      log.Options    `mapstructure:"log"`
}

// ServerConfig configures the control-plane HTTP listener.
// There is no write timeout: realtime sessions and SSE streams are long-lived.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read-header-timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle-timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown-timeout"`
}

// DeviceConfig is the initial device endpoint and the telemetry derivation convention.
type DeviceConfig struct {
	BaseAddress     string `mapstructure:"base-address"`
	TelemetrySource string `mapstructure:"telemetry-source"`
	CameraStreamURL string `mapstructure:"camera-stream-url"`

	// TelemetryPort and TelemetryPath derive a telemetry source from a base address.
	TelemetryPort int    `mapstructure:"telemetry-port"`
	TelemetryPath string `mapstructure:"telemetry-path"`
}

// TimingConfig groups every timing constraint of the relay.
type TimingConfig struct {
	// Upper bound for one device call.
	CommandTimeout time.Duration `mapstructure:"command-timeout"`

	// Re-emission period of a held continuous command.
	RepeatInterval time.Duration `mapstructure:"repeat-interval"`

	// Upper bound for delivering one event to one observer.
	HubSendTimeout   time.Duration `mapstructure:"hub-send-timeout"`
	SubscriberBuffer int           `mapstructure:"subscriber-buffer"`

	// Recent-history window kept by an observer.
	HistorySize int `mapstructure:"history-size"`

	// SSE comment keep-alive period.
	KeepAliveInterval time.Duration `mapstructure:"keep-alive-interval"`

	// Realtime session ping period and read deadline.
	PingInterval time.Duration `mapstructure:"ping-interval"`
	PongTimeout  time.Duration `mapstructure:"pong-timeout"`
}

// UplinkConfig configures the telemetry uplink and its reconnect policy.
type UplinkConfig struct {
	Reconnect         bool          `mapstructure:"reconnect"`
	DialTimeout       time.Duration `mapstructure:"dial-timeout"`
	BackoffInitial    time.Duration `mapstructure:"backoff-initial"`
	BackoffMax        time.Duration `mapstructure:"backoff-max"`
	BackoffMultiplier float64       `mapstructure:"backoff-multiplier"`
	MQTTClientID      string        `mapstructure:"mqtt-client-id"`
}

// JoystickConfig limits the per-session joystick frame rate.
type JoystickConfig struct {
	MaxRate float64 `mapstructure:"max-rate"`
	Burst   int     `mapstructure:"burst"`
}

// BrokerConfig enables the embedded MQTT broker when Listen is set.
type BrokerConfig struct {
	Listen string `mapstructure:"listen"`
}

// AuditConfig configures the rotated JSONL audit trail.
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max-size-mb"`
	MaxBackups int    `mapstructure:"max-backups"`
	MaxAgeDays int    `mapstructure:"max-age-days"`
}

// Defaults returns the baseline configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":3000",
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Device: DeviceConfig{
			BaseAddress:     "http://192.168.4.1",
			CameraStreamURL: "http://192.168.4.1:81/stream",
			TelemetryPort:   82,
			TelemetryPath:   "/telemetry",
		},
		Timing: TimingConfig{
			CommandTimeout:    5 * time.Second,
			RepeatInterval:    200 * time.Millisecond,
			HubSendTimeout:    100 * time.Millisecond,
			SubscriberBuffer:  64,
			HistorySize:       50,
			KeepAliveInterval: 15 * time.Second,
			PingInterval:      30 * time.Second,
			PongTimeout:       60 * time.Second,
		},
		Uplink: UplinkConfig{
			Reconnect:         true,
			DialTimeout:       5 * time.Second,
			BackoffInitial:    1 * time.Second,
			BackoffMax:        30 * time.Second,
			BackoffMultiplier: 2.0,
			MQTTClientID:      "rover-relay",
		},
		Joystick: JoystickConfig{
			MaxRate: 20,
			Burst:   1,
		},
		Audit: AuditConfig{
			Enabled:    true,
			Path:       "logs/audit.jsonl",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Log: *log.NewOptions(),
	}
}
