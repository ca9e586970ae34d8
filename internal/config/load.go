package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ROVER_DEVICE_BASE_ADDRESS.
const EnvPrefix = "ROVER"

// legacyEnv maps keys to the environment names the original relay deployment used.
var legacyEnv = map[string]string{
	"device.base-address":      "ESP_HTTP_BASE",
	"device.telemetry-source":  "ESP_WS_URL",
	"device.camera-stream-url": "CAMERA_STREAM_URL",
}

// Load merges Defaults() + optional config file + environment + flags already bound to v.
// An empty path looks for "rover-relay.{yaml,json,toml}" in the working directory and
// /etc/rover-relay, and silently continues when none exists.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	setDefaults(v, Defaults())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envName := EnvPrefix + "_" + strings.NewReplacer(".", "_", "-", "_").Replace(strings.ToUpper(key))
		if err := v.BindEnv(key, envName, legacy); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	if port := os.Getenv("PORT"); port != "" {
		v.SetDefault("server.addr", ":"+port)
	}

	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func readConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName("rover-relay")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/rover-relay")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// setDefaults registers every key so environment overrides resolve during Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.read-header-timeout", d.Server.ReadHeaderTimeout)
	v.SetDefault("server.idle-timeout", d.Server.IdleTimeout)
	v.SetDefault("server.shutdown-timeout", d.Server.ShutdownTimeout)

	v.SetDefault("device.base-address", d.Device.BaseAddress)
	v.SetDefault("device.telemetry-source", d.Device.TelemetrySource)
	v.SetDefault("device.camera-stream-url", d.Device.CameraStreamURL)
	v.SetDefault("device.telemetry-port", d.Device.TelemetryPort)
	v.SetDefault("device.telemetry-path", d.Device.TelemetryPath)

	v.SetDefault("timing.command-timeout", d.Timing.CommandTimeout)
	v.SetDefault("timing.repeat-interval", d.Timing.RepeatInterval)
	v.SetDefault("timing.hub-send-timeout", d.Timing.HubSendTimeout)
	v.SetDefault("timing.subscriber-buffer", d.Timing.SubscriberBuffer)
	v.SetDefault("timing.history-size", d.Timing.HistorySize)
	v.SetDefault("timing.keep-alive-interval", d.Timing.KeepAliveInterval)
	v.SetDefault("timing.ping-interval", d.Timing.PingInterval)
	v.SetDefault("timing.pong-timeout", d.Timing.PongTimeout)

	v.SetDefault("uplink.reconnect", d.Uplink.Reconnect)
	v.SetDefault("uplink.dial-timeout", d.Uplink.DialTimeout)
	v.SetDefault("uplink.backoff-initial", d.Uplink.BackoffInitial)
	v.SetDefault("uplink.backoff-max", d.Uplink.BackoffMax)
	v.SetDefault("uplink.backoff-multiplier", d.Uplink.BackoffMultiplier)
	v.SetDefault("uplink.mqtt-client-id", d.Uplink.MQTTClientID)

	v.SetDefault("joystick.max-rate", d.Joystick.MaxRate)
	v.SetDefault("joystick.burst", d.Joystick.Burst)

	v.SetDefault("broker.listen", d.Broker.Listen)

	v.SetDefault("audit.enabled", d.Audit.Enabled)
	v.SetDefault("audit.path", d.Audit.Path)
	v.SetDefault("audit.max-size-mb", d.Audit.MaxSizeMB)
	v.SetDefault("audit.max-backups", d.Audit.MaxBackups)
	v.SetDefault("audit.max-age-days", d.Audit.MaxAgeDays)

	v.SetDefault("log.name", d.Log.Name)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.enable-color", d.Log.EnableColor)
	v.SetDefault("log.disable-caller", d.Log.DisableCaller)
	v.SetDefault("log.output-paths", d.Log.OutputPaths)
}
