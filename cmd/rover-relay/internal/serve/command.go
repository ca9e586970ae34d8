package serve

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rover-control/relay/internal/config"
	"github.com/rover-control/relay/internal/log"
)

// NewServeCommand returns the command that runs the relay.
func NewServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the command and telemetry relay",
		Long: `Run the relay: the HTTP control plane, the realtime telemetry endpoint and the
device telemetry uplink. Settings come from defaults, an optional config file, ROVER_*
environment variables and the flags below, in increasing precedence.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags(), configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Run(ctx, cfg)
		},
	}

	addFlags(cmd.Flags(), &configPath)
	return cmd
}

func addFlags(fs *pflag.FlagSet, configPath *string) {
	d := config.Defaults()

	fs.StringVarP(configPath, "config", "c", "", "Path to a yaml, json or toml config file.")
	fs.String("server.addr", d.Server.Addr, "Address the control plane listens on.")
	fs.String("device.base-address", d.Device.BaseAddress, "HTTP base address of the rover.")
	fs.String("device.telemetry-source", d.Device.TelemetrySource, "Device telemetry address (ws://, wss://, mqtt:// or tcp://). Empty disables the uplink.")
	fs.String("device.camera-stream-url", d.Device.CameraStreamURL, "Camera stream URL handed to clients.")
	fs.Duration("timing.command-timeout", d.Timing.CommandTimeout, "Deadline for one device call.")
	fs.Bool("uplink.reconnect", d.Uplink.Reconnect, "Reconnect the telemetry uplink with backoff after it drops.")
	fs.String("broker.listen", d.Broker.Listen, "Run an embedded MQTT broker on this address. Empty disables it.")
	fs.Bool("audit.enabled", d.Audit.Enabled, "Write the command audit log.")
	fs.String("audit.path", d.Audit.Path, "Audit log file.")

	logOpts := log.NewOptions()
	logOpts.AddFlags(fs)
}

// loadConfig layers the flags that were set on top of file and environment settings.
func loadConfig(fs *pflag.FlagSet, path string) (*config.Config, error) {
	v := viper.New()
	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(f.Name, f)
	})
	if bindErr != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
	}
	return config.Load(v, path)
}
