// Package main implements the rover-relay entry point.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/rover-control/relay/cmd/rover-relay/internal/drive"
	"github.com/rover-control/relay/cmd/rover-relay/internal/serve"
	"github.com/rover-control/relay/cmd/rover-relay/internal/simulate"
	"github.com/rover-control/relay/cmd/rover-relay/internal/version"
)

// NewRoverRelayCommand builds the root command.
func NewRoverRelayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rover-relay",
		Short:         "Command and telemetry relay for a remote rover",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.AddCommand(
		serve.NewServeCommand(),
		simulate.NewSimulateCommand(),
		drive.NewDriveCommand(),
		version.NewVersionCommand(),
	)
	return cmd
}

func main() {
	if err := NewRoverRelayCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
