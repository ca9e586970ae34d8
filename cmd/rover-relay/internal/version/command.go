package version

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X github.com/rover-control/relay/cmd/rover-relay/internal/version.Version=..."
var (
	Version   = "dev"
	GitCommit string
	BuildTime string
)

// String returns the version with the commit when known.
func String() string {
	v := Version
	if GitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", GitCommit)
	}
	return v
}

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Aliases: []string{"v"},
		Short:   "Show version information",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rover-relay %s\n", String())
			if BuildTime != "" {
				fmt.Fprintf(out, "  Build: %s\n", BuildTime)
			}
			fmt.Fprintf(out, "  Go: %s\n", runtime.Version())
		},
	}
}
