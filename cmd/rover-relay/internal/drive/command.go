package drive

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rover-control/relay/internal/client"
	"github.com/rover-control/relay/internal/command"
	"github.com/rover-control/relay/internal/endpoint"
	"github.com/rover-control/relay/internal/movement"
	"github.com/rover-control/relay/internal/telemetry"
)

const usage = `keys: w forward, s backward, a left, d right, x stop
      auto | manual          switch drive mode
      connect <base> [src]   point the relay at another rover
      status                 show relay status
      q                      quit`

// Remote is the part of the relay client the driver uses.
type Remote interface {
	movement.Issuer
	SetMode(ctx context.Context, mode string) error
	Connect(ctx context.Context, base, telemetrySource string) (endpoint.Config, error)
	Status(ctx context.Context) (client.Status, error)
}

var keyKinds = map[string]command.Kind{
	"w": command.KindMoveForward,
	"s": command.KindMoveBackward,
	"a": command.KindTurnLeft,
	"d": command.KindTurnRight,
}

// NewDriveCommand returns an interactive line-based controller for a running relay.
func NewDriveCommand() *cobra.Command {
	var (
		relay  string
		repeat time.Duration
		watch  bool
	)

	cmd := &cobra.Command{
		Use:   "drive",
		Short: "Drive the rover through a running relay from the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client.New(relay)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d := NewDriver(c, repeat, cmd.OutOrStdout())
			defer d.Close()

			if watch {
				sess, err := c.Dial(ctx)
				if err != nil {
					return err
				}
				defer sess.Close()
				go d.Watch(ctx, sess.Events())
			}
			return d.Run(ctx, cmd.InOrStdin())
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&relay, "relay", "http://localhost:3000", "Base URL of the relay control plane.")
	fs.DurationVar(&repeat, "repeat", 200*time.Millisecond, "Resend period of a held movement.")
	fs.BoolVar(&watch, "watch", true, "Print relay telemetry while driving.")
	return cmd
}

// Driver maps input lines to relay calls. A movement key starts a held movement that
// repeats until x, another movement key or quit.
type Driver struct {
	remote Remote
	ctrl   *movement.Controller

	outMu sync.Mutex
	out   io.Writer
}

// NewDriver creates a driver writing feedback to out.
func NewDriver(remote Remote, repeat time.Duration, out io.Writer) *Driver {
	return &Driver{
		remote: remote,
		ctrl:   movement.NewController(remote, repeat),
		out:    out,
	}
}

// Close ends any held movement.
func (d *Driver) Close() {
	d.ctrl.Close()
}

// Run reads lines from in until q, EOF or ctx ends. A held movement is stopped on the way out.
func (d *Driver) Run(ctx context.Context, in io.Reader) error {
	d.printf("%s\n", usage)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	defer func() {
		if _, held := d.ctrl.Active(); held {
			_ = d.ctrl.End(context.Background())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := d.Handle(ctx, line); quit {
				return nil
			}
		}
	}
}

// Handle executes one input line and reports whether the driver should quit.
func (d *Driver) Handle(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	var err error
	switch key := strings.ToLower(fields[0]); key {
	case "q", "quit", "exit":
		return true
	case "w", "s", "a", "d":
		err = d.ctrl.Begin(ctx, keyKinds[key])
	case "x", "stop":
		err = d.ctrl.End(ctx)
	case "auto":
		err = d.remote.SetMode(ctx, command.ModeAutonomous)
	case "manual":
		err = d.remote.SetMode(ctx, command.ModeManual)
	case "connect":
		if len(fields) < 2 {
			d.printf("usage: connect <base> [telemetry-source]\n")
			return false
		}
		src := ""
		if len(fields) > 2 {
			src = fields[2]
		}
		var cfg endpoint.Config
		cfg, err = d.remote.Connect(ctx, fields[1], src)
		if err == nil {
			d.printf("device %s, telemetry %s\n", cfg.DeviceBaseAddress, cfg.TelemetrySourceAddress)
		}
	case "status":
		var st client.Status
		st, err = d.remote.Status(ctx)
		if err == nil {
			d.printf("%s: last command %s, uplink %s, device %s\n",
				st.Status, orNone(st.LastCommand), st.UplinkState, st.DeviceBaseAddress)
		}
	case "help", "?":
		d.printf("%s\n", usage)
	default:
		d.printf("unknown input %q, type help\n", key)
	}

	if err != nil {
		d.printf("error: %v\n", err)
	}
	return false
}

// Watch prints events until the channel closes or ctx ends.
func (d *Driver) Watch(ctx context.Context, events <-chan telemetry.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			d.printf("[%s] %s\n", e.Origin, e.Message)
		}
	}
}

func (d *Driver) printf(format string, args ...any) {
	d.outMu.Lock()
	defer d.outMu.Unlock()
	fmt.Fprintf(d.out, format, args...)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
