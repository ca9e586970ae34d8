package simulate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rover-control/relay/internal/devicesim"
	"github.com/rover-control/relay/internal/log"
)

// Options configures the simulated rover.
type Options struct {
	Addr          string
	TelemetryAddr string
	Interval      time.Duration
	MQTT          string
	Fault         string
	RejectStatus  int
	Delay         time.Duration
	Log           *log.Options
}

// NewOptions returns the defaults: the device on :8081 with its telemetry feed on the same port.
func NewOptions() *Options {
	return &Options{
		Addr:         ":8081",
		Interval:     time.Second,
		RejectStatus: http.StatusServiceUnavailable,
		Log:          log.NewOptions(),
	}
}

// NewSimulateCommand returns the command that runs an in-memory rover.
func NewSimulateCommand() *cobra.Command {
	o := NewOptions()

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a simulated rover for bench testing",
		Long: `Run an in-memory rover that accepts /move, /mode and /stop, and pushes telemetry
frames over a websocket feed and optionally an MQTT topic. Point the relay's
device.base-address at it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Run(ctx, o)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&o.Addr, "addr", o.Addr, "Address of the device command API.")
	fs.StringVar(&o.TelemetryAddr, "telemetry-addr", o.TelemetryAddr, "Separate address for the websocket telemetry feed, e.g. :82. Empty serves it on --addr.")
	fs.DurationVar(&o.Interval, "interval", o.Interval, "Telemetry frame period.")
	fs.StringVar(&o.MQTT, "mqtt", o.MQTT, "Also publish telemetry to mqtt://host:port/topic.")
	fs.StringVar(&o.Fault, "fault", o.Fault, "Inject a command fault: Reject or Drop.")
	fs.IntVar(&o.RejectStatus, "reject-status", o.RejectStatus, "HTTP status returned by the Reject fault.")
	fs.DurationVar(&o.Delay, "delay", o.Delay, "Delay before answering each command.")
	o.Log.AddFlags(fs)
	return cmd
}

// Validate checks the flag combination.
func (o *Options) Validate() error {
	switch o.Fault {
	case devicesim.FaultNone, devicesim.FaultReject, devicesim.FaultDrop:
	default:
		return fmt.Errorf("unknown fault %q: want %s or %s", o.Fault, devicesim.FaultReject, devicesim.FaultDrop)
	}
	if o.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", o.Interval)
	}
	if errs := o.Log.Validate(); len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Run serves the simulated rover until ctx is cancelled.
func Run(ctx context.Context, o *Options) error {
	if err := o.Validate(); err != nil {
		return err
	}
	logger, err := log.NewLogger(o.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.WithName("devicesim")

	opts := []devicesim.Option{
		devicesim.WithTelemetryInterval(o.Interval),
		devicesim.WithLogger(logger),
	}
	if o.MQTT != "" {
		pub, err := devicesim.NewPublisher(o.MQTT, "rover-sim", logger)
		if err != nil {
			return err
		}
		opts = append(opts, devicesim.WithPublisher(pub))
	}
	sim := devicesim.New(opts...)
	if o.Fault != devicesim.FaultNone {
		sim.SetFault(o.Fault, o.RejectStatus)
	}
	sim.SetDelay(o.Delay)

	servers := []*http.Server{{Addr: o.Addr, Handler: sim.Handler(), ReadHeaderTimeout: 10 * time.Second}}
	if o.TelemetryAddr != "" {
		servers = append(servers, &http.Server{Addr: o.TelemetryAddr, Handler: sim.TelemetryHandler(), ReadHeaderTimeout: 10 * time.Second})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sim.Run(gctx)
	})
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			logger.Info("simulated rover listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("failed to serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("shutdown incomplete", "addr", srv.Addr, "error", err.Error())
			}
		}
		return nil
	})
	return g.Wait()
}
