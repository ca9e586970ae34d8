package uplink

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rover-control/relay/internal/config"
	"github.com/rover-control/relay/internal/endpoint"
	"github.com/rover-control/relay/internal/log"
	"github.com/rover-control/relay/internal/metrics"
)

// StateDisabled is reported when no telemetry source is configured.
const StateDisabled = "disabled"

// Source yields the current telemetry source and reports replacements.
type Source interface {
	TelemetrySource() string
	Watch(fn func(endpoint.Config))
}

// Supervisor keeps the bridge attached to the current telemetry source. It reconnects
// with exponential backoff when enabled and restarts the bridge when the source changes.
type Supervisor struct {
	bridge   *Bridge
	source   Source
	cfg      config.UplinkConfig
	retarget chan struct{}

	metrics *metrics.Metrics
	logger  log.Logger
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithSupervisorMetrics counts reconnect attempts.
func WithSupervisorMetrics(m *metrics.Metrics) SupervisorOption {
	return func(s *Supervisor) { s.metrics = m }
}

// WithSupervisorLogger sets the supervisor logger.
func WithSupervisorLogger(l log.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = l.WithName("uplink") }
}

// NewSupervisor creates a supervisor and subscribes it to source replacements.
func NewSupervisor(bridge *Bridge, source Source, cfg *config.UplinkConfig, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		bridge:   bridge,
		source:   source,
		cfg:      *cfg,
		retarget: make(chan struct{}, 1),
		logger:   log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	source.Watch(func(endpoint.Config) {
		select {
		case s.retarget <- struct{}{}:
		default:
		}
	})
	return s
}

// State reports the bridge state, or StateDisabled without a telemetry source.
func (s *Supervisor) State() string {
	if s.source.TelemetrySource() == "" {
		return StateDisabled
	}
	return s.bridge.State()
}

// Run supervises the bridge until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		addr := s.source.TelemetrySource()
		if addr == "" {
			s.logger.Info("no telemetry source configured, uplink idle")
			select {
			case <-ctx.Done():
				return nil
			case <-s.retarget:
				continue
			}
		}

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- s.attach(runCtx, addr) }()

		select {
		case <-ctx.Done():
			cancel()
			<-done
			return nil

		case <-s.retarget:
			cancel()
			<-done
			s.logger.Info("telemetry source replaced, restarting uplink", "previous", addr)

		case err := <-done:
			cancel()
			if err != nil {
				s.logger.Error(err, "uplink stopped", "addr", addr)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-s.retarget:
			}
		}
	}
}

// attach runs the bridge against addr, retrying with backoff when reconnect is enabled.
func (s *Supervisor) attach(ctx context.Context, addr string) error {
	if !s.cfg.Reconnect {
		return s.bridge.Run(ctx, addr)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.BackoffInitial
	b.MaxInterval = s.cfg.BackoffMax
	b.Multiplier = s.cfg.BackoffMultiplier
	b.MaxElapsedTime = 0

	operation := func() error {
		err := s.bridge.Run(ctx, addr)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, ErrUnsupportedScheme) {
			return backoff.Permanent(err)
		}
		if !errors.Is(err, ErrDialFailed) {
			// The link was up, so start the next outage from the shortest delay.
			b.Reset()
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		s.metrics.UplinkReconnect()
		s.logger.Warn("uplink lost, reconnecting", "addr", addr, "retryIn", next.String(), "error", err.Error())
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
