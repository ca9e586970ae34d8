package serve

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/rover-control/relay/internal/adapter"
	"github.com/rover-control/relay/internal/api"
	"github.com/rover-control/relay/internal/audit"
	"github.com/rover-control/relay/internal/broker"
	"github.com/rover-control/relay/internal/command"
	"github.com/rover-control/relay/internal/config"
	"github.com/rover-control/relay/internal/endpoint"
	"github.com/rover-control/relay/internal/log"
	"github.com/rover-control/relay/internal/metrics"
	"github.com/rover-control/relay/internal/session"
	"github.com/rover-control/relay/internal/telemetry"
	"github.com/rover-control/relay/internal/uplink"
	"github.com/rover-control/relay/cmd/rover-relay/internal/version"
)

// Run builds every component from cfg and serves until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
	}
	return RunListener(ctx, cfg, ln)
}

// RunListener is Run on an existing listener. The listener is closed on return.
func RunListener(ctx context.Context, cfg *config.Config, ln net.Listener) error {
	// Step 1: Initialize logging
	logger, err := log.NewLogger(&cfg.Log)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log.SetStd(logger)
	logger.Info("starting rover relay", "version", version.String())

	// Step 2: Initialize metrics and the telemetry hub
	m := metrics.New()
	hub := telemetry.NewHub(&cfg.Timing, telemetry.WithMetrics(m), telemetry.WithLogger(logger))
	logger.Debug("telemetry hub initialized")

	// Step 3: Initialize the audit log
	var auditLogger *audit.Logger
	if cfg.Audit.Enabled {
		auditLogger, err = audit.NewLogger(&cfg.Audit)
		if err != nil {
			hub.Stop()
			_ = ln.Close()
			return fmt.Errorf("failed to initialize audit logger: %w", err)
		}
		defer func() {
			if err := auditLogger.Close(); err != nil {
				logger.Error(err, "failed to close audit log")
			}
		}()
		logger.Debug("audit logger initialized", "path", auditLogger.GetFilePath())
	}

	// Step 4: Resolve device endpoints
	endpoints, err := endpoint.NewRegistry(endpoint.Config{
		DeviceBaseAddress:      cfg.Device.BaseAddress,
		TelemetrySourceAddress: cfg.Device.TelemetrySource,
	}, endpoint.Convention{Port: cfg.Device.TelemetryPort, Path: cfg.Device.TelemetryPath})
	if err != nil {
		hub.Stop()
		_ = ln.Close()
		return fmt.Errorf("invalid device endpoints: %w", err)
	}
	current := endpoints.Current()
	logger.Info("device endpoints", "base", current.DeviceBaseAddress, "telemetrySource", current.TelemetrySourceAddress)

	// Step 5: Create the device adapter and command orchestrator
	relayer := adapter.NewHTTPAdapter(endpoints, cfg.Timing.CommandTimeout,
		adapter.WithMetrics(m), adapter.WithLogger(logger))
	orchestrator := command.NewOrchestrator(relayer, endpoints, hub, &cfg.Timing)
	orchestrator.SetMetrics(m)
	orchestrator.SetLogger(logger)
	if auditLogger != nil {
		orchestrator.SetAuditLogger(auditLogger)
	}

	// Step 6: Create the telemetry uplink
	bridge := uplink.NewBridge(hub,
		uplink.WithDialer("mqtt", uplink.NewMQTTDialer(cfg.Uplink.MQTTClientID)),
		uplink.WithDialer("tcp", uplink.NewMQTTDialer(cfg.Uplink.MQTTClientID)),
		uplink.WithDialTimeout(cfg.Uplink.DialTimeout),
		uplink.WithMetrics(m),
		uplink.WithLogger(logger),
	)
	supervisor := uplink.NewSupervisor(bridge, endpoints, &cfg.Uplink,
		uplink.WithSupervisorMetrics(m), uplink.WithSupervisorLogger(logger))

	// Step 7: Start the embedded broker when configured
	var mqttBroker *broker.Broker
	if cfg.Broker.Listen != "" {
		mqttBroker, err = broker.New(cfg.Broker.Listen)
		if err != nil {
			hub.Stop()
			_ = ln.Close()
			return fmt.Errorf("failed to create MQTT broker: %w", err)
		}
		if err := mqttBroker.Serve(); err != nil {
			hub.Stop()
			_ = ln.Close()
			return fmt.Errorf("failed to start MQTT broker: %w", err)
		}
		defer func() { _ = mqttBroker.Close() }()
		logger.Info("embedded MQTT broker listening", "addr", mqttBroker.Addr())
	}

	// Step 8: Create the API server with all components
	history := telemetry.NewHistory(cfg.Timing.HistorySize)
	sessions := session.NewHandler(hub, orchestrator, &cfg.Timing, &cfg.Joystick,
		session.WithMetrics(m), session.WithLogger(logger))
	server := api.NewServer(&cfg.Server, hub, orchestrator, endpoints,
		api.WithHistory(history),
		api.WithSessions(sessions),
		api.WithUplink(supervisor),
		api.WithMetrics(m),
		api.WithLogger(logger),
		api.WithCameraStreamURL(cfg.Device.CameraStreamURL),
		api.WithKeepAlive(cfg.Timing.KeepAliveInterval),
	)

	// Step 9: Serve until cancelled
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		telemetry.Record(gctx, hub, history)
		return nil
	})
	g.Go(func() error {
		return supervisor.Run(gctx)
	})
	g.Go(func() error {
		return server.Serve(ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Stopping the hub first ends realtime sessions and SSE streams so Shutdown can drain.
		hub.Stop()
		logger.Debug("telemetry hub stopped")
		if err := server.Stop(shutdownCtx); err != nil {
			return err
		}
		logger.Debug("HTTP server stopped")
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(err, "relay stopped with error")
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
