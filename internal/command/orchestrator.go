package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rover-control/relay/internal/adapter"
	"github.com/rover-control/relay/internal/config"
	"github.com/rover-control/relay/internal/endpoint"
	"github.com/rover-control/relay/internal/log"
	"github.com/rover-control/relay/internal/metrics"
	"github.com/rover-control/relay/internal/telemetry"
)

// Audit results.
const (
	ResultSuccess   = "SUCCESS"
	ResultInvalid   = "INVALID_COMMAND"
	ResultCancelled = "CANCELLED"
)

// Orchestrator routes validated controller intents to the device.
type Orchestrator struct {
	// Southbound transport
	relayer adapter.Relayer

	// Current device endpoints
	endpoints *endpoint.Registry

	// Telemetry hub for outcome announcements
	telemetryHub *telemetry.Hub

	// Per-call timeout
	config *config.TimingConfig

	auditLogger AuditLogger
	metrics     *metrics.Metrics
	logger      log.Logger

	last atomic.Pointer[LastCommand]
}

// Compile-time assertion that Orchestrator implements OrchestratorPort
var _ OrchestratorPort = (*Orchestrator)(nil)

// NewOrchestrator creates a new command orchestrator.
func NewOrchestrator(relayer adapter.Relayer, endpoints *endpoint.Registry, telemetryHub *telemetry.Hub, timingConfig *config.TimingConfig) *Orchestrator {
	return &Orchestrator{
		relayer:      relayer,
		endpoints:    endpoints,
		telemetryHub: telemetryHub,
		config:       timingConfig,
		logger:       log.NewNopLogger(),
	}
}

// SetAuditLogger sets the audit logger.
func (o *Orchestrator) SetAuditLogger(logger AuditLogger) {
	o.auditLogger = logger
}

// SetMetrics sets the metrics sink.
func (o *Orchestrator) SetMetrics(m *metrics.Metrics) {
	o.metrics = m
}

// SetLogger sets the operational logger.
func (o *Orchestrator) SetLogger(l log.Logger) {
	o.logger = l.WithName("command")
}

// LastCommand returns the most recently accepted command.
func (o *Orchestrator) LastCommand() LastCommand {
	if l := o.last.Load(); l != nil {
		return *l
	}
	return LastCommand{}
}

func (o *Orchestrator) accept(kind Kind) {
	o.last.Store(&LastCommand{Kind: kind, At: time.Now().UTC()})
}

type movePayload struct {
	Command    Kind            `json:"command"`
	Speed      *float64        `json:"speed,omitempty"`
	Direction  json.RawMessage `json:"direction,omitempty"`
	Vector     *Vector         `json:"vector,omitempty"`
	Continuous bool            `json:"continuous"`
	Timestamp  int64           `json:"timestamp"`
}

type modePayload struct {
	Mode      string `json:"mode"`
	Command   Kind   `json:"command"`
	Timestamp int64  `json:"timestamp"`
}

type stopPayload struct {
	Command   Kind  `json:"command"`
	Timestamp int64 `json:"timestamp"`
}

type joystickPayload struct {
	Command   Kind     `json:"command"`
	Speed     float64  `json:"speed"`
	Vector    Vector   `json:"vector"`
	Angle     *float64 `json:"angle,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// IssueCommand validates cmd, records it as the last command and relays it to the
// endpoint implied by its kind. The last command is kept even when the relay fails.
func (o *Orchestrator) IssueCommand(ctx context.Context, cmd Command) error {
	start := time.Now()

	if err := cmd.Validate(); err != nil {
		o.logAudit(ctx, "issueCommand", ResultInvalid, time.Since(start))
		o.metrics.CommandHandled(metricKind(cmd.Kind), "invalid")
		return err
	}

	o.accept(cmd.Kind)

	issuedAt := cmd.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now()
	}
	ts := issuedAt.UnixMilli()

	var (
		path    string
		payload any
	)
	switch {
	case cmd.Kind == KindStop:
		path, payload = adapter.PathStop, stopPayload{Command: KindStop, Timestamp: ts}
	case cmd.Kind.IsMode():
		path, payload = adapter.PathMode, modePayload{Mode: modeName(cmd.Kind), Command: cmd.Kind, Timestamp: ts}
	default:
		path, payload = adapter.PathMove, movePayload{
			Command:    cmd.Kind,
			Speed:      cmd.Speed,
			Direction:  cmd.Direction,
			Vector:     cmd.Vector,
			Continuous: cmd.Continuous,
			Timestamp:  ts,
		}
	}

	err := o.relay(ctx, path, payload)
	latency := time.Since(start)

	if o.abandoned(ctx, "issueCommand", metricKind(cmd.Kind), err, latency) {
		return err
	}
	if err != nil {
		o.logAudit(ctx, "issueCommand", resultOf(err), latency)
		o.metrics.CommandHandled(metricKind(cmd.Kind), "error")
		o.publishFailure(fmt.Sprintf("Failed to relay %s: %v", cmd.Kind, err))
		return err
	}

	o.logAudit(ctx, "issueCommand", ResultSuccess, latency)
	o.metrics.CommandHandled(metricKind(cmd.Kind), "success")
	o.publishSystem(fmt.Sprintf("Relayed %s to device", cmd.Kind))
	return nil
}

// IssueStop records STOP and makes a single relay attempt to the stop endpoint.
func (o *Orchestrator) IssueStop(ctx context.Context) error {
	start := time.Now()
	o.accept(KindStop)

	err := o.relay(ctx, adapter.PathStop, stopPayload{Command: KindStop, Timestamp: time.Now().UnixMilli()})
	latency := time.Since(start)

	if o.abandoned(ctx, "stop", string(KindStop), err, latency) {
		return err
	}
	if err != nil {
		o.logAudit(ctx, "stop", resultOf(err), latency)
		o.metrics.CommandHandled(string(KindStop), "error")
		o.publishFailure(fmt.Sprintf("Emergency stop failed: %v", err))
		return err
	}

	o.logAudit(ctx, "stop", ResultSuccess, latency)
	o.metrics.CommandHandled(string(KindStop), "success")
	o.publishSystem("Emergency stop relayed to device")
	return nil
}

// SetMode switches the device between MANUAL and AUTONOMOUS.
func (o *Orchestrator) SetMode(ctx context.Context, mode string) error {
	start := time.Now()

	kind, err := ModeKind(strings.TrimSpace(mode))
	if err != nil {
		o.logAudit(ctx, "setMode", ResultInvalid, time.Since(start))
		o.metrics.CommandHandled("MODE", "invalid")
		return err
	}
	mode = modeName(kind)
	o.accept(kind)

	err = o.relay(ctx, adapter.PathMode, modePayload{Mode: mode, Command: kind, Timestamp: time.Now().UnixMilli()})
	latency := time.Since(start)

	if o.abandoned(ctx, "setMode", string(kind), err, latency) {
		return err
	}
	if err != nil {
		o.logAudit(ctx, "setMode", resultOf(err), latency)
		o.metrics.CommandHandled(string(kind), "error")
		o.publishFailure(fmt.Sprintf("Failed to set mode %s: %v", mode, err))
		return err
	}

	o.logAudit(ctx, "setMode", ResultSuccess, latency)
	o.metrics.CommandHandled(string(kind), "success")
	o.publishSystem(fmt.Sprintf("Mode set to %s", mode))
	return nil
}

// ReconfigureEndpoint points the relay at a new device. When telemetrySource is empty it is
// derived from base. Calls already in flight keep their old target.
func (o *Orchestrator) ReconfigureEndpoint(ctx context.Context, base, telemetrySource string) (endpoint.Config, error) {
	start := time.Now()

	if strings.TrimSpace(base) == "" {
		o.logAudit(ctx, "connect", ResultInvalid, time.Since(start))
		return endpoint.Config{}, fmt.Errorf("%w: deviceBaseAddress is required", ErrInvalidCommand)
	}

	cfg, err := o.endpoints.Replace(base, telemetrySource)
	if err != nil {
		o.logAudit(ctx, "connect", "INVALID_ADDRESS", time.Since(start))
		return endpoint.Config{}, err
	}

	o.logAudit(ctx, "connect", ResultSuccess, time.Since(start))
	o.logger.Info("device endpoint replaced", "base", cfg.DeviceBaseAddress, "telemetry", cfg.TelemetrySourceAddress)

	src := cfg.TelemetrySourceAddress
	if src == "" {
		src = "none"
	}
	o.publishSystem(fmt.Sprintf("Device endpoint set to %s (telemetry %s)", cfg.DeviceBaseAddress, src))
	return cfg, nil
}

// RelayJoystick forwards an analog stick frame to the move endpoint. Only failures are
// announced; a successful frame would flood the feed.
func (o *Orchestrator) RelayJoystick(ctx context.Context, frame Joystick) error {
	start := time.Now()

	if err := frame.Validate(); err != nil {
		o.metrics.CommandHandled(string(KindJoystick), "invalid")
		return err
	}
	o.accept(KindJoystick)

	err := o.relay(ctx, adapter.PathMove, joystickPayload{
		Command:   KindJoystick,
		Speed:     frame.Speed,
		Vector:    frame.Vector,
		Angle:     frame.Angle,
		Timestamp: time.Now().UnixMilli(),
	})
	latency := time.Since(start)

	if o.abandoned(ctx, "joystick", string(KindJoystick), err, latency) {
		return err
	}
	if err != nil {
		o.logAudit(ctx, "joystick", resultOf(err), latency)
		o.metrics.CommandHandled(string(KindJoystick), "error")
		o.publishFailure(fmt.Sprintf("Joystick relay failed: %v", err))
		return err
	}

	o.logAudit(ctx, "joystick", ResultSuccess, latency)
	o.metrics.CommandHandled(string(KindJoystick), "success")
	return nil
}

// relay executes one bounded device call and normalizes its error. When the caller
// cancels ctx the call is abandoned rather than failed, and ctx.Err() is returned as is.
func (o *Orchestrator) relay(ctx context.Context, path string, payload any) error {
	callCtx, cancel := context.WithTimeout(ctx, o.config.CommandTimeout)
	defer cancel()

	if _, err := o.relayer.Relay(callCtx, path, payload); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			o.logger.Debug("device relay abandoned by caller", "path", path)
			return ctx.Err()
		}
		err = adapter.Normalize(path, err)
		o.logger.Warn("device relay failed", "path", path, "error", err.Error())
		return err
	}
	return nil
}

// abandoned records a call the caller cancelled before the device answered. Such a call
// is neither a device failure nor announced on the feed.
func (o *Orchestrator) abandoned(ctx context.Context, action, kind string, err error, latency time.Duration) bool {
	if err == nil || !errors.Is(err, context.Canceled) || !errors.Is(ctx.Err(), context.Canceled) {
		return false
	}
	o.logAudit(ctx, action, ResultCancelled, latency)
	o.metrics.CommandHandled(kind, "cancelled")
	return true
}

// publishSystem publishes an informational system event.
func (o *Orchestrator) publishSystem(message string) {
	if o.telemetryHub == nil {
		return // Skip if no telemetry hub
	}
	if err := o.telemetryHub.Publish(telemetry.System(message)); err != nil {
		o.logger.Debug("telemetry publish skipped", "error", err.Error())
	}
}

// publishFailure publishes a system event describing a failure.
func (o *Orchestrator) publishFailure(message string) {
	if o.telemetryHub == nil {
		return // Skip if no telemetry hub
	}
	if err := o.telemetryHub.Publish(telemetry.SystemError(message)); err != nil {
		o.logger.Debug("telemetry publish skipped", "error", err.Error())
	}
}

// logAudit logs an audit record for a command action against the current device.
func (o *Orchestrator) logAudit(ctx context.Context, action, result string, latency time.Duration) {
	if o.auditLogger != nil {
		o.auditLogger.LogAction(ctx, action, o.endpoints.DeviceBase(), result, latency)
	}
}

// resultOf maps a relay error to its audit result code.
func resultOf(err error) string {
	switch {
	case errors.Is(err, adapter.ErrDeviceRejected):
		return adapter.ErrDeviceRejected.Error()
	case errors.Is(err, adapter.ErrDeviceUnreachable):
		return adapter.ErrDeviceUnreachable.Error()
	default:
		return "ERROR"
	}
}

// metricKind keeps the kind label bounded: free-text kinds share one series.
func metricKind(k Kind) string {
	if k.Known() {
		return string(k)
	}
	return "OTHER"
}
