package command

import (
	"context"
	"errors"
	"time"

	"github.com/rover-control/relay/internal/endpoint"
)

// OrchestratorPort defines the interface the API and controller sessions need from the
// orchestrator.
type OrchestratorPort interface {
	IssueCommand(ctx context.Context, cmd Command) error
	IssueStop(ctx context.Context) error
	SetMode(ctx context.Context, mode string) error
	ReconfigureEndpoint(ctx context.Context, base, telemetrySource string) (endpoint.Config, error)
	RelayJoystick(ctx context.Context, frame Joystick) error
	LastCommand() LastCommand
}

// AuditLogger interface for writing audit records.
type AuditLogger interface {
	LogAction(ctx context.Context, action string, target string, result string, latency time.Duration)
}

// ErrInvalidCommand indicates a missing or out-of-range field. Such commands are never relayed.
var ErrInvalidCommand = errors.New("INVALID_COMMAND")
