package api

import (
	"github.com/rover-control/relay/internal/command"
	"github.com/rover-control/relay/internal/endpoint"
	"github.com/rover-control/relay/internal/telemetry"
	"github.com/rover-control/relay/internal/uplink"
)

// OrchestratorPort defines what the API needs from the command orchestrator.
type OrchestratorPort = command.OrchestratorPort

// EndpointReader exposes the current device endpoints.
type EndpointReader interface {
	Current() endpoint.Config
}

// UplinkStatus reports the telemetry uplink state.
type UplinkStatus interface {
	State() string
}

// HistoryReader serves the relay's recent-history window.
type HistoryReader interface {
	Snapshot() []telemetry.Event
	After(lastID int64) []telemetry.Event
}

// Compile-time assertions for port conformance
var _ OrchestratorPort = (*command.Orchestrator)(nil)
var _ EndpointReader = (*endpoint.Registry)(nil)
var _ UplinkStatus = (*uplink.Supervisor)(nil)
var _ HistoryReader = (*telemetry.History)(nil)
