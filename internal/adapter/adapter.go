package adapter

import (
	"context"
)

// Device endpoint paths. These must match the rover firmware exactly.
const (
	PathMove = "/move"
	PathMode = "/mode"
	PathStop = "/stop"
)

// Relayer is the southbound contract used by the command orchestrator.
type Relayer interface {
	// Relay POSTs payload as JSON to path on the current device and returns the decoded
	// response body. An empty or non-JSON 2xx body yields an empty, non-nil map.
	Relay(ctx context.Context, path string, payload any) (map[string]any, error)
}

// BaseResolver yields the device base address current at the time of the call.
type BaseResolver interface {
	DeviceBase() string
}
