package session

import (
	"encoding/json"

	"github.com/rover-control/relay/internal/command"
)

// Frame events.
const (
	EventTelemetry = "telemetry"
	EventJoystick  = "joystick"
	EventMove      = "move"
	EventError     = "error"
)

// Gesture phases.
const (
	PhaseBegin = "begin"
	PhaseEnd   = "end"
)

// Frame is the envelope of every websocket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Gesture starts or ends a held movement command.
type Gesture struct {
	Phase   string       `json:"phase"`
	Command command.Kind `json:"command,omitempty"`
}

// ErrorData is sent to the originating session only.
type ErrorData struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func newFrame(event string, v any) (Frame, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: data}, nil
}
