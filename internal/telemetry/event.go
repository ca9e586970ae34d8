package telemetry

import (
	"encoding/json"
	"time"
)

// Origin identifies where an event came from.
type Origin string

const (
	OriginSystem     Origin = "system"
	OriginDevice     Origin = "device"
	OriginController Origin = "controller"
)

// Level separates failure lines from success lines on the feed.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Event is a single telemetry line. Origin is serialized as "type".
type Event struct {
	ID        int64           `json:"id,omitempty"`
	Origin    Origin          `json:"type"`
	Level     Level           `json:"level,omitempty"`
	Message   string          `json:"message"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// System builds an informational system event.
func System(message string) Event {
	return Event{Origin: OriginSystem, Level: LevelInfo, Message: message}
}

// SystemError builds a system event describing a failure.
func SystemError(message string) Event {
	return Event{Origin: OriginSystem, Level: LevelError, Message: message}
}

// Device builds a device-origin event carrying the raw frame.
func Device(message string, frame []byte) Event {
	return Event{Origin: OriginDevice, Level: LevelInfo, Message: message, Payload: json.RawMessage(frame)}
}

// Controller builds a controller-origin event.
func Controller(message string, payload json.RawMessage) Event {
	return Event{Origin: OriginController, Level: LevelInfo, Message: message, Payload: payload}
}

// IsFailure reports whether the event describes a failure.
func (e Event) IsFailure() bool {
	return e.Level == LevelError
}
