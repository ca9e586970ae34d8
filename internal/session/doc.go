// Package session serves the real-time controller channel.
//
// Each websocket connection is one controller session. Outbound frames carry the
// telemetry feed; inbound frames carry joystick input, held movement gestures and
// controller telemetry that is rebroadcast to every observer.
package session
