// Package uplink bridges the device's own telemetry feed onto the telemetry hub.
//
// A Bridge runs one connection at a time through a small state machine
// (disconnected, connecting, connected) and never reconnects by itself. The
// Supervisor wraps it with exponential backoff and follows endpoint changes.
package uplink
