// Package devicesim provides a simulated rover for development and integration tests.
//
// The simulator accepts the device contract (POST /move, /mode, /stop), keeps the
// resulting drive state in memory and emits periodic JSON telemetry frames to websocket
// clients on /telemetry and, optionally, to an MQTT topic. Faults can be injected to
// exercise the relay's failure paths.
package devicesim
