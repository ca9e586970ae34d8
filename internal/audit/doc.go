// Package audit implements the append-only audit log of control actions.
//
// Every relayed command, stop, mode change, endpoint change and joystick frame is
// written as one JSON line carrying the request id, target device, action, outcome and
// latency. Files are rotated by size with lumberjack.
package audit
