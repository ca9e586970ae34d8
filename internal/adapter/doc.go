// Package adapter relays command payloads to the rover's HTTP control endpoints.
//
// An adapter makes exactly one bounded-time attempt per call. Retry policy belongs to the
// caller because some commands (STOP) must never be replayed with a stale timestamp.
// Failures are normalized to ErrDeviceUnreachable or ErrDeviceRejected.
package adapter
