// Package telemetry implements the relay's in-process telemetry hub.
//
// The hub fans every published event out to all subscribed observers through
// per-observer buffered channels. A delivery that cannot complete within the send
// timeout is dropped for that observer only. The hub itself keeps no history; the
// relay records a bounded History through a silent observer.
package telemetry
