// Package api implements the relay's control-plane HTTP gateway.
//
// The gateway translates JSON requests into orchestrator calls and exposes the telemetry
// feed as a websocket controller session, a read-only SSE stream and a recent-history
// snapshot. Every error leaves through ToAPIError so status codes and the
// {error, code} envelope are decided in one place.
package api
