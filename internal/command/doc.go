// Package command implements the command orchestrator for the rover relay.
//
// The orchestrator validates controller intents, records the last accepted command,
// relays the intent to the device through the transport adapter, announces the outcome
// on the telemetry hub, and writes an audit record for every action.
package command
