// Package endpoint holds the relay's current device endpoint configuration.
//
// The Registry replaces its Config atomically. Readers always see a complete Config and
// every device call reads the value current at the time of the call.
package endpoint
