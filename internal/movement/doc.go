// Package movement turns held gestures into a bounded repeat stream of continuous
// commands.
//
// A Controller is either idle or repeating one command kind. While repeating it
// re-emits the command every interval so the device, which reverts to idle when it stops
// hearing from the relay, keeps moving. Ending the gesture always emits exactly one stop.
package movement
