// Package config holds the relay configuration.
//
// Values are layered: built-in defaults, an optional config file, ROVER_* environment
// variables (plus the legacy PORT, ESP_HTTP_BASE, ESP_WS_URL and CAMERA_STREAM_URL names),
// then command-line flags. The result is validated before any component is built.
package config
