// Package broker embeds an MQTT broker so a rover can publish telemetry to the relay
// host when no external broker exists.
package broker

import (
	"fmt"
	"log/slog"
	"os"

	mqttbroker "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
)

// Broker is an embedded MQTT broker on one TCP listener.
type Broker struct {
	server *mqttbroker.Server
	addr   string
}

// New creates a broker that will listen on addr once started. Every client is allowed.
func New(addr string) (*Broker, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	server := mqttbroker.New(&mqttbroker.Options{
		Logger:       logger.With(slog.String("component", "mqtt-broker")),
		InlineClient: true,
	})

	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("failed to add auth hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: addr})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	return &Broker{server: server, addr: addr}, nil
}

// Addr returns the configured listen address.
func (b *Broker) Addr() string {
	return b.addr
}

// Serve starts accepting clients and returns immediately.
func (b *Broker) Serve() error {
	return b.server.Serve()
}

// Publish delivers payload to topic subscribers from inside the broker.
func (b *Broker) Publish(topic string, payload []byte) error {
	return b.server.Publish(topic, payload, false, 0)
}

// Close stops the listener and disconnects all clients.
func (b *Broker) Close() error {
	return b.server.Close()
}
