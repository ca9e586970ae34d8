package devicesim

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/rover-control/relay/internal/log"
)

// Publisher mirrors telemetry frames to an MQTT topic. The broker goes in as an
// mqtt://host:port/topic address, the same form the relay's uplink dials.
type Publisher struct {
	broker   string
	topic    string
	clientID string
	logger   log.Logger

	mu     sync.RWMutex
	client mqtt.Client
}

// NewPublisher parses addr into broker and topic.
func NewPublisher(addr, clientID string, logger log.Logger) (*Publisher, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid mqtt address %q: %w", addr, err)
	}
	topic := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || topic == "" {
		return nil, fmt.Errorf("mqtt address %q needs a host and a topic", addr)
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Publisher{
		broker:   "tcp://" + u.Host,
		topic:    topic,
		clientID: clientID,
		logger:   logger,
	}, nil
}

// Topic returns the telemetry topic.
func (p *Publisher) Topic() string { return p.topic }

// Connect connects to the broker. The client reconnects on its own afterwards, and the
// broker announces "offline" on <topic>/status if the simulator disappears.
func (p *Publisher) Connect(ctx context.Context) error {
	statusTopic := p.topic + "/status"
	opts := mqtt.NewClientOptions().
		AddBroker(p.broker).
		SetClientID(p.clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetWill(statusTopic, "offline", 1, true).
		SetOnConnectHandler(func(c mqtt.Client) {
			p.logger.Info("mqtt publisher connected", "broker", p.broker, "topic", p.topic)
			c.Publish(statusTopic, 1, true, "online")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			p.logger.Warn("mqtt publisher disconnected", "error", err.Error())
		})

	client := mqtt.NewClient(opts)
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to connect to %s: %w", p.broker, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish sends payload at QoS 0. Frames published while disconnected are lost.
func (p *Publisher) Publish(payload []byte) {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil || !client.IsConnectionOpen() {
		return
	}
	client.Publish(p.topic, 0, false, payload)
}

// Close disconnects, allowing 250ms for in-flight frames.
func (p *Publisher) Close() {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client != nil {
		client.Disconnect(250)
	}
}
