package uplink

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTDialer subscribes to mqtt:// and tcp:// telemetry sources. The URL path names the
// topic, e.g. mqtt://broker:1883/rover/telemetry.
type MQTTDialer struct {
	clientID string
	qos      byte
}

// NewMQTTDialer returns a dialer whose client IDs start with clientID.
func NewMQTTDialer(clientID string) *MQTTDialer {
	return &MQTTDialer{clientID: clientID}
}

// Dial implements Dialer.
func (d *MQTTDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	topic := strings.TrimPrefix(u.Path, "/")
	if topic == "" {
		return nil, fmt.Errorf("mqtt telemetry source %q names no topic", addr)
	}

	c := &mqttConn{
		frames: make(chan []byte, 64),
		done:   make(chan struct{}),
	}

	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + u.Host).
		SetClientID(fmt.Sprintf("%s-%s", d.clientID, uuid.NewString()[:8])).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) { c.fail(err) })
	if u.User != nil {
		password, _ := u.User.Password()
		opts.SetUsername(u.User.Username()).SetPassword(password)
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts.SetConnectTimeout(time.Until(deadline))
	}

	c.client = mqtt.NewClient(opts)
	if err := wait(ctx, c.client.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", u.Host, err)
	}

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		c.deliver(msg.Payload())
	}
	if err := wait(ctx, c.client.Subscribe(topic, d.qos, handler)); err != nil {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	return c, nil
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

type mqttConn struct {
	client mqtt.Client
	frames chan []byte

	mu   sync.Mutex
	err  error
	done chan struct{}
	once sync.Once
}

func (c *mqttConn) deliver(payload []byte) {
	frame := append([]byte(nil), payload...)
	select {
	case c.frames <- frame:
	case <-c.done:
	}
}

func (c *mqttConn) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

// Read returns the next message published on the topic.
func (c *mqttConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *mqttConn) Close() error {
	c.fail(fmt.Errorf("mqtt connection closed"))
	if c.client.IsConnected() {
		c.client.Disconnect(250)
	}
	return nil
}
