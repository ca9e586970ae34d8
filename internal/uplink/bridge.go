package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/looplab/fsm"

	"github.com/rover-control/relay/internal/log"
	"github.com/rover-control/relay/internal/metrics"
	"github.com/rover-control/relay/internal/telemetry"
)

// Bridge states and events.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"

	EventDial  = "dial"
	EventOpen  = "open"
	EventClose = "close"
)

// Announcements published on the hub.
const (
	MessageConnected = "Connected to device telemetry uplink."
)

var (
	// ErrMalformedFrame marks an inbound frame that is not JSON. It is announced, never fatal.
	ErrMalformedFrame = errors.New("MALFORMED_UPLINK_FRAME")

	// ErrDialFailed wraps failures to establish the connection.
	ErrDialFailed = errors.New("uplink dial failed")

	// ErrUnsupportedScheme is returned for addresses no dialer handles.
	ErrUnsupportedScheme = errors.New("unsupported telemetry source scheme")
)

// Conn is one established uplink connection.
type Conn interface {
	// Read blocks for the next frame.
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens an uplink connection to addr.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// Publisher is the part of the hub the bridge needs.
type Publisher interface {
	Publish(event telemetry.Event) error
}

// Bridge relays one device telemetry connection onto the hub.
type Bridge struct {
	hub         Publisher
	dialers     map[string]Dialer
	dialTimeout time.Duration

	metrics *metrics.Metrics
	logger  log.Logger

	fsm *fsm.FSM
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithDialer registers d for a URL scheme, replacing any default.
func WithDialer(scheme string, d Dialer) Option {
	return func(b *Bridge) { b.dialers[scheme] = d }
}

// WithDialTimeout bounds connection establishment.
func WithDialTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.dialTimeout = d }
}

// WithMetrics records connection state and frame outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithLogger sets the bridge logger.
func WithLogger(l log.Logger) Option {
	return func(b *Bridge) { b.logger = l.WithName("uplink") }
}

// NewBridge creates a disconnected bridge. ws and wss addresses use a websocket dialer,
// mqtt and tcp addresses an MQTT subscriber.
func NewBridge(hub Publisher, opts ...Option) *Bridge {
	ws := NewWebSocketDialer()
	mq := NewMQTTDialer("rover-relay")
	b := &Bridge{
		hub: hub,
		dialers: map[string]Dialer{
			"ws":   ws,
			"wss":  ws,
			"mqtt": mq,
			"tcp":  mq,
		},
		dialTimeout: 5 * time.Second,
		logger:      log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.fsm = fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: EventDial, Src: []string{StateDisconnected}, Dst: StateConnecting},
			{Name: EventOpen, Src: []string{StateConnecting}, Dst: StateConnected},
			{Name: EventClose, Src: []string{StateConnecting, StateConnected}, Dst: StateDisconnected},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				b.logger.Debug("uplink state changed", "from", e.Src, "to", e.Dst)
			},
			"enter_" + StateConnected: func(_ context.Context, _ *fsm.Event) {
				b.metrics.SetUplinkConnected(true)
			},
			"leave_" + StateConnected: func(_ context.Context, _ *fsm.Event) {
				b.metrics.SetUplinkConnected(false)
			},
		},
	)
	return b
}

// State returns the current connection state.
func (b *Bridge) State() string {
	return b.fsm.Current()
}

// Run connects to addr and relays frames until the connection ends or ctx is done.
// It returns nil only when ctx ended the connection. Dial failures wrap ErrDialFailed.
func (b *Bridge) Run(ctx context.Context, addr string) error {
	u, err := url.Parse(addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedScheme, err)
	}
	dialer, ok := b.dialers[u.Scheme]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	b.transition(EventDial)

	dialCtx, cancel := context.WithTimeout(ctx, b.dialTimeout)
	conn, err := dialer.Dial(dialCtx, addr)
	cancel()
	if err != nil {
		b.transition(EventClose)
		if ctx.Err() != nil {
			return nil
		}
		b.publish(telemetry.SystemError(fmt.Sprintf("Device telemetry uplink error: %v", err)))
		return fmt.Errorf("%w: %s: %v", ErrDialFailed, addr, err)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	b.transition(EventOpen)
	b.logger.Info("uplink connected", "addr", addr)
	b.publish(telemetry.System(MessageConnected))

	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			b.transition(EventClose)
			if ctx.Err() != nil {
				b.publish(telemetry.System("Device telemetry uplink closed: relay disconnected"))
				return nil
			}
			b.publish(telemetry.SystemError(fmt.Sprintf("Device telemetry uplink closed: %v", err)))
			return fmt.Errorf("uplink %s closed: %w", addr, err)
		}
		b.handleFrame(frame)
	}
}

func (b *Bridge) handleFrame(frame []byte) {
	var decoded any
	if err := json.Unmarshal(frame, &decoded); err != nil {
		b.metrics.UplinkFrame("malformed")
		b.logger.Warn("malformed uplink frame", "error", fmt.Errorf("%w: %v", ErrMalformedFrame, err).Error())
		b.publish(telemetry.SystemError(fmt.Sprintf("Malformed device telemetry: %s", frame)))
		return
	}

	b.metrics.UplinkFrame("ok")
	var message string
	if fields, ok := decoded.(map[string]any); ok {
		message, _ = fields["message"].(string)
	}
	b.publish(telemetry.Device(message, append([]byte(nil), frame...)))
}

// transition ignores the caller's context so shutdown still lands in disconnected.
func (b *Bridge) transition(event string) {
	if err := b.fsm.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			b.logger.Error(err, "uplink transition failed", "event", event)
		}
	}
}

func (b *Bridge) publish(event telemetry.Event) {
	if b.hub == nil {
		return
	}
	if err := b.hub.Publish(event); err != nil {
		b.logger.Debug("telemetry publish skipped", "error", err.Error())
	}
}
