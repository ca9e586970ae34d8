package telemetry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rover-control/relay/internal/config"
	"github.com/rover-control/relay/internal/log"
	"github.com/rover-control/relay/internal/metrics"
)

// Announcement texts broadcast on observer join and leave.
const (
	MessageConnected    = "Client connected to telemetry channel."
	MessageDisconnected = "Client disconnected from telemetry channel."
)

// ErrStopped is returned by Publish after Stop.
var ErrStopped = errors.New("telemetry hub stopped")

// Observer is one subscription. Consumers read Events until Done is closed.
type Observer struct {
	id     string
	events chan Event
	done   chan struct{}
	once   sync.Once
	silent bool
}

// ID returns the observer identifier.
func (o *Observer) ID() string { return o.id }

// Events delivers events in publication order. The channel is never closed.
func (o *Observer) Events() <-chan Event { return o.events }

// Done is closed when the observer is unsubscribed or the hub stops.
func (o *Observer) Done() <-chan struct{} { return o.done }

func (o *Observer) close() {
	o.once.Do(func() { close(o.done) })
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*Observer)

// Silent suppresses the join and leave announcements, for the relay's own observers.
func Silent() SubscribeOption {
	return func(o *Observer) { o.silent = true }
}

// Hub distributes telemetry events to observers.
//
// LOCK ORDERING:
// 1. publishMu serializes fan-out so every observer sees the same order
// 2. mu protects the observers map and is never held while sending
type Hub struct {
	publishMu sync.Mutex
	mu        sync.RWMutex
	observers map[string]*Observer

	nextID      atomic.Int64
	sendTimeout time.Duration
	bufferSize  int

	metrics *metrics.Metrics
	logger  log.Logger

	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a Hub.
type Option func(*Hub)

// WithMetrics records observer counts and drops.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithLogger sets the hub logger.
func WithLogger(l log.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// NewHub creates a telemetry hub using the send timeout and buffer size from timing.
func NewHub(timing *config.TimingConfig, opts ...Option) *Hub {
	h := &Hub{
		observers:   make(map[string]*Observer),
		sendTimeout: timing.HubSendTimeout,
		bufferSize:  timing.SubscriberBuffer,
		logger:      log.NewNopLogger(),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers an observer and broadcasts the connection announcement, which is
// therefore the first event the new observer receives.
func (h *Hub) Subscribe(opts ...SubscribeOption) *Observer {
	o := &Observer{
		id:     uuid.NewString(),
		events: make(chan Event, h.bufferSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}

	select {
	case <-h.done:
		o.close()
		return o
	default:
	}

	h.mu.Lock()
	h.observers[o.id] = o
	count := len(h.observers)
	h.mu.Unlock()

	h.metrics.SetObservers(count)
	h.logger.Debug("observer subscribed", "observer", o.id, "observers", count)

	if !o.silent {
		_ = h.Publish(System(MessageConnected))
	}
	return o
}

// Unsubscribe deregisters o and announces the disconnect to the remaining observers.
// Unsubscribing twice is a no-op.
func (h *Hub) Unsubscribe(o *Observer) {
	h.mu.Lock()
	_, exists := h.observers[o.id]
	delete(h.observers, o.id)
	count := len(h.observers)
	h.mu.Unlock()

	o.close()
	if !exists {
		return
	}

	h.metrics.SetObservers(count)
	h.logger.Debug("observer unsubscribed", "observer", o.id, "observers", count)

	if !o.silent {
		_ = h.Publish(System(MessageDisconnected))
	}
}

// Publish stamps event and delivers it to every current observer in arrival order.
// Each delivery waits at most the send timeout; a stalled observer misses the event.
func (h *Hub) Publish(event Event) error {
	select {
	case <-h.done:
		return ErrStopped
	default:
	}

	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	event.ID = h.nextID.Add(1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = LevelInfo
	}

	h.mu.RLock()
	observers := make([]*Observer, 0, len(h.observers))
	for _, o := range h.observers {
		observers = append(observers, o)
	}
	h.mu.RUnlock()

	h.metrics.EventPublished(string(event.Origin))

	for _, o := range observers {
		if !h.deliver(o, event) {
			return ErrStopped
		}
	}
	return nil
}

// deliver returns false only when the hub is stopping.
func (h *Hub) deliver(o *Observer, event Event) bool {
	select {
	case o.events <- event:
		return true
	case <-o.done:
		return true
	default:
	}

	timer := time.NewTimer(h.sendTimeout)
	defer timer.Stop()

	select {
	case o.events <- event:
	case <-o.done:
		// Observer left mid-fanout.
	case <-h.done:
		return false
	case <-timer.C:
		h.metrics.EventDropped()
		h.logger.Warn("dropped event for slow observer", "observer", o.id, "event", event.ID)
	}
	return true
}

// Count returns the number of subscribed observers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Stop closes every observer. Publish fails with ErrStopped afterwards.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		for id, o := range h.observers {
			o.close()
			delete(h.observers, id)
		}
		h.mu.Unlock()

		h.metrics.SetObservers(0)
	})
}
