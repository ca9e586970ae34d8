package telemetry

import (
	"context"
	"sync"
)

// History is a bounded window of the most recent events seen by one observer.
type History struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
}

// NewHistory creates a window holding at most capacity events.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{
		events:   make([]Event, 0, capacity),
		capacity: capacity,
	}
}

// Add appends event, evicting the oldest when full.
func (b *History) Add(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events) == b.capacity {
		copy(b.events, b.events[1:])
		b.events = b.events[:len(b.events)-1]
	}
	b.events = append(b.events, event)
}

// Snapshot returns the window, oldest first. It is never nil.
func (b *History) Snapshot() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Event{}, b.events...)
}

// After returns the events with an ID greater than lastID, or an empty slice.
func (b *History) After(lastID int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, e := range b.events {
		if e.ID > lastID {
			result = append(result, e)
		}
	}
	return result
}

// Len returns the number of events held.
func (b *History) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}

// Capacity returns the maximum number of events held.
func (b *History) Capacity() int {
	return b.capacity
}

// Record feeds every event published on hub into history until ctx ends.
// It subscribes silently so the feed does not announce the relay's own observer.
func Record(ctx context.Context, hub *Hub, history *History) {
	o := hub.Subscribe(Silent())
	defer hub.Unsubscribe(o)

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.Done():
			return
		case e := <-o.Events():
			history.Add(e)
		}
	}
}
