package telemetry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rover-control/relay/internal/config"
)

func TestHistoryEvictsOldest(t *testing.T) {
	h := NewHistory(3)
	for i := 1; i <= 5; i++ {
		h.Add(Event{ID: int64(i), Message: fmt.Sprintf("e%d", i)})
	}

	got := h.Snapshot()
	if len(got) != 3 || h.Len() != 3 || h.Capacity() != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].ID != 3 || got[2].ID != 5 {
		t.Errorf("window = %v..%v, want 3..5", got[0].ID, got[2].ID)
	}
	if after := h.After(4); len(after) != 1 || after[0].ID != 5 {
		t.Errorf("After(4) = %+v", after)
	}
}

func TestHistoryEmptyResultsAreNotNil(t *testing.T) {
	h := NewHistory(3)
	if got := h.Snapshot(); got == nil || len(got) != 0 {
		t.Errorf("Snapshot() on empty history = %#v, want empty slice", got)
	}

	h.Add(Event{ID: 7})
	if got := h.After(7); got == nil || len(got) != 0 {
		t.Errorf("After(latest) = %#v, want empty slice", got)
	}
}

func TestRecordFeedsHistory(t *testing.T) {
	timing := config.Defaults().Timing
	hub := NewHub(&timing)
	defer hub.Stop()

	history := NewHistory(50)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Record(ctx, hub, history)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for hub.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	viewer := hub.Subscribe()
	_ = hub.Publish(System("Relayed MOVE_FORWARD to device"))

	for history.Len() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	snap := history.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("history holds %d events, want 2: %+v", len(snap), snap)
	}
	if snap[0].Message != MessageConnected || snap[1].Message != "Relayed MOVE_FORWARD to device" {
		t.Errorf("unexpected history: %+v", snap)
	}

	// the silent recorder leaving must not be announced
	recv(t, viewer) // own connected
	recv(t, viewer) // relayed
	expectNone(t, viewer)
}
