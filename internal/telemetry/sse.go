package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ServeSSE streams hub events to a read-only Server-Sent-Events client until the request
// ends or the hub stops. keepAlive sets the comment ping period.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, keepAlive time.Duration) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	o := h.Subscribe()
	defer h.Unsubscribe(o)

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-o.Done():
			return nil
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return fmt.Errorf("failed to write keep-alive: %w", err)
			}
			flusher.Flush()
		case event := <-o.Events():
			if err := writeSSE(w, event); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: telemetry\ndata: %s\n\n", event.ID, data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}
