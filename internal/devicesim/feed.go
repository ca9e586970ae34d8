package devicesim

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is one telemetry frame as the rover emits it.
type Frame struct {
	Type        string  `json:"type"`
	Message     string  `json:"message"`
	Mode        string  `json:"mode"`
	LastCommand string  `json:"lastCommand"`
	Moving      bool    `json:"moving"`
	Speed       float64 `json:"speed"`
	Vector      Vector  `json:"vector"`
	Battery     float64 `json:"battery"`
	Timestamp   int64   `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type feedClient struct {
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *feedClient) close() {
	c.once.Do(func() { close(c.done) })
}

// feed fans telemetry frames out to websocket clients. A client whose buffer is full
// misses the frame.
type feed struct {
	mu      sync.Mutex
	clients map[*feedClient]struct{}
}

func newFeed() *feed {
	return &feed{clients: make(map[*feedClient]struct{})}
}

func (f *feed) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	c := &feedClient{send: make(chan []byte, 16), done: make(chan struct{})}
	f.mu.Lock()
	f.clients[c] = struct{}{}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.clients, c)
		f.mu.Unlock()
	}()

	// Inbound frames are ignored; a read error ends the client.
	go func() {
		defer c.close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-c.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "simulator stopping"),
				time.Now().Add(time.Second))
			return
		case msg := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (f *feed) broadcast(msg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

func (f *feed) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *feed) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		c.close()
	}
}

// Run emits a telemetry frame every interval until ctx ends, then disconnects every
// telemetry client. Moving drains the battery.
func (s *Simulator) Run(ctx context.Context) error {
	if s.publisher != nil {
		if err := s.publisher.Connect(ctx); err != nil {
			return err
		}
		defer s.publisher.Close()
	}
	defer s.feed.closeAll()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.mu.Lock()
			if s.state.Moving && s.state.Battery > 0 {
				s.state.Battery -= 0.1 * s.state.Speed
				if s.state.Battery < 0 {
					s.state.Battery = 0
				}
			}
			s.mu.Unlock()
			s.emit("Rover telemetry")
		}
	}
}

// Emit pushes a frame carrying message and the current state right away.
func (s *Simulator) Emit(message string) {
	s.emit(message)
}

// EmitRaw pushes raw bytes to every telemetry client, e.g. a malformed frame.
func (s *Simulator) EmitRaw(raw []byte) {
	s.feed.broadcast(raw)
	if s.publisher != nil {
		s.publisher.Publish(raw)
	}
}

func (s *Simulator) emit(message string) {
	st := s.CurrentState()
	msg, err := json.Marshal(Frame{
		Type:        "telemetry",
		Message:     message,
		Mode:        st.Mode,
		LastCommand: st.LastCommand,
		Moving:      st.Moving,
		Speed:       st.Speed,
		Vector:      st.Vector,
		Battery:     st.Battery,
		Timestamp:   time.Now().UnixMilli(),
	})
	if err != nil {
		s.logger.Error(err, "failed to encode telemetry frame")
		return
	}
	s.EmitRaw(msg)
}
