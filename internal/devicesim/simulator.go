package devicesim

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rover-control/relay/internal/log"
)

// Fault injection modes.
const (
	FaultNone   = ""
	FaultReject = "Reject" // answer every command with the configured status
	FaultDrop   = "Drop"   // close the connection without answering
)

// Vector is a joystick direction.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// State is the simulated drive state.
type State struct {
	Mode        string    `json:"mode"`
	LastCommand string    `json:"lastCommand"`
	Moving      bool      `json:"moving"`
	Speed       float64   `json:"speed"`
	Vector      Vector    `json:"vector"`
	Battery     float64   `json:"battery"`
	Commands    int       `json:"commands"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Received is one accepted device call.
type Received struct {
	Path string
	Body map[string]any
	At   time.Time
}

// Simulator is an in-memory rover.
type Simulator struct {
	mu       sync.RWMutex
	state    State
	received []Received

	faultMode    string
	rejectStatus int
	delay        time.Duration

	interval  time.Duration
	feed      *feed
	publisher *Publisher
	logger    log.Logger
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithTelemetryInterval sets the telemetry frame period.
func WithTelemetryInterval(d time.Duration) Option {
	return func(s *Simulator) { s.interval = d }
}

// WithPublisher also publishes telemetry frames over MQTT.
func WithPublisher(p *Publisher) Option {
	return func(s *Simulator) { s.publisher = p }
}

// WithLogger sets the simulator logger.
func WithLogger(l log.Logger) Option {
	return func(s *Simulator) { s.logger = l.WithName("devicesim") }
}

// New creates a simulator in MANUAL mode with a full battery.
func New(opts ...Option) *Simulator {
	s := &Simulator{
		state: State{
			Mode:        "MANUAL",
			LastCommand: "None",
			Battery:     100,
			UpdatedAt:   time.Now().UTC(),
		},
		rejectStatus: http.StatusServiceUnavailable,
		interval:     time.Second,
		feed:         newFeed(),
		logger:       log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the device router.
func (s *Simulator) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.faults)

	r.Post("/move", s.handleMove)
	r.Post("/mode", s.handleMode)
	r.Post("/stop", s.handleStop)
	r.Get("/state", s.handleState)
	r.Get("/telemetry", s.feed.serveWS)
	return r
}

// TelemetryHandler serves only the websocket feed, for a separate telemetry listener.
func (s *Simulator) TelemetryHandler() http.Handler {
	r := chi.NewRouter()
	r.Get("/telemetry", s.feed.serveWS)
	return r
}

// faults applies the injected fault to device commands.
func (s *Simulator) faults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		s.mu.RLock()
		mode, status, delay := s.faultMode, s.rejectStatus, s.delay
		s.mu.RUnlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		switch mode {
		case FaultReject:
			http.Error(w, "simulated rejection", status)
			return
		case FaultDrop:
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					_ = conn.Close()
					return
				}
			}
			http.Error(w, "simulated drop", http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type moveBody struct {
	Command    string   `json:"command"`
	Speed      *float64 `json:"speed"`
	Vector     *Vector  `json:"vector"`
	Continuous bool     `json:"continuous"`
}

func (s *Simulator) handleMove(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	var body moveBody
	if err := json.Unmarshal(mustJSON(raw), &body); err != nil || body.Command == "" {
		http.Error(w, "command is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.record("/move", raw)
	s.state.LastCommand = body.Command
	s.state.Speed = 1
	if body.Speed != nil {
		s.state.Speed = *body.Speed
	}
	s.state.Vector = Vector{}
	if body.Vector != nil {
		s.state.Vector = *body.Vector
	}
	s.state.Moving = s.state.Speed > 0
	s.mu.Unlock()

	s.ack(w, fmt.Sprintf("Executing %s", body.Command))
}

func (s *Simulator) handleMode(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	mode, _ := raw["mode"].(string)
	if mode != "MANUAL" && mode != "AUTONOMOUS" {
		http.Error(w, fmt.Sprintf("unknown mode %q", mode), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.record("/mode", raw)
	s.state.Mode = mode
	if cmd, _ := raw["command"].(string); cmd != "" {
		s.state.LastCommand = cmd
	}
	s.mu.Unlock()

	s.ack(w, fmt.Sprintf("Mode set to %s", mode))
}

func (s *Simulator) handleStop(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	s.record("/stop", raw)
	s.state.LastCommand = "STOP"
	s.state.Moving = false
	s.state.Speed = 0
	s.state.Vector = Vector{}
	s.mu.Unlock()

	s.ack(w, "Stopped")
}

func (s *Simulator) handleState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.CurrentState())
}

// record must be called with mu held.
func (s *Simulator) record(path string, body map[string]any) {
	s.received = append(s.received, Received{Path: path, Body: body, At: time.Now()})
	s.state.Commands++
	s.state.UpdatedAt = time.Now().UTC()
}

// ack answers the device call and pushes a state frame immediately.
func (s *Simulator) ack(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "message": message})
	s.emit(message)
}

func readBody(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	body := map[string]any{}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "malformed JSON", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// SetFault switches the fault mode. status applies to FaultReject.
func (s *Simulator) SetFault(mode string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faultMode = mode
	if status > 0 {
		s.rejectStatus = status
	}
}

// ClearFault clears the fault mode and any delay.
func (s *Simulator) ClearFault() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faultMode = FaultNone
	s.delay = 0
}

// SetDelay delays every device command by d.
func (s *Simulator) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// CurrentState returns a copy of the drive state.
func (s *Simulator) CurrentState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Received returns a copy of every accepted device call.
func (s *Simulator) Received() []Received {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Received(nil), s.received...)
}

// ReceivedOn returns the accepted calls for path.
func (s *Simulator) ReceivedOn(path string) []Received {
	var out []Received
	for _, r := range s.Received() {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// Clients returns the number of connected telemetry clients.
func (s *Simulator) Clients() int {
	return s.feed.count()
}
