package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/rover-control/relay/internal/audit"
	"github.com/rover-control/relay/internal/command"
	"github.com/rover-control/relay/internal/config"
	"github.com/rover-control/relay/internal/log"
	"github.com/rover-control/relay/internal/metrics"
	"github.com/rover-control/relay/internal/movement"
	"github.com/rover-control/relay/internal/telemetry"
)

const (
	maxFrameBytes = 64 * 1024
	writeWait     = 10 * time.Second
	endTimeout    = 2 * time.Second
)

// Handler upgrades requests to controller sessions.
type Handler struct {
	hub          *telemetry.Hub
	orchestrator command.OrchestratorPort
	timing       config.TimingConfig
	joystick     config.JoystickConfig

	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	logger   log.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithMetrics counts throttled joystick frames.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithLogger sets the session logger.
func WithLogger(l log.Logger) Option {
	return func(h *Handler) { h.logger = l.WithName("session") }
}

// NewHandler creates a session handler.
func NewHandler(hub *telemetry.Hub, orchestrator command.OrchestratorPort, timing *config.TimingConfig, joystick *config.JoystickConfig, opts ...Option) *Handler {
	h := &Handler{
		hub:          hub,
		orchestrator: orchestrator,
		timing:       *timing,
		joystick:     *joystick,
		upgrader: websocket.Upgrader{
			// Controllers are served from arbitrary LAN origins.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the request and runs the session until either side closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error(err, "failed to upgrade connection", "remote", r.RemoteAddr)
		return
	}

	s := h.newSession(conn)
	h.logger.Info("controller session opened", "session", s.id, "remote", r.RemoteAddr)
	s.run()
	h.logger.Info("controller session closed", "session", s.id)
}

type session struct {
	id      string
	h       *Handler
	conn    *websocket.Conn
	limiter *rate.Limiter
	motion  *movement.Controller
	direct  chan Frame
	logger  log.Logger
}

func (h *Handler) newSession(conn *websocket.Conn) *session {
	limit := rate.Inf
	if h.joystick.MaxRate > 0 {
		limit = rate.Limit(h.joystick.MaxRate)
	}
	burst := h.joystick.Burst
	if burst < 1 {
		burst = 1
	}

	id := uuid.NewString()
	logger := h.logger.WithValues("session", id)
	return &session{
		id:      id,
		h:       h,
		conn:    conn,
		limiter: rate.NewLimiter(limit, burst),
		motion:  movement.NewController(h.orchestrator, h.timing.RepeatInterval, movement.WithLogger(logger)),
		direct:  make(chan Frame, 8),
		logger:  logger,
	}
}

func (s *session) run() {
	ctx, cancel := context.WithCancel(audit.WithRequestID(context.Background(), s.id))
	defer cancel()
	defer s.conn.Close()

	observer := s.h.hub.Subscribe()
	defer s.h.hub.Unsubscribe(observer)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer cancel()
		s.readLoop(ctx)
	}()

	s.writeLoop(ctx, observer)

	// Unblock the reader if the writer ended first.
	_ = s.conn.Close()
	<-readDone

	if _, active := s.motion.Active(); active {
		endCtx, endCancel := context.WithTimeout(audit.WithRequestID(context.Background(), s.id), endTimeout)
		if err := s.motion.End(endCtx); err != nil {
			s.logger.Warn("stop after session loss failed", "error", err.Error())
		}
		endCancel()
	}
	s.motion.Close()
}

func (s *session) writeLoop(ctx context.Context, observer *telemetry.Observer) {
	ping := time.NewTicker(s.h.timing.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-observer.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"), time.Now().Add(writeWait))
			return
		case event := <-observer.Events():
			f, err := newFrame(EventTelemetry, event)
			if err != nil {
				s.logger.Error(err, "failed to encode telemetry frame")
				continue
			}
			if err := s.write(f); err != nil {
				return
			}
		case f := <-s.direct:
			if err := s.write(f); err != nil {
				return
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Warn("failed to send ping", "error", err.Error())
				return
			}
		}
	}
}

func (s *session) write(f Frame) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(f); err != nil {
		s.logger.Warn("failed to write frame", "error", err.Error())
		return err
	}
	return nil
}

func (s *session) readLoop(ctx context.Context) {
	pongWait := s.h.timing.PongTimeout
	s.conn.SetReadLimit(maxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read failed", "error", err.Error())
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var f Frame
		if err := json.Unmarshal(message, &f); err != nil {
			s.reject(fmt.Errorf("%w: malformed frame", command.ErrInvalidCommand))
			continue
		}
		s.dispatch(ctx, f)
	}
}

func (s *session) dispatch(ctx context.Context, f Frame) {
	switch f.Event {
	case EventJoystick:
		s.handleJoystick(ctx, f.Data)
	case EventMove:
		s.handleGesture(ctx, f.Data)
	case EventTelemetry:
		s.handleTelemetry(f.Data)
	default:
		s.logger.Debug("ignoring frame", "event", f.Event)
	}
}

// handleJoystick relays one stick frame. Frames above the configured rate are dropped,
// except a centered stick, which always goes through so release is never lost.
func (s *session) handleJoystick(ctx context.Context, data json.RawMessage) {
	var frame command.Joystick
	if err := json.Unmarshal(data, &frame); err != nil {
		s.reject(fmt.Errorf("%w: malformed joystick frame", command.ErrInvalidCommand))
		return
	}
	if !frame.Released() && !s.limiter.Allow() {
		s.h.metrics.JoystickThrottled()
		return
	}
	if err := s.h.orchestrator.RelayJoystick(ctx, frame); err != nil && errors.Is(err, command.ErrInvalidCommand) {
		s.reject(err)
	}
}

func (s *session) handleGesture(ctx context.Context, data json.RawMessage) {
	var g Gesture
	if err := json.Unmarshal(data, &g); err != nil {
		s.reject(fmt.Errorf("%w: malformed move frame", command.ErrInvalidCommand))
		return
	}

	var err error
	switch g.Phase {
	case PhaseBegin:
		err = s.motion.Begin(ctx, g.Command)
	case PhaseEnd:
		err = s.motion.End(ctx)
	default:
		err = fmt.Errorf("%w: unknown gesture phase %q", command.ErrInvalidCommand, g.Phase)
	}
	if err != nil && errors.Is(err, command.ErrInvalidCommand) {
		s.reject(err)
	}
}

// handleTelemetry rebroadcasts controller-originated telemetry to every observer.
func (s *session) handleTelemetry(data json.RawMessage) {
	if len(data) == 0 || !json.Valid(data) {
		return
	}
	var body struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(data, &body)
	if err := s.h.hub.Publish(telemetry.Controller(body.Message, data)); err != nil {
		s.logger.Debug("telemetry publish skipped", "error", err.Error())
	}
}

// reject reports a caller error to this session only. Relay failures are already on the
// shared feed.
func (s *session) reject(err error) {
	f, encErr := newFrame(EventError, ErrorData{Error: err.Error(), Code: command.ErrInvalidCommand.Error()})
	if encErr != nil {
		return
	}
	select {
	case s.direct <- f:
	default:
		s.logger.Warn("dropping error frame for slow session", "error", err.Error())
	}
}
