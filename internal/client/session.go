package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rover-control/relay/internal/command"
	"github.com/rover-control/relay/internal/session"
	"github.com/rover-control/relay/internal/telemetry"
)

// Session is a realtime controller session on GET /telemetry.
type Session struct {
	conn    *websocket.Conn
	events  chan telemetry.Event
	errs    chan string
	done    chan struct{}
	writeMu sync.Mutex

	mu  sync.Mutex
	err error
}

// Dial opens a controller session. The relay announces the connection as the first event.
func (c *Client) Dial(ctx context.Context) (*Session, error) {
	wsURL := "ws" + strings.TrimPrefix(c.base, "http") + "/telemetry"

	dialer := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("telemetry session dial failed: %s (status: %d)", err.Error(), resp.StatusCode)
		}
		return nil, fmt.Errorf("telemetry session dial failed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	s := &Session{
		conn:   conn,
		events: make(chan telemetry.Event, 64),
		errs:   make(chan string, 8),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Events delivers relay events until Done is closed.
func (s *Session) Events() <-chan telemetry.Event { return s.events }

// Rejections delivers the text of error frames the relay sent for this session's input.
func (s *Session) Rejections() <-chan string { return s.errs }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the read error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) readLoop() {
	defer close(s.done)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}

		var f session.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		switch f.Event {
		case session.EventTelemetry:
			var e telemetry.Event
			if err := json.Unmarshal(f.Data, &e); err != nil {
				continue
			}
			select {
			case s.events <- e:
			default:
			}
		case session.EventError:
			var ed session.ErrorData
			if err := json.Unmarshal(f.Data, &ed); err == nil {
				select {
				case s.errs <- ed.Error:
				default:
				}
			}
		}
	}
}

// Joystick sends one joystick frame.
func (s *Session) Joystick(j command.Joystick) error {
	return s.send(session.EventJoystick, j)
}

// Begin starts a held movement gesture on the relay side.
func (s *Session) Begin(kind command.Kind) error {
	return s.send(session.EventMove, session.Gesture{Phase: session.PhaseBegin, Command: kind})
}

// End releases the held movement gesture.
func (s *Session) End() error {
	return s.send(session.EventMove, session.Gesture{Phase: session.PhaseEnd})
}

// Publish sends controller telemetry for the relay to rebroadcast.
func (s *Session) Publish(payload any) error {
	return s.send(session.EventTelemetry, payload)
}

func (s *Session) send(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", event, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(session.Frame{Event: event, Data: data})
}

// Close sends a normal close frame and closes the connection.
func (s *Session) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return s.conn.Close()
}
