package uplink

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rover-control/relay/internal/broker"
	"github.com/rover-control/relay/internal/config"
	"github.com/rover-control/relay/internal/telemetry"
)

// deviceFeed serves a websocket telemetry feed that sends frames and then either
// closes or holds the connection until the test ends.
func deviceFeed(t *testing.T, frames []string, hold bool) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		if hold {
			select {
			case <-release:
			case <-r.Context().Done():
			}
			return
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/telemetry"
}

func newHub(t *testing.T) (*telemetry.Hub, *telemetry.Observer) {
	t.Helper()
	timing := config.Defaults().Timing
	hub := telemetry.NewHub(&timing)
	t.Cleanup(hub.Stop)
	return hub, hub.Subscribe(telemetry.Silent())
}

func next(t *testing.T, o *telemetry.Observer) telemetry.Event {
	t.Helper()
	select {
	case e := <-o.Events():
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for telemetry")
		return telemetry.Event{}
	}
}

func TestBridgeRelaysFramesAndSurvivesMalformedOnes(t *testing.T) {
	srv := deviceFeed(t, []string{
		`{"message":"battery 80%","battery":80}`,
		`{not json`,
		`{"message":"second"}`,
	}, false)
	hub, feed := newHub(t)
	bridge := NewBridge(hub)

	err := bridge.Run(context.Background(), wsURL(srv))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrDialFailed))

	e := next(t, feed)
	assert.Equal(t, telemetry.OriginSystem, e.Origin)
	assert.Equal(t, MessageConnected, e.Message)

	e = next(t, feed)
	assert.Equal(t, telemetry.OriginDevice, e.Origin)
	assert.Equal(t, "battery 80%", e.Message)
	assert.JSONEq(t, `{"message":"battery 80%","battery":80}`, string(e.Payload))

	e = next(t, feed)
	assert.Equal(t, telemetry.OriginSystem, e.Origin)
	assert.True(t, e.IsFailure())
	assert.Equal(t, "Malformed device telemetry: {not json", e.Message)

	e = next(t, feed)
	assert.Equal(t, telemetry.OriginDevice, e.Origin, "bridge must stay connected after a malformed frame")
	assert.Equal(t, "second", e.Message)

	e = next(t, feed)
	assert.True(t, e.IsFailure())
	assert.True(t, strings.HasPrefix(e.Message, "Device telemetry uplink closed: "), e.Message)

	assert.Equal(t, StateDisconnected, bridge.State())
}

func TestBridgeStateWhileConnected(t *testing.T) {
	srv := deviceFeed(t, nil, true)
	hub, feed := newHub(t)
	bridge := NewBridge(hub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bridge.Run(ctx, wsURL(srv)) }()

	assert.Equal(t, MessageConnected, next(t, feed).Message)
	assert.Equal(t, StateConnected, bridge.State())

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateDisconnected, bridge.State())
}

func TestBridgeDialFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	hub, feed := newHub(t)
	bridge := NewBridge(hub, WithDialTimeout(time.Second))

	err = bridge.Run(context.Background(), "ws://"+addr+"/telemetry")
	require.ErrorIs(t, err, ErrDialFailed)
	assert.Equal(t, StateDisconnected, bridge.State())

	e := next(t, feed)
	assert.True(t, e.IsFailure())
	assert.True(t, strings.HasPrefix(e.Message, "Device telemetry uplink error: "), e.Message)
}

func TestBridgeUnsupportedScheme(t *testing.T) {
	hub, _ := newHub(t)
	bridge := NewBridge(hub)

	err := bridge.Run(context.Background(), "http://192.168.4.1/telemetry")
	require.ErrorIs(t, err, ErrUnsupportedScheme)
	assert.Equal(t, StateDisconnected, bridge.State())
}

func TestBridgeOverMQTT(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	b, err := broker.New(addr)
	require.NoError(t, err)
	require.NoError(t, b.Serve())
	defer b.Close()

	hub, feed := newHub(t)
	bridge := NewBridge(hub, WithDialer("mqtt", NewMQTTDialer("uplink-test")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bridge.Run(ctx, "mqtt://"+addr+"/rover/telemetry") }()

	require.Equal(t, MessageConnected, next(t, feed).Message)

	require.NoError(t, b.Publish("rover/telemetry", []byte(`{"message":"speed 0.4"}`)))
	require.NoError(t, b.Publish("rover/telemetry", []byte(`garbage`)))

	e := next(t, feed)
	assert.Equal(t, telemetry.OriginDevice, e.Origin)
	assert.Equal(t, "speed 0.4", e.Message)

	e = next(t, feed)
	assert.Equal(t, "Malformed device telemetry: garbage", e.Message)

	cancel()
	require.NoError(t, <-done)
}

func TestMQTTDialerRequiresTopic(t *testing.T) {
	_, err := NewMQTTDialer("x").Dial(context.Background(), "mqtt://127.0.0.1:1883")
	require.Error(t, err)
}
