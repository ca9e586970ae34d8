package uplink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rover-control/relay/internal/config"
	"github.com/rover-control/relay/internal/endpoint"
	"github.com/rover-control/relay/internal/telemetry"
)

func fastUplinkConfig(reconnect bool) *config.UplinkConfig {
	cfg := config.Defaults().Uplink
	cfg.Reconnect = reconnect
	cfg.BackoffInitial = 10 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	cfg.DialTimeout = time.Second
	return &cfg
}

// flakyFeed accepts connections and drops each one right after sending a frame.
func flakyFeed(t *testing.T, accepted *atomic.Int32) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted.Add(1)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"message":"tick"}`))
		conn.Close()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSupervisorReconnects(t *testing.T) {
	var accepted atomic.Int32
	srv := flakyFeed(t, &accepted)

	registry, err := endpoint.NewRegistry(endpoint.Config{
		DeviceBaseAddress:      "http://127.0.0.1",
		TelemetrySourceAddress: wsURL(srv),
	}, endpoint.DefaultConvention)
	require.NoError(t, err)

	hub, _ := newHub(t)
	sup := NewSupervisor(NewBridge(hub), registry, fastUplinkConfig(true))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	waitFor(t, func() bool { return accepted.Load() >= 3 })
	cancel()
	require.NoError(t, <-done)
}

func TestSupervisorWithoutReconnectStopsAfterOneConnection(t *testing.T) {
	var accepted atomic.Int32
	srv := flakyFeed(t, &accepted)

	registry, err := endpoint.NewRegistry(endpoint.Config{
		DeviceBaseAddress:      "http://127.0.0.1",
		TelemetrySourceAddress: wsURL(srv),
	}, endpoint.DefaultConvention)
	require.NoError(t, err)

	hub, _ := newHub(t)
	sup := NewSupervisor(NewBridge(hub), registry, fastUplinkConfig(false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	waitFor(t, func() bool { return accepted.Load() == 1 })
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), accepted.Load())
}

func TestSupervisorFollowsRetarget(t *testing.T) {
	var first, second atomic.Int32
	old := deviceFeedCounting(t, &first)
	replacement := deviceFeedCounting(t, &second)

	registry, err := endpoint.NewRegistry(endpoint.Config{DeviceBaseAddress: "http://127.0.0.1"}, endpoint.DefaultConvention)
	require.NoError(t, err)

	hub, feed := newHub(t)
	sup := NewSupervisor(NewBridge(hub), registry, fastUplinkConfig(true))
	assert.Equal(t, StateDisabled, sup.State())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	_, err = registry.Replace("http://127.0.0.1", wsURL(old))
	require.NoError(t, err)
	waitFor(t, func() bool { return first.Load() == 1 && sup.State() == StateConnected })

	_, err = registry.Replace("http://127.0.0.1", wsURL(replacement))
	require.NoError(t, err)
	waitFor(t, func() bool { return second.Load() == 1 && sup.State() == StateConnected })

	cancel()
	require.NoError(t, <-done)

	var connects int
	for {
		select {
		case e := <-feed.Events():
			if e.Origin == telemetry.OriginSystem && e.Message == MessageConnected {
				connects++
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 2, connects)
	assert.Equal(t, int32(1), first.Load(), "old source must not be redialed")
}

// deviceFeedCounting holds each accepted connection open until the client leaves.
func deviceFeedCounting(t *testing.T, accepted *atomic.Int32) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		accepted.Add(1)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}
