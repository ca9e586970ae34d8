package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rover-control/relay/internal/adapter"
	"github.com/rover-control/relay/internal/api"
	"github.com/rover-control/relay/internal/command"
	"github.com/rover-control/relay/internal/config"
	"github.com/rover-control/relay/internal/devicesim"
	"github.com/rover-control/relay/internal/endpoint"
	"github.com/rover-control/relay/internal/movement"
	"github.com/rover-control/relay/internal/session"
	"github.com/rover-control/relay/internal/telemetry"
)

type stack struct {
	client *Client
	sim    *devicesim.Simulator
	hub    *telemetry.Hub
}

// startStack runs simulator, relay and client end to end over real HTTP.
func startStack(t *testing.T) *stack {
	t.Helper()
	cfg := config.Defaults()
	cfg.Timing.CommandTimeout = 500 * time.Millisecond

	sim := devicesim.New()
	device := httptest.NewServer(sim.Handler())
	t.Cleanup(device.Close)

	hub := telemetry.NewHub(&cfg.Timing)
	t.Cleanup(hub.Stop)

	endpoints, err := endpoint.NewRegistry(endpoint.Config{DeviceBaseAddress: device.URL}, endpoint.DefaultConvention)
	require.NoError(t, err)

	relayer := adapter.NewHTTPAdapter(endpoints, cfg.Timing.CommandTimeout)
	orchestrator := command.NewOrchestrator(relayer, endpoints, hub, &cfg.Timing)

	history := telemetry.NewHistory(cfg.Timing.HistorySize)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go telemetry.Record(ctx, hub, history)

	server := api.NewServer(&cfg.Server, hub, orchestrator, endpoints,
		api.WithHistory(history),
		api.WithSessions(session.NewHandler(hub, orchestrator, &cfg.Timing, &cfg.Joystick)),
	)
	relay := httptest.NewServer(server.Handler())
	t.Cleanup(relay.Close)

	c, err := New(relay.URL)
	require.NoError(t, err)
	return &stack{client: c, sim: sim, hub: hub}
}

func TestNewRejectsBadAddress(t *testing.T) {
	for _, addr := range []string{"", "localhost:3000", "ftp://relay"} {
		_, err := New(addr)
		assert.Error(t, err, addr)
	}
}

func TestIssueCommandReachesDevice(t *testing.T) {
	s := startStack(t)
	ctx := context.Background()

	speed := 0.6
	require.NoError(t, s.client.IssueCommand(ctx, command.Command{Kind: command.KindMoveForward, Speed: &speed}))
	require.NoError(t, s.client.SetMode(ctx, command.ModeAutonomous))
	require.NoError(t, s.client.IssueStop(ctx))

	st := s.sim.CurrentState()
	assert.Equal(t, "AUTONOMOUS", st.Mode)
	assert.Equal(t, "STOP", st.LastCommand)
	assert.Len(t, s.sim.ReceivedOn("/move"), 1)

	status, err := s.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "online", status.Status)
	assert.Equal(t, string(command.KindStop), status.LastCommand)
}

func TestErrorsUnwrapToSentinels(t *testing.T) {
	s := startStack(t)
	ctx := context.Background()

	err := s.client.IssueCommand(ctx, command.Command{})
	require.Error(t, err)
	assert.ErrorIs(t, err, command.ErrInvalidCommand)
	assert.False(t, IsDeviceFailure(err))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	s.sim.SetFault(devicesim.FaultReject, http.StatusServiceUnavailable)
	err = s.client.IssueStop(ctx)
	assert.ErrorIs(t, err, adapter.ErrDeviceRejected)
	assert.True(t, IsDeviceFailure(err))

	s.sim.SetFault(devicesim.FaultDrop, 0)
	err = s.client.IssueCommand(ctx, command.Command{Kind: command.KindTurnRight})
	assert.ErrorIs(t, err, adapter.ErrDeviceUnreachable)
}

func TestConnectDerivesTelemetrySource(t *testing.T) {
	s := startStack(t)

	cfg, err := s.client.Connect(context.Background(), "http://10.9.8.7", "")
	require.NoError(t, err)
	assert.Equal(t, "http://10.9.8.7", cfg.DeviceBaseAddress)
	assert.Equal(t, "ws://10.9.8.7:82/telemetry", cfg.TelemetrySourceAddress)

	_, err = s.client.Connect(context.Background(), "", "")
	assert.ErrorIs(t, err, command.ErrInvalidCommand)
}

func TestRecentAfter(t *testing.T) {
	s := startStack(t)
	ctx := context.Background()

	require.NoError(t, s.hub.Publish(telemetry.System("one")))
	require.NoError(t, s.hub.Publish(telemetry.System("two")))

	var events []telemetry.Event
	require.Eventually(t, func() bool {
		var err error
		events, err = s.client.Recent(ctx, 0)
		return err == nil && len(events) == 2
	}, 2*time.Second, 10*time.Millisecond)

	newer, err := s.client.Recent(ctx, events[0].ID)
	require.NoError(t, err)
	require.Len(t, newer, 1)
	assert.Equal(t, "two", newer[0].Message)
}

func TestControllerDrivesRemoteRelay(t *testing.T) {
	s := startStack(t)

	ctrl := movement.NewController(s.client, 30*time.Millisecond)
	defer ctrl.Close()

	require.NoError(t, ctrl.Begin(context.Background(), command.KindTurnLeft))
	require.Eventually(t, func() bool { return len(s.sim.ReceivedOn("/move")) >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, ctrl.End(context.Background()))

	moves := len(s.sim.ReceivedOn("/move"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, moves, len(s.sim.ReceivedOn("/move")), "no move may follow the stop")
	assert.Len(t, s.sim.ReceivedOn("/stop"), 1)
	for _, r := range s.sim.ReceivedOn("/move") {
		assert.Equal(t, true, r.Body["continuous"])
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := startStack(t)

	sess, err := s.client.Dial(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	select {
	case e := <-sess.Events():
		assert.Equal(t, telemetry.MessageConnected, e.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("no connected announcement")
	}

	require.NoError(t, sess.Joystick(command.Joystick{Speed: 0.5, Vector: command.Vector{X: 0, Y: 1}}))
	require.Eventually(t, func() bool { return s.sim.CurrentState().LastCommand == "JOYSTICK" }, 2*time.Second, 5*time.Millisecond)

	// wait out the per-session joystick rate limit
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, sess.Joystick(command.Joystick{Speed: 3}))
	select {
	case msg := <-sess.Rejections():
		assert.Contains(t, msg, command.ErrInvalidCommand.Error())
	case <-time.After(2 * time.Second):
		t.Fatal("out-of-range joystick frame was not rejected")
	}
}
