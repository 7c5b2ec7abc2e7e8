package connector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/mpdcore/internal/mpdtest"
	"github.com/ChuLiYu/mpdcore/internal/protocol"
	"github.com/ChuLiYu/mpdcore/pkg/types"
)

func TestPingInterval(t *testing.T) {
	tests := []struct {
		timeout time.Duration
		want    time.Duration
	}{
		{0, 50 * time.Millisecond},
		{20 * time.Millisecond, 50 * time.Millisecond},
		{100 * time.Millisecond, 50 * time.Millisecond},
		{5 * time.Second, 2500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.timeout.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, PingInterval(tt.timeout))
		})
	}
}

func TestCommand_ConnectOpensTwoConnections(t *testing.T) {
	srv := mpdtest.New(t)
	h := newHarness(t)
	c := connected(t, h, srv, newCommandConnector)

	assert.True(t, c.IsConnected())
	assert.Equal(t, "command", c.Mode())
	assert.Equal(t, mpdtest.DefaultVersion, c.ServerVersion())
	assert.Equal(t, 2, srv.Clients())
	assert.True(t, srv.WaitIdleClients(1, waitFor), "listener idles")
}

func TestCommand_ListenerEventsThroughBridge(t *testing.T) {
	srv := mpdtest.New(t)
	h := newHarness(t)
	connected(t, h, srv, newCommandConnector)
	require.True(t, srv.WaitIdleClients(1, waitFor))

	srv.Notify("playlist")
	ev := next(t, h.changes)
	assert.Equal(t, types.Queue, ev.Mask)

	// the listener went straight back into idle
	assert.True(t, srv.WaitIdleClients(1, waitFor))
	assert.Equal(t, 2, srv.Count("idle"))
}

func TestCommand_SendNeverTouchesIdle(t *testing.T) {
	srv := mpdtest.New(t)
	h := newHarness(t)
	c := connected(t, h, srv, newCommandConnector)
	require.True(t, srv.WaitIdleClients(1, waitFor))

	r, err := Send(context.Background(), c, "status")
	require.NoError(t, err)
	assert.Equal(t, "stop", r.Map()["state"])
	assert.Zero(t, srv.Count("noidle"))
	assert.Equal(t, 1, srv.Count("idle"))
	assert.Equal(t, types.ConnectedIdle, c.State())
}

func TestCommand_PingerKeepsConnectionBusy(t *testing.T) {
	srv := mpdtest.New(t)
	h := newHarness(t)
	c := NewCommand(h.loop, h.disp)
	t.Cleanup(c.Close)
	require.NoError(t, c.Connect(context.Background(), srv.Host(), srv.Port(), 100*time.Millisecond))

	assert.Eventually(t, func() bool { return srv.Count("ping") >= 3 }, waitFor, 10*time.Millisecond)
	assert.True(t, c.IsConnected())
}

func TestCommand_DisconnectIdempotentAndPrompt(t *testing.T) {
	srv := mpdtest.New(t)
	h := newHarness(t)
	c := connected(t, h, srv, newCommandConnector)
	require.True(t, srv.WaitIdleClients(1, waitFor))

	start := time.Now()
	c.Disconnect()
	assert.Less(t, time.Since(start), time.Second, "blocked listener must be unblocked")
	assert.False(t, c.IsConnected())
	c.Disconnect()
	assert.False(t, c.IsConnected())

	ev := next(t, h.status)
	assert.Equal(t, types.Connectivity, ev.Mask)
	assert.NoError(t, ev.Err)
	assert.Eventually(t, func() bool { return srv.Clients() == 0 }, waitFor, 5*time.Millisecond)

	_, err := Send(context.Background(), c, "ping")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCommand_ReconnectStartsFreshListener(t *testing.T) {
	srv := mpdtest.New(t)
	h := newHarness(t)
	c := connected(t, h, srv, newCommandConnector)
	require.True(t, srv.WaitIdleClients(1, waitFor))
	c.Disconnect()
	next(t, h.status)

	require.NoError(t, c.Connect(context.Background(), srv.Host(), srv.Port(), time.Second))
	next(t, h.status)
	require.True(t, srv.WaitIdleClients(1, waitFor))

	srv.Notify("mixer")
	ev := next(t, h.changes)
	assert.Equal(t, types.Mixer, ev.Mask)
	expectNone(t, h.changes, 100*time.Millisecond)
}

func TestCommand_PartialConnectFailure(t *testing.T) {
	srv := mpdtest.New(t, mpdtest.WithMaxClients(1))
	h := newHarness(t)
	c := NewCommand(h.loop, h.disp)
	t.Cleanup(c.Close)

	err := c.Connect(context.Background(), srv.Host(), srv.Port(), 200*time.Millisecond)
	require.Error(t, err)
	assert.False(t, c.IsConnected())
	assert.NotEmpty(t, c.LastError())
	assert.Eventually(t, func() bool { return srv.Clients() == 0 }, waitFor, 5*time.Millisecond)
}

func TestCommand_ConnectionLoss(t *testing.T) {
	srv := mpdtest.New(t)
	h := newHarness(t)
	c := connected(t, h, srv, newCommandConnector)
	require.True(t, srv.WaitIdleClients(1, waitFor))

	srv.DropConnections()
	ev := next(t, h.status)
	assert.True(t, ev.Mask.Has(types.Connectivity))
	assert.Error(t, ev.Err)
	assert.Eventually(t, func() bool { return !c.IsConnected() }, waitFor, 5*time.Millisecond)
	assert.Equal(t, types.Unconnected, c.State())
}

func TestCommand_AckReported(t *testing.T) {
	srv := mpdtest.New(t)
	h := newHarness(t)
	c := connected(t, h, srv, newCommandConnector)

	_, err := Send(context.Background(), c, "setvol loud")
	require.True(t, protocol.IsAck(err))
	ev := next(t, h.status)
	assert.Equal(t, types.Error, ev.Mask)
	assert.True(t, c.IsConnected())
}

func TestCommand_ChangesFromOwnCommandArriveViaListener(t *testing.T) {
	srv := mpdtest.New(t)
	h := newHarness(t)
	c := connected(t, h, srv, newCommandConnector)
	require.True(t, srv.WaitIdleClients(1, waitFor))

	_, err := Send(context.Background(), c, "setvol 70")
	require.NoError(t, err)
	ev := next(t, h.changes)
	assert.Equal(t, types.Mixer, ev.Mask)
}
