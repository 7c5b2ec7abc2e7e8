package connector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/mpdcore/internal/event"
	"github.com/ChuLiYu/mpdcore/internal/loop"
	"github.com/ChuLiYu/mpdcore/internal/mpdtest"
	"github.com/ChuLiYu/mpdcore/internal/protocol"
	"github.com/ChuLiYu/mpdcore/pkg/types"
)

func TestIdle_ConnectEntersIdle(t *testing.T) {
	srv := mpdtest.New(t, mpdtest.WithVersion("0.23.9"))
	h := newHarness(t)
	c := connected(t, h, srv, newIdleConnector)

	assert.True(t, c.IsConnected())
	assert.Equal(t, types.ConnectedIdle, c.State())
	assert.Equal(t, "0.23.9", c.ServerVersion())
	assert.Equal(t, "idle", c.Mode())
	assert.Empty(t, c.LastError())
	assert.True(t, srv.WaitIdleClients(1, waitFor))
}

// A command from another goroutine costs exactly one noidle/idle round
// trip and dispatches nothing.
func TestIdle_SendFromOtherGoroutine(t *testing.T) {
	srv := mpdtest.New(t)
	h := newHarness(t)
	c := connected(t, h, srv, newIdleConnector)
	require.True(t, srv.WaitIdleClients(1, waitFor))

	errc := make(chan error, 1)
	go func() {
		_, err := Send(context.Background(), c, "ping")
		errc <- err
	}()
	require.NoError(t, <-errc)

	assert.Equal(t, 1, srv.Count("noidle"))
	assert.Equal(t, 1, srv.Count("ping"))
	assert.Eventually(t, func() bool { return srv.Count("idle") == 2 }, waitFor, 5*time.Millisecond)
	assert.True(t, srv.WaitIdleClients(1, waitFor))
	expectNone(t, h.changes, 100*time.Millisecond)
	assert.Equal(t, types.ConnectedIdle, c.State())
}

// A change pushed while idling is dispatched once, then idle is re-entered
// without any application action.
func TestIdle_ServerPushDispatchesOnce(t *testing.T) {
	srv := mpdtest.New(t)
	h := newHarness(t)
	connected(t, h, srv, newIdleConnector)
	require.True(t, srv.WaitIdleClients(1, waitFor))

	srv.Notify("database")
	ev := next(t, h.changes)
	assert.Equal(t, types.Database, ev.Mask)
	expectNone(t, h.changes, 100*time.Millisecond)

	assert.True(t, srv.WaitIdleClients(1, waitFor))
	assert.Equal(t, 2, srv.Count("idle"))
	assert.Zero(t, srv.Count("noidle"))
}

// watchReady reports whether the current readiness watch has fired.
func watchReady(c *Idle) bool {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	return c.w != nil && c.w.ready.Load()
}

// A change that arrives while something other than a leaving Get holds the
// connection is still dispatched once the lock is free.
func TestIdle_PushWhileLockHeldIsNotLost(t *testing.T) {
	srv := mpdtest.New(t)
	h := newHarness(t)
	c := connected(t, h, srv, newIdleConnector).(*Idle)
	require.True(t, srv.WaitIdleClients(1, waitFor))

	c.cmdMu.Lock()
	srv.Notify("database")
	require.Eventually(t, func() bool { return watchReady(c) }, waitFor, time.Millisecond)
	// let the loop try and fail to take the lock
	time.Sleep(3 * DefaultPollCeiling / 2)
	c.cmdMu.Unlock()

	ev := next(t, h.changes)
	assert.Equal(t, types.Database, ev.Mask)
	assert.True(t, srv.WaitIdleClients(1, waitFor))
	assert.Equal(t, types.ConnectedIdle, c.State())
}

// Releasing the connection wakes the loop right away when readiness was
// seen meanwhile, without waiting for the poll ceiling.
func TestIdle_UnlockWakesLoopForPendingReadiness(t *testing.T) {
	srv := mpdtest.New(t)
	h := newHarness(t)
	c := connected(t, h, srv, newIdleConnector, WithPollCeiling(time.Minute)).(*Idle)
	require.True(t, srv.WaitIdleClients(1, waitFor))

	c.cmdMu.Lock()
	srv.Notify("mixer")
	require.Eventually(t, func() bool { return watchReady(c) }, waitFor, time.Millisecond)
	c.unlock()

	// well under the loop's one second idle poll
	select {
	case ev := <-h.changes:
		assert.Equal(t, types.Mixer, ev.Mask)
	case <-time.After(loop.DefaultCeiling / 2):
		t.Fatal("change not dispatched after unlock")
	}
}

func TestIdle_MultipleChangesInOneReply(t *testing.T) {
	srv := mpdtest.New(t)
	h := newHarness(t)
	c := connected(t, h, srv, newIdleConnector)
	require.True(t, srv.WaitIdleClients(1, waitFor))

	// queue changes while the client holds the connection, so the next idle
	// returns them all at once
	conn, err := c.Get(context.Background())
	require.NoError(t, err)
	srv.Notify("player", "mixer", "options")
	assert.Eventually(t, func() bool {
		return srv.Count("noidle") == 1
	}, waitFor, 5*time.Millisecond)
	_, err = conn.Command(context.Background(), "ping")
	c.Put(context.Background(), err)

	ev := next(t, h.changes)
	assert.Equal(t, types.Player|types.Mixer|types.Options, ev.Mask)
}

// Handlers that issue commands while the connector dispatches with the
// connection held reuse it without leaving or re-entering idle.
func TestIdle_NestedGetPutFromHandler(t *testing.T) {
	srv := mpdtest.New(t)
	srv.SetState("play")
	h := newHarness(t)
	c := connected(t, h, srv, newIdleConnector)
	require.True(t, srv.WaitIdleClients(1, waitFor))

	type result struct {
		state  string
		nested bool
		err    error
	}
	results := make(chan result, 1)
	h.disp.Register(types.Database, func(ctx context.Context, _ types.Event) {
		r, err := Send(ctx, c, "status")
		state, _ := r.Get("state")
		results <- result{state: state, nested: event.HeldBy(ctx, c), err: err}
	})

	idleBefore := srv.Count("idle")
	srv.Notify("database")

	var res result
	select {
	case res = <-results:
	case <-time.After(waitFor):
		t.Fatal("handler not invoked")
	}
	require.NoError(t, res.err)
	assert.True(t, res.nested)
	assert.Equal(t, "play", res.state)

	assert.True(t, srv.WaitIdleClients(1, waitFor))
	assert.Equal(t, idleBefore+1, srv.Count("idle"), "exactly one re-entry after dispatch")
	assert.Zero(t, srv.Count("noidle"))
}

func TestIdle_DisconnectIdempotent(t *testing.T) {
	srv := mpdtest.New(t)
	h := newHarness(t)
	c := connected(t, h, srv, newIdleConnector)

	c.Disconnect()
	assert.False(t, c.IsConnected())
	c.Disconnect()
	assert.False(t, c.IsConnected())
	assert.Equal(t, types.Unconnected, c.State())

	ev := next(t, h.status)
	assert.Equal(t, types.Connectivity, ev.Mask)
	assert.NoError(t, ev.Err)
	expectNone(t, h.status, 50*time.Millisecond)

	_, err := c.Get(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Eventually(t, func() bool { return srv.Clients() == 0 }, waitFor, 5*time.Millisecond)
}

func TestIdle_ReconnectAfterDisconnect(t *testing.T) {
	srv := mpdtest.New(t)
	h := newHarness(t)
	c := connected(t, h, srv, newIdleConnector)
	c.Disconnect()
	next(t, h.status)

	require.NoError(t, c.Connect(context.Background(), srv.Host(), srv.Port(), time.Second))
	assert.ErrorIs(t, c.Connect(context.Background(), srv.Host(), srv.Port(), time.Second), ErrAlreadyConnected)
	_, err := Send(context.Background(), c, "ping")
	assert.NoError(t, err)
}

func TestIdle_ConnectionLoss(t *testing.T) {
	srv := mpdtest.New(t)
	h := newHarness(t)
	c := connected(t, h, srv, newIdleConnector)
	require.True(t, srv.WaitIdleClients(1, waitFor))

	srv.DropConnections()
	ev := next(t, h.status)
	assert.True(t, ev.Mask.Has(types.Connectivity))
	assert.Error(t, ev.Err)

	assert.False(t, c.IsConnected())
	assert.NotEmpty(t, c.LastError())
	_, err := Send(context.Background(), c, "ping")
	assert.ErrorIs(t, err, ErrNotConnected)

	// a fresh connect is always safe after a loss
	require.NoError(t, c.Connect(context.Background(), srv.Host(), srv.Port(), time.Second))
	assert.True(t, c.IsConnected())
}

func TestIdle_ConnectFailure(t *testing.T) {
	srv := mpdtest.New(t)
	host, port := srv.Host(), srv.Port()
	srv.Close()

	h := newHarness(t)
	c := NewIdle(h.loop, h.disp)
	err := c.Connect(context.Background(), host, port, 200*time.Millisecond)
	require.Error(t, err)
	assert.False(t, c.IsConnected())
	assert.NotEmpty(t, c.LastError())
	expectNone(t, h.status, 50*time.Millisecond)
}

func TestIdle_AckReportedAndConnectionKept(t *testing.T) {
	srv := mpdtest.New(t)
	h := newHarness(t)
	c := connected(t, h, srv, newIdleConnector)

	_, err := Send(context.Background(), c, "frobnicate")
	require.True(t, protocol.IsAck(err))

	ev := next(t, h.status)
	assert.Equal(t, types.Error, ev.Mask)
	assert.True(t, protocol.IsAck(ev.Err))
	assert.True(t, c.IsConnected())
	assert.True(t, srv.WaitIdleClients(1, waitFor))
}

func TestIdle_Password(t *testing.T) {
	srv := mpdtest.New(t, mpdtest.WithPassword("hunter2"))
	h := newHarness(t)
	c := connected(t, h, srv, newIdleConnector, WithPassword("hunter2"))

	r, err := Send(context.Background(), c, "status")
	require.NoError(t, err)
	assert.Equal(t, "stop", r.Map()["state"])
}

func TestIdle_WrongPassword(t *testing.T) {
	srv := mpdtest.New(t, mpdtest.WithPassword("hunter2"))
	h := newHarness(t)
	c := NewIdle(h.loop, h.disp, WithPassword("nope"))
	err := c.Connect(context.Background(), srv.Host(), srv.Port(), time.Second)
	assert.True(t, protocol.IsAck(err))
	assert.False(t, c.IsConnected())
}

func TestIdle_SendList(t *testing.T) {
	srv := mpdtest.New(t)
	h := newHarness(t)
	c := connected(t, h, srv, newIdleConnector)

	r, err := SendList(context.Background(), c, "ping", "status")
	require.NoError(t, err)
	assert.Contains(t, r.Lines, "list_OK")
	assert.Equal(t, "stop", r.Map()["state"])
}

func TestIdle_ConcurrentSenders(t *testing.T) {
	srv := mpdtest.New(t)
	h := newHarness(t)
	c := connected(t, h, srv, newIdleConnector)

	const senders = 8
	var wg sync.WaitGroup
	errs := make(chan error, senders)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Send(context.Background(), c, "ping")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Equal(t, senders, srv.Count("ping"))
	assert.Eventually(t, func() bool {
		// every leave is matched by one re-entry, plus the initial idle
		return srv.Count("idle") == srv.Count("noidle")+1
	}, waitFor, 5*time.Millisecond)
	assert.True(t, c.IsConnected())
}

func TestIdle_GetOnUnconnected(t *testing.T) {
	h := newHarness(t)
	c := NewIdle(h.loop, h.disp)
	_, err := c.Get(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NotPanics(t, c.Disconnect)
}
