package connector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/mpdcore/internal/event"
	"github.com/ChuLiYu/mpdcore/internal/loop"
	"github.com/ChuLiYu/mpdcore/internal/mpdtest"
	"github.com/ChuLiYu/mpdcore/pkg/types"
)

const waitFor = 2 * time.Second

// harness runs a loop and collects dispatched events: subsystem changes
// and connectivity/error notifications go to separate channels.
type harness struct {
	loop    *loop.Loop
	disp    *event.Dispatcher
	changes chan types.Event
	status  chan types.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		loop:    loop.New(),
		disp:    event.NewDispatcher(),
		changes: make(chan types.Event, 64),
		status:  make(chan types.Event, 64),
	}
	h.disp.Register(types.AllSubsystems, func(_ context.Context, ev types.Event) { h.changes <- ev })
	h.disp.Register(types.Connectivity|types.Error, func(_ context.Context, ev types.Event) { h.status <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func next(t *testing.T, ch <-chan types.Event) types.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(waitFor):
		t.Fatal("no event dispatched")
		return types.Event{}
	}
}

func expectNone(t *testing.T, ch <-chan types.Event, d time.Duration) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s (err=%v)", ev.Mask, ev.Err)
	case <-time.After(d):
	}
}

// connected returns a connector of the given kind connected to srv, with
// the initial Connectivity event consumed.
func connected(t *testing.T, h *harness, srv *mpdtest.Server, mk func(*loop.Loop, *event.Dispatcher, ...Option) Connector, opts ...Option) Connector {
	t.Helper()
	c := mk(h.loop, h.disp, opts...)
	t.Cleanup(c.Close)
	require.NoError(t, c.Connect(context.Background(), srv.Host(), srv.Port(), time.Second))
	ev := next(t, h.status)
	require.True(t, ev.Mask.Has(types.Connectivity))
	require.NoError(t, ev.Err)
	return c
}

func newIdleConnector(l *loop.Loop, d *event.Dispatcher, opts ...Option) Connector {
	return NewIdle(l, d, opts...)
}

func newCommandConnector(l *loop.Loop, d *event.Dispatcher, opts ...Option) Connector {
	return NewCommand(l, d, opts...)
}
