package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/mpdcore/internal/config"
	"github.com/ChuLiYu/mpdcore/internal/connector"
	"github.com/ChuLiYu/mpdcore/internal/controller"
	"github.com/ChuLiYu/mpdcore/internal/event"
	"github.com/ChuLiYu/mpdcore/internal/mpdtest"
	"github.com/ChuLiYu/mpdcore/internal/protocol"
	"github.com/ChuLiYu/mpdcore/pkg/types"
)

const waitFor = 2 * time.Second

// fakeBackend records handler registrations and lets tests emit events.
type fakeBackend struct {
	mu         sync.Mutex
	connected  bool
	sendErr    error
	handlers   map[int]fakeHandler
	nextID     int
	registered chan types.Mask
}

type fakeHandler struct {
	filter types.Mask
	fn     event.HandlerFunc
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		handlers:   make(map[int]fakeHandler),
		registered: make(chan types.Mask, 8),
	}
}

func (f *fakeBackend) Send(_ context.Context, command string) (protocol.Reply, error) {
	if f.sendErr != nil {
		return protocol.Reply{}, f.sendErr
	}
	return protocol.Reply{Lines: []string{"echo: " + command}}, nil
}

func (f *fakeBackend) Status(context.Context) (map[string]string, error) {
	return map[string]string{"state": "play", "volume": "30"}, nil
}

func (f *fakeBackend) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeBackend) State() types.ConnState {
	if f.IsConnected() {
		return types.ConnectedIdle
	}
	return types.Unconnected
}

func (f *fakeBackend) Mode() string          { return "idle" }
func (f *fakeBackend) ServerVersion() string { return "0.23.5" }
func (f *fakeBackend) LastError() string     { return "" }

func (f *fakeBackend) JobStats() types.JobStats {
	return types.JobStats{Pending: 2, LastSubmitted: 4, LastFinished: 2}
}

func (f *fakeBackend) RegisterEventHandler(filter types.Mask, fn event.HandlerFunc) int {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.handlers[id] = fakeHandler{filter: filter, fn: fn}
	f.mu.Unlock()
	f.registered <- filter
	return id
}

func (f *fakeBackend) UnregisterEventHandler(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, id)
}

func (f *fakeBackend) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *fakeBackend) emit(ev types.Event) {
	f.mu.Lock()
	hs := make([]fakeHandler, 0, len(f.handlers))
	for _, h := range f.handlers {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		if ev.Mask.Has(h.filter) {
			h.fn(context.Background(), types.Event{Mask: ev.Mask & h.filter, Err: ev.Err})
		}
	}
}

// dial serves b over an in-memory listener and returns a client for it.
func dial(t *testing.T, b Backend) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	Register(gs, New(b))
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return NewClient(cc)
}

func TestSend(t *testing.T) {
	c := dial(t, newFakeBackend())
	lines, err := c.Send(context.Background(), "status")
	require.NoError(t, err)
	assert.Equal(t, []string{"echo: status"}, lines)
}

func TestSend_EmptyCommand(t *testing.T) {
	c := dial(t, newFakeBackend())
	_, err := c.Send(context.Background(), "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"not connected", connector.ErrNotConnected, codes.Unavailable},
		{"wrapped not connected", errors.Join(errors.New("x"), connector.ErrNotConnected), codes.Unavailable},
		{"unknown command", protocol.ParseAck(`ACK [5@0] {} unknown command "x"`), codes.InvalidArgument},
		{"bad argument", protocol.ParseAck("ACK [2@0] {setvol} Integer expected"), codes.InvalidArgument},
		{"permission", protocol.ParseAck("ACK [4@0] {play} you don't have permission"), codes.PermissionDenied},
		{"no such song", protocol.ParseAck("ACK [50@0] {play} No such song"), codes.FailedPrecondition},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
		{"transport", errors.New("broken pipe"), codes.Unavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, status.Code(toStatus(tt.err)))
		})
	}
}

func TestSend_ErrorMapping(t *testing.T) {
	b := newFakeBackend()
	b.sendErr = connector.ErrNotConnected
	c := dial(t, b)
	_, err := c.Send(context.Background(), "ping")
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestStatus(t *testing.T) {
	b := newFakeBackend()
	c := dial(t, b)

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	m := st.AsMap()
	assert.Equal(t, false, m["connected"])
	assert.Equal(t, "unconnected", m["state"])
	assert.Equal(t, "idle", m["mode"])
	assert.NotContains(t, m, "status")
	jobs := m["jobs"].(map[string]any)
	assert.Equal(t, 2.0, jobs["pending"])
	assert.Equal(t, 4.0, jobs["last_submitted"])

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	st, err = c.Status(context.Background())
	require.NoError(t, err)
	m = st.AsMap()
	assert.Equal(t, true, m["connected"])
	assert.Equal(t, "play", m["status"].(map[string]any)["state"])
}

func TestEvents(t *testing.T) {
	b := newFakeBackend()
	c := dial(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := c.Events(ctx, "player,error")
	require.NoError(t, err)

	select {
	case filter := <-b.registered:
		assert.Equal(t, types.Player|types.Error, filter)
	case <-time.After(waitFor):
		t.Fatal("subscriber never registered")
	}

	b.emit(types.Event{Mask: types.Mixer})
	b.emit(types.Event{Mask: types.Player | types.Mixer})
	b.emit(types.Event{Mask: types.Error, Err: errors.New("boom")})

	ev, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "player", ev.AsMap()["mask"])

	ev, err = stream.Recv()
	require.NoError(t, err)
	m := ev.AsMap()
	assert.Equal(t, "error", m["mask"])
	assert.Equal(t, "boom", m["error"])
	assert.Equal(t, []any{"error"}, m["categories"])

	cancel()
	assert.Eventually(t, func() bool { return b.handlerCount() == 0 }, waitFor, 5*time.Millisecond)
}

func TestEvents_UnknownCategory(t *testing.T) {
	c := dial(t, newFakeBackend())
	stream, err := c.Events(context.Background(), "player,bogus")
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestEventStruct(t *testing.T) {
	m := EventStruct(types.Event{Mask: types.Queue | types.Player}).AsMap()
	assert.Equal(t, "player|playlist", m["mask"])
	assert.Equal(t, []any{"player", "playlist"}, m["categories"])
	assert.NotContains(t, m, "error")
}

// End to end: a real controller against the fake protocol server.
func TestWithController(t *testing.T) {
	srv := mpdtest.New(t)
	ctrl := controller.New(controller.Config{
		Host:    srv.Host(),
		Port:    srv.Port(),
		Timeout: time.Second,
		Mode:    config.ModeIdle,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ctrl.Run(ctx)
	}()
	t.Cleanup(func() {
		ctrl.Close()
		cancel()
		<-done
	})
	require.NoError(t, ctrl.Connect(context.Background()))

	c := dial(t, ctrl)
	_, err := c.Send(context.Background(), "setvol 65")
	require.NoError(t, err)

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "65", st.AsMap()["status"].(map[string]any)["volume"])

	_, err = c.Send(context.Background(), "nonsense")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
