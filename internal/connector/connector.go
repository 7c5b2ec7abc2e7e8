// ============================================================================
// mpdcore Connector - connection ownership and the get/put lock discipline
// ============================================================================
//
// Package: internal/connector
// File: connector.go
//
// Two implementations share one contract:
//   - Idle:    one connection, alternating between idling (server pushes
//              changes) and active (caller issues commands)
//   - Command: one command connection plus one listener connection that a
//              dedicated goroutine keeps in idle, and a pinger
//
// Lock discipline:
//   Get acquires the command-in-flight mutex and hands out the connection;
//   Put hands it back. Only one command is in flight at a time. A handler
//   running inside a dispatch issued by the connector while it holds the
//   mutex receives a ctx marked with event.WithHolder; Get and Put called
//   with that ctx skip the mutex and the idle transitions.
//
// Failure:
//   Transport errors never cross goroutines as panics. They tear the
//   connection down to Unconnected and emit a Connectivity event carrying
//   the error. Reconnecting is the caller's decision.
//
// ============================================================================

package connector

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/mpdcore/internal/event"
	"github.com/ChuLiYu/mpdcore/internal/loop"
	"github.com/ChuLiYu/mpdcore/internal/protocol"
	"github.com/ChuLiYu/mpdcore/pkg/types"
)

var (
	ErrNotConnected     = errors.New("connector: not connected")
	ErrAlreadyConnected = errors.New("connector: already connected")
	// ErrProtocol marks replies that leave the connection in an unknown state.
	ErrProtocol = errors.New("connector: protocol error")
)

// DefaultPollCeiling bounds how long the loop goes between readiness checks.
const DefaultPollCeiling = 100 * time.Millisecond

// Connector is the connection abstraction handed to application code.
type Connector interface {
	Connect(ctx context.Context, host string, port int, timeout time.Duration) error
	Disconnect()
	IsConnected() bool

	// Get acquires the connection for issuing commands. Every successful
	// Get must be paired with exactly one Put.
	Get(ctx context.Context) (*protocol.Conn, error)
	// Put releases the connection. err is the outcome of the work done
	// with it: a transport error tears the connection down, an ACK is
	// reported on the Error category, nil keeps it.
	Put(ctx context.Context, err error)

	State() types.ConnState
	LastError() string
	ServerVersion() string
	Mode() string

	// Close disconnects and releases the connector's loop registrations.
	Close()
}

// Recorder receives connector metrics. metrics.Collector implements it.
type Recorder interface {
	SetConnected(mode string, connected bool)
	RecordConnectivityLost(mode string)
	RecordIdleTransition(entering bool)
	RecordPing(err error)
}

type nopRecorder struct{}

func (nopRecorder) SetConnected(string, bool)     {}
func (nopRecorder) RecordConnectivityLost(string) {}
func (nopRecorder) RecordIdleTransition(bool)     {}
func (nopRecorder) RecordPing(error)              {}

type options struct {
	log         *slog.Logger
	metrics     Recorder
	password    string
	pollCeiling time.Duration
}

// Option configures a connector.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.metrics = r
		}
	}
}

// WithPassword authenticates every physical connection right after dialing.
func WithPassword(pw string) Option {
	return func(o *options) { o.password = pw }
}

// WithPollCeiling sets the loop poll ceiling for the connector's sources.
func WithPollCeiling(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollCeiling = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		log:         slog.Default(),
		metrics:     nopRecorder{},
		pollCeiling: DefaultPollCeiling,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Send runs one command through the lock discipline.
func Send(ctx context.Context, c Connector, command string) (protocol.Reply, error) {
	conn, err := c.Get(ctx)
	if err != nil {
		return protocol.Reply{}, err
	}
	r, err := conn.Command(ctx, command)
	c.Put(ctx, err)
	return r, err
}

// SendList runs commands as one command_list_ok_begin block. The reply keeps
// the list_OK separators.
func SendList(ctx context.Context, c Connector, commands ...string) (protocol.Reply, error) {
	conn, err := c.Get(ctx)
	if err != nil {
		return protocol.Reply{}, err
	}
	r, err := commandList(ctx, conn, commands)
	c.Put(ctx, err)
	return r, err
}

func commandList(ctx context.Context, conn *protocol.Conn, commands []string) (protocol.Reply, error) {
	if err := conn.SendLine("command_list_ok_begin"); err != nil {
		return protocol.Reply{}, err
	}
	for _, cmd := range commands {
		if err := conn.SendLine(cmd); err != nil {
			return protocol.Reply{}, err
		}
	}
	return conn.Command(ctx, "command_list_end")
}

// ============================================================================
// Shared state
// ============================================================================

// base holds what both connectors share: state, last error, the
// command-in-flight mutex and the way events leave the connector.
type base struct {
	options
	mode string
	loop *loop.Loop
	disp *event.Dispatcher

	// cmdMu is the command-in-flight lock.
	cmdMu sync.Mutex

	state atomic.Int32

	infoMu  sync.Mutex
	lastErr string
	version string

	// emit delivers an event on the dispatch goroutine.
	emit func(types.Event)
}

func (b *base) init(mode string, l *loop.Loop, d *event.Dispatcher, opts []Option) {
	b.options = buildOptions(opts)
	b.mode = mode
	b.loop = l
	b.disp = d
}

// postEvent schedules a dispatch on the loop goroutine.
func (b *base) postEvent(ev types.Event) {
	b.loop.Post(func() { b.disp.Dispatch(context.Background(), ev) })
}

func (b *base) Mode() string { return b.mode }

func (b *base) State() types.ConnState { return types.ConnState(b.state.Load()) }

func (b *base) setState(s types.ConnState) { b.state.Store(int32(s)) }

// release moves Active back to ConnectedIdle unless a teardown got there first.
func (b *base) release() {
	b.state.CompareAndSwap(int32(types.ConnectedActive), int32(types.ConnectedIdle))
}

func (b *base) IsConnected() bool {
	s := b.State()
	return s == types.ConnectedIdle || s == types.ConnectedActive
}

func (b *base) LastError() string {
	b.infoMu.Lock()
	defer b.infoMu.Unlock()
	return b.lastErr
}

func (b *base) ServerVersion() string {
	b.infoMu.Lock()
	defer b.infoMu.Unlock()
	return b.version
}

func (b *base) setError(err error) {
	b.infoMu.Lock()
	defer b.infoMu.Unlock()
	if err == nil {
		b.lastErr = ""
		return
	}
	b.lastErr = err.Error()
}

func (b *base) setVersion(v string) {
	b.infoMu.Lock()
	b.version = v
	b.infoMu.Unlock()
}

// dial opens one authenticated connection.
func (b *base) dial(ctx context.Context, host string, port int, timeout time.Duration) (*protocol.Conn, error) {
	conn, err := protocol.Dial(ctx, host, port, timeout)
	if err != nil {
		return nil, err
	}
	if b.password != "" {
		pctx, cancel := withTimeout(ctx, timeout)
		defer cancel()
		if err := conn.Password(pctx, b.password); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// reportAck emits an Error event for a command the server refused.
func (b *base) reportAck(err error) {
	b.log.Debug("command refused", "mode", b.mode, "error", err)
	b.emit(types.Event{Mask: types.Error, Err: err})
}

// lost records an unexpected teardown.
func (b *base) lost(err error) {
	b.setError(err)
	b.metrics.RecordConnectivityLost(b.mode)
	b.metrics.SetConnected(b.mode, false)
	b.log.Warn("connection lost", "mode", b.mode, "error", err)
	if errors.Is(err, ErrProtocol) {
		b.emit(types.Event{Mask: types.Error, Err: err})
	}
	b.emit(types.Event{Mask: types.Connectivity, Err: err})
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
