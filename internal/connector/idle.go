package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/mpdcore/internal/event"
	"github.com/ChuLiYu/mpdcore/internal/loop"
	"github.com/ChuLiYu/mpdcore/internal/protocol"
	"github.com/ChuLiYu/mpdcore/pkg/types"
)

// Idle is the single-connection connector. While nobody holds it, the
// connection sits in idle and a watcher reports read readiness to the
// loop; the loop side parses the change lines, dispatches, and idles again.
type Idle struct {
	base

	sessMu sync.Mutex
	sess   *idleSession

	watchMu sync.Mutex
	w       *watcher

	// guarded by cmdMu
	held    *idleSession
	pending types.Mask
}

// idleSession is one connection generation.
type idleSession struct {
	conn *protocol.Conn
}

// watcher is one armed readiness watch. A watch is never reused: every
// arm registers a fresh loop source and a fresh waiting goroutine.
type watcher struct {
	conn  *protocol.Conn
	srcID int
	ready atomic.Bool
	done  chan struct{}
}

// NewIdle creates an unconnected idle-mode connector whose events are
// dispatched through d on l.
func NewIdle(l *loop.Loop, d *event.Dispatcher, opts ...Option) *Idle {
	c := &Idle{}
	c.init("idle", l, d, opts)
	c.emit = c.postEvent
	return c
}

func (c *Idle) current() *idleSession {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	return c.sess
}

// Connect dials, authenticates and enters idle.
func (c *Idle) Connect(ctx context.Context, host string, port int, timeout time.Duration) error {
	c.cmdMu.Lock()
	defer c.unlock()
	if c.current() != nil {
		return ErrAlreadyConnected
	}

	conn, err := c.dial(ctx, host, port, timeout)
	if err != nil {
		c.setError(err)
		c.log.Debug("connect failed", "mode", c.mode, "host", host, "port", port, "error", err)
		return err
	}

	s := &idleSession{conn: conn}
	c.sessMu.Lock()
	c.sess = s
	c.sessMu.Unlock()
	c.pending = types.None
	c.setVersion(conn.Version())
	c.setError(nil)

	if err := c.enterIdle(s); err != nil {
		c.teardown(s)
		c.setError(err)
		return err
	}

	c.metrics.SetConnected(c.mode, true)
	c.log.Info("connected", "mode", c.mode, "host", host, "port", port, "version", conn.Version())
	c.emit(types.Event{Mask: types.Connectivity})
	return nil
}

// Disconnect closes the connection. Calling it on an unconnected
// connector does nothing.
func (c *Idle) Disconnect() {
	s := c.current()
	if s == nil {
		return
	}
	if c.teardown(s) {
		c.metrics.SetConnected(c.mode, false)
		c.log.Info("disconnected", "mode", c.mode)
		c.emit(types.Event{Mask: types.Connectivity})
	}
}

// Close is Disconnect; the idle connector keeps no loop registration
// while unconnected.
func (c *Idle) Close() { c.Disconnect() }

// Get leaves idle and hands out the connection.
func (c *Idle) Get(ctx context.Context) (*protocol.Conn, error) {
	if event.HeldBy(ctx, c) {
		if c.held == nil {
			return nil, ErrNotConnected
		}
		return c.held.conn, nil
	}

	c.cmdMu.Lock()
	s := c.current()
	if s == nil {
		c.cmdMu.Unlock()
		c.log.Debug("get on unconnected connector", "mode", c.mode)
		return nil, ErrNotConnected
	}
	if c.State() == types.ConnectedIdle {
		if err := c.leaveIdle(ctx, s); err != nil {
			c.fail(s, err)
			c.cmdMu.Unlock()
			return nil, err
		}
	}
	c.held = s
	return s.conn, nil
}

// Put re-enters idle and releases the connection.
func (c *Idle) Put(ctx context.Context, err error) {
	if event.HeldBy(ctx, c) {
		// The holder re-enters idle once its dispatch returns.
		if err != nil && c.held != nil {
			c.settle(c.held, err)
		}
		return
	}

	defer c.unlock()
	s := c.held
	c.held = nil
	if s == nil || c.current() != s {
		return
	}
	if !c.settle(s, err) {
		return
	}
	if err := c.enterIdle(s); err != nil {
		c.fail(s, err)
	}
}

// settle reports whether the connection survives err.
func (c *Idle) settle(s *idleSession, err error) bool {
	switch {
	case err == nil:
		return true
	case protocol.IsAck(err):
		c.reportAck(err)
		return true
	default:
		c.fail(s, err)
		return false
	}
}

// enterIdle sends idle and arms the readiness watch. Caller holds cmdMu.
func (c *Idle) enterIdle(s *idleSession) error {
	if err := s.conn.SendLine("idle"); err != nil {
		return err
	}
	c.setState(types.ConnectedIdle)
	c.metrics.RecordIdleTransition(true)
	c.arm(s)
	return nil
}

// leaveIdle cancels idle and drains its reply. Changes reported in that
// reply, plus any collected earlier by the loop side, are dispatched on
// the loop. Caller holds cmdMu.
func (c *Idle) leaveIdle(ctx context.Context, s *idleSession) error {
	c.disarm()
	c.setState(types.ConnectedActive)
	c.metrics.RecordIdleTransition(false)

	if err := s.conn.SendLine("noidle"); err != nil {
		return err
	}
	rctx, cancel := withTimeout(ctx, s.conn.Timeout())
	defer cancel()
	r, err := s.conn.ReadReplyContext(rctx)
	if err != nil {
		if protocol.IsAck(err) {
			return fmt.Errorf("%w: noidle: %w", ErrProtocol, err)
		}
		return err
	}

	mask, unknown := r.Changes()
	if len(unknown) > 0 {
		c.log.Debug("ignoring unknown subsystems", "names", strings.Join(unknown, ","))
	}
	mask |= c.pending
	c.pending = types.None
	if mask != types.None {
		c.postEvent(types.Event{Mask: mask})
	}
	return nil
}

// ============================================================================
// Readiness watch
// ============================================================================

// arm starts a watch for read readiness on s.
func (c *Idle) arm(s *idleSession) {
	c.disarm()
	if c.current() != s {
		return
	}
	w := &watcher{conn: s.conn, done: make(chan struct{})}
	w.srcID = c.loop.Add(loop.SourceFuncs{
		ReadyFunc: w.ready.Load,
		FireFunc:  func() { c.onReadable(s, w) },
	}, c.pollCeiling)

	c.watchMu.Lock()
	c.w = w
	c.watchMu.Unlock()

	go func() {
		defer close(w.done)
		if err := w.conn.WaitReadable(); errors.Is(err, protocol.ErrInterrupted) {
			return
		}
		// readable, hung up or closed: the loop side reads and finds out which
		w.ready.Store(true)
		c.loop.Wakeup()
	}()
}

// disarm stops the current watch and waits for its goroutine.
func (c *Idle) disarm() {
	c.watchMu.Lock()
	w := c.w
	c.w = nil
	c.watchMu.Unlock()
	c.stopWatcher(w)
}

// unlock releases cmdMu and wakes the loop if the current watch saw
// readiness while the lock was held.
func (c *Idle) unlock() {
	c.cmdMu.Unlock()
	c.watchMu.Lock()
	w := c.w
	c.watchMu.Unlock()
	if w != nil && w.ready.Load() {
		c.loop.Wakeup()
	}
}

// dropWatcher stops w only if it is still the current watch.
func (c *Idle) dropWatcher(w *watcher) {
	c.watchMu.Lock()
	mine := c.w == w
	if mine {
		c.w = nil
	}
	c.watchMu.Unlock()
	if mine {
		c.stopWatcher(w)
	} else {
		c.loop.Remove(w.srcID)
	}
}

func (c *Idle) stopWatcher(w *watcher) {
	if w == nil {
		return
	}
	c.loop.Remove(w.srcID)
	w.conn.Interrupt()
	<-w.done
	w.conn.ClearInterrupt()
}

// onReadable runs on the loop goroutine when the watcher saw readiness.
func (c *Idle) onReadable(s *idleSession, w *watcher) {
	if !c.cmdMu.TryLock() {
		// Someone else holds the connection. ready stays set: a leaving Get
		// removes this watch, any other holder wakes the loop on unlock and
		// the poll ceiling covers the rest.
		return
	}
	defer c.cmdMu.Unlock()

	if c.current() != s || c.State() != types.ConnectedIdle {
		c.dropWatcher(w)
		return
	}
	c.disarm()

	mask, complete, err := c.readIdle(s)
	if err != nil {
		c.fail(s, err)
		return
	}
	if !complete {
		c.arm(s)
		return
	}

	c.setState(types.ConnectedActive)
	c.metrics.RecordIdleTransition(false)
	if mask != types.None {
		c.held = s
		ctx := event.WithHolder(context.Background(), c)
		c.disp.Dispatch(ctx, types.Event{Mask: mask})
		c.held = nil
	}
	if c.current() != s {
		// a handler disconnected
		return
	}
	if err := c.enterIdle(s); err != nil {
		c.fail(s, err)
	}
}

// readIdle consumes whatever lines are available without blocking.
// complete is true once the terminating OK was read; the accumulated mask
// is returned then and reset.
func (c *Idle) readIdle(s *idleSession) (mask types.Mask, complete bool, err error) {
	for {
		line, ok, err := s.conn.RecvLine()
		if err != nil {
			return types.None, false, err
		}
		if !ok {
			return types.None, false, nil
		}
		switch {
		case line == "OK":
			mask, c.pending = c.pending, types.None
			return mask, true, nil
		case strings.HasPrefix(line, "ACK "):
			return types.None, false, fmt.Errorf("%w: idle: %w", ErrProtocol, protocol.ParseAck(line))
		}
		bit, name, isChange := protocol.ParseChanged(line)
		switch {
		case !isChange:
			return types.None, false, fmt.Errorf("%w: unexpected line %q while idling", ErrProtocol, line)
		case bit == types.None:
			c.log.Debug("ignoring unknown subsystem", "name", name)
		default:
			c.pending |= bit
		}
	}
}

// ============================================================================
// Teardown
// ============================================================================

// teardown closes s if it is still the live session. It does not need
// cmdMu, so handlers and failing goroutines can call it.
func (c *Idle) teardown(s *idleSession) bool {
	c.sessMu.Lock()
	if c.sess != s {
		c.sessMu.Unlock()
		return false
	}
	c.sess = nil
	c.setState(types.Disconnecting)
	c.sessMu.Unlock()

	c.disarm()
	_ = s.conn.Close()
	c.setState(types.Unconnected)
	return true
}

func (c *Idle) fail(s *idleSession, err error) {
	if c.teardown(s) {
		c.lost(err)
	}
}
