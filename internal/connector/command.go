package connector

import (
	"context"
	"sync"
	"time"

	"github.com/ChuLiYu/mpdcore/internal/bridge"
	"github.com/ChuLiYu/mpdcore/internal/event"
	"github.com/ChuLiYu/mpdcore/internal/loop"
	"github.com/ChuLiYu/mpdcore/internal/protocol"
	"github.com/ChuLiYu/mpdcore/pkg/types"
)

// Command is the dual-connection connector. The command connection is
// never idled; a listener goroutine keeps a second connection in idle and
// pushes the changes through a bridged queue, and a pinger keeps the
// command connection from timing out.
type Command struct {
	base

	events *bridge.Queue[types.Event]
	watch  *bridge.Watch

	sessMu sync.Mutex
	sess   *cmdSession

	// guarded by cmdMu
	held *cmdSession
}

// cmdSession is one connection generation: both sockets and the two
// goroutines that serve them.
type cmdSession struct {
	cmd      *protocol.Conn
	listener *listener
	pinger   *pinger
}

// NewCommand creates an unconnected command-mode connector. Its event
// queue stays registered on l until Close.
func NewCommand(l *loop.Loop, d *event.Dispatcher, opts ...Option) *Command {
	c := &Command{events: bridge.NewQueue[types.Event]()}
	c.init("command", l, d, opts)
	c.emit = c.events.Push
	c.watch = bridge.WatchQueue(l, c.events, c.pollCeiling, c.drain)
	return c
}

// drain runs on the loop: everything queued since the last firing becomes
// one coalesced dispatch.
func (c *Command) drain(q *bridge.Queue[types.Event]) {
	var batch []types.Event
	q.Drain(func(ev types.Event) { batch = append(batch, ev) })
	c.disp.DispatchBatch(context.Background(), batch)
}

func (c *Command) current() *cmdSession {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	return c.sess
}

// Connect opens the command and listener connections and starts the
// listener and pinger. If either dial fails, whatever succeeded is closed
// and the first error is returned.
func (c *Command) Connect(ctx context.Context, host string, port int, timeout time.Duration) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if c.current() != nil {
		return ErrAlreadyConnected
	}

	cmdConn, err := c.dial(ctx, host, port, timeout)
	if err != nil {
		c.setError(err)
		c.log.Debug("connect failed", "mode", c.mode, "host", host, "port", port, "error", err)
		return err
	}
	listenConn, err := c.dial(ctx, host, port, timeout)
	if err != nil {
		_ = cmdConn.Close()
		c.setError(err)
		c.log.Debug("listener connect failed", "mode", c.mode, "host", host, "port", port, "error", err)
		return err
	}

	s := &cmdSession{
		cmd:      cmdConn,
		listener: newListener(listenConn),
		pinger:   newPinger(PingInterval(timeout)),
	}
	c.sessMu.Lock()
	c.sess = s
	c.sessMu.Unlock()
	c.setVersion(cmdConn.Version())
	c.setError(nil)
	c.setState(types.ConnectedIdle)

	go s.listener.run(c, s)
	go s.pinger.run(c, s)

	c.metrics.SetConnected(c.mode, true)
	c.log.Info("connected", "mode", c.mode, "host", host, "port", port,
		"version", cmdConn.Version(), "ping_interval", s.pinger.interval)
	c.emit(types.Event{Mask: types.Connectivity})
	return nil
}

// Disconnect stops the listener and the pinger and closes both
// connections. Calling it on an unconnected connector does nothing.
func (c *Command) Disconnect() {
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

// Close disconnects and removes the event queue from the loop.
func (c *Command) Close() {
	c.Disconnect()
	c.watch.Stop()
}

// Get acquires the command connection.
func (c *Command) Get(ctx context.Context) (*protocol.Conn, error) {
	if event.HeldBy(ctx, c) {
		if c.held == nil {
			return nil, ErrNotConnected
		}
		return c.held.cmd, nil
	}

	c.cmdMu.Lock()
	s := c.current()
	if s == nil {
		c.cmdMu.Unlock()
		c.log.Debug("get on unconnected connector", "mode", c.mode)
		return nil, ErrNotConnected
	}
	c.held = s
	c.setState(types.ConnectedActive)
	return s.cmd, nil
}

// Put releases the command connection. There is no idle to re-enter.
func (c *Command) Put(ctx context.Context, err error) {
	if event.HeldBy(ctx, c) {
		if err != nil && c.held != nil {
			c.settle(c.held, err)
		}
		return
	}

	defer c.cmdMu.Unlock()
	s := c.held
	c.held = nil
	if s == nil || c.current() != s {
		return
	}
	if c.settle(s, err) {
		c.release()
	}
}

func (c *Command) settle(s *cmdSession, err error) bool {
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

// ping sends a no-op on the command connection unless a command is
// already in flight, which resets the server's inactivity timer anyway.
func (c *Command) ping(s *cmdSession) {
	if !c.cmdMu.TryLock() {
		return
	}
	defer c.cmdMu.Unlock()
	if c.current() != s {
		return
	}

	ctx, cancel := withTimeout(context.Background(), s.cmd.Timeout())
	defer cancel()
	_, err := s.cmd.Command(ctx, "ping")
	c.metrics.RecordPing(err)
	if err != nil && !protocol.IsAck(err) {
		// teardown joins the pinger, so it cannot run on this goroutine
		go c.fail(s, err)
	}
}

// teardown stops s if it is still the live session.
func (c *Command) teardown(s *cmdSession) bool {
	c.sessMu.Lock()
	if c.sess != s {
		c.sessMu.Unlock()
		return false
	}
	c.sess = nil
	c.setState(types.Disconnecting)
	c.sessMu.Unlock()

	s.listener.stop()
	s.pinger.alive.Store(false)
	_ = s.cmd.Close()
	s.pinger.stop()
	c.setState(types.Unconnected)
	return true
}

func (c *Command) fail(s *cmdSession, err error) {
	if c.teardown(s) {
		c.lost(err)
	}
}
