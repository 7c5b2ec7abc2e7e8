package connector

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/mpdcore/internal/protocol"
	"github.com/ChuLiYu/mpdcore/internal/sleeper"
	"github.com/ChuLiYu/mpdcore/pkg/types"
)

// minPingTimeout keeps the ping interval, and therefore teardown, short
// even for tiny timeouts.
const minPingTimeout = 100 * time.Millisecond

// PingInterval returns half of the timeout, clamped below.
func PingInterval(timeout time.Duration) time.Duration {
	if timeout < minPingTimeout {
		timeout = minPingTimeout
	}
	return timeout / 2
}

// listener owns the listener connection of one session. Its running flag
// belongs to this instance only, so a stale listener from a previous
// connection can never be revived by a reconnect.
type listener struct {
	conn    *protocol.Conn
	running atomic.Bool
	done    chan struct{}
}

func newListener(conn *protocol.Conn) *listener {
	l := &listener{conn: conn, done: make(chan struct{})}
	l.running.Store(true)
	return l
}

// run blocks in idle and republishes every change through the bridge.
func (l *listener) run(c *Command, s *cmdSession) {
	defer close(l.done)
	for l.running.Load() {
		r, err := l.conn.Command(context.Background(), "idle")
		if !l.running.Load() {
			return
		}
		if err != nil {
			if protocol.IsAck(err) {
				err = fmt.Errorf("%w: idle: %w", ErrProtocol, err)
			}
			// teardown joins this goroutine
			go c.fail(s, err)
			return
		}

		mask, unknown := r.Changes()
		if len(unknown) > 0 {
			c.log.Debug("ignoring unknown subsystems", "names", strings.Join(unknown, ","))
		}
		if mask != types.None {
			c.events.Push(types.Event{Mask: mask})
		}
	}
}

// stop clears the flag, then shuts the connection's read side so a
// blocked idle returns, and joins.
func (l *listener) stop() {
	if l.running.CompareAndSwap(true, false) {
		_ = l.conn.CloseRead()
	}
	<-l.done
	_ = l.conn.Close()
}

// pinger periodically pings the command connection.
type pinger struct {
	interval time.Duration
	alive    atomic.Bool
	done     chan struct{}
}

func newPinger(interval time.Duration) *pinger {
	p := &pinger{interval: interval, done: make(chan struct{})}
	p.alive.Store(true)
	return p
}

func (p *pinger) run(c *Command, s *cmdSession) {
	defer close(p.done)
	for sleeper.Sleep(p.interval, &p.alive) {
		c.ping(s)
	}
}

func (p *pinger) stop() {
	p.alive.Store(false)
	<-p.done
}
