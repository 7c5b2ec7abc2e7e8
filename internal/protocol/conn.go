// Package protocol is the line-oriented transport used by the connectors:
// dial with greeting, send a line, receive lines blocking or non-blocking,
// and wait for socket readiness.
package protocol

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

var (
	ErrNotConnected = errors.New("protocol: not connected")
	ErrClosed       = errors.New("protocol: connection closed")
	ErrBadGreeting  = errors.New("protocol: unexpected greeting")
	ErrLineTooLong  = errors.New("protocol: line exceeds buffer")
	ErrInterrupted  = errors.New("protocol: wait interrupted")
)

const (
	greetingPrefix = "OK MPD "
	readBufferSize = 64 * 1024
)

// Conn is one physical connection. It is not safe for concurrent command
// use; callers serialize through the connector's lock discipline. Close and
// Interrupt may be called from any goroutine.
type Conn struct {
	nc      net.Conn
	rd      *bufio.Reader
	raw     syscall.RawConn
	timeout time.Duration
	version string

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to host:port, reads the server greeting and returns the
// connection. timeout bounds the dial and the greeting read.
func Dial(ctx context.Context, host string, port int, timeout time.Duration) (*Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	d := &net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c := newConn(nc, timeout)

	if timeout > 0 {
		_ = nc.SetReadDeadline(time.Now().Add(timeout))
	}
	hello, err := c.ReadLine()
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("read greeting from %s: %w", addr, err)
	}
	_ = nc.SetReadDeadline(time.Time{})
	if !strings.HasPrefix(hello, greetingPrefix) {
		_ = c.Close()
		return nil, fmt.Errorf("%w: %q", ErrBadGreeting, hello)
	}
	c.version = strings.TrimPrefix(hello, greetingPrefix)
	return c, nil
}

func newConn(nc net.Conn, timeout time.Duration) *Conn {
	c := &Conn{
		nc:      nc,
		rd:      bufio.NewReaderSize(nc, readBufferSize),
		timeout: timeout,
		closed:  make(chan struct{}),
	}
	if sc, ok := nc.(syscall.Conn); ok {
		if raw, err := sc.SyscallConn(); err == nil {
			c.raw = raw
		}
	}
	return c
}

// Version returns the protocol version announced in the greeting.
func (c *Conn) Version() string { return c.version }

// Timeout returns the timeout the connection was dialed with.
func (c *Conn) Timeout() time.Duration { return c.timeout }

// RemoteAddr returns the server address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Password authenticates the connection.
func (c *Conn) Password(ctx context.Context, pw string) error {
	_, err := c.Command(ctx, "password "+Quote(pw))
	return err
}

// SendLine writes one command line.
func (c *Conn) SendLine(line string) error {
	if c.isClosed() {
		return ErrClosed
	}
	if c.timeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	if _, err := c.nc.Write([]byte(line + "\n")); err != nil {
		return c.wrap(err)
	}
	return nil
}

// ReadLine blocks until a full line is available.
func (c *Conn) ReadLine() (string, error) {
	s, err := c.rd.ReadString('\n')
	if err != nil {
		return "", c.wrap(err)
	}
	return strings.TrimRight(s, "\r\n"), nil
}

// RecvLine returns the next line without blocking. ok is false when no
// complete line is buffered and the socket has nothing more to read yet.
// At most one read is issued on the socket per call.
func (c *Conn) RecvLine() (line string, ok bool, err error) {
	if c.isClosed() {
		return "", false, ErrClosed
	}
	if c.lineBuffered() {
		line, err = c.ReadLine()
		return line, err == nil, err
	}

	ready, err := c.Readiness()
	if err != nil {
		return "", false, c.wrap(err)
	}
	if ready&(Readable|Hangup) == 0 {
		return "", false, nil
	}

	// The socket is readable: Peek past what is buffered so bufio issues
	// exactly one read, which will not block.
	n := c.rd.Buffered()
	if n >= readBufferSize {
		return "", false, ErrLineTooLong
	}
	if _, err := c.rd.Peek(n + 1); err != nil {
		return "", false, c.wrap(err)
	}
	if c.lineBuffered() {
		line, err = c.ReadLine()
		return line, err == nil, err
	}
	return "", false, nil
}

// Buffered reports whether unread bytes are held client-side.
func (c *Conn) Buffered() bool { return c.rd.Buffered() > 0 }

func (c *Conn) lineBuffered() bool {
	n := c.rd.Buffered()
	if n == 0 {
		return false
	}
	b, _ := c.rd.Peek(n)
	return bytes.IndexByte(b, '\n') >= 0
}

// ReadReply reads lines until OK or ACK.
func (c *Conn) ReadReply() (Reply, error) {
	var r Reply
	for {
		line, err := c.ReadLine()
		if err != nil {
			return r, err
		}
		switch {
		case line == "OK":
			return r, nil
		case strings.HasPrefix(line, "ACK "):
			return r, ParseAck(line)
		default:
			r.Lines = append(r.Lines, line)
		}
	}
}

// Command sends line and reads its reply. Cancelling ctx, or reaching its
// deadline, interrupts the read; the reply stream is then out of step and
// the connection should be dropped.
func (c *Conn) Command(ctx context.Context, line string) (Reply, error) {
	if err := c.SendLine(line); err != nil {
		return Reply{}, err
	}
	r, err := c.ReadReplyContext(ctx)
	if err != nil && !IsAck(err) && ctx.Err() != nil {
		return r, fmt.Errorf("%s: %w", line, err)
	}
	return r, err
}

// ReadReplyContext is ReadReply interrupted by ctx. When ctx ends first
// the returned error wraps ctx.Err().
func (c *Conn) ReadReplyContext(ctx context.Context) (Reply, error) {
	stop := c.bindContext(ctx)
	r, err := c.ReadReply()
	stop()
	if err != nil && !IsAck(err) && ctx.Err() != nil {
		return r, ctx.Err()
	}
	return r, err
}

// bindContext interrupts reads when ctx ends, until the returned func is
// called.
func (c *Conn) bindContext(ctx context.Context) func() {
	fired := make(chan struct{})
	stopAfter := context.AfterFunc(ctx, func() {
		c.Interrupt()
		close(fired)
	})
	return func() {
		if !stopAfter() {
			<-fired
			c.ClearInterrupt()
		}
	}
}

// Interrupt makes a pending ReadLine or WaitReadable return promptly. The
// next call to ClearInterrupt restores blocking reads.
func (c *Conn) Interrupt() {
	_ = c.nc.SetReadDeadline(time.Now())
}

// ClearInterrupt removes the read deadline set by Interrupt.
func (c *Conn) ClearInterrupt() {
	_ = c.nc.SetReadDeadline(time.Time{})
}

// WaitReadable blocks until a line can be read without blocking, the
// socket reports readiness, Interrupt is called, or the connection closes.
func (c *Conn) WaitReadable() error {
	if c.isClosed() {
		return ErrClosed
	}
	if c.Buffered() {
		return nil
	}
	err := c.waitReadable()
	if errors.Is(err, os.ErrDeadlineExceeded) {
		if c.isClosed() {
			return ErrClosed
		}
		return ErrInterrupted
	}
	if err != nil {
		return c.wrap(err)
	}
	return nil
}

// CloseRead shuts down the read side, which makes a blocked read on this
// connection return. It falls back to Close for non-TCP connections.
func (c *Conn) CloseRead() error {
	if tc, ok := c.nc.(interface{ CloseRead() error }); ok {
		return tc.CloseRead()
	}
	return c.Close()
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.nc.Close()
	})
	return err
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) wrap(err error) error {
	if c.isClosed() || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}
