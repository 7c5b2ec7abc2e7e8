//go:build !unix

package protocol

import "time"

// Readiness approximates a zero-timeout readiness probe with a very short
// read deadline, since no portable poll exists here.
func (c *Conn) Readiness() (Ready, error) {
	if c.rd.Buffered() > 0 {
		return Readable | Writable, nil
	}
	_ = c.nc.SetReadDeadline(time.Now().Add(time.Millisecond))
	_, err := c.rd.Peek(1)
	_ = c.nc.SetReadDeadline(time.Time{})
	if err == nil {
		return Readable | Writable, nil
	}
	if isTimeout(err) {
		return Writable, nil
	}
	return Hangup, nil
}

func (c *Conn) waitReadable() error {
	_, err := c.rd.Peek(1)
	return err
}
