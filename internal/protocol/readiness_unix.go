//go:build unix

package protocol

import (
	"golang.org/x/sys/unix"
)

// Readiness reports the socket's current readiness without blocking.
func (c *Conn) Readiness() (Ready, error) {
	if c.raw == nil {
		return Readable | Writable, nil
	}
	var (
		ready   Ready
		pollErr error
	)
	err := c.raw.Control(func(fd uintptr) {
		ready, pollErr = pollFD(fd, unix.POLLIN|unix.POLLOUT)
	})
	if err != nil {
		return 0, err
	}
	return ready, pollErr
}

// waitReadable parks on the runtime poller until the fd is readable or the
// read deadline passes. The callback re-probes with a zero-timeout poll on
// every wakeup, so spurious wakeups loop instead of reporting readiness.
func (c *Conn) waitReadable() error {
	if c.raw == nil {
		_, err := c.rd.Peek(1)
		return err
	}
	var pollErr error
	err := c.raw.Read(func(fd uintptr) bool {
		var ready Ready
		ready, pollErr = pollFD(fd, unix.POLLIN)
		return pollErr != nil || ready&(Readable|Hangup) != 0
	})
	if err != nil {
		return err
	}
	return pollErr
}

func pollFD(fd uintptr, events int16) (Ready, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		_, err := unix.Poll(fds, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		break
	}
	var r Ready
	rev := fds[0].Revents
	if rev&unix.POLLIN != 0 {
		r |= Readable
	}
	if rev&unix.POLLOUT != 0 {
		r |= Writable
	}
	if rev&(unix.POLLHUP|unix.POLLERR) != 0 {
		r |= Hangup
	}
	return r, nil
}
