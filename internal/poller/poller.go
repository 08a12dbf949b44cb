// Package poller implements the cooperative-poller indirection from spec §9:
// rather than hard-coding a concurrency runtime, Channel/Thread waits consult
// a process-global pollability flag. If a host has injected a cooperative
// poller (e.g. an event-loop-driven scripting runtime), the wait is delegated
// to it; otherwise a direct blocking syscall is used.
package poller

import (
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// EventID identifies a registered wait event with a cooperative Poller.
type EventID uint64

// Poller is the minimal interface an injected cooperative poller must
// implement, per spec §9.
type Poller interface {
	IsPollable() bool
	WaitReadable(fd int, timeout time.Duration) (ready bool, err error)
	NewEvent(fd int) (EventID, error)
	WaitEvent(id EventID, timeout time.Duration) (ready bool, err error)
	DisposeEvent(id EventID) error
}

var current atomic.Value // holds Poller

// Register installs a cooperative poller process-wide. Passing nil reverts
// to direct blocking syscalls.
func Register(p Poller) {
	if p == nil {
		current.Store((*nilPoller)(nil))
		return
	}
	current.Store(p)
}

func active() Poller {
	v := current.Load()
	if v == nil {
		return nil
	}
	p, _ := v.(Poller)
	return p
}

// IsPollable reports whether a cooperative poller is currently registered.
func IsPollable() bool {
	p := active()
	return p != nil && p.IsPollable()
}

// WaitReadable blocks (or cooperatively yields) until fd is readable or
// timeout elapses. A zero timeout performs exactly one non-blocking check.
// Negative timeout waits indefinitely.
func WaitReadable(fd int, timeout time.Duration) (ready bool, err error) {
	if p := active(); p != nil && p.IsPollable() {
		return p.WaitReadable(fd, timeout)
	}
	return blockingWaitReadable(fd, timeout)
}

func blockingWaitReadable(fd int, timeout time.Duration) (bool, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(pfd, ms)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return false, err
		}
		return n > 0, nil
	}
}

// nilPoller is the zero value stored when no cooperative poller is
// registered, so active() never has to special-case a missing entry.
type nilPoller struct{}

func (*nilPoller) IsPollable() bool { return false }
func (*nilPoller) WaitReadable(fd int, timeout time.Duration) (bool, error) {
	return blockingWaitReadable(fd, timeout)
}
func (*nilPoller) NewEvent(fd int) (EventID, error)                       { return 0, errNotPollable }
func (*nilPoller) WaitEvent(id EventID, timeout time.Duration) (bool, error) { return false, errNotPollable }
func (*nilPoller) DisposeEvent(id EventID) error                          { return nil }

var errNotPollable = errors.New("poller: no cooperative poller registered")

func init() {
	current.Store((*nilPoller)(nil))
}
