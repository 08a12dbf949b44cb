// Package ospipe is the single place that talks to raw OS pipes for the
// runtime: Queue's readiness doorbells and Thread's termination/cancellation
// signals all go through here. Grounded in how the teacher repo's ptyio
// package drives non-blocking pipe/tty fds with golang.org/x/sys/unix
// (EINTR retried once, EAGAIN treated as "nothing to do" rather than fatal).
package ospipe

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Pair is one O_NONBLOCK|FD_CLOEXEC pipe: a read end and a write end.
type Pair struct {
	R int
	W int
}

// New creates a non-blocking, close-on-exec pipe pair.
func New() (Pair, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return Pair{}, err
	}
	return Pair{R: fds[0], W: fds[1]}, nil
}

// Close closes both ends. Safe to call at most once per Pair.
func (p Pair) Close() {
	_ = unix.Close(p.R)
	_ = unix.Close(p.W)
}

var oneByte = [1]byte{'0'}

// WriteByte writes the single '0' marker byte used by every pipe protocol in
// this runtime (doorbell, termination, cancellation). EINTR is retried once;
// EAGAIN is folded into success since a byte is already in flight.
func WriteByte(fd int) error {
	n, err := unix.Write(fd, oneByte[:])
	if err != nil && errors.Is(err, unix.EINTR) {
		n, err = unix.Write(fd, oneByte[:])
	}
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}
		return err
	}
	if n != 1 {
		return errors.New("ospipe: short write")
	}
	return nil
}

// ReadByteNonBlocking attempts one non-blocking read of a single byte.
// Returns (true, nil) if a byte was read, (false, nil) on EAGAIN/EWOULDBLOCK,
// and a non-nil error for anything else (including EOF, which callers must
// treat as the fatal "pipe closed without the terminator" per spec §6).
func ReadByteNonBlocking(fd int) (read bool, err error) {
	var buf [1]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil && errors.Is(err, unix.EINTR) {
		n, err = unix.Read(fd, buf[:])
	}
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return false, nil
		}
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if n == 0 {
		return false, errors.New("ospipe: invariant violation — pipe closed with a zero-byte read instead of the terminator")
	}
	return false, errors.New("ospipe: invariant violation — read more than one byte off a single-byte pipe")
}
