package queue

import "github.com/srg/luathread/internal/ospipe"

// pipePair is one of a Queue's two "doorbell" pipes: one byte arms it,
// reading that byte disarms it. Both ends are always O_NONBLOCK and
// FD_CLOEXEC per spec §6.
type pipePair struct {
	ospipe.Pair
}

func newPipePair() (pipePair, error) {
	p, err := ospipe.New()
	if err != nil {
		return pipePair{}, err
	}
	return pipePair{p}, nil
}

func (p pipePair) readFD() int { return p.R }

func (p pipePair) close() { p.Pair.Close() }

// arm writes the single doorbell byte.
func (p pipePair) arm() error { return ospipe.WriteByte(p.W) }

// disarm reads back the single doorbell byte. A doorbell pipe is only ever
// read by the Queue itself under its own invariant bookkeeping, so a
// zero-byte read here would mean the read end was closed out from under the
// queue — an internal invariant violation, not the pipe-closed-without-
// terminator case ReadByteNonBlocking's error also covers for Thread.
func (p pipePair) disarm() error {
	_, err := ospipe.ReadByteNonBlocking(p.R)
	return err
}
