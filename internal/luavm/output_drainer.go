package luavm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/luathread/internal/groutine"
)

// defaultTranscriptCap bounds Transcript's byte ring: enough for a post-mortem
// tail of a worker's combined stdout/stderr without holding unbounded output.
const defaultTranscriptCap = 64 * 1024

// Transcript is a fixed-size byte ring holding the most recent combined
// stdout/stderr bytes a worker printed, for post-mortem inspection after a
// Thread has failed or been cancelled. Grounded in how the teacher's ptyio
// package rings PTY bytes through smallnest/ringbuffer; here the ring is
// write-only from the drainer's perspective and read-only from Snapshot.
type Transcript struct {
	mu  sync.Mutex
	buf *ringbuffer.RingBuffer
}

// NewTranscript creates a Transcript with the given byte capacity. A
// non-positive capacity falls back to defaultTranscriptCap.
func NewTranscript(capacity int) *Transcript {
	if capacity <= 0 {
		capacity = defaultTranscriptCap
	}
	return &Transcript{buf: ringbuffer.New(capacity)}
}

// write appends b to the ring, discarding the oldest bytes on overflow — a
// transcript is diagnostic, never load-bearing, so ErrIsFull is not an error
// here: the oldest bytes are drained to make room and the write retried.
func (t *Transcript) write(b []byte) {
	if len(b) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		n, err := t.buf.Write(b)
		if err == nil || !errors.Is(err, ringbuffer.ErrIsFull) {
			return
		}
		b = b[n:]
		if len(b) == 0 {
			return
		}
		free := t.buf.Capacity() - t.buf.Length()
		if free <= 0 {
			free = 1
		}
		discard := make([]byte, free)
		if _, derr := t.buf.TryRead(discard); derr != nil && !errors.Is(derr, ringbuffer.ErrIsEmpty) {
			return
		}
	}
}

// Snapshot returns a copy of the bytes currently held in the ring, oldest
// first, without consuming them.
func (t *Transcript) Snapshot() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.buf.Length()
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	read, err := t.buf.TryRead(out)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return nil
	}
	out = out[:read]
	// TryRead drains the ring; restore it so later Snapshot/write calls see
	// the same bytes until new output actually arrives.
	if read > 0 {
		if _, werr := t.buf.Write(out); werr != nil && !errors.Is(werr, ringbuffer.ErrIsFull) {
			return out
		}
	}
	return out
}

// OutputDrainer continuously drains a Lua output channel to stdout/stderr writers.
// It runs in a background goroutine and provides graceful shutdown via Cancel() and Wait().
type OutputDrainer struct {
	cancelOnce sync.Once      // ensures Cancel() is called at most once
	stop       chan struct{}  // signals the drainer goroutine to stop
	wg         sync.WaitGroup // tracks the drainer goroutine lifecycle

	transcript *Transcript
}

// Transcript returns the drainer's byte-ring transcript of everything
// written to stdout/stderr so far.
func (d *OutputDrainer) Transcript() *Transcript { return d.transcript }

// Cancel signals the drainer to stop and drain the remaining output.
func (d *OutputDrainer) Cancel() {
	d.cancelOnce.Do(func() {
		close(d.stop)
	})
}

// Wait blocks until the drainer goroutine has fully exited.
func (d *OutputDrainer) Wait() {
	d.wg.Wait()
}

// drainWithTimeout drains remaining messages from the channel with a timeout.
// Returns true if the channel was closed normally, false if the timeout was reached.
func drainWithTimeout(
	outputChan <-chan LuaOutputRecord,
	stdout, stderr io.Writer,
	transcript *Transcript,
	timeout time.Duration,
	logger *logrus.Logger,
	reason string,
) bool {
	drainTimeout := time.After(timeout)
	drained := 0
	for {
		select {
		case record, ok := <-outputChan:
			if !ok {
				// Channel closed, all messages drained
				logger.WithFields(logrus.Fields{
					"reason":  reason,
					"drained": drained,
				}).Debug("Output drainer: drain completed (channel closed)")
				return true
			}
			drained++
			transcript.write([]byte(record.Content))
			var err error
			switch record.Source {
			case "stdout":
				_, err = fmt.Fprint(stdout, record.Content)
			case "stderr":
				_, err = fmt.Fprint(stderr, record.Content)
			}
			if err != nil {
				logger.WithFields(logrus.Fields{
					"source": record.Source,
					"error":  err,
				}).Warn("Output drainer: write failed")
			}
		case <-drainTimeout:
			// Timeout reached, stop draining to prevent goroutine leak
			logger.WithFields(logrus.Fields{
				"reason":  reason,
				"drained": drained,
				"timeout": timeout,
			}).Debug("Output drainer: drain timeout reached")
			return false
		}
	}
}

// NewOutputDrainer starts a goroutine that continuously drains the outputChan
// to the provided stdout/stderr writers. It returns an OutputDrainer
// that you can Cancel() and Wait() on.
func NewOutputDrainer(
	ctx context.Context,
	outputChan <-chan LuaOutputRecord,
	logger *logrus.Logger,
	stdout, stderr io.Writer,
) *OutputDrainer {
	// Use io.Discard for nil writers to eliminate nil checks in the hot path
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	drainer := &OutputDrainer{
		stop:       make(chan struct{}),
		transcript: NewTranscript(defaultTranscriptCap),
	}

	drainer.wg.Add(1)
	groutine.Go(ctx, "lua-output-drainer", func(ctx context.Context) {
		defer drainer.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.WithField("panic", r).Error("Output drainer: panic recovered")
			}
		}()
		defer logger.Debugf("%s: exiting", groutine.GetName(ctx))

		for {
			select {
			case record, ok := <-outputChan:
				if !ok {
					// Output channel closed by luaAPI
					return
				}
				drainer.transcript.write([]byte(record.Content))
				var err error
				switch record.Source {
				case "stdout":
					_, err = fmt.Fprint(stdout, record.Content)
				case "stderr":
					_, err = fmt.Fprint(stderr, record.Content)
				}
				if err != nil {
					logger.WithFields(logrus.Fields{
						"source": record.Source,
						"error":  err,
					}).Warn("Output drainer: write failed")
				}

			case <-drainer.stop:
				// Drain remaining messages with a timeout to prevent indefinite blocking
				drainWithTimeout(outputChan, stdout, stderr, drainer.transcript, 100*time.Millisecond, logger, "stop")
				return

			case <-ctx.Done():
				// Context canceled - drain remaining messages with timeout before exit
				drainWithTimeout(outputChan, stdout, stderr, drainer.transcript, 100*time.Millisecond, logger, "context-done")
				return
			}
		}
	})

	return drainer
}
