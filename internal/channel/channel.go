// Package channel adapts the bounded internal/queue.Queue to host-language
// values: a Channel is the host-facing handle that encodes/decodes tagged
// values and layers rendezvous, timeout, and closed-channel semantics on top
// of the queue's raw Push/Pop/PopMatch.
package channel

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/srg/luathread/internal/poller"
	"github.com/srg/luathread/internal/queue"
	"github.com/srg/luathread/internal/rterr"
)

// Codec encodes/decodes host values to/from the queue wire format. The
// concrete implementation lives with the embedded interpreter (see
// internal/interpreter, internal/luavm) so this package never imports it.
type Codec interface {
	Encode(value any) (queue.Tag, []byte, error)
	Decode(tag queue.Tag, payload []byte) (any, error)
}

// Channel is a 1:1 host-language handle over a Queue. Each interpreter
// (host or worker) that holds a reference to the same Queue gets its own
// Channel value wrapping it — closed is therefore per-handle state, touched
// concurrently by whichever goroutine owns this particular Channel and by
// finalizers, so it is an atomic.Bool rather than a plain bool.
type Channel struct {
	q     *queue.Queue
	codec Codec

	closed atomic.Bool
}

// New creates a Channel backed by a fresh Queue of the given capacity. A
// finalizer closes (unrefs) the Queue if the Channel is garbage collected
// without an explicit Close, per spec §3's "closed explicitly or on garbage
// collection".
func New(maxItems int, codec Codec) (*Channel, error) {
	q, err := queue.New(maxItems, nil)
	if err != nil {
		return nil, err
	}
	c := &Channel{q: q, codec: codec}
	runtime.SetFinalizer(c, (*Channel).Close)
	return c, nil
}

// Wrap adapts an existing Queue reference (already Ref'd by the caller) into
// a new, independent Channel handle over the same Queue. Used by spawn
// plumbing to bind a duplicate reference into a freshly created worker
// interpreter: spec §4.4 step 3 requires the hand-off to "duplicate the
// underlying Queue reference (increment refcnt)" rather than share the
// host's own handle, since the worker's ch:close() must drop only its own
// reference, not the host's. Like New, the returned Channel is finalized on
// GC.
func Wrap(q *queue.Queue, codec Codec) *Channel {
	c := &Channel{q: q, codec: codec}
	runtime.SetFinalizer(c, (*Channel).Close)
	return c
}

// Queue exposes the underlying Queue, e.g. so spawn plumbing can Ref() it
// into a new interpreter without decoding through the Channel.
func (c *Channel) Queue() *queue.Queue { return c.q }

// Codec exposes the value codec, so spawn plumbing can build a Wrap'd
// Channel over a duplicated Queue reference using the same encode/decode
// rules as the original.
func (c *Channel) Codec() Codec { return c.codec }

// Push encodes and enqueues value, waiting up to timeout (negative = forever,
// zero = one non-blocking attempt) for capacity, and — in rendezvous mode
// (MaxItems() == 1) — for the value to actually be consumed.
func (c *Channel) Push(value any, timeout time.Duration) (ok bool, timedOut bool, err error) {
	if c.closed.Load() {
		return false, false, rterr.New(rterr.InvalidArgument, "queue is closed")
	}

	tag, payload, err := c.codec.Encode(value)
	if err != nil {
		return false, false, rterr.Wrap(rterr.InvalidArgument, "unsupported channel value", err)
	}

	deadline := deadlineFrom(timeout)

	for {
		status, token, err := c.q.Push(tag, payload)
		if err != nil {
			return false, false, err
		}

		if status == queue.PushPushed {
			if c.q.MaxItems() != 1 {
				return true, false, nil
			}
			// Rendezvous: wait for WRITABLE, meaning the value was consumed.
			ready, werr := c.waitWritable(remaining(deadline))
			if werr != nil {
				return false, false, werr
			}
			if ready {
				return true, false, nil
			}
			// Timed out: try to revoke the still-unconsumed push.
			found, perr := c.q.PopMatch(token)
			if perr != nil {
				return false, false, perr
			}
			if found {
				return false, true, nil
			}
			// Gone: another side consumed it between the poll and the revoke.
			return true, false, nil
		}

		// FULL: wait for WRITABLE, then retry.
		ready, werr := c.waitWritable(remaining(deadline))
		if werr != nil {
			return false, false, werr
		}
		if !ready {
			return false, true, nil
		}
	}
}

// Pop dequeues and decodes the head value, waiting up to timeout for an item
// to become available.
func (c *Channel) Pop(timeout time.Duration) (value any, ok bool, timedOut bool, err error) {
	if c.closed.Load() {
		return nil, false, false, rterr.New(rterr.InvalidArgument, "queue is closed")
	}

	deadline := deadlineFrom(timeout)

	for {
		item, status, err := c.q.Pop()
		if err != nil {
			return nil, false, false, err
		}
		if status == queue.PopPopped {
			v, derr := c.codec.Decode(item.Tag, item.Payload)
			if derr != nil {
				return nil, false, false, derr
			}
			return v, true, false, nil
		}

		ready, werr := c.waitReadable(remaining(deadline))
		if werr != nil {
			return nil, false, false, werr
		}
		if !ready {
			return nil, false, true, nil
		}
	}
}

// Close is idempotent: it unrefs the Queue. Subsequent Push/Pop calls return
// "queue is closed" errors. Safe to call concurrently and safe to call from
// a finalizer goroutine.
func (c *Channel) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	runtime.SetFinalizer(c, nil)
	c.q.Unref()
}

func (c *Channel) Len() int        { return c.q.Len() }
func (c *Channel) NRef() int       { return c.q.NRef() }
func (c *Channel) MaxItems() int   { return c.q.MaxItems() }
func (c *Channel) FDReadable() int { return c.q.FDReadable() }
func (c *Channel) FDWritable() int { return c.q.FDWritable() }

func (c *Channel) waitReadable(timeout time.Duration) (bool, error) {
	return poller.WaitReadable(c.q.FDReadable(), timeout)
}

func (c *Channel) waitWritable(timeout time.Duration) (bool, error) {
	return poller.WaitReadable(c.q.FDWritable(), timeout)
}

// deadlineFrom converts a caller-supplied timeout into an absolute deadline.
// A negative timeout means "wait forever" and is represented as the zero
// time.Time (checked specially by remaining()).
func deadlineFrom(timeout time.Duration) time.Time {
	if timeout < 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func remaining(deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return -1
	}
	d := time.Until(deadline)
	if d < 0 {
		return 0
	}
	return d
}
