// Package queue implements the runtime's cross-thread bounded FIFO: the
// primitive Channel is built on. Its defining trait is that readability and
// writability are each observable through an ordinary pollable file
// descriptor, not just a condition variable — so an external event loop can
// `select`/`poll`/`epoll` a channel exactly like a socket.
//
// The pipe-arming scheme is grounded in how the teacher repo's ptyio package
// talks to non-blocking pipes (EAGAIN/EINTR handling around unix.Read/Write),
// generalized here to a pair of one-byte "doorbell" pipes per queue.
package queue

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/srg/luathread/internal/rterr"
)

// Tag identifies the type of a queued value per the wire format in spec §6.
type Tag byte

const (
	TagTrue         Tag = 0
	TagFalse        Tag = 1
	TagLightPointer Tag = 2
	TagNumber       Tag = 3
	TagInteger      Tag = 4
	TagString       Tag = 5
)

// Item is a single FIFO entry. Payload is empty for True/False, a fixed-width
// encoding for Integer/Number/LightPointer, and raw bytes for String.
type Item struct {
	Tag     Tag
	Payload []byte

	seq uint64 // insertion sequence; the pop_match identity token
}

// Token returns the identity used by PopMatch to revoke an unconsumed push.
func (it Item) Token() uint64 { return it.seq }

// Deleter is invoked once per remaining item when the last reference to a
// Queue is dropped. It must not block and must not reenter the same Queue.
type Deleter func(Item)

// PushStatus is the outcome of a Push attempt.
type PushStatus int

const (
	PushPushed PushStatus = iota
	PushFull
)

// PopStatus is the outcome of a Pop attempt.
type PopStatus int

const (
	PopPopped PopStatus = iota
	PopEmpty
)

// Queue is a thread-safe bounded FIFO of tagged items, reference-counted,
// with dual-edge pipe-based readiness signalling.
type Queue struct {
	mu sync.Mutex

	items    *list.List
	maxItems int

	refcnt  int32
	deleter Deleter

	readPipe  pipePair // write end armed (1 byte) iff length > 0
	writePipe pipePair // write end armed (1 byte) iff length < maxItems

	readable bool
	writable bool

	nextSeq uint64
	closed  bool
}

// New creates a Queue with the given bounded capacity. maxItems must be >= 1;
// per spec §9's open question the ambiguous "0 means rendezvous" reading is
// rejected outright rather than silently coerced to 1 (see DESIGN.md).
func New(maxItems int, deleter Deleter) (*Queue, error) {
	if maxItems < 1 {
		return nil, rterr.New(rterr.InvalidArgument, "max_items must be >= 1 (0 is rejected, not coerced)")
	}

	rp, err := newPipePair()
	if err != nil {
		return nil, rterr.Wrap(rterr.Resource, "failed to create readable-edge pipe", err)
	}
	wp, err := newPipePair()
	if err != nil {
		rp.close()
		return nil, rterr.Wrap(rterr.Resource, "failed to create writable-edge pipe", err)
	}

	q := &Queue{
		items:     list.New(),
		maxItems:  maxItems,
		refcnt:    1,
		deleter:   deleter,
		readPipe:  rp,
		writePipe: wp,
	}

	// A brand-new queue is empty and not full: arm WRITABLE immediately.
	if err := wp.arm(); err != nil {
		rp.close()
		wp.close()
		return nil, rterr.Wrap(rterr.Resource, "failed to arm writable pipe", err)
	}
	q.writable = true

	return q, nil
}

// Ref increments the reference count. Every cross-thread hand-off of a Queue
// must call Ref exactly once.
func (q *Queue) Ref() {
	atomic.AddInt32(&q.refcnt, 1)
}

// Unref decrements the reference count. At zero, every remaining payload is
// passed to the deleter and both pipes are closed.
func (q *Queue) Unref() {
	if atomic.AddInt32(&q.refcnt, -1) > 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true

	if q.deleter != nil {
		for e := q.items.Front(); e != nil; e = e.Next() {
			q.deleter(e.Value.(Item))
		}
	}
	q.items.Init()
	q.readPipe.close()
	q.writePipe.close()
}

// NRef returns a snapshot of the reference count.
func (q *Queue) NRef() int { return int(atomic.LoadInt32(&q.refcnt)) }

// Len returns the current item count.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// MaxItems returns the bounded capacity.
func (q *Queue) MaxItems() int { return q.maxItems }

// FDReadable returns the read end of the readable-edge pipe: a pollable fd
// that is POLLIN-readable iff Len() > 0.
func (q *Queue) FDReadable() int { return q.readPipe.readFD() }

// FDWritable returns the read end of the writable-edge pipe: a pollable fd
// that is POLLIN-readable iff Len() < MaxItems().
func (q *Queue) FDWritable() int { return q.writePipe.readFD() }

// Push enqueues a value at the tail. Returns the item's identity token,
// usable with PopMatch to revoke it if still unconsumed.
func (q *Queue) Push(tag Tag, payload []byte) (PushStatus, uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return PushFull, 0, rterr.New(rterr.InvalidArgument, "queue is closed")
	}

	before := q.items.Len()
	if before >= q.maxItems {
		// Ensure WRITABLE stays clear; full push is a no-op beyond that.
		if q.writable {
			if err := q.writePipe.disarm(); err != nil {
				return PushFull, 0, rterr.Wrap(rterr.Internal, "failed to disarm writable pipe", err)
			}
			q.writable = false
		}
		return PushFull, 0, nil
	}

	q.nextSeq++
	seq := q.nextSeq
	q.items.PushBack(Item{Tag: tag, Payload: payload, seq: seq})
	after := q.items.Len()

	if before == 0 {
		if err := q.readPipe.arm(); err != nil {
			return PushPushed, seq, rterr.Wrap(rterr.Internal, "failed to arm readable pipe", err)
		}
		q.readable = true
	}
	if after == q.maxItems {
		if err := q.writePipe.disarm(); err != nil {
			return PushPushed, seq, rterr.Wrap(rterr.Internal, "failed to disarm writable pipe", err)
		}
		q.writable = false
	}

	return PushPushed, seq, nil
}

// Pop dequeues the head item.
func (q *Queue) Pop() (Item, PopStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		if q.readable {
			if err := q.readPipe.disarm(); err != nil {
				return Item{}, PopEmpty, rterr.Wrap(rterr.Internal, "failed to disarm readable pipe", err)
			}
			q.readable = false
		}
		return Item{}, PopEmpty, nil
	}

	before := q.items.Len()
	front := q.items.Front()
	item := front.Value.(Item)
	q.items.Remove(front)
	after := q.items.Len()

	if before == q.maxItems {
		if err := q.writePipe.arm(); err != nil {
			return item, PopPopped, rterr.Wrap(rterr.Internal, "failed to arm writable pipe", err)
		}
		q.writable = true
	}
	if after == 0 {
		if err := q.readPipe.disarm(); err != nil {
			return item, PopPopped, rterr.Wrap(rterr.Internal, "failed to disarm readable pipe", err)
		}
		q.readable = false
	}

	return item, PopPopped, nil
}

// PopMatch removes the single item whose identity token matches, if still
// present, preserving FIFO order among the remaining items. Used to revoke an
// unconsumed rendezvous push on timeout.
func (q *Queue) PopMatch(token uint64) (found bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for e := q.items.Front(); e != nil; e = e.Next() {
		item := e.Value.(Item)
		if item.seq != token {
			continue
		}

		before := q.items.Len()
		q.items.Remove(e)
		after := q.items.Len()

		if before == q.maxItems {
			if aerr := q.writePipe.arm(); aerr != nil {
				return true, rterr.Wrap(rterr.Internal, "failed to arm writable pipe", aerr)
			}
			q.writable = true
		}
		if after == 0 && q.readable {
			if derr := q.readPipe.disarm(); derr != nil {
				return true, rterr.Wrap(rterr.Internal, "failed to disarm readable pipe", derr)
			}
			q.readable = false
		}
		return true, nil
	}
	return false, nil
}
