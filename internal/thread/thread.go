// Package thread implements the worker lifecycle from spec §4.3: a Thread
// wraps one goroutine pinned to its OS thread (the closest Go equivalent to
// the C library's pthread_create, since the embedded interpreter needs
// thread affinity across its calls), a termination pipe the host polls or
// blocks on to join, and a cancellation pipe the worker body polls
// cooperatively.
//
// Go has no equivalent of pthread_cancel's forced unwinding at a
// cancellation point, and spec's own Non-goals exclude "preemptive
// cancellation of tight CPU loops beyond what the OS thread-cancellation
// mechanism provides" — so both Cancel(notify) and Cancel(hard) are
// cooperative here. The distinction that survives the translation is the
// final Status a cooperatively-stopped worker is reported under, not the
// enforcement mechanism: see Cancel for the exact rule.
package thread

import (
	"fmt"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/srg/luathread/internal/ospipe"
	"github.com/srg/luathread/internal/poller"
	"github.com/srg/luathread/internal/rterr"
)

// Status is the lifecycle state of a Thread, per spec §4.3.
type Status int

const (
	Running Status = iota
	Terminated
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// errMsgMax bounds the captured failure message, mirroring the fixed-size
// error buffer the C library keeps per thread.
const errMsgMax = 1024

// Body is a worker's entry point. It receives the Thread handle as "self" —
// the same role arg 0 plays in the source-level spawn plumbing — so it can
// poll IsCancelled() at its own safe points. A nil return means the worker
// finished normally; any other error marks the thread Failed unless it is
// ErrCancelled, which marks it Cancelled.
type Body func(self *Thread) error

// ErrCancelled is the sentinel a Body should return once it has observed
// cancellation and is unwinding voluntarily.
var ErrCancelled = rterr.New(rterr.ThreadCancelled, "thread was cancelled")

// Thread is one spawned worker.
type Thread struct {
	id uint64

	termPipe   ospipe.Pair
	cancelPipe ospipe.Pair

	mu             sync.Mutex
	status         Status
	errMsg         string
	termReadOpen   bool
	cancelObserved bool
	hardCancel     bool
	cancelOnce     sync.Once

	done chan struct{}
}

var idCounter uint64
var idMu sync.Mutex

func nextID() uint64 {
	idMu.Lock()
	defer idMu.Unlock()
	idCounter++
	return idCounter
}

// Spawn starts body on a new goroutine locked to its OS thread and returns
// immediately with a Running Thread. teardown, if non-nil, runs after the
// termination byte is written and before the goroutine fully exits — the
// slot spawn plumbing uses to close the worker's interpreter.
func Spawn(body Body, teardown func()) (*Thread, error) {
	termPipe, err := ospipe.New()
	if err != nil {
		return nil, rterr.Wrap(rterr.Resource, "create termination pipe", err)
	}
	cancelPipe, err := ospipe.New()
	if err != nil {
		termPipe.Close()
		return nil, rterr.Wrap(rterr.Resource, "create cancellation pipe", err)
	}

	t := &Thread{
		id:           nextID(),
		termPipe:     termPipe,
		cancelPipe:   cancelPipe,
		status:       Running,
		termReadOpen: true,
		done:         make(chan struct{}),
	}

	go t.run(body, teardown)

	// spec §3's lifecycle note: "destruction implicitly cancels if still
	// running". The finalizer itself must not block — cancel+join run on
	// their own goroutine so a stuck worker never stalls the runtime's
	// single finalizer goroutine and any finalizers queued behind it.
	goruntime.SetFinalizer(t, func(t *Thread) {
		go func() {
			_ = t.Cancel(false)
			_, _ = t.Join(-1)
		}()
	})

	return t, nil
}

func (t *Thread) run(body Body, teardown func()) {
	goruntime.LockOSThread()
	defer goruntime.UnlockOSThread()

	bodyErr := t.protectedCall(body)

	t.mu.Lock()
	final, msg := t.outcome(bodyErr)
	t.status = final
	t.errMsg = msg
	t.mu.Unlock()

	// Cleanup handler: write the terminator byte, then tear down the
	// interpreter, then let Join's OS-level wait proceed. Every exit path —
	// normal return, error return, or recovered panic — reaches here exactly
	// once.
	_ = ospipe.WriteByte(t.termPipe.W)
	if teardown != nil {
		teardown()
	}
	close(t.done)
}

func (t *Thread) protectedCall(body Body) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if r == ErrCancelled {
				err = ErrCancelled
				return
			}
			err = fmt.Errorf("panicked in worker body: %v", r)
		}
	}()
	return body(t)
}

// outcome maps a Body's result (plus whether a hard cancel was requested) to
// a final Status and truncated error message, per spec §4.3's state table.
func (t *Thread) outcome(bodyErr error) (Status, string) {
	if bodyErr == nil {
		if t.hardCancel {
			// The body returned normally, but only because it observed a
			// hard cancel and unwound cooperatively: report it the way a
			// forcibly-cancelled thread would be reported, since Go has no
			// mechanism to distinguish "stopped because it checked" from
			// "stopped because it was killed".
			return Cancelled, ""
		}
		return Terminated, ""
	}
	if bodyErr == ErrCancelled || rterr.Is(bodyErr, rterr.ThreadCancelled) {
		return Cancelled, ""
	}
	msg := bodyErr.Error()
	if len(msg) > errMsgMax-1 {
		msg = msg[:errMsgMax-1]
	}
	return Failed, msg
}

// ID returns the thread's process-unique identifier.
func (t *Thread) ID() uint64 { return t.id }

// Status reports the current lifecycle state and, for Failed threads, the
// captured error message.
func (t *Thread) Status() (status Status, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.errMsg
}

// FD returns the termination pipe's read end, pollable for readability to
// detect completion without blocking in Join. Returns -1 once the thread has
// been joined.
func (t *Thread) FD() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.termReadOpen {
		return -1
	}
	return t.termPipe.R
}

// FDCancel returns the cancellation pipe's read end, for a worker body to
// poll or select on directly instead of calling IsCancelled().
func (t *Thread) FDCancel() int { return t.cancelPipe.R }

// IsCancelled is the worker-side check: non-blocking read of the
// cancellation pipe, cached once observed since the pipe carries at most one
// byte for the entire lifetime of the thread.
func (t *Thread) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelObserved {
		return true
	}
	read, err := ospipe.ReadByteNonBlocking(t.cancelPipe.R)
	if err != nil {
		return false
	}
	if read {
		t.cancelObserved = true
	}
	return t.cancelObserved
}

// Cancel requests cancellation. notify=true is a cooperative request: if the
// body exits normally afterward, the thread is reported Terminated. hard
// (notify=false) additionally marks the thread so that a normal-looking exit
// is instead reported Cancelled, approximating pthread_cancel's guarantee
// that a cancelled thread never reports success.
func (t *Thread) Cancel(notify bool) error {
	t.cancelOnce.Do(func() {
		if err := ospipe.WriteByte(t.cancelPipe.W); err != nil {
			return
		}
	})
	if !notify {
		t.mu.Lock()
		t.hardCancel = true
		t.mu.Unlock()
	}
	return nil
}

// Join waits up to timeout (negative = forever, zero = poll once) for the
// thread to finish, then performs the goroutine-level join. Idempotent:
// calling Join again after a successful join returns immediately.
func (t *Thread) Join(timeout time.Duration) (timedOut bool, err error) {
	t.mu.Lock()
	if !t.termReadOpen {
		t.mu.Unlock()
		return false, nil
	}
	t.mu.Unlock()

	read, rerr := ospipe.ReadByteNonBlocking(t.termPipe.R)
	if rerr != nil {
		// EBADF or similar: the fd was forcibly closed out from under us.
		// If the goroutine has already signalled completion, that's fine —
		// finish the join anyway instead of reporting a spurious error.
		select {
		case <-t.done:
			t.closeTermFD()
			return false, nil
		default:
			return false, rterr.Wrap(rterr.Internal, "join: termination pipe", rerr)
		}
	}

	if !read {
		ready, werr := poller.WaitReadable(t.termPipe.R, timeout)
		if werr != nil {
			return false, rterr.Wrap(rterr.Internal, "join: wait on termination pipe", werr)
		}
		if !ready {
			return true, nil
		}
		if _, rerr := ospipe.ReadByteNonBlocking(t.termPipe.R); rerr != nil {
			return false, rterr.Wrap(rterr.Internal, "join: termination pipe", rerr)
		}
	}

	<-t.done // OS-level join: wait for the goroutine to fully wind down.
	t.closeTermFD()
	return false, nil
}

func (t *Thread) closeTermFD() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.termReadOpen {
		return
	}
	t.termReadOpen = false
	t.termPipe.Close()
	t.cancelPipe.Close()
	// A successful join already did everything the finalizer exists to
	// guarantee; drop it so a stuck/unrelated GC pass doesn't redo a no-op
	// cancel+join later.
	goruntime.SetFinalizer(t, nil)
}
