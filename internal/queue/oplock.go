package queue

import (
	"sync/atomic"

	"github.com/srg/luathread/internal/groutine"
	"github.com/srg/luathread/internal/rterr"
)

// opLock is the CAS-based single-owner alternative to sync.Mutex that spec §5
// allows in place of a plain mutex, as long as the same invariants hold and
// reentrant acquisition by the same logical owner is detected rather than
// deadlocking. Production Queue uses sync.Mutex (see DESIGN.md); opLock
// exists so the package's test suite can exercise the "ALREADY_HELD"
// requirement spec §5 calls out.
type opLock struct {
	owner int64 // goroutine id of the current holder, 0 if unheld
}

// tryAcquire attempts to take the lock for the calling goroutine. If the
// calling goroutine already holds it, it returns ALREADY_HELD via the second
// return value instead of spinning forever.
func (l *opLock) tryAcquire() (acquired bool, alreadyHeld bool) {
	gid := int64(groutine.GetGID())

	if atomic.LoadInt64(&l.owner) == gid && gid != 0 {
		return false, true
	}

	for {
		if atomic.CompareAndSwapInt64(&l.owner, 0, gid) {
			return true, false
		}
		if atomic.LoadInt64(&l.owner) == gid && gid != 0 {
			return false, true
		}
		// sequentially consistent fence via CAS retry; see spec §9 open question
		// on memory ordering — conservative until proven excessive.
	}
}

func (l *opLock) release() {
	atomic.StoreInt64(&l.owner, 0)
}

// withOpLock runs fn while holding l, returning ALREADY_HELD as a typed error
// if the calling goroutine already owns the lock rather than deadlocking.
func withOpLock(l *opLock, fn func()) error {
	acquired, alreadyHeld := l.tryAcquire()
	if alreadyHeld {
		return rterr.New(rterr.Internal, "ALREADY_HELD: reentrant opLock acquisition by same owner")
	}
	if !acquired {
		return rterr.New(rterr.Internal, "failed to acquire opLock")
	}
	defer l.release()
	fn()
	return nil
}
