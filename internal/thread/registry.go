package thread

import (
	"time"

	"github.com/cornelk/hashmap"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// Event is one lifecycle transition recorded for a thread, for debugging
// stuck joins. The "threads" CLI listing does not read these events.
type Event struct {
	ThreadID uint64
	Status   Status
	At       time.Time
	Detail   string
}

// Registry tracks every Thread added to it (each Runtime owns its own
// Registry, so the index is per Runtime rather than process-wide), grounded on the scanner's
// concurrent device map in the teacher repo (github.com/cornelk/hashmap), and
// keeps a bounded ring of recent lifecycle events for diagnostics.
type Registry struct {
	threads *hashmap.Map[uint64, *Thread]
	events  mpmc.RichOverlappedRingBuffer[Event]
}

// NewRegistry creates a registry with a diagnostic ring of the given size.
func NewRegistry(eventRingSize uint32) *Registry {
	return &Registry{
		threads: hashmap.New[uint64, *Thread](),
		events:  mpmc.NewOverlappedRingBuffer[Event](eventRingSize),
	}
}

// Add registers a newly spawned thread.
func (r *Registry) Add(t *Thread) {
	r.threads.Set(t.ID(), t)
	r.record(t.ID(), Running, "spawned")
}

// Remove drops a thread from the registry, e.g. once it has been joined.
func (r *Registry) Remove(id uint64) {
	r.threads.Del(id)
}

// Get looks up a thread by id.
func (r *Registry) Get(id uint64) (*Thread, bool) {
	return r.threads.Get(id)
}

// Len reports how many threads are currently tracked.
func (r *Registry) Len() int {
	return r.threads.Len()
}

// Each calls fn for every tracked thread; fn returning false stops iteration.
func (r *Registry) Each(fn func(t *Thread) bool) {
	r.threads.Range(func(_ uint64, t *Thread) bool {
		return fn(t)
	})
}

// record appends a lifecycle event to the diagnostic ring. Best
// effort: a full ring silently overwrites its oldest entry, matching the
// ring buffer's own overlapped-write semantics.
func (r *Registry) record(id uint64, status Status, detail string) {
	_, _ = r.events.EnqueueM(Event{ThreadID: id, Status: status, Detail: detail, At: time.Now()})
}

// RecordTransition is the public hook for recording a tracked thread's
// status change (e.g. after a successful Join observes a terminal state).
// The spawn plumbing does not call it; Add records only "spawned".
func (r *Registry) RecordTransition(id uint64, status Status, detail string) {
	r.record(id, status, detail)
}

// RecentEvents drains up to n diagnostic events, oldest first.
func (r *Registry) RecentEvents(n int) []Event {
	out := make([]Event, 0, n)
	for i := 0; i < n && !r.events.IsEmpty(); i++ {
		ev, err := r.events.Dequeue()
		if err != nil {
			break
		}
		out = append(out, ev)
	}
	return out
}
