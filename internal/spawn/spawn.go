// Package spawn wires an interpreter, a set of bound channels, and a Thread
// together: the plumbing spec §4.4 describes. It is the one place that
// knows about both internal/luavm and internal/thread.
package spawn

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/luathread/internal/channel"
	"github.com/srg/luathread/internal/interpreter"
	"github.com/srg/luathread/internal/luavm"
	"github.com/srg/luathread/internal/poller"
	"github.com/srg/luathread/internal/rterr"
	"github.com/srg/luathread/internal/thread"
)

// cancelPollInterval bounds how long a worker's cancellation watcher can
// outlive the worker's own Run call: spec's cancellation pipe has no
// "stop waiting" signal of its own, so the watcher polls it in short bursts
// instead of blocking on it forever.
const cancelPollInterval = 50 * time.Millisecond

// startSem bounds concurrent worker startup. An OS under memory or thread
// pressure refusing pthread_create maps, in Go, to goroutine scheduling
// that's fine in principle but unbounded worker counts are still a real
// resource risk; a buffered semaphore approximates "refuse to start more
// right now" with ThreadStartBusy instead of queuing silently.
var startSem = make(chan struct{}, 4096)

// SetMaxConcurrentStarts resizes the startup semaphore. Intended for tests
// and for pkg/runtime's configuration layer; not safe to call concurrently
// with Spawn calls.
func SetMaxConcurrentStarts(n int) {
	startSem = make(chan struct{}, n)
}

// Options binds named channels and the entry function for one worker.
type Options struct {
	Logger   *logrus.Logger
	Channels map[string]*channel.Channel
	Function *interpreter.Function
}

// Spawn starts one worker thread per spec §4.4: creates an interpreter,
// binds "self" and every named channel, installs the worker body on a new
// Thread, and returns immediately. Returns a ThreadStartBusy error instead
// of blocking if the startup semaphore is currently exhausted.
func Spawn(opts Options) (*thread.Thread, error) {
	select {
	case startSem <- struct{}{}:
	default:
		return nil, rterr.New(rterr.ThreadStartBusy, "worker startup is currently saturated, retry")
	}

	interp := luavm.New(opts.Logger)

	body := func(self *thread.Thread) error {
		defer func() { <-startSem }()

		if err := interp.Bind("self", self); err != nil {
			return err
		}

		// Spec §4.4 step 3: duplicate the underlying Queue reference for the
		// worker rather than handing it the host's own Channel — the worker
		// must be able to close its handle (dropping one reference) without
		// tearing down the queue out from under the host's own handle.
		workerChannels := make(map[string]*channel.Channel, len(opts.Channels))
		for name, ch := range opts.Channels {
			ch.Queue().Ref()
			workerChannels[name] = channel.Wrap(ch.Queue(), ch.Codec())
		}
		defer func() {
			for _, ch := range workerChannels {
				ch.Close()
			}
		}()

		for name, ch := range workerChannels {
			if err := interp.Bind(name, ch); err != nil {
				return err
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		watcherStopped := make(chan struct{})

		go func() {
			defer close(watcherStopped)
			for {
				select {
				case <-done:
					return
				default:
				}
				ready, err := poller.WaitReadable(self.FDCancel(), cancelPollInterval)
				if err != nil {
					return
				}
				if ready {
					cancel()
					return
				}
			}
		}()

		err := interp.Run(ctx, opts.Function)

		close(done)
		<-watcherStopped
		cancel()

		return err
	}

	teardown := func() { interp.Close() }

	t, err := thread.Spawn(body, teardown)
	if err != nil {
		<-startSem
		interp.Close()
		return nil, err
	}
	return t, nil
}

// FromSource spawns a worker running inline script source.
func FromSource(logger *logrus.Logger, source string, channels map[string]*channel.Channel) (*thread.Thread, error) {
	return Spawn(Options{
		Logger:   logger,
		Channels: channels,
		Function: &interpreter.Function{Source: source},
	})
}

// FromFile spawns a worker loading its script from path.
func FromFile(logger *logrus.Logger, path string, channels map[string]*channel.Channel) (*thread.Thread, error) {
	return Spawn(Options{
		Logger:   logger,
		Channels: channels,
		Function: &interpreter.Function{Path: path},
	})
}

// FromFunction spawns a worker that loads source and then calls entryFn.
func FromFunction(logger *logrus.Logger, source, entryFn string, channels map[string]*channel.Channel) (*thread.Thread, error) {
	return Spawn(Options{
		Logger:   logger,
		Channels: channels,
		Function: &interpreter.Function{Source: source, EntryFn: entryFn},
	})
}
