// Package runtime is the public façade over the worker/channel system:
// spawn workers, create channels, and look them up by name. Internals
// (queue, channel, thread, spawn, luavm) are not meant to be imported
// directly by callers outside this module.
package runtime

import (
	"context"
	"fmt"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	defaults "github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/luathread/internal/channel"
	"github.com/srg/luathread/internal/interpreter"
	"github.com/srg/luathread/internal/luavm"
	"github.com/srg/luathread/internal/rterr"
	"github.com/srg/luathread/internal/spawn"
	"github.com/srg/luathread/internal/thread"
)

// Options configures a Runtime. Zero-value fields are filled in by
// defaults.SetDefaults, the way the teacher's test-assertion options do.
type Options struct {
	MaxConcurrentStarts int    `default:"4096"`
	DiagnosticRingSize  uint32 `default:"256"`
	LogLevel            string `default:"info"`
}

// Runtime owns its own thread registry and an ordered registry of
// named channels (insertion order preserved, for deterministic "channels"
// CLI listings and iteration in tests).
type Runtime struct {
	logger   *logrus.Logger
	threads  *thread.Registry
	mu       sync.Mutex
	channels *orderedmap.OrderedMap[string, *channel.Channel]
}

// New builds a Runtime. opts may be the zero value; missing fields get
// their defaults.
func New(opts Options) (*Runtime, error) {
	defaults.SetDefaults(&opts)

	logger := logrus.New()
	level, err := logrus.ParseLevel(opts.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("runtime: invalid log level %q: %w", opts.LogLevel, err)
	}
	logger.SetLevel(level)

	spawn.SetMaxConcurrentStarts(opts.MaxConcurrentStarts)

	return &Runtime{
		logger:   logger,
		threads:  thread.NewRegistry(opts.DiagnosticRingSize),
		channels: orderedmap.New[string, *channel.Channel](),
	}, nil
}

// Logger returns the runtime's structured logger.
func (r *Runtime) Logger() *logrus.Logger { return r.logger }

// NewChannel creates and registers a named channel using the Lua value
// codec. Re-registering an existing name replaces it; callers are
// responsible for closing the previous handle themselves first if that
// matters.
func (r *Runtime) NewChannel(name string, maxItems int) (*channel.Channel, error) {
	ch, err := channel.New(maxItems, luavm.ValueCodec{})
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.channels.Set(name, ch)
	r.mu.Unlock()
	return ch, nil
}

// Channel looks up a previously registered channel by name.
func (r *Runtime) Channel(name string) (*channel.Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels.Get(name)
}

// Channels returns every registered channel name, in registration order.
func (r *Runtime) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, r.channels.Len())
	for pair := r.channels.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// SpawnFromSource starts a worker running inline script source, bound to
// the given named channels (which must already be registered via
// NewChannel). ctx governs the spawn call itself: an already-cancelled ctx
// aborts before a thread is created.
func (r *Runtime) SpawnFromSource(ctx context.Context, source string, channelNames ...string) (*thread.Thread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	chans, err := r.resolveChannels(channelNames)
	if err != nil {
		return nil, err
	}
	t, err := spawn.FromSource(r.logger, source, chans)
	if err != nil {
		return nil, err
	}
	r.threads.Add(t)
	return t, nil
}

// SpawnFromFile starts a worker loading its script from path.
func (r *Runtime) SpawnFromFile(ctx context.Context, path string, channelNames ...string) (*thread.Thread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	chans, err := r.resolveChannels(channelNames)
	if err != nil {
		return nil, err
	}
	t, err := spawn.FromFile(r.logger, path, chans)
	if err != nil {
		return nil, err
	}
	r.threads.Add(t)
	return t, nil
}

// SpawnFromFunction starts a worker running fn.
func (r *Runtime) SpawnFromFunction(ctx context.Context, fn *interpreter.Function, channelNames ...string) (*thread.Thread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	chans, err := r.resolveChannels(channelNames)
	if err != nil {
		return nil, err
	}
	t, err := spawn.Spawn(spawn.Options{Logger: r.logger, Channels: chans, Function: fn})
	if err != nil {
		return nil, err
	}
	r.threads.Add(t)
	return t, nil
}

// Threads returns the IDs of every tracked thread.
func (r *Runtime) Threads() []uint64 {
	var ids []uint64
	r.threads.Each(func(t *thread.Thread) bool {
		ids = append(ids, t.ID())
		return true
	})
	return ids
}

// Thread looks up a tracked thread by ID.
func (r *Runtime) Thread(id uint64) (*thread.Thread, bool) {
	return r.threads.Get(id)
}

// Forget removes a thread from the registry, e.g. after it has been joined
// and the caller has no further use for it.
func (r *Runtime) Forget(id uint64) {
	r.threads.Remove(id)
}

func (r *Runtime) resolveChannels(names []string) (map[string]*channel.Channel, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make(map[string]*channel.Channel, len(names))
	for _, name := range names {
		ch, ok := r.Channel(name)
		if !ok {
			return nil, rterr.New(rterr.InvalidArgument, fmt.Sprintf("no registered channel named %q", name))
		}
		out[name] = ch
	}
	return out, nil
}
