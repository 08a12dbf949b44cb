package luavm

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/luathread/internal/channel"
	"github.com/srg/luathread/internal/interpreter"
	"github.com/srg/luathread/internal/thread"
)

// Runtime adapts LuaEngine to interpreter.Interpreter: the one type spawn
// plumbing actually talks to. Every *Interpreter the runtime creates owns
// exactly one LuaEngine, bound to exactly one worker thread.
type Runtime struct {
	engine *LuaEngine
}

var _ interpreter.Interpreter = (*Runtime)(nil)

// New creates a Runtime with a fresh Lua state.
func New(logger *logrus.Logger) *Runtime {
	return &Runtime{engine: NewLuaEngine(logger)}
}

// Engine exposes the underlying LuaEngine for callers that need direct
// access (tests, output collector wiring).
func (r *Runtime) Engine() *LuaEngine { return r.engine }

func (r *Runtime) Bind(name string, value any) error {
	switch v := value.(type) {
	case *channel.Channel:
		return r.engine.bindChannel(name, v)
	case *thread.Thread:
		return r.engine.bindSelf(name, v)
	default:
		return fmt.Errorf("luavm: cannot bind value of type %T", value)
	}
}

func (r *Runtime) Run(ctx context.Context, fn *interpreter.Function) error {
	if fn == nil {
		return fmt.Errorf("luavm: nil function")
	}

	source := fn.Source
	if source == "" {
		if fn.Path == "" {
			return fmt.Errorf("luavm: function has neither Source nor Path")
		}
		if err := r.engine.LoadScriptFile(fn.Path); err != nil {
			return err
		}
		source = ""
	}

	if err := r.engine.ExecuteScript(ctx, source); err != nil {
		return err
	}

	if fn.EntryFn != "" {
		return r.engine.ExecuteFunction(fn.EntryFn)
	}
	return nil
}

func (r *Runtime) Codec() interpreter.Codec { return ValueCodec{} }

func (r *Runtime) Close() { r.engine.Close() }
