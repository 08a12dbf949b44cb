// Package interpreter defines the narrow surface the runtime needs from an
// embedded host-language interpreter, per spec §6: the queue/channel/thread
// layers are interpreter-agnostic and only ever see this interface. The
// golua-backed implementation lives in internal/luavm.
package interpreter

import (
	"context"

	"github.com/srg/luathread/internal/queue"
)

// Value is whatever a worker script pushes into or pops from a channel. The
// concrete Go type behind it is owned entirely by the interpreter
// implementation (e.g. string/int64/float64/bool for luavm); this package
// never inspects it beyond passing it to Codec.
type Value = any

// Codec translates between a channel's Go-level Value and the queue's tagged
// wire bytes (spec §6's scalar tag set). Channel.Codec is satisfied by this
// interface verbatim.
type Codec interface {
	Encode(value Value) (queue.Tag, []byte, error)
	Decode(tag queue.Tag, payload []byte) (Value, error)
}

// Function is a worker entry point loaded into an interpreter: either a
// source chunk, a path to load one from, or an already-loaded global
// function to call by name.
type Function struct {
	Source  string // inline script source, if non-empty
	Path    string // path to load the script from, if Source is empty
	EntryFn string // optional: call this global function after loading Source/Path
}

// Interpreter is one interpreter instance bound to exactly one worker
// thread — never shared across goroutines, matching the teacher's
// stateMutex-guarded engine but asserting the stronger single-owner
// invariant spec §4.4's spawn plumbing relies on.
type Interpreter interface {
	// Bind installs a channel handle into the interpreter's global namespace
	// under name, along with the "self" thread handle, before the first
	// Run.
	Bind(name string, value any) error

	// Run executes fn, returning once the script (or its entry function)
	// finishes, fails, or ctx is cancelled and the script cooperatively
	// unwinds. Run is called exactly once per Interpreter.
	Run(ctx context.Context, fn *Function) error

	// Codec returns the value codec this interpreter uses for channels
	// bound into it.
	Codec() Codec

	// Close tears down the interpreter's native state. Safe to call once,
	// after Run has returned.
	Close()
}
