package luavm

import (
	"fmt"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/srg/luathread/internal/channel"
	"github.com/srg/luathread/internal/thread"
)

// luaToGo converts the Lua value at stack index idx into a Go value the
// shared ValueCodec understands (bool, float64, int64, string). Lua has no
// separate integer subtype at the C API level here, so a whole-valued number
// is reported as int64 and anything else as float64 — mirroring how the
// teacher's GetGlobalInteger/GetGlobal already special-case numeric globals.
func luaToGo(L *lua.State, idx int) (any, error) {
	switch {
	case L.IsBoolean(idx):
		return L.ToBoolean(idx), nil
	case L.Type(idx) == lua.LUA_TSTRING:
		return L.ToString(idx), nil
	case L.IsNumber(idx):
		n := L.ToNumber(idx)
		if n == float64(int64(n)) {
			return int64(n), nil
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unsupported Lua value at argument %d", idx)
	}
}

func goToLua(L *lua.State, v any) {
	switch val := v.(type) {
	case bool:
		L.PushBoolean(val)
	case string:
		L.PushString(val)
	case int64:
		L.PushNumber(float64(val))
	case float64:
		L.PushNumber(val)
	case LightPointer:
		L.PushNumber(float64(val))
	case nil:
		L.PushNil()
	default:
		L.PushNil()
	}
}

// timeoutFromLua maps a Lua timeout argument (seconds, negative = forever)
// to a time.Duration; an absent or nil argument means "forever".
func timeoutFromLua(L *lua.State, idx int) time.Duration {
	if L.GetTop() < idx || L.IsNil(idx) {
		return -1
	}
	secs := L.ToNumber(idx)
	if secs < 0 {
		return -1
	}
	return time.Duration(secs * float64(time.Second))
}

// bindChannel installs a Lua table of methods over ch under the given
// global name: ch:push(value, timeout), ch:pop(timeout), ch:close(),
// ch:len(), ch:nref(), ch:max_items(), ch:fd_readable(), ch:fd_writable().
func (e *LuaEngine) bindChannel(name string, ch *channel.Channel) error {
	res := e.DoWithState(func(L *lua.State) interface{} {
		L.NewTable()

		set := func(method string, fn lua.GoFunction) {
			L.PushGoFunction(e.SafeWrapGoFunction(name+"."+method, fn))
			L.SetField(-2, method)
		}

		set("push", func(L *lua.State) int {
			value, err := luaToGo(L, 2)
			if err != nil {
				L.RaiseError(err.Error())
				return 0
			}
			timeout := timeoutFromLua(L, 3)
			ok, timedOut, err := ch.Push(value, timeout)
			if err != nil {
				L.RaiseError(err.Error())
				return 0
			}
			L.PushBoolean(ok)
			L.PushBoolean(timedOut)
			return 2
		})

		set("pop", func(L *lua.State) int {
			timeout := timeoutFromLua(L, 2)
			value, ok, timedOut, err := ch.Pop(timeout)
			if err != nil {
				L.RaiseError(err.Error())
				return 0
			}
			goToLua(L, value)
			L.PushBoolean(ok)
			L.PushBoolean(timedOut)
			return 3
		})

		set("close", func(L *lua.State) int {
			ch.Close()
			return 0
		})
		set("len", func(L *lua.State) int {
			L.PushNumber(float64(ch.Len()))
			return 1
		})
		set("nref", func(L *lua.State) int {
			L.PushNumber(float64(ch.NRef()))
			return 1
		})
		set("max_items", func(L *lua.State) int {
			L.PushNumber(float64(ch.MaxItems()))
			return 1
		})
		set("fd_readable", func(L *lua.State) int {
			L.PushNumber(float64(ch.FDReadable()))
			return 1
		})
		set("fd_writable", func(L *lua.State) int {
			L.PushNumber(float64(ch.FDWritable()))
			return 1
		})

		L.SetGlobal(name)
		return nil
	})
	if err, ok := res.(error); ok {
		return err
	}
	return nil
}

// bindSelf installs the worker's own Thread handle under name ("self" by
// convention, arg 0 of every spawned worker): self:is_cancelled(), self:fd(),
// self:fd_cancel().
func (e *LuaEngine) bindSelf(name string, t *thread.Thread) error {
	res := e.DoWithState(func(L *lua.State) interface{} {
		L.NewTable()

		set := func(method string, fn lua.GoFunction) {
			L.PushGoFunction(e.SafeWrapGoFunction(name+"."+method, fn))
			L.SetField(-2, method)
		}

		set("is_cancelled", func(L *lua.State) int {
			L.PushBoolean(t.IsCancelled())
			return 1
		})
		set("fd", func(L *lua.State) int {
			L.PushNumber(float64(t.FD()))
			return 1
		})
		set("fd_cancel", func(L *lua.State) int {
			L.PushNumber(float64(t.FDCancel()))
			return 1
		})

		L.SetGlobal(name)
		return nil
	})
	if err, ok := res.(error); ok {
		return err
	}
	return nil
}
