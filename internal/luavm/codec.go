package luavm

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/srg/luathread/internal/queue"
)

// LightPointer is the Go-side stand-in for Lua's lightuserdata: an opaque,
// pointer-sized value carried across threads as raw bits, never
// dereferenced by the codec itself. Non-goals exclude general reference-type
// payloads; this is the one pointer-shaped scalar spec §6's wire tags name
// explicitly.
type LightPointer uintptr

// ValueCodec implements interpreter.Codec for the scalar value set a Lua
// worker can push onto a channel: booleans, Lua numbers (float64), Lua
// integers (int64), strings, and light pointers.
type ValueCodec struct{}

func (ValueCodec) Encode(value any) (queue.Tag, []byte, error) {
	switch v := value.(type) {
	case bool:
		if v {
			return queue.TagTrue, nil, nil
		}
		return queue.TagFalse, nil, nil
	case LightPointer:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(v))
		return queue.TagLightPointer, buf, nil
	case float64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
		return queue.TagNumber, buf, nil
	case int64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(v))
		return queue.TagInteger, buf, nil
	case int:
		return ValueCodec{}.Encode(int64(v))
	case string:
		return queue.TagString, []byte(v), nil
	default:
		return 0, nil, fmt.Errorf("luavm: unsupported channel value type %T", value)
	}
}

func (ValueCodec) Decode(tag queue.Tag, payload []byte) (any, error) {
	switch tag {
	case queue.TagTrue:
		return true, nil
	case queue.TagFalse:
		return false, nil
	case queue.TagLightPointer:
		if len(payload) != 8 {
			return nil, fmt.Errorf("luavm: light pointer payload must be 8 bytes, got %d", len(payload))
		}
		return LightPointer(binary.LittleEndian.Uint64(payload)), nil
	case queue.TagNumber:
		if len(payload) != 8 {
			return nil, fmt.Errorf("luavm: number payload must be 8 bytes, got %d", len(payload))
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(payload)), nil
	case queue.TagInteger:
		if len(payload) != 8 {
			return nil, fmt.Errorf("luavm: integer payload must be 8 bytes, got %d", len(payload))
		}
		return int64(binary.LittleEndian.Uint64(payload)), nil
	case queue.TagString:
		return string(payload), nil
	default:
		return nil, fmt.Errorf("luavm: unsupported wire tag %d", tag)
	}
}
