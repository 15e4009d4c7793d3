package silkdb

import (
	"encoding/binary"
	"math"
	"unsafe"
)

// Primitive is the closed set of numeric payload types the primitive record
// accessors accept. Payloads remain byte arrays; the primitive forms assert
// size and use fixed little-endian layout inside the record.
type Primitive interface {
	uint8 | uint16 | uint32 | uint64 |
		int8 | int16 | int32 | int64 |
		float32 | float64
}

func primitiveSize[T Primitive]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

func encodePrimitive[T Primitive](v T, buf []byte) {
	switch any(v).(type) {
	case float32:
		binary.LittleEndian.PutUint32(buf, math.Float32bits(any(v).(float32)))
	case float64:
		binary.LittleEndian.PutUint64(buf, math.Float64bits(any(v).(float64)))
	default:
		switch primitiveSize[T]() {
		case 1:
			buf[0] = byte(toUint64(v))
		case 2:
			binary.LittleEndian.PutUint16(buf, uint16(toUint64(v)))
		case 4:
			binary.LittleEndian.PutUint32(buf, uint32(toUint64(v)))
		default:
			binary.LittleEndian.PutUint64(buf, toUint64(v))
		}
	}
}

func decodePrimitive[T Primitive](buf []byte) T {
	var zero T
	switch any(zero).(type) {
	case float32:
		return any(math.Float32frombits(binary.LittleEndian.Uint32(buf))).(T)
	case float64:
		return any(math.Float64frombits(binary.LittleEndian.Uint64(buf))).(T)
	default:
		switch primitiveSize[T]() {
		case 1:
			return fromUint64[T](uint64(buf[0]))
		case 2:
			return fromUint64[T](uint64(binary.LittleEndian.Uint16(buf)))
		case 4:
			return fromUint64[T](uint64(binary.LittleEndian.Uint32(buf)))
		default:
			return fromUint64[T](binary.LittleEndian.Uint64(buf))
		}
	}
}

func toUint64[T Primitive](v T) uint64 {
	switch x := any(v).(type) {
	case uint8:
		return uint64(x)
	case uint16:
		return uint64(x)
	case uint32:
		return uint64(x)
	case uint64:
		return x
	case int8:
		return uint64(uint8(x))
	case int16:
		return uint64(uint16(x))
	case int32:
		return uint64(uint32(x))
	case int64:
		return uint64(x)
	default:
		panic("unsupported primitive")
	}
}

func fromUint64[T Primitive](w uint64) T {
	var zero T
	switch any(zero).(type) {
	case uint8:
		return any(uint8(w)).(T)
	case uint16:
		return any(uint16(w)).(T)
	case uint32:
		return any(uint32(w)).(T)
	case uint64:
		return any(w).(T)
	case int8:
		return any(int8(w)).(T)
	case int16:
		return any(int16(w)).(T)
	case int32:
		return any(int32(w)).(T)
	case int64:
		return any(int64(w)).(T)
	default:
		panic("unsupported primitive")
	}
}

// addPrimitive is the accumulator of increment operations.
func addPrimitive[T Primitive](a, b T) T {
	switch x := any(a).(type) {
	case float32:
		return any(x + any(b).(float32)).(T)
	case float64:
		return any(x + any(b).(float64)).(T)
	case uint8:
		return any(x + any(b).(uint8)).(T)
	case uint16:
		return any(x + any(b).(uint16)).(T)
	case uint32:
		return any(x + any(b).(uint32)).(T)
	case uint64:
		return any(x + any(b).(uint64)).(T)
	case int8:
		return any(x + any(b).(int8)).(T)
	case int16:
		return any(x + any(b).(int16)).(T)
	case int32:
		return any(x + any(b).(int32)).(T)
	case int64:
		return any(x + any(b).(int64)).(T)
	default:
		panic("unsupported primitive")
	}
}
