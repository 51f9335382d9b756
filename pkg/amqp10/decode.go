package amqp10

import (
	"encoding/binary"
	"fmt"
)

// described is a decoded described type: a numeric descriptor plus its
// enclosed value (for performatives, a field list).
type described struct {
	code  uint64
	value any
}

// reader decodes AMQP 1.0 primitive values from a byte slice.
type reader struct {
	b   []byte
	off int
}

func (r *reader) remaining() int { return len(r.b) - r.off }

func (r *reader) rest() []byte { return r.b[r.off:] }

func (r *reader) readByte() (byte, error) {
	if r.off >= len(r.b) {
		return 0, errDecodeShort
	}
	v := r.b[r.off]
	r.off++
	return v, nil
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, errDecodeShort
	}
	v := r.b[r.off : r.off+n]
	r.off += n
	return v, nil
}

func (r *reader) readUint16() (uint16, error) {
	p, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p), nil
}

func (r *reader) readUint32() (uint32, error) {
	p, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(p), nil
}

func (r *reader) readUint64() (uint64, error) {
	p, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(p), nil
}

// readValue decodes one value of any constructor the engine emits or
// expects from a conforming peer. Unknown constructors are a decode error.
func (r *reader) readValue() (any, error) {
	ctor, err := r.readByte()
	if err != nil {
		return nil, err
	}
	switch ctor {
	case ctorNull:
		return nil, nil
	case ctorBoolTrue:
		return true, nil
	case ctorBoolFalse:
		return false, nil
	case ctorBool:
		v, err := r.readByte()
		if err != nil {
			return nil, err
		}
		return v == 1, nil
	case ctorUbyte:
		v, err := r.readByte()
		if err != nil {
			return nil, err
		}
		return uint8(v), nil
	case ctorUshort:
		return r.readUint16()
	case ctorUint0:
		return uint32(0), nil
	case ctorSmallUint:
		v, err := r.readByte()
		if err != nil {
			return nil, err
		}
		return uint32(v), nil
	case ctorUint:
		return r.readUint32()
	case ctorUlong0:
		return uint64(0), nil
	case ctorSmallUlong:
		v, err := r.readByte()
		if err != nil {
			return nil, err
		}
		return uint64(v), nil
	case ctorUlong:
		return r.readUint64()
	case ctorVbin8, ctorStr8, ctorSym8:
		n, err := r.readByte()
		if err != nil {
			return nil, err
		}
		p, err := r.take(int(n))
		if err != nil {
			return nil, err
		}
		return variable(ctor, p), nil
	case ctorVbin32, ctorStr32, ctorSym32:
		n, err := r.readUint32()
		if err != nil {
			return nil, err
		}
		p, err := r.take(int(n))
		if err != nil {
			return nil, err
		}
		return variable(ctor, p), nil
	case ctorList0:
		return []any{}, nil
	case ctorList8, ctorMap8:
		size, err := r.readByte()
		if err != nil {
			return nil, err
		}
		return r.readCompound(int(size), false)
	case ctorList32, ctorMap32:
		size, err := r.readUint32()
		if err != nil {
			return nil, err
		}
		return r.readCompound(int(size), true)
	case ctorArray8:
		size, err := r.readByte()
		if err != nil {
			return nil, err
		}
		return r.readArray(int(size), false)
	case ctorArray32:
		size, err := r.readUint32()
		if err != nil {
			return nil, err
		}
		return r.readArray(int(size), true)
	case ctorDescribed:
		desc, err := r.readValue()
		if err != nil {
			return nil, err
		}
		code, ok := desc.(uint64)
		if !ok {
			// symbolic descriptors are legal on the wire but never
			// produced by this engine's peer set
			return nil, fmt.Errorf("unsupported descriptor type %T", desc)
		}
		val, err := r.readValue()
		if err != nil {
			return nil, err
		}
		return described{code: code, value: val}, nil
	default:
		return nil, fmt.Errorf("unknown constructor 0x%02x", ctor)
	}
}

func variable(ctor byte, p []byte) any {
	switch ctor {
	case ctorVbin8, ctorVbin32:
		out := make([]byte, len(p))
		copy(out, p)
		return out
	case ctorSym8, ctorSym32:
		return symbol(p)
	default:
		return string(p)
	}
}

// readCompound decodes a list (or map, which shares the layout) whose size
// prefix has already been consumed.
func (r *reader) readCompound(size int, wide bool) ([]any, error) {
	body, err := r.take(size)
	if err != nil {
		return nil, err
	}
	inner := reader{b: body}
	var count uint32
	if wide {
		c, err := inner.readUint32()
		if err != nil {
			return nil, err
		}
		count = c
	} else {
		c, err := inner.readByte()
		if err != nil {
			return nil, err
		}
		count = uint32(c)
	}
	if count > uint32(size) {
		return nil, errDecodeShort
	}
	vals := make([]any, 0, count)
	for i := uint32(0); i < count; i++ {
		v, err := inner.readValue()
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
	}
	return vals, nil
}

// readArray decodes an array whose size prefix has been consumed. Only
// symbol arrays appear in the frames this engine exchanges.
func (r *reader) readArray(size int, wide bool) ([]any, error) {
	body, err := r.take(size)
	if err != nil {
		return nil, err
	}
	inner := reader{b: body}
	var count uint32
	if wide {
		c, err := inner.readUint32()
		if err != nil {
			return nil, err
		}
		count = c
	} else {
		c, err := inner.readByte()
		if err != nil {
			return nil, err
		}
		count = uint32(c)
	}
	ctor, err := inner.readByte()
	if err != nil {
		return nil, err
	}
	vals := make([]any, 0, count)
	for i := uint32(0); i < count; i++ {
		switch ctor {
		case ctorSym8, ctorStr8, ctorVbin8:
			n, err := inner.readByte()
			if err != nil {
				return nil, err
			}
			p, err := inner.take(int(n))
			if err != nil {
				return nil, err
			}
			vals = append(vals, variable(ctor, p))
		case ctorSym32, ctorStr32, ctorVbin32:
			n, err := inner.readUint32()
			if err != nil {
				return nil, err
			}
			p, err := inner.take(int(n))
			if err != nil {
				return nil, err
			}
			vals = append(vals, variable(ctor, p))
		case ctorUint:
			v, err := inner.readUint32()
			if err != nil {
				return nil, err
			}
			vals = append(vals, v)
		default:
			return nil, fmt.Errorf("unsupported array constructor 0x%02x", ctor)
		}
	}
	return vals, nil
}

// field helpers: composite fields are optional and may be trimmed or null.

func fieldAt(fields []any, i int) any {
	if i < len(fields) {
		return fields[i]
	}
	return nil
}

func fieldUint(fields []any, i int) (uint32, bool) {
	switch v := fieldAt(fields, i).(type) {
	case uint32:
		return v, true
	case uint8:
		return uint32(v), true
	case uint16:
		return uint32(v), true
	case uint64:
		return uint32(v), true
	}
	return 0, false
}

func fieldUshort(fields []any, i int) (uint16, bool) {
	switch v := fieldAt(fields, i).(type) {
	case uint16:
		return v, true
	case uint8:
		return uint16(v), true
	case uint32:
		return uint16(v), true
	}
	return 0, false
}

func fieldUbyte(fields []any, i int) (uint8, bool) {
	switch v := fieldAt(fields, i).(type) {
	case uint8:
		return v, true
	case uint32:
		return uint8(v), true
	}
	return 0, false
}

func fieldBool(fields []any, i int) bool {
	v, _ := fieldAt(fields, i).(bool)
	return v
}

func fieldString(fields []any, i int) string {
	switch v := fieldAt(fields, i).(type) {
	case string:
		return v
	case symbol:
		return string(v)
	}
	return ""
}

func fieldSymbol(fields []any, i int) symbol {
	switch v := fieldAt(fields, i).(type) {
	case symbol:
		return v
	case string:
		return symbol(v)
	}
	return ""
}

func fieldBinary(fields []any, i int) []byte {
	v, _ := fieldAt(fields, i).([]byte)
	return v
}

func fieldList(fields []any, i int) []any {
	v, _ := fieldAt(fields, i).([]any)
	return v
}

func fieldDescribed(fields []any, i int) (described, bool) {
	v, ok := fieldAt(fields, i).(described)
	return v, ok
}
