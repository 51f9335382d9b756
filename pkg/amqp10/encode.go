package amqp10

import (
	"encoding/binary"
)

// AMQP 1.0 type constructors used by the performative codec.
const (
	ctorNull       = 0x40
	ctorBoolTrue   = 0x41
	ctorBoolFalse  = 0x42
	ctorBool       = 0x56
	ctorUbyte      = 0x50
	ctorUshort     = 0x60
	ctorUint0      = 0x43
	ctorSmallUint  = 0x52
	ctorUint       = 0x70
	ctorUlong0     = 0x44
	ctorSmallUlong = 0x53
	ctorUlong      = 0x80
	ctorVbin8      = 0xa0
	ctorVbin32     = 0xb0
	ctorStr8       = 0xa1
	ctorStr32      = 0xb1
	ctorSym8       = 0xa3
	ctorSym32      = 0xb3
	ctorList0      = 0x45
	ctorList8      = 0xc0
	ctorList32     = 0xd0
	ctorMap8       = 0xc1
	ctorMap32      = 0xd1
	ctorArray8     = 0xe0
	ctorArray32    = 0xf0
	ctorDescribed  = 0x00
)

// symbol is an AMQP symbolic value (7-bit ASCII token).
type symbol string

// buffer is a minimal append-only encoder. All multi-byte values are
// big-endian per the AMQP type system.
type buffer struct {
	b []byte
}

func (b *buffer) bytes() []byte { return b.b }

func (b *buffer) writeByte(v byte) { b.b = append(b.b, v) }

func (b *buffer) write(p []byte) { b.b = append(b.b, p...) }
func (b *buffer) writeUint16(v uint16) {
	b.b = binary.BigEndian.AppendUint16(b.b, v)
}
func (b *buffer) writeUint32(v uint32) {
	b.b = binary.BigEndian.AppendUint32(b.b, v)
}
func (b *buffer) writeUint64(v uint64) {
	b.b = binary.BigEndian.AppendUint64(b.b, v)
}

func (b *buffer) writeNull() { b.writeByte(ctorNull) }

func (b *buffer) writeBool(v bool) {
	if v {
		b.writeByte(ctorBoolTrue)
	} else {
		b.writeByte(ctorBoolFalse)
	}
}

func (b *buffer) writeUbyte(v uint8) {
	b.writeByte(ctorUbyte)
	b.writeByte(v)
}

func (b *buffer) writeUshort(v uint16) {
	b.writeByte(ctorUshort)
	b.writeUint16(v)
}

func (b *buffer) writeUint(v uint32) {
	switch {
	case v == 0:
		b.writeByte(ctorUint0)
	case v < 256:
		b.writeByte(ctorSmallUint)
		b.writeByte(byte(v))
	default:
		b.writeByte(ctorUint)
		b.writeUint32(v)
	}
}

func (b *buffer) writeUlong(v uint64) {
	switch {
	case v == 0:
		b.writeByte(ctorUlong0)
	case v < 256:
		b.writeByte(ctorSmallUlong)
		b.writeByte(byte(v))
	default:
		b.writeByte(ctorUlong)
		b.writeUint64(v)
	}
}

func (b *buffer) writeBinary(v []byte) {
	if len(v) < 256 {
		b.writeByte(ctorVbin8)
		b.writeByte(byte(len(v)))
	} else {
		b.writeByte(ctorVbin32)
		b.writeUint32(uint32(len(v)))
	}
	b.write(v)
}

func (b *buffer) writeString(v string) {
	if len(v) < 256 {
		b.writeByte(ctorStr8)
		b.writeByte(byte(len(v)))
	} else {
		b.writeByte(ctorStr32)
		b.writeUint32(uint32(len(v)))
	}
	b.write([]byte(v))
}

func (b *buffer) writeSymbol(v symbol) {
	if len(v) < 256 {
		b.writeByte(ctorSym8)
		b.writeByte(byte(len(v)))
	} else {
		b.writeByte(ctorSym32)
		b.writeUint32(uint32(len(v)))
	}
	b.write([]byte(v))
}

// writeSymbolArray encodes a list of symbols as an array8 of sym8 values.
func (b *buffer) writeSymbolArray(vs []symbol) {
	var body buffer
	for _, v := range vs {
		body.writeByte(byte(len(v)))
		body.write([]byte(v))
	}
	b.writeByte(ctorArray8)
	b.writeByte(byte(len(body.b) + 2)) // size includes count + constructor
	b.writeByte(byte(len(vs)))
	b.writeByte(ctorSym8)
	b.write(body.b)
}

// listWriter collects encoded list fields and emits a list0/list8/list32.
// Trailing null fields are trimmed, as permitted for composite types.
type listWriter struct {
	fields []buffer
}

func (l *listWriter) field() *buffer {
	l.fields = append(l.fields, buffer{})
	return &l.fields[len(l.fields)-1]
}

func (l *listWriter) writeTo(b *buffer) {
	n := len(l.fields)
	for n > 0 && len(l.fields[n-1].b) == 1 && l.fields[n-1].b[0] == ctorNull {
		n--
	}
	var body buffer
	for i := 0; i < n; i++ {
		body.write(l.fields[i].b)
	}
	switch {
	case n == 0:
		b.writeByte(ctorList0)
	case len(body.b)+1 < 256 && n < 256:
		b.writeByte(ctorList8)
		b.writeByte(byte(len(body.b) + 1))
		b.writeByte(byte(n))
	default:
		b.writeByte(ctorList32)
		b.writeUint32(uint32(len(body.b) + 4))
		b.writeUint32(uint32(n))
	}
	b.write(body.b)
}

// writeDescriptor emits the described-type prefix for a composite with the
// given numeric descriptor.
func (b *buffer) writeDescriptor(code uint64) {
	b.writeByte(ctorDescribed)
	b.writeUlong(code)
}
