// Package pack implements the struct codec that turns typed field values
// into the raw key/value bytes the engine stores, driven by a compact
// format string (byte-order prefix plus field specifiers with optional
// repeat counts).
package pack

import (
	"encoding/binary"
	"math"
	"strings"
)

// Pack encodes values against the parsed format. The value list must match
// the format's field sequence in count and kind; any mismatch, or a fixed
// width overflow, is a FormatError.
func (f *Format) Pack(values []Value) ([]byte, error) {
	if len(values) != f.NumValues() {
		return nil, formatErrf("%q wants %d values, got %d", f.src, f.NumValues(), len(values))
	}

	var buf []byte
	vi := 0
	next := func() Value { v := values[vi]; vi++; return v }

	for fi, fld := range f.Fields {
		switch fld.Type {
		case 'x':
			buf = append(buf, make([]byte, fld.Count)...)

		case 'c':
			for n := 0; n < fld.Count; n++ {
				b, err := charByte(next())
				if err != nil {
					return nil, err
				}
				buf = append(buf, b)
			}

		case '?':
			for n := 0; n < fld.Count; n++ {
				v := next()
				if v.Kind != KindBool {
					return nil, formatErrf("field %d: want bool, got %s", fi, v.Kind)
				}
				if v.Bool {
					buf = append(buf, 1)
				} else {
					buf = append(buf, 0)
				}
			}

		case 'b', 'h', 'i', 'l', 'q':
			for n := 0; n < fld.Count; n++ {
				var err error
				buf, err = appendInt(buf, f.Order, fieldWidth[fld.Type], next())
				if err != nil {
					return nil, err
				}
			}

		case 'B', 'H', 'I', 'L', 'Q', 'r':
			for n := 0; n < fld.Count; n++ {
				var err error
				buf, err = appendUint(buf, f.Order, fieldWidth[fld.Type], next())
				if err != nil {
					return nil, err
				}
			}

		case 'f':
			for n := 0; n < fld.Count; n++ {
				v := next()
				if v.Kind != KindFloat {
					return nil, formatErrf("field %d: want float, got %s", fi, v.Kind)
				}
				var b [4]byte
				f.Order.PutUint32(b[:], math.Float32bits(float32(v.Float)))
				buf = append(buf, b[:]...)
			}

		case 'd':
			for n := 0; n < fld.Count; n++ {
				v := next()
				if v.Kind != KindFloat {
					return nil, formatErrf("field %d: want float, got %s", fi, v.Kind)
				}
				var b [8]byte
				f.Order.PutUint64(b[:], math.Float64bits(v.Float))
				buf = append(buf, b[:]...)
			}

		case 's':
			data, err := byteValue(next())
			if err != nil {
				return nil, err
			}
			if len(data) > fld.Count {
				return nil, formatErrf("field %d: %d bytes overflow fixed width %d", fi, len(data), fld.Count)
			}
			buf = append(buf, data...)
			buf = append(buf, make([]byte, fld.Count-len(data))...)

		case 'S':
			v := next()
			if v.Kind != KindString && v.Kind != KindBytes {
				return nil, formatErrf("field %d: want string, got %s", fi, v.Kind)
			}
			s := v.Str
			if v.Kind == KindBytes {
				s = string(v.Bytes)
			}
			if strings.IndexByte(s, 0) >= 0 {
				return nil, formatErrf("field %d: NUL byte inside 'S' value", fi)
			}
			buf = append(buf, s...)
			buf = append(buf, 0)

		case 'u':
			data, err := byteValue(next())
			if err != nil {
				return nil, err
			}
			if fi != len(f.Fields)-1 {
				// Interior raw field carries an explicit 32-bit length.
				if len(data) > math.MaxUint32 {
					return nil, formatErrf("field %d: raw field too large", fi)
				}
				var b [4]byte
				f.Order.PutUint32(b[:], uint32(len(data)))
				buf = append(buf, b[:]...)
			}
			buf = append(buf, data...)
		}
	}
	return buf, nil
}

// Unpack decodes data against the parsed format. A buffer shorter than the
// format demands is a FormatError; trailing bytes beyond the format are
// ignored, except that a 'u' at the end of the format claims all of them.
func (f *Format) Unpack(data []byte) ([]Value, error) {
	var out []Value
	off := 0

	need := func(n int) error {
		if len(data)-off < n {
			return formatErrf("%q needs %d bytes at offset %d, have %d", f.src, n, off, len(data)-off)
		}
		return nil
	}

	for fi, fld := range f.Fields {
		switch fld.Type {
		case 'x':
			if err := need(fld.Count); err != nil {
				return nil, err
			}
			off += fld.Count

		case 'c':
			for n := 0; n < fld.Count; n++ {
				if err := need(1); err != nil {
					return nil, err
				}
				out = append(out, Bytes([]byte{data[off]}))
				off++
			}

		case '?':
			for n := 0; n < fld.Count; n++ {
				if err := need(1); err != nil {
					return nil, err
				}
				out = append(out, Bool(data[off] != 0))
				off++
			}

		case 'b', 'h', 'i', 'l', 'q':
			w := fieldWidth[fld.Type]
			for n := 0; n < fld.Count; n++ {
				if err := need(w); err != nil {
					return nil, err
				}
				out = append(out, Int(readInt(f.Order, data[off:off+w])))
				off += w
			}

		case 'B', 'H', 'I', 'L', 'Q', 'r':
			w := fieldWidth[fld.Type]
			for n := 0; n < fld.Count; n++ {
				if err := need(w); err != nil {
					return nil, err
				}
				out = append(out, Uint(readUint(f.Order, data[off:off+w])))
				off += w
			}

		case 'f':
			for n := 0; n < fld.Count; n++ {
				if err := need(4); err != nil {
					return nil, err
				}
				out = append(out, Float(float64(math.Float32frombits(f.Order.Uint32(data[off:])))))
				off += 4
			}

		case 'd':
			for n := 0; n < fld.Count; n++ {
				if err := need(8); err != nil {
					return nil, err
				}
				out = append(out, Float(math.Float64frombits(f.Order.Uint64(data[off:]))))
				off += 8
			}

		case 's':
			if err := need(fld.Count); err != nil {
				return nil, err
			}
			b := make([]byte, fld.Count)
			copy(b, data[off:])
			out = append(out, Bytes(b))
			off += fld.Count

		case 'S':
			end := off
			for end < len(data) && data[end] != 0 {
				end++
			}
			if end == len(data) {
				return nil, formatErrf("%q: unterminated 'S' at offset %d", f.src, off)
			}
			out = append(out, String(string(data[off:end])))
			off = end + 1

		case 'u':
			if fi == len(f.Fields)-1 {
				// End-of-format raw field claims every remaining byte.
				b := make([]byte, len(data)-off)
				copy(b, data[off:])
				out = append(out, Bytes(b))
				off = len(data)
			} else {
				if err := need(4); err != nil {
					return nil, err
				}
				n := int(f.Order.Uint32(data[off:]))
				off += 4
				if err := need(n); err != nil {
					return nil, err
				}
				b := make([]byte, n)
				copy(b, data[off:])
				out = append(out, Bytes(b))
				off += n
			}
		}
	}
	return out, nil
}

// Pack parses format and encodes values against it.
func Pack(format string, values []Value) ([]byte, error) {
	f, err := Parse(format)
	if err != nil {
		return nil, err
	}
	return f.Pack(values)
}

// Unpack parses format and decodes data against it.
func Unpack(format string, data []byte) ([]Value, error) {
	f, err := Parse(format)
	if err != nil {
		return nil, err
	}
	return f.Unpack(data)
}

func charByte(v Value) (byte, error) {
	switch v.Kind {
	case KindBytes:
		if len(v.Bytes) == 1 {
			return v.Bytes[0], nil
		}
	case KindString:
		if len(v.Str) == 1 {
			return v.Str[0], nil
		}
	}
	return 0, formatErrf("'c' wants a single byte, got %s %q", v.Kind, v.String())
}

func byteValue(v Value) ([]byte, error) {
	switch v.Kind {
	case KindBytes:
		return v.Bytes, nil
	case KindString:
		return []byte(v.Str), nil
	}
	return nil, formatErrf("want bytes, got %s", v.Kind)
}

func appendInt(buf []byte, order binary.ByteOrder, width int, v Value) ([]byte, error) {
	var n int64
	switch v.Kind {
	case KindInt:
		n = v.Int
	case KindUint:
		if v.Uint > math.MaxInt64 {
			return nil, formatErrf("value %d overflows signed field", v.Uint)
		}
		n = int64(v.Uint)
	default:
		return nil, formatErrf("want integer, got %s", v.Kind)
	}
	if width < 8 {
		limit := int64(1) << (width*8 - 1)
		if n < -limit || n >= limit {
			return nil, formatErrf("value %d overflows %d-byte signed field", n, width)
		}
	}
	return appendRaw(buf, order, width, uint64(n)), nil
}

func appendUint(buf []byte, order binary.ByteOrder, width int, v Value) ([]byte, error) {
	var n uint64
	switch v.Kind {
	case KindUint:
		n = v.Uint
	case KindInt:
		if v.Int < 0 {
			return nil, formatErrf("negative value %d in unsigned field", v.Int)
		}
		n = uint64(v.Int)
	default:
		return nil, formatErrf("want integer, got %s", v.Kind)
	}
	if width < 8 && n >= uint64(1)<<(width*8) {
		return nil, formatErrf("value %d overflows %d-byte unsigned field", n, width)
	}
	return appendRaw(buf, order, width, n), nil
}

func appendRaw(buf []byte, order binary.ByteOrder, width int, n uint64) []byte {
	var b [8]byte
	order.PutUint64(b[:], n)
	if isLittle(order) {
		return append(buf, b[:width]...)
	}
	return append(buf, b[8-width:]...)
}

func readInt(order binary.ByteOrder, b []byte) int64 {
	u := readUint(order, b)
	shift := uint(64 - len(b)*8)
	return int64(u<<shift) >> shift // sign extend
}

func readUint(order binary.ByteOrder, b []byte) uint64 {
	var full [8]byte
	if isLittle(order) {
		copy(full[:], b)
	} else {
		copy(full[8-len(b):], b)
	}
	return order.Uint64(full[:])
}

// isLittle probes the order rather than comparing identities, so
// binary.NativeEndian resolves to whatever the host actually does.
func isLittle(order binary.ByteOrder) bool {
	var p [2]byte
	order.PutUint16(p[:], 1)
	return p[0] == 1
}
