package pack

import (
	"encoding/binary"
	"fmt"
)

// FormatError reports a format string or value mismatch during parse,
// pack or unpack. Not retryable: the caller's format or values are wrong.
type FormatError struct {
	Msg string
}

func (e *FormatError) Error() string { return "format: " + e.Msg }

func formatErrf(format string, args ...any) error {
	return &FormatError{Msg: fmt.Sprintf(format, args...)}
}

// Field is one specifier from a format string.
// Count is the decimal repeat prefix (1 if absent).
// For 's' the count is the fixed byte width, for 'x' the pad width,
// for scalar types the number of consecutive fields.
type Field struct {
	Type  byte
	Count int
}

// Format is a parsed format string.
type Format struct {
	Order  binary.ByteOrder
	Fields []Field
	src    string
}

func (f *Format) String() string { return f.src }

// standard widths per field type; 0 means variable ('S', 'u').
var fieldWidth = map[byte]int{
	'x': 1, 'c': 1, 'b': 1, 'B': 1, '?': 1,
	'h': 2, 'H': 2,
	'i': 4, 'I': 4, 'l': 4, 'L': 4,
	'q': 8, 'Q': 8,
	'f': 4, 'd': 8,
	'r': 8,
	's': 1, // per byte of declared width
	'S': 0,
	'u': 0,
}

// Parse parses a format string: an optional byte-order prefix followed by
// field specifiers, each with an optional decimal repeat count.
//
// Order prefixes: '@' and '=' native, '<' little-endian, '>' big-endian,
// '!' network (big-endian). If the first character is not a prefix, '>' is
// assumed: big-endian packs sort correctly under lexicographic byte compare.
// All fixed fields use standard widths regardless of prefix.
func Parse(src string) (*Format, error) {
	f := &Format{Order: binary.BigEndian, src: src}

	s := src
	if len(s) > 0 {
		switch s[0] {
		case '@', '=':
			f.Order = binary.NativeEndian
			s = s[1:]
		case '<':
			f.Order = binary.LittleEndian
			s = s[1:]
		case '>', '!':
			f.Order = binary.BigEndian
			s = s[1:]
		}
	}

	for i := 0; i < len(s); {
		count := -1
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			if count < 0 {
				count = 0
			}
			count = count*10 + int(s[i]-'0')
			if count > 1<<30 {
				return nil, formatErrf("repeat count overflow in %q", src)
			}
			i++
		}
		if i >= len(s) {
			return nil, formatErrf("trailing repeat count in %q", src)
		}

		t := s[i]
		i++
		if _, ok := fieldWidth[t]; !ok {
			return nil, formatErrf("unknown field type %q in %q", t, src)
		}
		switch t {
		case 'S', 'u':
			// Variable width: a repeat count has no defined meaning.
			if count >= 0 {
				return nil, formatErrf("repeat count not allowed on %q in %q", t, src)
			}
		}
		if count < 0 {
			count = 1
		}
		if count == 0 && t != 's' && t != 'x' {
			return nil, formatErrf("zero repeat count on %q in %q", t, src)
		}
		f.Fields = append(f.Fields, Field{Type: t, Count: count})
	}
	return f, nil
}

// NumValues is the number of values a pack of this format consumes.
// Pad fields consume none; 's', 'S' and 'u' consume one each; scalar
// fields consume one per repeat.
func (f *Format) NumValues() int {
	n := 0
	for _, fld := range f.Fields {
		switch fld.Type {
		case 'x':
		case 's', 'S', 'u':
			n++
		default:
			n += fld.Count
		}
	}
	return n
}

// ValueTypes returns the field type character for each value the format
// consumes, repeat counts expanded. Pad fields contribute nothing.
func (f *Format) ValueTypes() []byte {
	out := make([]byte, 0, f.NumValues())
	for _, fld := range f.Fields {
		switch fld.Type {
		case 'x':
		case 's', 'S', 'u':
			out = append(out, fld.Type)
		default:
			for i := 0; i < fld.Count; i++ {
				out = append(out, fld.Type)
			}
		}
	}
	return out
}

// Size returns the packed size of a format in bytes.
//
// Only defined for formats built entirely of fixed-width fields. A 'u' at
// the end of the format contributes zero (its length lives out of band,
// in the buffer itself); 'S' anywhere and 'u' anywhere else make the size
// data-dependent and return a FormatError.
func (f *Format) Size() (int, error) {
	total := 0
	for i, fld := range f.Fields {
		switch fld.Type {
		case 'S':
			return 0, formatErrf("size of %q is data-dependent ('S' field)", f.src)
		case 'u':
			if i != len(f.Fields)-1 {
				return 0, formatErrf("size of %q is data-dependent (interior 'u' field)", f.src)
			}
			// Trailing raw field: no stored length.
		default:
			total += fieldWidth[fld.Type] * fld.Count
		}
	}
	return total, nil
}

// Size parses format and returns its packed size.
func Size(format string) (int, error) {
	f, err := Parse(format)
	if err != nil {
		return 0, err
	}
	return f.Size()
}
