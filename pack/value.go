package pack

import "fmt"

// Kind tags a Value with its variant.
type Kind int

const (
	KindInt Kind = iota
	KindUint
	KindFloat
	KindBool
	KindBytes
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindBytes:
		return "bytes"
	case KindString:
		return "string"
	}
	return "invalid"
}

// Value is one field of a record: a tagged variant covering every type the
// format grammar can express. Using a tagged struct instead of bare any
// keeps arity and type mismatches structurally checkable before any bytes
// are written.
type Value struct {
	Kind  Kind
	Int   int64
	Uint  uint64
	Float float64
	Bool  bool
	Bytes []byte
	Str   string
}

func Int(v int64) Value     { return Value{Kind: KindInt, Int: v} }
func Uint(v uint64) Value   { return Value{Kind: KindUint, Uint: v} }
func Float(v float64) Value { return Value{Kind: KindFloat, Float: v} }
func Bool(v bool) Value     { return Value{Kind: KindBool, Bool: v} }
func Bytes(v []byte) Value  { return Value{Kind: KindBytes, Bytes: v} }
func String(v string) Value { return Value{Kind: KindString, Str: v} }

// FromAny converts a caller-supplied Go value to a tagged Value. Supports
// the numeric kinds, bool, string and []byte; anything else is a
// FormatError.
func FromAny(v any) (Value, error) {
	switch x := v.(type) {
	case Value:
		return x, nil
	case int:
		return Int(int64(x)), nil
	case int8:
		return Int(int64(x)), nil
	case int16:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint:
		return Uint(uint64(x)), nil
	case uint8:
		return Uint(uint64(x)), nil
	case uint16:
		return Uint(uint64(x)), nil
	case uint32:
		return Uint(uint64(x)), nil
	case uint64:
		return Uint(x), nil
	case float32:
		return Float(float64(x)), nil
	case float64:
		return Float(x), nil
	case bool:
		return Bool(x), nil
	case string:
		return String(x), nil
	case []byte:
		return Bytes(x), nil
	}
	return Value{}, formatErrf("unsupported value type %T", v)
}

// Equal compares two values for bit-exact equality.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindInt:
		return v.Int == o.Int
	case KindUint:
		return v.Uint == o.Uint
	case KindFloat:
		return v.Float == o.Float
	case KindBool:
		return v.Bool == o.Bool
	case KindBytes:
		return string(v.Bytes) == string(o.Bytes)
	case KindString:
		return v.Str == o.Str
	}
	return false
}

// Interface returns the Value as a plain Go value.
func (v Value) Interface() any {
	switch v.Kind {
	case KindInt:
		return v.Int
	case KindUint:
		return v.Uint
	case KindFloat:
		return v.Float
	case KindBool:
		return v.Bool
	case KindBytes:
		return v.Bytes
	case KindString:
		return v.Str
	}
	return nil
}

func (v Value) String() string {
	return fmt.Sprintf("%v", v.Interface())
}
