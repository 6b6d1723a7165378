package codec

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
)

// Type identifies the storage type of a field. The numeric value doubles as
// the on-disk tag byte, so existing constants must never be renumbered.
type Type uint8

const (
	TypeInvalid Type = iota
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeFloat32
	TypeFloat64
	TypeBool
	TypeString
	TypeBytes
	TypeRef
)

var typeNames = map[Type]string{
	TypeInt8:    "int8",
	TypeInt16:   "int16",
	TypeInt32:   "int32",
	TypeInt64:   "int64",
	TypeUint8:   "uint8",
	TypeUint16:  "uint16",
	TypeUint32:  "uint32",
	TypeUint64:  "uint64",
	TypeFloat32: "float32",
	TypeFloat64: "float64",
	TypeBool:    "bool",
	TypeString:  "string",
	TypeBytes:   "bytes",
	TypeRef:     "ref",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// ParseType is the inverse of Type.String.
func ParseType(name string) (Type, error) {
	for t, n := range typeNames {
		if n == name {
			return t, nil
		}
	}
	return TypeInvalid, fmt.Errorf("%w: unknown type %q", ErrInvalidSchema, name)
}

// Valid reports whether t is one of the known types.
func (t Type) Valid() bool {
	return t >= TypeInt8 && t <= TypeRef
}

// Width returns the fixed encoded width of scalar types and 0 for variable
// length types.
func (t Type) Width() int {
	switch t {
	case TypeInt8, TypeUint8, TypeBool:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32, TypeFloat32:
		return 4
	case TypeInt64, TypeUint64, TypeFloat64:
		return 8
	}
	return 0
}

func (t Type) isSigned() bool {
	return t >= TypeInt8 && t <= TypeInt64
}

func (t Type) isUnsigned() bool {
	return t >= TypeUint8 && t <= TypeUint64
}

// Keyable reports whether fields of this type may act as a primary key or
// be the target of a reference.
func (t Type) Keyable() bool {
	return t.isSigned() || t.isUnsigned() || t == TypeString || t == TypeBytes
}

// Value is a single field value. The zero Value is invalid; use the
// constructors below. A Null value is only legal in reference fields.
type Value struct {
	typ  Type
	null bool
	i    int64
	u    uint64
	f    float64
	s    string
	b    []byte
}

func Int8(v int8) Value       { return Value{typ: TypeInt8, i: int64(v)} }
func Int16(v int16) Value     { return Value{typ: TypeInt16, i: int64(v)} }
func Int32(v int32) Value     { return Value{typ: TypeInt32, i: int64(v)} }
func Int64(v int64) Value     { return Value{typ: TypeInt64, i: v} }
func Uint8(v uint8) Value     { return Value{typ: TypeUint8, u: uint64(v)} }
func Uint16(v uint16) Value   { return Value{typ: TypeUint16, u: uint64(v)} }
func Uint32(v uint32) Value   { return Value{typ: TypeUint32, u: uint64(v)} }
func Uint64(v uint64) Value   { return Value{typ: TypeUint64, u: v} }
func Float32(v float32) Value { return Value{typ: TypeFloat32, f: float64(v)} }
func Float64(v float64) Value { return Value{typ: TypeFloat64, f: v} }
func Bool(v bool) Value {
	if v {
		return Value{typ: TypeBool, u: 1}
	}
	return Value{typ: TypeBool}
}
func String(v string) Value { return Value{typ: TypeString, s: v} }

// Bytes copies v so the caller keeps ownership of its slice.
func Bytes(v []byte) Value {
	var cp []byte
	if len(v) > 0 {
		cp = append(cp, v...)
	}
	return Value{typ: TypeBytes, b: cp}
}

// Null is the absent reference.
func Null() Value { return Value{null: true} }

// Type returns the value's storage type, TypeInvalid for Null.
func (v Value) Type() Type { return v.typ }

// IsNull reports whether v is the absent reference.
func (v Value) IsNull() bool { return v.null }

// Int returns the value of any signed integer type.
func (v Value) Int() int64 { return v.i }

// Uint returns the value of any unsigned integer type.
func (v Value) Uint() uint64 { return v.u }

// Float returns the value of either float type.
func (v Value) Float() float64 { return v.f }

// Bool returns the value of a bool.
func (v Value) Bool() bool { return v.typ == TypeBool && v.u == 1 }

// Str returns the value of a string.
func (v Value) Str() string { return v.s }

// Blob returns a copy of the value of a byte blob.
func (v Value) Blob() []byte {
	if v.b == nil {
		return nil
	}
	return append([]byte(nil), v.b...)
}

// Equal reports whether both values have the same type and content.
// Floats compare by bit pattern, so NaN equals itself and -0 differs from 0.
func (v Value) Equal(o Value) bool {
	if v.null || o.null {
		return v.null == o.null
	}
	if v.typ != o.typ {
		return false
	}
	switch {
	case v.typ.isSigned():
		return v.i == o.i
	case v.typ.isUnsigned(), v.typ == TypeBool:
		return v.u == o.u
	case v.typ == TypeFloat32, v.typ == TypeFloat64:
		return math.Float64bits(v.f) == math.Float64bits(o.f)
	case v.typ == TypeString:
		return v.s == o.s
	case v.typ == TypeBytes:
		return bytes.Equal(v.b, o.b)
	}
	return false
}

// KeyString returns the canonical index form of a key value. Two keys of the
// same type are equal iff their KeyStrings are equal.
func (v Value) KeyString() string {
	switch {
	case v.null:
		return ""
	case v.typ.isSigned():
		return strconv.FormatInt(v.i, 10)
	case v.typ.isUnsigned():
		return strconv.FormatUint(v.u, 10)
	case v.typ == TypeString:
		return v.s
	case v.typ == TypeBytes:
		return string(v.b)
	}
	return v.String()
}

func (v Value) String() string {
	switch {
	case v.null:
		return "null"
	case v.typ.isSigned():
		return strconv.FormatInt(v.i, 10)
	case v.typ.isUnsigned():
		return strconv.FormatUint(v.u, 10)
	case v.typ == TypeFloat32:
		return strconv.FormatFloat(v.f, 'g', -1, 32)
	case v.typ == TypeFloat64:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case v.typ == TypeBool:
		return strconv.FormatBool(v.Bool())
	case v.typ == TypeString:
		return strconv.Quote(v.s)
	case v.typ == TypeBytes:
		return fmt.Sprintf("0x%x", v.b)
	}
	return "invalid"
}

// ParseKey converts the textual form of a key (as typed on a command line or
// in a URL) into a value of type t.
func ParseKey(t Type, text string) (Value, error) {
	switch t {
	case TypeString:
		return String(text), nil
	case TypeBytes:
		return Bytes([]byte(text)), nil
	}
	if t.isSigned() {
		n, err := strconv.ParseInt(text, 10, t.Width()*8)
		if err != nil {
			return Value{}, fmt.Errorf("%w: key %q is not a valid %s", ErrMalformedRecord, text, t)
		}
		return Value{typ: t, i: n}, nil
	}
	if t.isUnsigned() {
		n, err := strconv.ParseUint(text, 10, t.Width()*8)
		if err != nil {
			return Value{}, fmt.Errorf("%w: key %q is not a valid %s", ErrMalformedRecord, text, t)
		}
		return Value{typ: t, u: n}, nil
	}
	return Value{}, fmt.Errorf("%w: %s cannot be a key", ErrInvalidSchema, t)
}

// fitsSigned reports whether n is representable in type t. Values cross the
// interchange boundary as wider integers.
func fitsSigned(t Type, n int64) bool {
	switch t {
	case TypeInt8:
		return n >= math.MinInt8 && n <= math.MaxInt8
	case TypeInt16:
		return n >= math.MinInt16 && n <= math.MaxInt16
	case TypeInt32:
		return n >= math.MinInt32 && n <= math.MaxInt32
	}
	return true
}

func fitsUnsigned(t Type, n uint64) bool {
	switch t {
	case TypeUint8:
		return n <= math.MaxUint8
	case TypeUint16:
		return n <= math.MaxUint16
	case TypeUint32:
		return n <= math.MaxUint32
	}
	return true
}
