package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"
)

const (
	maxFields = math.MaxUint16

	refAbsent  = 0x00
	refPresent = 0x01
)

// Row is a record as an ordinal-ordered list of values.
type Row []Value

// Equal reports whether both rows hold equal values in the same order.
func (r Row) Equal(o Row) bool {
	if len(r) != len(o) {
		return false
	}
	for i := range r {
		if !r[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for i, v := range r {
		if v.b != nil {
			v.b = append([]byte(nil), v.b...)
		}
		out[i] = v
	}
	return out
}

// Check verifies that row is well formed for the schema: right arity and
// every value of the declared type. References may be Null.
func (s *Schema) Check(row Row) error {
	if len(row) != len(s.fields) {
		return fmt.Errorf("%w: %s expects %d fields, got %d", ErrMalformedRecord, s.name, len(s.fields), len(row))
	}
	for i, f := range s.fields {
		v := row[i]
		if f.Type == TypeRef {
			if v.null || v.typ == f.RefType {
				continue
			}
			return fmt.Errorf("%w: field %q expects ref(%s), got %s", ErrMalformedRecord, f.Name, f.RefType, v.typ)
		}
		if v.null || v.typ != f.Type {
			return fmt.Errorf("%w: field %q expects %s, got %s", ErrMalformedRecord, f.Name, f.Type, v.describe())
		}
		if f.Type == TypeString && !utf8.ValidString(v.s) {
			return fmt.Errorf("%w: field %q is not valid UTF-8", ErrMalformedRecord, f.Name)
		}
	}
	return nil
}

func (v Value) describe() string {
	if v.null {
		return "null"
	}
	return v.typ.String()
}

// EncodedSize returns the number of bytes EncodeRow produces for a well
// formed row.
func (s *Schema) EncodedSize(row Row) int {
	n := 2
	for i, f := range s.fields {
		n += 1 + valueSize(f.Type, row[i])
	}
	return n
}

func valueSize(t Type, v Value) int {
	switch t {
	case TypeString:
		return 4 + len(v.s)
	case TypeBytes:
		return 4 + len(v.b)
	case TypeRef:
		if v.null {
			return 1
		}
		return 2 + valueSize(v.typ, v)
	}
	return t.Width()
}

// EncodeRow serializes row in the schema's ordinal layout:
//
//	[field_count:u16] ([tag:u8][payload])*
//
// Scalars are fixed width little-endian, strings and blobs are prefixed by a
// u32 length, references carry a presence byte and the tagged key value.
func (s *Schema) EncodeRow(row Row) ([]byte, error) {
	if err := s.Check(row); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, s.EncodedSize(row))
	return s.appendRow(buf, row), nil
}

// AppendRow is EncodeRow appending to dst.
func (s *Schema) AppendRow(dst []byte, row Row) ([]byte, error) {
	if err := s.Check(row); err != nil {
		return nil, err
	}
	return s.appendRow(dst, row), nil
}

func (s *Schema) appendRow(buf []byte, row Row) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s.fields)))
	for i, f := range s.fields {
		buf = append(buf, byte(f.Type))
		buf = appendValue(buf, f.Type, row[i])
	}
	return buf
}

func appendValue(buf []byte, t Type, v Value) []byte {
	switch t {
	case TypeInt8:
		return append(buf, byte(int8(v.i)))
	case TypeInt16:
		return binary.LittleEndian.AppendUint16(buf, uint16(int16(v.i)))
	case TypeInt32:
		return binary.LittleEndian.AppendUint32(buf, uint32(int32(v.i)))
	case TypeInt64:
		return binary.LittleEndian.AppendUint64(buf, uint64(v.i))
	case TypeUint8, TypeBool:
		return append(buf, byte(v.u))
	case TypeUint16:
		return binary.LittleEndian.AppendUint16(buf, uint16(v.u))
	case TypeUint32:
		return binary.LittleEndian.AppendUint32(buf, uint32(v.u))
	case TypeUint64:
		return binary.LittleEndian.AppendUint64(buf, v.u)
	case TypeFloat32:
		return binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(v.f)))
	case TypeFloat64:
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.f))
	case TypeString:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v.s)))
		return append(buf, v.s...)
	case TypeBytes:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v.b)))
		return append(buf, v.b...)
	case TypeRef:
		if v.null {
			return append(buf, refAbsent)
		}
		buf = append(buf, refPresent, byte(v.typ))
		return appendValue(buf, v.typ, v)
	}
	return buf
}

// DecodeRow reconstructs a fresh row from bytes produced by EncodeRow.
func (s *Schema) DecodeRow(data []byte) (Row, error) {
	d := decoder{data: data}
	count, ok := d.uint16()
	if !ok {
		return nil, fmt.Errorf("%w: %s: missing field count", ErrMalformedRecord, s.name)
	}
	if int(count) != len(s.fields) {
		return nil, fmt.Errorf("%w: %s: stored record has %d fields, schema has %d", ErrSchemaMismatch, s.name, count, len(s.fields))
	}

	row := make(Row, len(s.fields))
	for i, f := range s.fields {
		tag, ok := d.byte()
		if !ok {
			return nil, fmt.Errorf("%w: %s: truncated at field %q", ErrMalformedRecord, s.name, f.Name)
		}
		t := Type(tag)
		if !t.Valid() {
			return nil, fmt.Errorf("%w: %s: unknown tag 0x%02x at field %q", ErrMalformedRecord, s.name, tag, f.Name)
		}
		if t != f.Type {
			return nil, fmt.Errorf("%w: %s: field %q stored as %s, schema says %s", ErrSchemaMismatch, s.name, f.Name, t, f.Type)
		}
		v, err := d.value(f)
		if err != nil {
			return nil, fmt.Errorf("%s: field %q: %w", s.name, f.Name, err)
		}
		row[i] = v
	}
	if d.remaining() != 0 {
		return nil, fmt.Errorf("%w: %s: %d trailing bytes", ErrMalformedRecord, s.name, d.remaining())
	}
	return row, nil
}

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) remaining() int { return len(d.data) - d.pos }

func (d *decoder) take(n int) ([]byte, bool) {
	if n < 0 || d.remaining() < n {
		return nil, false
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, true
}

func (d *decoder) byte() (byte, bool) {
	b, ok := d.take(1)
	if !ok {
		return 0, false
	}
	return b[0], true
}

func (d *decoder) uint16() (uint16, bool) {
	b, ok := d.take(2)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b), true
}

func (d *decoder) value(f Field) (Value, error) {
	if f.Type != TypeRef {
		return d.scalar(f.Type)
	}
	marker, ok := d.byte()
	if !ok {
		return Value{}, fmt.Errorf("%w: truncated reference", ErrMalformedRecord)
	}
	switch marker {
	case refAbsent:
		return Null(), nil
	case refPresent:
	default:
		return Value{}, fmt.Errorf("%w: bad reference marker 0x%02x", ErrMalformedRecord, marker)
	}
	tag, ok := d.byte()
	if !ok {
		return Value{}, fmt.Errorf("%w: truncated reference", ErrMalformedRecord)
	}
	if t := Type(tag); t != f.RefType {
		if !t.Valid() {
			return Value{}, fmt.Errorf("%w: unknown reference tag 0x%02x", ErrMalformedRecord, tag)
		}
		return Value{}, fmt.Errorf("%w: reference stored as %s, schema says %s", ErrSchemaMismatch, t, f.RefType)
	}
	return d.scalar(f.RefType)
}

func (d *decoder) scalar(t Type) (Value, error) {
	if w := t.Width(); w > 0 {
		b, ok := d.take(w)
		if !ok {
			return Value{}, fmt.Errorf("%w: truncated %s", ErrMalformedRecord, t)
		}
		return fixedValue(t, b)
	}

	lb, ok := d.take(4)
	if !ok {
		return Value{}, fmt.Errorf("%w: truncated %s length", ErrMalformedRecord, t)
	}
	n := binary.LittleEndian.Uint32(lb)
	if uint64(n) > uint64(d.remaining()) {
		return Value{}, fmt.Errorf("%w: %s length %d exceeds remaining %d bytes", ErrMalformedRecord, t, n, d.remaining())
	}
	b, _ := d.take(int(n))
	if t == TypeString {
		if !utf8.Valid(b) {
			return Value{}, fmt.Errorf("%w: invalid UTF-8", ErrMalformedRecord)
		}
		return String(string(b)), nil
	}
	return Bytes(b), nil
}

func fixedValue(t Type, b []byte) (Value, error) {
	switch t {
	case TypeInt8:
		return Int8(int8(b[0])), nil
	case TypeInt16:
		return Int16(int16(binary.LittleEndian.Uint16(b))), nil
	case TypeInt32:
		return Int32(int32(binary.LittleEndian.Uint32(b))), nil
	case TypeInt64:
		return Int64(int64(binary.LittleEndian.Uint64(b))), nil
	case TypeUint8:
		return Uint8(b[0]), nil
	case TypeUint16:
		return Uint16(binary.LittleEndian.Uint16(b)), nil
	case TypeUint32:
		return Uint32(binary.LittleEndian.Uint32(b)), nil
	case TypeUint64:
		return Uint64(binary.LittleEndian.Uint64(b)), nil
	case TypeFloat32:
		return Float32(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
	case TypeFloat64:
		return Float64(math.Float64frombits(binary.LittleEndian.Uint64(b))), nil
	case TypeBool:
		switch b[0] {
		case 0:
			return Bool(false), nil
		case 1:
			return Bool(true), nil
		}
		return Value{}, fmt.Errorf("%w: bad bool byte 0x%02x", ErrMalformedRecord, b[0])
	}
	return Value{}, fmt.Errorf("%w: %s is not fixed width", ErrMalformedRecord, t)
}
