package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// maxDocumentSize mirrors the BSON document ceiling used by MongoDB.
const maxDocumentSize = 16 << 20

// MarshalDocument converts a row into a self-describing BSON document keyed
// by field name. Unlike the ordinal layout it can be read by a process that
// does not share the schema declaration.
func MarshalDocument(s *Schema, row Row) ([]byte, error) {
	if err := s.Check(row); err != nil {
		return nil, err
	}
	doc := make(bson.D, 0, len(s.fields))
	for i, f := range s.fields {
		v, err := documentValue(f, row[i])
		if err != nil {
			return nil, err
		}
		doc = append(doc, bson.E{Key: f.Name, Value: v})
	}
	return bson.Marshal(doc)
}

func documentValue(f Field, v Value) (any, error) {
	if v.null {
		return nil, nil
	}
	switch t := v.typ; {
	case t == TypeInt8, t == TypeInt16, t == TypeInt32:
		return int32(v.i), nil
	case t == TypeInt64:
		return v.i, nil
	case t == TypeUint8, t == TypeUint16:
		return int32(v.u), nil
	case t == TypeUint32:
		return int64(v.u), nil
	case t == TypeUint64:
		if v.u > math.MaxInt64 {
			return nil, fmt.Errorf("%w: field %q: %d does not fit a BSON int64", ErrMalformedRecord, f.Name, v.u)
		}
		return int64(v.u), nil
	case t == TypeFloat32, t == TypeFloat64:
		return v.f, nil
	case t == TypeBool:
		return v.Bool(), nil
	case t == TypeString:
		return v.s, nil
	case t == TypeBytes:
		return primitive.Binary{Subtype: 0x00, Data: v.b}, nil
	}
	return nil, fmt.Errorf("%w: field %q has invalid value", ErrMalformedRecord, f.Name)
}

// UnmarshalDocument reads a BSON document produced by MarshalDocument, or by
// any peer that names the same fields. Fields are matched by name; unknown
// document fields are ignored, missing schema fields are a schema mismatch.
func UnmarshalDocument(s *Schema, data []byte) (Row, error) {
	raw := bson.Raw(data)
	if err := raw.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid document: %v", ErrMalformedRecord, err)
	}

	row := make(Row, len(s.fields))
	for i, f := range s.fields {
		rv, err := raw.LookupErr(f.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: document has no field %q", ErrSchemaMismatch, s.name, f.Name)
		}
		v, err := fromDocumentValue(f, rv)
		if err != nil {
			return nil, fmt.Errorf("%s: field %q: %w", s.name, f.Name, err)
		}
		row[i] = v
	}
	return row, nil
}

func fromDocumentValue(f Field, rv bson.RawValue) (Value, error) {
	t := f.Type
	if t == TypeRef {
		if rv.Type == bson.TypeNull {
			return Null(), nil
		}
		t = f.RefType
	}

	mismatch := func() (Value, error) {
		return Value{}, fmt.Errorf("%w: %s stored as BSON %s", ErrSchemaMismatch, t, rv.Type)
	}

	switch {
	case t.isSigned() || t.isUnsigned():
		var n int64
		switch rv.Type {
		case bson.TypeInt32:
			n = int64(rv.Int32())
		case bson.TypeInt64:
			n = rv.Int64()
		default:
			return mismatch()
		}
		if t.isSigned() {
			if !fitsSigned(t, n) {
				return Value{}, fmt.Errorf("%w: %d overflows %s", ErrMalformedRecord, n, t)
			}
			return Value{typ: t, i: n}, nil
		}
		if n < 0 || !fitsUnsigned(t, uint64(n)) {
			return Value{}, fmt.Errorf("%w: %d overflows %s", ErrMalformedRecord, n, t)
		}
		return Value{typ: t, u: uint64(n)}, nil
	case t == TypeFloat32 || t == TypeFloat64:
		d, ok := rv.DoubleOK()
		if !ok {
			return mismatch()
		}
		if t == TypeFloat32 {
			return Float32(float32(d)), nil
		}
		return Float64(d), nil
	case t == TypeBool:
		b, ok := rv.BooleanOK()
		if !ok {
			return mismatch()
		}
		return Bool(b), nil
	case t == TypeString:
		str, ok := rv.StringValueOK()
		if !ok {
			return mismatch()
		}
		return String(str), nil
	case t == TypeBytes:
		_, data, ok := rv.BinaryOK()
		if !ok {
			return mismatch()
		}
		return Bytes(data), nil
	}
	return mismatch()
}

// DocumentWriter writes a stream of BSON documents, one per row.
type DocumentWriter struct {
	w      io.Writer
	schema *Schema
}

// NewDocumentWriter creates a writer for rows of schema s.
func NewDocumentWriter(w io.Writer, s *Schema) *DocumentWriter {
	return &DocumentWriter{w: w, schema: s}
}

// Write appends one row to the stream.
func (dw *DocumentWriter) Write(row Row) error {
	doc, err := MarshalDocument(dw.schema, row)
	if err != nil {
		return err
	}
	_, err = dw.w.Write(doc)
	return err
}

// DocumentReader reads a stream of BSON documents. Every BSON document
// starts with its own little-endian int32 length, so no extra framing is
// needed.
type DocumentReader struct {
	r      io.Reader
	schema *Schema
}

// NewDocumentReader creates a reader for rows of schema s.
func NewDocumentReader(r io.Reader, s *Schema) *DocumentReader {
	return &DocumentReader{r: r, schema: s}
}

// Next returns the next row, or io.EOF at the end of the stream.
func (dr *DocumentReader) Next() (Row, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(dr.r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: truncated document length", ErrMalformedRecord)
	}
	size := int32(binary.LittleEndian.Uint32(lenBuf[:]))
	if size < 5 || size > maxDocumentSize {
		return nil, fmt.Errorf("%w: document length %d out of range", ErrMalformedRecord, size)
	}
	doc := make([]byte, size)
	copy(doc, lenBuf[:])
	if _, err := io.ReadFull(dr.r, doc[4:]); err != nil {
		return nil, fmt.Errorf("%w: truncated document", ErrMalformedRecord)
	}
	return UnmarshalDocument(dr.schema, doc)
}
