package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/ssargent/skalddb/pkg/codec"
)

// errBadRequest marks input the client got wrong before it reached the
// engine.
var errBadRequest = errors.New("bad request")

// RowFromJSON converts a relaxed Extended JSON object into a row by way of
// the codec's BSON document form, so JSON and BSON imports share one set
// of type rules.
func RowFromJSON(schema *codec.Schema, data []byte) (codec.Row, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: missing row", errBadRequest)
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON(data, false, &doc); err != nil {
		return nil, fmt.Errorf("%w: row is not a JSON object: %v", errBadRequest, err)
	}
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return codec.UnmarshalDocument(schema, raw)
}

// RowToJSON renders a row as a relaxed Extended JSON object.
func RowToJSON(schema *codec.Schema, row codec.Row) (json.RawMessage, error) {
	doc, err := codec.MarshalDocument(schema, row)
	if err != nil {
		return nil, err
	}
	return bson.MarshalExtJSON(bson.Raw(doc), false, false)
}

// ParseKey reads a primary key from its path form. Byte keys are
// unpadded base64url.
func ParseKey(f codec.Field, s string) (codec.Value, error) {
	bad := func(err error) (codec.Value, error) {
		return codec.Value{}, fmt.Errorf("%w: key %q is not a valid %s: %v", errBadRequest, s, f.Type, err)
	}
	switch f.Type {
	case codec.TypeInt8, codec.TypeInt16, codec.TypeInt32, codec.TypeInt64:
		n, err := strconv.ParseInt(s, 10, f.Type.Width()*8)
		if err != nil {
			return bad(err)
		}
		switch f.Type {
		case codec.TypeInt8:
			return codec.Int8(int8(n)), nil
		case codec.TypeInt16:
			return codec.Int16(int16(n)), nil
		case codec.TypeInt32:
			return codec.Int32(int32(n)), nil
		}
		return codec.Int64(n), nil
	case codec.TypeUint8, codec.TypeUint16, codec.TypeUint32, codec.TypeUint64:
		n, err := strconv.ParseUint(s, 10, f.Type.Width()*8)
		if err != nil {
			return bad(err)
		}
		switch f.Type {
		case codec.TypeUint8:
			return codec.Uint8(uint8(n)), nil
		case codec.TypeUint16:
			return codec.Uint16(uint16(n)), nil
		case codec.TypeUint32:
			return codec.Uint32(uint32(n)), nil
		}
		return codec.Uint64(n), nil
	case codec.TypeString:
		return codec.String(s), nil
	case codec.TypeBytes:
		b, err := base64.RawURLEncoding.DecodeString(s)
		if err != nil {
			return bad(err)
		}
		return codec.Bytes(b), nil
	}
	return bad(errors.New("type cannot be a key"))
}

// SchemaFromDefinition builds and validates the schema a definition describes.
func SchemaFromDefinition(def TableDefinition) (*codec.Schema, error) {
	b := codec.NewSchema(def.Name)
	for _, f := range def.Fields {
		t, err := codec.ParseType(f.Type)
		if err != nil {
			return nil, err
		}
		if t != codec.TypeRef {
			b.Add(f.Name, t)
			continue
		}
		rt, err := codec.ParseType(f.RefType)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		b.Ref(f.Name, f.RefTable, rt)
	}
	return b.Key(def.Key).Build()
}

func DefinitionFromSchema(name string, s *codec.Schema) TableDefinition {
	def := TableDefinition{Name: name, Key: s.KeyField().Name}
	for _, f := range s.Fields() {
		fd := FieldDefinition{Name: f.Name, Type: f.Type.String()}
		if f.Type == codec.TypeRef {
			fd.RefTable = f.RefTable
			fd.RefType = f.RefType.String()
		}
		def.Fields = append(def.Fields, fd)
	}
	return def
}
