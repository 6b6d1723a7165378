package codec

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

type schemaDocument struct {
	Name   string          `bson:"name"`
	Key    string          `bson:"key"`
	Fields []fieldDocument `bson:"fields"`
}

type fieldDocument struct {
	Name     string `bson:"name"`
	Type     string `bson:"type"`
	RefTable string `bson:"ref_table,omitempty"`
	RefType  string `bson:"ref_type,omitempty"`
}

// MarshalSchema serializes a schema declaration as a BSON document so it can
// be persisted in a database catalog or sent to a peer.
func MarshalSchema(s *Schema) ([]byte, error) {
	doc := schemaDocument{Name: s.name, Key: s.fields[s.key].Name}
	for _, f := range s.fields {
		fd := fieldDocument{Name: f.Name, Type: f.Type.String()}
		if f.Type == TypeRef {
			fd.RefTable = f.RefTable
			fd.RefType = f.RefType.String()
		}
		doc.Fields = append(doc.Fields, fd)
	}
	return bson.Marshal(doc)
}

// UnmarshalSchema rebuilds a schema from MarshalSchema output.
func UnmarshalSchema(data []byte) (*Schema, error) {
	var doc schemaDocument
	if err := bson.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: schema document: %v", ErrMalformedRecord, err)
	}

	b := NewSchema(doc.Name).Key(doc.Key)
	for _, fd := range doc.Fields {
		t, err := ParseType(fd.Type)
		if err != nil {
			return nil, err
		}
		if t != TypeRef {
			b.Add(fd.Name, t)
			continue
		}
		rt, err := ParseType(fd.RefType)
		if err != nil {
			return nil, err
		}
		b.Ref(fd.Name, fd.RefTable, rt)
	}
	return b.Build()
}
