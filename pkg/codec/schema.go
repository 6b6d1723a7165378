package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Field describes one column of a record shape.
type Field struct {
	Name    string
	Ordinal int
	Type    Type

	// RefTable and RefType are set only for TypeRef fields: the table whose
	// primary key this field points at, and that key's type.
	RefTable string
	RefType  Type
}

// Schema is the immutable field layout of one record type. It holds no
// record state and is safe for concurrent use.
type Schema struct {
	name   string
	fields []Field
	byName map[string]int
	key    int
	refs   []int
	fp     uint64
}

// Name returns the record type name the schema was built with.
func (s *Schema) Name() string { return s.name }

// Fields returns a copy of the fields in ordinal order.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// NumFields returns the number of fields.
func (s *Schema) NumFields() int { return len(s.fields) }

// FieldNames returns the field names in ordinal order.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.Name
	}
	return names
}

// Field looks a field up by name.
func (s *Schema) Field(name string) (Field, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// Key returns the ordinal of the primary key field.
func (s *Schema) Key() int { return s.key }

// KeyField returns the primary key field.
func (s *Schema) KeyField() Field { return s.fields[s.key] }

// Refs returns the reference fields in ordinal order.
func (s *Schema) Refs() []Field {
	out := make([]Field, len(s.refs))
	for i, ord := range s.refs {
		out[i] = s.fields[ord]
	}
	return out
}

// Fingerprint is a stable hash of the layout: names, ordinals, types, key
// and reference targets. Two schemas with the same fingerprint decode each
// other's bytes.
func (s *Schema) Fingerprint() uint64 { return s.fp }

// Equal reports whether both schemas describe the same layout.
func (s *Schema) Equal(o *Schema) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.fp != o.fp || s.key != o.key || len(s.fields) != len(o.fields) {
		return false
	}
	for i := range s.fields {
		if s.fields[i] != o.fields[i] {
			return false
		}
	}
	return true
}

// RowKey extracts the primary key value of row.
func (s *Schema) RowKey(row Row) Value {
	if s.key >= len(row) {
		return Value{}
	}
	return row[s.key]
}

func (s *Schema) String() string {
	return fmt.Sprintf("%s(%d fields, key=%s)", s.name, len(s.fields), s.fields[s.key].Name)
}

func fingerprint(fields []Field, key int) uint64 {
	h := xxhash.New()
	var scratch [4]byte
	for _, f := range fields {
		binary.LittleEndian.PutUint32(scratch[:], uint32(f.Ordinal))
		_, _ = h.Write(scratch[:])
		_, _ = h.WriteString(f.Name)
		_, _ = h.Write([]byte{0, byte(f.Type), byte(f.RefType)})
		_, _ = h.WriteString(f.RefTable)
		_, _ = h.Write([]byte{0})
	}
	binary.LittleEndian.PutUint32(scratch[:], uint32(key))
	_, _ = h.Write(scratch[:])
	return h.Sum64()
}

// SchemaBuilder registers fields in ordinal order. Errors are collected and
// reported by Build so declarations can be chained.
type SchemaBuilder struct {
	name   string
	fields []Field
	key    string
	err    error
}

// NewSchema starts a schema for the named record type.
func NewSchema(name string) *SchemaBuilder {
	return &SchemaBuilder{name: name}
}

// Add appends a field of the given scalar type.
func (b *SchemaBuilder) Add(name string, t Type) *SchemaBuilder {
	if t == TypeRef {
		b.fail(fmt.Errorf("field %q: use Ref to declare references", name))
		return b
	}
	return b.add(Field{Name: name, Type: t})
}

func (b *SchemaBuilder) Int8(name string) *SchemaBuilder    { return b.Add(name, TypeInt8) }
func (b *SchemaBuilder) Int16(name string) *SchemaBuilder   { return b.Add(name, TypeInt16) }
func (b *SchemaBuilder) Int32(name string) *SchemaBuilder   { return b.Add(name, TypeInt32) }
func (b *SchemaBuilder) Int64(name string) *SchemaBuilder   { return b.Add(name, TypeInt64) }
func (b *SchemaBuilder) Uint8(name string) *SchemaBuilder   { return b.Add(name, TypeUint8) }
func (b *SchemaBuilder) Uint16(name string) *SchemaBuilder  { return b.Add(name, TypeUint16) }
func (b *SchemaBuilder) Uint32(name string) *SchemaBuilder  { return b.Add(name, TypeUint32) }
func (b *SchemaBuilder) Uint64(name string) *SchemaBuilder  { return b.Add(name, TypeUint64) }
func (b *SchemaBuilder) Float32(name string) *SchemaBuilder { return b.Add(name, TypeFloat32) }
func (b *SchemaBuilder) Float64(name string) *SchemaBuilder { return b.Add(name, TypeFloat64) }
func (b *SchemaBuilder) Bool(name string) *SchemaBuilder    { return b.Add(name, TypeBool) }
func (b *SchemaBuilder) String(name string) *SchemaBuilder  { return b.Add(name, TypeString) }
func (b *SchemaBuilder) Bytes(name string) *SchemaBuilder   { return b.Add(name, TypeBytes) }

// Ref appends a field referencing the primary key of table, whose key is of
// type keyType.
func (b *SchemaBuilder) Ref(name, table string, keyType Type) *SchemaBuilder {
	if table == "" {
		b.fail(fmt.Errorf("field %q: reference needs a target table", name))
		return b
	}
	if !keyType.Keyable() {
		b.fail(fmt.Errorf("field %q: %s cannot be a reference key", name, keyType))
		return b
	}
	return b.add(Field{Name: name, Type: TypeRef, RefTable: table, RefType: keyType})
}

// Key designates the primary key field. It may be called before or after
// the field is declared.
func (b *SchemaBuilder) Key(name string) *SchemaBuilder {
	b.key = name
	return b
}

func (b *SchemaBuilder) add(f Field) *SchemaBuilder {
	if f.Name == "" {
		b.fail(fmt.Errorf("field %d has no name", len(b.fields)))
		return b
	}
	if !f.Type.Valid() {
		b.fail(fmt.Errorf("field %q: invalid type", f.Name))
		return b
	}
	for _, existing := range b.fields {
		if existing.Name == f.Name {
			b.fail(fmt.Errorf("duplicate field %q", f.Name))
			return b
		}
	}
	f.Ordinal = len(b.fields)
	b.fields = append(b.fields, f)
	return b
}

func (b *SchemaBuilder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Build validates the declaration and returns the schema.
func (b *SchemaBuilder) Build() (*Schema, error) {
	if b.err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSchema, b.name, b.err)
	}
	if b.name == "" {
		return nil, fmt.Errorf("%w: schema has no name", ErrInvalidSchema)
	}
	if len(b.fields) == 0 {
		return nil, fmt.Errorf("%w: %s has no fields", ErrInvalidSchema, b.name)
	}
	if len(b.fields) > maxFields {
		return nil, fmt.Errorf("%w: %s has %d fields (max %d)", ErrInvalidSchema, b.name, len(b.fields), maxFields)
	}
	if b.key == "" {
		return nil, fmt.Errorf("%w: %s has no primary key", ErrInvalidSchema, b.name)
	}

	s := &Schema{
		name:   b.name,
		fields: make([]Field, len(b.fields)),
		byName: make(map[string]int, len(b.fields)),
		key:    -1,
	}
	copy(s.fields, b.fields)
	for i, f := range s.fields {
		s.byName[f.Name] = i
		if f.Type == TypeRef {
			s.refs = append(s.refs, i)
		}
		if f.Name == b.key {
			s.key = i
		}
	}
	if s.key < 0 {
		return nil, fmt.Errorf("%w: %s: key field %q not declared", ErrInvalidSchema, b.name, b.key)
	}
	if kt := s.fields[s.key].Type; !kt.Keyable() {
		return nil, fmt.Errorf("%w: %s: %s field %q cannot be a primary key", ErrInvalidSchema, b.name, kt, b.key)
	}
	s.fp = fingerprint(s.fields, s.key)
	return s, nil
}

// MustBuild is Build for package-level schema declarations.
func (b *SchemaBuilder) MustBuild() *Schema {
	s, err := b.Build()
	if err != nil {
		panic(err)
	}
	return s
}
