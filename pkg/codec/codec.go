package codec

import "fmt"

// Codec maps one application record type to and from its schema layout.
// Implementations are stateless and safe for concurrent use.
type Codec[T any] interface {
	Schema() *Schema
	ToRow(rec T) Row
	FromRow(row Row) (T, error)
	Encode(rec T) ([]byte, error)
	Decode(data []byte) (T, error)
}

type binding[T any] struct {
	schema  *Schema
	toRow   func(T) Row
	fromRow func(Row) (T, error)
}

// Bind builds a Codec from a schema and a pair of conversion functions.
// toRow must produce values in the schema's ordinal order.
func Bind[T any](schema *Schema, toRow func(T) Row, fromRow func(Row) (T, error)) Codec[T] {
	return &binding[T]{schema: schema, toRow: toRow, fromRow: fromRow}
}

func (b *binding[T]) Schema() *Schema { return b.schema }

func (b *binding[T]) ToRow(rec T) Row { return b.toRow(rec) }

func (b *binding[T]) FromRow(row Row) (T, error) {
	rec, err := b.fromRow(row)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %s: %v", ErrMalformedRecord, b.schema.name, err)
	}
	return rec, nil
}

func (b *binding[T]) Encode(rec T) ([]byte, error) {
	return b.schema.EncodeRow(b.toRow(rec))
}

func (b *binding[T]) Decode(data []byte) (T, error) {
	row, err := b.schema.DecodeRow(data)
	if err != nil {
		var zero T
		return zero, err
	}
	return b.FromRow(row)
}

// Rows returns the identity codec for untyped rows.
func Rows(schema *Schema) Codec[Row] {
	return Bind(schema,
		func(r Row) Row { return r },
		func(r Row) (Row, error) { return r, nil },
	)
}
