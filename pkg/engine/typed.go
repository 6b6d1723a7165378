package engine

import (
	"fmt"
	"iter"

	"github.com/ssargent/skalddb/pkg/codec"
)

// Typed is a Table viewed through a codec for the record type T.
type Typed[T any] struct {
	table *Table
	codec codec.Codec[T]
}

// CreateTyped creates a table named name using the codec's schema.
func CreateTyped[T any](db *Database, name string, c codec.Codec[T]) (*Typed[T], error) {
	t, err := db.CreateTable(name, c.Schema())
	if err != nil {
		return nil, err
	}
	return &Typed[T]{table: t, codec: c}, nil
}

// Bind attaches a codec to an existing table. The stored schema must equal
// the codec's schema.
func Bind[T any](db *Database, name string, c codec.Codec[T]) (*Typed[T], error) {
	t, err := db.Table(name)
	if err != nil {
		return nil, err
	}
	if !t.schema.Equal(c.Schema()) {
		return nil, fmt.Errorf("%w: table %s is %s, codec is %s", ErrSchemaMismatch, name, t.schema, c.Schema())
	}
	return &Typed[T]{table: t, codec: c}, nil
}

// Table returns the untyped table underneath.
func (tt *Typed[T]) Table() *Table { return tt.table }

func (tt *Typed[T]) Name() string { return tt.table.name }

func (tt *Typed[T]) Schema() *codec.Schema { return tt.table.schema }

func (tt *Typed[T]) Len() (int, error) { return tt.table.Len() }

func (tt *Typed[T]) Insert(tx *Transaction, rec T) error {
	return tt.table.Insert(tx, tt.codec.ToRow(rec))
}

func (tt *Typed[T]) Upsert(tx *Transaction, rec T) error {
	return tt.table.Upsert(tx, tt.codec.ToRow(rec))
}

func (tt *Typed[T]) Update(tx *Transaction, key codec.Value, rec T) error {
	return tt.table.Update(tx, key, tt.codec.ToRow(rec))
}

func (tt *Typed[T]) Delete(tx *Transaction, key codec.Value) error {
	return tt.table.Delete(tx, key)
}

// Get returns a freshly decoded record for key.
func (tt *Typed[T]) Get(key codec.Value) (T, error) {
	row, err := tt.table.Get(key)
	if err != nil {
		var zero T
		return zero, err
	}
	return tt.codec.FromRow(row)
}

// GetTx reads key as tx sees it.
func (tt *Typed[T]) GetTx(tx *Transaction, key codec.Value) (T, error) {
	row, err := tx.Get(tt.table, key)
	if err != nil {
		var zero T
		return zero, err
	}
	return tt.codec.FromRow(row)
}

// Scan yields decoded records in insertion order.
func (tt *Typed[T]) Scan() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for row, err := range tt.table.Scan() {
			var rec T
			if err == nil {
				rec, err = tt.codec.FromRow(row)
			}
			if !yield(rec, err) || err != nil {
				return
			}
		}
	}
}
