package engine

import (
	"fmt"
	"iter"

	"github.com/ssargent/skalddb/pkg/codec"
	"github.com/ssargent/skalddb/pkg/connector"
)

// Table is a named collection of rows of one schema, keyed by the schema's
// primary key. Writes go through a Transaction; reads see committed state.
type Table struct {
	db     *Database
	name   string
	schema *codec.Schema
	seg    connector.Segment
	ix     *tableIndex
}

func (t *Table) Name() string { return t.name }

func (t *Table) Schema() *codec.Schema { return t.schema }

// Len returns the number of committed rows.
func (t *Table) Len() (int, error) {
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()

	if t.db.closed {
		return 0, ErrDatabaseClosed
	}
	return t.ix.rows(), nil
}

// Insert stages row. A duplicate key is reported when the transaction commits.
func (t *Table) Insert(tx *Transaction, row codec.Row) error {
	return tx.stage(t, opInsert, nil, row)
}

// Upsert stages row, replacing any existing row with the same key.
func (t *Table) Upsert(tx *Transaction, row codec.Row) error {
	return tx.stage(t, opUpsert, nil, row)
}

// Update stages a replacement for the row at key. row must carry the same key.
func (t *Table) Update(tx *Transaction, key codec.Value, row codec.Row) error {
	return tx.stage(t, opUpdate, &key, row)
}

// Delete stages removal of the row at key.
func (t *Table) Delete(tx *Transaction, key codec.Value) error {
	return tx.stage(t, opDelete, &key, nil)
}

// Get returns the committed row at key.
func (t *Table) Get(key codec.Value) (codec.Row, error) {
	ks, err := t.keyString(key)
	if err != nil {
		return nil, err
	}

	t.db.mu.RLock()
	defer t.db.mu.RUnlock()

	if t.db.closed {
		return nil, ErrDatabaseClosed
	}
	loc, ok := t.ix.lookup(ks)
	if !ok {
		return nil, fmt.Errorf("%w: %s key %s", ErrNotFound, t.name, key)
	}
	return t.readRow(loc)
}

// Scan yields every committed row in insertion order. The set of rows is
// fixed when iteration starts; commits made while iterating are not seen.
// Each call starts a fresh scan.
func (t *Table) Scan() iter.Seq2[codec.Row, error] {
	return func(yield func(codec.Row, error) bool) {
		locs, err := t.snapshot()
		if err != nil {
			yield(nil, err)
			return
		}
		for _, loc := range locs {
			row, err := t.readRow(loc)
			if !yield(row, err) || err != nil {
				return
			}
		}
	}
}

func (t *Table) snapshot() ([]location, error) {
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()

	if t.db.closed {
		return nil, ErrDatabaseClosed
	}
	return t.ix.snapshot(), nil
}

// readRow reads and decodes the entry at loc. Segments are append-only, so
// a location stays readable after the index moves on.
func (t *Table) readRow(loc location) (codec.Row, error) {
	data, err := t.db.conn.Read(t.seg, loc.offset, loc.length)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t.name, err)
	}
	e, err := codec.NewEntryCodec().Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s at %d: %w", t.name, loc.offset, err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("%s at %d: %w", t.name, loc.offset, err)
	}
	return t.schema.DecodeRow(e.Value)
}

// keyString checks key against the schema's key type and returns its
// canonical index form.
func (t *Table) keyString(key codec.Value) (string, error) {
	kf := t.schema.KeyField()
	if key.IsNull() || key.Type() != kf.Type {
		return "", fmt.Errorf("%w: %s key %q expects %s, got %s",
			ErrMalformedRecord, t.name, kf.Name, kf.Type, key)
	}
	return key.KeyString(), nil
}

func (t *Table) String() string { return t.name }
