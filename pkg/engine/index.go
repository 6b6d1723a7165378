package engine

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/ssargent/skalddb/pkg/codec"
	"github.com/ssargent/skalddb/pkg/connector"
)

// location is where one insert entry lives in a table segment. Locations
// are immutable once appended, so a snapshot may keep reading a slot after
// the lock is released.
type location struct {
	offset int64 // of the entry envelope
	length int64 // of the envelope, header included
	key    string
	// refs holds one entry per reference field of the row, in Schema.Refs
	// order.
	refs []refKey
}

// refKey is the canonical target key of one reference field. An empty
// string is a valid key, so null is tracked separately.
type refKey struct {
	key string
	set bool
}

// tableIndex is the in-memory primary-key index of one table.
type tableIndex struct {
	slots []location
	live  *roaring.Bitmap
	keys  map[string]uint32 // key -> slot
	end   int64             // segment size
	// inbound counts live rows, in any table, referencing each key of this
	// table.
	inbound map[string]int
}

func newTableIndex() *tableIndex {
	return &tableIndex{
		live:    roaring.New(),
		keys:    make(map[string]uint32),
		inbound: make(map[string]int),
	}
}

func (ix *tableIndex) lookup(key string) (location, bool) {
	slot, ok := ix.keys[key]
	if !ok {
		return location{}, false
	}
	return ix.slots[slot], true
}

func (ix *tableIndex) has(key string) bool {
	_, ok := ix.keys[key]
	return ok
}

func (ix *tableIndex) rows() int {
	return int(ix.live.GetCardinality())
}

// put makes loc the live row for its key, retiring any previous one. It
// returns the retired location, if there was one.
func (ix *tableIndex) put(loc location) (location, bool) {
	old, had := ix.remove(loc.key)
	slot := uint32(len(ix.slots))
	ix.slots = append(ix.slots, loc)
	ix.keys[loc.key] = slot
	ix.live.Add(slot)
	return old, had
}

func (ix *tableIndex) remove(key string) (location, bool) {
	slot, ok := ix.keys[key]
	if !ok {
		return location{}, false
	}
	delete(ix.keys, key)
	ix.live.Remove(slot)
	return ix.slots[slot], true
}

// snapshot returns the live locations in segment order.
func (ix *tableIndex) snapshot() []location {
	out := make([]location, 0, ix.live.GetCardinality())
	it := ix.live.Iterator()
	for it.HasNext() {
		out = append(out, ix.slots[it.Next()])
	}
	return out
}

// refKeys extracts the canonical reference keys of row.
func refKeys(schema *codec.Schema, row codec.Row) []refKey {
	refs := schema.Refs()
	if len(refs) == 0 {
		return nil
	}
	out := make([]refKey, len(refs))
	for i, f := range refs {
		if v := row[f.Ordinal]; !v.IsNull() {
			out[i] = refKey{key: v.KeyString(), set: true}
		}
	}
	return out
}

// scanEntries walks the entry envelopes in data, calling fn with each
// entry and its offset. Entries are checksummed; any damage is reported as
// ErrMalformedRecord.
func scanEntries(data []byte, fn func(off int64, e *codec.Entry) error) error {
	ec := codec.NewEntryCodec()
	var off int64
	for off < int64(len(data)) {
		size, err := codec.EntrySize(data[off:])
		if err != nil {
			return fmt.Errorf("entry at %d: %w", off, err)
		}
		if off+size > int64(len(data)) {
			return fmt.Errorf("%w: entry at %d overruns segment", codec.ErrMalformedRecord, off)
		}
		e, err := ec.Decode(data[off : off+size])
		if err != nil {
			return fmt.Errorf("entry at %d: %w", off, err)
		}
		if err := e.Validate(); err != nil {
			return fmt.Errorf("entry at %d: %w", off, err)
		}
		if err := fn(off, e); err != nil {
			return err
		}
		off += size
	}
	return nil
}

// loadIndex rebuilds a table's index by scanning its segment once.
func loadIndex(conn connector.Connector, seg connector.Segment, schema *codec.Schema) (*tableIndex, error) {
	size, err := conn.Size(seg)
	if err != nil {
		return nil, err
	}
	data, err := conn.Read(seg, 0, size)
	if err != nil {
		return nil, err
	}

	ix := newTableIndex()
	err = scanEntries(data, func(off int64, e *codec.Entry) error {
		key := string(e.Key)
		switch e.Kind {
		case codec.EntryTombstone:
			ix.remove(key)
		case codec.EntryInsert:
			row, err := schema.DecodeRow(e.Value)
			if err != nil {
				return fmt.Errorf("%s at %d: %w", seg.Name, off, err)
			}
			if got := schema.RowKey(row).KeyString(); got != key {
				return fmt.Errorf("%w: %s at %d: entry key %q, row key %q",
					codec.ErrMalformedRecord, seg.Name, off, key, got)
			}
			ix.put(location{offset: off, length: int64(e.Size()), key: key, refs: refKeys(schema, row)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	ix.end = size
	return ix, nil
}
