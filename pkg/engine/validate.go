package engine

import (
	"fmt"
	"time"

	"github.com/ssargent/skalddb/pkg/codec"
	"github.com/ssargent/skalddb/pkg/connector"
)

type commitResult struct {
	ops    int
	bytes  int64
	tables []string
}

// plannedEntry is an envelope in a table's pending append, at off bytes
// past the segment's current end.
type plannedEntry struct {
	kind   codec.EntryKind
	key    string
	off    int64
	length int64
	refs   []refKey
}

// tablePlan is the pending change to one table: its post-commit view and
// the bytes to append.
type tablePlan struct {
	table *Table
	// post maps each touched key to its final staged op; a delete means
	// the key is absent after the commit.
	post    map[string]stagedOp
	order   []string // touched keys, first-touch order
	buf     []byte
	entries []plannedEntry
}

func (tp *tablePlan) exists(key string) bool {
	if op, ok := tp.post[key]; ok {
		return op.kind != opDelete
	}
	return tp.table.ix.has(key)
}

// commitPlan is built and applied inside the commit critical section.
type commitPlan struct {
	tables  []*tablePlan
	byTable map[*Table]*tablePlan
	// delta adjusts inbound reference counts per target table and key.
	delta map[*Table]map[string]int
}

func (p *commitPlan) plan(t *Table) *tablePlan {
	if tp, ok := p.byTable[t]; ok {
		return tp
	}
	tp := &tablePlan{table: t, post: make(map[string]stagedOp)}
	p.byTable[t] = tp
	p.tables = append(p.tables, tp)
	return tp
}

// exists reports whether key will be present in t after the commit.
func (p *commitPlan) exists(t *Table, key string) bool {
	if tp, ok := p.byTable[t]; ok {
		return tp.exists(key)
	}
	return t.ix.has(key)
}

func (p *commitPlan) adjust(t *Table, key string, n int) {
	m, ok := p.delta[t]
	if !ok {
		m = make(map[string]int)
		p.delta[t] = m
	}
	m[key] += n
}

// commit runs the critical section: validate, write, apply.
func (db *Database) commit(ops []stagedOp) (commitResult, error) {
	res := commitResult{ops: len(ops)}

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return res, ErrDatabaseClosed
	}
	if len(ops) == 0 {
		return res, nil
	}

	p, err := db.validate(ops)
	if err != nil {
		return res, err
	}

	writes := make([]connector.Write, 0, len(p.tables))
	for _, tp := range p.tables {
		writes = append(writes, connector.Write{Segment: tp.table.seg, Offset: tp.table.ix.end, Data: tp.buf})
		res.bytes += int64(len(tp.buf))
		res.tables = append(res.tables, tp.table.name)
	}
	if err := db.conn.WriteBatch(writes); err != nil {
		return res, err
	}

	db.apply(p)
	return res, nil
}

// validate checks the staged operations, in order, against committed state
// and builds the entries to write. Nothing is modified.
func (db *Database) validate(ops []stagedOp) (*commitPlan, error) {
	p := &commitPlan{
		byTable: make(map[*Table]*tablePlan),
		delta:   make(map[*Table]map[string]int),
	}
	ec := codec.NewEntryCodec()
	ts := uint64(time.Now().UnixNano())

	for _, op := range ops {
		t := op.table
		tp := p.plan(t)
		exists := tp.exists(op.key)
		switch op.kind {
		case opInsert:
			if exists {
				return nil, fmt.Errorf("%w: %s key %s", ErrDuplicateKey, t.name, op.key)
			}
		case opUpdate, opDelete:
			if !exists {
				return nil, fmt.Errorf("%w: %s key %s", ErrNotFound, t.name, op.key)
			}
		}

		if _, seen := tp.post[op.key]; !seen {
			tp.order = append(tp.order, op.key)
		}
		tp.post[op.key] = op

		e := &codec.Entry{Kind: codec.EntryInsert, Timestamp: ts, Key: []byte(op.key), Value: op.data}
		var refs []refKey
		if op.kind == opDelete {
			e.Kind = codec.EntryTombstone
			e.Value = nil
		} else {
			refs = refKeys(t.schema, op.row)
		}
		off := int64(len(tp.buf))
		tp.buf = ec.Append(tp.buf, e)
		tp.entries = append(tp.entries, plannedEntry{
			kind:   e.Kind,
			key:    op.key,
			off:    off,
			length: int64(len(tp.buf)) - off,
			refs:   refs,
		})
	}

	if err := db.checkReferences(p); err != nil {
		return nil, err
	}
	return p, nil
}

// checkReferences verifies the post-commit state: every reference held by
// a touched row resolves, and no removed key is still referenced.
func (db *Database) checkReferences(p *commitPlan) error {
	for _, tp := range p.tables {
		t := tp.table
		refs := t.schema.Refs()
		if len(refs) == 0 {
			continue
		}
		for _, key := range tp.order {
			if old, ok := t.ix.lookup(key); ok {
				for i, rk := range old.refs {
					if rk.set {
						p.adjust(db.tables[refs[i].RefTable], rk.key, -1)
					}
				}
			}
			op := tp.post[key]
			if op.kind == opDelete {
				continue
			}
			for i, rk := range refKeys(t.schema, op.row) {
				if !rk.set {
					continue
				}
				target := db.tables[refs[i].RefTable]
				if !p.exists(target, rk.key) {
					return fmt.Errorf("%w: %s key %s: %s = %s has no row in %s",
						ErrIntegrityViolation, t.name, key, refs[i].Name, op.row[refs[i].Ordinal], target.name)
				}
				p.adjust(target, rk.key, 1)
			}
		}
	}

	for _, tp := range p.tables {
		t := tp.table
		for _, key := range tp.order {
			if tp.post[key].kind != opDelete {
				continue
			}
			if n := t.ix.inbound[key] + p.delta[t][key]; n > 0 {
				return fmt.Errorf("%w: %s key %s is still referenced by %d rows",
					ErrIntegrityViolation, t.name, key, n)
			}
		}
	}
	return nil
}

// apply moves the indexes to the committed state. It runs after a
// successful write and cannot fail.
func (db *Database) apply(p *commitPlan) {
	for _, tp := range p.tables {
		ix := tp.table.ix
		base := ix.end
		for _, e := range tp.entries {
			if e.kind == codec.EntryTombstone {
				ix.remove(e.key)
				continue
			}
			ix.put(location{offset: base + e.off, length: e.length, key: e.key, refs: e.refs})
		}
		ix.end = base + int64(len(tp.buf))
	}
	for t, keys := range p.delta {
		for k, n := range keys {
			n += t.ix.inbound[k]
			if n > 0 {
				t.ix.inbound[k] = n
			} else {
				delete(t.ix.inbound, k)
			}
		}
	}
	for _, tp := range p.tables {
		db.metrics.UpdateTable(tp.table.name, tp.table.ix.rows(), tp.table.ix.end)
	}
}
