// Package engine is the transactional core of SkaldDB: a Database owns a
// connector and a set of tables, and applies staged changes through
// transactions.
//
// Every table lives in its own connector segment as a sequence of entry
// envelopes (rows and tombstones). The Database keeps a primary-key index
// per table in memory, rebuilt on open by scanning each segment once.
//
// Commits are serialized by a single lock per Database. A commit validates
// the whole transaction, hands every encoded entry to the connector in one
// WriteBatch, and updates the indexes while still holding the lock, so no
// reader ever sees part of a commit.
package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/ssargent/skalddb/pkg/codec"
	"github.com/ssargent/skalddb/pkg/connector"
	"github.com/ssargent/skalddb/pkg/metrics"
)

// Database owns one connector and the tables stored in it.
type Database struct {
	mu      sync.RWMutex
	conn    connector.Connector
	log     *zap.Logger
	metrics *metrics.Metrics
	catalog *catalog
	tables  map[string]*Table
	order   []*Table
	closed  bool
}

// Open loads the catalog and every table index from conn. The Database
// takes ownership of conn and closes it in Close.
func Open(conn connector.Connector, opts ...Option) (*Database, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	cat, entries, err := openCatalog(conn)
	if err != nil {
		return nil, err
	}

	db := &Database{
		conn:    conn,
		log:     o.logger,
		metrics: o.metrics,
		catalog: cat,
		tables:  make(map[string]*Table),
	}
	for _, e := range entries {
		seg, err := conn.Segment(tableSegment(e.name))
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", e.name, err)
		}
		ix, err := loadIndex(conn, seg, e.schema)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", e.name, err)
		}
		db.register(&Table{db: db, name: e.name, schema: e.schema, seg: seg, ix: ix})
	}
	if err := db.countReferences(); err != nil {
		return nil, err
	}

	for _, t := range db.order {
		db.metrics.UpdateTable(t.name, t.ix.rows(), t.ix.end)
	}
	db.log.Info("database opened", zap.Int("tables", len(db.order)))
	return db, nil
}

func (db *Database) register(t *Table) {
	db.tables[t.name] = t
	db.order = append(db.order, t)
}

// countReferences fills every table's inbound reference counts from the
// live rows of all tables.
func (db *Database) countReferences() error {
	for _, t := range db.order {
		refs := t.schema.Refs()
		for _, loc := range t.ix.snapshot() {
			for i, rk := range loc.refs {
				if !rk.set {
					continue
				}
				target, ok := db.tables[refs[i].RefTable]
				if !ok {
					return fmt.Errorf("%w: %s.%s references missing table %s",
						ErrIntegrityViolation, t.name, refs[i].Name, refs[i].RefTable)
				}
				target.ix.inbound[rk.key]++
			}
		}
	}
	return nil
}

// CreateTable defines a new table. Reference fields must point at an
// existing table (or the new table itself) with a matching key type.
func (db *Database) CreateTable(name string, schema *codec.Schema) (*Table, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty table name", connector.ErrInvalidSegmentName)
	}
	if err := connector.ValidateName(tableSegment(name)); err != nil {
		return nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, ErrDatabaseClosed
	}
	if _, ok := db.tables[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTableExists, name)
	}
	if err := db.checkRefTargets(name, schema); err != nil {
		return nil, err
	}

	seg, err := db.segmentFor(name)
	if err != nil {
		return nil, err
	}
	record, err := catalogRecord(name, schema)
	if err != nil {
		return nil, err
	}
	if err := db.conn.WriteBatch([]connector.Write{
		{Segment: db.catalog.seg, Offset: db.catalog.end, Data: record},
	}); err != nil {
		return nil, fmt.Errorf("create table %s: %w", name, err)
	}
	db.catalog.end += int64(len(record))

	t := &Table{db: db, name: name, schema: schema, seg: seg, ix: newTableIndex()}
	db.register(t)
	db.metrics.UpdateTable(name, 0, 0)
	db.log.Info("table created",
		zap.String("table", name),
		zap.Int("fields", schema.NumFields()),
		zap.String("key", schema.KeyField().Name),
	)
	return t, nil
}

func (db *Database) checkRefTargets(name string, schema *codec.Schema) error {
	for _, f := range schema.Refs() {
		var keyType codec.Type
		if f.RefTable == name {
			keyType = schema.KeyField().Type
		} else {
			target, ok := db.tables[f.RefTable]
			if !ok {
				return fmt.Errorf("%w: %s.%s references %s", ErrUnknownTable, name, f.Name, f.RefTable)
			}
			keyType = target.schema.KeyField().Type
		}
		if keyType != f.RefType {
			return fmt.Errorf("%w: %s.%s is ref(%s) but %s is keyed by %s",
				ErrSchemaMismatch, name, f.Name, f.RefType, f.RefTable, keyType)
		}
	}
	return nil
}

// segmentFor allocates the table's segment. An empty segment left behind
// by a create whose catalog write never landed is adopted.
func (db *Database) segmentFor(name string) (connector.Segment, error) {
	segName := tableSegment(name)
	seg, err := db.conn.Segment(segName)
	switch {
	case err == nil:
		size, err := db.conn.Size(seg)
		if err != nil {
			return connector.Segment{}, err
		}
		if size != 0 {
			return connector.Segment{}, fmt.Errorf("%w: %s holds %d bytes but is not in the catalog",
				connector.ErrSegmentExists, segName, size)
		}
		db.log.Warn("adopting orphaned table segment", zap.String("segment", segName))
		return seg, nil
	case errors.Is(err, connector.ErrSegmentNotFound):
		return db.conn.AllocateSegment(segName)
	default:
		return connector.Segment{}, err
	}
}

// Table returns the named table.
func (db *Database) Table(name string) (*Table, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return nil, ErrDatabaseClosed
	}
	t, ok := db.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	return t, nil
}

// Tables lists the tables in creation order.
func (db *Database) Tables() []*Table {
	db.mu.RLock()
	defer db.mu.RUnlock()

	out := make([]*Table, len(db.order))
	copy(out, db.order)
	return out
}

// Begin starts a transaction.
func (db *Database) Begin() (*Transaction, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return nil, ErrDatabaseClosed
	}
	return &Transaction{db: db, id: ksuid.New(), state: TxOpen}, nil
}

// Flush blocks until every committed transaction is durable.
func (db *Database) Flush() error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return ErrDatabaseClosed
	}
	return db.conn.Flush()
}

// Close flushes and closes the connector. Tables and transactions issued
// by the Database fail with ErrDatabaseClosed afterwards.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrDatabaseClosed
	}
	db.closed = true
	if err := db.conn.Close(); err != nil {
		db.log.Error("closing connector", zap.Error(err))
		return err
	}
	db.log.Info("database closed")
	return nil
}

// TableStats describes one table.
type TableStats struct {
	Name  string `json:"name"`
	Rows  int    `json:"rows"`
	Dead  int    `json:"dead"` // superseded or deleted entries still in the segment
	Bytes int64  `json:"bytes"`
}

// Stats summarizes a Database.
type Stats struct {
	Tables []TableStats `json:"tables"`
	Rows   int          `json:"rows"`
	Bytes  int64        `json:"bytes"`
}

// Stats returns row and byte counts per table.
func (db *Database) Stats() (Stats, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return Stats{}, ErrDatabaseClosed
	}
	var s Stats
	for _, t := range db.order {
		rows := t.ix.rows()
		s.Tables = append(s.Tables, TableStats{
			Name:  t.name,
			Rows:  rows,
			Dead:  len(t.ix.slots) - rows,
			Bytes: t.ix.end,
		})
		s.Rows += rows
		s.Bytes += t.ix.end
	}
	return s, nil
}
