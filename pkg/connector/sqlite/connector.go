// Package sqlite stores segments as chunk rows in a SQLite database. Each
// WriteBatch runs in one SQL transaction.
package sqlite

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/ssargent/skalddb/pkg/connector"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS segments (
	name    TEXT PRIMARY KEY,
	ordinal INTEGER NOT NULL UNIQUE,
	size    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS chunks (
	segment TEXT NOT NULL REFERENCES segments(name),
	pos     INTEGER NOT NULL,
	data    BLOB NOT NULL,
	PRIMARY KEY (segment, pos)
) WITHOUT ROWID;
`

// Connector is the SQLite-backed connector.
type Connector struct {
	mu       sync.RWMutex
	db       *sql.DB
	segments []connector.Segment
	byName   map[string]int
	sizes    []int64
	closed   bool
}

var _ connector.Connector = (*Connector)(nil)

// Open creates or opens the database file at path.
func Open(path string) (*Connector, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", connector.ErrConnectorUnavailable, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", connector.ErrConnectorUnavailable, err)
	}

	// SQLite has a single writer; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", connector.ErrConnectorUnavailable, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: schema: %v", connector.ErrConnectorUnavailable, err)
	}

	c := &Connector{db: db, byName: make(map[string]int)}
	if err := c.load(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", connector.ErrConnectorUnavailable, err)
	}
	return c, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func (c *Connector) load() error {
	rows, err := c.db.Query(`SELECT name, size FROM segments ORDER BY ordinal`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name string
			size int64
		)
		if err := rows.Scan(&name, &size); err != nil {
			return err
		}
		id := len(c.segments)
		c.byName[name] = id
		c.segments = append(c.segments, connector.Segment{Name: name, ID: id})
		c.sizes = append(c.sizes, size)
	}
	return rows.Err()
}

func (c *Connector) AllocateSegment(name string) (connector.Segment, error) {
	if err := connector.ValidateName(name); err != nil {
		return connector.Segment{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return connector.Segment{}, connector.ErrConnectorClosed
	}
	if _, ok := c.byName[name]; ok {
		return connector.Segment{}, fmt.Errorf("%w: %s", connector.ErrSegmentExists, name)
	}

	id := len(c.segments)
	if _, err := c.db.Exec(`INSERT INTO segments (name, ordinal, size) VALUES (?, ?, 0)`, name, id); err != nil {
		return connector.Segment{}, fmt.Errorf("%w: %v", connector.ErrIOFailure, err)
	}
	seg := connector.Segment{Name: name, ID: id}
	c.byName[name] = id
	c.segments = append(c.segments, seg)
	c.sizes = append(c.sizes, 0)
	return seg, nil
}

func (c *Connector) Segment(name string) (connector.Segment, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return connector.Segment{}, connector.ErrConnectorClosed
	}
	id, ok := c.byName[name]
	if !ok {
		return connector.Segment{}, fmt.Errorf("%w: %s", connector.ErrSegmentNotFound, name)
	}
	return c.segments[id], nil
}

func (c *Connector) Segments() []connector.Segment {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]connector.Segment, len(c.segments))
	copy(out, c.segments)
	return out
}

func (c *Connector) lookup(seg connector.Segment) (int, error) {
	if c.closed {
		return 0, connector.ErrConnectorClosed
	}
	id, ok := c.byName[seg.Name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", connector.ErrSegmentNotFound, seg.Name)
	}
	return id, nil
}

func (c *Connector) Size(seg connector.Segment) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	id, err := c.lookup(seg)
	if err != nil {
		return 0, err
	}
	return c.sizes[id], nil
}

func (c *Connector) Read(seg connector.Segment, offset, length int64) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	id, err := c.lookup(seg)
	if err != nil {
		return nil, err
	}
	if err := connector.CheckRange(seg, c.sizes[id], offset, length); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	if length == 0 {
		return out, nil
	}

	end := offset + length
	rows, err := c.db.Query(`
		SELECT pos, data FROM chunks
		WHERE segment = ? AND pos < ? AND pos + length(data) > ?
		ORDER BY pos`, seg.Name, end, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", connector.ErrIOFailure, err)
	}
	defer rows.Close()

	filled := int64(0)
	for rows.Next() {
		var (
			start int64
			chunk []byte
		)
		if err := rows.Scan(&start, &chunk); err != nil {
			return nil, fmt.Errorf("%w: %v", connector.ErrIOFailure, err)
		}
		lo, hi := max(start, offset), min(start+int64(len(chunk)), end)
		copy(out[lo-offset:hi-offset], chunk[lo-start:hi-start])
		filled += hi - lo
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", connector.ErrIOFailure, err)
	}
	if filled != length {
		return nil, fmt.Errorf("%w: %s has a gap in [%d, %d)", connector.ErrIOFailure, seg.Name, offset, end)
	}
	return out, nil
}

func (c *Connector) WriteBatch(writes []connector.Write) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return connector.ErrConnectorClosed
	}
	next, err := connector.PlanBatch(writes, c.sizeOf)
	if err != nil {
		return err
	}
	ops := connector.WriteOps(writes)
	if len(ops) == 0 {
		return nil
	}

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", connector.ErrIOFailure, err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		if _, err := tx.Exec(`INSERT INTO chunks (segment, pos, data) VALUES (?, ?, ?)`,
			op.Segment, op.Offset, op.Data); err != nil {
			return fmt.Errorf("%w: %v", connector.ErrIOFailure, err)
		}
	}
	for name, size := range next {
		if _, err := tx.Exec(`UPDATE segments SET size = ? WHERE name = ?`, size, name); err != nil {
			return fmt.Errorf("%w: %v", connector.ErrIOFailure, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", connector.ErrIOFailure, err)
	}

	for name, size := range next {
		c.sizes[c.byName[name]] = size
	}
	return nil
}

func (c *Connector) sizeOf(name string) (int64, bool) {
	id, ok := c.byName[name]
	if !ok {
		return 0, false
	}
	return c.sizes[id], true
}

// Flush checkpoints the SQLite write-ahead log into the main database file.
func (c *Connector) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return connector.ErrConnectorClosed
	}
	if _, err := c.db.Exec(`PRAGMA wal_checkpoint(FULL)`); err != nil {
		return fmt.Errorf("%w: %v", connector.ErrIOFailure, err)
	}
	return nil
}

func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return connector.ErrConnectorClosed
	}
	c.closed = true
	if _, err := c.db.Exec(`PRAGMA wal_checkpoint(FULL)`); err != nil {
		_ = c.db.Close()
		return fmt.Errorf("%w: %v", connector.ErrIOFailure, err)
	}
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("%w: %v", connector.ErrIOFailure, err)
	}
	return nil
}
