// Package pebblekv stores segments in an embedded pebble key-value store.
//
// Each segment has a metadata key and one key per written chunk:
//
//	m/<segment>                       [id:4][size:8]
//	d/<segment>/<offset:8 big-endian> chunk bytes
//
// A WriteBatch is a single pebble batch holding the new chunks and the
// updated metadata, committed with fsync, so pebble's own log provides the
// all-or-nothing guarantee.
package pebblekv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ssargent/skalddb/pkg/connector"
)

const (
	metaPrefix = "m/"
	dataPrefix = "d/"
)

// Connector is the pebble-backed connector.
type Connector struct {
	mu       sync.RWMutex
	db       *pebble.DB
	segments []connector.Segment
	byName   map[string]int
	sizes    []int64
	closed   bool
}

var _ connector.Connector = (*Connector)(nil)

// Open opens or creates a pebble store at dir.
func Open(dir string) (*Connector, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", connector.ErrConnectorUnavailable, err)
	}
	c := &Connector{db: db, byName: make(map[string]int)}
	if err := c.load(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", connector.ErrConnectorUnavailable, err)
	}
	return c, nil
}

func (c *Connector) load() error {
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(metaPrefix),
		UpperBound: prefixEnd([]byte(metaPrefix)),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	type meta struct {
		name string
		id   int
		size int64
	}
	var metas []meta
	for iter.First(); iter.Valid(); iter.Next() {
		v := iter.Value()
		if len(v) != 12 {
			return fmt.Errorf("segment metadata %q is %d bytes", iter.Key(), len(v))
		}
		metas = append(metas, meta{
			name: string(iter.Key()[len(metaPrefix):]),
			id:   int(binary.LittleEndian.Uint32(v[:4])),
			size: int64(binary.LittleEndian.Uint64(v[4:])),
		})
	}
	if err := iter.Error(); err != nil {
		return err
	}

	sort.Slice(metas, func(i, j int) bool { return metas[i].id < metas[j].id })
	for i, m := range metas {
		if m.id != i {
			return fmt.Errorf("segment ids are not contiguous at %s", m.name)
		}
		c.byName[m.name] = i
		c.segments = append(c.segments, connector.Segment{Name: m.name, ID: i})
		c.sizes = append(c.sizes, m.size)
	}
	return nil
}

func metaKey(name string) []byte {
	return []byte(metaPrefix + name)
}

func metaValue(id int, size int64) []byte {
	v := make([]byte, 12)
	binary.LittleEndian.PutUint32(v[:4], uint32(id))
	binary.LittleEndian.PutUint64(v[4:], uint64(size))
	return v
}

func chunkPrefix(name string) []byte {
	return []byte(dataPrefix + name + "/")
}

func chunkKey(name string, offset int64) []byte {
	return binary.BigEndian.AppendUint64(chunkPrefix(name), uint64(offset))
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
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
	if err := c.db.Set(metaKey(name), metaValue(id, 0), pebble.Sync); err != nil {
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

// Read assembles the requested range from the chunks that overlap it.
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

	prefix := chunkPrefix(seg.Name)
	iter, err := c.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", connector.ErrIOFailure, err)
	}
	defer iter.Close()

	end := offset + length
	filled := int64(0)
	// Start at the last chunk beginning at or before offset.
	valid := iter.SeekLT(chunkKey(seg.Name, offset+1))
	if !valid {
		valid = iter.First()
	}
	for ; valid; valid = iter.Next() {
		start := int64(binary.BigEndian.Uint64(iter.Key()[len(prefix):]))
		if start >= end {
			break
		}
		chunk := iter.Value()
		chunkEnd := start + int64(len(chunk))
		if chunkEnd <= offset {
			continue
		}
		lo, hi := max(start, offset), min(chunkEnd, end)
		copy(out[lo-offset:hi-offset], chunk[lo-start:hi-start])
		filled += hi - lo
	}
	if err := iter.Error(); err != nil {
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

	batch := c.db.NewBatch()
	defer batch.Close()

	for _, op := range connector.WriteOps(writes) {
		if err := batch.Set(chunkKey(op.Segment, op.Offset), op.Data, nil); err != nil {
			return fmt.Errorf("%w: %v", connector.ErrIOFailure, err)
		}
	}
	for name, size := range next {
		if err := batch.Set(metaKey(name), metaValue(c.byName[name], size), nil); err != nil {
			return fmt.Errorf("%w: %v", connector.ErrIOFailure, err)
		}
	}
	if batch.Empty() {
		return nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
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

// Flush persists the memtable. Committed batches are already durable in
// pebble's log.
func (c *Connector) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return connector.ErrConnectorClosed
	}
	if err := c.db.Flush(); err != nil {
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
	err := errors.Join(c.db.Flush(), c.db.Close())
	if err != nil {
		return fmt.Errorf("%w: %v", connector.ErrIOFailure, err)
	}
	return nil
}
