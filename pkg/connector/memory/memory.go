// Package memory provides a Connector held entirely in process memory.
package memory

import (
	"fmt"
	"sync"

	"github.com/ssargent/skalddb/pkg/connector"
)

// Connector keeps each segment in a byte slice. WriteBatch builds the new
// slices for every touched segment first and swaps them in under the lock,
// so a batch is either fully visible or not at all.
type Connector struct {
	mu       sync.RWMutex
	segments []connector.Segment
	byName   map[string]int
	data     [][]byte
	closed   bool
}

var _ connector.Connector = (*Connector)(nil)

// New returns an empty connector.
func New() *Connector {
	return &Connector{byName: make(map[string]int)}
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
	seg := connector.Segment{Name: name, ID: len(c.segments)}
	c.byName[name] = seg.ID
	c.segments = append(c.segments, seg)
	c.data = append(c.data, nil)
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

func (c *Connector) Size(seg connector.Segment) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	id, err := c.lookup(seg)
	if err != nil {
		return 0, err
	}
	return int64(len(c.data[id])), nil
}

func (c *Connector) Read(seg connector.Segment, offset, length int64) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	id, err := c.lookup(seg)
	if err != nil {
		return nil, err
	}
	buf := c.data[id]
	if err := connector.CheckRange(seg, int64(len(buf)), offset, length); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, buf[offset:offset+length])
	return out, nil
}

func (c *Connector) WriteBatch(writes []connector.Write) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return connector.ErrConnectorClosed
	}
	if _, err := connector.PlanBatch(writes, c.sizeOf); err != nil {
		return err
	}

	next := make(map[int][]byte, len(writes))
	for _, w := range writes {
		id := c.byName[w.Segment.Name]
		buf, ok := next[id]
		if !ok {
			// Build aside; the committed buffer is untouched until the swap.
			old := c.data[id]
			buf = make([]byte, len(old), len(old)+len(w.Data))
			copy(buf, old)
		}
		next[id] = append(buf, w.Data...)
	}
	for id, buf := range next {
		c.data[id] = buf
	}
	return nil
}

// Flush is a no-op.
func (c *Connector) Flush() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return connector.ErrConnectorClosed
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
	c.data = nil
	return nil
}

func (c *Connector) sizeOf(name string) (int64, bool) {
	id, ok := c.byName[name]
	if !ok {
		return 0, false
	}
	return int64(len(c.data[id])), true
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

// Apply replays ops decoded from a batch log. Allocations of known segments
// are skipped, so replaying a log from its start is safe.
func (c *Connector) Apply(ops []connector.Op) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, op := range ops {
		switch op.Kind {
		case connector.OpAllocate:
			if _, ok := c.byName[op.Segment]; ok {
				continue
			}
			c.byName[op.Segment] = len(c.segments)
			c.segments = append(c.segments, connector.Segment{Name: op.Segment, ID: len(c.segments)})
			c.data = append(c.data, nil)
		case connector.OpWrite:
			id, ok := c.byName[op.Segment]
			if !ok {
				return fmt.Errorf("%w: write to unallocated segment %s", connector.ErrCorruptFrame, op.Segment)
			}
			if op.Offset != int64(len(c.data[id])) {
				return fmt.Errorf("%w: %s write at %d, segment ends at %d",
					connector.ErrCorruptFrame, op.Segment, op.Offset, len(c.data[id]))
			}
			c.data[id] = append(c.data[id], op.Data...)
		}
	}
	return nil
}
