// Package connector defines the durable byte-storage contract SkaldDB
// databases are built on.
//
// A connector knows nothing about tables or records. It manages named,
// append-only byte regions (segments) and applies batches of writes to them
// atomically: after WriteBatch returns, either every write of the batch is
// visible to Read or none is.
//
// Backends live in subpackages: memory, file, pebblekv, sqlite and remote.
package connector

import (
	"fmt"
	"strings"
)

// Segment is a handle to a named byte region. Handles are plain values and
// stay valid for the lifetime of the connector that issued them.
type Segment struct {
	Name string
	// ID is the allocation ordinal of the segment within its connector.
	ID int
}

func (s Segment) String() string { return s.Name }

// Write appends Data to Segment at Offset.
type Write struct {
	Segment Segment
	Offset  int64
	Data    []byte
}

// Connector is the storage capability a database owns exclusively.
type Connector interface {
	// AllocateSegment creates an empty segment. It fails with
	// ErrSegmentExists if the name is taken.
	AllocateSegment(name string) (Segment, error)

	// Segment looks up an existing segment, ErrSegmentNotFound otherwise.
	Segment(name string) (Segment, error)

	// Segments lists all segments in allocation order.
	Segments() []Segment

	// Size returns the committed length of a segment.
	Size(seg Segment) (int64, error)

	// Read returns a fresh copy of length bytes at offset. It fails with
	// ErrOutOfRange if the segment is shorter than requested.
	Read(seg Segment, offset, length int64) ([]byte, error)

	// WriteBatch applies all writes or none. Writes are appends: each
	// offset must equal the segment size plus the bytes written to the same
	// segment earlier in the batch.
	WriteBatch(writes []Write) error

	// Flush blocks until every accepted batch is durable.
	Flush() error

	// Close flushes and releases the connector. Later calls fail with
	// ErrConnectorClosed.
	Close() error
}

// MaxSegmentName is the longest segment name the batch frame can carry.
const MaxSegmentName = 255

// ValidateName rejects segment names that cannot be stored by every backend.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidSegmentName, name)
	case len(name) > MaxSegmentName:
		return fmt.Errorf("%w: %d bytes (max %d)", ErrInvalidSegmentName, len(name), MaxSegmentName)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidSegmentName, name)
	}
	return nil
}

// PlanBatch checks a batch against the committed sizes reported by size and
// returns every touched segment's size after the batch. It performs no I/O;
// backends call it before touching the medium so a rejected batch has no
// effect.
func PlanBatch(writes []Write, size func(name string) (int64, bool)) (map[string]int64, error) {
	next := make(map[string]int64, len(writes))
	for i, w := range writes {
		cur, ok := next[w.Segment.Name]
		if !ok {
			committed, exists := size(w.Segment.Name)
			if !exists {
				return nil, fmt.Errorf("write %d: %w: %s", i, ErrSegmentNotFound, w.Segment.Name)
			}
			cur = committed
		}
		if w.Offset != cur {
			return nil, fmt.Errorf("write %d: %w: %s offset %d, segment ends at %d",
				i, ErrOutOfRange, w.Segment.Name, w.Offset, cur)
		}
		next[w.Segment.Name] = cur + int64(len(w.Data))
	}
	return next, nil
}

// CheckRange validates a read of length bytes at offset against a segment of
// the given size.
func CheckRange(seg Segment, size, offset, length int64) error {
	if offset < 0 || length < 0 || offset+length > size {
		return fmt.Errorf("%w: %s read [%d, %d) beyond size %d", ErrOutOfRange, seg.Name, offset, offset+length, size)
	}
	return nil
}
