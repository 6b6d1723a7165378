// Package file implements a Connector over a directory of segment files and
// a write-ahead log.
//
// Layout:
//
//	<dir>/<segment>.seg   append-only segment contents
//	<dir>/wal.log         batch frames since the last checkpoint
//
// A batch is first appended to wal.log as one frame, then applied to the
// segment files. A checkpoint fsyncs every segment file and replaces wal.log
// with a log holding a single checkpoint frame that records each segment's
// committed size. The replacement is a rename, so it is the atomic marker
// flip: before it, recovery replays the old log; after it, the new one.
package file

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ssargent/skalddb/pkg/connector"
)

const (
	walName    = "wal.log"
	segmentExt = ".seg"

	DefaultCheckpointBytes = 4 << 20
	defaultBufferSize      = 64 * 1024
)

// Config holds configuration for the file connector
type Config struct {
	Dir             string        // Directory holding segments and the log
	FsyncInterval   time.Duration // Log fsync interval (0 = every batch)
	CheckpointBytes int64         // Checkpoint once the log grows past this
	BufferSize      int           // Log write buffer size
}

// Connector is the file-backed connector.
type Connector struct {
	mu       sync.RWMutex
	config   Config
	wal      *walWriter
	segments []connector.Segment
	byName   map[string]int
	files    []*os.File
	sizes    []int64
	recovery RecoveryResult
	closed   bool

	// poisoned is set when a failed batch could not be rolled back on disk.
	// Every later operation fails with it.
	poisoned error
}

var _ connector.Connector = (*Connector)(nil)

// Open opens or creates the connector directory, recovering from any
// interrupted batch.
func Open(config Config) (*Connector, error) {
	if config.CheckpointBytes <= 0 {
		config.CheckpointBytes = DefaultCheckpointBytes
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defaultBufferSize
	}
	if err := os.MkdirAll(config.Dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: %v", connector.ErrConnectorUnavailable, err)
	}

	c := &Connector{
		config: config,
		byName: make(map[string]int),
	}
	if err := c.recover(); err != nil {
		c.closeFiles()
		return nil, fmt.Errorf("%w: recovery of %s: %v", connector.ErrConnectorUnavailable, config.Dir, err)
	}
	if err := c.checkpoint(); err != nil {
		c.closeFiles()
		return nil, fmt.Errorf("%w: %v", connector.ErrConnectorUnavailable, err)
	}
	return c, nil
}

// Recovery reports what Open had to repair.
func (c *Connector) Recovery() RecoveryResult {
	return c.recovery
}

func (c *Connector) walPath() string {
	return filepath.Join(c.config.Dir, walName)
}

func (c *Connector) segmentPath(name string) string {
	return filepath.Join(c.config.Dir, name+segmentExt)
}

func (c *Connector) openWAL() error {
	w, err := newWALWriter(walConfig{
		FilePath:      c.walPath(),
		FsyncInterval: c.config.FsyncInterval,
		BufferSize:    c.config.BufferSize,
	})
	if err != nil {
		return err
	}
	c.wal = w
	return nil
}

func (c *Connector) usable() error {
	if c.closed {
		return connector.ErrConnectorClosed
	}
	if c.poisoned != nil {
		return fmt.Errorf("%w: connector is unusable after a failed rollback: %v", connector.ErrIOFailure, c.poisoned)
	}
	return nil
}

func (c *Connector) AllocateSegment(name string) (connector.Segment, error) {
	if err := connector.ValidateName(name); err != nil {
		return connector.Segment{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return connector.Segment{}, err
	}
	if _, ok := c.byName[name]; ok {
		return connector.Segment{}, fmt.Errorf("%w: %s", connector.ErrSegmentExists, name)
	}

	f, err := os.OpenFile(c.segmentPath(name), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		return connector.Segment{}, fmt.Errorf("%w: %v", connector.ErrIOFailure, err)
	}

	walOffset := c.wal.Size()
	frame := connector.EncodeFrame([]connector.Op{{Kind: connector.OpAllocate, Segment: name}})
	if _, err := c.wal.Append(frame); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		if terr := c.wal.Truncate(walOffset); terr != nil {
			c.poisoned = terr
		}
		return connector.Segment{}, fmt.Errorf("%w: %v", connector.ErrIOFailure, err)
	}

	return c.register(name, f, 0), nil
}

func (c *Connector) register(name string, f *os.File, size int64) connector.Segment {
	seg := connector.Segment{Name: name, ID: len(c.segments)}
	c.byName[name] = seg.ID
	c.segments = append(c.segments, seg)
	c.files = append(c.files, f)
	c.sizes = append(c.sizes, size)
	return seg
}

func (c *Connector) Segment(name string) (connector.Segment, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.usable(); err != nil {
		return connector.Segment{}, err
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
	if err := c.usable(); err != nil {
		return 0, err
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
	buf := make([]byte, length)
	if length == 0 {
		return buf, nil
	}
	if _, err := c.files[id].ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", connector.ErrIOFailure, seg.Name, err)
	}
	return buf, nil
}

func (c *Connector) WriteBatch(writes []connector.Write) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return err
	}
	next, err := connector.PlanBatch(writes, c.sizeOf)
	if err != nil {
		return err
	}
	ops := connector.WriteOps(writes)
	if len(ops) == 0 {
		return nil
	}

	walOffset := c.wal.Size()
	if _, err := c.wal.Append(connector.EncodeFrame(ops)); err != nil {
		if terr := c.wal.Truncate(walOffset); terr != nil {
			c.poisoned = terr
		}
		return fmt.Errorf("%w: log append: %v", connector.ErrIOFailure, err)
	}

	for _, op := range ops {
		f := c.files[c.byName[op.Segment]]
		if _, err := f.WriteAt(op.Data, op.Offset); err != nil {
			c.undo(next, walOffset)
			return fmt.Errorf("%w: write %s: %v", connector.ErrIOFailure, op.Segment, err)
		}
	}

	for name, size := range next {
		c.sizes[c.byName[name]] = size
	}

	if c.wal.Size() >= c.config.CheckpointBytes {
		// The batch is already durable in the log. A failed checkpoint only
		// delays compaction; Flush retries it and reports the error.
		_ = c.checkpoint()
	}
	return nil
}

// undo truncates the touched segment files and the log back to their state
// before a failed batch.
func (c *Connector) undo(touched map[string]int64, walOffset int64) {
	var errs []error
	for name := range touched {
		id := c.byName[name]
		if err := c.files[id].Truncate(c.sizes[id]); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.wal.Truncate(walOffset); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		c.poisoned = errors.Join(errs...)
	}
}

func (c *Connector) sizeOf(name string) (int64, bool) {
	id, ok := c.byName[name]
	if !ok {
		return 0, false
	}
	return c.sizes[id], true
}

// Flush makes every accepted batch durable in the segment files and
// compacts the log.
func (c *Connector) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return err
	}
	if err := c.checkpoint(); err != nil {
		return fmt.Errorf("%w: checkpoint: %v", connector.ErrIOFailure, err)
	}
	return nil
}

// Close flushes and releases every file handle.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return connector.ErrConnectorClosed
	}
	var err error
	if c.poisoned == nil {
		err = c.checkpoint()
	}
	c.closed = true
	if cerr := c.closeFiles(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%w: close: %v", connector.ErrIOFailure, err)
	}
	return nil
}

func (c *Connector) closeFiles() error {
	var errs []error
	if c.wal != nil {
		errs = append(errs, c.wal.Close())
		c.wal = nil
	}
	for _, f := range c.files {
		errs = append(errs, f.Close())
	}
	c.files = nil
	return errors.Join(errs...)
}

// checkpoint fsyncs every segment file and atomically replaces the log with
// a single checkpoint frame. Callers hold the write lock.
func (c *Connector) checkpoint() error {
	if c.wal != nil {
		if err := c.wal.Sync(); err != nil {
			return err
		}
	}
	for _, f := range c.files {
		if err := f.Sync(); err != nil {
			return err
		}
	}

	ops := make([]connector.Op, len(c.segments))
	for i, seg := range c.segments {
		ops[i] = connector.Op{Kind: connector.OpCheckpoint, Segment: seg.Name, Offset: c.sizes[i]}
	}

	tmp := c.walPath() + ".tmp"
	if err := writeFileSync(tmp, connector.EncodeFrame(ops)); err != nil {
		return err
	}

	if c.wal != nil {
		err := c.wal.Close()
		c.wal = nil
		if err != nil {
			_ = os.Remove(tmp)
			if oerr := c.openWAL(); oerr != nil {
				c.poisoned = oerr
			}
			return err
		}
	}
	if err := os.Rename(tmp, c.walPath()); err != nil {
		_ = os.Remove(tmp)
		if oerr := c.openWAL(); oerr != nil {
			c.poisoned = oerr
		}
		return err
	}
	if err := c.openWAL(); err != nil {
		c.poisoned = err
		return err
	}
	return syncDir(c.config.Dir)
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
