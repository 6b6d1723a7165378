// Package remote stores segments in an object store. Every batch, and every
// segment allocation, becomes one immutable zstd-compressed frame object:
//
//	batches/00000000000000000000
//	batches/00000000000000000001
//	...
//
// A single PUT either lands or it does not, which gives WriteBatch its
// all-or-nothing guarantee. Reads are served from an in-memory mirror
// rebuilt on open by fetching and replaying every batch object in order.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/ssargent/skalddb/pkg/connector"
	"github.com/ssargent/skalddb/pkg/connector/memory"
)

const batchPrefix = "batches/"

// DefaultParallelism bounds the concurrent GETs issued while opening.
const DefaultParallelism = 8

// Config configures Open.
type Config struct {
	Store       ObjectStore
	Parallelism int
	// Timeout bounds each PUT and the GET that checks a failed one. Zero
	// means no timeout.
	Timeout time.Duration
}

// Connector is the object-store connector.
type Connector struct {
	mu      sync.Mutex // serialises PUTs so sequence numbers stay dense
	store   ObjectStore
	timeout time.Duration
	mirror  *memory.Connector
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	seq     uint64
	// broken is set when a PUT's outcome could not be determined. The
	// mirror may disagree with the store after that, so every later write
	// fails until the connector is reopened.
	broken error
}

var _ connector.Connector = (*Connector)(nil)

func batchKey(seq uint64) string {
	return fmt.Sprintf("%s%020d", batchPrefix, seq)
}

// Open lists the batch objects in the store and replays them.
func Open(ctx context.Context, cfg Config) (*Connector, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: no object store", connector.ErrConnectorUnavailable)
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", connector.ErrConnectorUnavailable, err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("%w: %v", connector.ErrConnectorUnavailable, err)
	}

	c := &Connector{
		store:   cfg.Store,
		timeout: cfg.Timeout,
		mirror:  memory.New(),
		enc:     enc,
		dec:     dec,
	}
	if err := c.load(ctx, cfg.Parallelism); err != nil {
		c.release()
		return nil, fmt.Errorf("%w: %v", connector.ErrConnectorUnavailable, err)
	}
	return c, nil
}

func (c *Connector) load(ctx context.Context, parallelism int) error {
	keys, err := c.store.List(ctx, batchPrefix)
	if err != nil {
		return fmt.Errorf("list batches: %w", err)
	}
	for i, key := range keys {
		seq, err := strconv.ParseUint(strings.TrimPrefix(key, batchPrefix), 10, 64)
		if err != nil {
			return fmt.Errorf("unexpected object %q", key)
		}
		if seq != uint64(i) {
			return fmt.Errorf("%w: batch %d missing", connector.ErrCorruptFrame, i)
		}
	}

	frames := make([][]byte, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, key := range keys {
		g.Go(func() error {
			data, err := c.store.Get(gctx, key)
			if err != nil {
				return fmt.Errorf("get %s: %w", key, err)
			}
			frame, err := c.dec.DecodeAll(data, nil)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", connector.ErrCorruptFrame, key, err)
			}
			frames[i] = frame
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, frame := range frames {
		ops, err := connector.DecodeFrame(frame)
		if err != nil {
			return fmt.Errorf("%s: %w", keys[i], err)
		}
		if err := c.mirror.Apply(ops); err != nil {
			return fmt.Errorf("%s: %w", keys[i], err)
		}
	}
	c.seq = uint64(len(keys))
	return nil
}

// put stores ops as the next batch object. A PUT that reports failure may
// still have landed (a timeout racing the upload), so the key is read back
// before the sequence number is reused.
func (c *Connector) put(ops []connector.Op) error {
	if c.broken != nil {
		return fmt.Errorf("%w: connector must be reopened: %v", connector.ErrIOFailure, c.broken)
	}
	key := batchKey(c.seq)
	data := c.enc.EncodeAll(connector.EncodeFrame(ops), nil)

	ctx, cancel := c.opContext()
	err := c.store.Put(ctx, key, data)
	cancel()
	if err == nil {
		c.seq++
		return nil
	}

	ctx, cancel = c.opContext()
	landed, getErr := c.store.Get(ctx, key)
	cancel()
	switch {
	case getErr == nil && bytes.Equal(landed, data):
		c.seq++
		return nil
	case errors.Is(getErr, ErrObjectNotFound) && !errors.Is(err, context.DeadlineExceeded):
		// The store refused the object outright, so the key is still free.
		return fmt.Errorf("%w: put batch %d: %v", connector.ErrIOFailure, c.seq, err)
	}
	c.broken = fmt.Errorf("batch %d outcome unknown: %v", c.seq, err)
	return fmt.Errorf("%w: put batch %d: %v", connector.ErrIOFailure, c.seq, err)
}

func (c *Connector) opContext() (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(context.Background(), c.timeout)
	}
	return context.WithCancel(context.Background())
}

func (c *Connector) AllocateSegment(name string) (connector.Segment, error) {
	if err := connector.ValidateName(name); err != nil {
		return connector.Segment{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.mirror.Segment(name); err == nil {
		return connector.Segment{}, fmt.Errorf("%w: %s", connector.ErrSegmentExists, name)
	} else if errors.Is(err, connector.ErrConnectorClosed) {
		return connector.Segment{}, err
	}
	if err := c.put([]connector.Op{{Kind: connector.OpAllocate, Segment: name}}); err != nil {
		return connector.Segment{}, err
	}
	return c.mirror.AllocateSegment(name)
}

func (c *Connector) Segment(name string) (connector.Segment, error) {
	return c.mirror.Segment(name)
}

func (c *Connector) Segments() []connector.Segment {
	return c.mirror.Segments()
}

func (c *Connector) Size(seg connector.Segment) (int64, error) {
	return c.mirror.Size(seg)
}

func (c *Connector) Read(seg connector.Segment, offset, length int64) ([]byte, error) {
	return c.mirror.Read(seg, offset, length)
}

func (c *Connector) WriteBatch(writes []connector.Write) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.mirror.Flush(); err != nil {
		return err
	}
	if _, err := connector.PlanBatch(writes, c.sizeOf); err != nil {
		return err
	}
	ops := connector.WriteOps(writes)
	if len(ops) == 0 {
		return nil
	}
	if err := c.put(ops); err != nil {
		return err
	}
	// Validated above under c.mu, so the mirror cannot reject it.
	return c.mirror.WriteBatch(writes)
}

func (c *Connector) sizeOf(name string) (int64, bool) {
	seg, err := c.mirror.Segment(name)
	if err != nil {
		return 0, false
	}
	size, err := c.mirror.Size(seg)
	if err != nil {
		return 0, false
	}
	return size, true
}

// Flush is a no-op beyond the closed check: every batch is durable once
// its PUT returns.
func (c *Connector) Flush() error {
	return c.mirror.Flush()
}

func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.mirror.Close(); err != nil {
		return err
	}
	c.release()
	return nil
}

func (c *Connector) release() {
	_ = c.enc.Close()
	c.dec.Close()
}
