package remote

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ssargent/skalddb/pkg/connector"
	"github.com/ssargent/skalddb/pkg/connector/connectortest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnector(t *testing.T) {
	connectortest.Run(t, func(t *testing.T) connector.Connector {
		c, err := Open(context.Background(), Config{Store: NewMemoryStore()})
		require.NoError(t, err)
		return c
	})

	var mu sync.Mutex
	stores := make(map[string]*MemoryStore)
	connectortest.RunDurable(t, func(t *testing.T, dir string) connector.Connector {
		mu.Lock()
		store, ok := stores[dir]
		if !ok {
			store = NewMemoryStore()
			stores[dir] = store
		}
		mu.Unlock()

		c, err := Open(context.Background(), Config{Store: store, Parallelism: 2})
		require.NoError(t, err)
		return c
	})
}

// flakyStore fails every Put while down is set.
type flakyStore struct {
	*MemoryStore
	mu   sync.Mutex
	down bool
}

func (s *flakyStore) setDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *flakyStore) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down {
		return errors.New("503 slow down")
	}
	return s.MemoryStore.Put(ctx, key, data)
}

func TestConnector_PutFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	c, err := Open(context.Background(), Config{Store: store})
	require.NoError(t, err)
	defer c.Close()

	seg, err := c.AllocateSegment("a")
	require.NoError(t, err)
	require.NoError(t, c.WriteBatch([]connector.Write{{Segment: seg, Data: []byte("abc")}}))

	store.setDown(true)
	err = c.WriteBatch([]connector.Write{{Segment: seg, Offset: 3, Data: []byte("def")}})
	assert.ErrorIs(t, err, connector.ErrIOFailure)
	_, err = c.AllocateSegment("b")
	assert.ErrorIs(t, err, connector.ErrIOFailure)

	connectortest.AssertContent(t, c, seg, "abc")
	_, err = c.Segment("b")
	assert.ErrorIs(t, err, connector.ErrSegmentNotFound)

	// The sequence number is not consumed by a failed PUT.
	store.setDown(false)
	require.NoError(t, c.WriteBatch([]connector.Write{{Segment: seg, Offset: 3, Data: []byte("xyz")}}))

	keys, err := store.List(context.Background(), batchPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{batchKey(0), batchKey(1), batchKey(2)}, keys)
}

// timeoutStore reports a deadline on the next Put. When land is set the
// object is stored anyway, as when the upload finishes after the client
// gave up.
type timeoutStore struct {
	*MemoryStore
	mu   sync.Mutex
	trip bool
	land bool
}

func (s *timeoutStore) arm(land bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trip, s.land = true, land
}

func (s *timeoutStore) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	trip, land := s.trip, s.land
	s.trip = false
	s.mu.Unlock()
	if !trip {
		return s.MemoryStore.Put(ctx, key, data)
	}
	if land {
		if err := s.MemoryStore.Put(context.Background(), key, data); err != nil {
			return err
		}
	}
	return context.DeadlineExceeded
}

func TestConnector_PutTimeout(t *testing.T) {
	t.Run("landed", func(t *testing.T) {
		store := &timeoutStore{MemoryStore: NewMemoryStore()}
		c, err := Open(context.Background(), Config{Store: store})
		require.NoError(t, err)

		seg, err := c.AllocateSegment("a")
		require.NoError(t, err)
		store.arm(true)
		require.NoError(t, c.WriteBatch([]connector.Write{{Segment: seg, Data: []byte("abc")}}))
		require.NoError(t, c.WriteBatch([]connector.Write{{Segment: seg, Offset: 3, Data: []byte("def")}}))
		connectortest.AssertContent(t, c, seg, "abcdef")
		require.NoError(t, c.Close())

		r, err := Open(context.Background(), Config{Store: store})
		require.NoError(t, err)
		defer r.Close()
		seg, err = r.Segment("a")
		require.NoError(t, err)
		connectortest.AssertContent(t, r, seg, "abcdef")
	})

	t.Run("lost", func(t *testing.T) {
		store := &timeoutStore{MemoryStore: NewMemoryStore()}
		c, err := Open(context.Background(), Config{Store: store})
		require.NoError(t, err)

		seg, err := c.AllocateSegment("a")
		require.NoError(t, err)
		store.arm(false)
		err = c.WriteBatch([]connector.Write{{Segment: seg, Data: []byte("abc")}})
		assert.ErrorIs(t, err, connector.ErrIOFailure)

		// The upload may still land, so the key is never handed out again.
		err = c.WriteBatch([]connector.Write{{Segment: seg, Data: []byte("xyz")}})
		assert.ErrorIs(t, err, connector.ErrIOFailure)
		_, err = c.AllocateSegment("b")
		assert.ErrorIs(t, err, connector.ErrIOFailure)
		require.NoError(t, c.Close())

		r, err := Open(context.Background(), Config{Store: store})
		require.NoError(t, err)
		defer r.Close()
		seg, err = r.Segment("a")
		require.NoError(t, err)
		connectortest.AssertContent(t, r, seg, "")
		require.NoError(t, r.WriteBatch([]connector.Write{{Segment: seg, Data: []byte("xyz")}}))
		connectortest.AssertContent(t, r, seg, "xyz")
	})
}

func TestConnector_ReplaysInOrder(t *testing.T) {
	store := NewMemoryStore()
	c, err := Open(context.Background(), Config{Store: store})
	require.NoError(t, err)

	seg, err := c.AllocateSegment("log")
	require.NoError(t, err)
	var off int64
	for i := 0; i < 40; i++ {
		b := []byte{byte('a' + i%26)}
		require.NoError(t, c.WriteBatch([]connector.Write{{Segment: seg, Offset: off, Data: b}}))
		off++
	}
	require.NoError(t, c.Close())

	r, err := Open(context.Background(), Config{Store: store, Parallelism: 3})
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Read(seg, 0, off)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghijklmnopqrstuvwxyzabcdefghijklmn", string(got))
}

func TestOpen_MissingBatch(t *testing.T) {
	store := NewMemoryStore()
	c, err := Open(context.Background(), Config{Store: store})
	require.NoError(t, err)
	seg, err := c.AllocateSegment("a")
	require.NoError(t, err)
	require.NoError(t, c.WriteBatch([]connector.Write{{Segment: seg, Data: []byte("1")}}))
	require.NoError(t, c.WriteBatch([]connector.Write{{Segment: seg, Offset: 1, Data: []byte("2")}}))
	require.NoError(t, c.Close())

	store.Delete(batchKey(1))

	_, err = Open(context.Background(), Config{Store: store})
	assert.ErrorIs(t, err, connector.ErrConnectorUnavailable)
}

func TestOpen_CorruptObject(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), batchKey(0), []byte("not zstd")))

	_, err := Open(context.Background(), Config{Store: store})
	assert.ErrorIs(t, err, connector.ErrConnectorUnavailable)
}

func TestOpen_NoStore(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.ErrorIs(t, err, connector.ErrConnectorUnavailable)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	data := []byte("payload")
	require.NoError(t, s.Put(ctx, "b/2", data))
	require.NoError(t, s.Put(ctx, "b/1", data))
	require.NoError(t, s.Put(ctx, "c/1", data))
	data[0] = 'X'

	got, err := s.Get(ctx, "b/2")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	keys, err := s.List(ctx, "b/")
	require.NoError(t, err)
	assert.Equal(t, []string{"b/1", "b/2"}, keys)
}
