package engine

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ssargent/skalddb/pkg/codec"
	"github.com/ssargent/skalddb/pkg/connector/memory"
	"github.com/ssargent/skalddb/pkg/metrics"
)

func TestConcurrentCommitsAndScans(t *testing.T) {
	db, _ := openMemory(t)
	people := createPeople(t, db)

	const writers, perWriter = 8, 25
	var g errgroup.Group
	for w := 0; w < writers; w++ {
		g.Go(func() error {
			for i := 0; i < perWriter; i++ {
				tx, err := db.Begin()
				if err != nil {
					return err
				}
				id := int64(w*perWriter + i)
				if err := people.Insert(tx, person{id, "writer", int64(w)}); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
			}
			return nil
		})
	}

	stop := make(chan struct{})
	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				seen := make(map[int64]bool)
				for p, err := range people.Scan() {
					if !assert.NoError(t, err) {
						return
					}
					assert.False(t, seen[p.ID], "key %d seen twice", p.ID)
					seen[p.ID] = true
				}
			}
		}()
	}

	require.NoError(t, g.Wait())
	close(stop)
	readers.Wait()

	assert.Equal(t, writers*perWriter, rowCount(t, people))
	assert.Len(t, collect(t, people.Scan()), writers*perWriter)
}

func TestConcurrentInsertsOfOneKey(t *testing.T) {
	db, _ := openMemory(t)
	people := createPeople(t, db)

	var won, dup atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := db.Begin()
			if !assert.NoError(t, err) {
				return
			}
			if !assert.NoError(t, people.Insert(tx, person{1, "racer", int64(i)})) {
				return
			}
			err = tx.Commit()
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, ErrDuplicateKey):
				dup.Add(1)
			default:
				t.Errorf("unexpected commit error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), won.Load())
	assert.Equal(t, int32(15), dup.Load())
	assert.Equal(t, 1, rowCount(t, people))
}

// Concurrent transfers between two rows keep the total constant, so any
// reader that sees a torn commit notices.
func TestCommitsAreAtomicToReaders(t *testing.T) {
	db, _ := openMemory(t)
	people := createPeople(t, db)

	tx := begin(t, db)
	require.NoError(t, people.Insert(tx, person{1, "a", 100}))
	require.NoError(t, people.Insert(tx, person{2, "b", 100}))
	require.NoError(t, tx.Commit())

	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < 200; i++ {
			tx, err := db.Begin()
			if err != nil {
				return err
			}
			a, err := people.GetTx(tx, codec.Int64(1))
			if err != nil {
				return err
			}
			b, err := people.GetTx(tx, codec.Int64(2))
			if err != nil {
				return err
			}
			a.Age--
			b.Age++
			if err := people.Update(tx, codec.Int64(1), a); err != nil {
				return err
			}
			if err := people.Update(tx, codec.Int64(2), b); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return err
			}
		}
		return nil
	})
	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				var total int64
				for p, err := range people.Scan() {
					if err != nil {
						return err
					}
					total += p.Age
				}
				if total != 200 {
					return errors.New("reader saw a partial commit")
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	db, err := Open(memory.New(), WithMetrics(metrics.New(reg)))
	require.NoError(t, err)
	defer db.Close()
	people := createPeople(t, db)

	tx := begin(t, db)
	require.NoError(t, people.Insert(tx, person{1, "a", 1}))
	require.NoError(t, tx.Commit())

	tx = begin(t, db)
	require.NoError(t, people.Insert(tx, person{1, "a", 1}))
	require.Error(t, tx.Commit())

	tx = begin(t, db)
	require.NoError(t, tx.Rollback())

	count, err := testutil.GatherAndCount(reg, "skald_commits_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count) // success and failure series
	count, err = testutil.GatherAndCount(reg, "skald_rollbacks_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	count, err = testutil.GatherAndCount(reg, "skald_table_rows")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
