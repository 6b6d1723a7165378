package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ssargent/skalddb/pkg/codec"
	"github.com/ssargent/skalddb/pkg/config"
	"github.com/ssargent/skalddb/pkg/connector"
	"github.com/ssargent/skalddb/pkg/connector/file"
	"github.com/ssargent/skalddb/pkg/connector/memory"
	"github.com/ssargent/skalddb/pkg/connector/pebblekv"
	"github.com/ssargent/skalddb/pkg/connector/remote"
	"github.com/ssargent/skalddb/pkg/connector/sqlite"
)

// backends returns a reopen function per durable connector. Each call to
// reopen opens the same underlying storage.
func backends(t *testing.T) map[string]func(t *testing.T) connector.Connector {
	fileDir := t.TempDir()
	pebbleDir := t.TempDir()
	sqlitePath := filepath.Join(t.TempDir(), "skald.db")
	store := remote.NewMemoryStore()

	return map[string]func(t *testing.T) connector.Connector{
		"file": func(t *testing.T) connector.Connector {
			c, err := file.Open(file.Config{Dir: fileDir})
			require.NoError(t, err)
			return c
		},
		"pebble": func(t *testing.T) connector.Connector {
			c, err := pebblekv.Open(pebbleDir)
			require.NoError(t, err)
			return c
		},
		"sqlite": func(t *testing.T) connector.Connector {
			c, err := sqlite.Open(sqlitePath)
			require.NoError(t, err)
			return c
		},
		"remote": func(t *testing.T) connector.Connector {
			c, err := remote.Open(context.Background(), remote.Config{Store: store})
			require.NoError(t, err)
			return c
		},
	}
}

func TestReopen(t *testing.T) {
	for name, reopen := range backends(t) {
		t.Run(name, func(t *testing.T) {
			db, err := Open(reopen(t))
			require.NoError(t, err)

			people := createPeople(t, db)
			authors, books := createLibrary(t, db)

			tx := begin(t, db)
			require.NoError(t, people.Insert(tx, person{1, "John Smith", 44}))
			require.NoError(t, people.Insert(tx, person{2, "Mary Shell", 36}))
			require.NoError(t, people.Insert(tx, person{3, "Gone Soon", 1}))
			require.NoError(t, authors.Insert(tx, author(1, "Herbert")))
			require.NoError(t, books.Insert(tx, book("111", "Dune", 1)))
			require.NoError(t, tx.Commit())

			tx = begin(t, db)
			require.NoError(t, people.Update(tx, codec.Int64(1), person{1, "John Smith", 45}))
			require.NoError(t, people.Delete(tx, codec.Int64(3)))
			require.NoError(t, tx.Commit())
			require.NoError(t, db.Flush())
			require.NoError(t, db.Close())

			db, err = Open(reopen(t))
			require.NoError(t, err)

			var names []string
			for _, tb := range db.Tables() {
				names = append(names, tb.Name())
			}
			assert.Equal(t, []string{"people", "authors", "books"}, names)

			people, err = Bind(db, "people", personCodec)
			require.NoError(t, err)
			assert.Equal(t, []person{{2, "Mary Shell", 36}, {1, "John Smith", 45}}, collect(t, people.Scan()))

			authors, err = db.Table("authors")
			require.NoError(t, err)
			assert.Equal(t, bookSchema.Fingerprint(), mustTable(t, db, "books").Schema().Fingerprint())

			// Reference counts are rebuilt from the stored rows.
			tx = begin(t, db)
			require.NoError(t, authors.Delete(tx, codec.Int64(1)))
			assert.ErrorIs(t, tx.Commit(), ErrIntegrityViolation)

			// So is key uniqueness.
			tx = begin(t, db)
			require.NoError(t, people.Insert(tx, person{2, "Again", 1}))
			assert.ErrorIs(t, tx.Commit(), ErrDuplicateKey)

			tx = begin(t, db)
			require.NoError(t, people.Insert(tx, person{3, "Back", 2}))
			require.NoError(t, tx.Commit())
			require.NoError(t, db.Close())

			db, err = Open(reopen(t))
			require.NoError(t, err)
			defer db.Close()
			people, err = Bind(db, "people", personCodec)
			require.NoError(t, err)
			assert.Equal(t, 3, rowCount(t, people))
			got, err := people.Get(codec.Int64(3))
			require.NoError(t, err)
			assert.Equal(t, "Back", got.Name)
		})
	}
}

func mustTable(t *testing.T, db *Database, name string) *Table {
	t.Helper()
	tb, err := db.Table(name)
	require.NoError(t, err)
	return tb
}

func TestOpenSharedConnector(t *testing.T) {
	conn := memory.New()
	db, err := Open(conn)
	require.NoError(t, err)
	people := createPeople(t, db)

	tx := begin(t, db)
	require.NoError(t, people.Insert(tx, person{1, "a", 1}))
	require.NoError(t, tx.Commit())

	// A second view over the same bytes sees the committed state.
	other, err := Open(conn)
	require.NoError(t, err)
	bound, err := Bind(other, "people", personCodec)
	require.NoError(t, err)
	assert.Equal(t, []person{{1, "a", 1}}, collect(t, bound.Scan()))
}

func TestOpenCorruptSegment(t *testing.T) {
	conn := memory.New()
	db, err := Open(conn)
	require.NoError(t, err)
	people := createPeople(t, db)

	tx := begin(t, db)
	require.NoError(t, people.Insert(tx, person{1, "a", 1}))
	require.NoError(t, tx.Commit())

	seg, err := conn.Segment("t.people")
	require.NoError(t, err)
	size, err := conn.Size(seg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteBatch([]connector.Write{{Segment: seg, Offset: size, Data: []byte{1, 2, 3}}}))

	_, err = Open(conn)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestOpenCorruptCatalog(t *testing.T) {
	conn := memory.New()
	seg, err := conn.AllocateSegment("_catalog")
	require.NoError(t, err)
	entry := codec.NewEntryCodec().Encode(codec.NewEntry(codec.EntryInsert, []byte("people"), []byte{3}))
	require.NoError(t, conn.WriteBatch([]connector.Write{{Segment: seg, Offset: 0, Data: entry}}))

	_, err = Open(conn)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestCreateTableAdoptsEmptyOrphanSegment(t *testing.T) {
	conn := memory.New()
	_, err := conn.AllocateSegment("t.people")
	require.NoError(t, err)

	db, err := Open(conn)
	require.NoError(t, err)
	defer db.Close()
	createPeople(t, db)

	held := memory.New()
	seg, err := held.AllocateSegment("t.people")
	require.NoError(t, err)
	require.NoError(t, held.WriteBatch([]connector.Write{{Segment: seg, Offset: 0, Data: []byte("x")}}))
	db2, err := Open(held)
	require.NoError(t, err)
	defer db2.Close()
	_, err = db2.CreateTable("people", peopleSchema)
	assert.ErrorIs(t, err, ErrSegmentExists)
}

func TestOpenConfig(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		db, err := OpenConfig(ctx, config.Connector{Target: "memory://"})
		require.NoError(t, err)
		defer db.Close()
		createPeople(t, db)
	})

	t.Run("file", func(t *testing.T) {
		dir := t.TempDir()
		core, logs := observer.New(zap.InfoLevel)
		log := zap.New(core)

		db, err := OpenConfig(ctx, config.Connector{Target: "file://" + dir}, WithLogger(log))
		require.NoError(t, err)
		people := createPeople(t, db)
		tx := begin(t, db)
		require.NoError(t, people.Insert(tx, person{1, "a", 1}))
		require.NoError(t, tx.Commit())
		require.NoError(t, db.Close())

		assert.Equal(t, 1, logs.FilterMessage("file connector recovered").Len())
		assert.Equal(t, 1, logs.FilterMessage("transaction committed").Len())

		db, err = OpenConfig(ctx, config.Connector{Target: "file://" + dir})
		require.NoError(t, err)
		defer db.Close()
		assert.Equal(t, 1, rowCount(t, mustTable(t, db, "people")))
	})

	t.Run("bad target", func(t *testing.T) {
		for _, target := range []string{"", "nowhere", "ftp://host/x", "s3://"} {
			_, err := OpenConfig(ctx, config.Connector{Target: target})
			assert.ErrorIs(t, err, ErrConnectorUnavailable, target)
		}
	})
}

func TestReopenCountsEmptyKeyReferences(t *testing.T) {
	dir := t.TempDir()
	open := func() *Database {
		c, err := file.Open(file.Config{Dir: dir})
		require.NoError(t, err)
		db, err := Open(c)
		require.NoError(t, err)
		return db
	}

	db := open()
	tags, err := db.CreateTable("tags", codec.NewSchema("tags").String("name").Key("name").MustBuild())
	require.NoError(t, err)
	posts, err := db.CreateTable("posts", codec.NewSchema("posts").
		Int64("id").
		Ref("tag", "tags", codec.TypeString).
		Key("id").
		MustBuild())
	require.NoError(t, err)
	tx := begin(t, db)
	require.NoError(t, tags.Insert(tx, codec.Row{codec.String("")}))
	require.NoError(t, posts.Insert(tx, codec.Row{codec.Int64(1), codec.String("")}))
	require.NoError(t, tx.Commit())
	require.NoError(t, db.Close())

	db = open()
	defer db.Close()
	tx = begin(t, db)
	require.NoError(t, mustTable(t, db, "tags").Delete(tx, codec.String("")))
	assert.ErrorIs(t, tx.Commit(), ErrIntegrityViolation)
}
