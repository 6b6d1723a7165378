package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/ssargent/skalddb/pkg/connector"
	"github.com/ssargent/skalddb/pkg/connector/connectortest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T, dir string) connector.Connector {
	c, err := Open(filepath.Join(dir, "skald.db"))
	require.NoError(t, err)
	return c
}

func TestConnector(t *testing.T) {
	connectortest.Run(t, func(t *testing.T) connector.Connector {
		return open(t, t.TempDir())
	})
	connectortest.RunDurable(t, open)
}

func TestConnector_ChunkRows(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "skald.db"))
	require.NoError(t, err)
	defer c.Close()

	seg, err := c.AllocateSegment("a")
	require.NoError(t, err)
	require.NoError(t, c.WriteBatch([]connector.Write{
		{Segment: seg, Offset: 0, Data: []byte("abc")},
		{Segment: seg, Offset: 3, Data: []byte("def")},
	}))

	var chunks int
	require.NoError(t, c.db.QueryRow(`SELECT COUNT(*) FROM chunks WHERE segment = ?`, "a").Scan(&chunks))
	assert.Equal(t, 2, chunks)

	var size int64
	require.NoError(t, c.db.QueryRow(`SELECT size FROM segments WHERE name = ?`, "a").Scan(&size))
	assert.Equal(t, int64(6), size)

	got, err := c.Read(seg, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, "cd", string(got))
}

func TestConnector_FailedTransactionLeavesState(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "skald.db"))
	require.NoError(t, err)
	defer c.Close()

	seg, err := c.AllocateSegment("a")
	require.NoError(t, err)
	require.NoError(t, c.WriteBatch([]connector.Write{{Segment: seg, Data: []byte("abc")}}))

	// A chunk row already sitting at the next offset makes the insert of
	// the batch's second chunk violate the primary key.
	_, err = c.db.Exec(`INSERT INTO chunks (segment, pos, data) VALUES ('a', 5, x'00')`)
	require.NoError(t, err)

	err = c.WriteBatch([]connector.Write{
		{Segment: seg, Offset: 3, Data: []byte("de")},
		{Segment: seg, Offset: 5, Data: []byte("f")},
	})
	require.ErrorIs(t, err, connector.ErrIOFailure)

	connectortest.AssertContent(t, c, seg, "abc")

	var chunks int
	require.NoError(t, c.db.QueryRow(`SELECT COUNT(*) FROM chunks WHERE segment = 'a' AND pos = 3`).Scan(&chunks))
	assert.Zero(t, chunks)
}
