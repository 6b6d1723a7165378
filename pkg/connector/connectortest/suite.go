// Package connectortest holds the behavioural test suite every connector
// backend runs, plus a fault-injecting wrapper for engine tests.
package connectortest

import (
	"bytes"
	"testing"

	"github.com/ssargent/skalddb/pkg/connector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory opens a fresh, empty connector for one subtest.
type Factory func(t *testing.T) connector.Connector

// Reopener opens a connector over persistent state. Calling it twice with
// the same dir must see the same data.
type Reopener func(t *testing.T, dir string) connector.Connector

// Run exercises the Connector contract.
func Run(t *testing.T, open Factory) {
	t.Run("AllocateSegment", func(t *testing.T) {
		c := open(t)
		defer c.Close()

		a, err := c.AllocateSegment("alpha")
		require.NoError(t, err)
		assert.Equal(t, "alpha", a.Name)

		_, err = c.AllocateSegment("alpha")
		assert.ErrorIs(t, err, connector.ErrSegmentExists)

		b, err := c.AllocateSegment("beta")
		require.NoError(t, err)

		got, err := c.Segment("beta")
		require.NoError(t, err)
		assert.Equal(t, b, got)

		_, err = c.Segment("gamma")
		assert.ErrorIs(t, err, connector.ErrSegmentNotFound)

		assert.Equal(t, []connector.Segment{a, b}, c.Segments())

		size, err := c.Size(a)
		require.NoError(t, err)
		assert.Zero(t, size)
	})

	t.Run("InvalidNames", func(t *testing.T) {
		c := open(t)
		defer c.Close()

		for _, name := range []string{"", "..", "a/b", `a\b`, string(bytes.Repeat([]byte("x"), 300))} {
			_, err := c.AllocateSegment(name)
			assert.ErrorIs(t, err, connector.ErrInvalidSegmentName, "name %q", name)
		}
	})

	t.Run("WriteAndRead", func(t *testing.T) {
		c := open(t)
		defer c.Close()

		seg, err := c.AllocateSegment("data")
		require.NoError(t, err)

		require.NoError(t, c.WriteBatch([]connector.Write{
			{Segment: seg, Offset: 0, Data: []byte("hello ")},
			{Segment: seg, Offset: 6, Data: []byte("world")},
		}))
		require.NoError(t, c.WriteBatch([]connector.Write{
			{Segment: seg, Offset: 11, Data: []byte("!")},
		}))

		size, err := c.Size(seg)
		require.NoError(t, err)
		assert.Equal(t, int64(12), size)

		data, err := c.Read(seg, 0, 12)
		require.NoError(t, err)
		assert.Equal(t, "hello world!", string(data))

		data, err = c.Read(seg, 3, 5)
		require.NoError(t, err)
		assert.Equal(t, "lo wo", string(data))

		data, err = c.Read(seg, 12, 0)
		require.NoError(t, err)
		assert.Empty(t, data)

		_, err = c.Read(seg, 10, 3)
		assert.ErrorIs(t, err, connector.ErrOutOfRange)
		_, err = c.Read(seg, -1, 1)
		assert.ErrorIs(t, err, connector.ErrOutOfRange)
	})

	t.Run("ReadReturnsCopy", func(t *testing.T) {
		c := open(t)
		defer c.Close()

		seg, err := c.AllocateSegment("data")
		require.NoError(t, err)
		require.NoError(t, c.WriteBatch([]connector.Write{{Segment: seg, Data: []byte("abc")}}))

		data, err := c.Read(seg, 0, 3)
		require.NoError(t, err)
		data[0] = 'X'

		again, err := c.Read(seg, 0, 3)
		require.NoError(t, err)
		assert.Equal(t, "abc", string(again))
	})

	t.Run("BatchIsAllOrNothing", func(t *testing.T) {
		c := open(t)
		defer c.Close()

		a, err := c.AllocateSegment("a")
		require.NoError(t, err)
		b, err := c.AllocateSegment("b")
		require.NoError(t, err)
		require.NoError(t, c.WriteBatch([]connector.Write{{Segment: a, Data: []byte("base")}}))

		testCases := []struct {
			name   string
			writes []connector.Write
			want   error
		}{
			{
				name: "gap in second segment",
				writes: []connector.Write{
					{Segment: a, Offset: 4, Data: []byte("more")},
					{Segment: b, Offset: 1, Data: []byte("x")},
				},
				want: connector.ErrOutOfRange,
			},
			{
				name: "overwrite",
				writes: []connector.Write{
					{Segment: b, Offset: 0, Data: []byte("ok")},
					{Segment: a, Offset: 0, Data: []byte("BASE")},
				},
				want: connector.ErrOutOfRange,
			},
			{
				name: "unknown segment",
				writes: []connector.Write{
					{Segment: a, Offset: 4, Data: []byte("more")},
					{Segment: connector.Segment{Name: "ghost"}, Offset: 0, Data: []byte("x")},
				},
				want: connector.ErrSegmentNotFound,
			},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				err := c.WriteBatch(tc.writes)
				assert.ErrorIs(t, err, tc.want)

				AssertContent(t, c, a, "base")
				AssertContent(t, c, b, "")
			})
		}
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		c := open(t)
		defer c.Close()

		seg, err := c.AllocateSegment("a")
		require.NoError(t, err)
		require.NoError(t, c.WriteBatch(nil))
		require.NoError(t, c.WriteBatch([]connector.Write{{Segment: seg, Offset: 0}}))
		AssertContent(t, c, seg, "")
	})

	t.Run("Close", func(t *testing.T) {
		c := open(t)
		seg, err := c.AllocateSegment("a")
		require.NoError(t, err)
		require.NoError(t, c.WriteBatch([]connector.Write{{Segment: seg, Data: []byte("x")}}))
		require.NoError(t, c.Flush())
		require.NoError(t, c.Close())

		_, err = c.AllocateSegment("b")
		assert.ErrorIs(t, err, connector.ErrConnectorClosed)
		_, err = c.Read(seg, 0, 1)
		assert.ErrorIs(t, err, connector.ErrConnectorClosed)
		_, err = c.Size(seg)
		assert.ErrorIs(t, err, connector.ErrConnectorClosed)
		err = c.WriteBatch([]connector.Write{{Segment: seg, Offset: 1, Data: []byte("y")}})
		assert.ErrorIs(t, err, connector.ErrConnectorClosed)
		assert.ErrorIs(t, c.Flush(), connector.ErrConnectorClosed)
		assert.ErrorIs(t, c.Close(), connector.ErrConnectorClosed)
	})
}

// RunDurable checks that committed batches survive a close and reopen.
func RunDurable(t *testing.T, open Reopener) {
	t.Run("Reopen", func(t *testing.T) {
		dir := t.TempDir()

		c := open(t, dir)
		a, err := c.AllocateSegment("a")
		require.NoError(t, err)
		b, err := c.AllocateSegment("b")
		require.NoError(t, err)
		require.NoError(t, c.WriteBatch([]connector.Write{
			{Segment: a, Offset: 0, Data: []byte("first")},
			{Segment: b, Offset: 0, Data: []byte("second")},
		}))
		require.NoError(t, c.WriteBatch([]connector.Write{
			{Segment: a, Offset: 5, Data: []byte(" batch")},
		}))
		require.NoError(t, c.Close())

		c = open(t, dir)
		defer c.Close()

		segs := c.Segments()
		require.Len(t, segs, 2)
		assert.Equal(t, "a", segs[0].Name)
		assert.Equal(t, "b", segs[1].Name)

		AssertContent(t, c, segs[0], "first batch")
		AssertContent(t, c, segs[1], "second")

		_, err = c.AllocateSegment("a")
		assert.ErrorIs(t, err, connector.ErrSegmentExists)

		require.NoError(t, c.WriteBatch([]connector.Write{
			{Segment: segs[1], Offset: 6, Data: []byte("!")},
		}))
		AssertContent(t, c, segs[1], "second!")
	})

	t.Run("RejectedBatchLeavesNoTrace", func(t *testing.T) {
		dir := t.TempDir()

		c := open(t, dir)
		a, err := c.AllocateSegment("a")
		require.NoError(t, err)
		require.NoError(t, c.WriteBatch([]connector.Write{{Segment: a, Data: []byte("kept")}}))
		err = c.WriteBatch([]connector.Write{
			{Segment: a, Offset: 4, Data: []byte("lost")},
			{Segment: a, Offset: 99, Data: []byte("bad")},
		})
		require.ErrorIs(t, err, connector.ErrOutOfRange)
		require.NoError(t, c.Close())

		c = open(t, dir)
		defer c.Close()
		seg, err := c.Segment("a")
		require.NoError(t, err)
		AssertContent(t, c, seg, "kept")
	})
}

// AssertContent checks the full committed content of a segment.
func AssertContent(t *testing.T, c connector.Connector, seg connector.Segment, want string) {
	t.Helper()
	size, err := c.Size(seg)
	require.NoError(t, err)
	require.Equal(t, int64(len(want)), size, "size of %s", seg.Name)
	data, err := c.Read(seg, 0, size)
	require.NoError(t, err)
	assert.Equal(t, want, string(data), "content of %s", seg.Name)
}
