package connector

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleOps() []Op {
	return []Op{
		{Kind: OpAllocate, Segment: "t.people"},
		{Kind: OpWrite, Segment: "t.people", Offset: 0, Data: []byte("row one")},
		{Kind: OpWrite, Segment: "_catalog", Offset: 128, Data: bytes.Repeat([]byte{0xAB}, 4096)},
		{Kind: OpCheckpoint, Segment: "t.people", Offset: 7},
	}
}

func TestFrame_RoundTrip(t *testing.T) {
	ops := sampleOps()
	frame := EncodeFrame(ops)

	assert.Equal(t, FrameMagic, string(frame[:4]))
	assert.Equal(t, uint64(len(frame)-FrameHeaderSize), binary.LittleEndian.Uint64(frame[4:12]))

	decoded, err := DecodeFrame(frame)
	require.NoError(t, err)
	require.Len(t, decoded, len(ops))
	for i := range ops {
		assert.Equal(t, ops[i].Kind, decoded[i].Kind)
		assert.Equal(t, ops[i].Segment, decoded[i].Segment)
		assert.Equal(t, ops[i].Offset, decoded[i].Offset)
		assert.True(t, bytes.Equal(ops[i].Data, decoded[i].Data))
	}
}

func TestFrame_Empty(t *testing.T) {
	frame := EncodeFrame(nil)
	assert.Len(t, frame, FrameHeaderSize+4)

	ops, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestFrame_Corruption(t *testing.T) {
	frame := EncodeFrame(sampleOps())

	testCases := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"bad magic", func(b []byte) []byte { b[0] = 'X'; return b }},
		{"length too large", func(b []byte) []byte {
			binary.LittleEndian.PutUint64(b[4:12], MaxFrameSize+1)
			return b
		}},
		{"length mismatch", func(b []byte) []byte {
			binary.LittleEndian.PutUint64(b[4:12], uint64(len(b)-FrameHeaderSize-1))
			return b
		}},
		{"checksum", func(b []byte) []byte { b[12] ^= 0xFF; return b }},
		{"payload bit flip", func(b []byte) []byte { b[len(b)-1] ^= 0x01; return b }},
		{"truncated", func(b []byte) []byte { return b[:len(b)-10] }},
		{"short header", func(b []byte) []byte { return b[:10] }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data := tc.mutate(append([]byte(nil), frame...))
			_, err := DecodeFrame(data)
			assert.ErrorIs(t, err, ErrCorruptFrame)
		})
	}
}

func TestReadFrame_Stream(t *testing.T) {
	first := EncodeFrame(sampleOps()[:2])
	second := EncodeFrame(sampleOps()[2:])

	var log bytes.Buffer
	log.Write(first)
	log.Write(second)

	r := bytes.NewReader(log.Bytes())
	ops, n, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Len(t, ops, 2)
	assert.Equal(t, int64(len(first)), n)

	ops, n, err = ReadFrame(r)
	require.NoError(t, err)
	assert.Len(t, ops, 2)
	assert.Equal(t, int64(len(second)), n)

	_, _, err = ReadFrame(r)
	assert.True(t, errors.Is(err, io.EOF))
}

func TestReadFrame_Torn(t *testing.T) {
	frame := EncodeFrame(sampleOps())

	for _, cut := range []int{3, FrameHeaderSize, FrameHeaderSize + 5, len(frame) - 1} {
		_, _, err := ReadFrame(bytes.NewReader(frame[:cut]))
		assert.ErrorIs(t, err, ErrCorruptFrame, "cut at %d", cut)
	}
}

func TestWriteOps_DropsEmptyWrites(t *testing.T) {
	seg := Segment{Name: "a"}
	ops := WriteOps([]Write{
		{Segment: seg, Offset: 0, Data: []byte("x")},
		{Segment: seg, Offset: 1},
		{Segment: seg, Offset: 1, Data: []byte("y")},
	})
	require.Len(t, ops, 2)
	assert.Equal(t, int64(1), ops[1].Offset)
	assert.Equal(t, OpWrite, ops[0].Kind)
}

func TestPlanBatch(t *testing.T) {
	sizes := map[string]int64{"a": 10, "b": 0}
	lookup := func(name string) (int64, bool) {
		n, ok := sizes[name]
		return n, ok
	}
	a, b := Segment{Name: "a"}, Segment{Name: "b", ID: 1}

	next, err := PlanBatch([]Write{
		{Segment: a, Offset: 10, Data: []byte("12345")},
		{Segment: b, Offset: 0, Data: []byte("xy")},
		{Segment: a, Offset: 15, Data: []byte("6")},
	}, lookup)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a": 16, "b": 2}, next)

	_, err = PlanBatch([]Write{{Segment: a, Offset: 11, Data: []byte("x")}}, lookup)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = PlanBatch([]Write{{Segment: Segment{Name: "c"}, Data: []byte("x")}}, lookup)
	assert.ErrorIs(t, err, ErrSegmentNotFound)
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("t.people"))
	assert.NoError(t, ValidateName("_catalog"))
	assert.ErrorIs(t, ValidateName(""), ErrInvalidSegmentName)
	assert.ErrorIs(t, ValidateName("../etc"), ErrInvalidSegmentName)
	assert.ErrorIs(t, ValidateName("a\x00b"), ErrInvalidSegmentName)
}
