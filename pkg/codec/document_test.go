package codec

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestDocument_RoundTrip(t *testing.T) {
	s := everyTypeSchema(t)
	row := Row{
		Int8(-8), Int16(-1600), Int32(-320000), Int64(42),
		Uint8(8), Uint16(1600), Uint32(math.MaxUint32), Uint64(1 << 40),
		Float32(1.5), Float64(math.Pi),
		Bool(true),
		String("John Smith"),
		Bytes([]byte{0xde, 0xad}),
		Null(),
	}

	doc, err := MarshalDocument(s, row)
	require.NoError(t, err)

	back, err := UnmarshalDocument(s, doc)
	require.NoError(t, err)
	assert.True(t, row.Equal(back), "got %v want %v", back, row)
}

func TestDocument_IsSelfDescribing(t *testing.T) {
	s := peopleSchema(t)
	doc, err := MarshalDocument(s, Row{Int64(1), String("John Smith"), Int64(44)})
	require.NoError(t, err)

	var m bson.M
	require.NoError(t, bson.Unmarshal(doc, &m))
	assert.Equal(t, int64(1), m["id"])
	assert.Equal(t, "John Smith", m["name"])
	assert.Equal(t, int64(44), m["age"])
}

func TestDocument_MatchesFieldsByName(t *testing.T) {
	s := peopleSchema(t)

	// A peer with its fields in another order and an extra field.
	doc, err := bson.Marshal(bson.D{
		{Key: "age", Value: int32(36)},
		{Key: "nickname", Value: "M"},
		{Key: "name", Value: "Mary Shell"},
		{Key: "id", Value: int64(2)},
	})
	require.NoError(t, err)

	row, err := UnmarshalDocument(s, doc)
	require.NoError(t, err)
	assert.True(t, row.Equal(Row{Int64(2), String("Mary Shell"), Int64(36)}))
}

func TestDocument_Errors(t *testing.T) {
	s := peopleSchema(t)

	testCases := []struct {
		name string
		doc  bson.D
		want error
	}{
		{"missing field", bson.D{{Key: "id", Value: int64(1)}, {Key: "name", Value: "x"}}, ErrSchemaMismatch},
		{"wrong bson type", bson.D{{Key: "id", Value: "one"}, {Key: "name", Value: "x"}, {Key: "age", Value: int64(1)}}, ErrSchemaMismatch},
		{"string as number", bson.D{{Key: "id", Value: int64(1)}, {Key: "name", Value: int32(5)}, {Key: "age", Value: int64(1)}}, ErrSchemaMismatch},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := bson.Marshal(tc.doc)
			require.NoError(t, err)
			_, err = UnmarshalDocument(s, data)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	_, err := UnmarshalDocument(s, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestDocument_Overflow(t *testing.T) {
	s, err := NewSchema("small").Int8("id").Uint16("n").Key("id").Build()
	require.NoError(t, err)

	data, err := bson.Marshal(bson.D{{Key: "id", Value: int32(300)}, {Key: "n", Value: int32(1)}})
	require.NoError(t, err)
	_, err = UnmarshalDocument(s, data)
	assert.ErrorIs(t, err, ErrMalformedRecord)

	data, err = bson.Marshal(bson.D{{Key: "id", Value: int32(1)}, {Key: "n", Value: int32(-1)}})
	require.NoError(t, err)
	_, err = UnmarshalDocument(s, data)
	assert.ErrorIs(t, err, ErrMalformedRecord)

	big, err := NewSchema("big").Uint64("id").Key("id").Build()
	require.NoError(t, err)
	_, err = MarshalDocument(big, Row{Uint64(math.MaxUint64)})
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestDocumentStream(t *testing.T) {
	s := peopleSchema(t)
	rows := []Row{
		{Int64(1), String("John Smith"), Int64(44)},
		{Int64(2), String("Mary Shell"), Int64(36)},
		{Int64(3), String(""), Int64(0)},
	}

	var buf bytes.Buffer
	w := NewDocumentWriter(&buf, s)
	for _, r := range rows {
		require.NoError(t, w.Write(r))
	}

	r := NewDocumentReader(bytes.NewReader(buf.Bytes()), s)
	var got []Row
	for {
		row, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, row)
	}
	require.Len(t, got, len(rows))
	for i := range rows {
		assert.True(t, rows[i].Equal(got[i]))
	}

	truncated := NewDocumentReader(bytes.NewReader(buf.Bytes()[:buf.Len()-2]), s)
	for i := 0; i < len(rows)-1; i++ {
		_, err := truncated.Next()
		require.NoError(t, err)
	}
	_, err := truncated.Next()
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestDocumentWriter_RejectsIllFormedRow(t *testing.T) {
	var buf bytes.Buffer
	w := NewDocumentWriter(&buf, peopleSchema(t))
	err := w.Write(Row{Int64(1)})
	assert.ErrorIs(t, err, ErrMalformedRecord)
	assert.Zero(t, buf.Len())
}
