package codec

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func peopleSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := NewSchema("people").
		Int64("id").
		String("name").
		Int64("age").
		Key("id").
		Build()
	require.NoError(t, err)
	return s
}

func everyTypeSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := NewSchema("every").
		Int8("i8").Int16("i16").Int32("i32").Int64("i64").
		Uint8("u8").Uint16("u16").Uint32("u32").Uint64("u64").
		Float32("f32").Float64("f64").
		Bool("flag").
		String("text").
		Bytes("blob").
		Ref("owner", "people", TypeInt64).
		Key("i64").
		Build()
	require.NoError(t, err)
	return s
}

func TestRow_RoundTrip(t *testing.T) {
	s := everyTypeSchema(t)

	testCases := []struct {
		name string
		row  Row
	}{
		{
			name: "typical values",
			row: Row{
				Int8(-8), Int16(-1600), Int32(-320000), Int64(42),
				Uint8(8), Uint16(1600), Uint32(320000), Uint64(1 << 40),
				Float32(1.5), Float64(math.Pi),
				Bool(true),
				String("John Smith"),
				Bytes([]byte{0xde, 0xad, 0xbe, 0xef}),
				Int64(7),
			},
		},
		{
			name: "extremes",
			row: Row{
				Int8(math.MinInt8), Int16(math.MaxInt16), Int32(math.MinInt32), Int64(math.MaxInt64),
				Uint8(math.MaxUint8), Uint16(math.MaxUint16), Uint32(math.MaxUint32), Uint64(math.MaxUint64),
				Float32(-math.MaxFloat32), Float64(math.SmallestNonzeroFloat64),
				Bool(false),
				String(""),
				Bytes(nil),
				Null(),
			},
		},
		{
			name: "unicode",
			row: Row{
				Int8(0), Int16(0), Int32(0), Int64(-1),
				Uint8(0), Uint16(0), Uint32(0), Uint64(0),
				Float32(0), Float64(0),
				Bool(true),
				String("🎯 émojis and ünïcode"),
				Bytes([]byte("🔑")),
				Int64(-99),
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := s.EncodeRow(tc.row)
			require.NoError(t, err)
			assert.Len(t, encoded, s.EncodedSize(tc.row))

			decoded, err := s.DecodeRow(encoded)
			require.NoError(t, err)
			assert.True(t, tc.row.Equal(decoded), "decoded %v, want %v", decoded, tc.row)
			assert.Equal(t, tc.row, decoded)
		})
	}
}

func TestRow_RoundTripNaN(t *testing.T) {
	s := everyTypeSchema(t)
	row := Row{
		Int8(0), Int16(0), Int32(0), Int64(1),
		Uint8(0), Uint16(0), Uint32(0), Uint64(0),
		Float32(float32(math.NaN())), Float64(math.NaN()),
		Bool(false),
		String("nan"),
		Bytes(nil),
		Null(),
	}
	require.NoError(t, s.Check(row))

	encoded, err := s.EncodeRow(row)
	require.NoError(t, err)
	decoded, err := s.DecodeRow(encoded)
	require.NoError(t, err)
	assert.True(t, row.Equal(decoded), "decoded %v", decoded)
	assert.True(t, math.IsNaN(decoded[9].Float()))

	assert.False(t, Float64(0).Equal(Float64(math.Copysign(0, -1))))
	assert.False(t, Float64(math.NaN()).Equal(Float32(float32(math.NaN()))))
}

func TestRow_EncodeIsDeterministic(t *testing.T) {
	s := peopleSchema(t)
	row := Row{Int64(1), String("John Smith"), Int64(44)}

	a, err := s.EncodeRow(row)
	require.NoError(t, err)
	b, err := s.EncodeRow(row.Clone())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRow_Layout(t *testing.T) {
	s := peopleSchema(t)
	encoded, err := s.EncodeRow(Row{Int64(1), String("Al"), Int64(3)})
	require.NoError(t, err)

	want := []byte{
		3, 0, // field count
		byte(TypeInt64), 1, 0, 0, 0, 0, 0, 0, 0,
		byte(TypeString), 2, 0, 0, 0, 'A', 'l',
		byte(TypeInt64), 3, 0, 0, 0, 0, 0, 0, 0,
	}
	assert.Equal(t, want, encoded)
}

func TestRow_EncodeRejectsIllFormedRows(t *testing.T) {
	s := peopleSchema(t)

	testCases := []struct {
		name string
		row  Row
	}{
		{"too few fields", Row{Int64(1), String("x")}},
		{"too many fields", Row{Int64(1), String("x"), Int64(2), Int64(3)}},
		{"wrong type", Row{Int64(1), Int64(2), Int64(3)}},
		{"null scalar", Row{Int64(1), Null(), Int64(3)}},
		{"narrower int", Row{Int32(1), String("x"), Int64(3)}},
		{"invalid utf8", Row{Int64(1), String("\xff\xfe"), Int64(3)}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.EncodeRow(tc.row)
			assert.ErrorIs(t, err, ErrMalformedRecord)
		})
	}
}

func TestRow_DecodeErrors(t *testing.T) {
	s := peopleSchema(t)
	good, err := s.EncodeRow(Row{Int64(1), String("John"), Int64(44)})
	require.NoError(t, err)

	mutate := func(f func(b []byte) []byte) []byte {
		cp := append([]byte(nil), good...)
		return f(cp)
	}

	testCases := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrMalformedRecord},
		{"truncated", good[:len(good)-3], ErrMalformedRecord},
		{"trailing bytes", append(append([]byte(nil), good...), 0x00), ErrMalformedRecord},
		{"unknown tag", mutate(func(b []byte) []byte { b[2] = 0x7f; return b }), ErrMalformedRecord},
		{"string length overflow", mutate(func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[12:16], 1000)
			return b
		}), ErrMalformedRecord},
		{"field count differs", mutate(func(b []byte) []byte { b[0] = 4; return b }), ErrSchemaMismatch},
		{"tag order differs", mutate(func(b []byte) []byte { b[2] = byte(TypeInt32); return b }), ErrSchemaMismatch},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.DecodeRow(tc.data)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestRow_DecodeWithReorderedSchema(t *testing.T) {
	original := peopleSchema(t)
	reordered, err := NewSchema("people").
		String("name").
		Int64("id").
		Int64("age").
		Key("id").
		Build()
	require.NoError(t, err)

	encoded, err := original.EncodeRow(Row{Int64(1), String("John"), Int64(44)})
	require.NoError(t, err)

	_, err = reordered.DecodeRow(encoded)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestRow_RefErrors(t *testing.T) {
	s := everyTypeSchema(t)
	row := Row{
		Int8(0), Int16(0), Int32(0), Int64(1),
		Uint8(0), Uint16(0), Uint32(0), Uint64(0),
		Float32(0), Float64(0),
		Bool(false), String(""), Bytes(nil),
		String("not an int key"),
	}
	_, err := s.EncodeRow(row)
	assert.ErrorIs(t, err, ErrMalformedRecord)

	row[13] = Int64(5)
	encoded, err := s.EncodeRow(row)
	require.NoError(t, err)

	// The reference is the last field: [TypeRef][present][inner tag][8 bytes].
	markerAt := len(encoded) - 10
	require.Equal(t, byte(refPresent), encoded[markerAt])

	bad := append([]byte(nil), encoded...)
	bad[markerAt] = 0x05
	_, err = s.DecodeRow(bad)
	assert.ErrorIs(t, err, ErrMalformedRecord)

	bad = append([]byte(nil), encoded...)
	bad[markerAt+1] = byte(TypeUint64)
	_, err = s.DecodeRow(bad)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestRow_BadBool(t *testing.T) {
	s, err := NewSchema("flags").Int32("id").Bool("on").Key("id").Build()
	require.NoError(t, err)

	encoded, err := s.EncodeRow(Row{Int32(1), Bool(true)})
	require.NoError(t, err)
	encoded[len(encoded)-1] = 2

	_, err = s.DecodeRow(encoded)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

type person struct {
	ID   int64
	Name string
	Age  int64
}

func personCodec(s *Schema) Codec[person] {
	return Bind(s,
		func(p person) Row { return Row{Int64(p.ID), String(p.Name), Int64(p.Age)} },
		func(r Row) (person, error) {
			return person{ID: r[0].Int(), Name: r[1].Str(), Age: r[2].Int()}, nil
		},
	)
}

func TestBind_RoundTrip(t *testing.T) {
	c := personCodec(peopleSchema(t))

	p := person{ID: 1, Name: "John Smith", Age: 44}
	encoded, err := c.Encode(p)
	require.NoError(t, err)

	decoded, err := c.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
	assert.Equal(t, "people", c.Schema().Name())
}

func TestRows_IdentityCodec(t *testing.T) {
	s := peopleSchema(t)
	c := Rows(s)

	row := Row{Int64(2), String("Mary Shell"), Int64(36)}
	encoded, err := c.Encode(row)
	require.NoError(t, err)

	decoded, err := c.Decode(encoded)
	require.NoError(t, err)
	assert.True(t, row.Equal(decoded))
}
