package codec

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"
)

// EntryHeaderSize is the fixed size of an encoded entry header:
// CRC32(4) + Kind(1) + KeySize(4) + ValueSize(4) + Timestamp(8).
const EntryHeaderSize = 21

// EntryKind distinguishes live rows from deletion markers.
type EntryKind uint8

const (
	EntryInsert    EntryKind = 1
	EntryTombstone EntryKind = 2
)

func (k EntryKind) String() string {
	switch k {
	case EntryInsert:
		return "insert"
	case EntryTombstone:
		return "tombstone"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Entry is one element of a table segment: an encoded row or a tombstone,
// addressed by its canonical primary key bytes.
type Entry struct {
	CRC32     uint32    // CRC32 checksum for integrity
	Kind      EntryKind // Insert or Tombstone
	KeySize   uint32    // Size of the key in bytes
	ValueSize uint32    // Size of the value in bytes
	Timestamp uint64    // Commit time in Unix nanoseconds
	Key       []byte    // Canonical key bytes
	Value     []byte    // Encoded row, empty for tombstones
}

// EntryCodec handles serialization and deserialization of entries
type EntryCodec struct{}

// NewEntryCodec creates a new entry codec instance
func NewEntryCodec() *EntryCodec {
	return &EntryCodec{}
}

// Encode serializes an entry.
// Format: [CRC32(4)][Kind(1)][KeySize(4)][ValueSize(4)][Timestamp(8)][Key][Value]
func (c *EntryCodec) Encode(e *Entry) []byte {
	return c.Append(make([]byte, 0, e.Size()), e)
}

// Append serializes an entry onto dst, filling in its CRC32.
func (c *EntryCodec) Append(dst []byte, e *Entry) []byte {
	e.KeySize = uint32(len(e.Key))
	e.ValueSize = uint32(len(e.Value))
	e.CRC32 = e.calculateCRC32()

	dst = binary.LittleEndian.AppendUint32(dst, e.CRC32)
	dst = append(dst, byte(e.Kind))
	dst = binary.LittleEndian.AppendUint32(dst, e.KeySize)
	dst = binary.LittleEndian.AppendUint32(dst, e.ValueSize)
	dst = binary.LittleEndian.AppendUint64(dst, e.Timestamp)
	dst = append(dst, e.Key...)
	return append(dst, e.Value...)
}

// Decode deserializes a binary entry. The returned entry aliases data; call
// Validate to check its checksum.
func (c *EntryCodec) Decode(data []byte) (*Entry, error) {
	if len(data) < EntryHeaderSize {
		return nil, fmt.Errorf("%w: data too short for entry header", ErrMalformedRecord)
	}

	e := &Entry{}
	e.CRC32 = binary.LittleEndian.Uint32(data[0:4])
	e.Kind = EntryKind(data[4])
	e.KeySize = binary.LittleEndian.Uint32(data[5:9])
	e.ValueSize = binary.LittleEndian.Uint32(data[9:13])
	e.Timestamp = binary.LittleEndian.Uint64(data[13:21])

	if e.Kind != EntryInsert && e.Kind != EntryTombstone {
		return nil, fmt.Errorf("%w: unknown entry kind %d", ErrMalformedRecord, data[4])
	}
	total := uint64(EntryHeaderSize) + uint64(e.KeySize) + uint64(e.ValueSize)
	if uint64(len(data)) < total {
		return nil, fmt.Errorf("%w: data too short for key/value sizes: %d < %d", ErrMalformedRecord, len(data), total)
	}

	keyEnd := EntryHeaderSize + int(e.KeySize)
	e.Key = data[EntryHeaderSize:keyEnd]
	e.Value = data[keyEnd : keyEnd+int(e.ValueSize)]

	return e, nil
}

// EntrySize reads the total encoded size of an entry from its header.
func EntrySize(header []byte) (int64, error) {
	if len(header) < EntryHeaderSize {
		return 0, fmt.Errorf("%w: data too short for entry header", ErrMalformedRecord)
	}
	keySize := binary.LittleEndian.Uint32(header[5:9])
	valueSize := binary.LittleEndian.Uint32(header[9:13])
	return int64(EntryHeaderSize) + int64(keySize) + int64(valueSize), nil
}

// Validate checks the integrity of an entry using CRC32
func (e *Entry) Validate() error {
	if sum := e.calculateCRC32(); e.CRC32 != sum {
		return fmt.Errorf("%w: CRC32 mismatch: %d != %d", ErrMalformedRecord, e.CRC32, sum)
	}
	return nil
}

// Size returns the total size of the entry when encoded
func (e *Entry) Size() int {
	return EntryHeaderSize + len(e.Key) + len(e.Value)
}

// NewEntry creates an entry stamped with the current time.
func NewEntry(kind EntryKind, key, value []byte) *Entry {
	return &Entry{
		Kind:      kind,
		KeySize:   uint32(len(key)),
		ValueSize: uint32(len(value)),
		Timestamp: uint64(time.Now().UnixNano()),
		Key:       key,
		Value:     value,
	}
}

// calculateCRC32 computes the checksum over everything but the CRC field.
func (e *Entry) calculateCRC32() uint32 {
	var hdr [EntryHeaderSize - 4]byte
	hdr[0] = byte(e.Kind)
	binary.LittleEndian.PutUint32(hdr[1:5], e.KeySize)
	binary.LittleEndian.PutUint32(hdr[5:9], e.ValueSize)
	binary.LittleEndian.PutUint64(hdr[9:17], e.Timestamp)

	crc := crc32.NewIEEE()
	_, _ = crc.Write(hdr[:])
	_, _ = crc.Write(e.Key)
	_, _ = crc.Write(e.Value)
	return crc.Sum32()
}
