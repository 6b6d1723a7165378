package connector

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

// Batch frame layout, shared by the file write-ahead log and remote batch
// objects:
//
//	[magic:4 "SKLD"][batch_len:8][checksum:8][payload]
//
// checksum is xxhash64 of the payload. The payload is
//
//	[op_count:4] ([op:1][name_len:2][name][offset:8][data_len:4][data])*
//
// All integers are little-endian.
const (
	FrameMagic      = "SKLD"
	FrameHeaderSize = 20

	// MaxFrameSize bounds a single batch so a corrupt length field cannot
	// trigger a huge allocation during recovery.
	MaxFrameSize = 1 << 30

	opHeaderSize = 1 + 2 + 8 + 4
)

// OpKind identifies a frame operation.
type OpKind uint8

const (
	OpAllocate OpKind = iota + 1
	OpWrite
	// OpCheckpoint records the committed size of a segment (in Offset) at a
	// checkpoint. A frame of checkpoint ops lists every segment in
	// allocation order.
	OpCheckpoint
)

func (k OpKind) String() string {
	switch k {
	case OpAllocate:
		return "allocate"
	case OpWrite:
		return "write"
	case OpCheckpoint:
		return "checkpoint"
	}
	return fmt.Sprintf("op(%d)", uint8(k))
}

// Op is one entry of a batch frame.
type Op struct {
	Kind    OpKind
	Segment string
	Offset  int64
	Data    []byte
}

// WriteOps converts a batch of writes to frame ops, dropping empty writes.
func WriteOps(writes []Write) []Op {
	ops := make([]Op, 0, len(writes))
	for _, w := range writes {
		if len(w.Data) == 0 {
			continue
		}
		ops = append(ops, Op{Kind: OpWrite, Segment: w.Segment.Name, Offset: w.Offset, Data: w.Data})
	}
	return ops
}

// EncodeFrame serializes ops into one frame.
func EncodeFrame(ops []Op) []byte {
	size := FrameHeaderSize + 4
	for _, op := range ops {
		size += opHeaderSize + len(op.Segment) + len(op.Data)
	}
	buf := make([]byte, FrameHeaderSize, size)
	copy(buf, FrameMagic)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ops)))
	for _, op := range ops {
		buf = append(buf, byte(op.Kind))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(op.Segment)))
		buf = append(buf, op.Segment...)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(op.Offset))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(op.Data)))
		buf = append(buf, op.Data...)
	}

	payload := buf[FrameHeaderSize:]
	binary.LittleEndian.PutUint64(buf[4:12], uint64(len(payload)))
	binary.LittleEndian.PutUint64(buf[12:20], xxhash.Sum64(payload))
	return buf
}

// DecodeFrame parses exactly one frame. The returned ops alias data.
func DecodeFrame(data []byte) ([]Op, error) {
	if len(data) < FrameHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than a header", ErrCorruptFrame, len(data))
	}
	n, sum, err := parseHeader(data[:FrameHeaderSize])
	if err != nil {
		return nil, err
	}
	if int64(len(data)-FrameHeaderSize) != n {
		return nil, fmt.Errorf("%w: payload is %d bytes, header says %d", ErrCorruptFrame, len(data)-FrameHeaderSize, n)
	}
	return decodePayload(data[FrameHeaderSize:], sum)
}

// ReadFrame reads the next frame from r and returns its ops and encoded
// size. A clean end of stream is io.EOF; a torn or corrupt frame is
// ErrCorruptFrame.
func ReadFrame(r io.Reader) ([]Op, int64, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, fmt.Errorf("%w: torn header", ErrCorruptFrame)
		}
		return nil, 0, err
	}
	n, sum, err := parseHeader(header[:])
	if err != nil {
		return nil, 0, err
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, fmt.Errorf("%w: torn payload", ErrCorruptFrame)
		}
		return nil, 0, err
	}
	ops, err := decodePayload(payload, sum)
	if err != nil {
		return nil, 0, err
	}
	return ops, FrameHeaderSize + n, nil
}

func parseHeader(h []byte) (int64, uint64, error) {
	if string(h[:4]) != FrameMagic {
		return 0, 0, fmt.Errorf("%w: bad magic %q", ErrCorruptFrame, h[:4])
	}
	n := binary.LittleEndian.Uint64(h[4:12])
	if n < 4 || n > MaxFrameSize {
		return 0, 0, fmt.Errorf("%w: batch length %d out of range", ErrCorruptFrame, n)
	}
	return int64(n), binary.LittleEndian.Uint64(h[12:20]), nil
}

func decodePayload(payload []byte, sum uint64) ([]Op, error) {
	if got := xxhash.Sum64(payload); got != sum {
		return nil, fmt.Errorf("%w: checksum %016x, header says %016x", ErrCorruptFrame, got, sum)
	}

	count := binary.LittleEndian.Uint32(payload[:4])
	pos := 4
	ops := make([]Op, 0, min(int(count), len(payload)/opHeaderSize))
	for i := uint32(0); i < count; i++ {
		if len(payload)-pos < opHeaderSize {
			return nil, fmt.Errorf("%w: op %d truncated", ErrCorruptFrame, i)
		}
		kind := OpKind(payload[pos])
		if kind < OpAllocate || kind > OpCheckpoint {
			return nil, fmt.Errorf("%w: op %d has unknown kind %d", ErrCorruptFrame, i, kind)
		}
		nameLen := int(binary.LittleEndian.Uint16(payload[pos+1:]))
		pos += 3
		if len(payload)-pos < nameLen+12 {
			return nil, fmt.Errorf("%w: op %d truncated", ErrCorruptFrame, i)
		}
		name := string(payload[pos : pos+nameLen])
		pos += nameLen
		offset := int64(binary.LittleEndian.Uint64(payload[pos:]))
		dataLen := int(binary.LittleEndian.Uint32(payload[pos+8:]))
		pos += 12
		if len(payload)-pos < dataLen {
			return nil, fmt.Errorf("%w: op %d data truncated", ErrCorruptFrame, i)
		}
		ops = append(ops, Op{Kind: kind, Segment: name, Offset: offset, Data: payload[pos : pos+dataLen]})
		pos += dataLen
	}
	if pos != len(payload) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptFrame, len(payload)-pos)
	}
	return ops, nil
}
