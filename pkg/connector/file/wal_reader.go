package file

import (
	"bufio"
	"os"

	"github.com/ssargent/skalddb/pkg/connector"
)

// walReader provides sequential access to the frames of a log file
type walReader struct {
	file   *os.File
	reader *bufio.Reader
	offset int64
}

func openWALReader(path string) (*walReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &walReader{file: file, reader: bufio.NewReader(file)}, nil
}

// Next reads the next frame. It returns io.EOF at a clean end of the log
// and an error wrapping connector.ErrCorruptFrame at a torn or damaged one.
func (r *walReader) Next() ([]connector.Op, error) {
	ops, n, err := connector.ReadFrame(r.reader)
	if err != nil {
		return nil, err
	}
	r.offset += n
	return ops, nil
}

// Offset returns the end of the last frame read successfully
func (r *walReader) Offset() int64 {
	return r.offset
}

func (r *walReader) Close() error {
	return r.file.Close()
}
