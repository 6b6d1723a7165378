package file

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// walConfig holds configuration for the write-ahead log writer
type walConfig struct {
	FilePath      string        // Path to the log file
	FsyncInterval time.Duration // How often to fsync (0 = every append)
	BufferSize    int           // Write buffer size
}

// walWriter handles append-only writes of batch frames to the log file
type walWriter struct {
	file       *os.File
	writer     *bufio.Writer
	fsyncTimer *time.Timer
	config     walConfig
	mutex      sync.Mutex
	offset     int64 // Current write offset
	syncErr    error // Last error seen by the background fsync
}

// newWALWriter opens (or creates) the log file for appending
func newWALWriter(config walConfig) (*walWriter, error) {
	if err := os.MkdirAll(filepath.Dir(config.FilePath), 0750); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(config.FilePath, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}

	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	w := &walWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, config.BufferSize),
		config: config,
		offset: offset,
	}

	if config.FsyncInterval > 0 {
		w.fsyncTimer = time.AfterFunc(config.FsyncInterval, func() {
			w.mutex.Lock()
			defer w.mutex.Unlock()
			if err := w.sync(); err != nil {
				w.syncErr = err
			}
		})
	}

	return w, nil
}

// Append writes one encoded frame and returns the offset it starts at. With
// no fsync interval configured the frame is durable when Append returns.
func (w *walWriter) Append(frame []byte) (int64, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if _, err := w.writer.Write(frame); err != nil {
		return 0, err
	}

	frameOffset := w.offset
	w.offset += int64(len(frame))

	if w.config.FsyncInterval == 0 {
		if err := w.sync(); err != nil {
			return 0, err
		}
	} else if w.fsyncTimer != nil {
		w.fsyncTimer.Reset(w.config.FsyncInterval)
	}

	return frameOffset, nil
}

// Truncate discards everything from offset on, including buffered bytes
// that were not yet flushed.
func (w *walWriter) Truncate(offset int64) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.writer.Reset(w.file)
	if err := w.file.Truncate(offset); err != nil {
		return err
	}
	if _, err := w.file.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	w.offset = offset
	return w.file.Sync()
}

// Sync forces a fsync to disk and reports any failure of a background sync
func (w *walWriter) Sync() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if err := w.sync(); err != nil {
		return err
	}
	err := w.syncErr
	w.syncErr = nil
	return err
}

func (w *walWriter) sync() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Close syncs and closes the log file
func (w *walWriter) Close() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.fsyncTimer != nil {
		w.fsyncTimer.Stop()
	}

	if err := w.sync(); err != nil {
		_ = w.file.Close()
		return err
	}

	return w.file.Close()
}

// Size returns the current size of the log, including buffered bytes
func (w *walWriter) Size() int64 {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.offset
}
