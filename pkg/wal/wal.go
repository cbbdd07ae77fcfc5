// Package wal implements an append-only log of checksummed, optionally
// snappy-compressed records. Records are addressed by their byte offset.
package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/exp/mmap"

	"github.com/dd0wney/cluso-changelog/pkg/logging"
)

// Options configures a Log.
type Options struct {
	// Compress stores new records snappy-compressed. Existing records are
	// readable either way.
	Compress bool
	// NoSync skips fsync after each append. Only for tests and benchmarks.
	NoSync bool
	Logger logging.Logger
}

// Log is an append-only record file.
type Log struct {
	path   string
	opts   Options
	logger logging.Logger

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	size   int64
	closed bool
}

// Open opens or creates the log at path. A torn or corrupt tail left by a
// crash is truncated away.
func Open(path string, opts Options) (*Log, error) {
	l := &Log{
		path:   path,
		opts:   opts,
		logger: logging.OrDefault(opts.Logger).With(logging.Component("wal"), logging.Path(path)),
	}

	validEnd, total, err := l.recover()
	if err != nil {
		return nil, err
	}
	if validEnd < total {
		l.logger.Warn("truncating corrupt log tail",
			logging.Int64("valid_bytes", validEnd),
			logging.Int64("file_bytes", total))
		if err := os.Truncate(path, validEnd); err != nil {
			return nil, fmt.Errorf("truncate %s: %w", path, err)
		}
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	l.file = file
	l.writer = bufio.NewWriter(file)
	l.size = validEnd
	return l, nil
}

// recover returns the end of the last valid record and the file size.
func (l *Log) recover() (int64, int64, error) {
	if _, err := os.Stat(l.path); errors.Is(err, os.ErrNotExist) {
		return 0, 0, nil
	}
	var end int64
	err := l.scan(func(off int64, _ []byte) error {
		return nil
	}, &end)
	if err != nil {
		return 0, 0, err
	}
	info, err := os.Stat(l.path)
	if err != nil {
		return 0, 0, err
	}
	return end, info.Size(), nil
}

// scan walks the records of the file through a read-only mapping and stops
// at the first invalid frame. end receives the offset after the last valid
// record.
func (l *Log) scan(fn func(off int64, data []byte) error, end *int64) error {
	r, err := mmap.Open(l.path)
	if err != nil {
		return fmt.Errorf("map %s: %w", l.path, err)
	}
	defer r.Close()

	var off int64
	size := int64(r.Len())
	for off < size {
		data, n, err := readFrame(r, off)
		if err != nil {
			l.logger.Warn("log scan stopped", logging.Int64("offset", off), logging.Error(err))
			break
		}
		if err := fn(off, data); err != nil {
			return err
		}
		off += n
	}
	if end != nil {
		*end = off
	}
	return nil
}

// Append writes one record and returns its offset.
func (l *Log) Append(data []byte) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, os.ErrClosed
	}

	frame := encodeFrame(data, l.opts.Compress)
	off := l.size
	if _, err := l.writer.Write(frame); err != nil {
		return 0, fmt.Errorf("write record: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return 0, fmt.Errorf("flush log: %w", err)
	}
	if !l.opts.NoSync {
		if err := l.file.Sync(); err != nil {
			return 0, fmt.Errorf("sync log: %w", err)
		}
	}
	l.size += int64(len(frame))
	return off, nil
}

// ReadAt returns the record stored at off.
func (l *Log) ReadAt(off int64) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, os.ErrClosed
	}
	if off < 0 || off >= l.size {
		return nil, fmt.Errorf("offset %d outside log of %d bytes: %w", off, l.size, io.EOF)
	}
	data, _, err := readFrame(l.file, off)
	return data, err
}

// Replay calls fn for every valid record in file order.
func (l *Log) Replay(fn func(off int64, data []byte) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return os.ErrClosed
	}
	if l.size == 0 {
		return nil
	}
	return l.scan(fn, nil)
}

// Size returns the number of bytes of valid records.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Close flushes and closes the log.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if err := l.writer.Flush(); err != nil {
		l.file.Close()
		return err
	}
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}
