package wal

import (
	"bufio"
	"fmt"
	"os"

	"github.com/dd0wney/cluso-changelog/pkg/logging"
)

// Rewrite copies the records for which keep returns true into a new file
// and atomically replaces the log with it. moved receives the new offset
// of every kept record. On failure the original log stays in place.
func (l *Log) Rewrite(keep func(off int64, data []byte) bool, moved func(oldOff, newOff int64)) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, os.ErrClosed
	}
	if err := l.writer.Flush(); err != nil {
		return 0, fmt.Errorf("flush log before rewrite: %w", err)
	}

	tmpPath := l.path + ".new"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", tmpPath, err)
	}
	w := bufio.NewWriter(tmp)

	type move struct{ from, to int64 }
	var moves []move
	var newSize int64
	dropped := 0
	if l.size > 0 {
		err = l.scan(func(off int64, data []byte) error {
			if !keep(off, data) {
				dropped++
				return nil
			}
			frame := encodeFrame(data, l.opts.Compress)
			if _, err := w.Write(frame); err != nil {
				return err
			}
			moves = append(moves, move{off, newSize})
			newSize += int64(len(frame))
			return nil
		}, nil)
	}
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("rewrite %s: %w", l.path, err)
	}

	// Rename over the old file (atomic on POSIX), then swap handles.
	if err := os.Rename(tmpPath, l.path); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("replace %s: %w", l.path, err)
	}
	if err := l.file.Close(); err != nil {
		l.logger.Warn("closing replaced log file", logging.Error(err))
	}
	tmp.Close()

	file, err := os.OpenFile(l.path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		l.closed = true
		return 0, fmt.Errorf("reopen %s: %w", l.path, err)
	}
	l.file = file
	l.writer = bufio.NewWriter(file)
	l.size = newSize

	for _, m := range moves {
		moved(m.from, m.to)
	}
	return dropped, nil
}

// Truncate removes every record.
func (l *Log) Truncate() error {
	_, err := l.Rewrite(func(int64, []byte) bool { return false }, func(int64, int64) {})
	return err
}
