package wal

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/dd0wney/cluso-changelog/pkg/logging"
)

func openTestLog(t *testing.T, path string, compress bool) *Log {
	t.Helper()
	l, err := Open(path, Options{Compress: compress, NoSync: true, Logger: logging.NewNopLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l
}

func TestLog_AppendReadReplay(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(fmt.Sprintf("compress=%v", compress), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "changes.log")
			l := openTestLog(t, path, compress)
			defer l.Close()

			payloads := [][]byte{[]byte("first"), bytes.Repeat([]byte("x"), 4096), {}}
			var offs []int64
			for _, p := range payloads {
				off, err := l.Append(p)
				if err != nil {
					t.Fatalf("Append: %v", err)
				}
				offs = append(offs, off)
			}
			if offs[0] != 0 {
				t.Errorf("first offset = %d", offs[0])
			}

			for i, off := range offs {
				got, err := l.ReadAt(off)
				if err != nil {
					t.Fatalf("ReadAt(%d): %v", off, err)
				}
				if !bytes.Equal(got, payloads[i]) {
					t.Errorf("record %d = %q", i, got)
				}
			}

			var replayed int
			err := l.Replay(func(off int64, data []byte) error {
				if off != offs[replayed] || !bytes.Equal(data, payloads[replayed]) {
					t.Errorf("replay %d: off=%d data=%q", replayed, off, data)
				}
				replayed++
				return nil
			})
			if err != nil || replayed != 3 {
				t.Errorf("Replay err=%v count=%d", err, replayed)
			}
		})
	}
}

func TestLog_CompressionShrinksRepetitiveRecords(t *testing.T) {
	dir := t.TempDir()
	plain := openTestLog(t, filepath.Join(dir, "plain.log"), false)
	packed := openTestLog(t, filepath.Join(dir, "packed.log"), true)
	defer plain.Close()
	defer packed.Close()

	data := bytes.Repeat([]byte("dn: uid=user,ou=people\n"), 200)
	plain.Append(data)
	packed.Append(data)
	if packed.Size() >= plain.Size() {
		t.Errorf("compressed size %d >= plain size %d", packed.Size(), plain.Size())
	}
}

func TestLog_ReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changes.log")
	l := openTestLog(t, path, true)
	for i := 0; i < 10; i++ {
		if _, err := l.Append([]byte(fmt.Sprintf("rec-%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	size := l.Size()
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	l = openTestLog(t, path, true)
	defer l.Close()
	if l.Size() != size {
		t.Errorf("size after reopen = %d, want %d", l.Size(), size)
	}
	var n int
	l.Replay(func(int64, []byte) error { n++; return nil })
	if n != 10 {
		t.Errorf("replayed %d records", n)
	}
}

func TestLog_TruncatesTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changes.log")
	l := openTestLog(t, path, false)
	l.Append([]byte("good-1"))
	l.Append([]byte("good-2"))
	goodSize := l.Size()
	l.Close()

	// Simulate a crash in the middle of a write.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte{42, 0, 0, 0, 0, 'p', 'a'})
	f.Close()

	l = openTestLog(t, path, false)
	defer l.Close()
	if l.Size() != goodSize {
		t.Errorf("size = %d, want %d", l.Size(), goodSize)
	}
	off, err := l.Append([]byte("after"))
	if err != nil || off != goodSize {
		t.Fatalf("append after recovery off=%d err=%v", off, err)
	}
	if got, _ := l.ReadAt(off); string(got) != "after" {
		t.Errorf("ReadAt = %q", got)
	}
}

func TestLog_DetectsChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changes.log")
	l := openTestLog(t, path, false)
	l.Append([]byte("payload"))
	l.Close()

	raw, _ := os.ReadFile(path)
	raw[headerSize] ^= 0xff
	os.WriteFile(path, raw, 0644)

	l = openTestLog(t, path, false)
	defer l.Close()
	if l.Size() != 0 {
		t.Errorf("corrupt record kept, size = %d", l.Size())
	}
}

func TestLog_Rewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changes.log")
	l := openTestLog(t, path, true)
	defer l.Close()

	var offs []int64
	for i := 0; i < 6; i++ {
		off, _ := l.Append([]byte(fmt.Sprintf("rec-%d", i)))
		offs = append(offs, off)
	}

	newOffs := map[int64]int64{}
	dropped, err := l.Rewrite(
		func(off int64, data []byte) bool { return data[len(data)-1]%2 == 0 },
		func(oldOff, newOff int64) { newOffs[oldOff] = newOff },
	)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if dropped != 3 || len(newOffs) != 3 {
		t.Fatalf("dropped=%d moved=%d", dropped, len(newOffs))
	}
	got, err := l.ReadAt(newOffs[offs[4]])
	if err != nil || string(got) != "rec-4" {
		t.Errorf("ReadAt moved record = %q, %v", got, err)
	}
	if _, err := os.Stat(path + ".new"); !errors.Is(err, os.ErrNotExist) {
		t.Error("temporary file left behind")
	}

	if err := l.Truncate(); err != nil {
		t.Fatal(err)
	}
	if l.Size() != 0 {
		t.Errorf("size after Truncate = %d", l.Size())
	}
	if _, err := l.Append([]byte("fresh")); err != nil {
		t.Fatal(err)
	}
}

func TestLog_ClosedOperations(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "x.log"), false)
	l.Close()
	if _, err := l.Append([]byte("x")); !errors.Is(err, os.ErrClosed) {
		t.Errorf("Append after Close = %v", err)
	}
	if _, err := l.ReadAt(0); !errors.Is(err, os.ErrClosed) {
		t.Errorf("ReadAt after Close = %v", err)
	}
}
