package filestore

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/dd0wney/cluso-changelog/pkg/changelog"
	"github.com/dd0wney/cluso-changelog/pkg/csn"
	"github.com/dd0wney/cluso-changelog/pkg/wal"
)

type indexMetadata struct {
	LastGenerated int64 `json:"last_generated"`
}

// index keeps all records in memory and mirrors them to a log. The last
// generated change number is written to a metadata file before any
// record is removed so it survives purges.
type index struct {
	mu       sync.Mutex
	log      *wal.Log
	metaPath string
	meta     indexMetadata
	records  []changelog.ChangeNumberIndexRecord // ascending change number
}

func openIndex(path, metaPath string, opts wal.Options) (*index, error) {
	x := &index{metaPath: metaPath}
	if err := readJSON(metaPath, &x.meta); err != nil {
		return nil, fmt.Errorf("read %s: %w", metaPath, err)
	}
	log, err := wal.Open(path, opts)
	if err != nil {
		return nil, err
	}
	err = log.Replay(func(off int64, data []byte) error {
		var rec changelog.ChangeNumberIndexRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode index record at %d: %w", off, err)
		}
		x.records = append(x.records, rec)
		x.meta.LastGenerated = max(x.meta.LastGenerated, rec.ChangeNumber)
		return nil
	})
	if err != nil {
		log.Close()
		return nil, err
	}
	slices.SortFunc(x.records, func(a, b changelog.ChangeNumberIndexRecord) int {
		return compareCN(a, b.ChangeNumber)
	})
	x.log = log
	return x, nil
}

func compareCN(r changelog.ChangeNumberIndexRecord, cn int64) int {
	switch {
	case r.ChangeNumber < cn:
		return -1
	case r.ChangeNumber > cn:
		return 1
	}
	return 0
}

func (x *index) Append(rec changelog.ChangeNumberIndexRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, err := x.log.Append(data); err != nil {
		return err
	}
	x.records = append(x.records, rec)
	x.meta.LastGenerated = max(x.meta.LastGenerated, rec.ChangeNumber)
	return nil
}

func (x *index) First() (changelog.ChangeNumberIndexRecord, bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.records) == 0 {
		return changelog.ChangeNumberIndexRecord{}, false, nil
	}
	return x.records[0], true, nil
}

func (x *index) Last() (changelog.ChangeNumberIndexRecord, bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.records) == 0 {
		return changelog.ChangeNumberIndexRecord{}, false, nil
	}
	return x.records[len(x.records)-1], true, nil
}

func (x *index) Lookup(changeNumber int64) (changelog.ChangeNumberIndexRecord, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if i, ok := slices.BinarySearchFunc(x.records, changeNumber, compareCN); ok {
		return x.records[i], nil
	}
	return changelog.ChangeNumberIndexRecord{}, changelog.ErrNotFound
}

func (x *index) FindCSN(baseDN string, c csn.CSN) (changelog.ChangeNumberIndexRecord, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for i := len(x.records) - 1; i >= 0; i-- {
		if r := x.records[i]; r.CSN == c && r.BaseDN == baseDN {
			return r, nil
		}
	}
	return changelog.ChangeNumberIndexRecord{}, changelog.ErrNotFound
}

func (x *index) Scan(after int64, limit int) ([]changelog.ChangeNumberIndexRecord, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	i, found := slices.BinarySearchFunc(x.records, after, compareCN)
	if found {
		i++
	}
	end := min(len(x.records), i+limit)
	return slices.Clone(x.records[i:end]), nil
}

// remove drops every record matching drop from memory and disk.
func (x *index) remove(drop func(changelog.ChangeNumberIndexRecord) bool) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !slices.ContainsFunc(x.records, drop) {
		return 0, nil
	}
	if err := writeJSON(x.metaPath, x.meta); err != nil {
		return 0, fmt.Errorf("persist last change number: %w", err)
	}
	n, err := x.log.Rewrite(func(_ int64, data []byte) bool {
		var rec changelog.ChangeNumberIndexRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return false
		}
		return !drop(rec)
	}, func(int64, int64) {})
	if err != nil {
		return 0, err
	}
	x.records = slices.DeleteFunc(x.records, drop)
	return n, nil
}

func (x *index) PurgeBefore(cutoff csn.CSN) (int, error) {
	return x.remove(func(r changelog.ChangeNumberIndexRecord) bool { return r.CSN.IsOlderThan(cutoff) })
}

func (x *index) RemoveDomain(baseDN string) (int, error) {
	return x.remove(func(r changelog.ChangeNumberIndexRecord) bool { return r.BaseDN == baseDN })
}

func (x *index) LastGenerated() (int64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.meta.LastGenerated, nil
}

func (x *index) Clear() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := writeJSON(x.metaPath, x.meta); err != nil {
		return fmt.Errorf("persist last change number: %w", err)
	}
	if err := x.log.Truncate(); err != nil {
		return err
	}
	x.records = nil
	return nil
}

func (x *index) Close() error {
	return x.log.Close()
}
