package changelog

import (
	"maps"
	"slices"
	"sync"

	"github.com/dd0wney/cluso-changelog/pkg/csn"
	"github.com/dd0wney/cluso-changelog/pkg/protocol"
)

// MemoryBackend keeps everything in process memory. Data survives
// ShutdownDB and a new InitializeDB on the same backend value, which lets
// tests restart a server without a disk.
type MemoryBackend struct {
	mu      sync.Mutex
	domains map[string]*memoryStore
	index   *memoryIndex
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		domains: make(map[string]*memoryStore),
		index:   &memoryIndex{},
	}
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) OpenDomain(baseDN string) (Store, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.domains[baseDN]
	if !ok {
		s = newMemoryStore()
		b.domains[baseDN] = s
	}
	return s, nil
}

func (b *MemoryBackend) ListDomains() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Sorted(maps.Keys(b.domains)), nil
}

func (b *MemoryBackend) RemoveDomain(baseDN string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.domains, baseDN)
	return nil
}

func (b *MemoryBackend) OpenIndex() (IndexStore, error) {
	return b.index, nil
}

func (b *MemoryBackend) Close() error { return nil }

type memoryStore struct {
	mu           sync.Mutex
	byServer     map[uint16][]*protocol.UpdateMsg // ascending CSN
	byCSN        map[csn.CSN]*protocol.UpdateMsg
	generationID int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		byServer:     make(map[uint16][]*protocol.UpdateMsg),
		byCSN:        make(map[csn.CSN]*protocol.UpdateMsg),
		generationID: NoGenerationID,
	}
}

func compareMsgCSN(m *protocol.UpdateMsg, c csn.CSN) int {
	return m.CSN().Compare(c)
}

func (s *memoryStore) Append(msg *protocol.UpdateMsg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := msg.CSN()
	list := s.byServer[c.ServerID]
	i, found := slices.BinarySearchFunc(list, c, compareMsgCSN)
	if found {
		list[i] = msg
	} else {
		s.byServer[c.ServerID] = slices.Insert(list, i, msg)
	}
	s.byCSN[c] = msg
	return nil
}

func (s *memoryStore) Get(c csn.CSN) (*protocol.UpdateMsg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byCSN[c]; ok {
		return m, nil
	}
	return nil, ErrNotFound
}

func (s *memoryStore) Scan(serverID uint16, after csn.CSN, limit int) ([]*protocol.UpdateMsg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byServer[serverID]
	i, found := slices.BinarySearchFunc(list, after, compareMsgCSN)
	if found {
		i++
	}
	end := min(len(list), i+limit)
	return slices.Clone(list[i:end]), nil
}

func (s *memoryStore) Bounds() (csn.ServerState, csn.ServerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldest, newest := csn.ServerState{}, csn.ServerState{}
	for sid, list := range s.byServer {
		if len(list) == 0 {
			continue
		}
		oldest[sid] = list[0].CSN()
		newest[sid] = list[len(list)-1].CSN()
	}
	return oldest, newest, nil
}

func (s *memoryStore) Count() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.byCSN)), nil
}

func (s *memoryStore) PurgeBefore(cutoff csn.CSN, keep csn.ServerState) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for sid, list := range s.byServer {
		kept := list[:0]
		for _, m := range list {
			c := m.CSN()
			if c.IsOlderThan(cutoff) && keep[sid] != c {
				delete(s.byCSN, c)
				purged++
				continue
			}
			kept = append(kept, m)
		}
		clear(list[len(kept):])
		s.byServer[sid] = kept
	}
	return purged, nil
}

func (s *memoryStore) GenerationID() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generationID, nil
}

func (s *memoryStore) SetGenerationID(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generationID = id
	return nil
}

func (s *memoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.byServer)
	clear(s.byCSN)
	return nil
}

func (s *memoryStore) Close() error { return nil }

type memoryIndex struct {
	mu            sync.Mutex
	records       []ChangeNumberIndexRecord // ascending change number
	lastGenerated int64
}

func (x *memoryIndex) Append(rec ChangeNumberIndexRecord) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.records = append(x.records, rec)
	x.lastGenerated = max(x.lastGenerated, rec.ChangeNumber)
	return nil
}

func (x *memoryIndex) First() (ChangeNumberIndexRecord, bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.records) == 0 {
		return ChangeNumberIndexRecord{}, false, nil
	}
	return x.records[0], true, nil
}

func (x *memoryIndex) Last() (ChangeNumberIndexRecord, bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.records) == 0 {
		return ChangeNumberIndexRecord{}, false, nil
	}
	return x.records[len(x.records)-1], true, nil
}

func (x *memoryIndex) find(changeNumber int64) (int, bool) {
	return slices.BinarySearchFunc(x.records, changeNumber, func(r ChangeNumberIndexRecord, cn int64) int {
		switch {
		case r.ChangeNumber < cn:
			return -1
		case r.ChangeNumber > cn:
			return 1
		}
		return 0
	})
}

func (x *memoryIndex) Lookup(changeNumber int64) (ChangeNumberIndexRecord, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if i, ok := x.find(changeNumber); ok {
		return x.records[i], nil
	}
	return ChangeNumberIndexRecord{}, ErrNotFound
}

func (x *memoryIndex) FindCSN(baseDN string, c csn.CSN) (ChangeNumberIndexRecord, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for i := len(x.records) - 1; i >= 0; i-- {
		if r := x.records[i]; r.CSN == c && r.BaseDN == baseDN {
			return r, nil
		}
	}
	return ChangeNumberIndexRecord{}, ErrNotFound
}

func (x *memoryIndex) Scan(after int64, limit int) ([]ChangeNumberIndexRecord, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	i, found := x.find(after)
	if found {
		i++
	}
	end := min(len(x.records), i+limit)
	return slices.Clone(x.records[i:end]), nil
}

func (x *memoryIndex) filter(drop func(ChangeNumberIndexRecord) bool) int {
	before := len(x.records)
	x.records = slices.DeleteFunc(x.records, drop)
	return before - len(x.records)
}

func (x *memoryIndex) PurgeBefore(cutoff csn.CSN) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.filter(func(r ChangeNumberIndexRecord) bool { return r.CSN.IsOlderThan(cutoff) }), nil
}

func (x *memoryIndex) RemoveDomain(baseDN string) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.filter(func(r ChangeNumberIndexRecord) bool { return r.BaseDN == baseDN }), nil
}

func (x *memoryIndex) LastGenerated() (int64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.lastGenerated, nil
}

func (x *memoryIndex) Clear() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.records = nil
	return nil
}

func (x *memoryIndex) Close() error { return nil }
