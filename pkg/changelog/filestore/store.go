package filestore

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/dd0wney/cluso-changelog/pkg/changelog"
	"github.com/dd0wney/cluso-changelog/pkg/csn"
	"github.com/dd0wney/cluso-changelog/pkg/protocol"
	"github.com/dd0wney/cluso-changelog/pkg/wal"
)

type entry struct {
	csn csn.CSN
	off int64
}

func compareEntry(e entry, c csn.CSN) int { return e.csn.Compare(c) }

type domainMetadata struct {
	BaseDN       string `json:"base_dn"`
	GenerationID int64  `json:"generation_id"`
}

// store keeps every record in the log and an in-memory index of offsets
// per server, rebuilt by replaying the log on open.
type store struct {
	metaPath string
	meta     domainMetadata
	log      *wal.Log
	byServer map[uint16][]entry // ascending CSN
	byCSN    map[csn.CSN]int64
}

func openStore(dir, baseDN string, opts wal.Options) (*store, error) {
	s := &store{
		metaPath: filepath.Join(dir, domainMeta),
		meta:     domainMetadata{BaseDN: baseDN, GenerationID: changelog.NoGenerationID},
		byServer: make(map[uint16][]entry),
		byCSN:    make(map[csn.CSN]int64),
	}
	if err := readJSON(s.metaPath, &s.meta); err != nil {
		return nil, fmt.Errorf("read %s: %w", s.metaPath, err)
	}

	log, err := wal.Open(filepath.Join(dir, changesFile), opts)
	if err != nil {
		return nil, err
	}
	err = log.Replay(func(off int64, data []byte) error {
		var msg protocol.UpdateMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode record at %d: %w", off, err)
		}
		s.index(msg.CSN(), off)
		return nil
	})
	if err != nil {
		log.Close()
		return nil, err
	}
	s.log = log
	return s, nil
}

func (s *store) index(c csn.CSN, off int64) {
	list := s.byServer[c.ServerID]
	i, found := slices.BinarySearchFunc(list, c, compareEntry)
	if found {
		list[i].off = off
	} else {
		s.byServer[c.ServerID] = slices.Insert(list, i, entry{csn: c, off: off})
	}
	s.byCSN[c] = off
}

func (s *store) read(off int64) (*protocol.UpdateMsg, error) {
	data, err := s.log.ReadAt(off)
	if err != nil {
		return nil, err
	}
	var msg protocol.UpdateMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode record at %d: %w", off, err)
	}
	return &msg, nil
}

func (s *store) Append(msg *protocol.UpdateMsg) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	off, err := s.log.Append(data)
	if err != nil {
		return err
	}
	s.index(msg.CSN(), off)
	return nil
}

func (s *store) Get(c csn.CSN) (*protocol.UpdateMsg, error) {
	off, ok := s.byCSN[c]
	if !ok {
		return nil, changelog.ErrNotFound
	}
	return s.read(off)
}

func (s *store) Scan(serverID uint16, after csn.CSN, limit int) ([]*protocol.UpdateMsg, error) {
	list := s.byServer[serverID]
	i, found := slices.BinarySearchFunc(list, after, compareEntry)
	if found {
		i++
	}
	end := min(len(list), i+limit)
	out := make([]*protocol.UpdateMsg, 0, end-i)
	for _, e := range list[i:end] {
		msg, err := s.read(e.off)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *store) Bounds() (csn.ServerState, csn.ServerState, error) {
	oldest, newest := csn.ServerState{}, csn.ServerState{}
	for sid, list := range s.byServer {
		if len(list) == 0 {
			continue
		}
		oldest[sid] = list[0].csn
		newest[sid] = list[len(list)-1].csn
	}
	return oldest, newest, nil
}

func (s *store) Count() (int64, error) {
	return int64(len(s.byCSN)), nil
}

func (s *store) PurgeBefore(cutoff csn.CSN, keep csn.ServerState) (int, error) {
	live := make(map[int64]bool, len(s.byCSN))
	purged := 0
	for sid, list := range s.byServer {
		for _, e := range list {
			if e.csn.IsOlderThan(cutoff) && keep[sid] != e.csn {
				purged++
				continue
			}
			live[e.off] = true
		}
	}
	if purged == 0 {
		return 0, nil
	}

	// Records replaced by a later append of the same CSN are not live
	// either and are compacted away here.
	moved := make(map[int64]int64, len(live))
	if _, err := s.log.Rewrite(
		func(off int64, _ []byte) bool { return live[off] },
		func(oldOff, newOff int64) { moved[oldOff] = newOff },
	); err != nil {
		return 0, err
	}

	byServer := make(map[uint16][]entry, len(s.byServer))
	byCSN := make(map[csn.CSN]int64, len(moved))
	for sid, list := range s.byServer {
		for _, e := range list {
			newOff, ok := moved[e.off]
			if !ok {
				continue
			}
			byServer[sid] = append(byServer[sid], entry{csn: e.csn, off: newOff})
			byCSN[e.csn] = newOff
		}
	}
	s.byServer, s.byCSN = byServer, byCSN
	return purged, nil
}

func (s *store) GenerationID() (int64, error) {
	return s.meta.GenerationID, nil
}

func (s *store) SetGenerationID(id int64) error {
	meta := s.meta
	meta.GenerationID = id
	if err := writeJSON(s.metaPath, meta); err != nil {
		return err
	}
	s.meta = meta
	return nil
}

func (s *store) Clear() error {
	if err := s.log.Truncate(); err != nil {
		return err
	}
	clear(s.byServer)
	clear(s.byCSN)
	return nil
}

func (s *store) Close() error {
	return s.log.Close()
}
