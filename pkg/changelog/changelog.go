// Package changelog stores the replicated updates of every domain durably,
// ordered by CSN, and maintains the change number index used by the
// external changelog.
//
// The package splits storage in two layers. A Backend persists raw records
// (memory, append-only files or PostgreSQL). Changelog wraps a Backend and
// owns everything backend independent: duplicate detection, per-server
// state tracking, change number assignment, cursors and purging.
package changelog

import (
	"errors"
	"time"

	"github.com/dd0wney/cluso-changelog/pkg/csn"
	"github.com/dd0wney/cluso-changelog/pkg/protocol"
)

var (
	// ErrNotFound is returned when a CSN or change number is not stored.
	ErrNotFound = errors.New("changelog: not found")
	// ErrClosed is returned by operations on a database that is not open.
	ErrClosed = errors.New("changelog: closed")
)

// NoGenerationID marks a domain whose generation id is not established.
const NoGenerationID int64 = -1

// ChangeNumberIndexRecord maps a change number to the change it numbers.
type ChangeNumberIndexRecord struct {
	ChangeNumber int64   `json:"change_number"`
	BaseDN       string  `json:"base_dn"`
	CSN          csn.CSN `json:"csn"`
}

// DB is the changelog database consumed by the replication server.
type DB interface {
	// InitializeDB opens the backend and starts the purger.
	InitializeDB() error
	// ShutdownDB stops the purger and closes every store. Idempotent.
	ShutdownDB() error
	ChangeNumberIndexDB() *ChangeNumberIndex
	// DomainDB returns the store of baseDN, creating it on first use.
	DomainDB(baseDN string) (*DomainDB, error)
	BaseDNs() []string
	RemoveDomain(baseDN string) error
	SetPurgeDelay(d time.Duration)
	PurgeDelay() time.Duration
	SetComputeChangeNumber(on bool)
	ComputeChangeNumber() bool
	// Purge runs one purge pass now.
	Purge() error
}

// Backend persists domains and the change number index.
type Backend interface {
	Name() string
	OpenDomain(baseDN string) (Store, error)
	ListDomains() ([]string, error)
	RemoveDomain(baseDN string) error
	OpenIndex() (IndexStore, error)
	Close() error
}

// Store persists the updates of one domain. Implementations are called
// with the owning DomainDB's lock held and need no locking of their own
// for data consistency.
type Store interface {
	Append(msg *protocol.UpdateMsg) error
	// Get returns ErrNotFound when c is not stored.
	Get(c csn.CSN) (*protocol.UpdateMsg, error)
	// Scan returns up to limit updates of serverID with a CSN newer than
	// after, in CSN order.
	Scan(serverID uint16, after csn.CSN, limit int) ([]*protocol.UpdateMsg, error)
	// Bounds returns the oldest and newest stored CSN of every server.
	Bounds() (oldest, newest csn.ServerState, err error)
	Count() (int64, error)
	// PurgeBefore removes updates older than cutoff, except the CSNs
	// listed in keep.
	PurgeBefore(cutoff csn.CSN, keep csn.ServerState) (int, error)
	GenerationID() (int64, error)
	SetGenerationID(id int64) error
	Clear() error
	Close() error
}

// IndexStore persists change number index records.
type IndexStore interface {
	Append(rec ChangeNumberIndexRecord) error
	First() (ChangeNumberIndexRecord, bool, error)
	Last() (ChangeNumberIndexRecord, bool, error)
	Lookup(changeNumber int64) (ChangeNumberIndexRecord, error)
	FindCSN(baseDN string, c csn.CSN) (ChangeNumberIndexRecord, error)
	// Scan returns up to limit records with a change number greater than after.
	Scan(after int64, limit int) ([]ChangeNumberIndexRecord, error)
	PurgeBefore(cutoff csn.CSN) (int, error)
	RemoveDomain(baseDN string) (int, error)
	// LastGenerated returns the highest change number ever appended,
	// including purged and cleared ones.
	LastGenerated() (int64, error)
	// Clear removes every record but keeps LastGenerated.
	Clear() error
	Close() error
}
