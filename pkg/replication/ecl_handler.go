package replication

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-changelog/pkg/changelog"
	"github.com/dd0wney/cluso-changelog/pkg/csn"
	"github.com/dd0wney/cluso-changelog/pkg/protocol"
)

// eclCursor reads one domain for an external changelog search, keeping the
// next update so domains can be merged by CSN.
type eclCursor struct {
	cursor *changelog.Cursor
	head   *protocol.UpdateMsg
}

// ECLServerHandler holds the position of one external changelog search.
// Updates of every domain are returned merged in CSN order, or in change
// number order when the search starts from a change number.
type ECLServerHandler struct {
	rs        *ReplicationServer
	sessionID string

	mu           sync.Mutex
	mode         protocol.PersistentMode
	excluded     map[string]bool
	cookie       csn.Cookie
	byNumber     bool
	lastCN       int64
	cursors      map[string]*eclCursor
	initialPhase bool
}

func newECLServerHandler(rs *ReplicationServer, msg *protocol.StartECLSessionMsg) (*ECLServerHandler, error) {
	h := &ECLServerHandler{
		rs:        rs,
		sessionID: msg.SessionID,
	}
	if h.sessionID == "" {
		h.sessionID = uuid.NewString()
	}
	if err := h.restart(msg); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *ECLServerHandler) SessionID() string { return h.sessionID }

// Mode returns the persistence mode of the current search.
func (h *ECLServerHandler) Mode() protocol.PersistentMode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mode
}

// Cookie returns the cookie of the last update returned.
func (h *ECLServerHandler) Cookie() csn.Cookie {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cookie.Copy()
}

// restart begins a new search on the same handler.
func (h *ECLServerHandler) restart(msg *protocol.StartECLSessionMsg) error {
	excluded := make(map[string]bool, len(msg.ExcludedBaseDNs))
	for _, dn := range msg.ExcludedBaseDNs {
		excluded[dn] = true
	}

	var cookie csn.Cookie
	switch {
	case msg.StartChangeNumber > 0:
		cookie = csn.Cookie{}
	case msg.Mode == protocol.PersistentChangesOnly:
		cookie = h.rs.NewestECLCookie(msg.ExcludedBaseDNs)
	default:
		c, err := csn.ParseCookie(msg.Cookie)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		if err := h.rs.ValidateCookie(c, msg.ExcludedBaseDNs); err != nil {
			return err
		}
		cookie = c
	}

	lastCN := int64(0)
	if msg.StartChangeNumber > 0 {
		if !h.rs.ComputeChangeNumber() {
			return fmt.Errorf("%w: change numbers are not computed", ErrProtocolViolation)
		}
		lastCN = msg.StartChangeNumber - 1
		if msg.Mode == protocol.PersistentChangesOnly {
			lastCN = h.rs.NewestChangeNumber()
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeCursorsLocked()
	h.mode = msg.Mode
	h.excluded = excluded
	h.cookie = cookie
	h.byNumber = msg.StartChangeNumber > 0
	h.lastCN = lastCN
	h.initialPhase = msg.Mode != protocol.PersistentChangesOnly
	return nil
}

// reset drops the cursors of a finished search. The position is kept.
func (h *ECLServerHandler) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeCursorsLocked()
}

func (h *ECLServerHandler) closeCursorsLocked() {
	for _, c := range h.cursors {
		c.cursor.Close()
	}
	h.cursors = make(map[string]*eclCursor)
}

// endInitialPhase reports whether the first exhaustion of a persistent
// search just happened.
func (h *ECLServerHandler) endInitialPhase() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	first := h.initialPhase
	h.initialPhase = false
	return first
}

// TakeECLUpdate returns the next change of the search, or nil when every
// stored change has been returned.
func (h *ECLServerHandler) TakeECLUpdate() (*protocol.ECLUpdateMsg, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.byNumber {
		return h.takeByNumberLocked()
	}
	return h.takeByCookieLocked()
}

func (h *ECLServerHandler) takeByCookieLocked() (*protocol.ECLUpdateMsg, error) {
	for _, d := range h.rs.Domains() {
		dn := d.BaseDN()
		if h.excluded[dn] {
			continue
		}
		if _, ok := h.cursors[dn]; !ok {
			h.cursors[dn] = &eclCursor{cursor: d.DB().Cursor(h.cookie.State(dn))}
		}
	}

	var bestDN string
	var best *eclCursor
	for dn, c := range h.cursors {
		if c.head == nil {
			if c.cursor.Next() {
				c.head = c.cursor.Update()
			} else if err := c.cursor.Err(); err != nil {
				if errors.Is(err, changelog.ErrClosed) {
					// Domain removed.
					delete(h.cursors, dn)
					continue
				}
				return nil, fmt.Errorf("read %s: %w", dn, err)
			}
		}
		if c.head == nil {
			continue
		}
		if best == nil || c.head.CSN().IsOlderThan(best.head.CSN()) ||
			(c.head.CSN() == best.head.CSN() && dn < bestDN) {
			bestDN, best = dn, c
		}
	}
	if best == nil {
		return nil, nil
	}

	u := best.head
	best.head = nil
	h.cookie.Update(bestDN, u.CSN())

	var cn int64
	if h.rs.ComputeChangeNumber() {
		rec, err := h.rs.ChangeNumberIndex().FindCSN(bestDN, u.CSN())
		switch {
		case err == nil:
			cn = rec.ChangeNumber
		case !errors.Is(err, changelog.ErrNotFound):
			return nil, fmt.Errorf("change number of %s: %w", u.CSN(), err)
		}
	}
	return &protocol.ECLUpdateMsg{
		BaseDN:       bestDN,
		ChangeNumber: cn,
		Cookie:       h.cookie.String(),
		Update:       u,
	}, nil
}

func (h *ECLServerHandler) takeByNumberLocked() (*protocol.ECLUpdateMsg, error) {
	index := h.rs.ChangeNumberIndex()
	for {
		recs, err := index.Scan(h.lastCN, 1)
		if err != nil {
			return nil, fmt.Errorf("scan change numbers after %d: %w", h.lastCN, err)
		}
		if len(recs) == 0 {
			return nil, nil
		}
		rec := recs[0]
		h.lastCN = rec.ChangeNumber
		if h.excluded[rec.BaseDN] {
			continue
		}

		d, err := h.rs.Domain(rec.BaseDN, false)
		if err != nil {
			continue
		}
		u, err := d.DB().Get(rec.CSN)
		if errors.Is(err, changelog.ErrNotFound) {
			// Purged after it was numbered.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read change %d: %w", rec.ChangeNumber, err)
		}

		h.cookie.Update(rec.BaseDN, rec.CSN)
		return &protocol.ECLUpdateMsg{
			BaseDN:       rec.BaseDN,
			ChangeNumber: rec.ChangeNumber,
			Cookie:       h.cookie.String(),
			Update:       u,
		}, nil
	}
}

// close releases the cursors.
func (h *ECLServerHandler) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeCursorsLocked()
}
