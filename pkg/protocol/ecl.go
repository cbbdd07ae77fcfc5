package protocol

import "fmt"

// PersistentMode selects how an external changelog search ends.
type PersistentMode uint8

const (
	// NonPersistent returns the changes present now, then DoneMsg.
	NonPersistent PersistentMode = iota
	// Persistent returns present changes, then keeps streaming new ones.
	Persistent
	// PersistentChangesOnly streams only changes made after the search starts.
	PersistentChangesOnly
)

func (m PersistentMode) String() string {
	switch m {
	case NonPersistent:
		return "non-persistent"
	case Persistent:
		return "persistent"
	case PersistentChangesOnly:
		return "persistent-changes-only"
	default:
		return fmt.Sprintf("PersistentMode(%d)", uint8(m))
	}
}

// IsPersistent reports whether the search keeps running after the
// present changes are exhausted.
func (m PersistentMode) IsPersistent() bool { return m != NonPersistent }

// StartECLSessionMsg opens an external changelog session. Exactly one of
// Cookie and StartChangeNumber drives the start position; a positive
// StartChangeNumber selects change number mode.
type StartECLSessionMsg struct {
	Cookie            string         `json:"cookie"`
	StartChangeNumber int64          `json:"start_change_number,omitempty"`
	Mode              PersistentMode `json:"mode"`
	ExcludedBaseDNs   []string       `json:"excluded_base_dns,omitempty"`
	SessionID         string         `json:"session_id,omitempty"`
}

func (*StartECLSessionMsg) MessageType() MessageType { return MsgStartECLSession }

// ECLUpdateMsg is one change seen through the external changelog.
type ECLUpdateMsg struct {
	BaseDN string `json:"base_dn"`
	// ChangeNumber is 0 when change numbers are not computed.
	ChangeNumber int64      `json:"change_number,omitempty"`
	Cookie       string     `json:"cookie"`
	Update       *UpdateMsg `json:"update"`
}

func (*ECLUpdateMsg) MessageType() MessageType { return MsgECLUpdate }

// DoneMsg marks the end of a search phase.
type DoneMsg struct{}

func (*DoneMsg) MessageType() MessageType { return MsgDone }
