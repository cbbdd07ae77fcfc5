package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/dd0wney/cluso-changelog/pkg/csn"
)

// updateOverhead approximates the fixed part of an encoded update.
const updateOverhead = csn.StringLength + 8

// UpdateMsg is one replicated change. It never changes after construction
// and is shared by every queue it is fanned out to.
type UpdateMsg struct {
	csn     csn.CSN
	payload []byte
	assured bool
	version int
	size    int
}

// NewUpdateMsg copies payload and precomputes the message size.
func NewUpdateMsg(c csn.CSN, payload []byte, assured bool, version int) *UpdateMsg {
	p := bytes.Clone(payload)
	return &UpdateMsg{
		csn:     c,
		payload: p,
		assured: assured,
		version: version,
		size:    len(p) + updateOverhead,
	}
}

func (u *UpdateMsg) CSN() csn.CSN  { return u.csn }
func (u *UpdateMsg) Assured() bool { return u.assured }
func (u *UpdateMsg) Version() int  { return u.version }

// Size is the serialized size used for queue byte accounting.
func (u *UpdateMsg) Size() int { return u.size }

// Payload returns a copy of the encoded change.
func (u *UpdateMsg) Payload() []byte { return bytes.Clone(u.payload) }

// SameContent reports whether u and o carry the same change. The CSN is not
// compared.
func (u *UpdateMsg) SameContent(o *UpdateMsg) bool {
	return u.assured == o.assured && u.version == o.version && bytes.Equal(u.payload, o.payload)
}

func (u *UpdateMsg) MessageType() MessageType { return MsgUpdate }

type updateWire struct {
	CSN     csn.CSN `json:"csn"`
	Payload []byte  `json:"payload"`
	Assured bool    `json:"assured,omitempty"`
	Version int     `json:"version"`
}

func (u *UpdateMsg) MarshalJSON() ([]byte, error) {
	return json.Marshal(updateWire{CSN: u.csn, Payload: u.payload, Assured: u.assured, Version: u.version})
}

func (u *UpdateMsg) UnmarshalJSON(b []byte) error {
	var w updateWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*u = *NewUpdateMsg(w.CSN, w.Payload, w.Assured, w.Version)
	return nil
}
