package csn

import (
	"maps"
	"slices"
	"strings"
)

// ServerState maps each server id to the newest CSN seen from it.
// A ServerState is not safe for concurrent mutation; owners copy it
// before handing it across goroutines.
type ServerState map[uint16]CSN

// NewServerState returns a state holding csns.
func NewServerState(csns ...CSN) ServerState {
	s := make(ServerState, len(csns))
	for _, c := range csns {
		s.Update(c)
	}
	return s
}

// Update records c if it is newer than the current CSN for its server.
// It reports whether the state changed.
func (s ServerState) Update(c CSN) bool {
	if cur, ok := s[c.ServerID]; ok && !c.IsNewerThan(cur) {
		return false
	}
	s[c.ServerID] = c
	return true
}

// Covers reports whether c is at or before the state's CSN for its server.
func (s ServerState) Covers(c CSN) bool {
	cur, ok := s[c.ServerID]
	return ok && !c.IsNewerThan(cur)
}

// CoversState reports whether s covers every CSN of o.
func (s ServerState) CoversState(o ServerState) bool {
	for _, c := range o {
		if !s.Covers(c) {
			return false
		}
	}
	return true
}

// Get returns the CSN recorded for serverID.
func (s ServerState) Get(serverID uint16) (CSN, bool) {
	c, ok := s[serverID]
	return c, ok
}

// Copy returns an independent copy.
func (s ServerState) Copy() ServerState {
	if s == nil {
		return ServerState{}
	}
	return maps.Clone(s)
}

// ServerIDs returns the server ids in ascending order.
func (s ServerState) ServerIDs() []uint16 {
	return slices.Sorted(maps.Keys(s))
}

// CSNs returns the recorded CSNs ordered by server id.
func (s ServerState) CSNs() []CSN {
	out := make([]CSN, 0, len(s))
	for _, id := range s.ServerIDs() {
		out = append(out, s[id])
	}
	return out
}

// Equal reports whether both states hold the same CSNs.
func (s ServerState) Equal(o ServerState) bool {
	return maps.Equal(s, o)
}

// String renders the CSNs separated by spaces, ordered by server id.
func (s ServerState) String() string {
	parts := make([]string, 0, len(s))
	for _, c := range s.CSNs() {
		parts = append(parts, c.String())
	}
	return strings.Join(parts, " ")
}

// ParseServerState parses the output of String.
func ParseServerState(text string) (ServerState, error) {
	s := ServerState{}
	for _, field := range strings.Fields(text) {
		c, err := Parse(field)
		if err != nil {
			return nil, err
		}
		s.Update(c)
	}
	return s, nil
}
