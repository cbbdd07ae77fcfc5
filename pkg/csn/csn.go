// Package csn implements change sequence numbers, the total order used to
// sequence replicated updates, and the per-server state vectors built on them.
package csn

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// StringLength is the length of the canonical text form of a CSN.
const StringLength = 16 + 4 + 8

// ErrInvalidCSN is returned when parsing a malformed CSN string.
var ErrInvalidCSN = errors.New("invalid csn")

// CSN identifies one update: the time it was made, the server that made it,
// and a per-server sequence number that breaks ties inside one millisecond.
type CSN struct {
	Timestamp int64 // milliseconds since the epoch
	ServerID  uint16
	SeqNum    uint32
}

// Zero is the CSN older than every generated CSN.
var Zero CSN

// New builds a CSN.
func New(timestamp int64, serverID uint16, seqNum uint32) CSN {
	return CSN{Timestamp: timestamp, ServerID: serverID, SeqNum: seqNum}
}

// Compare orders by timestamp, then server id, then sequence number.
func (c CSN) Compare(o CSN) int {
	switch {
	case c.Timestamp < o.Timestamp:
		return -1
	case c.Timestamp > o.Timestamp:
		return 1
	case c.ServerID < o.ServerID:
		return -1
	case c.ServerID > o.ServerID:
		return 1
	case c.SeqNum < o.SeqNum:
		return -1
	case c.SeqNum > o.SeqNum:
		return 1
	}
	return 0
}

func (c CSN) IsOlderThan(o CSN) bool { return c.Compare(o) < 0 }
func (c CSN) IsNewerThan(o CSN) bool { return c.Compare(o) > 0 }

// IsZero reports whether c is the zero CSN.
func (c CSN) IsZero() bool { return c == Zero }

// Time returns the timestamp as a time.Time.
func (c CSN) Time() time.Time { return time.UnixMilli(c.Timestamp) }

// String returns the fixed-width hex form. Lexical order of the strings
// equals CSN order.
func (c CSN) String() string {
	return fmt.Sprintf("%016x%04x%08x", uint64(c.Timestamp), c.ServerID, c.SeqNum)
}

// Parse is the inverse of String.
func Parse(s string) (CSN, error) {
	if len(s) != StringLength {
		return Zero, fmt.Errorf("%w: %q has length %d", ErrInvalidCSN, s, len(s))
	}
	ts, err := strconv.ParseUint(s[:16], 16, 64)
	if err != nil {
		return Zero, fmt.Errorf("%w: timestamp of %q: %v", ErrInvalidCSN, s, err)
	}
	sid, err := strconv.ParseUint(s[16:20], 16, 16)
	if err != nil {
		return Zero, fmt.Errorf("%w: server id of %q: %v", ErrInvalidCSN, s, err)
	}
	seq, err := strconv.ParseUint(s[20:], 16, 32)
	if err != nil {
		return Zero, fmt.Errorf("%w: seqnum of %q: %v", ErrInvalidCSN, s, err)
	}
	return CSN{Timestamp: int64(ts), ServerID: uint16(sid), SeqNum: uint32(seq)}, nil
}

// MustParse is Parse for constants in tests and fixtures.
func MustParse(s string) CSN {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

// MarshalText encodes a CSN as its string form, so JSON carries it as a string.
func (c CSN) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText parses the string form.
func (c *CSN) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
