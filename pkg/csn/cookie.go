package csn

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Cookie is a multi-domain server state: the position of an external
// changelog reader in every replicated base DN. Its text form is
// "dn1:csn csn;dn2:csn;" with domains in ascending order.
type Cookie map[string]ServerState

// Update records c for baseDN.
func (k Cookie) Update(baseDN string, c CSN) {
	s, ok := k[baseDN]
	if !ok {
		s = ServerState{}
		k[baseDN] = s
	}
	s.Update(c)
}

// State returns the state for baseDN, empty when unknown.
func (k Cookie) State(baseDN string) ServerState {
	if s, ok := k[baseDN]; ok {
		return s
	}
	return ServerState{}
}

// Copy returns a deep copy.
func (k Cookie) Copy() Cookie {
	out := make(Cookie, len(k))
	for dn, s := range k {
		out[dn] = s.Copy()
	}
	return out
}

// BaseDNs returns the domains in ascending order.
func (k Cookie) BaseDNs() []string {
	return slices.Sorted(maps.Keys(k))
}

func (k Cookie) String() string {
	var b strings.Builder
	for _, dn := range k.BaseDNs() {
		b.WriteString(dn)
		b.WriteByte(':')
		b.WriteString(k[dn].String())
		b.WriteByte(';')
	}
	return b.String()
}

// ParseCookie parses the text form of a cookie. The empty string is the
// empty cookie.
func ParseCookie(text string) (Cookie, error) {
	k := Cookie{}
	text = strings.TrimSpace(text)
	for _, part := range strings.Split(text, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		// The DN itself contains no ':' but may contain '=' and ','.
		idx := strings.LastIndexByte(part, ':')
		if idx <= 0 {
			return nil, fmt.Errorf("invalid cookie element %q", part)
		}
		dn := strings.TrimSpace(part[:idx])
		state, err := ParseServerState(part[idx+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid cookie element %q: %w", part, err)
		}
		k[dn] = state
	}
	return k, nil
}

// MarshalText encodes the cookie in its text form.
func (k Cookie) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses the text form.
func (k *Cookie) UnmarshalText(b []byte) error {
	parsed, err := ParseCookie(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
