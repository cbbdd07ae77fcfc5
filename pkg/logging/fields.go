package logging

import (
	"fmt"
	"time"
)

// Keys shared by every component, so log queries can join on them.
const (
	KeyComponent = "component"
	KeyBaseDN    = "base_dn"
	KeyServerID  = "server_id"
	KeyPeer      = "peer"
	KeyRole      = "role"
	KeyCSN       = "csn"
	KeyError     = "error"
)

func String(key, value string) Field      { return Field{key, value} }
func Int(key string, value int) Field     { return Field{key, value} }
func Int64(key string, value int64) Field { return Field{key, value} }
func Bool(key string, value bool) Field   { return Field{key, value} }

// Duration is logged in its String form ("1.5s"), not nanoseconds.
func Duration(key string, value time.Duration) Field {
	return Field{key, value.String()}
}

// Error logs err's message under "error". A nil error logs null.
func Error(err error) Field {
	if err == nil {
		return Field{KeyError, nil}
	}
	return Field{KeyError, err.Error()}
}

// Stringer calls v.String when the field is built.
func Stringer(key string, v fmt.Stringer) Field {
	if v == nil {
		return Field{key, nil}
	}
	return Field{key, v.String()}
}

func Component(name string) Field { return String(KeyComponent, name) }
func BaseDN(dn string) Field      { return String(KeyBaseDN, dn) }
func ServerID(id uint16) Field    { return Field{KeyServerID, id} }
func Peer(addr string) Field      { return String(KeyPeer, addr) }
func Role(role string) Field      { return String(KeyRole, role) }
func CSN(c fmt.Stringer) Field    { return Stringer(KeyCSN, c) }

func Latency(d time.Duration) Field { return Duration("latency", d) }
func Count(n int) Field             { return Int("count", n) }
func Path(p string) Field           { return String("path", p) }
