package replication

import (
	"slices"
	"strings"
	"sync"
)

// Registry tracks the replication servers running in a process.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*ReplicationServer
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

func NewRegistry() *Registry {
	return &Registry{servers: make(map[string]*ReplicationServer)}
}

func (r *Registry) Register(rs *ReplicationServer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[rs.InstanceID()] = rs
}

func (r *Registry) Deregister(rs *ReplicationServer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.servers[rs.InstanceID()] == rs {
		delete(r.servers, rs.InstanceID())
	}
}

// Servers returns the registered servers ordered by instance id.
func (r *Registry) Servers() []*ReplicationServer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ReplicationServer, 0, len(r.servers))
	for _, rs := range r.servers {
		out = append(out, rs)
	}
	slices.SortFunc(out, func(a, b *ReplicationServer) int {
		return strings.Compare(a.InstanceID(), b.InstanceID())
	})
	return out
}

// Lookup returns the registered server with serverID.
func (r *Registry) Lookup(serverID uint16) (*ReplicationServer, bool) {
	for _, rs := range r.Servers() {
		if rs.ServerID() == serverID {
			return rs, true
		}
	}
	return nil, false
}
