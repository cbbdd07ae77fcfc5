package replication

import (
	"fmt"
	"sync"
)

// Topics of the monitoring publisher. Subscribers filter on the prefix.
const (
	TopicMonitor  = "MONITOR:"
	TopicTopology = "TOPOLOGY:"
)

// Publisher broadcasts monitoring snapshots to subscribers.
type Publisher interface {
	Publish(topic string, payload []byte) error
	Close() error
}

type publisherFactory func(addr string) (Publisher, error)

var (
	publishersMu sync.RWMutex
	publishers   = map[string]publisherFactory{}
)

func registerPublisher(transport string, f publisherFactory) {
	publishersMu.Lock()
	defer publishersMu.Unlock()
	publishers[transport] = f
}

// NewPublisher binds a publisher of transport to addr.
func NewPublisher(transport, addr string) (Publisher, error) {
	publishersMu.RLock()
	f, ok := publishers[transport]
	publishersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("monitor transport %q not available in this build", transport)
	}
	return f(addr)
}
