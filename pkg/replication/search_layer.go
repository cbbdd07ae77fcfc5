package replication

import (
	"context"
	"fmt"
	"sync"

	"github.com/dd0wney/cluso-changelog/pkg/protocol"
)

// Names registered with the search layer while the external changelog is
// enabled.
const (
	ECLWorkflowName         = "changelog"
	AttrLastChangelogCookie = "lastexternalchangelogcookie"
	AttrFirstChangeNumber   = "firstchangenumber"
	AttrLastChangeNumber    = "lastchangenumber"
	AttrChangelog           = "changelog"
	ECLBaseDN               = "cn=changelog"
)

// Workflow serves searches of a registered suffix.
type Workflow interface {
	StartPersistentSearch(ctx context.Context, msg *protocol.StartECLSessionMsg, ps PersistentSearch) (*ECLServerWriter, error)
}

// SearchLayer is the directory front end the external changelog is
// published into.
type SearchLayer interface {
	RegisterWorkflow(name string, w Workflow) error
	DeregisterWorkflow(name string) error
	RegisterVirtualAttribute(name string, value func() string) error
	DeregisterVirtualAttribute(name string) error
}

// MemorySearchLayer is a SearchLayer kept in memory, used when no directory
// front end is attached.
type MemorySearchLayer struct {
	mu         sync.RWMutex
	workflows  map[string]Workflow
	attributes map[string]func() string
}

func NewMemorySearchLayer() *MemorySearchLayer {
	return &MemorySearchLayer{
		workflows:  make(map[string]Workflow),
		attributes: make(map[string]func() string),
	}
}

func (l *MemorySearchLayer) RegisterWorkflow(name string, w Workflow) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.workflows[name]; ok {
		return fmt.Errorf("workflow %q already registered", name)
	}
	l.workflows[name] = w
	return nil
}

func (l *MemorySearchLayer) DeregisterWorkflow(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.workflows, name)
	return nil
}

func (l *MemorySearchLayer) RegisterVirtualAttribute(name string, value func() string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.attributes[name]; ok {
		return fmt.Errorf("virtual attribute %q already registered", name)
	}
	l.attributes[name] = value
	return nil
}

func (l *MemorySearchLayer) DeregisterVirtualAttribute(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attributes, name)
	return nil
}

// Workflow returns the workflow registered under name.
func (l *MemorySearchLayer) Workflow(name string) (Workflow, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	w, ok := l.workflows[name]
	return w, ok
}

// Attribute evaluates the virtual attribute name.
func (l *MemorySearchLayer) Attribute(name string) (string, bool) {
	l.mu.RLock()
	fn, ok := l.attributes[name]
	l.mu.RUnlock()
	if !ok {
		return "", false
	}
	return fn(), true
}

// Attributes evaluates every registered virtual attribute.
func (l *MemorySearchLayer) Attributes() map[string]string {
	l.mu.RLock()
	fns := make(map[string]func() string, len(l.attributes))
	for name, fn := range l.attributes {
		fns[name] = fn
	}
	l.mu.RUnlock()

	out := make(map[string]string, len(fns))
	for name, fn := range fns {
		out[name] = fn()
	}
	return out
}
