package replication

import (
	"io"

	"github.com/dd0wney/cluso-changelog/pkg/logging"
)

// ResourceCleanup closes what a partially completed startup opened.
// Resources are closed in reverse order (LIFO).
//
//	cleanup := NewResourceCleanup(logger)
//	defer cleanup.Cleanup()
//	... cleanup.Add(ln, "listener") ...
//	cleanup.Clear() // startup succeeded, keep everything open
type ResourceCleanup struct {
	resources []namedCloser
	logger    logging.Logger
}

type namedCloser struct {
	closer io.Closer
	name   string
}

// closerFunc adapts a shutdown function to io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// NewResourceCleanup creates an empty cleanup stack.
func NewResourceCleanup(logger logging.Logger) *ResourceCleanup {
	return &ResourceCleanup{
		resources: make([]namedCloser, 0, 8),
		logger:    logging.OrDefault(logger),
	}
}

// Add registers a resource to be closed.
func (rc *ResourceCleanup) Add(closer io.Closer, name string) {
	rc.resources = append(rc.resources, namedCloser{closer: closer, name: name})
}

// AddFunc registers a shutdown function.
func (rc *ResourceCleanup) AddFunc(fn func() error, name string) {
	rc.Add(closerFunc(fn), name)
}

// Cleanup closes every registered resource, logging failures. Idempotent.
func (rc *ResourceCleanup) Cleanup() {
	_ = rc.CloseAll()
}

// Clear forgets every resource without closing it.
func (rc *ResourceCleanup) Clear() {
	rc.resources = rc.resources[:0]
}

// CloseAll closes every registered resource and returns the first error.
func (rc *ResourceCleanup) CloseAll() error {
	var firstErr error
	for i := len(rc.resources) - 1; i >= 0; i-- {
		r := rc.resources[i]
		if r.closer == nil {
			continue
		}
		if err := r.closer.Close(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			rc.logger.Warn("failed to close resource during cleanup",
				logging.String("resource", r.name), logging.Error(err))
		}
	}
	rc.resources = rc.resources[:0]
	return firstErr
}

// Len returns the number of registered resources.
func (rc *ResourceCleanup) Len() int {
	return len(rc.resources)
}
