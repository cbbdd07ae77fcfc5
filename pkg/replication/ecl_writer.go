package replication

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dd0wney/cluso-changelog/pkg/logging"
	"github.com/dd0wney/cluso-changelog/pkg/metrics"
	"github.com/dd0wney/cluso-changelog/pkg/protocol"
)

// WriterState is the lifecycle of an ECLServerWriter.
type WriterState int32

const (
	WriterSuspended WriterState = iota
	WriterRunning
	WriterShutdown
)

func (s WriterState) String() string {
	switch s {
	case WriterSuspended:
		return "suspended"
	case WriterRunning:
		return "running"
	case WriterShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("WriterState(%d)", int32(s))
	}
}

const eclPollInterval = 200 * time.Millisecond

// ECLEntry is an external changelog change rendered for a search.
type ECLEntry struct {
	DN              string
	TargetDN        string
	ChangeNumber    int64
	ChangeLogCookie string
	ReplicationCSN  string
	ServerID        uint16
	ChangeTime      time.Time
	Changes         []byte
}

// PersistentSearch receives the entries of an in-process external
// changelog search.
type PersistentSearch interface {
	SendEntry(e ECLEntry) error
	// Cancel ends the search after a delivery failure.
	Cancel(err error)
}

// toEntry renders an update as a changelog entry.
func toEntry(m *protocol.ECLUpdateMsg) (ECLEntry, error) {
	if m == nil || m.Update == nil {
		return ECLEntry{}, errors.New("external changelog update without change")
	}
	c := m.Update.CSN()
	dn := "replicationCSN=" + c.String() + "," + m.BaseDN + ",cn=changelog"
	if m.ChangeNumber > 0 {
		dn = "changeNumber=" + strconv.FormatInt(m.ChangeNumber, 10) + ",cn=changelog"
	}
	return ECLEntry{
		DN:              dn,
		TargetDN:        m.BaseDN,
		ChangeNumber:    m.ChangeNumber,
		ChangeLogCookie: m.Cookie,
		ReplicationCSN:  c.String(),
		ServerID:        c.ServerID,
		ChangeTime:      c.Time(),
		Changes:         m.Update.Payload(),
	}, nil
}

// ECLServerWriter pushes the changes of one external changelog search to
// its reader: a remote session or an in-process persistent search. It
// starts suspended.
type ECLServerWriter struct {
	handler *ECLServerHandler
	session Session
	search  PersistentSearch
	logger  logging.Logger
	metrics *metrics.Registry

	mu    sync.Mutex
	state WriterState
	// resumed records a resume that arrived while running.
	resumed bool

	resumeCh chan struct{}
	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newECLServerWriter(h *ECLServerHandler, session Session, search PersistentSearch, logger logging.Logger, m *metrics.Registry) *ECLServerWriter {
	return &ECLServerWriter{
		handler:  h,
		session:  session,
		search:   search,
		logger:   logging.OrDefault(logger).With(logging.Role(RoleECL.String()), logging.String("session", h.SessionID())),
		metrics:  metrics.OrDefault(m),
		resumeCh: make(chan struct{}, 1),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (w *ECLServerWriter) Handler() *ECLServerHandler { return w.handler }

func (w *ECLServerWriter) State() WriterState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// suspend parks a running writer, unless it was resumed while finishing
// the search.
func (w *ECLServerWriter) suspend() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.state == WriterShutdown:
		return nil
	case w.state != WriterRunning:
		return fmt.Errorf("%w: writer suspended in state %s", ErrIllegalTransition, w.state)
	case w.resumed:
		w.resumed = false
		return nil
	}
	w.state = WriterSuspended
	return nil
}

// ResumeWriter starts or continues writing. Resuming a running writer does
// nothing.
func (w *ECLServerWriter) ResumeWriter() error {
	w.mu.Lock()
	switch w.state {
	case WriterShutdown:
		w.mu.Unlock()
		return ErrShutdown
	case WriterSuspended:
		w.state = WriterRunning
		w.resumed = false
	case WriterRunning:
		w.resumed = true
	}
	w.mu.Unlock()

	select {
	case w.resumeCh <- struct{}{}:
	default:
	}
	w.notify()
	return nil
}

// notify wakes a writer polling for new changes.
func (w *ECLServerWriter) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// ShutdownWriter stops the writer. It is idempotent and returns without
// waiting; Done is closed once the writer has exited.
func (w *ECLServerWriter) ShutdownWriter() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.state = WriterShutdown
		w.mu.Unlock()
		close(w.stopCh)
	})
}

func (w *ECLServerWriter) Done() <-chan struct{} { return w.done }

func (w *ECLServerWriter) run() {
	defer close(w.done)
	defer w.handler.close()
	defer func() {
		// A remote reader learns the search is over when its session closes.
		if w.session != nil {
			w.session.Close()
		}
	}()

	for w.waitRunning() {
		if err := w.doIt(); err != nil {
			w.logger.Warn("external changelog search ended", logging.Error(err))
			w.ShutdownWriter()
			return
		}
	}
}

// waitRunning blocks while the writer is suspended. It returns false once
// the writer is shut down.
func (w *ECLServerWriter) waitRunning() bool {
	for {
		switch w.State() {
		case WriterRunning:
			return true
		case WriterShutdown:
			return false
		}
		select {
		case <-w.resumeCh:
		case <-w.stopCh:
			return false
		}
	}
}

// doIt writes changes until the search is exhausted. A non-persistent
// search then reports Done and suspends the writer; a persistent one
// reports Done once and keeps polling.
func (w *ECLServerWriter) doIt() error {
	timer := time.NewTimer(eclPollInterval)
	defer timer.Stop()

	for w.State() == WriterRunning {
		upd, err := w.handler.TakeECLUpdate()
		if err != nil {
			return err
		}
		if upd != nil {
			if err := w.publish(upd); err != nil {
				return err
			}
			continue
		}

		if !w.handler.Mode().IsPersistent() {
			if err := w.sendDone(); err != nil {
				return err
			}
			w.handler.reset()
			return w.suspend()
		}
		if w.handler.endInitialPhase() {
			if err := w.sendDone(); err != nil {
				return err
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(eclPollInterval)
		select {
		case <-w.wake:
		case <-timer.C:
		case <-w.stopCh:
			return nil
		}
	}
	return nil
}

func (w *ECLServerWriter) publish(upd *protocol.ECLUpdateMsg) error {
	if w.session != nil {
		if err := w.session.Send(upd); err != nil {
			return err
		}
		w.metrics.ECLUpdatesTotal.Inc()
		return nil
	}

	entry, err := toEntry(upd)
	if err == nil {
		err = w.search.SendEntry(entry)
	}
	if err != nil {
		w.search.Cancel(err)
		return fmt.Errorf("deliver %s: %w", upd.Cookie, err)
	}
	w.metrics.ECLUpdatesTotal.Inc()
	return nil
}

func (w *ECLServerWriter) sendDone() error {
	w.metrics.ECLDoneTotal.Inc()
	if w.session == nil {
		return nil
	}
	return w.session.Send(&protocol.DoneMsg{})
}
