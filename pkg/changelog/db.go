package changelog

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dd0wney/cluso-changelog/pkg/csn"
	"github.com/dd0wney/cluso-changelog/pkg/logging"
	"github.com/dd0wney/cluso-changelog/pkg/metrics"
)

// DefaultPurgeInterval is how often the purger runs when Options leaves it unset.
const DefaultPurgeInterval = 10 * time.Second

// Options configures a Changelog.
type Options struct {
	// PurgeDelay is how long changes are kept. Zero keeps them forever.
	PurgeDelay          time.Duration
	PurgeInterval       time.Duration
	ComputeChangeNumber bool
	Logger              logging.Logger
	Metrics             *metrics.Registry
	// Clock replaces time.Now when deciding what to purge.
	Clock func() time.Time
}

// Changelog implements DB on top of a Backend.
type Changelog struct {
	backend Backend
	logger  logging.Logger
	metrics *metrics.Registry

	mu      sync.Mutex
	domains map[string]*DomainDB
	index   *ChangeNumberIndex
	open    bool

	purgeDelay    atomic.Int64
	computeCN     atomic.Bool
	purgeInterval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

var _ DB = (*Changelog)(nil)

// New wraps backend. Call InitializeDB before use.
func New(backend Backend, opts Options) *Changelog {
	logger := logging.OrDefault(opts.Logger).With(
		logging.Component("changelog"),
		logging.String("backend", backend.Name()),
	)
	c := &Changelog{
		backend:       backend,
		logger:        logger,
		metrics:       metrics.OrDefault(opts.Metrics),
		domains:       make(map[string]*DomainDB),
		purgeInterval: opts.PurgeInterval,
		now:           time.Now,
	}
	if opts.Clock != nil {
		c.now = opts.Clock
	}
	if c.purgeInterval <= 0 {
		c.purgeInterval = DefaultPurgeInterval
	}
	c.purgeDelay.Store(int64(opts.PurgeDelay))
	c.computeCN.Store(opts.ComputeChangeNumber)
	return c
}

// InitializeDB opens the index and every existing domain, then starts the purger.
func (c *Changelog) InitializeDB() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.open {
		return nil
	}

	idx, err := c.backend.OpenIndex()
	if err != nil {
		return fmt.Errorf("open change number index: %w", err)
	}
	index, err := newChangeNumberIndex(idx, c.metrics)
	if err != nil {
		idx.Close()
		return err
	}

	names, err := c.backend.ListDomains()
	if err != nil {
		index.close()
		return fmt.Errorf("list domains: %w", err)
	}
	domains := make(map[string]*DomainDB, len(names))
	for _, baseDN := range names {
		d, err := c.openDomain(baseDN, index)
		if err != nil {
			for _, opened := range domains {
				opened.close()
			}
			index.close()
			return err
		}
		domains[baseDN] = d
	}

	c.index = index
	c.domains = domains
	c.open = true
	c.stopCh = make(chan struct{})

	c.wg.Add(1)
	go c.purgeLoop(c.stopCh)

	c.logger.Info("changelog initialized",
		logging.Count(len(domains)),
		logging.Int64("last_change_number", index.LastGeneratedChangeNumber()))
	return nil
}

func (c *Changelog) openDomain(baseDN string, index *ChangeNumberIndex) (*DomainDB, error) {
	store, err := c.backend.OpenDomain(baseDN)
	if err != nil {
		return nil, fmt.Errorf("open domain %s: %w", baseDN, err)
	}
	d, err := newDomainDB(baseDN, store, c, index)
	if err != nil {
		store.Close()
		return nil, err
	}
	return d, nil
}

// ShutdownDB stops the purger and closes all stores.
func (c *Changelog) ShutdownDB() error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil
	}
	c.open = false
	close(c.stopCh)
	domains := c.domains
	index := c.index
	c.domains = make(map[string]*DomainDB)
	c.index = nil
	c.mu.Unlock()

	c.wg.Wait()

	var errs []error
	for _, d := range domains {
		errs = append(errs, d.close())
	}
	errs = append(errs, index.close())
	errs = append(errs, c.backend.Close())

	c.logger.Info("changelog shut down")
	return errors.Join(errs...)
}

func (c *Changelog) ChangeNumberIndexDB() *ChangeNumberIndex {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

// DomainDB returns the store of baseDN, creating it on first use.
func (c *Changelog) DomainDB(baseDN string) (*DomainDB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return nil, ErrClosed
	}
	if d, ok := c.domains[baseDN]; ok {
		return d, nil
	}
	d, err := c.openDomain(baseDN, c.index)
	if err != nil {
		return nil, err
	}
	c.domains[baseDN] = d
	c.logger.Debug("domain store created", logging.BaseDN(baseDN))
	return d, nil
}

// BaseDNs returns the stored domains in ascending order.
func (c *Changelog) BaseDNs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.domains))
}

// RemoveDomain deletes every change of baseDN and its index records.
func (c *Changelog) RemoveDomain(baseDN string) error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return ErrClosed
	}
	d, ok := c.domains[baseDN]
	delete(c.domains, baseDN)
	index := c.index
	c.mu.Unlock()

	if ok {
		if err := d.close(); err != nil {
			c.logger.Warn("closing removed domain", logging.BaseDN(baseDN), logging.Error(err))
		}
	}
	if err := c.backend.RemoveDomain(baseDN); err != nil {
		return fmt.Errorf("remove domain %s: %w", baseDN, err)
	}
	if _, err := index.RemoveDomain(baseDN); err != nil {
		return err
	}
	c.metrics.ForgetDomain(baseDN)
	c.logger.Info("domain removed", logging.BaseDN(baseDN))
	return nil
}

// Ping reports whether the changelog is open and its backend answers.
func (c *Changelog) Ping() error {
	c.mu.Lock()
	open := c.open
	c.mu.Unlock()
	if !open {
		return ErrClosed
	}
	if _, err := c.backend.ListDomains(); err != nil {
		return fmt.Errorf("%s backend: %w", c.backend.Name(), err)
	}
	return nil
}

func (c *Changelog) SetPurgeDelay(d time.Duration) {
	c.purgeDelay.Store(int64(d))
}

func (c *Changelog) PurgeDelay() time.Duration {
	return time.Duration(c.purgeDelay.Load())
}

func (c *Changelog) SetComputeChangeNumber(on bool) {
	c.computeCN.Store(on)
}

func (c *Changelog) ComputeChangeNumber() bool {
	return c.computeCN.Load()
}

func (c *Changelog) purgeLoop(stop <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.Purge(); err != nil {
				c.logger.Error("purge failed", logging.Error(err))
			}
		}
	}
}

// Purge removes changes older than the purge delay from every domain and
// from the change number index. The newest change of every server is kept
// so domain states never move backwards.
func (c *Changelog) Purge() error {
	delay := c.PurgeDelay()
	if delay <= 0 {
		return nil
	}
	cutoff := csn.New(c.now().Add(-delay).UnixMilli(), 0, 0)

	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return ErrClosed
	}
	domains := slices.Collect(maps.Values(c.domains))
	index := c.index
	c.mu.Unlock()

	var errs []error
	total := 0
	for _, d := range domains {
		n, err := d.PurgeBefore(cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge %s: %w", d.BaseDN(), err))
			continue
		}
		total += n
	}
	c.metrics.RecordPurge("domain", total)

	n, err := index.PurgeBefore(cutoff)
	if err != nil {
		errs = append(errs, err)
	}
	c.metrics.RecordPurge("cn_index", n)

	if total > 0 || n > 0 {
		c.logger.Debug("purged changelog",
			logging.Int("changes", total),
			logging.Int("index_records", n),
			logging.String("cutoff", cutoff.Time().UTC().Format(time.RFC3339)))
	}
	return errors.Join(errs...)
}
