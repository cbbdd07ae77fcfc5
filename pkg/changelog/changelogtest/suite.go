// Package changelogtest holds the conformance suite every changelog
// backend must pass.
package changelogtest

import (
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-changelog/pkg/changelog"
	"github.com/dd0wney/cluso-changelog/pkg/csn"
	"github.com/dd0wney/cluso-changelog/pkg/logging"
	"github.com/dd0wney/cluso-changelog/pkg/metrics"
	"github.com/dd0wney/cluso-changelog/pkg/protocol"
)

// Factory prepares empty storage for one test and returns a function that
// opens a backend on it. Calling the returned function again after
// ShutdownDB must see the same data.
type Factory func(t *testing.T) func() changelog.Backend

const (
	dnA = "dc=example,dc=com"
	dnB = "o=test"
)

// Update builds an update with a payload derived from its CSN.
func Update(ts int64, sid uint16, seq uint32) *protocol.UpdateMsg {
	c := csn.New(ts, sid, seq)
	return protocol.NewUpdateMsg(c, []byte("change-"+c.String()), false, protocol.Version)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func openDB(t *testing.T, open func() changelog.Backend, opts changelog.Options) *changelog.Changelog {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}
	if opts.PurgeInterval == 0 {
		opts.PurgeInterval = time.Hour
	}
	db := changelog.New(open(), opts)
	require.NoError(t, db.InitializeDB())
	return db
}

func drain(t *testing.T, cur *changelog.Cursor) []csn.CSN {
	t.Helper()
	var out []csn.CSN
	for cur.Next() {
		out = append(out, cur.Update().CSN())
	}
	require.NoError(t, cur.Err())
	return out
}

// Run executes the conformance suite against factory.
func Run(t *testing.T, factory Factory) {
	t.Run("AppendGetDedup", func(t *testing.T) { testAppendGetDedup(t, factory) })
	t.Run("CursorOrder", func(t *testing.T) { testCursorOrder(t, factory) })
	t.Run("CursorSeesLaterAppends", func(t *testing.T) { testCursorSeesLaterAppends(t, factory) })
	t.Run("GenerationIDPersists", func(t *testing.T) { testGenerationIDPersists(t, factory) })
	t.Run("ChangeNumbers", func(t *testing.T) { testChangeNumbers(t, factory) })
	t.Run("ChangeNumbersNeverReused", func(t *testing.T) { testChangeNumbersNeverReused(t, factory) })
	t.Run("ComputeChangeNumberOff", func(t *testing.T) { testComputeChangeNumberOff(t, factory) })
	t.Run("Purge", func(t *testing.T) { testPurge(t, factory) })
	t.Run("RemoveDomainAndClear", func(t *testing.T) { testRemoveDomainAndClear(t, factory) })
	t.Run("ClosedDB", func(t *testing.T) { testClosedDB(t, factory) })
}

func testAppendGetDedup(t *testing.T, factory Factory) {
	db := openDB(t, factory(t), changelog.Options{})
	defer db.ShutdownDB()

	d, err := db.DomainDB(dnA)
	require.NoError(t, err)
	assert.True(t, d.IsEmpty())
	assert.Equal(t, changelog.NoGenerationID, d.GenerationID())

	u := Update(1000, 1, 1)
	stored, err := d.Append(u)
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = d.Append(Update(1000, 1, 1))
	require.NoError(t, err)
	assert.False(t, stored, "duplicate CSN must not be stored twice")
	assert.EqualValues(t, 1, d.Count())

	got, err := d.Get(u.CSN())
	require.NoError(t, err)
	assert.True(t, got.SameContent(u))
	assert.Equal(t, u.CSN(), got.CSN())

	_, err = d.Get(csn.New(5, 5, 5))
	assert.True(t, errors.Is(err, changelog.ErrNotFound), "got %v", err)

	// An older CSN from the same server that was never stored is not a duplicate.
	stored, err = d.Append(Update(900, 1, 1))
	require.NoError(t, err)
	assert.True(t, stored)

	assert.Equal(t, csn.New(900, 1, 1), d.OldestState()[1])
	assert.Equal(t, csn.New(1000, 1, 1), d.NewestState()[1])
	assert.Equal(t, []string{dnA}, db.BaseDNs())
}

func testCursorOrder(t *testing.T, factory Factory) {
	db := openDB(t, factory(t), changelog.Options{})
	defer db.ShutdownDB()

	d, err := db.DomainDB(dnA)
	require.NoError(t, err)

	// Interleave three servers out of global order.
	var want []csn.CSN
	for i := uint32(1); i <= 100; i++ {
		for _, sid := range []uint16{3, 1, 2} {
			u := Update(int64(i*10)+int64(sid), sid, i)
			_, err := d.Append(u)
			require.NoError(t, err)
			want = append(want, u.CSN())
		}
	}
	sortCSNs(want)

	got := drain(t, d.Cursor(nil))
	require.Equal(t, want, got)

	// Starting from a state skips covered changes of each server only.
	from := csn.NewServerState(csn.New(500+1, 1, 50), csn.New(1000+3, 3, 100))
	var wantFrom []csn.CSN
	for _, c := range want {
		if !from.Covers(c) {
			wantFrom = append(wantFrom, c)
		}
	}
	assert.Equal(t, wantFrom, drain(t, d.Cursor(from)))
}

func testCursorSeesLaterAppends(t *testing.T, factory Factory) {
	db := openDB(t, factory(t), changelog.Options{})
	defer db.ShutdownDB()

	d, err := db.DomainDB(dnA)
	require.NoError(t, err)
	_, err = d.Append(Update(10, 1, 1))
	require.NoError(t, err)

	cur := d.Cursor(nil)
	defer cur.Close()
	require.Len(t, drain(t, cur), 1)

	_, err = d.Append(Update(20, 2, 1))
	require.NoError(t, err)
	_, err = d.Append(Update(30, 1, 2))
	require.NoError(t, err)

	assert.Equal(t, []csn.CSN{csn.New(20, 2, 1), csn.New(30, 1, 2)}, drain(t, cur))
	assert.Equal(t, csn.New(30, 1, 2), cur.Position()[1])
}

func testGenerationIDPersists(t *testing.T, factory Factory) {
	open := factory(t)
	db := openDB(t, open, changelog.Options{})
	d, err := db.DomainDB(dnA)
	require.NoError(t, err)
	require.NoError(t, d.SetGenerationID(4242))
	_, err = d.Append(Update(10, 1, 1))
	require.NoError(t, err)
	require.NoError(t, db.ShutdownDB())

	db = openDB(t, open, changelog.Options{})
	defer db.ShutdownDB()
	assert.Equal(t, []string{dnA}, db.BaseDNs())
	d, err = db.DomainDB(dnA)
	require.NoError(t, err)
	assert.EqualValues(t, 4242, d.GenerationID())
	assert.EqualValues(t, 1, d.Count())
	assert.Equal(t, csn.New(10, 1, 1), d.NewestState()[1])
}

func testChangeNumbers(t *testing.T, factory Factory) {
	db := openDB(t, factory(t), changelog.Options{ComputeChangeNumber: true})
	defer db.ShutdownDB()

	a, err := db.DomainDB(dnA)
	require.NoError(t, err)
	b, err := db.DomainDB(dnB)
	require.NoError(t, err)

	idx := db.ChangeNumberIndexDB()
	assert.True(t, idx.IsEmpty())

	appends := []struct {
		d *changelog.DomainDB
		u *protocol.UpdateMsg
	}{
		{a, Update(30, 1, 1)},
		{b, Update(10, 2, 1)},
		{a, Update(20, 3, 1)},
	}
	for _, ap := range appends {
		_, err := ap.d.Append(ap.u)
		require.NoError(t, err)
	}
	// Duplicates never consume a change number.
	_, err = a.Append(Update(30, 1, 1))
	require.NoError(t, err)

	assert.EqualValues(t, 3, idx.LastGeneratedChangeNumber())
	oldest, ok := idx.OldestRecord()
	require.True(t, ok)
	assert.Equal(t, changelog.ChangeNumberIndexRecord{ChangeNumber: 1, BaseDN: dnA, CSN: csn.New(30, 1, 1)}, oldest)
	newest, ok := idx.NewestRecord()
	require.True(t, ok)
	assert.EqualValues(t, 3, newest.ChangeNumber)

	rec, err := idx.Lookup(2)
	require.NoError(t, err)
	assert.Equal(t, dnB, rec.BaseDN)

	rec, err = idx.FindCSN(dnA, csn.New(20, 3, 1))
	require.NoError(t, err)
	assert.EqualValues(t, 3, rec.ChangeNumber)

	_, err = idx.Lookup(99)
	assert.True(t, errors.Is(err, changelog.ErrNotFound))

	recs, err := idx.Scan(1, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.EqualValues(t, 2, recs[0].ChangeNumber)
	assert.EqualValues(t, 3, recs[1].ChangeNumber)
}

func testChangeNumbersNeverReused(t *testing.T, factory Factory) {
	open := factory(t)
	db := openDB(t, open, changelog.Options{ComputeChangeNumber: true})
	d, err := db.DomainDB(dnA)
	require.NoError(t, err)
	for i := uint32(1); i <= 3; i++ {
		_, err := d.Append(Update(int64(i), 1, i))
		require.NoError(t, err)
	}
	require.NoError(t, db.ChangeNumberIndexDB().Clear())
	require.NoError(t, db.ShutdownDB())

	db = openDB(t, open, changelog.Options{ComputeChangeNumber: true})
	defer db.ShutdownDB()
	idx := db.ChangeNumberIndexDB()
	assert.True(t, idx.IsEmpty())
	assert.EqualValues(t, 3, idx.LastGeneratedChangeNumber())

	d, err = db.DomainDB(dnA)
	require.NoError(t, err)
	_, err = d.Append(Update(10, 1, 10))
	require.NoError(t, err)
	rec, ok := idx.NewestRecord()
	require.True(t, ok)
	assert.EqualValues(t, 4, rec.ChangeNumber)
}

func testComputeChangeNumberOff(t *testing.T, factory Factory) {
	db := openDB(t, factory(t), changelog.Options{})
	defer db.ShutdownDB()
	d, err := db.DomainDB(dnA)
	require.NoError(t, err)
	_, err = d.Append(Update(1, 1, 1))
	require.NoError(t, err)
	assert.True(t, db.ChangeNumberIndexDB().IsEmpty())

	db.SetComputeChangeNumber(true)
	assert.True(t, db.ComputeChangeNumber())
	_, err = d.Append(Update(2, 1, 2))
	require.NoError(t, err)
	assert.EqualValues(t, 1, db.ChangeNumberIndexDB().LastGeneratedChangeNumber())
}

func testPurge(t *testing.T, factory Factory) {
	clk := &clock{now: time.UnixMilli(100_000)}
	db := openDB(t, factory(t), changelog.Options{ComputeChangeNumber: true, Clock: clk.Now})
	defer db.ShutdownDB()

	d, err := db.DomainDB(dnA)
	require.NoError(t, err)
	for i := uint32(1); i <= 5; i++ {
		_, err := d.Append(Update(int64(i)*1000, 1, i))
		require.NoError(t, err)
	}
	_, err = d.Append(Update(1500, 2, 1))
	require.NoError(t, err)

	// Purging is disabled while the delay is zero.
	require.NoError(t, db.Purge())
	assert.EqualValues(t, 6, d.Count())

	db.SetPurgeDelay(time.Duration(100_000-3500) * time.Millisecond)
	assert.Equal(t, time.Duration(96_500)*time.Millisecond, db.PurgeDelay())
	require.NoError(t, db.Purge())

	// CSNs older than 3500ms go, except server 2's only (newest) change.
	assert.EqualValues(t, 3, d.Count())
	assert.Equal(t, csn.New(4000, 1, 4), d.OldestState()[1])
	assert.Equal(t, csn.New(1500, 2, 1), d.OldestState()[2])
	assert.Equal(t, []csn.CSN{csn.New(1500, 2, 1), csn.New(4000, 1, 4), csn.New(5000, 1, 5)}, drain(t, d.Cursor(nil)))

	idx := db.ChangeNumberIndexDB()
	oldest, ok := idx.OldestRecord()
	require.True(t, ok)
	assert.Equal(t, csn.New(4000, 1, 4), oldest.CSN)
	assert.EqualValues(t, 6, idx.LastGeneratedChangeNumber())
}

func testRemoveDomainAndClear(t *testing.T, factory Factory) {
	db := openDB(t, factory(t), changelog.Options{ComputeChangeNumber: true})
	defer db.ShutdownDB()

	a, err := db.DomainDB(dnA)
	require.NoError(t, err)
	b, err := db.DomainDB(dnB)
	require.NoError(t, err)
	for i := uint32(1); i <= 3; i++ {
		_, err = a.Append(Update(int64(i), 1, i))
		require.NoError(t, err)
		_, err = b.Append(Update(int64(i), 2, i))
		require.NoError(t, err)
	}

	require.NoError(t, b.Clear())
	assert.True(t, b.IsEmpty())
	assert.Empty(t, b.NewestState())
	_, err = db.ChangeNumberIndexDB().FindCSN(dnB, csn.New(1, 2, 1))
	assert.True(t, errors.Is(err, changelog.ErrNotFound))

	require.NoError(t, db.RemoveDomain(dnA))
	assert.Equal(t, []string{dnB}, db.BaseDNs())
	assert.True(t, db.ChangeNumberIndexDB().IsEmpty())

	// The removed domain comes back empty.
	a, err = db.DomainDB(dnA)
	require.NoError(t, err)
	assert.True(t, a.IsEmpty())
	assert.Equal(t, changelog.NoGenerationID, a.GenerationID())
}

func testClosedDB(t *testing.T, factory Factory) {
	db := openDB(t, factory(t), changelog.Options{})
	d, err := db.DomainDB(dnA)
	require.NoError(t, err)
	require.NoError(t, db.ShutdownDB())
	require.NoError(t, db.ShutdownDB())

	_, err = db.DomainDB(dnA)
	assert.True(t, errors.Is(err, changelog.ErrClosed))
	_, err = d.Append(Update(1, 1, 1))
	assert.True(t, errors.Is(err, changelog.ErrClosed))
	db.SetPurgeDelay(time.Hour)
	assert.True(t, errors.Is(db.Purge(), changelog.ErrClosed))
}

func sortCSNs(cs []csn.CSN) {
	slices.SortFunc(cs, csn.CSN.Compare)
}
