package changelog_test

import (
	"errors"
	"testing"
	"time"

	"github.com/dd0wney/cluso-changelog/pkg/changelog"
	"github.com/dd0wney/cluso-changelog/pkg/changelog/changelogtest"
	"github.com/dd0wney/cluso-changelog/pkg/logging"
	"github.com/dd0wney/cluso-changelog/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMemoryBackend(t *testing.T) {
	changelogtest.Run(t, func(t *testing.T) func() changelog.Backend {
		b := changelog.NewMemoryBackend()
		return func() changelog.Backend { return b }
	})
}

func TestPurgeLoopRuns(t *testing.T) {
	reg := metrics.NewRegistry()
	db := changelog.New(changelog.NewMemoryBackend(), changelog.Options{
		PurgeDelay:    time.Millisecond,
		PurgeInterval: 5 * time.Millisecond,
		Logger:        logging.NewNopLogger(),
		Metrics:       reg,
	})
	if err := db.InitializeDB(); err != nil {
		t.Fatal(err)
	}
	defer db.ShutdownDB()

	d, err := db.DomainDB("o=test")
	if err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour).UnixMilli()
	for i := uint32(1); i <= 4; i++ {
		if _, err := d.Append(changelogtest.Update(old+int64(i), 1, i)); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for d.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("purger did not run, %d changes left", d.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := testutil.ToFloat64(reg.ChangelogPurgedTotal.WithLabelValues("domain")); got != 3 {
		t.Errorf("purged metric = %v, want 3", got)
	}
}

func TestInitializeIdempotent(t *testing.T) {
	db := changelog.New(changelog.NewMemoryBackend(), changelog.Options{Logger: logging.NewNopLogger(), Metrics: metrics.NewRegistry()})
	if err := db.InitializeDB(); err != nil {
		t.Fatal(err)
	}
	if err := db.InitializeDB(); err != nil {
		t.Fatalf("second InitializeDB: %v", err)
	}
	if err := db.ShutdownDB(); err != nil {
		t.Fatal(err)
	}
}

func TestPing(t *testing.T) {
	db := changelog.New(changelog.NewMemoryBackend(), changelog.Options{Logger: logging.NewNopLogger(), Metrics: metrics.NewRegistry()})
	if err := db.Ping(); !errors.Is(err, changelog.ErrClosed) {
		t.Fatalf("Ping before InitializeDB = %v, want ErrClosed", err)
	}
	if err := db.InitializeDB(); err != nil {
		t.Fatal(err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := db.ShutdownDB(); err != nil {
		t.Fatal(err)
	}
	if err := db.Ping(); !errors.Is(err, changelog.ErrClosed) {
		t.Fatalf("Ping after ShutdownDB = %v, want ErrClosed", err)
	}
}
