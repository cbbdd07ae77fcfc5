package pgstore

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-changelog/pkg/changelog"
	"github.com/dd0wney/cluso-changelog/pkg/changelog/changelogtest"
)

// Set CHANGELOG_TEST_DATABASE_URL to run these tests against a live server.
func databaseURL(t *testing.T) string {
	url := os.Getenv("CHANGELOG_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CHANGELOG_TEST_DATABASE_URL not set")
	}
	return url
}

func TestPostgresBackend(t *testing.T) {
	url := databaseURL(t)
	changelogtest.Run(t, func(t *testing.T) func() changelog.Backend {
		schema := "changelog_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			pool, err := pgxpool.New(ctx, url)
			if err != nil {
				return
			}
			defer pool.Close()
			pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+pgx.Identifier{schema}.Sanitize()+" CASCADE")
		})
		return func() changelog.Backend {
			b, err := Open(context.Background(), url, Options{Schema: schema, MaxConns: 4})
			require.NoError(t, err)
			return b
		}
	})
}

func TestOpenRejectsBadURL(t *testing.T) {
	_, err := Open(context.Background(), "postgres://%zz", Options{})
	require.Error(t, err)
}
