// Package pgstore is a changelog backend on PostgreSQL. Several
// replication servers can share one database when each uses its own
// schema.
package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dd0wney/cluso-changelog/pkg/changelog"
	"github.com/dd0wney/cluso-changelog/pkg/csn"
)

// Options configures the PostgreSQL backend.
type Options struct {
	// Schema holds the changelog tables. Empty means the search_path default.
	Schema       string
	MaxConns     int32
	QueryTimeout time.Duration
}

// Backend stores changelog data in PostgreSQL.
type Backend struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

var _ changelog.Backend = (*Backend)(nil)

// Open connects to databaseURL and creates the changelog tables if needed.
func Open(ctx context.Context, databaseURL string, opts Options) (*Backend, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MaxConns = 10
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	config.MinConns = 1
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute
	if opts.Schema != "" {
		config.ConnConfig.RuntimeParams["search_path"] = opts.Schema
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	b := &Backend{pool: pool, timeout: opts.QueryTimeout}
	if b.timeout <= 0 {
		b.timeout = 5 * time.Second
	}
	if err := b.migrate(ctx, opts.Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return b, nil
}

func (b *Backend) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), b.timeout)
}

func (b *Backend) Name() string { return "postgres" }

// Ping checks database connectivity.
func (b *Backend) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

func (b *Backend) OpenDomain(baseDN string) (changelog.Store, error) {
	ctx, cancel := b.ctx()
	defer cancel()
	_, err := b.pool.Exec(ctx,
		`INSERT INTO changelog_domains (base_dn) VALUES ($1) ON CONFLICT (base_dn) DO NOTHING`, baseDN)
	if err != nil {
		return nil, fmt.Errorf("failed to register domain %s: %w", baseDN, err)
	}
	return &store{b: b, baseDN: baseDN}, nil
}

func (b *Backend) ListDomains() ([]string, error) {
	ctx, cancel := b.ctx()
	defer cancel()
	rows, err := b.pool.Query(ctx, `SELECT base_dn FROM changelog_domains ORDER BY base_dn`)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (b *Backend) RemoveDomain(baseDN string) error {
	ctx, cancel := b.ctx()
	defer cancel()
	return pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM changelog_changes WHERE base_dn = $1`, baseDN); err != nil {
			return fmt.Errorf("failed to delete changes of %s: %w", baseDN, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM changelog_domains WHERE base_dn = $1`, baseDN); err != nil {
			return fmt.Errorf("failed to delete domain %s: %w", baseDN, err)
		}
		return nil
	})
}

func (b *Backend) OpenIndex() (changelog.IndexStore, error) {
	return &index{b: b}, nil
}

// Close closes the connection pool.
func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

func parseCSN(s string) (csn.CSN, error) {
	c, err := csn.Parse(s)
	if err != nil {
		return csn.Zero, fmt.Errorf("stored csn %q: %w", s, err)
	}
	return c, nil
}
