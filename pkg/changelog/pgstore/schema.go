package pgstore

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// CSNs are stored in their fixed-width hex form, which sorts like the CSN
// itself under the C collation.
const schema = `
CREATE TABLE IF NOT EXISTS changelog_domains (
	base_dn TEXT PRIMARY KEY,
	generation_id BIGINT NOT NULL DEFAULT -1
);

CREATE TABLE IF NOT EXISTS changelog_changes (
	base_dn TEXT NOT NULL,
	csn TEXT COLLATE "C" NOT NULL,
	server_id INTEGER NOT NULL,
	payload BYTEA NOT NULL,
	assured BOOLEAN NOT NULL DEFAULT FALSE,
	version INTEGER NOT NULL,
	PRIMARY KEY (base_dn, csn)
);

CREATE INDEX IF NOT EXISTS idx_changelog_changes_server ON changelog_changes(base_dn, server_id, csn);

CREATE TABLE IF NOT EXISTS changelog_cn_index (
	change_number BIGINT PRIMARY KEY,
	base_dn TEXT NOT NULL,
	csn TEXT COLLATE "C" NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_changelog_cn_index_csn ON changelog_cn_index(base_dn, csn);

CREATE TABLE IF NOT EXISTS changelog_meta (
	key TEXT PRIMARY KEY,
	value BIGINT NOT NULL
);
`

func (b *Backend) migrate(ctx context.Context, schemaName string) error {
	if schemaName != "" {
		if _, err := b.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schemaName}.Sanitize()); err != nil {
			return err
		}
	}
	_, err := b.pool.Exec(ctx, schema)
	return err
}
