package pgstore

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dd0wney/cluso-changelog/pkg/changelog"
	"github.com/dd0wney/cluso-changelog/pkg/csn"
)

const lastChangeNumberKey = "last_change_number"

type index struct {
	b *Backend
}

func scanRecord(row pgx.CollectableRow) (changelog.ChangeNumberIndexRecord, error) {
	var (
		rec  changelog.ChangeNumberIndexRecord
		text string
	)
	if err := row.Scan(&rec.ChangeNumber, &rec.BaseDN, &text); err != nil {
		return rec, err
	}
	c, err := parseCSN(text)
	rec.CSN = c
	return rec, err
}

func (x *index) Append(rec changelog.ChangeNumberIndexRecord) error {
	ctx, cancel := x.b.ctx()
	defer cancel()
	return pgx.BeginFunc(ctx, x.b.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO changelog_cn_index (change_number, base_dn, csn) VALUES ($1, $2, $3)`,
			rec.ChangeNumber, rec.BaseDN, rec.CSN.String()); err != nil {
			return fmt.Errorf("failed to append change number %d: %w", rec.ChangeNumber, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO changelog_meta (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET value = GREATEST(changelog_meta.value, EXCLUDED.value)
		`, lastChangeNumberKey, rec.ChangeNumber); err != nil {
			return fmt.Errorf("failed to record last change number: %w", err)
		}
		return nil
	})
}

func (x *index) one(query string, args ...any) (changelog.ChangeNumberIndexRecord, bool, error) {
	ctx, cancel := x.b.ctx()
	defer cancel()
	rows, err := x.b.pool.Query(ctx, query, args...)
	if err != nil {
		return changelog.ChangeNumberIndexRecord{}, false, err
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return changelog.ChangeNumberIndexRecord{}, false, nil
	}
	if err != nil {
		return changelog.ChangeNumberIndexRecord{}, false, err
	}
	return rec, true, nil
}

func (x *index) First() (changelog.ChangeNumberIndexRecord, bool, error) {
	return x.one(`SELECT change_number, base_dn, csn FROM changelog_cn_index ORDER BY change_number LIMIT 1`)
}

func (x *index) Last() (changelog.ChangeNumberIndexRecord, bool, error) {
	return x.one(`SELECT change_number, base_dn, csn FROM changelog_cn_index ORDER BY change_number DESC LIMIT 1`)
}

func (x *index) Lookup(changeNumber int64) (changelog.ChangeNumberIndexRecord, error) {
	rec, ok, err := x.one(`SELECT change_number, base_dn, csn FROM changelog_cn_index WHERE change_number = $1`, changeNumber)
	if err == nil && !ok {
		err = changelog.ErrNotFound
	}
	return rec, err
}

func (x *index) FindCSN(baseDN string, c csn.CSN) (changelog.ChangeNumberIndexRecord, error) {
	rec, ok, err := x.one(`
		SELECT change_number, base_dn, csn FROM changelog_cn_index
		WHERE base_dn = $1 AND csn = $2
		ORDER BY change_number DESC LIMIT 1
	`, baseDN, c.String())
	if err == nil && !ok {
		err = changelog.ErrNotFound
	}
	return rec, err
}

func (x *index) Scan(after int64, limit int) ([]changelog.ChangeNumberIndexRecord, error) {
	ctx, cancel := x.b.ctx()
	defer cancel()
	rows, err := x.b.pool.Query(ctx, `
		SELECT change_number, base_dn, csn FROM changelog_cn_index
		WHERE change_number > $1
		ORDER BY change_number
		LIMIT $2
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan change numbers: %w", err)
	}
	return pgx.CollectRows(rows, scanRecord)
}

func (x *index) exec(query string, args ...any) (int, error) {
	ctx, cancel := x.b.ctx()
	defer cancel()
	tag, err := x.b.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (x *index) PurgeBefore(cutoff csn.CSN) (int, error) {
	return x.exec(`DELETE FROM changelog_cn_index WHERE csn < $1`, cutoff.String())
}

func (x *index) RemoveDomain(baseDN string) (int, error) {
	return x.exec(`DELETE FROM changelog_cn_index WHERE base_dn = $1`, baseDN)
}

func (x *index) LastGenerated() (int64, error) {
	ctx, cancel := x.b.ctx()
	defer cancel()
	var n int64
	err := x.b.pool.QueryRow(ctx, `
		SELECT COALESCE((SELECT value FROM changelog_meta WHERE key = $1), 0)
	`, lastChangeNumberKey).Scan(&n)
	return n, err
}

func (x *index) Clear() error {
	_, err := x.exec(`DELETE FROM changelog_cn_index`)
	return err
}

func (x *index) Close() error { return nil }
