package pgstore

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dd0wney/cluso-changelog/pkg/changelog"
	"github.com/dd0wney/cluso-changelog/pkg/csn"
	"github.com/dd0wney/cluso-changelog/pkg/protocol"
)

type store struct {
	b      *Backend
	baseDN string
}

func scanUpdate(row pgx.CollectableRow) (*protocol.UpdateMsg, error) {
	var (
		text    string
		payload []byte
		assured bool
		version int
	)
	if err := row.Scan(&text, &payload, &assured, &version); err != nil {
		return nil, err
	}
	c, err := parseCSN(text)
	if err != nil {
		return nil, err
	}
	return protocol.NewUpdateMsg(c, payload, assured, version), nil
}

func (s *store) Append(msg *protocol.UpdateMsg) error {
	ctx, cancel := s.b.ctx()
	defer cancel()
	c := msg.CSN()
	_, err := s.b.pool.Exec(ctx, `
		INSERT INTO changelog_changes (base_dn, csn, server_id, payload, assured, version)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (base_dn, csn) DO UPDATE
		SET payload = EXCLUDED.payload, assured = EXCLUDED.assured, version = EXCLUDED.version
	`, s.baseDN, c.String(), int32(c.ServerID), msg.Payload(), msg.Assured(), msg.Version())
	if err != nil {
		return fmt.Errorf("failed to append %s: %w", c, err)
	}
	return nil
}

func (s *store) Get(c csn.CSN) (*protocol.UpdateMsg, error) {
	ctx, cancel := s.b.ctx()
	defer cancel()
	rows, err := s.b.pool.Query(ctx, `
		SELECT csn, payload, assured, version FROM changelog_changes
		WHERE base_dn = $1 AND csn = $2
	`, s.baseDN, c.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", c, err)
	}
	msg, err := pgx.CollectExactlyOneRow(rows, scanUpdate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, changelog.ErrNotFound
	}
	return msg, err
}

func (s *store) Scan(serverID uint16, after csn.CSN, limit int) ([]*protocol.UpdateMsg, error) {
	ctx, cancel := s.b.ctx()
	defer cancel()
	rows, err := s.b.pool.Query(ctx, `
		SELECT csn, payload, assured, version FROM changelog_changes
		WHERE base_dn = $1 AND server_id = $2 AND csn > $3
		ORDER BY csn
		LIMIT $4
	`, s.baseDN, int32(serverID), after.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan server %d: %w", serverID, err)
	}
	return pgx.CollectRows(rows, scanUpdate)
}

func (s *store) Bounds() (csn.ServerState, csn.ServerState, error) {
	ctx, cancel := s.b.ctx()
	defer cancel()
	rows, err := s.b.pool.Query(ctx, `
		SELECT MIN(csn), MAX(csn) FROM changelog_changes
		WHERE base_dn = $1
		GROUP BY server_id
	`, s.baseDN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read bounds: %w", err)
	}
	defer rows.Close()

	oldest, newest := csn.ServerState{}, csn.ServerState{}
	for rows.Next() {
		var lo, hi string
		if err := rows.Scan(&lo, &hi); err != nil {
			return nil, nil, err
		}
		first, err := parseCSN(lo)
		if err != nil {
			return nil, nil, err
		}
		last, err := parseCSN(hi)
		if err != nil {
			return nil, nil, err
		}
		oldest[first.ServerID] = first
		newest[last.ServerID] = last
	}
	return oldest, newest, rows.Err()
}

func (s *store) Count() (int64, error) {
	ctx, cancel := s.b.ctx()
	defer cancel()
	var n int64
	err := s.b.pool.QueryRow(ctx, `SELECT COUNT(*) FROM changelog_changes WHERE base_dn = $1`, s.baseDN).Scan(&n)
	return n, err
}

func (s *store) PurgeBefore(cutoff csn.CSN, keep csn.ServerState) (int, error) {
	ctx, cancel := s.b.ctx()
	defer cancel()
	kept := make([]string, 0, len(keep))
	for _, c := range keep.CSNs() {
		kept = append(kept, c.String())
	}
	tag, err := s.b.pool.Exec(ctx, `
		DELETE FROM changelog_changes
		WHERE base_dn = $1 AND csn < $2 AND NOT (csn = ANY($3))
	`, s.baseDN, cutoff.String(), kept)
	if err != nil {
		return 0, fmt.Errorf("failed to purge: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *store) GenerationID() (int64, error) {
	ctx, cancel := s.b.ctx()
	defer cancel()
	var id int64
	err := s.b.pool.QueryRow(ctx,
		`SELECT generation_id FROM changelog_domains WHERE base_dn = $1`, s.baseDN).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return changelog.NoGenerationID, nil
	}
	return id, err
}

func (s *store) SetGenerationID(id int64) error {
	ctx, cancel := s.b.ctx()
	defer cancel()
	_, err := s.b.pool.Exec(ctx, `
		INSERT INTO changelog_domains (base_dn, generation_id) VALUES ($1, $2)
		ON CONFLICT (base_dn) DO UPDATE SET generation_id = EXCLUDED.generation_id
	`, s.baseDN, id)
	if err != nil {
		return fmt.Errorf("failed to set generation id: %w", err)
	}
	return nil
}

func (s *store) Clear() error {
	ctx, cancel := s.b.ctx()
	defer cancel()
	_, err := s.b.pool.Exec(ctx, `DELETE FROM changelog_changes WHERE base_dn = $1`, s.baseDN)
	return err
}

func (s *store) Close() error { return nil }
