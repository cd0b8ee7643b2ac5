package store

import (
	"context"
)

// snapshotHistoryKeep bounds the append-only history per (domain, type).
const snapshotHistoryKeep = 100

// RecordDNSSnapshot upserts the current snapshot for (domain, record type)
// and appends it to the history, pruning history beyond the retention
// bound in the same transaction.
func (s *Store) RecordDNSSnapshot(ctx context.Context, snap *Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dns_snapshots (domain_id, record_type, pass, expected, actual, detail, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (domain_id, record_type)
		DO UPDATE SET pass = excluded.pass, expected = excluded.expected,
			actual = excluded.actual, detail = excluded.detail,
			checked_at = CURRENT_TIMESTAMP
	`, snap.DomainID, snap.RecordType, snap.Pass, snap.Expected, snap.Actual, snap.Detail); err != nil {
		return mapError(err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dns_snapshot_history (domain_id, record_type, pass, expected, actual, detail, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, snap.DomainID, snap.RecordType, snap.Pass, snap.Expected, snap.Actual, snap.Detail); err != nil {
		return mapError(err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM dns_snapshot_history
		WHERE domain_id = ? AND record_type = ? AND id NOT IN (
			SELECT id FROM dns_snapshot_history
			WHERE domain_id = ? AND record_type = ?
			ORDER BY id DESC LIMIT ?
		)
	`, snap.DomainID, snap.RecordType, snap.DomainID, snap.RecordType, snapshotHistoryKeep); err != nil {
		return mapError(err)
	}

	return mapError(tx.Commit())
}

// GetSnapshots returns the current snapshots for a domain keyed by record
// type. Missing types have no entry.
func (s *Store) GetSnapshots(ctx context.Context, domainID int64) (map[string]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain_id, record_type, pass, expected, actual, detail, checked_at
		FROM dns_snapshots
		WHERE domain_id = ?
	`, domainID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	snaps := make(map[string]*Snapshot)
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(
			&snap.DomainID, &snap.RecordType, &snap.Pass, &snap.Expected,
			&snap.Actual, &snap.Detail, &snap.CheckedAt,
		); err != nil {
			return nil, mapError(err)
		}
		snaps[snap.RecordType] = &snap
	}
	return snaps, mapError(rows.Err())
}

// SnapshotHistoryCount returns how many history rows exist for a
// (domain, record type) pair.
func (s *Store) SnapshotHistoryCount(ctx context.Context, domainID int64, recordType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM dns_snapshot_history WHERE domain_id = ? AND record_type = ?",
		domainID, recordType,
	).Scan(&n)
	if err != nil {
		return 0, mapError(err)
	}
	return n, nil
}
