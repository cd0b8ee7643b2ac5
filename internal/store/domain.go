package store

import (
	"context"
	"database/sql"
	"strings"
)

// CreateDomain inserts a new domain for an organization. The organization's
// domain quota is enforced in the same transaction; the name must be
// globally unique among non-deleted domains.
func (s *Store) CreateDomain(ctx context.Context, orgID int64, name, dkimSelector string) (*Domain, error) {
	name = strings.ToLower(strings.TrimSpace(name))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapError(err)
	}
	defer tx.Rollback()

	var quota, count int
	err = tx.QueryRowContext(ctx, `
		SELECT o.domain_quota,
		       (SELECT COUNT(*) FROM domains d WHERE d.org_id = o.id AND d.deleted_at IS NULL)
		FROM organizations o
		WHERE o.id = ?
	`, orgID).Scan(&quota, &count)
	if err != nil {
		return nil, mapError(err)
	}
	if count >= quota {
		return nil, ErrQuotaExceeded
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO domains (org_id, name, dkim_selector)
		VALUES (?, ?, ?)
	`, orgID, name, dkimSelector)
	if err != nil {
		return nil, mapError(err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, mapError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapError(err)
	}

	return s.GetDomainByID(ctx, id)
}

const domainColumns = `
	id, org_id, name, verification_state, catchall_target, dkim_selector,
	deleted_at, created_at, updated_at
`

func scanDomain(row interface{ Scan(...any) error }) (*Domain, error) {
	var d Domain
	var catchall sql.NullString
	var deleted sql.NullTime
	err := row.Scan(
		&d.ID, &d.OrgID, &d.Name, &d.Verification, &catchall, &d.DKIMSelector,
		&deleted, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	d.CatchAll = catchall.String
	if deleted.Valid {
		t := deleted.Time
		d.DeletedAt = &t
	}
	return &d, nil
}

// GetDomain retrieves a non-deleted domain by name.
func (s *Store) GetDomain(ctx context.Context, name string) (*Domain, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	row := s.db.QueryRowContext(ctx,
		"SELECT "+domainColumns+" FROM domains WHERE name = ? AND deleted_at IS NULL",
		name,
	)
	return scanDomain(row)
}

// GetDomainByID retrieves a domain by id, including soft-deleted ones.
func (s *Store) GetDomainByID(ctx context.Context, id int64) (*Domain, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+domainColumns+" FROM domains WHERE id = ?",
		id,
	)
	return scanDomain(row)
}

// ListDomains returns the organization's non-deleted domains.
func (s *Store) ListDomains(ctx context.Context, orgID int64) ([]*Domain, error) {
	return s.listDomains(ctx,
		"SELECT "+domainColumns+" FROM domains WHERE org_id = ? AND deleted_at IS NULL ORDER BY name",
		orgID,
	)
}

// ListActiveDomains returns all non-deleted domains across organizations.
// Used by the periodic verification sweep.
func (s *Store) ListActiveDomains(ctx context.Context) ([]*Domain, error) {
	return s.listDomains(ctx,
		"SELECT "+domainColumns+" FROM domains WHERE deleted_at IS NULL ORDER BY name",
	)
}

func (s *Store) listDomains(ctx context.Context, query string, args ...any) ([]*Domain, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var domains []*Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	return domains, mapError(rows.Err())
}

// SetCatchAll sets or clears ("" clears) the domain's catch-all target.
func (s *Store) SetCatchAll(ctx context.Context, domainID int64, target string) error {
	var val sql.NullString
	if target != "" {
		val = sql.NullString{String: strings.ToLower(target), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE domains SET catchall_target = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND deleted_at IS NULL
	`, val, domainID)
	if err != nil {
		return mapError(err)
	}
	return requireAffected(result)
}

// SetVerificationState records the recomputed verification state.
func (s *Store) SetVerificationState(ctx context.Context, domainID int64, state VerificationState) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE domains SET verification_state = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND deleted_at IS NULL
	`, state, domainID)
	if err != nil {
		return mapError(err)
	}
	return requireAffected(result)
}

// SoftDeleteDomain marks the domain deleted and deactivates its aliases.
// Message records are kept for audit.
func (s *Store) SoftDeleteDomain(ctx context.Context, domainID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE domains SET deleted_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND deleted_at IS NULL
	`, domainID)
	if err != nil {
		return mapError(err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE aliases SET is_active = FALSE WHERE domain_id = ?",
		domainID,
	); err != nil {
		return mapError(err)
	}

	return mapError(tx.Commit())
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
