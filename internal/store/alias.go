package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CreateAlias inserts a new alias under a domain. The local part is stored
// lowercase; targets keep their order. An active alias needs at least one
// target.
func (s *Store) CreateAlias(ctx context.Context, domainID int64, localPart string, targets []string, expiresAt *time.Time) (*Alias, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: alias requires at least one target", ErrConflict)
	}

	localPart = strings.ToLower(strings.TrimSpace(localPart))
	lowered := make([]string, len(targets))
	for i, t := range targets {
		lowered[i] = strings.ToLower(strings.TrimSpace(t))
	}

	encoded, err := json.Marshal(lowered)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	var expires sql.NullTime
	if expiresAt != nil {
		expires = sql.NullTime{Time: expiresAt.UTC(), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO aliases (domain_id, local_part, targets, is_active, expires_at)
		VALUES (?, ?, ?, TRUE, ?)
	`, domainID, localPart, string(encoded), expires)
	if err != nil {
		return nil, mapError(err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, mapError(err)
	}

	return s.GetAliasByID(ctx, id)
}

func scanAlias(row interface{ Scan(...any) error }) (*Alias, error) {
	var a Alias
	var targets string
	var expires sql.NullTime
	err := row.Scan(
		&a.ID, &a.DomainID, &a.LocalPart, &targets, &a.IsActive, &expires, &a.CreatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	if err := json.Unmarshal([]byte(targets), &a.Targets); err != nil {
		return nil, fmt.Errorf("%w: corrupt targets for alias %d: %v", ErrBackend, a.ID, err)
	}
	if expires.Valid {
		t := expires.Time
		a.ExpiresAt = &t
	}
	return &a, nil
}

const aliasColumns = "id, domain_id, local_part, targets, is_active, expires_at, created_at"

// GetAliasByID retrieves an alias by id.
func (s *Store) GetAliasByID(ctx context.Context, id int64) (*Alias, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+aliasColumns+" FROM aliases WHERE id = ?",
		id,
	)
	return scanAlias(row)
}

// ListAliases returns all aliases under a domain.
func (s *Store) ListAliases(ctx context.Context, domainID int64) ([]*Alias, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+aliasColumns+" FROM aliases WHERE domain_id = ? ORDER BY local_part",
		domainID,
	)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var aliases []*Alias
	for rows.Next() {
		a, err := scanAlias(rows)
		if err != nil {
			return nil, err
		}
		aliases = append(aliases, a)
	}
	return aliases, mapError(rows.Err())
}

// DeactivateAlias marks an alias inactive. Lookups treat it as unknown.
func (s *Store) DeactivateAlias(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE aliases SET is_active = FALSE WHERE id = ?",
		id,
	)
	if err != nil {
		return mapError(err)
	}
	return requireAffected(result)
}

// LookupAlias resolves a recipient address to an active, unexpired alias on
// a managed domain. Matching is case-insensitive on both parts: addresses
// are stored lowercase and the input is folded before the indexed lookup.
// Returns ErrNotFound for unknown, inactive and expired aliases alike.
func (s *Store) LookupAlias(ctx context.Context, localPart, domainName string) (*AliasMatch, error) {
	localPart = strings.ToLower(strings.TrimSpace(localPart))
	domainName = strings.ToLower(strings.TrimSpace(domainName))

	var m AliasMatch
	var targets string
	var expires sql.NullTime
	var catchall sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT a.id, a.domain_id, a.local_part, a.targets, a.is_active, a.expires_at, a.created_at,
		       d.id, d.org_id, d.name, d.verification_state, d.catchall_target, d.dkim_selector,
		       d.created_at, d.updated_at,
		       o.id, o.name, o.plan, o.domain_quota, o.message_quota, o.billing_email,
		       o.created_at, o.updated_at
		FROM aliases a
		JOIN domains d ON a.domain_id = d.id
		JOIN organizations o ON d.org_id = o.id
		WHERE d.name = ? AND a.local_part = ?
		  AND d.deleted_at IS NULL
		  AND a.is_active = TRUE
		  AND (a.expires_at IS NULL OR datetime(a.expires_at) > datetime('now'))
	`, domainName, localPart).Scan(
		&m.Alias.ID, &m.Alias.DomainID, &m.Alias.LocalPart, &targets, &m.Alias.IsActive,
		&expires, &m.Alias.CreatedAt,
		&m.Domain.ID, &m.Domain.OrgID, &m.Domain.Name, &m.Domain.Verification,
		&catchall, &m.Domain.DKIMSelector, &m.Domain.CreatedAt, &m.Domain.UpdatedAt,
		&m.Organization.ID, &m.Organization.Name, &m.Organization.Plan,
		&m.Organization.DomainQuota, &m.Organization.MessageQuota,
		&m.Organization.BillingEmail, &m.Organization.CreatedAt, &m.Organization.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}

	if err := json.Unmarshal([]byte(targets), &m.Alias.Targets); err != nil {
		return nil, fmt.Errorf("%w: corrupt targets for alias %d: %v", ErrBackend, m.Alias.ID, err)
	}
	if expires.Valid {
		t := expires.Time
		m.Alias.ExpiresAt = &t
	}
	m.Domain.CatchAll = catchall.String
	return &m, nil
}

// LookupCatchAll resolves a domain's catch-all target. Returns ErrNotFound
// when the domain is unmanaged, deleted, or has no catch-all configured.
func (s *Store) LookupCatchAll(ctx context.Context, domainName string) (*CatchAllMatch, error) {
	domainName = strings.ToLower(strings.TrimSpace(domainName))

	var m CatchAllMatch
	var catchall sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT d.id, d.org_id, d.name, d.verification_state, d.catchall_target, d.dkim_selector,
		       d.created_at, d.updated_at,
		       o.id, o.name, o.plan, o.domain_quota, o.message_quota, o.billing_email,
		       o.created_at, o.updated_at
		FROM domains d
		JOIN organizations o ON d.org_id = o.id
		WHERE d.name = ? AND d.deleted_at IS NULL
	`, domainName).Scan(
		&m.Domain.ID, &m.Domain.OrgID, &m.Domain.Name, &m.Domain.Verification,
		&catchall, &m.Domain.DKIMSelector, &m.Domain.CreatedAt, &m.Domain.UpdatedAt,
		&m.Organization.ID, &m.Organization.Name, &m.Organization.Plan,
		&m.Organization.DomainQuota, &m.Organization.MessageQuota,
		&m.Organization.BillingEmail, &m.Organization.CreatedAt, &m.Organization.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}

	if !catchall.Valid || catchall.String == "" {
		return nil, ErrNotFound
	}
	m.Domain.CatchAll = catchall.String
	m.Target = catchall.String
	return &m, nil
}
