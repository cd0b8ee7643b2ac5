package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Quota counter kinds.
const (
	QuotaMessages = "messages"
)

// BillingPeriod returns the billing-month key for a point in time.
func BillingPeriod(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// CreateOrganization inserts a new organization. Name must be unique.
func (s *Store) CreateOrganization(ctx context.Context, org *Organization) error {
	if org.Plan == "" {
		org.Plan = "free"
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (name, plan, domain_quota, message_quota, billing_email)
		VALUES (?, ?, ?, ?, ?)
	`, org.Name, org.Plan, org.DomainQuota, org.MessageQuota, org.BillingEmail)
	if err != nil {
		return mapError(err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return mapError(err)
	}
	org.ID = id
	return nil
}

// GetOrganization retrieves an organization by id.
func (s *Store) GetOrganization(ctx context.Context, id int64) (*Organization, error) {
	return s.getOrganization(ctx, "id = ?", id)
}

// GetOrganizationByName retrieves an organization by its unique name.
func (s *Store) GetOrganizationByName(ctx context.Context, name string) (*Organization, error) {
	return s.getOrganization(ctx, "name = ?", name)
}

func (s *Store) getOrganization(ctx context.Context, where string, arg any) (*Organization, error) {
	var org Organization
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, plan, domain_quota, message_quota, billing_email, created_at, updated_at
		FROM organizations
		WHERE `+where,
		arg,
	).Scan(
		&org.ID, &org.Name, &org.Plan, &org.DomainQuota, &org.MessageQuota,
		&org.BillingEmail, &org.CreatedAt, &org.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &org, nil
}

// ListOrganizations returns all organizations ordered by name.
func (s *Store) ListOrganizations(ctx context.Context) ([]*Organization, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, plan, domain_quota, message_quota, billing_email, created_at, updated_at
		FROM organizations
		ORDER BY name
	`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var orgs []*Organization
	for rows.Next() {
		var org Organization
		if err := rows.Scan(
			&org.ID, &org.Name, &org.Plan, &org.DomainQuota, &org.MessageQuota,
			&org.BillingEmail, &org.CreatedAt, &org.UpdatedAt,
		); err != nil {
			return nil, mapError(err)
		}
		orgs = append(orgs, &org)
	}
	return orgs, mapError(rows.Err())
}

// QuotaCheck reports whether the organization may consume one more unit of
// the given kind in the current billing period. This is the advisory
// read-only form used at RCPT time; the authoritative consumption happens
// inside CreateMessage.
func (s *Store) QuotaCheck(ctx context.Context, orgID int64, kind string) (bool, error) {
	org, err := s.GetOrganization(ctx, orgID)
	if err != nil {
		return false, err
	}

	used, err := s.periodUsage(ctx, s.db, orgID, BillingPeriod(time.Now()), kind)
	if err != nil {
		return false, err
	}

	return used < quotaFor(org, kind), nil
}

// PeriodUsage returns the consumed units for an organization in a period.
func (s *Store) PeriodUsage(ctx context.Context, orgID int64, period, kind string) (int, error) {
	return s.periodUsage(ctx, s.db, orgID, period, kind)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) periodUsage(ctx context.Context, q querier, orgID int64, period, kind string) (int, error) {
	var used int
	err := q.QueryRowContext(ctx,
		"SELECT used FROM usage_counters WHERE org_id = ? AND period = ? AND kind = ?",
		orgID, period, kind,
	).Scan(&used)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, mapError(err)
	}
	return used, nil
}

// consumeQuota atomically takes one unit of the kind's quota inside tx.
// Returns ErrQuotaExceeded without writing when the limit is reached.
func consumeQuota(ctx context.Context, tx *sql.Tx, orgID int64, kind string, limit int) error {
	if limit < 1 {
		return ErrQuotaExceeded
	}

	// The upsert's guard makes the increment conditional: when the limit is
	// already reached no row changes and RowsAffected reports 0.
	result, err := tx.ExecContext(ctx, `
		INSERT INTO usage_counters (org_id, period, kind, used)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (org_id, period, kind)
		DO UPDATE SET used = used + 1 WHERE used < ?
	`, orgID, BillingPeriod(time.Now()), kind, limit)
	if err != nil {
		return mapError(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if affected == 0 {
		return ErrQuotaExceeded
	}
	return nil
}

func quotaFor(org *Organization, kind string) int {
	switch kind {
	case QuotaMessages:
		return org.MessageQuota
	default:
		return 0
	}
}
