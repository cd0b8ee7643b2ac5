package store

import (
	"context"
	"database/sql"
)

// CreateDKIMKey stores a freshly generated keypair and retires the prior
// active key in the same transaction, keeping exactly one active key per
// domain. Retired keys remain for verification of previously signed mail.
func (s *Store) CreateDKIMKey(ctx context.Context, key *DKIMKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE dkim_keys SET is_active = FALSE, retired_at = CURRENT_TIMESTAMP
		WHERE domain_id = ? AND is_active = TRUE
	`, key.DomainID); err != nil {
		return mapError(err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO dkim_keys (domain_id, selector, private_key_pem, public_record, is_active)
		VALUES (?, ?, ?, ?, TRUE)
	`, key.DomainID, key.Selector, key.PrivateKeyPEM, key.PublicRecord)
	if err != nil {
		return mapError(err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return mapError(err)
	}

	if err := tx.Commit(); err != nil {
		return mapError(err)
	}

	key.ID = id
	key.IsActive = true
	return nil
}

// GetDKIMKey retrieves the domain's active keypair.
func (s *Store) GetDKIMKey(ctx context.Context, domainID int64) (*DKIMKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, domain_id, selector, private_key_pem, public_record, is_active, created_at, retired_at
		FROM dkim_keys
		WHERE domain_id = ? AND is_active = TRUE
	`, domainID)
	return scanDKIMKey(row)
}

// ListDKIMKeys returns all keypairs for a domain, newest first.
func (s *Store) ListDKIMKeys(ctx context.Context, domainID int64) ([]*DKIMKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, domain_id, selector, private_key_pem, public_record, is_active, created_at, retired_at
		FROM dkim_keys
		WHERE domain_id = ?
		ORDER BY id DESC
	`, domainID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var keys []*DKIMKey
	for rows.Next() {
		k, err := scanDKIMKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, mapError(rows.Err())
}

func scanDKIMKey(row interface{ Scan(...any) error }) (*DKIMKey, error) {
	var k DKIMKey
	var retired sql.NullTime
	err := row.Scan(
		&k.ID, &k.DomainID, &k.Selector, &k.PrivateKeyPEM, &k.PublicRecord,
		&k.IsActive, &k.CreatedAt, &retired,
	)
	if err != nil {
		return nil, mapError(err)
	}
	if retired.Valid {
		t := retired.Time
		k.RetiredAt = &t
	}
	return &k, nil
}
