package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateMessage persists a new message record in status accepted and
// consumes one unit of the organization's monthly message quota in the same
// transaction. On ErrQuotaExceeded nothing is committed.
func (s *Store) CreateMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Status = StatusAccepted

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback()

	var orgID int64
	var messageQuota int
	err = tx.QueryRowContext(ctx, `
		SELECT o.id, o.message_quota
		FROM domains d JOIN organizations o ON d.org_id = o.id
		WHERE d.id = ?
	`, msg.DomainID).Scan(&orgID, &messageQuota)
	if err != nil {
		return mapError(err)
	}

	if err := consumeQuota(ctx, tx, orgID, QuotaMessages, messageQuota); err != nil {
		return err
	}

	if err := insertMessage(ctx, tx, msg); err != nil {
		return err
	}

	return mapError(tx.Commit())
}

// CreateChildMessage persists a fanout child tracking one extra forwarding
// target of a multi-target alias. Children share the parent's inbound
// acceptance, so no additional quota is consumed.
func (s *Store) CreateChildMessage(ctx context.Context, parent *Message, forwardTo string) (*Message, error) {
	child := &Message{
		ID:        uuid.NewString(),
		MessageID: parent.MessageID,
		DomainID:  parent.DomainID,
		AliasID:   parent.AliasID,
		ParentID:  parent.ID,
		Sender:    parent.Sender,
		Recipient: parent.Recipient,
		ForwardTo: forwardTo,
		Subject:   parent.Subject,
		Size:      parent.Size,
		Status:    StatusAccepted,
		SpoolPath: parent.SpoolPath,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapError(err)
	}
	defer tx.Rollback()

	if err := insertMessage(ctx, tx, child); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapError(err)
	}
	return s.GetMessage(ctx, child.ID)
}

func insertMessage(ctx context.Context, tx *sql.Tx, msg *Message) error {
	var aliasID sql.NullInt64
	if msg.AliasID != nil {
		aliasID = sql.NullInt64{Int64: *msg.AliasID, Valid: true}
	}
	var parentID sql.NullString
	if msg.ParentID != "" {
		parentID = sql.NullString{String: msg.ParentID, Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, message_id, domain_id, alias_id, parent_id,
			sender, recipient, forward_to, subject, size_bytes, status, spool_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.MessageID, msg.DomainID, aliasID, parentID,
		msg.Sender, msg.Recipient, msg.ForwardTo, msg.Subject, msg.Size,
		msg.Status, msg.SpoolPath)
	return mapError(err)
}

const messageColumns = `
	id, message_id, domain_id, alias_id, parent_id, sender, recipient,
	forward_to, subject, size_bytes, status, attempts, last_error, spool_path,
	created_at, updated_at
`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var aliasID sql.NullInt64
	var parentID sql.NullString
	err := row.Scan(
		&m.ID, &m.MessageID, &m.DomainID, &aliasID, &parentID, &m.Sender,
		&m.Recipient, &m.ForwardTo, &m.Subject, &m.Size, &m.Status,
		&m.Attempts, &m.LastError, &m.SpoolPath, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	if aliasID.Valid {
		id := aliasID.Int64
		m.AliasID = &id
	}
	m.ParentID = parentID.String
	return &m, nil
}

// GetMessage retrieves a message record by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = ?",
		id,
	)
	return scanMessage(row)
}

// UpdateMessageStatus performs a guarded status transition. The current
// status is read and checked against the state machine inside one
// transaction; violations return ErrBadTransition without writing.
// Transitioning to forwarding increments the attempt counter.
func (s *Store) UpdateMessageStatus(ctx context.Context, id string, next Status, errorKind string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback()

	var current Status
	err = tx.QueryRowContext(ctx,
		"SELECT status FROM messages WHERE id = ?", id,
	).Scan(&current)
	if err != nil {
		return mapError(err)
	}

	if !CanTransition(current, next) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, current, next)
	}

	attemptDelta := 0
	if next == StatusForwarding {
		attemptDelta = 1
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET status = ?, attempts = attempts + ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, next, attemptDelta, errorKind, id); err != nil {
		return mapError(err)
	}

	return mapError(tx.Commit())
}

// ListMessages returns the most recent records for a domain, newest first.
func (s *Store) ListMessages(ctx context.Context, domainID int64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE domain_id = ? ORDER BY created_at DESC, id DESC LIMIT ?",
		domainID, limit,
	)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// StaleForwarding returns records stuck in forwarding with no update inside
// the window. The startup recovery scan re-enqueues them; the status
// machine keeps duplicate attempts harmless at the record level.
func (s *Store) StaleForwarding(ctx context.Context, window time.Duration) ([]*Message, error) {
	return s.staleByStatus(ctx, StatusForwarding, window)
}

// StaleAccepted returns records that never left accepted inside the window,
// meaning the record was persisted but its first attempt was never
// scheduled (crash or queue outage between create and enqueue).
func (s *Store) StaleAccepted(ctx context.Context, window time.Duration) ([]*Message, error) {
	return s.staleByStatus(ctx, StatusAccepted, window)
}

func (s *Store) staleByStatus(ctx context.Context, status Status, window time.Duration) ([]*Message, error) {
	cutoff := time.Now().UTC().Add(-window)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+` FROM messages
		 WHERE status = ? AND datetime(updated_at) < datetime(?)
		 ORDER BY updated_at`,
		status, cutoff.Format("2006-01-02 15:04:05"),
	)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// SpoolInUse reports whether any non-terminal record still references the
// spool file. Fanout children share the parent's file, so the last sibling
// to settle is the one that may delete it.
func (s *Store) SpoolInUse(ctx context.Context, spoolPath string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE spool_path = ? AND status IN (?, ?)
	`, spoolPath, StatusAccepted, StatusForwarding).Scan(&n)
	if err != nil {
		return false, mapError(err)
	}
	return n > 0, nil
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, mapError(rows.Err())
}
