// Package activity maintains the append-only activity log: significant
// actions scoped to an organization (alias created, domain verified, message
// delivered) and connection-level security events.
package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// EventType represents the type of activity event
type EventType string

const (
	EventOrgCreate        EventType = "org.create"
	EventDomainCreate     EventType = "domain.create"
	EventDomainDelete     EventType = "domain.delete"
	EventDomainVerified   EventType = "domain.verified"
	EventDomainUnverified EventType = "domain.unverified"
	EventCatchAllSet      EventType = "domain.catchall"
	EventAliasCreate      EventType = "alias.create"
	EventAliasDeactivate  EventType = "alias.deactivate"
	EventKeyRotate        EventType = "dkim.rotate"
	EventMessageDelivered EventType = "message.delivered"
	EventMessageBounced   EventType = "message.bounced"
	EventMessageFailed    EventType = "message.failed"
	EventMessageRejected  EventType = "message.rejected"
	EventBounceRouted     EventType = "bounce.route"
	EventPregreet         EventType = "smtp.pregreet"
	EventDNSBLHit         EventType = "smtp.dnsbl"
	EventRateLimited      EventType = "smtp.ratelimit"
)

// Event represents an activity log entry. OrgID is 0 for connection-level
// security events that have no organization scope.
type Event struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	OrgID      int64     `json:"org_id"`
	Kind       EventType `json:"kind"`
	Actor      string    `json:"actor"`  // "system", or the admin identity
	Target     string    `json:"target"` // affected domain/alias/message
	Details    string    `json:"details"`
	RemoteAddr string    `json:"remote_addr"`
}

// Logger handles activity logging
type Logger struct {
	db *sql.DB
}

// NewLogger creates a new activity logger
func NewLogger(db *sql.DB) (*Logger, error) {
	if db == nil {
		return nil, nil // Return nil logger if no database (graceful degradation)
	}

	// Create activity table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS activity (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			org_id INTEGER NOT NULL DEFAULT 0,
			kind TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT 'system',
			target TEXT,
			details TEXT,
			remote_addr TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_activity_org_time ON activity(org_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_activity_kind ON activity(kind);
	`)
	if err != nil {
		return nil, err
	}

	return &Logger{db: db}, nil
}

// Log records an activity event
func (l *Logger) Log(ctx context.Context, orgID int64, kind EventType, target string, details map[string]interface{}, remoteAddr string) error {
	if l == nil || l.db == nil {
		return nil // Graceful degradation if logger not configured
	}

	var detailsJSON string
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			detailsJSON = "{}"
		} else {
			detailsJSON = string(data)
		}
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO activity (org_id, kind, actor, target, details, remote_addr) VALUES (?, ?, 'system', ?, ?, ?)`,
		orgID, string(kind), target, detailsJSON, remoteAddr,
	)
	return err
}

// LogSimple logs an event without details
func (l *Logger) LogSimple(ctx context.Context, orgID int64, kind EventType, target string) error {
	return l.Log(ctx, orgID, kind, target, nil, "")
}

// LogSecurity logs a connection-level security event with no org scope
func (l *Logger) LogSecurity(ctx context.Context, kind EventType, remoteAddr string, details map[string]interface{}) error {
	return l.Log(ctx, 0, kind, "", details, remoteAddr)
}

// QueryFilter defines filters for querying the activity log
type QueryFilter struct {
	OrgID     int64
	Kind      EventType
	Target    string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}

// Query retrieves activity events based on filters
func (l *Logger) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	if l == nil || l.db == nil {
		return nil, nil
	}

	query := `SELECT id, timestamp, org_id, kind, actor, target, details, remote_addr FROM activity WHERE 1=1`
	args := []interface{}{}

	if filter.OrgID != 0 {
		query += " AND org_id = ?"
		args = append(args, filter.OrgID)
	}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	if filter.Target != "" {
		query += " AND target LIKE ?"
		args = append(args, "%"+filter.Target+"%")
	}
	if !filter.StartTime.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndTime)
	}

	query += " ORDER BY timestamp DESC, id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	} else {
		query += " LIMIT 100" // Default limit
	}

	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var target, details, addr sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.OrgID, &e.Kind, &e.Actor, &target, &details, &addr); err != nil {
			return nil, err
		}
		e.Target = target.String
		e.Details = details.String
		e.RemoteAddr = addr.String
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetRecent retrieves the most recent activity events
func (l *Logger) GetRecent(ctx context.Context, limit int) ([]Event, error) {
	return l.Query(ctx, QueryFilter{Limit: limit})
}

// Count returns the total number of events matching the filter
func (l *Logger) Count(ctx context.Context, filter QueryFilter) (int, error) {
	if l == nil || l.db == nil {
		return 0, nil
	}

	query := `SELECT COUNT(*) FROM activity WHERE 1=1`
	args := []interface{}{}

	if filter.OrgID != 0 {
		query += " AND org_id = ?"
		args = append(args, filter.OrgID)
	}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}

	var count int
	err := l.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}
