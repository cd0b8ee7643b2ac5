// Package store provides transactional access to all persistent entities:
// organizations, domains, aliases, DKIM keypairs, message records, DNS
// snapshots and usage counters.
package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an entity does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint is violated
	ErrConflict = errors.New("conflict")
	// ErrQuotaExceeded is returned when a plan quota denies the operation
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrBackend is returned for transient database failures
	ErrBackend = errors.New("backend error")
	// ErrBadTransition is returned when a status change violates the state machine
	ErrBadTransition = errors.New("invalid status transition")
)

// Status is the lifecycle state of a message record.
type Status string

const (
	StatusAccepted   Status = "accepted"
	StatusForwarding Status = "forwarding"
	StatusDelivered  Status = "delivered"
	StatusBounced    Status = "bounced"
	StatusFailed     Status = "failed"
	StatusRejected   Status = "rejected"
)

// validTransitions is the message status machine. delivered, bounced,
// failed and rejected are terminal. forwarding may re-enter itself once
// per delivery attempt.
var validTransitions = map[Status]map[Status]bool{
	StatusAccepted: {
		StatusForwarding: true,
		StatusRejected:   true,
	},
	StatusForwarding: {
		StatusForwarding: true,
		StatusDelivered:  true,
		StatusBounced:    true,
		StatusFailed:     true,
	},
}

// CanTransition reports whether a status change is allowed.
func CanTransition(from, to Status) bool {
	return validTransitions[from][to]
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s Status) IsTerminal() bool {
	return len(validTransitions[s]) == 0
}

// VerificationState is the DNS verification state of a domain.
type VerificationState string

const (
	VerifyUnverified VerificationState = "unverified"
	VerifyPartial    VerificationState = "partial"
	VerifyVerified   VerificationState = "verified"
)

// DNS snapshot record types.
const (
	RecordMX    = "MX"
	RecordSPF   = "SPF"
	RecordDKIM  = "DKIM"
	RecordDMARC = "DMARC"
	RecordPTR   = "PTR"
)

// Organization owns domains and aliases.
type Organization struct {
	ID           int64
	Name         string
	Plan         string
	DomainQuota  int
	MessageQuota int
	BillingEmail string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Domain is a DNS name under an organization's control.
type Domain struct {
	ID           int64
	OrgID        int64
	Name         string
	Verification VerificationState
	CatchAll     string // "" when no catch-all is configured
	DKIMSelector string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time
}

// Alias is a local-part under a domain with one or more forwarding targets.
type Alias struct {
	ID        int64
	DomainID  int64
	LocalPart string
	Targets   []string
	IsActive  bool
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// Expired reports whether the alias has an expiration in the past.
func (a *Alias) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && a.ExpiresAt.Before(now)
}

// DKIMKey is a signing keypair for a domain. At most one is active per
// domain; retired keys are kept for verification of previously signed mail.
type DKIMKey struct {
	ID            int64
	DomainID      int64
	Selector      string
	PrivateKeyPEM string
	PublicRecord  string // DNS TXT value: v=DKIM1; k=rsa; p=...
	IsActive      bool
	CreatedAt     time.Time
	RetiredAt     *time.Time
}

// Message is the persistent audit record of a forwarded (or attempted)
// message. AliasID is nil for catch-all deliveries. ParentID links fanout
// children to the record created at SMTP accept time.
type Message struct {
	ID        string
	MessageID string
	DomainID  int64
	AliasID   *int64
	ParentID  string
	Sender    string
	Recipient string
	ForwardTo string
	Subject   string
	Size      int64
	Status    Status
	Attempts  int
	LastError string
	SpoolPath string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot is the latest DNS observation for one (domain, record type).
type Snapshot struct {
	DomainID   int64
	RecordType string
	Pass       bool
	Expected   string
	Actual     string
	Detail     string
	CheckedAt  time.Time
}

// AliasMatch is the result of a recipient lookup against a configured alias.
type AliasMatch struct {
	Alias        Alias
	Domain       Domain
	Organization Organization
}

// CatchAllMatch is the result of a recipient lookup falling through to a
// domain's catch-all target.
type CatchAllMatch struct {
	Domain       Domain
	Organization Organization
	Target       string
}
