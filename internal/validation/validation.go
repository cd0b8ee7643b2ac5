// Package validation provides input validation for addresses and domains.
package validation

import (
	"errors"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

var (
	// ErrInvalidLocalPart is returned when the local part of an address is invalid
	ErrInvalidLocalPart = errors.New("invalid local part: must be 1-64 characters and valid email local part")
	// ErrInvalidDomain is returned when domain name is invalid
	ErrInvalidDomain = errors.New("invalid domain: must be valid domain name")
	// ErrInvalidAddress is returned when an address is not of the form local@domain
	ErrInvalidAddress = errors.New("invalid address: must be local@domain")
)

const (
	// Local part constraints (RFC 5321)
	minLocalPartLength = 1
	maxLocalPartLength = 64

	// Domain name constraints (RFC 1035)
	maxDomainLength = 253
)

var (
	// RFC 5321 compliant local-part pattern (simplified for common use cases)
	// Allows: alphanumeric, dot, hyphen, underscore, plus
	// Does not allow: leading/trailing dots, consecutive dots
	localPartPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9._+-]*[a-zA-Z0-9])?$`)

	// RFC 1035 compliant domain name pattern
	// Labels: 1-63 chars, alphanumeric and hyphen, not starting/ending with hyphen
	domainPattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)*[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
)

// LocalPart checks if the local part of an address meets format and length requirements
func LocalPart(local string) error {
	local = strings.TrimSpace(local)

	if len(local) < minLocalPartLength || len(local) > maxLocalPartLength {
		return ErrInvalidLocalPart
	}

	if !localPartPattern.MatchString(local) {
		return ErrInvalidLocalPart
	}

	if strings.Contains(local, "..") {
		return ErrInvalidLocalPart // Consecutive dots not allowed
	}

	return nil
}

// Domain checks if a domain name is valid according to RFC 1035.
// Internationalized names are accepted; they are converted to A-labels
// before the syntax check.
func Domain(domain string) error {
	domain, err := NormalizeDomain(domain)
	if err != nil {
		return err
	}

	if len(domain) == 0 || len(domain) > maxDomainLength {
		return ErrInvalidDomain
	}

	if !domainPattern.MatchString(domain) {
		return ErrInvalidDomain
	}

	// Additional validation: check each label length (max 63 chars per RFC 1035)
	labels := strings.Split(domain, ".")
	for _, label := range labels {
		if len(label) == 0 || len(label) > 63 {
			return ErrInvalidDomain
		}
	}

	return nil
}

// Address checks that addr is a well-formed local@domain address.
func Address(addr string) error {
	local, domain, err := SplitAddress(addr)
	if err != nil {
		return err
	}
	if err := LocalPart(local); err != nil {
		return err
	}
	return Domain(domain)
}

// SplitAddress splits addr into local part and domain at the last '@'.
// The last one is used because RFC 5321 allows '@' inside a quoted local part.
func SplitAddress(addr string) (local, domain string, err error) {
	addr = strings.TrimSpace(addr)
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "", "", ErrInvalidAddress
	}
	return addr[:at], addr[at+1:], nil
}

// NormalizeDomain converts a domain to its canonical lookup form:
// A-labels (punycode), lower case, no trailing dot.
func NormalizeDomain(domain string) (string, error) {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), ".")
	if domain == "" {
		return "", ErrInvalidDomain
	}

	ascii, err := idna.ToASCII(domain)
	if err != nil {
		return "", ErrInvalidDomain
	}

	return strings.ToLower(ascii), nil
}

// NormalizeAddress transforms an address into a canonical form usable
// for map lookups or direct comparisons. The local part is case-folded,
// the domain part is normalized with NormalizeDomain.
//
// Alias matching is case-insensitive, so all store lookups go through
// this form.
func NormalizeAddress(addr string) (string, error) {
	local, domain, err := SplitAddress(addr)
	if err != nil {
		return strings.ToLower(addr), err
	}

	domain, err = NormalizeDomain(domain)
	if err != nil {
		return strings.ToLower(addr), err
	}

	return strings.ToLower(local) + "@" + domain, nil
}
