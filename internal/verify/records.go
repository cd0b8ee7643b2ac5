package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mailhop/mailhop/internal/store"
)

// Record is a DNS record a domain owner must publish.
type Record struct {
	Type     string // MX, TXT
	Host     string // relative name, @ for the zone apex
	Value    string
	Priority int // MX only
	TTL      int
	Comment  string
}

const recordTTL = 3600

// ExpectedRecords returns the records the owner of dom must publish for
// forwarding to verify: MX, SPF, the active DKIM key, and DMARC. When no
// signing key exists yet the DKIM value is a placeholder.
func (s *Service) ExpectedRecords(ctx context.Context, dom *store.Domain) ([]Record, error) {
	selector := dom.DKIMSelector
	if selector == "" {
		selector = s.selector
	}
	dkimValue := "v=DKIM1; k=rsa; p=<generate a signing key first>"

	key, err := s.store.GetDKIMKey(ctx, dom.ID)
	if err == nil {
		selector = key.Selector
		dkimValue = key.PublicRecord
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	return []Record{
		{
			Type:     "MX",
			Host:     "@",
			Value:    s.hostname + ".",
			Priority: 10,
			TTL:      recordTTL,
			Comment:  "Routes mail for " + dom.Name + " to mailhop",
		},
		{
			Type:    "TXT",
			Host:    "@",
			Value:   fmt.Sprintf("v=spf1 include:%s ~all", s.spfInclude),
			TTL:     recordTTL,
			Comment: "SPF - authorizes mailhop to forward on your behalf",
		},
		{
			Type:    "TXT",
			Host:    selector + "._domainkey",
			Value:   dkimValue,
			TTL:     recordTTL,
			Comment: "DKIM signing key - verifies forwarded mail",
		},
		{
			Type:    "TXT",
			Host:    "_dmarc",
			Value:   fmt.Sprintf("v=DMARC1; p=quarantine; rua=mailto:postmaster@%s", dom.Name),
			TTL:     recordTTL,
			Comment: "DMARC policy - handles failed authentication",
		},
	}, nil
}

// FormatAsZone renders records in BIND zone file syntax.
func FormatAsZone(records []Record, domain string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("; DNS records for %s\n", domain))
	sb.WriteString("; Generated by mailhop dns records\n\n")

	for _, r := range records {
		host := r.Host
		if host == "@" {
			host = domain + "."
		} else if !strings.HasSuffix(host, ".") {
			host = host + "." + domain + "."
		}

		sb.WriteString(fmt.Sprintf("; %s\n", r.Comment))
		switch r.Type {
		case "MX":
			sb.WriteString(fmt.Sprintf("%s\t%d\tIN\tMX\t%d\t%s\n\n", host, r.TTL, r.Priority, r.Value))
		case "TXT":
			sb.WriteString(fmt.Sprintf("%s\t%d\tIN\tTXT\t%s\n\n", host, r.TTL, quoteTXT(r.Value)))
		default:
			sb.WriteString(fmt.Sprintf("%s\t%d\tIN\t%s\t%s\n\n", host, r.TTL, r.Type, r.Value))
		}
	}

	return sb.String()
}

// FormatForProvider renders records for copy-paste into a DNS provider's
// control panel.
func FormatForProvider(records []Record, domain string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("DNS records for %s\n", domain))
	sb.WriteString(strings.Repeat("=", 51) + "\n\n")

	for _, r := range records {
		sb.WriteString(fmt.Sprintf("Type: %s\n", r.Type))
		sb.WriteString(fmt.Sprintf("Host/Name: %s\n", r.Host))
		if r.Type == "MX" {
			sb.WriteString(fmt.Sprintf("Priority: %d\n", r.Priority))
		}
		sb.WriteString(fmt.Sprintf("Value: %s\n", r.Value))
		sb.WriteString(fmt.Sprintf("TTL: %d\n", r.TTL))
		sb.WriteString(fmt.Sprintf("Note: %s\n", r.Comment))
		sb.WriteString(strings.Repeat("-", 51) + "\n\n")
	}

	return sb.String()
}

// quoteTXT wraps a TXT value in quotes, splitting values longer than the
// 255-byte character-string limit into adjacent quoted chunks.
func quoteTXT(value string) string {
	if len(value) <= 255 {
		return fmt.Sprintf("%q", value)
	}
	var parts []string
	for len(value) > 0 {
		end := 255
		if end > len(value) {
			end = len(value)
		}
		parts = append(parts, fmt.Sprintf("%q", value[:end]))
		value = value[end:]
	}
	return strings.Join(parts, " ")
}
