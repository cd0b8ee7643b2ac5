// Package verify checks that domain owners have published the DNS records
// mailhop needs: MX pointing at the inbound host, SPF authorizing the
// sending identity, the DKIM public key, and a DMARC policy. Check results
// are persisted as snapshots and folded into the domain verification state.
package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"github.com/mailhop/mailhop/internal/activity"
	"github.com/mailhop/mailhop/internal/config"
	"github.com/mailhop/mailhop/internal/dnsx"
	"github.com/mailhop/mailhop/internal/logging"
	"github.com/mailhop/mailhop/internal/metrics"
	"github.com/mailhop/mailhop/internal/store"
)

// verifyTimeout bounds one verification run across all checks.
const verifyTimeout = 15 * time.Second

// Service runs DNS verification for managed domains.
type Service struct {
	store    *store.Store
	resolver *dnsx.Resolver
	activity *activity.Logger
	log      *logging.Logger

	hostname   string // inbound MX host owners must point at
	spfInclude string // sending identity expected in SPF records
	selector   string // default DKIM selector for record templates
}

// NewService creates a verification service. The activity logger may be
// nil.
func NewService(st *store.Store, resolver *dnsx.Resolver, act *activity.Logger, log *logging.Logger, cfg *config.Config) *Service {
	spfInclude := cfg.Verification.SPFInclude
	if spfInclude == "" {
		spfInclude = cfg.Server.Hostname
	}
	return &Service{
		store:      st,
		resolver:   resolver,
		activity:   act,
		log:        log.Verify(),
		hostname:   strings.ToLower(cfg.Server.Hostname),
		spfInclude: strings.ToLower(spfInclude),
		selector:   cfg.DKIM.Selector,
	}
}

// VerifyDomain runs all record checks for the domain, records snapshots,
// and recomputes the verification state: verified when MX, SPF and DKIM
// all pass; partial when any check passes; unverified otherwise. PTR is
// checked for diagnostics only and never affects the state.
func (s *Service) VerifyDomain(ctx context.Context, dom *store.Domain) (store.VerificationState, error) {
	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	checks := []struct {
		recordType string
		run        func(context.Context, *store.Domain) *store.Snapshot
	}{
		{store.RecordMX, s.checkMX},
		{store.RecordSPF, s.checkSPF},
		{store.RecordDKIM, s.checkDKIM},
		{store.RecordDMARC, s.checkDMARC},
		{store.RecordPTR, s.checkPTR},
	}

	snapshots := make([]*store.Snapshot, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, check := range checks {
		i, check := i, check
		g.Go(func() error {
			snapshots[i] = check.run(gctx, dom)
			return nil
		})
	}
	g.Wait()

	passed := make(map[string]bool, len(snapshots))
	for _, snap := range snapshots {
		snap.DomainID = dom.ID
		if err := s.store.RecordDNSSnapshot(ctx, snap); err != nil {
			return dom.Verification, fmt.Errorf("recording %s snapshot for %s: %w", snap.RecordType, dom.Name, err)
		}
		passed[snap.RecordType] = snap.Pass
	}

	state := store.VerifyUnverified
	switch {
	case passed[store.RecordMX] && passed[store.RecordSPF] && passed[store.RecordDKIM]:
		state = store.VerifyVerified
	case passed[store.RecordMX] || passed[store.RecordSPF] || passed[store.RecordDKIM] || passed[store.RecordDMARC]:
		state = store.VerifyPartial
	}

	metrics.RecordVerification(string(state))

	if state != dom.Verification {
		if err := s.store.SetVerificationState(ctx, dom.ID, state); err != nil {
			return dom.Verification, err
		}
		s.log.InfoContext(ctx, "domain verification state changed",
			"domain", dom.Name, "from", string(dom.Verification), "to", string(state))

		kind := activity.EventDomainUnverified
		if state == store.VerifyVerified {
			kind = activity.EventDomainVerified
		}
		if err := s.activity.Log(ctx, dom.OrgID, kind, dom.Name, map[string]interface{}{
			"from": string(dom.Verification),
			"to":   string(state),
		}, ""); err != nil {
			s.log.ErrorContext(ctx, "recording verification activity", err, "domain", dom.Name)
		}
		dom.Verification = state
	}

	return state, nil
}

// VerifyAll runs verification for every active domain. Individual domain
// failures are logged and do not stop the sweep.
func (s *Service) VerifyAll(ctx context.Context) error {
	domains, err := s.store.ListActiveDomains(ctx)
	if err != nil {
		return fmt.Errorf("listing domains for verification: %w", err)
	}

	for _, dom := range domains {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.VerifyDomain(ctx, dom); err != nil {
			s.log.ErrorContext(ctx, "verifying domain", err, "domain", dom.Name)
			metrics.RecordError("verify", "domain_check")
		}
	}
	return nil
}

func (s *Service) checkMX(ctx context.Context, dom *store.Domain) *store.Snapshot {
	snap := &store.Snapshot{RecordType: store.RecordMX, Expected: s.hostname}

	// The implicit A fallback of RFC 5321 is not accepted here: receiving
	// mail for the domain requires an explicit MX at the inbound host.
	answers, err := s.resolver.Resolve(ctx, dom.Name, dns.TypeMX)
	if err != nil {
		if dnsx.IsNotFound(err) {
			snap.Detail = "no MX records found"
		} else {
			snap.Detail = fmt.Sprintf("lookup failed: %v", err)
		}
		return snap
	}

	var hosts []string
	for _, rr := range answers {
		mx, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		host := strings.ToLower(strings.TrimSuffix(mx.Mx, "."))
		hosts = append(hosts, host)
		if host == s.hostname {
			snap.Pass = true
			snap.Actual = host
			snap.Detail = fmt.Sprintf("MX points at %s with preference %d", host, mx.Preference)
			return snap
		}
	}

	snap.Actual = strings.Join(hosts, ", ")
	if len(hosts) == 0 {
		snap.Detail = "no MX records found"
	} else {
		snap.Detail = fmt.Sprintf("MX records exist but none point at %s", s.hostname)
	}
	return snap
}

func (s *Service) checkSPF(ctx context.Context, dom *store.Domain) *store.Snapshot {
	snap := &store.Snapshot{
		RecordType: store.RecordSPF,
		Expected:   fmt.Sprintf("v=spf1 include:%s ~all", s.spfInclude),
	}

	records, err := s.resolver.LookupTXT(ctx, dom.Name)
	if err != nil {
		if dnsx.IsNotFound(err) {
			snap.Detail = "no TXT records found"
		} else {
			snap.Detail = fmt.Sprintf("lookup failed: %v", err)
		}
		return snap
	}

	for _, record := range records {
		if !strings.HasPrefix(record, "v=spf1") {
			continue
		}
		snap.Actual = record
		if spfAuthorizes(record, s.spfInclude) {
			snap.Pass = true
			snap.Detail = "SPF record authorizes " + s.spfInclude
		} else {
			snap.Detail = "SPF record does not authorize " + s.spfInclude
		}
		return snap
	}

	snap.Detail = "no SPF record found"
	return snap
}

// spfAuthorizes reports whether an SPF record authorizes the identity via
// an include:, a:, mx:, or ip mechanism, or the bare mx mechanism (the
// domain's MX is the identity once the MX check passes).
func spfAuthorizes(record, identity string) bool {
	for _, mech := range strings.Fields(record) {
		mech = strings.ToLower(strings.TrimPrefix(mech, "+"))
		switch mech {
		case "mx":
			return true
		case "include:" + identity, "a:" + identity, "mx:" + identity,
			"ip4:" + identity, "ip6:" + identity:
			return true
		}
	}
	return false
}

func (s *Service) checkDKIM(ctx context.Context, dom *store.Domain) *store.Snapshot {
	snap := &store.Snapshot{RecordType: store.RecordDKIM}

	key, err := s.store.GetDKIMKey(ctx, dom.ID)
	if errors.Is(err, store.ErrNotFound) {
		snap.Detail = "no signing key generated yet"
		return snap
	}
	if err != nil {
		snap.Detail = fmt.Sprintf("loading signing key: %v", err)
		return snap
	}
	snap.Expected = key.PublicRecord

	name := key.Selector + "._domainkey." + dom.Name
	records, err := s.resolver.LookupTXT(ctx, name)
	if err != nil {
		if dnsx.IsNotFound(err) {
			snap.Detail = "no TXT record at " + name
		} else {
			snap.Detail = fmt.Sprintf("lookup failed: %v", err)
		}
		return snap
	}

	want := normalizeRecord(key.PublicRecord)
	for _, record := range records {
		snap.Actual = record
		if normalizeRecord(record) == want {
			snap.Pass = true
			snap.Detail = "published key matches the active signing key"
			return snap
		}
	}

	if snap.Actual == "" {
		snap.Detail = "no TXT record at " + name
	} else {
		snap.Detail = "published key does not match the active signing key"
	}
	return snap
}

// normalizeRecord strips all whitespace so records split across multiple
// character strings or reformatted by providers still compare equal.
func normalizeRecord(record string) string {
	return strings.Join(strings.Fields(record), "")
}

func (s *Service) checkDMARC(ctx context.Context, dom *store.Domain) *store.Snapshot {
	snap := &store.Snapshot{
		RecordType: store.RecordDMARC,
		Expected:   "v=DMARC1; p=quarantine (or reject)",
	}

	records, err := s.resolver.LookupTXT(ctx, "_dmarc."+dom.Name)
	if err != nil {
		if dnsx.IsNotFound(err) {
			snap.Detail = "no DMARC record found"
		} else {
			snap.Detail = fmt.Sprintf("lookup failed: %v", err)
		}
		return snap
	}

	for _, record := range records {
		if !strings.HasPrefix(record, "v=DMARC1") {
			continue
		}
		snap.Actual = record
		snap.Pass = true

		policy := "none"
		if strings.Contains(record, "p=reject") {
			policy = "reject"
		} else if strings.Contains(record, "p=quarantine") {
			policy = "quarantine"
		}
		if policy == "none" {
			snap.Detail = "DMARC policy is none; quarantine or reject recommended"
		} else {
			snap.Detail = "DMARC record found with policy " + policy
		}
		return snap
	}

	snap.Detail = "no DMARC record found"
	return snap
}

// checkPTR verifies reverse DNS for the inbound host itself. This is a
// deployment diagnostic for the operator, not something domain owners
// control, so it is informational only.
func (s *Service) checkPTR(ctx context.Context, dom *store.Domain) *store.Snapshot {
	snap := &store.Snapshot{RecordType: store.RecordPTR, Expected: s.hostname}

	ips, err := s.resolver.LookupAddr(ctx, s.hostname)
	if err != nil {
		snap.Detail = fmt.Sprintf("resolving %s: %v", s.hostname, err)
		return snap
	}

	ip := ips[0].String()
	names, err := s.resolver.LookupPTR(ctx, ip)
	if err != nil {
		snap.Actual = ip
		if dnsx.IsNotFound(err) {
			snap.Detail = "no PTR record for " + ip
		} else {
			snap.Detail = fmt.Sprintf("PTR lookup failed: %v", err)
		}
		return snap
	}

	for _, name := range names {
		if strings.EqualFold(name, s.hostname) {
			snap.Pass = true
			snap.Actual = name
			snap.Detail = fmt.Sprintf("PTR for %s points at %s", ip, name)
			return snap
		}
	}

	snap.Actual = strings.Join(names, ", ")
	snap.Detail = "PTR record exists but does not match " + s.hostname
	return snap
}
