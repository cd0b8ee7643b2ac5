package verify

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/go-mockdns"

	"github.com/mailhop/mailhop/internal/activity"
	"github.com/mailhop/mailhop/internal/config"
	"github.com/mailhop/mailhop/internal/dkim"
	"github.com/mailhop/mailhop/internal/dnsx"
	"github.com/mailhop/mailhop/internal/logging"
	"github.com/mailhop/mailhop/internal/store"
)

const (
	testHostname   = "mail.mailhop.invalid"
	testSPFInclude = "spf.mailhop.invalid"
)

type testEnv struct {
	service  *Service
	store    *store.Store
	activity *activity.Logger
}

func newTestEnv(t *testing.T, zones map[string]mockdns.Zone) *testEnv {
	t.Helper()

	srv, err := mockdns.NewServer(zones, false)
	if err != nil {
		t.Fatalf("starting mock DNS server: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	resolver := dnsx.NewResolver(config.DNSConfig{
		Nameserver:  srv.LocalAddr().String(),
		Timeout:     5 * time.Second,
		CacheSize:   64,
		NegativeTTL: time.Minute,
		MinTTL:      time.Second,
		MaxTTL:      time.Hour,
	})

	st, err := store.Open(filepath.Join(t.TempDir(), "mailhop.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating store: %v", err)
	}

	act, err := activity.NewLogger(st.DB())
	if err != nil {
		t.Fatalf("creating activity logger: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Server.Hostname = testHostname
	cfg.Verification.SPFInclude = testSPFInclude
	cfg.DKIM.Selector = "mailhop"

	return &testEnv{
		service:  NewService(st, resolver, act, logging.Default(), cfg),
		store:    st,
		activity: act,
	}
}

func (e *testEnv) seedDomain(t *testing.T, name string) *store.Domain {
	t.Helper()
	ctx := context.Background()

	org := &store.Organization{Name: "org-" + name, DomainQuota: 10, MessageQuota: 1000}
	if err := e.store.CreateOrganization(ctx, org); err != nil {
		t.Fatalf("creating organization: %v", err)
	}
	dom, err := e.store.CreateDomain(ctx, org.ID, name, "")
	if err != nil {
		t.Fatalf("creating domain: %v", err)
	}
	return dom
}

// seedKey stores a 1024-bit signing key so the public record fits in a
// single TXT character string on the wire.
func (e *testEnv) seedKey(t *testing.T, dom *store.Domain) *store.DKIMKey {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	record, err := dkim.PublicRecord(&priv.PublicKey)
	if err != nil {
		t.Fatalf("formatting public record: %v", err)
	}
	key := &store.DKIMKey{
		DomainID: dom.ID,
		Selector: "mailhop",
		PrivateKeyPEM: string(pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(priv),
		})),
		PublicRecord: record,
		IsActive:     true,
	}
	if err := e.store.CreateDKIMKey(context.Background(), key); err != nil {
		t.Fatalf("storing key: %v", err)
	}
	return key
}

// fullZones returns DNS content for a completely configured domain.
func fullZones(domain, dkimRecord string) map[string]mockdns.Zone {
	return map[string]mockdns.Zone{
		domain + ".": {
			MX:  []net.MX{{Host: testHostname + ".", Pref: 10}},
			TXT: []string{"v=spf1 include:" + testSPFInclude + " ~all"},
		},
		"mailhop._domainkey." + domain + ".": {
			TXT: []string{dkimRecord},
		},
		"_dmarc." + domain + ".": {
			TXT: []string{"v=DMARC1; p=quarantine; rua=mailto:postmaster@" + domain},
		},
		testHostname + ".": {
			A: []string{"192.0.2.1"},
		},
		"1.2.0.192.in-addr.arpa.": {
			PTR: []string{testHostname + "."},
		},
	}
}

func TestVerifyDomain_AllRecords(t *testing.T) {
	// The zone content needs the key record, so build the env in two
	// steps: seed first against empty zones is not possible because the
	// resolver would cache the misses. Generate the key material upfront.
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	record, err := dkim.PublicRecord(&priv.PublicKey)
	if err != nil {
		t.Fatalf("formatting public record: %v", err)
	}

	env := newTestEnv(t, fullZones("good.invalid", record))
	dom := env.seedDomain(t, "good.invalid")
	ctx := context.Background()

	err = env.store.CreateDKIMKey(ctx, &store.DKIMKey{
		DomainID: dom.ID,
		Selector: "mailhop",
		PrivateKeyPEM: string(pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(priv),
		})),
		PublicRecord: record,
		IsActive:     true,
	})
	if err != nil {
		t.Fatalf("storing key: %v", err)
	}

	state, err := env.service.VerifyDomain(ctx, dom)
	if err != nil {
		t.Fatalf("VerifyDomain failed: %v", err)
	}
	if state != store.VerifyVerified {
		t.Errorf("state = %s, want verified", state)
	}

	snaps, err := env.store.GetSnapshots(ctx, dom.ID)
	if err != nil {
		t.Fatalf("GetSnapshots failed: %v", err)
	}
	if len(snaps) != 5 {
		t.Errorf("got %d snapshots, want 5", len(snaps))
	}
	for _, typ := range []string{store.RecordMX, store.RecordSPF, store.RecordDKIM, store.RecordDMARC, store.RecordPTR} {
		snap, ok := snaps[typ]
		if !ok {
			t.Errorf("missing %s snapshot", typ)
			continue
		}
		if !snap.Pass {
			t.Errorf("%s check failed: %s", typ, snap.Detail)
		}
	}

	// State is persisted and the transition shows up in the activity log.
	reloaded, err := env.store.GetDomainByID(ctx, dom.ID)
	if err != nil {
		t.Fatalf("GetDomainByID failed: %v", err)
	}
	if reloaded.Verification != store.VerifyVerified {
		t.Errorf("persisted state = %s, want verified", reloaded.Verification)
	}
	events, err := env.activity.Query(ctx, activity.QueryFilter{Kind: activity.EventDomainVerified})
	if err != nil {
		t.Fatalf("querying activity: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("got %d verified events, want 1", len(events))
	}
}

func TestVerifyDomain_PartialState(t *testing.T) {
	env := newTestEnv(t, map[string]mockdns.Zone{
		"half.invalid.": {
			MX: []net.MX{{Host: testHostname + ".", Pref: 10}},
		},
	})
	dom := env.seedDomain(t, "half.invalid")

	state, err := env.service.VerifyDomain(context.Background(), dom)
	if err != nil {
		t.Fatalf("VerifyDomain failed: %v", err)
	}
	if state != store.VerifyPartial {
		t.Errorf("state = %s, want partial", state)
	}
}

func TestVerifyDomain_Unverified(t *testing.T) {
	env := newTestEnv(t, map[string]mockdns.Zone{})
	dom := env.seedDomain(t, "nothing.invalid")
	ctx := context.Background()

	state, err := env.service.VerifyDomain(ctx, dom)
	if err != nil {
		t.Fatalf("VerifyDomain failed: %v", err)
	}
	if state != store.VerifyUnverified {
		t.Errorf("state = %s, want unverified", state)
	}

	// No state change, no activity.
	count, err := env.activity.Count(ctx, activity.QueryFilter{})
	if err != nil {
		t.Fatalf("counting activity: %v", err)
	}
	if count != 0 {
		t.Errorf("got %d activity events for unchanged state, want 0", count)
	}
}

func TestVerifyDomain_Idempotent(t *testing.T) {
	env := newTestEnv(t, map[string]mockdns.Zone{
		"same.invalid.": {
			MX: []net.MX{{Host: testHostname + ".", Pref: 10}},
		},
	})
	dom := env.seedDomain(t, "same.invalid")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		state, err := env.service.VerifyDomain(ctx, dom)
		if err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
		if state != store.VerifyPartial {
			t.Errorf("run %d: state = %s, want partial", i, state)
		}
	}

	// Only the first run changed the state.
	count, err := env.activity.Count(ctx, activity.QueryFilter{})
	if err != nil {
		t.Fatalf("counting activity: %v", err)
	}
	if count != 1 {
		t.Errorf("got %d activity events across 3 unchanged runs, want 1", count)
	}
}

func TestVerifyDomain_Downgrade(t *testing.T) {
	env := newTestEnv(t, map[string]mockdns.Zone{})
	dom := env.seedDomain(t, "lapsed.invalid")
	ctx := context.Background()

	if err := env.store.SetVerificationState(ctx, dom.ID, store.VerifyVerified); err != nil {
		t.Fatalf("seeding verified state: %v", err)
	}
	dom.Verification = store.VerifyVerified

	state, err := env.service.VerifyDomain(ctx, dom)
	if err != nil {
		t.Fatalf("VerifyDomain failed: %v", err)
	}
	if state != store.VerifyUnverified {
		t.Errorf("state = %s, want unverified", state)
	}

	events, err := env.activity.Query(ctx, activity.QueryFilter{Kind: activity.EventDomainUnverified})
	if err != nil {
		t.Fatalf("querying activity: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("got %d unverified events, want 1", len(events))
	}
}

func TestVerifyDomain_DMARCPolicyNone(t *testing.T) {
	env := newTestEnv(t, map[string]mockdns.Zone{
		"_dmarc.lax.invalid.": {
			TXT: []string{"v=DMARC1; p=none; rua=mailto:dmarc@lax.invalid"},
		},
	})
	dom := env.seedDomain(t, "lax.invalid")
	ctx := context.Background()

	state, err := env.service.VerifyDomain(ctx, dom)
	if err != nil {
		t.Fatalf("VerifyDomain failed: %v", err)
	}
	// DMARC alone gets the domain to partial, never verified.
	if state != store.VerifyPartial {
		t.Errorf("state = %s, want partial", state)
	}

	snaps, err := env.store.GetSnapshots(ctx, dom.ID)
	if err != nil {
		t.Fatalf("GetSnapshots failed: %v", err)
	}
	dmarc := snaps[store.RecordDMARC]
	if dmarc == nil || !dmarc.Pass {
		t.Fatal("DMARC p=none should pass")
	}
	if !strings.Contains(dmarc.Detail, "none") {
		t.Errorf("p=none should carry a warning detail, got %q", dmarc.Detail)
	}
}

func TestVerifyDomain_DKIMMismatch(t *testing.T) {
	env := newTestEnv(t, map[string]mockdns.Zone{
		"mailhop._domainkey.stale.invalid.": {
			TXT: []string{"v=DKIM1; k=rsa; p=AAAAnotthekey"},
		},
	})
	dom := env.seedDomain(t, "stale.invalid")
	env.seedKey(t, dom)
	ctx := context.Background()

	if _, err := env.service.VerifyDomain(ctx, dom); err != nil {
		t.Fatalf("VerifyDomain failed: %v", err)
	}

	snaps, err := env.store.GetSnapshots(ctx, dom.ID)
	if err != nil {
		t.Fatalf("GetSnapshots failed: %v", err)
	}
	dkimSnap := snaps[store.RecordDKIM]
	if dkimSnap == nil {
		t.Fatal("missing DKIM snapshot")
	}
	if dkimSnap.Pass {
		t.Error("mismatched key should not pass")
	}
	if !strings.Contains(dkimSnap.Detail, "does not match") {
		t.Errorf("detail = %q, want mismatch explanation", dkimSnap.Detail)
	}
}

func TestVerifyAll(t *testing.T) {
	env := newTestEnv(t, map[string]mockdns.Zone{
		"ready.invalid.": {
			MX: []net.MX{{Host: testHostname + ".", Pref: 10}},
		},
	})
	ready := env.seedDomain(t, "ready.invalid")
	bare := env.seedDomain(t, "bare.invalid")
	ctx := context.Background()

	if err := env.service.VerifyAll(ctx); err != nil {
		t.Fatalf("VerifyAll failed: %v", err)
	}

	reloaded, err := env.store.GetDomainByID(ctx, ready.ID)
	if err != nil {
		t.Fatalf("GetDomainByID failed: %v", err)
	}
	if reloaded.Verification != store.VerifyPartial {
		t.Errorf("ready.invalid state = %s, want partial", reloaded.Verification)
	}

	reloaded, err = env.store.GetDomainByID(ctx, bare.ID)
	if err != nil {
		t.Fatalf("GetDomainByID failed: %v", err)
	}
	if reloaded.Verification != store.VerifyUnverified {
		t.Errorf("bare.invalid state = %s, want unverified", reloaded.Verification)
	}
}

func TestSPFAuthorizes(t *testing.T) {
	tests := []struct {
		name     string
		record   string
		identity string
		want     bool
	}{
		{"include", "v=spf1 include:spf.mailhop.invalid ~all", "spf.mailhop.invalid", true},
		{"include with plus", "v=spf1 +include:spf.mailhop.invalid -all", "spf.mailhop.invalid", true},
		{"a mechanism", "v=spf1 a:mail.mailhop.invalid ~all", "mail.mailhop.invalid", true},
		{"mx with host", "v=spf1 mx:mail.mailhop.invalid ~all", "mail.mailhop.invalid", true},
		{"bare mx", "v=spf1 mx ~all", "mail.mailhop.invalid", true},
		{"ip4", "v=spf1 ip4:192.0.2.1 -all", "192.0.2.1", true},
		{"other include", "v=spf1 include:other.example ~all", "spf.mailhop.invalid", false},
		{"prefix is not a token match", "v=spf1 include:spf.mailhop.invalid.evil.example ~all", "spf.mailhop.invalid", false},
		{"empty", "v=spf1 ~all", "spf.mailhop.invalid", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := spfAuthorizes(tt.record, tt.identity); got != tt.want {
				t.Errorf("spfAuthorizes(%q, %q) = %v, want %v", tt.record, tt.identity, got, tt.want)
			}
		})
	}
}

func TestNormalizeRecord(t *testing.T) {
	a := "v=DKIM1; k=rsa; p=MIIBIjANBg"
	b := "v=DKIM1;k=rsa;p=MIIBIjANBg"
	c := "v=DKIM1;  k=rsa;\tp=MIIBIjANBg"
	if normalizeRecord(a) != normalizeRecord(b) || normalizeRecord(b) != normalizeRecord(c) {
		t.Errorf("whitespace variants should normalize equal: %q %q %q",
			normalizeRecord(a), normalizeRecord(b), normalizeRecord(c))
	}
	if normalizeRecord("v=DKIM1; p=AAA") == normalizeRecord("v=DKIM1; p=BBB") {
		t.Error("different keys should not normalize equal")
	}
}

func TestExpectedRecords(t *testing.T) {
	env := newTestEnv(t, map[string]mockdns.Zone{})
	dom := env.seedDomain(t, "owner.invalid")
	ctx := context.Background()

	records, err := env.service.ExpectedRecords(ctx, dom)
	if err != nil {
		t.Fatalf("ExpectedRecords failed: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("got %d records, want 4", len(records))
	}

	byType := map[string]Record{}
	for _, r := range records {
		if r.Type == "TXT" {
			byType[r.Host] = r
		} else {
			byType[r.Type] = r
		}
	}

	mx := byType["MX"]
	if mx.Value != testHostname+"." || mx.Priority != 10 {
		t.Errorf("MX record = %+v", mx)
	}
	if !strings.Contains(byType["@"].Value, "v=spf1 include:"+testSPFInclude) {
		t.Errorf("SPF record = %q", byType["@"].Value)
	}
	if !strings.Contains(byType["mailhop._domainkey"].Value, "generate a signing key") {
		t.Errorf("keyless DKIM record should be a placeholder, got %q", byType["mailhop._domainkey"].Value)
	}
	if !strings.HasPrefix(byType["_dmarc"].Value, "v=DMARC1") {
		t.Errorf("DMARC record = %q", byType["_dmarc"].Value)
	}

	// With a key, the real record value is used.
	key := env.seedKey(t, dom)
	records, err = env.service.ExpectedRecords(ctx, dom)
	if err != nil {
		t.Fatalf("ExpectedRecords failed: %v", err)
	}
	var found bool
	for _, r := range records {
		if r.Host == "mailhop._domainkey" && r.Value == key.PublicRecord {
			found = true
		}
	}
	if !found {
		t.Error("expected the stored public record in the DKIM template")
	}
}

func TestFormatRecords(t *testing.T) {
	records := []Record{
		{Type: "MX", Host: "@", Value: "mail.mailhop.invalid.", Priority: 10, TTL: 3600, Comment: "mail routing"},
		{Type: "TXT", Host: "_dmarc", Value: "v=DMARC1; p=quarantine", TTL: 3600, Comment: "policy"},
	}

	zone := FormatAsZone(records, "owner.invalid")
	if !strings.Contains(zone, "owner.invalid.\t3600\tIN\tMX\t10\tmail.mailhop.invalid.") {
		t.Errorf("zone output missing MX line:\n%s", zone)
	}
	if !strings.Contains(zone, "_dmarc.owner.invalid.\t3600\tIN\tTXT\t\"v=DMARC1; p=quarantine\"") {
		t.Errorf("zone output missing TXT line:\n%s", zone)
	}

	provider := FormatForProvider(records, "owner.invalid")
	if !strings.Contains(provider, "Priority: 10") {
		t.Errorf("provider output missing MX priority:\n%s", provider)
	}
	if !strings.Contains(provider, "Host/Name: _dmarc") {
		t.Errorf("provider output missing TXT host:\n%s", provider)
	}
}

func TestQuoteTXT(t *testing.T) {
	short := quoteTXT("v=spf1 ~all")
	if short != `"v=spf1 ~all"` {
		t.Errorf("short value = %s", short)
	}

	long := quoteTXT(strings.Repeat("a", 300))
	if !strings.Contains(long, `" "`) {
		t.Error("long value should split into multiple quoted strings")
	}
	joined := strings.ReplaceAll(strings.ReplaceAll(long, `"`, ""), " ", "")
	if joined != strings.Repeat("a", 300) {
		t.Errorf("split should preserve content, got %d bytes back", len(joined))
	}
}
