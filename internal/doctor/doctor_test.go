package doctor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/mailhop/mailhop/internal/config"
	"github.com/mailhop/mailhop/internal/dkim"
	"github.com/mailhop/mailhop/internal/store"
)

func findCheck(t *testing.T, results *Results, name string) CheckResult {
	t.Helper()
	for _, check := range results.Checks {
		if check.Name == name {
			return check
		}
	}
	t.Fatalf("no check named %q in results", name)
	return CheckResult{}
}

// closedPort returns an address nothing is listening on.
func closedPort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestRunAgainstProvisionedDeployment(t *testing.T) {
	tmp := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Storage.DatabasePath = filepath.Join(tmp, "mailhop.db")
	cfg.Storage.SpoolDir = filepath.Join(tmp, "spool")
	cfg.Server.StartTLSMode = config.StartTLSOff
	cfg.DKIM.KeyBits = 1024

	if err := os.MkdirAll(cfg.Storage.SpoolDir, 0750); err != nil {
		t.Fatalf("creating spool dir: %v", err)
	}

	mr := miniredis.RunT(t)
	cfg.Queue.RedisAddr = mr.Addr()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	defer l.Close()
	cfg.Server.ListenAddress = l.Addr().String()

	ctx := context.Background()
	st, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	org := &store.Organization{Name: "acme", Plan: "free", DomainQuota: 5, MessageQuota: 1000}
	if err := st.CreateOrganization(ctx, org); err != nil {
		t.Fatalf("creating org: %v", err)
	}
	dom, err := st.CreateDomain(ctx, org.ID, "client.example", "mailhop")
	if err != nil {
		t.Fatalf("creating domain: %v", err)
	}
	if _, err := dkim.NewEngine(st, cfg.DKIM).GenerateKeypair(ctx, dom); err != nil {
		t.Fatalf("generating keypair: %v", err)
	}
	if err := st.SetVerificationState(ctx, dom.ID, store.VerifyVerified); err != nil {
		t.Fatalf("setting verification state: %v", err)
	}
	st.Close()

	results := Run(cfg)

	for _, name := range []string{"Database", "Redis Queue", "Spool Directory", "SMTP Listener", "DKIM Keys", "Domain Verification"} {
		if check := findCheck(t, results, name); check.Status != "pass" {
			t.Errorf("%s: status = %q (%s), want pass", name, check.Status, check.Message)
		}
	}

	// STARTTLS off is flagged but not fatal
	if check := findCheck(t, results, "TLS Material"); check.Status != "warn" {
		t.Errorf("TLS Material: status = %q, want warn", check.Status)
	}
}

func TestRunAgainstUnprovisionedDeployment(t *testing.T) {
	tmp := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Storage.DatabasePath = filepath.Join(tmp, "missing.db")
	cfg.Storage.SpoolDir = filepath.Join(tmp, "no-such-spool")
	cfg.Server.StartTLSMode = config.StartTLSOpportunistic
	cfg.Queue.RedisAddr = closedPort(t)
	cfg.Server.ListenAddress = closedPort(t)

	results := Run(cfg)

	db := findCheck(t, results, "Database")
	if db.Status != "fail" {
		t.Errorf("Database: status = %q, want fail", db.Status)
	}
	if !strings.Contains(db.Help, "mailhop migrate") {
		t.Errorf("Database help = %q, want migrate hint", db.Help)
	}

	if check := findCheck(t, results, "Redis Queue"); check.Status != "fail" {
		t.Errorf("Redis Queue: status = %q, want fail", check.Status)
	}
	if check := findCheck(t, results, "Spool Directory"); check.Status != "fail" {
		t.Errorf("Spool Directory: status = %q, want fail", check.Status)
	}

	listener := findCheck(t, results, "SMTP Listener")
	if listener.Status != "fail" {
		t.Errorf("SMTP Listener: status = %q, want fail", listener.Status)
	}
	if !strings.Contains(listener.Help, "mailhop serve") {
		t.Errorf("SMTP Listener help = %q, want serve hint", listener.Help)
	}

	// STARTTLS enabled with neither ACME nor a certificate pair
	if check := findCheck(t, results, "TLS Material"); check.Status != "fail" {
		t.Errorf("TLS Material: status = %q, want fail", check.Status)
	}

	if results.Healthy {
		t.Error("Healthy = true for unprovisioned deployment")
	}
}

func TestRunFlagsPendingDomainState(t *testing.T) {
	tmp := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Storage.DatabasePath = filepath.Join(tmp, "mailhop.db")
	cfg.Storage.SpoolDir = filepath.Join(tmp, "spool")
	cfg.Server.StartTLSMode = config.StartTLSOff
	cfg.Queue.RedisAddr = miniredis.RunT(t).Addr()
	cfg.Server.ListenAddress = closedPort(t)

	if err := os.MkdirAll(cfg.Storage.SpoolDir, 0750); err != nil {
		t.Fatalf("creating spool dir: %v", err)
	}

	ctx := context.Background()
	st, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	org := &store.Organization{Name: "acme", Plan: "free", DomainQuota: 5, MessageQuota: 1000}
	if err := st.CreateOrganization(ctx, org); err != nil {
		t.Fatalf("creating org: %v", err)
	}
	// Domain with no signing key, never verified
	if _, err := st.CreateDomain(ctx, org.ID, "client.example", "mailhop"); err != nil {
		t.Fatalf("creating domain: %v", err)
	}
	st.Close()

	results := Run(cfg)

	keys := findCheck(t, results, "DKIM Keys")
	if keys.Status != "warn" {
		t.Errorf("DKIM Keys: status = %q, want warn", keys.Status)
	}
	if !strings.Contains(keys.Message, "client.example") {
		t.Errorf("DKIM Keys message = %q, want domain name", keys.Message)
	}
	if !strings.Contains(keys.Help, "dkim rotate") {
		t.Errorf("DKIM Keys help = %q, want rotate hint", keys.Help)
	}

	verification := findCheck(t, results, "Domain Verification")
	if verification.Status != "warn" {
		t.Errorf("Domain Verification: status = %q, want warn", verification.Status)
	}
	if !strings.Contains(verification.Message, "client.example (unverified)") {
		t.Errorf("Domain Verification message = %q, want pending domain with state", verification.Message)
	}
}
