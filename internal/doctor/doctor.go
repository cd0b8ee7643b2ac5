// Package doctor diagnoses a deployment: database, queue, spool, TLS
// material, signing keys and domain verification state, each reported as
// an independent pass/warn/fail check. Checks read persisted state and
// probe local services; none of them mutate anything.
package doctor

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailhop/mailhop/internal/config"
	"github.com/mailhop/mailhop/internal/store"
)

// CheckResult is the outcome of a single check.
type CheckResult struct {
	Name    string
	Status  string // "pass", "fail", "warn"
	Message string
	Help    string
}

// Results aggregates all check outcomes.
type Results struct {
	Checks  []CheckResult
	Passed  int
	Failed  int
	Warned  int
	Healthy bool
}

const probeTimeout = 3 * time.Second

// Run executes all health checks against the configuration.
func Run(cfg *config.Config) *Results {
	results := &Results{}

	checks := []func(*config.Config) CheckResult{
		checkDatabase,
		checkRedis,
		checkSpool,
		checkTLSMaterial,
		checkListener,
		checkDKIMKeys,
		checkVerification,
		checkDiskSpace,
	}

	for _, check := range checks {
		result := check(cfg)
		results.Checks = append(results.Checks, result)

		switch result.Status {
		case "pass":
			results.Passed++
		case "fail":
			results.Failed++
		case "warn":
			results.Warned++
		}
	}

	results.Healthy = results.Failed == 0

	return results
}

// Print writes the results to stdout.
func (r *Results) Print() {
	fmt.Println("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("                    HEALTH CHECK")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	for _, check := range r.Checks {
		icon := "✓"
		color := "\033[32m" // green
		if check.Status == "fail" {
			icon = "✗"
			color = "\033[31m" // red
		} else if check.Status == "warn" {
			icon = "!"
			color = "\033[33m" // yellow
		}
		reset := "\033[0m"

		fmt.Printf("%s%s%s %s\n", color, icon, reset, check.Name)
		if check.Message != "" {
			fmt.Printf("  %s\n", check.Message)
		}
		if check.Status != "pass" && check.Help != "" {
			fmt.Printf("  → %s\n", check.Help)
		}
		fmt.Println()
	}

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Results: %d passed, %d failed, %d warnings\n", r.Passed, r.Failed, r.Warned)

	if r.Healthy {
		fmt.Println("\033[32m✓ mailhop is healthy\033[0m")
	} else {
		fmt.Println("\033[31m✗ mailhop has issues, see above\033[0m")
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

func checkDatabase(cfg *config.Config) CheckResult {
	db, err := sql.Open("sqlite3", cfg.Storage.DatabasePath)
	if err != nil {
		return CheckResult{
			Name:    "Database",
			Status:  "fail",
			Message: "Cannot open database",
			Help:    err.Error(),
		}
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return CheckResult{
			Name:    "Database",
			Status:  "fail",
			Message: "Database not responding",
			Help:    err.Error(),
		}
	}

	var count int
	err = db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='domains'").Scan(&count)
	if err != nil || count == 0 {
		return CheckResult{
			Name:    "Database",
			Status:  "fail",
			Message: "Schema not initialized",
			Help:    "Run: mailhop migrate",
		}
	}

	return CheckResult{
		Name:    "Database",
		Status:  "pass",
		Message: "Database reachable, schema present",
	}
}

func checkRedis(cfg *config.Config) CheckResult {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return CheckResult{
			Name:    "Redis Queue",
			Status:  "fail",
			Message: "Redis not reachable at " + cfg.Queue.RedisAddr,
			Help:    err.Error(),
		}
	}

	return CheckResult{
		Name:    "Redis Queue",
		Status:  "pass",
		Message: "Redis reachable at " + cfg.Queue.RedisAddr,
	}
}

func checkSpool(cfg *config.Config) CheckResult {
	info, err := os.Stat(cfg.Storage.SpoolDir)
	if os.IsNotExist(err) {
		return CheckResult{
			Name:    "Spool Directory",
			Status:  "fail",
			Message: "Spool directory does not exist",
			Help:    "Run: mailhop migrate (creates configured directories)",
		}
	}
	if err == nil && !info.IsDir() {
		return CheckResult{
			Name:    "Spool Directory",
			Status:  "fail",
			Message: "Spool path is not a directory",
		}
	}

	f, err := os.CreateTemp(cfg.Storage.SpoolDir, ".doctor-*")
	if err != nil {
		return CheckResult{
			Name:    "Spool Directory",
			Status:  "fail",
			Message: "Spool directory is not writable",
			Help:    err.Error(),
		}
	}
	f.Close()
	os.Remove(f.Name())

	return CheckResult{
		Name:    "Spool Directory",
		Status:  "pass",
		Message: "Spool directory is writable",
	}
}

func checkTLSMaterial(cfg *config.Config) CheckResult {
	if cfg.Server.StartTLSMode == config.StartTLSOff {
		return CheckResult{
			Name:    "TLS Material",
			Status:  "warn",
			Message: "STARTTLS is disabled; sessions stay plaintext",
			Help:    "Set server.starttls_mode and configure tls",
		}
	}

	if cfg.TLS.Auto {
		if info, err := os.Stat(cfg.TLS.CacheDir); err != nil || !info.IsDir() {
			return CheckResult{
				Name:    "TLS Material",
				Status:  "warn",
				Message: "ACME cache directory missing; certificates are re-issued on restart",
				Help:    "Create " + cfg.TLS.CacheDir,
			}
		}
		return CheckResult{
			Name:    "TLS Material",
			Status:  "pass",
			Message: "Certificates managed via ACME for " + cfg.Server.Hostname,
		}
	}

	if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
		return CheckResult{
			Name:    "TLS Material",
			Status:  "fail",
			Message: "STARTTLS enabled but no certificate configured",
			Help:    "Set tls.auto or tls.cert_file/tls.key_file",
		}
	}

	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return CheckResult{
			Name:    "TLS Material",
			Status:  "fail",
			Message: "Cannot load certificate pair",
			Help:    err.Error(),
		}
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return CheckResult{
			Name:    "TLS Material",
			Status:  "warn",
			Message: "Certificate loaded but leaf could not be parsed",
		}
	}

	remaining := time.Until(leaf.NotAfter)
	switch {
	case remaining <= 0:
		return CheckResult{
			Name:    "TLS Material",
			Status:  "fail",
			Message: fmt.Sprintf("Certificate expired %s", leaf.NotAfter.Format("2006-01-02")),
			Help:    "Renew the certificate",
		}
	case remaining < 14*24*time.Hour:
		return CheckResult{
			Name:    "TLS Material",
			Status:  "warn",
			Message: fmt.Sprintf("Certificate expires in %d days", int(remaining.Hours()/24)),
			Help:    "Renew soon",
		}
	}

	return CheckResult{
		Name:    "TLS Material",
		Status:  "pass",
		Message: fmt.Sprintf("Certificate valid until %s", leaf.NotAfter.Format("2006-01-02")),
	}
}

func checkListener(cfg *config.Config) CheckResult {
	addr := cfg.Server.ListenAddress
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}

	conn, err := net.DialTimeout("tcp", addr, probeTimeout)
	if err != nil {
		return CheckResult{
			Name:    "SMTP Listener",
			Status:  "fail",
			Message: "Nothing listening on " + cfg.Server.ListenAddress,
			Help:    "Start with: mailhop serve",
		}
	}
	conn.Close()

	return CheckResult{
		Name:    "SMTP Listener",
		Status:  "pass",
		Message: "Accepting connections on " + cfg.Server.ListenAddress,
	}
}

func checkDKIMKeys(cfg *config.Config) CheckResult {
	st, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return CheckResult{
			Name:    "DKIM Keys",
			Status:  "warn",
			Message: "Database not ready, skipping",
		}
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	domains, err := st.ListActiveDomains(ctx)
	if err != nil {
		return CheckResult{
			Name:    "DKIM Keys",
			Status:  "warn",
			Message: "Database not ready, skipping",
		}
	}
	if len(domains) == 0 {
		return CheckResult{
			Name:    "DKIM Keys",
			Status:  "warn",
			Message: "No domains configured",
			Help:    "Add one with: mailhop domain add <domain> --org <name>",
		}
	}

	var missing []string
	for _, dom := range domains {
		if _, err := st.GetDKIMKey(ctx, dom.ID); err != nil {
			missing = append(missing, dom.Name)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:    "DKIM Keys",
			Status:  "warn",
			Message: "No active signing key for: " + strings.Join(missing, ", "),
			Help:    "Run: mailhop dkim rotate <domain>",
		}
	}

	return CheckResult{
		Name:    "DKIM Keys",
		Status:  "pass",
		Message: fmt.Sprintf("Active signing keys for all %d domains", len(domains)),
	}
}

func checkVerification(cfg *config.Config) CheckResult {
	st, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return CheckResult{
			Name:    "Domain Verification",
			Status:  "warn",
			Message: "Database not ready, skipping",
		}
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	domains, err := st.ListActiveDomains(ctx)
	if err != nil {
		return CheckResult{
			Name:    "Domain Verification",
			Status:  "warn",
			Message: "Database not ready, skipping",
		}
	}
	if len(domains) == 0 {
		return CheckResult{
			Name:    "Domain Verification",
			Status:  "warn",
			Message: "No domains configured",
		}
	}

	var pending []string
	for _, dom := range domains {
		if dom.Verification != store.VerifyVerified {
			pending = append(pending, fmt.Sprintf("%s (%s)", dom.Name, dom.Verification))
		}
	}
	if len(pending) > 0 {
		return CheckResult{
			Name:    "Domain Verification",
			Status:  "warn",
			Message: "Not fully verified: " + strings.Join(pending, ", "),
			Help:    "Publish records from 'mailhop dns records <domain>', then 'mailhop domain verify <domain>'",
		}
	}

	return CheckResult{
		Name:    "Domain Verification",
		Status:  "pass",
		Message: fmt.Sprintf("All %d domains verified", len(domains)),
	}
}

func checkDiskSpace(cfg *config.Config) CheckResult {
	// df keeps this portable across linux and darwin
	cmd := exec.Command("df", "-BG", cfg.Storage.SpoolDir)
	output, err := cmd.Output()
	if err != nil {
		cmd = exec.Command("df", "-g", cfg.Storage.SpoolDir)
		output, err = cmd.Output()
		if err != nil {
			return CheckResult{
				Name:    "Disk Space",
				Status:  "warn",
				Message: "Could not check disk space",
			}
		}
	}

	lines := strings.Split(string(output), "\n")
	if len(lines) < 2 {
		return CheckResult{
			Name:    "Disk Space",
			Status:  "warn",
			Message: "Could not parse disk space",
		}
	}
	fields := strings.Fields(lines[1])
	if len(fields) < 5 {
		return CheckResult{
			Name:    "Disk Space",
			Status:  "warn",
			Message: "Could not parse disk space",
		}
	}

	var freeGB, usedPercent int64
	fmt.Sscanf(strings.TrimSuffix(fields[3], "G"), "%d", &freeGB)
	fmt.Sscanf(strings.TrimSuffix(fields[4], "%"), "%d", &usedPercent)

	if freeGB < 1 {
		return CheckResult{
			Name:    "Disk Space",
			Status:  "fail",
			Message: fmt.Sprintf("Only %d GB free (%d%% used)", freeGB, usedPercent),
			Help:    "Free up disk space; the spool rejects mail when the disk fills",
		}
	} else if usedPercent > 80 {
		return CheckResult{
			Name:    "Disk Space",
			Status:  "warn",
			Message: fmt.Sprintf("%d GB free (%d%% used)", freeGB, usedPercent),
		}
	}

	return CheckResult{
		Name:    "Disk Space",
		Status:  "pass",
		Message: fmt.Sprintf("%d GB free (%d%% used)", freeGB, usedPercent),
	}
}
