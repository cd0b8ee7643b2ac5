package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/mailhop/mailhop/internal/activity"
	"github.com/mailhop/mailhop/internal/config"
	"github.com/mailhop/mailhop/internal/control"
	"github.com/mailhop/mailhop/internal/deliver"
	"github.com/mailhop/mailhop/internal/dkim"
	"github.com/mailhop/mailhop/internal/dnsx"
	"github.com/mailhop/mailhop/internal/doctor"
	"github.com/mailhop/mailhop/internal/forward"
	"github.com/mailhop/mailhop/internal/logging"
	"github.com/mailhop/mailhop/internal/queue"
	"github.com/mailhop/mailhop/internal/security"
	"github.com/mailhop/mailhop/internal/smtpd"
	"github.com/mailhop/mailhop/internal/store"
	"github.com/mailhop/mailhop/internal/validation"
	"github.com/mailhop/mailhop/internal/verify"
)

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailhop",
	Short: "Email aliasing and forwarding service",
	Long: `An email aliasing and forwarding service:
- Inbound SMTP with pregreet, DNSBL and connection-rate gating
- Alias and catch-all routing with per-organization quotas
- DKIM re-signing and HMAC-tokenized bounce routing
- Direct, relay and hybrid outbound delivery
- Domain ownership verification with DNS check snapshots`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help commands
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the forwarding service",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Validate configuration before doing anything
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		// Ensure directories exist with proper permissions
		if err := cfg.EnsureDirectories(); err != nil {
			return fmt.Errorf("failed to create required directories: %w", err)
		}

		// Track resources for cleanup
		type resourceTracker struct {
			st         *store.Store
			redisQueue *queue.RedisQueue
			engine     *forward.Engine
			scheduler  *cron.Cron
			srv        *smtpd.Server
			logger     *logging.Logger
		}
		resources := &resourceTracker{}

		// Cleanup function - called on both success and error paths
		cleanup := func() {
			if resources.logger != nil {
				resources.logger.Info("starting graceful shutdown")
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer shutdownCancel()

			// Shutdown in reverse order of initialization
			// 1. Stop accepting new connections first
			if resources.srv != nil {
				if resources.logger != nil {
					resources.logger.Info("shutting down SMTP server")
				}
				if err := resources.srv.Close(); err != nil {
					if resources.logger != nil {
						resources.logger.Error("SMTP server shutdown error", "error", err.Error())
					} else {
						fmt.Fprintf(os.Stderr, "SMTP server shutdown error: %v\n", err)
					}
				}
			}

			// 2. Stop the verification scheduler, waiting out a running sweep
			if resources.scheduler != nil {
				if resources.logger != nil {
					resources.logger.Info("stopping verification scheduler")
				}
				select {
				case <-resources.scheduler.Stop().Done():
				case <-shutdownCtx.Done():
					if resources.logger != nil {
						resources.logger.Warn("verification sweep did not finish before shutdown deadline")
					}
				}
			}

			// 3. Stop the forwarding engine (finish in-flight attempts)
			if resources.engine != nil {
				if resources.logger != nil {
					resources.logger.Info("stopping forwarding engine")
				}
				resources.engine.Stop()
			}

			// 4. Close Redis queue connection
			if resources.redisQueue != nil {
				if resources.logger != nil {
					resources.logger.Info("closing Redis queue connection")
				}
				if err := resources.redisQueue.Close(); err != nil {
					if resources.logger != nil {
						resources.logger.Error("Redis queue close error", "error", err.Error())
					} else {
						fmt.Fprintf(os.Stderr, "Redis queue close error: %v\n", err)
					}
				}
			}

			// 5. Close database last (after all writers are done)
			if resources.st != nil {
				if resources.logger != nil {
					resources.logger.Info("closing database")
				}
				if err := resources.st.Close(); err != nil {
					if resources.logger != nil {
						resources.logger.Error("database close error", "error", err.Error())
					} else {
						fmt.Fprintf(os.Stderr, "Database close error: %v\n", err)
					}
				}
			}

			if resources.logger != nil {
				resources.logger.Info("shutdown complete")
			}
		}

		// Ensure cleanup runs on panic
		defer func() {
			if r := recover(); r != nil {
				fmt.Fprintf(os.Stderr, "PANIC during server operation: %v\n", r)
				cleanup()
				panic(r) // Re-panic after cleanup
			}
		}()

		// Initialize logger early so we can use it for startup errors
		logger, err := logging.New(logging.Config{
			Level:     cfg.Logging.Level,
			Format:    cfg.Logging.Format,
			Output:    cfg.Logging.Output,
			AddSource: cfg.Logging.AddSource,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		resources.logger = logger
		logger.Info("mailhop starting", "hostname", cfg.Server.Hostname)

		// Open the metadata database
		st, err := store.Open(cfg.Storage.DatabasePath)
		if err != nil {
			cleanup()
			return fmt.Errorf("failed to open database: %w", err)
		}
		resources.st = st
		logger.Info("database opened", "path", cfg.Storage.DatabasePath)

		// Run migrations with timeout
		migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := st.Migrate(migrateCtx); err != nil {
			migrateCancel()
			cleanup()
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		migrateCancel()
		logger.Info("database migrations complete")

		// Activity log shares the metadata database
		act, err := activity.NewLogger(st.DB())
		if err != nil {
			cleanup()
			return fmt.Errorf("failed to initialize activity log: %w", err)
		}

		// Initialize TLS with validation
		tlsManager, err := security.NewTLSManager(cfg.Server.Hostname, cfg.TLS)
		if err != nil {
			cleanup()
			return fmt.Errorf("failed to initialize TLS: %w", err)
		}
		if tlsManager.HasTLS() {
			logger.Info("TLS configured")
		} else {
			logger.Warn("TLS not configured, STARTTLS will not be offered")
		}

		// Caching resolver shared by the gate, router and verifier
		resolver := dnsx.NewResolver(cfg.DNS)

		// Initialize Redis queue with connection validation
		redisQueue, err := queue.New(queue.Config{
			Addr:          cfg.Queue.RedisAddr,
			Password:      cfg.Queue.RedisPassword,
			DB:            cfg.Queue.RedisDB,
			Prefix:        cfg.Queue.Prefix,
			MaxAttempts:   cfg.Delivery.MaxAttempts,
			RetryBase:     cfg.Delivery.RetryBase,
			RetryDeadline: cfg.Delivery.RetryDeadline,
		}, logger)
		if err != nil {
			cleanup()
			return fmt.Errorf("failed to initialize Redis queue: %w", err)
		}
		resources.redisQueue = redisQueue
		logger.Info("redis queue connected", "addr", cfg.Queue.RedisAddr)

		// Message spool for raw content awaiting delivery
		spool, err := forward.NewSpool(cfg.Storage.SpoolDir)
		if err != nil {
			cleanup()
			return fmt.Errorf("failed to open spool: %w", err)
		}

		signer := dkim.NewEngine(st, cfg.DKIM)
		router := deliver.NewRouter(cfg.Delivery, cfg.Server.Hostname, resolver, logger)

		// Forwarding engine: workers, retry policy, bounce routing, recovery
		engine := forward.NewEngine(forward.Config{
			Hostname:          cfg.Server.Hostname,
			Mode:              cfg.Delivery.Mode,
			Workers:           cfg.Queue.Workers,
			MaxAttempts:       cfg.Delivery.MaxAttempts,
			BounceSecret:      cfg.Bounce.TokenSecret,
			BounceMaxAttempts: cfg.Bounce.MaxAttempts,
		}, st, redisQueue, signer, router, spool, act, logger)
		resources.engine = engine
		engine.Start()
		logger.Info("forwarding engine started", "workers", cfg.Queue.Workers, "mode", cfg.Delivery.Mode)

		verifier := verify.NewService(st, resolver, act, logger, cfg)
		ctl := control.New(st, verifier, signer, engine, act, logger)

		// Periodic verification refresh with a random per-run offset so a
		// fleet of instances does not stampede the resolvers
		scheduler := cron.New()
		scheduler.Schedule(cron.Every(cfg.Verification.RefreshInterval), cron.FuncJob(func() {
			if cfg.Verification.Jitter > 0 {
				time.Sleep(time.Duration(rand.Int63n(int64(cfg.Verification.Jitter))))
			}
			n := ctl.RefreshAll(context.Background())
			logger.Verify().Info("verification sweep complete", "domains", n)
		}))
		scheduler.Start()
		resources.scheduler = scheduler
		logger.Info("verification refresh scheduled",
			"interval", cfg.Verification.RefreshInterval.String(),
			"jitter", cfg.Verification.Jitter.String(),
		)

		// Inbound SMTP: backend pipeline behind the connection gate
		backend := smtpd.NewBackend(cfg, st, redisQueue, engine, act, logger)
		srv := smtpd.NewServer(backend, cfg.Server, resolver, act, tlsManager.TLSConfig(), logger)
		if err := srv.ListenAndServe(); err != nil {
			cleanup()
			return fmt.Errorf("failed to start SMTP server: %w", err)
		}
		resources.srv = srv

		fmt.Printf("mailhop running as %s\n", cfg.Server.Hostname)
		fmt.Printf("  SMTP:     %s (starttls: %s)\n", cfg.Server.ListenAddress, cfg.Server.StartTLSMode)
		fmt.Printf("  Delivery: %s, %d workers\n", cfg.Delivery.Mode, cfg.Queue.Workers)
		fmt.Println("\nServer is running. Press Ctrl+C to stop.")
		logger.Info("all services started")

		// Setup signal handling for graceful shutdown
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

		// Wait for shutdown signal
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		fmt.Printf("\nReceived signal %s, shutting down...\n", sig)

		cleanup()

		logger.Info("server stopped")
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(context.Background())
		if err != nil {
			return err
		}
		defer st.Close()

		fmt.Println("Migrations completed successfully")
		return nil
	},
}

// Organization management commands
var orgCmd = &cobra.Command{
	Use:   "org",
	Short: "Manage organizations",
}

var (
	orgPlan         string
	orgDomainQuota  int
	orgMessageQuota int
	orgBillingEmail string
)

var orgAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create an organization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		org := &store.Organization{
			Name:         args[0],
			Plan:         orgPlan,
			DomainQuota:  orgDomainQuota,
			MessageQuota: orgMessageQuota,
			BillingEmail: orgBillingEmail,
		}
		if org.DomainQuota == 0 {
			org.DomainQuota = cfg.Quota.DefaultDomains
		}
		if org.MessageQuota == 0 {
			org.MessageQuota = cfg.Quota.DefaultMessages
		}

		if err := st.CreateOrganization(ctx, org); err != nil {
			return fmt.Errorf("failed to create organization: %w", err)
		}

		act, err := activity.NewLogger(st.DB())
		if err != nil {
			return fmt.Errorf("failed to initialize activity log: %w", err)
		}
		act.LogSimple(ctx, org.ID, activity.EventOrgCreate, org.Name)

		fmt.Printf("Organization '%s' created with ID %d\n", org.Name, org.ID)
		fmt.Printf("  Plan: %s, domain quota: %d, monthly message quota: %d\n",
			org.Plan, org.DomainQuota, org.MessageQuota)
		return nil
	},
}

var orgListCmd = &cobra.Command{
	Use:   "list",
	Short: "List organizations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		orgs, err := st.ListOrganizations(ctx)
		if err != nil {
			return fmt.Errorf("failed to query organizations: %w", err)
		}

		fmt.Printf("%-5s %-25s %-10s %-8s %-10s %s\n", "ID", "NAME", "PLAN", "DOMAINS", "MESSAGES", "CREATED")
		fmt.Println("----------------------------------------------------------------------")

		for _, org := range orgs {
			fmt.Printf("%-5d %-25s %-10s %-8d %-10d %s\n",
				org.ID, org.Name, org.Plan, org.DomainQuota, org.MessageQuota,
				org.CreatedAt.Format("2006-01-02"))
		}
		return nil
	},
}

// Domain management commands
var domainCmd = &cobra.Command{
	Use:   "domain",
	Short: "Manage forwarding domains",
}

var (
	domainOrg      string
	domainSelector string
	domainListOrg  string
	catchAllClear  bool
)

var domainAddCmd = &cobra.Command{
	Use:   "add <domain>",
	Short: "Add a domain to an organization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if domainOrg == "" {
			return fmt.Errorf("--org is required")
		}

		ctx := context.Background()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		org, err := st.GetOrganizationByName(ctx, domainOrg)
		if err != nil {
			return fmt.Errorf("organization '%s' not found. Create it first with: mailhop org add %s", domainOrg, domainOrg)
		}

		selector := domainSelector
		if selector == "" {
			selector = cfg.DKIM.Selector
		}

		dom, err := st.CreateDomain(ctx, org.ID, args[0], selector)
		if err != nil {
			if errors.Is(err, store.ErrQuotaExceeded) {
				return fmt.Errorf("organization '%s' has reached its domain quota (%d)", org.Name, org.DomainQuota)
			}
			return fmt.Errorf("failed to add domain: %w", err)
		}

		// Mint the first signing key so the DKIM record can be published
		// together with MX and SPF
		signer := dkim.NewEngine(st, cfg.DKIM)
		if _, err := signer.GenerateKeypair(ctx, dom); err != nil {
			return fmt.Errorf("failed to generate DKIM keypair: %w", err)
		}

		act, err := activity.NewLogger(st.DB())
		if err != nil {
			return fmt.Errorf("failed to initialize activity log: %w", err)
		}
		act.LogSimple(ctx, org.ID, activity.EventDomainCreate, dom.Name)

		fmt.Printf("Domain '%s' added with ID %d (selector: %s)\n", dom.Name, dom.ID, selector)
		fmt.Printf("Publish the records from 'mailhop dns records %s', then run 'mailhop domain verify %s'\n",
			dom.Name, dom.Name)
		return nil
	},
}

var domainListCmd = &cobra.Command{
	Use:   "list",
	Short: "List domains",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		var domains []*store.Domain
		if domainListOrg != "" {
			org, err := st.GetOrganizationByName(ctx, domainListOrg)
			if err != nil {
				return fmt.Errorf("organization '%s' not found", domainListOrg)
			}
			domains, err = st.ListDomains(ctx, org.ID)
			if err != nil {
				return fmt.Errorf("failed to query domains: %w", err)
			}
		} else {
			domains, err = st.ListActiveDomains(ctx)
			if err != nil {
				return fmt.Errorf("failed to query domains: %w", err)
			}
		}

		fmt.Printf("%-5s %-30s %-12s %-30s %-10s %s\n", "ID", "DOMAIN", "STATE", "CATCH-ALL", "SELECTOR", "CREATED")
		fmt.Println("--------------------------------------------------------------------------------------------")

		for _, dom := range domains {
			catchAll := dom.CatchAll
			if catchAll == "" {
				catchAll = "-"
			}
			fmt.Printf("%-5d %-30s %-12s %-30s %-10s %s\n",
				dom.ID, dom.Name, dom.Verification, catchAll, dom.DKIMSelector,
				dom.CreatedAt.Format("2006-01-02"))
		}
		return nil
	},
}

var domainVerifyCmd = &cobra.Command{
	Use:   "verify <domain>",
	Short: "Run DNS ownership verification for a domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		dom, err := st.GetDomain(ctx, args[0])
		if err != nil {
			return fmt.Errorf("domain '%s' not found: %w", args[0], err)
		}

		ctl, err := newControl(st)
		if err != nil {
			return err
		}

		state, err := ctl.TriggerVerification(ctx, dom.ID)
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		snapshots, err := st.GetSnapshots(ctx, dom.ID)
		if err != nil {
			return fmt.Errorf("failed to load check results: %w", err)
		}

		fmt.Printf("Verification for %s: %s\n", dom.Name, state)
		fmt.Println("=========================================")

		for _, recordType := range []string{store.RecordMX, store.RecordSPF, store.RecordDKIM, store.RecordDMARC, store.RecordPTR} {
			snap, ok := snapshots[recordType]
			if !ok {
				continue
			}
			icon := "✗"
			if snap.Pass {
				icon = "✓"
			}
			fmt.Printf("[%s] %-6s %s\n", icon, recordType, snap.Detail)
			if snap.Actual != "" {
				fmt.Printf("    Found:    %s\n", snap.Actual)
			}
			if snap.Expected != "" && !snap.Pass {
				fmt.Printf("    Expected: %s\n", snap.Expected)
			}
		}
		return nil
	},
}

var domainCatchAllCmd = &cobra.Command{
	Use:   "catchall <domain> [target]",
	Short: "Set or clear the catch-all forwarding target",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		dom, err := st.GetDomain(ctx, args[0])
		if err != nil {
			return fmt.Errorf("domain '%s' not found: %w", args[0], err)
		}

		target := ""
		if len(args) > 1 {
			target, err = validation.NormalizeAddress(args[1])
			if err != nil {
				return fmt.Errorf("invalid catch-all target: %w", err)
			}
		}
		if target == "" && !catchAllClear {
			return fmt.Errorf("provide a target address, or --clear to remove the catch-all")
		}

		if err := st.SetCatchAll(ctx, dom.ID, target); err != nil {
			return fmt.Errorf("failed to update catch-all: %w", err)
		}

		act, err := activity.NewLogger(st.DB())
		if err != nil {
			return fmt.Errorf("failed to initialize activity log: %w", err)
		}
		act.Log(ctx, dom.OrgID, activity.EventCatchAllSet, dom.Name,
			map[string]interface{}{"target": target}, "")

		if target == "" {
			fmt.Printf("Catch-all cleared for %s\n", dom.Name)
		} else {
			fmt.Printf("Catch-all for %s set to %s\n", dom.Name, target)
		}
		return nil
	},
}

var domainRemoveCmd = &cobra.Command{
	Use:   "remove <domain>",
	Short: "Remove a domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		dom, err := st.GetDomain(ctx, args[0])
		if err != nil {
			return fmt.Errorf("domain '%s' not found: %w", args[0], err)
		}

		if err := st.SoftDeleteDomain(ctx, dom.ID); err != nil {
			return fmt.Errorf("failed to remove domain: %w", err)
		}

		act, err := activity.NewLogger(st.DB())
		if err != nil {
			return fmt.Errorf("failed to initialize activity log: %w", err)
		}
		act.LogSimple(ctx, dom.OrgID, activity.EventDomainDelete, dom.Name)

		fmt.Printf("Domain '%s' removed. New mail is rejected; queued messages finish delivery.\n", dom.Name)
		return nil
	},
}

// Alias management commands
var aliasCmd = &cobra.Command{
	Use:   "alias",
	Short: "Manage forwarding aliases",
}

var aliasExpires time.Duration

var aliasAddCmd = &cobra.Command{
	Use:   "add <address> <target>...",
	Short: "Create an alias forwarding to one or more targets",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		addr, err := validation.NormalizeAddress(args[0])
		if err != nil {
			return fmt.Errorf("invalid alias address: %w", err)
		}
		local, domainName, err := validation.SplitAddress(addr)
		if err != nil {
			return err
		}

		dom, err := st.GetDomain(ctx, domainName)
		if err != nil {
			return fmt.Errorf("domain '%s' not found. Add it first with: mailhop domain add %s --org <name>", domainName, domainName)
		}

		targets := make([]string, 0, len(args)-1)
		for _, raw := range args[1:] {
			target, err := validation.NormalizeAddress(raw)
			if err != nil {
				return fmt.Errorf("invalid target %q: %w", raw, err)
			}
			targets = append(targets, target)
		}

		var expiresAt *time.Time
		if aliasExpires > 0 {
			t := time.Now().Add(aliasExpires)
			expiresAt = &t
		}

		alias, err := st.CreateAlias(ctx, dom.ID, local, targets, expiresAt)
		if err != nil {
			return fmt.Errorf("failed to create alias: %w", err)
		}

		act, err := activity.NewLogger(st.DB())
		if err != nil {
			return fmt.Errorf("failed to initialize activity log: %w", err)
		}
		act.Log(ctx, dom.OrgID, activity.EventAliasCreate, addr,
			map[string]interface{}{"targets": targets}, "")

		fmt.Printf("Alias %s -> %s created with ID %d\n", addr, strings.Join(targets, ", "), alias.ID)
		if expiresAt != nil {
			fmt.Printf("  Expires: %s\n", expiresAt.Format(time.RFC3339))
		}
		return nil
	},
}

var aliasListCmd = &cobra.Command{
	Use:   "list <domain>",
	Short: "List aliases for a domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		dom, err := st.GetDomain(ctx, args[0])
		if err != nil {
			return fmt.Errorf("domain '%s' not found: %w", args[0], err)
		}

		aliases, err := st.ListAliases(ctx, dom.ID)
		if err != nil {
			return fmt.Errorf("failed to query aliases: %w", err)
		}

		fmt.Printf("%-5s %-30s %-40s %-8s %s\n", "ID", "ALIAS", "TARGETS", "ACTIVE", "EXPIRES")
		fmt.Println("------------------------------------------------------------------------------------------")

		for _, a := range aliases {
			status := "yes"
			if !a.IsActive {
				status = "no"
			}
			expires := "-"
			if a.ExpiresAt != nil {
				expires = a.ExpiresAt.Format("2006-01-02 15:04")
			}
			fmt.Printf("%-5d %-30s %-40s %-8s %s\n",
				a.ID, a.LocalPart+"@"+dom.Name, strings.Join(a.Targets, ", "), status, expires)
		}
		return nil
	},
}

// DKIM management commands
var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "Manage DKIM signing keys",
}

var dkimRotateCmd = &cobra.Command{
	Use:   "rotate <domain>",
	Short: "Generate and activate a fresh DKIM keypair",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		dom, err := st.GetDomain(ctx, args[0])
		if err != nil {
			return fmt.Errorf("domain '%s' not found: %w", args[0], err)
		}

		ctl, err := newControl(st)
		if err != nil {
			return err
		}

		key, err := ctl.TriggerKeyRotation(ctx, dom.ID)
		if err != nil {
			return fmt.Errorf("rotation failed: %w", err)
		}

		fmt.Printf("New DKIM keypair activated for %s\n", dom.Name)
		fmt.Printf("Update the TXT record; signatures fail verification until it propagates:\n\n")
		fmt.Printf("  Name:  %s._domainkey.%s\n", key.Selector, dom.Name)
		fmt.Printf("  Value: %s\n", key.PublicRecord)
		return nil
	},
}

var dkimRecordCmd = &cobra.Command{
	Use:   "record <domain>",
	Short: "Print the active DKIM TXT record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		dom, err := st.GetDomain(ctx, args[0])
		if err != nil {
			return fmt.Errorf("domain '%s' not found: %w", args[0], err)
		}

		signer := dkim.NewEngine(st, cfg.DKIM)
		name, value, err := signer.ActiveRecord(ctx, dom)
		if err != nil {
			if errors.Is(err, dkim.ErrNoKey) {
				return fmt.Errorf("no active DKIM key for %s. Generate one with: mailhop dkim rotate %s", dom.Name, dom.Name)
			}
			return err
		}

		fmt.Printf("  Name:  %s\n", name)
		fmt.Printf("  Value: %s\n", value)
		return nil
	},
}

// DNS commands
var dnsCmd = &cobra.Command{
	Use:   "dns",
	Short: "DNS record generation",
}

var dnsRecordsCmd = &cobra.Command{
	Use:   "records <domain>",
	Short: "Print the DNS records a domain owner must publish",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		dom, err := st.GetDomain(ctx, args[0])
		if err != nil {
			return fmt.Errorf("domain '%s' not found: %w", args[0], err)
		}

		resolver := dnsx.NewResolver(cfg.DNS)
		verifier := verify.NewService(st, resolver, nil, logging.Default(), cfg)
		records, err := verifier.ExpectedRecords(ctx, dom)
		if err != nil {
			return fmt.Errorf("failed to compute records: %w", err)
		}

		fmt.Println(verify.FormatForProvider(records, dom.Name))

		fmt.Println("\nZone file format:")
		fmt.Println("-----------------")
		fmt.Println(verify.FormatAsZone(records, dom.Name))
		return nil
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run health checks against the configured deployment",
	Run: func(cmd *cobra.Command, args []string) {
		results := doctor.Run(cfg)
		results.Print()
		if !results.Healthy {
			os.Exit(1)
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("mailhop v0.1.0")
	},
}

// openStore opens the metadata database for a one-shot management
// command, applying pending migrations first.
func openStore(ctx context.Context) (*store.Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return st, nil
}

// newControl builds the management surface for one-shot commands. No
// forwarding engine is wired; these commands never submit mail.
func newControl(st *store.Store) (*control.Control, error) {
	act, err := activity.NewLogger(st.DB())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize activity log: %w", err)
	}

	logger := logging.Default()
	resolver := dnsx.NewResolver(cfg.DNS)
	verifier := verify.NewService(st, resolver, act, logger, cfg)
	signer := dkim.NewEngine(st, cfg.DKIM)

	return control.New(st, verifier, signer, nil, act, logger), nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")

	orgAddCmd.Flags().StringVar(&orgPlan, "plan", "free", "billing plan name")
	orgAddCmd.Flags().IntVar(&orgDomainQuota, "domains", 0, "domain quota (0 = configured default)")
	orgAddCmd.Flags().IntVar(&orgMessageQuota, "messages", 0, "monthly message quota (0 = configured default)")
	orgAddCmd.Flags().StringVar(&orgBillingEmail, "billing-email", "", "billing contact address")

	domainAddCmd.Flags().StringVar(&domainOrg, "org", "", "owning organization name (required)")
	domainAddCmd.Flags().StringVar(&domainSelector, "selector", "", "DKIM selector (default from config)")
	domainListCmd.Flags().StringVar(&domainListOrg, "org", "", "limit to one organization")
	domainCatchAllCmd.Flags().BoolVar(&catchAllClear, "clear", false, "remove the catch-all target")

	aliasAddCmd.Flags().DurationVar(&aliasExpires, "expires", 0, "lifetime for a disposable alias (0 = permanent)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(versionCmd)

	// Organization commands
	orgCmd.AddCommand(orgAddCmd)
	orgCmd.AddCommand(orgListCmd)
	rootCmd.AddCommand(orgCmd)

	// Domain commands
	domainCmd.AddCommand(domainAddCmd)
	domainCmd.AddCommand(domainListCmd)
	domainCmd.AddCommand(domainVerifyCmd)
	domainCmd.AddCommand(domainCatchAllCmd)
	domainCmd.AddCommand(domainRemoveCmd)
	rootCmd.AddCommand(domainCmd)

	// Alias commands
	aliasCmd.AddCommand(aliasAddCmd)
	aliasCmd.AddCommand(aliasListCmd)
	rootCmd.AddCommand(aliasCmd)

	// DKIM commands
	dkimCmd.AddCommand(dkimRotateCmd)
	dkimCmd.AddCommand(dkimRecordCmd)
	rootCmd.AddCommand(dkimCmd)

	// DNS commands
	dnsCmd.AddCommand(dnsRecordsCmd)
	rootCmd.AddCommand(dnsCmd)
}
