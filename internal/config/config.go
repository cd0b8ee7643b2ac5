package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// STARTTLS policy for the inbound listener.
const (
	StartTLSOff           = "off"
	StartTLSOpportunistic = "opportunistic"
	StartTLSRequired      = "required"
)

// Outbound delivery modes.
const (
	DeliveryDirect = "direct"
	DeliveryRelay  = "relay"
	DeliveryHybrid = "hybrid"
)

// Config holds all configuration for the forwarding service
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	TLS          TLSConfig          `koanf:"tls"`
	Delivery     DeliveryConfig     `koanf:"delivery"`
	DNS          DNSConfig          `koanf:"dns"`
	DKIM         DKIMConfig         `koanf:"dkim"`
	Queue        QueueConfig        `koanf:"queue"`
	Storage      StorageConfig      `koanf:"storage"`
	Verification VerificationConfig `koanf:"verification"`
	Bounce       BounceConfig       `koanf:"bounce"`
	Quota        QuotaConfig        `koanf:"quota"`
	Logging      LoggingConfig      `koanf:"logging"`
}

// ServerConfig holds the inbound SMTP listener configuration
type ServerConfig struct {
	ListenAddress        string        `koanf:"listen_address"`         // TCP address, e.g. ":25"
	Hostname             string        `koanf:"hostname"`               // Announced in EHLO and Received headers
	MaxMessageBytes      int64         `koanf:"max_message_bytes"`      // Hard cap on inbound DATA
	MaxRecipients        int           `koanf:"max_recipients"`         // Per-message recipient cap
	MaxConnections       int           `koanf:"max_connections"`        // Total concurrent connection cap
	MaxConnectionsPerIP  int           `koanf:"max_connections_per_ip"` // Per-source concurrent cap
	ConnectionRate       int           `koanf:"connection_rate"`        // Connects per source per window
	ConnectionRateWindow time.Duration `koanf:"connection_rate_window"` // Rate window
	PregreetDelay        time.Duration `koanf:"pregreet_delay"`         // Banner delay for pregreet detection
	DNSBLZones           []string      `koanf:"dnsbl_zones"`            // DNSBL domains queried per connect
	StartTLSMode         string        `koanf:"starttls_mode"`          // off, opportunistic, required
	ReadTimeout          time.Duration `koanf:"read_timeout"`           // Per-command read deadline
	WriteTimeout         time.Duration `koanf:"write_timeout"`          // Per-response write deadline
	LookupTimeout        time.Duration `koanf:"lookup_timeout"`         // Store/DNS budget inside a command
	ShutdownTimeout      time.Duration `koanf:"shutdown_timeout"`       // Graceful drain deadline
}

// TLSConfig holds TLS/ACME configuration
type TLSConfig struct {
	Auto      bool   `koanf:"auto"`       // Use Let's Encrypt
	ACMEEmail string `koanf:"acme_email"` // ACME account email
	CacheDir  string `koanf:"cache_dir"`  // ACME cache directory
	CertFile  string `koanf:"cert_file"`  // Manual cert path
	KeyFile   string `koanf:"key_file"`   // Manual key path
}

// DeliveryConfig holds outbound delivery configuration
type DeliveryConfig struct {
	Mode              string        `koanf:"mode"`               // direct, relay, hybrid
	RelayHost         string        `koanf:"relay_host"`         // Smarthost name or IP
	RelayPort         int           `koanf:"relay_port"`         // Smarthost port
	RelayUser         string        `koanf:"relay_user"`         // Smarthost AUTH username
	RelayPass         string        `koanf:"relay_pass"`         // Smarthost AUTH password
	ConnectTimeout    time.Duration `koanf:"connect_timeout"`    // TCP connection timeout
	CommandTimeout    time.Duration `koanf:"command_timeout"`    // SMTP command timeout
	MaxAttempts       int           `koanf:"max_attempts"`       // Transient-retry attempt bound
	RetryBase         time.Duration `koanf:"retry_base"`         // First retry delay
	RetryDeadline     time.Duration `koanf:"retry_deadline"`     // Total retry deadline
	DomainConcurrency int64         `koanf:"domain_concurrency"` // Concurrent sessions per recipient domain
	VerifyTLS         bool          `koanf:"verify_tls"`         // Verify remote TLS certificates
}

// DNSConfig holds resolver configuration
type DNSConfig struct {
	Nameserver  string        `koanf:"nameserver"`   // host:port; "" = /etc/resolv.conf
	Timeout     time.Duration `koanf:"timeout"`      // Per-query timeout
	CacheSize   int           `koanf:"cache_size"`   // Max cached entries
	NegativeTTL time.Duration `koanf:"negative_ttl"` // NXDOMAIN/empty cache lifetime
	MinTTL      time.Duration `koanf:"min_ttl"`      // TTL clamp floor
	MaxTTL      time.Duration `koanf:"max_ttl"`      // TTL clamp ceiling
}

// DKIMConfig holds signing key configuration
type DKIMConfig struct {
	Selector string `koanf:"selector"` // DNS selector label
	KeyBits  int    `koanf:"key_bits"` // RSA key size
}

// QueueConfig holds Redis queue configuration
type QueueConfig struct {
	RedisAddr     string `koanf:"redis_addr"`     // host:port
	RedisPassword string `koanf:"redis_password"` // Optional AUTH password
	RedisDB       int    `koanf:"redis_db"`       // Database number
	Prefix        string `koanf:"prefix"`         // Key prefix for queue entries
	Workers       int    `koanf:"workers"`        // Forwarder worker count
	MaxPending    int64  `koanf:"max_pending"`    // Backpressure bound on queue depth
}

// StorageConfig holds storage paths configuration
type StorageConfig struct {
	DatabasePath string `koanf:"database_path"` // SQLite database path
	SpoolDir     string `koanf:"spool_dir"`     // Raw message spool directory
}

// VerificationConfig holds periodic DNS verification configuration
type VerificationConfig struct {
	RefreshInterval time.Duration `koanf:"refresh_interval"` // Re-verification cadence
	Jitter          time.Duration `koanf:"jitter"`           // Random offset added per run
	SPFInclude      string        `koanf:"spf_include"`      // Sending identity domains must include
}

// BounceConfig holds bounce address and DSN configuration
type BounceConfig struct {
	TokenSecret string `koanf:"token_secret"` // HMAC key for bounce address encoding
	MaxAttempts int    `koanf:"max_attempts"` // Delivery attempts for DSNs
}

// QuotaConfig holds defaults applied to newly created organizations
type QuotaConfig struct {
	DefaultDomains  int `koanf:"default_domains"`  // Domains per organization
	DefaultMessages int `koanf:"default_messages"` // Messages per billing month
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `koanf:"level"`      // debug, info, warn, error
	Format    string `koanf:"format"`     // json, text
	Output    string `koanf:"output"`     // stdout, stderr, or file path
	AddSource bool   `koanf:"add_source"` // Include source position
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:        ":25",
			Hostname:             "localhost",
			MaxMessageBytes:      26214400, // 25MB
			MaxRecipients:        100,
			MaxConnections:       200,
			MaxConnectionsPerIP:  10,
			ConnectionRate:       60,
			ConnectionRateWindow: time.Minute,
			PregreetDelay:        3 * time.Second,
			DNSBLZones:           nil,
			StartTLSMode:         StartTLSOpportunistic,
			ReadTimeout:          60 * time.Second,
			WriteTimeout:         60 * time.Second,
			LookupTimeout:        5 * time.Second,
			ShutdownTimeout:      30 * time.Second,
		},
		TLS: TLSConfig{
			Auto:     false,
			CacheDir: "/var/lib/mailhop/acme",
		},
		Delivery: DeliveryConfig{
			Mode:              DeliveryDirect,
			RelayPort:         587,
			ConnectTimeout:    30 * time.Second,
			CommandTimeout:    5 * time.Minute,
			MaxAttempts:       5,
			RetryBase:         30 * time.Second,
			RetryDeadline:     48 * time.Hour,
			DomainConcurrency: 4,
			VerifyTLS:         true,
		},
		DNS: DNSConfig{
			Nameserver:  "",
			Timeout:     5 * time.Second,
			CacheSize:   4096,
			NegativeTTL: 60 * time.Second,
			MinTTL:      10 * time.Second,
			MaxTTL:      time.Hour,
		},
		DKIM: DKIMConfig{
			Selector: "mailhop",
			KeyBits:  2048,
		},
		Queue: QueueConfig{
			RedisAddr:  "localhost:6379",
			RedisDB:    0,
			Prefix:     "mailhop",
			Workers:    4,
			MaxPending: 10000,
		},
		Storage: StorageConfig{
			DatabasePath: "/var/lib/mailhop/mailhop.db",
			SpoolDir:     "/var/lib/mailhop/spool",
		},
		Verification: VerificationConfig{
			RefreshInterval: 6 * time.Hour,
			Jitter:          15 * time.Minute,
		},
		Bounce: BounceConfig{
			MaxAttempts: 3,
		},
		Quota: QuotaConfig{
			DefaultDomains:  5,
			DefaultMessages: 10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // Return defaults if no config file
	}

	// Load YAML config file
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	// Unmarshal into config struct
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Hostname == "" {
		return fmt.Errorf("server.hostname is required")
	}
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}

	if err := c.validateLimits(); err != nil {
		return err
	}
	if err := c.validateTimeouts(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}

	switch c.Server.StartTLSMode {
	case StartTLSOff, StartTLSOpportunistic, StartTLSRequired:
	default:
		return fmt.Errorf("server.starttls_mode must be one of: off, opportunistic, required (got: %s)", c.Server.StartTLSMode)
	}

	// TLS validation
	if c.TLS.Auto {
		if c.TLS.ACMEEmail == "" {
			return fmt.Errorf("tls.acme_email is required when tls.auto is enabled")
		}
		if c.TLS.CacheDir == "" {
			return fmt.Errorf("tls.cache_dir is required when tls.auto is enabled")
		}
	} else {
		if c.TLS.CertFile != "" && c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when tls.cert_file is set")
		}
		if c.TLS.KeyFile != "" && c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when tls.key_file is set")
		}
		if c.TLS.CertFile != "" {
			if err := validateFileReadable(c.TLS.CertFile); err != nil {
				return fmt.Errorf("tls.cert_file: %w", err)
			}
		}
		if c.TLS.KeyFile != "" {
			if err := validateFileReadable(c.TLS.KeyFile); err != nil {
				return fmt.Errorf("tls.key_file: %w", err)
			}
		}
	}
	if c.Server.StartTLSMode != StartTLSOff && !c.TLS.Auto && c.TLS.CertFile == "" {
		return fmt.Errorf("server.starttls_mode %q requires tls.auto or tls.cert_file/tls.key_file", c.Server.StartTLSMode)
	}

	// Delivery validation
	switch c.Delivery.Mode {
	case DeliveryDirect, DeliveryRelay, DeliveryHybrid:
	default:
		return fmt.Errorf("delivery.mode must be one of: direct, relay, hybrid (got: %s)", c.Delivery.Mode)
	}
	if c.Delivery.Mode != DeliveryDirect {
		if c.Delivery.RelayHost == "" {
			return fmt.Errorf("delivery.relay_host is required when delivery.mode is %s", c.Delivery.Mode)
		}
		if c.Delivery.RelayPort < 1 || c.Delivery.RelayPort > 65535 {
			return fmt.Errorf("delivery.relay_port must be between 1 and 65535 (got: %d)", c.Delivery.RelayPort)
		}
	}
	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("delivery.max_attempts must be at least 1")
	}
	if c.Delivery.MaxAttempts > 100 {
		return fmt.Errorf("delivery.max_attempts cannot exceed 100")
	}
	if c.Delivery.DomainConcurrency < 1 {
		return fmt.Errorf("delivery.domain_concurrency must be at least 1")
	}

	// DNS validation
	if c.DNS.CacheSize < 16 {
		return fmt.Errorf("dns.cache_size must be at least 16 (got: %d)", c.DNS.CacheSize)
	}
	if c.DNS.MinTTL > c.DNS.MaxTTL {
		return fmt.Errorf("dns.min_ttl cannot exceed dns.max_ttl")
	}

	// DKIM validation
	if c.DKIM.Selector == "" {
		return fmt.Errorf("dkim.selector is required")
	}
	if c.DKIM.KeyBits < 1024 {
		return fmt.Errorf("dkim.key_bits must be at least 1024 (got: %d)", c.DKIM.KeyBits)
	}

	// Queue validation
	if c.Queue.RedisAddr == "" {
		return fmt.Errorf("queue.redis_addr is required")
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be at least 1")
	}
	if c.Queue.Workers > 100 {
		return fmt.Errorf("queue.workers cannot exceed 100")
	}
	if c.Queue.MaxPending < 1 {
		return fmt.Errorf("queue.max_pending must be at least 1")
	}

	// Bounce validation
	if c.Bounce.TokenSecret == "" {
		return fmt.Errorf("bounce.token_secret is required")
	}
	if c.Bounce.MaxAttempts < 1 {
		return fmt.Errorf("bounce.max_attempts must be at least 1")
	}

	// Quota validation
	if c.Quota.DefaultDomains < 1 {
		return fmt.Errorf("quota.default_domains must be at least 1")
	}
	if c.Quota.DefaultMessages < 1 {
		return fmt.Errorf("quota.default_messages must be at least 1")
	}

	// Logging validation
	if c.Logging.Level != "" {
		validLevels := map[string]bool{
			"debug": true, "info": true, "warn": true, "error": true,
		}
		if !validLevels[c.Logging.Level] {
			return fmt.Errorf("logging.level must be one of: debug, info, warn, error (got: %s)", c.Logging.Level)
		}
	}
	if c.Logging.Format != "" {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[c.Logging.Format] {
			return fmt.Errorf("logging.format must be one of: json, text (got: %s)", c.Logging.Format)
		}
	}

	return nil
}

// validateLimits ensures counting limits are sane
func (c *Config) validateLimits() error {
	if c.Server.MaxMessageBytes < 1024 {
		return fmt.Errorf("server.max_message_bytes must be at least 1024 bytes")
	}
	if c.Server.MaxMessageBytes > 100*1024*1024 {
		return fmt.Errorf("server.max_message_bytes cannot exceed 100MB (104857600 bytes)")
	}
	if c.Server.MaxRecipients < 1 {
		return fmt.Errorf("server.max_recipients must be at least 1")
	}
	if c.Server.MaxConnections < 1 {
		return fmt.Errorf("server.max_connections must be at least 1")
	}
	if c.Server.MaxConnectionsPerIP < 1 {
		return fmt.Errorf("server.max_connections_per_ip must be at least 1")
	}
	if c.Server.ConnectionRate < 1 {
		return fmt.Errorf("server.connection_rate must be at least 1")
	}
	return nil
}

// validateTimeouts ensures all timeout configurations are valid
func (c *Config) validateTimeouts() error {
	timeouts := map[string]time.Duration{
		"server.connection_rate_window": c.Server.ConnectionRateWindow,
		"server.read_timeout":           c.Server.ReadTimeout,
		"server.write_timeout":          c.Server.WriteTimeout,
		"server.lookup_timeout":         c.Server.LookupTimeout,
		"server.shutdown_timeout":       c.Server.ShutdownTimeout,
		"delivery.connect_timeout":      c.Delivery.ConnectTimeout,
		"delivery.command_timeout":      c.Delivery.CommandTimeout,
		"delivery.retry_base":           c.Delivery.RetryBase,
		"delivery.retry_deadline":       c.Delivery.RetryDeadline,
		"dns.timeout":                   c.DNS.Timeout,
		"dns.negative_ttl":              c.DNS.NegativeTTL,
		"verification.refresh_interval": c.Verification.RefreshInterval,
	}

	for name, timeout := range timeouts {
		if timeout <= 0 {
			return fmt.Errorf("%s must be positive (got: %s)", name, timeout)
		}
	}

	// PregreetDelay of zero disables the pregreet gate. Negative is invalid.
	if c.Server.PregreetDelay < 0 {
		return fmt.Errorf("server.pregreet_delay cannot be negative (got: %s)", c.Server.PregreetDelay)
	}

	// Sanity checks for specific timeouts
	if c.Server.ShutdownTimeout > 5*time.Minute {
		return fmt.Errorf("server.shutdown_timeout is too long, maximum is 5m (got: %s)", c.Server.ShutdownTimeout)
	}
	if c.Server.PregreetDelay > 30*time.Second {
		return fmt.Errorf("server.pregreet_delay is too long, maximum is 30s (got: %s)", c.Server.PregreetDelay)
	}
	if c.Delivery.ConnectTimeout > 2*time.Minute {
		return fmt.Errorf("delivery.connect_timeout is too long, maximum is 2m (got: %s)", c.Delivery.ConnectTimeout)
	}
	if c.Delivery.CommandTimeout > 10*time.Minute {
		return fmt.Errorf("delivery.command_timeout is too long, maximum is 10m (got: %s)", c.Delivery.CommandTimeout)
	}
	if c.Delivery.RetryDeadline > 30*24*time.Hour {
		return fmt.Errorf("delivery.retry_deadline is too long, maximum is 30d (got: %s)", c.Delivery.RetryDeadline)
	}

	return nil
}

// validateStorage ensures all storage paths are valid
func (c *Config) validateStorage() error {
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path is required")
	}
	if c.Storage.SpoolDir == "" {
		return fmt.Errorf("storage.spool_dir is required")
	}

	// Validate paths are absolute for safety
	if !filepath.IsAbs(c.Storage.DatabasePath) {
		return fmt.Errorf("storage.database_path must be an absolute path (got: %s)", c.Storage.DatabasePath)
	}
	if !filepath.IsAbs(c.Storage.SpoolDir) {
		return fmt.Errorf("storage.spool_dir must be an absolute path (got: %s)", c.Storage.SpoolDir)
	}

	return nil
}

// validateFileReadable checks if a file exists and is readable
func validateFileReadable(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("must be an absolute path (got: %s)", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file does not exist: %s", path)
		}
		return fmt.Errorf("cannot access file: %w", err)
	}

	if info.IsDir() {
		return fmt.Errorf("path is a directory, expected a file: %s", path)
	}

	// Try to open for reading
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("file is not readable: %w", err)
	}
	f.Close()

	return nil
}

// EnsureDirectories creates necessary directories
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.DatabasePath),
		c.Storage.SpoolDir,
	}

	if c.TLS.Auto && c.TLS.CacheDir != "" {
		dirs = append(dirs, c.TLS.CacheDir)
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
