package config

import (
	"fmt"
	"time"

	"github.com/adamscao/castore/internal/db"
)

// Config holds all configuration for the application
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	CA       CAConfig       `yaml:"ca"`
	Policy   PolicyConfig   `yaml:"policy"`
	Limits   LimitsConfig   `yaml:"limits"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig contains database configuration
type DatabaseConfig struct {
	Backend string `yaml:"backend"`
	// Path is the database file for sqlite3, the connection string for
	// postgres.
	Path    string `yaml:"path"`
	CAStore bool   `yaml:"ca_store"`

	// Overrides of the backend's capability defaults.
	BinaryBlobs             *bool `yaml:"binary_blobs"`
	DestructiveTransactions *bool `yaml:"destructive_transactions"`
}

// CAConfig contains CA key configuration
type CAConfig struct {
	CertificatePath string `yaml:"certificate_path"`
	PrivateKeyPath  string `yaml:"private_key_path"`
	KeyType         string `yaml:"key_type"`
	Subject         string `yaml:"subject"`
	Validity        string `yaml:"validity"`
}

// PolicyConfig contains certificate signing policy
type PolicyConfig struct {
	DefaultValidity string `yaml:"default_validity"`
	RequestMaxAge   string `yaml:"request_max_age"`
	CRLUpdate       string `yaml:"crl_update"`
}

// LimitsConfig bounds the loops that scan backend rows
type LimitsConfig struct {
	MaxIterations int `yaml:"max_iterations"`
	MaxErrors     int `yaml:"max_errors"`
	MaxCRLEntries int `yaml:"max_crl_entries"`
	MaxQuerySize  int `yaml:"max_query_size"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for any setting a file leaves out.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Backend: "sqlite3",
			Path:    "./data/castore.db",
			CAStore: true,
		},
		CA: CAConfig{
			CertificatePath: "./data/ca.pem",
			PrivateKeyPath:  "./data/ca_key",
			KeyType:         "ed25519",
			Subject:         "castore CA",
			Validity:        "3650d",
		},
		Policy: PolicyConfig{
			DefaultValidity: "365d",
			RequestMaxAge:   "72h",
			CRLUpdate:       "7d",
		},
		Limits: LimitsConfig{
			MaxIterations: 1000,
			MaxErrors:     10,
			MaxCRLEntries: 10000,
			MaxQuerySize:  db.DefaultMaxQuerySize,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Database validation
	if _, err := db.LookupDialect(c.Database.Backend); err != nil {
		return fmt.Errorf("database.backend: %w", err)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	// CA validation
	if c.CA.CertificatePath == "" {
		return fmt.Errorf("ca.certificate_path is required")
	}
	if c.CA.PrivateKeyPath == "" {
		return fmt.Errorf("ca.private_key_path is required")
	}
	if c.CA.KeyType != "ed25519" && c.CA.KeyType != "ecdsa" && c.CA.KeyType != "rsa" {
		return fmt.Errorf("ca.key_type must be 'ed25519', 'ecdsa' or 'rsa'")
	}
	if c.CA.Subject == "" {
		return fmt.Errorf("ca.subject is required")
	}
	if _, err := parseDuration(c.CA.Validity); err != nil {
		return fmt.Errorf("ca.validity is invalid: %w", err)
	}

	// Policy validation
	defaultValidity, err := parseDuration(c.Policy.DefaultValidity)
	if err != nil {
		return fmt.Errorf("policy.default_validity is invalid: %w", err)
	}
	if defaultValidity <= 0 {
		return fmt.Errorf("policy.default_validity must be positive")
	}
	if _, err := parseDuration(c.Policy.RequestMaxAge); err != nil {
		return fmt.Errorf("policy.request_max_age is invalid: %w", err)
	}
	if _, err := parseDuration(c.Policy.CRLUpdate); err != nil {
		return fmt.Errorf("policy.crl_update is invalid: %w", err)
	}

	// Limits validation
	if c.Limits.MaxIterations <= 0 {
		return fmt.Errorf("limits.max_iterations must be positive")
	}
	if c.Limits.MaxErrors <= 0 {
		return fmt.Errorf("limits.max_errors must be positive")
	}
	if c.Limits.MaxCRLEntries <= 0 {
		return fmt.Errorf("limits.max_crl_entries must be positive")
	}
	if c.Limits.MaxQuerySize <= 0 {
		return fmt.Errorf("limits.max_query_size must be positive")
	}

	// Logging validation
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be 'json' or 'text'")
	}

	return nil
}

// DBOptions returns the connection options for the configured backend
func (c *Config) DBOptions() db.Options {
	return db.Options{
		Backend:                 c.Database.Backend,
		DSN:                     c.Database.Path,
		BinaryBlobs:             c.Database.BinaryBlobs,
		DestructiveTransactions: c.Database.DestructiveTransactions,
	}
}

// GetDefaultValidityDuration returns the default validity as time.Duration
func (c *Config) GetDefaultValidityDuration() time.Duration {
	d, _ := parseDuration(c.Policy.DefaultValidity)
	return d
}

// GetRequestMaxAgeDuration returns how long a certificate request may wait
// before cleanup discards it
func (c *Config) GetRequestMaxAgeDuration() time.Duration {
	d, _ := parseDuration(c.Policy.RequestMaxAge)
	return d
}

// GetCRLUpdateDuration returns the interval between CRL issues
func (c *Config) GetCRLUpdateDuration() time.Duration {
	d, _ := parseDuration(c.Policy.CRLUpdate)
	return d
}

// GetCAValidityDuration returns the validity of a generated CA certificate
func (c *Config) GetCAValidityDuration() time.Duration {
	d, _ := parseDuration(c.CA.Validity)
	return d
}

// parseDuration parses duration with support for days (e.g., "90d")
func parseDuration(s string) (time.Duration, error) {
	// Handle "d" suffix for days
	if len(s) > 1 && s[len(s)-1] == 'd' {
		days := s[:len(s)-1]
		var d int
		if _, err := fmt.Sscanf(days, "%d", &d); err != nil {
			return 0, err
		}
		return time.Duration(d) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
