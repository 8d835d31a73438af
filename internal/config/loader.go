package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a YAML file. Settings the file leaves out
// keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadWithEnv loads configuration from a file and applies environment
// variable overrides. An empty path starts from the defaults.
func LoadWithEnv(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
	}

	// Apply environment variable overrides
	if backend := os.Getenv("CASTORE_DB_BACKEND"); backend != "" {
		cfg.Database.Backend = backend
	}

	if dbPath := os.Getenv("CASTORE_DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}

	if caStore := os.Getenv("CASTORE_CA_STORE"); caStore != "" {
		v, err := strconv.ParseBool(caStore)
		if err != nil {
			return nil, fmt.Errorf("CASTORE_CA_STORE is invalid: %w", err)
		}
		cfg.Database.CAStore = v
	}

	if certPath := os.Getenv("CASTORE_CA_CERT"); certPath != "" {
		cfg.CA.CertificatePath = certPath
	}

	if privateKey := os.Getenv("CASTORE_CA_PRIVATE_KEY"); privateKey != "" {
		cfg.CA.PrivateKeyPath = privateKey
	}

	if level := os.Getenv("CASTORE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	// Validate again after env overrides
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration after env overrides: %w", err)
	}

	return cfg, nil
}
