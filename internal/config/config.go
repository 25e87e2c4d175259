// Package config loads and persists the datalake daemon's configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "datalake.yaml"

// Config holds all configuration for the datalake daemon.
type Config struct {
	// Storage holds filesystem and catalog locations.
	Storage StorageConfig `yaml:"storage"`

	// Concurrency holds the orchestrator's parallelism knobs.
	Concurrency ConcurrencyConfig `yaml:"concurrency"`

	// Logging holds logging settings.
	Logging LoggingConfig `yaml:"logging"`

	// Exchanges holds per-exchange client configuration, keyed by
	// lowercase exchange name. Optional; a datalake can operate purely
	// against manifest/writer/reader without an exchange configured.
	Exchanges map[string]ExchangeConfig `yaml:"exchanges,omitempty"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataRoot is the directory holding all partition files.
	DataRoot string `yaml:"data_root"`

	// ManifestPath is the path to the manifest catalog file. If relative,
	// it is resolved relative to DataRoot.
	ManifestPath string `yaml:"manifest_path"`
}

// ConcurrencyConfig holds the orchestrator's parallelism bounds.
type ConcurrencyConfig struct {
	// TotalWorkers bounds the overall worker pool size.
	TotalWorkers int `yaml:"total_workers"`

	// PerExchange bounds the number of concurrently running download tasks
	// per exchange (lazily allocated semaphore capacity).
	PerExchange int `yaml:"per_exchange_concurrency"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is a log file path. It is stored in the config file but not
	// read by datalaked, which always logs to stderr.
	File string `yaml:"file"`
}

// ExchangeConfig holds per-exchange client settings.
type ExchangeConfig struct {
	// BaseURL is the REST base URL for the exchange's market-data API.
	BaseURL string `yaml:"base_url"`

	// TimeoutSeconds is stored in the config file but not applied by
	// datalaked; the reference HTTP client always uses its own 30-second
	// request timeout.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataRoot:     "~/.dl-datalake/data",
			ManifestPath: "manifest.db",
		},
		Concurrency: ConcurrencyConfig{
			TotalWorkers: 20,
			PerExchange:  5,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// ManifestFullPath returns the manifest path resolved against the
// (expanded) data root when the configured path is relative.
func (c *Config) ManifestFullPath() string {
	if filepath.IsAbs(c.Storage.ManifestPath) {
		return c.Storage.ManifestPath
	}
	return filepath.Join(expandPath(c.Storage.DataRoot), c.Storage.ManifestPath)
}

// ExpandedDataRoot returns the data root with leading ~ expanded.
func (c *Config) ExpandedDataRoot() string {
	return expandPath(c.Storage.DataRoot)
}

// LoadConfig loads configuration from a YAML file under dataDir. If the
// file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := expandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataRoot = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}

		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# dl-datalake daemon configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for the given data
// directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
