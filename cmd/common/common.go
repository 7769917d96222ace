// Package common provides the shared configuration layer for the
// standalone binaries (studyd, demo-cli): a YAML config file with
// command-line flag overrides.
package common

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/securecollab/mpstudy/services"
)

// StorageMemory and StoragePostgres select the Store implementation.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config holds the coordinator's deployment settings.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	EnablePprof bool   `yaml:"enable_pprof"`

	LogJSON  bool `yaml:"log_json"`
	LogDebug bool `yaml:"log_debug"`

	// AllowedOrigins enables CORS for browser dashboards when set.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// Storage selects "memory" or "postgres".
	Storage  string                  `yaml:"storage"`
	Postgres services.PostgresConfig `yaml:"postgres"`

	// ComputeURL points at an external compute service. Empty runs the
	// in-process engine, which provides no cryptographic protection and
	// is only suitable for demos.
	ComputeURL     string        `yaml:"compute_url"`
	ComputeTimeout time.Duration `yaml:"compute_timeout"`

	DrainDuration            time.Duration `yaml:"drain_duration"`
	GracefulShutdownDuration time.Duration `yaml:"graceful_shutdown_duration"`
	ReadTimeout              time.Duration `yaml:"read_timeout"`
	WriteTimeout             time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns a config suitable for local development.
func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:                 ":8080",
		Storage:                  StorageMemory,
		ComputeTimeout:           2 * time.Minute,
		DrainDuration:            5 * time.Second,
		GracefulShutdownDuration: 10 * time.Second,
		ReadTimeout:              30 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(body, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail at first use.
func (c *Config) Validate() error {
	switch c.Storage {
	case StorageMemory:
	case StoragePostgres:
		if c.Postgres.Host == "" {
			return fmt.Errorf("postgres storage selected but postgres.host is empty")
		}
	default:
		return fmt.Errorf("unknown storage %q, expected %q or %q", c.Storage, StorageMemory, StoragePostgres)
	}
	return nil
}
