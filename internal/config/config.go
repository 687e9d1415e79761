// Package config loads the runtime configuration for justpipe tooling.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Config is the full tooling configuration.
type Config struct {
	Pipeline PipelineConfig `toml:"pipeline"`
	Storage  StorageConfig  `toml:"storage"`
	Observer ObserverConfig `toml:"observer"`
	Failure  FailureConfig  `toml:"failure"`
}

// PipelineConfig holds pipeline defaults: the event queue size and
// validate-on-run. The justpipe CLI loads them but builds no pipelines.
type PipelineConfig struct {
	QueueSize     int  `toml:"queue_size" validate:"gte=0"`
	ValidateOnRun bool `toml:"validate_on_run"`
}

// StorageConfig selects and locates the run-history backend.
type StorageConfig struct {
	Backend string `toml:"backend" validate:"oneof=memory sqlite postgres"`
	// Path is the directory for file-backed storage. JUSTPIPE_STORAGE_PATH,
	// when set, takes precedence; with neither, ~/.justpipe is used.
	Path string `toml:"path"`
	// DSN is the connection string for the postgres backend.
	DSN string `toml:"dsn"`
}

// ObserverConfig toggles OTEL exporting.
type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// FailureConfig extends failure source classification.
type FailureConfig struct {
	// ExternalPrefixes adds package-path prefixes recognized as external
	// dependencies.
	ExternalPrefixes []string `toml:"external_prefixes"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Pipeline: PipelineConfig{QueueSize: 0, ValidateOnRun: true},
		Storage:  StorageConfig{Backend: "sqlite"},
	}
}

// Load reads path (TOML), layering its values over Default. A missing
// file yields the defaults without error; an invalid file does not.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if os.IsNotExist(err) {
				return validate(cfg)
			}
			return Config{}, fmt.Errorf("config: %w", err)
		}
	}
	return validate(cfg)
}

func validate(cfg Config) (Config, error) {
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// DatabasePath resolves the sqlite file location, honoring the
// JUSTPIPE_STORAGE_PATH override.
func (c Config) DatabasePath() string {
	dir := c.Storage.Path
	if env := os.Getenv("JUSTPIPE_STORAGE_PATH"); env != "" {
		dir = env
	}
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			dir = ".justpipe"
		} else {
			dir = filepath.Join(home, ".justpipe")
		}
	}
	return filepath.Join(dir, "runs.db")
}
