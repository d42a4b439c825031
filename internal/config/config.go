// Package config loads process configuration from a YAML file, overlaid
// with environment variables (optionally sourced from a local .env file)
// and finally CLI flags, in that increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	Model    ModelConfig    `yaml:"model"`
	Server   ServerConfig   `yaml:"server"`
	Sessions SessionsConfig `yaml:"sessions"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ModelConfig describes the GGUF to load and how to map it into memory.
type ModelConfig struct {
	Path          string `yaml:"path"`
	ContextLength int    `yaml:"context_length"`
	BatchSize     int    `yaml:"batch_size"`
	Parallel      int    `yaml:"parallel"`
	GPULayers     int    `yaml:"gpu_layers"`
	UseMmap       bool   `yaml:"use_mmap"`
	UseMlock      bool   `yaml:"use_mlock"`
	Threads       int    `yaml:"threads"`
	NKeep         int    `yaml:"n_keep"`
	Embedding     bool   `yaml:"embedding"`
}

// ServerConfig holds settings for the demonstration front end in
// cmd/noxrund. cmd/noxrund does not read MaxConcurrentJobs; the number of
// concurrent jobs is bounded by Model.Parallel.
type ServerConfig struct {
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`
}

// SessionsConfig controls where session state is persisted.
type SessionsConfig struct {
	Dir             string `yaml:"dir"`
	OverflowDumpDir string `yaml:"overflow_dump_dir"`
}

// LoggingConfig controls the process-wide slog handler.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug|info|warn|error
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration baseline used when no file is given.
func Default() Config {
	return Config{
		Model: ModelConfig{
			ContextLength: 4096,
			BatchSize:     512,
			Parallel:      4,
			UseMmap:       true,
		},
		Server: ServerConfig{MaxConcurrentJobs: 4},
		Sessions: SessionsConfig{
			Dir:             "sessions",
			OverflowDumpDir: "overflow_contexts",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path (if non-empty) as YAML over the defaults, then applies
// environment overrides — loading a local .env file first when present, so
// development setups don't need to export variables by hand.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	_ = godotenv.Load() // best effort; absence of .env is not an error

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NOX_MODEL_PATH"); v != "" {
		cfg.Model.Path = v
	}
	if v := os.Getenv("NOX_CTX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Model.ContextLength = n
		}
	}
	if v := os.Getenv("NOX_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Model.BatchSize = n
		}
	}
	if v := os.Getenv("NOX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Model.Parallel = n
		}
	}
	if v := os.Getenv("NOX_SESSIONS_DIR"); v != "" {
		cfg.Sessions.Dir = v
	}
	if v := os.Getenv("NOX_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
