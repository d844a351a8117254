// Package config loads relaysync's YAML configuration, following the same
// embed-default-plus-env-override shape as the teacher's internal/config
// package.
package config

import (
	"embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Config is the complete relaysync configuration.
type Config struct {
	Identity Identity `yaml:"identity"`
	Sync     Sync     `yaml:"sync"`
	Resume   Resume   `yaml:"resume"`
	Progress Progress `yaml:"progress"`
	Logging  Logging  `yaml:"logging"`
}

// Identity holds the operator's own npub, which Validate requires. The CLI
// builds the write/read filters from its --identity flag, not from this
// field. The private key used to sign auth challenges is never read from
// file; it comes only from the RELAYSYNC_NSEC environment variable (see
// applyEnvOverrides).
type Identity struct {
	Npub          string `yaml:"npub"`
	privateKeyHex string `yaml:"-"`
}

// PrivateKeyHex returns the hex private key loaded from the environment, if
// any was provided.
func (i Identity) PrivateKeyHex() string { return i.privateKeyHex }

// Sync carries the policy knobs spec.md §6 calls out as advisory limits
// enforced at the orchestration layer, not inside the engine itself.
type Sync struct {
	BatchSize         int   `yaml:"batch_size"`
	BatchTimeoutMS    int   `yaml:"batch_timeout_ms"`
	PublishTimeoutMS  int   `yaml:"publish_timeout_ms"`
	InterEventDelayMS int   `yaml:"inter_event_delay_ms"`
	InterBatchDelayMS int   `yaml:"inter_batch_delay_ms"`
	MaxWriteRelays    int   `yaml:"max_write_relays"`
	MaxReadRelays     int   `yaml:"max_read_relays"`
	StopAtUnix        int64 `yaml:"stop_at_unix"`
}

// Resume configures the sqlite-backed cursor store (SPEC_FULL.md §12.3).
type Resume struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// Progress configures the Progress Reporter's optional broadcast sink.
type Progress struct {
	BufferSize int         `yaml:"buffer_size"`
	Redis      RedisConfig `yaml:"redis"`
}

// RedisConfig enables the optional pub/sub broadcast of progress records to
// external observers, on top of the in-process channel every run always
// gets (SPEC_FULL.md §12.4).
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

// Logging mirrors the teacher's internal/config.Logging shape exactly.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, parses, env-overrides, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("config: apply env overrides: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides layers environment variables on top of the parsed
// config, mirroring the teacher's NOPHR_-prefixed override pattern.
func applyEnvOverrides(cfg *Config) error {
	if nsec := os.Getenv("RELAYSYNC_NSEC"); nsec != "" {
		cfg.Identity.privateKeyHex = nsec
	}
	if redisURL := os.Getenv("RELAYSYNC_REDIS_URL"); redisURL != "" {
		cfg.Progress.Redis.URL = redisURL
		cfg.Progress.Redis.Enabled = true
	}
	if dbPath := os.Getenv("RELAYSYNC_RESUME_DB"); dbPath != "" {
		cfg.Resume.DBPath = dbPath
	}
	if stopAt := os.Getenv("RELAYSYNC_STOP_AT"); stopAt != "" {
		parsed, err := strconv.ParseInt(stopAt, 10, 64)
		if err != nil {
			return fmt.Errorf("RELAYSYNC_STOP_AT: %w", err)
		}
		cfg.Sync.StopAtUnix = parsed
	}
	return nil
}

// Validate rejects a configuration that the engine could not run with.
func Validate(cfg *Config) error {
	if cfg.Identity.Npub == "" {
		return fmt.Errorf("identity.npub is required")
	}
	if !strings.HasPrefix(cfg.Identity.Npub, "npub1") {
		return fmt.Errorf("identity.npub must start with 'npub1'")
	}
	if cfg.Sync.BatchSize < 1 {
		return fmt.Errorf("sync.batch_size must be at least 1")
	}
	if cfg.Sync.MaxWriteRelays < 1 {
		return fmt.Errorf("sync.max_write_relays must be at least 1")
	}
	if cfg.Sync.MaxReadRelays < 1 {
		return fmt.Errorf("sync.max_read_relays must be at least 1")
	}
	if cfg.Resume.Enabled && cfg.Resume.DBPath == "" {
		return fmt.Errorf("resume.db_path is required when resume.enabled is true")
	}
	if cfg.Progress.Redis.Enabled && cfg.Progress.Redis.URL == "" {
		return fmt.Errorf("progress.redis.url is required when progress.redis.enabled is true")
	}
	return nil
}

// GetExampleConfig returns the embedded example configuration file.
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}

// Default returns a configuration with the spec's policy-knob defaults
// (spec.md §6).
func Default() *Config {
	return &Config{
		Identity: Identity{},
		Sync: Sync{
			BatchSize:         20,
			BatchTimeoutMS:    15000,
			PublishTimeoutMS:  5000,
			InterEventDelayMS: 10000,
			InterBatchDelayMS: 10000,
			MaxWriteRelays:    5,
			MaxReadRelays:     5,
		},
		Resume: Resume{
			Enabled: true,
			DBPath:  "relaysync.db",
		},
		Progress: Progress{
			BufferSize: 64,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}
