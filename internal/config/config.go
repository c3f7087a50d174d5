// Package config provides YAML configuration loading and validation for the
// GFX sync agent.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects how parsed files are written to the remote store.
type Mode string

const (
	// ModeAggregated writes one row per file into the sessions table.
	ModeAggregated Mode = "aggregated"
	// ModeNormalized writes a related record set (sessions, hands, players,
	// hand_players, events) per file.
	ModeNormalized Mode = "normalized"
)

// Config is the top-level configuration structure for the sync agent.
type Config struct {
	// BasePath is the mounted share root under which producer subtrees
	// live (e.g. "/mnt/nas"). Required.
	BasePath string `yaml:"base_path"`

	// RegistryPath is the location of the PC registry file, relative to
	// BasePath. Defaults to "config/pc_registry.json".
	RegistryPath string `yaml:"registry_path"`

	// ErrorFolder is the name of the quarantine subfolder under BasePath
	// that unparseable files are moved to. Defaults to "_error".
	ErrorFolder string `yaml:"error_folder"`

	// FilePattern is the glob applied to file names during watching.
	// Defaults to "*.json".
	FilePattern string `yaml:"file_pattern"`

	// Mode selects aggregated (one row per file) or normalized (related
	// record set per file) delivery. Defaults to "aggregated".
	Mode Mode `yaml:"mode"`

	// Remote configures the PostgREST-style remote store. URL and Secret
	// are required.
	Remote RemoteConfig `yaml:"remote"`

	// PollInterval is the watcher tick period. Defaults to 2s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// BatchSize is the in-memory batch queue size bound. Defaults to 500.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval is the batch queue age bound. Defaults to 5s.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// Queue configures the durable offline queue.
	Queue QueueConfig `yaml:"queue"`

	// RateLimit configures the in-band backoff schedule applied when the
	// remote store answers 429.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// RegistryCheckInterval is the registry reload period. Defaults to 30s.
	RegistryCheckInterval time.Duration `yaml:"registry_check_interval"`

	// HealthAddr is the listen address for the operator HTTP surface
	// (e.g. "127.0.0.1:8080"). Defaults to "127.0.0.1:8080".
	HealthAddr string `yaml:"health_addr"`

	// HealthEnabled controls whether the operator HTTP surface is served.
	// Defaults to true; set health_enabled: false to disable explicitly.
	HealthEnabled *bool `yaml:"health_enabled"`

	// Realtime configures the optional broadcast notifier that is invoked
	// after successful writes.
	Realtime RealtimeConfig `yaml:"realtime"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`
}

// RemoteConfig holds the remote store endpoint and credentials.
type RemoteConfig struct {
	// URL is the remote store base URL (e.g. "https://xyz.supabase.co").
	// Required.
	URL string `yaml:"url"`

	// Secret is the service credential sent in the apikey header and, when
	// JWTSecret is empty, also as the bearer token. Required.
	Secret string `yaml:"secret"`

	// JWTSecret, when set, is the HS256 signing secret used to mint a
	// short-lived service JWT for the Authorization header instead of
	// sending Secret verbatim.
	JWTSecret string `yaml:"jwt_secret"`

	// Table is the target table for aggregated upserts. Defaults to
	// "gfx_sessions".
	Table string `yaml:"table"`

	// Timeout is the per-request HTTP timeout. Defaults to 30s.
	Timeout time.Duration `yaml:"timeout"`
}

// QueueConfig holds the durable offline queue bounds.
type QueueConfig struct {
	// Path is the SQLite database file location. Relative paths are
	// resolved against the working directory, not BasePath: the queue must
	// live on local disk, not on the watched share. Defaults to
	// "queue/pending.db".
	Path string `yaml:"path"`

	// MaxSize is the pending-row ceiling; the oldest rows are evicted when
	// it is reached. Defaults to 10000.
	MaxSize int `yaml:"max_size"`

	// MaxRetries is the number of failed drains after which a row is moved
	// to the dead-letter table. Defaults to 5.
	MaxRetries int `yaml:"max_retries"`

	// ProcessInterval is the offline drain loop period. Defaults to 60s.
	ProcessInterval time.Duration `yaml:"process_interval"`
}

// RateLimitConfig holds the exponential backoff schedule for HTTP 429.
type RateLimitConfig struct {
	// MaxRetries is the number of in-band upsert attempts before the record
	// falls back to the offline queue. Defaults to 5.
	MaxRetries int `yaml:"max_retries"`

	// BaseDelay is the backoff base: attempt n sleeps 2^n * BaseDelay plus
	// up to one second of jitter. Defaults to 1s.
	BaseDelay time.Duration `yaml:"base_delay"`
}

// RealtimeConfig holds the optional broadcast notifier settings.
type RealtimeConfig struct {
	// Enabled turns the websocket publisher on. Defaults to false.
	Enabled bool `yaml:"enabled"`

	// URL is the realtime websocket endpoint.
	URL string `yaml:"url"`

	// Channel is the topic that session updates are broadcast on.
	// Defaults to "gfx:sessions".
	Channel string `yaml:"channel"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing the first validation failure encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.RegistryPath == "" {
		cfg.RegistryPath = "config/pc_registry.json"
	}
	if cfg.ErrorFolder == "" {
		cfg.ErrorFolder = "_error"
	}
	if cfg.FilePattern == "" {
		cfg.FilePattern = "*.json"
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAggregated
	}
	if cfg.Remote.Table == "" {
		cfg.Remote.Table = "gfx_sessions"
	}
	if cfg.Remote.Timeout == 0 {
		cfg.Remote.Timeout = 30 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Queue.Path == "" {
		cfg.Queue.Path = "queue/pending.db"
	}
	if cfg.Queue.MaxSize == 0 {
		cfg.Queue.MaxSize = 10000
	}
	if cfg.Queue.MaxRetries == 0 {
		cfg.Queue.MaxRetries = 5
	}
	if cfg.Queue.ProcessInterval == 0 {
		cfg.Queue.ProcessInterval = 60 * time.Second
	}
	if cfg.RateLimit.MaxRetries == 0 {
		cfg.RateLimit.MaxRetries = 5
	}
	if cfg.RateLimit.BaseDelay == 0 {
		cfg.RateLimit.BaseDelay = time.Second
	}
	if cfg.RegistryCheckInterval == 0 {
		cfg.RegistryCheckInterval = 30 * time.Second
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:8080"
	}
	if cfg.HealthEnabled == nil {
		enabled := true
		cfg.HealthEnabled = &enabled
	}
	if cfg.Realtime.Channel == "" {
		cfg.Realtime.Channel = "gfx:sessions"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.BasePath == "" {
		errs = append(errs, errors.New("base_path is required"))
	}
	if cfg.Remote.URL == "" {
		errs = append(errs, errors.New("remote.url is required"))
	}
	if cfg.Remote.Secret == "" {
		errs = append(errs, errors.New("remote.secret is required"))
	}
	if cfg.Mode != ModeAggregated && cfg.Mode != ModeNormalized {
		errs = append(errs, fmt.Errorf("mode %q must be one of: aggregated, normalized", cfg.Mode))
	}
	if cfg.PollInterval < 0 {
		errs = append(errs, errors.New("poll_interval must not be negative"))
	}
	if cfg.BatchSize < 0 {
		errs = append(errs, errors.New("batch_size must not be negative"))
	}
	if cfg.Queue.MaxSize < 0 {
		errs = append(errs, errors.New("queue.max_size must not be negative"))
	}
	if cfg.Queue.MaxRetries < 0 {
		errs = append(errs, errors.New("queue.max_retries must not be negative"))
	}
	if cfg.Realtime.Enabled && cfg.Realtime.URL == "" {
		errs = append(errs, errors.New("realtime.url is required when realtime.enabled is true"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}

// FullRegistryPath returns the PC registry file location resolved against
// BasePath.
func (c *Config) FullRegistryPath() string {
	return filepath.Join(c.BasePath, c.RegistryPath)
}

// ErrorDir returns the quarantine folder location resolved against BasePath.
func (c *Config) ErrorDir() string {
	return filepath.Join(c.BasePath, c.ErrorFolder)
}

// HealthServerEnabled reports whether the operator HTTP surface should be
// served.
func (c *Config) HealthServerEnabled() bool {
	return c.HealthEnabled != nil && *c.HealthEnabled
}

// MaskedSecret returns the remote secret with the middle elided, for logging.
func (c *Config) MaskedSecret() string {
	s := c.Remote.Secret
	if len(s) <= 14 {
		return "***"
	}
	return s[:10] + "..." + s[len(s)-4:]
}
