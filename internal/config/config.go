package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks for its configuration.
const DefaultPath = "factcask.yml"

// RedisURLEnv overrides store.redis_url when set.
const RedisURLEnv = "REDIS_URL"

// Supported values of store.backend.
const (
	BackendRedis  = "redis"  // Redis via go-redis
	BackendSQLite = "sqlite" // SQLite file
	BackendMemory = "memory" // process memory, lost on exit
)

// Config represents the top-level factcask.yml configuration
type Config struct {
	Version  string         `yaml:"version"`
	Store    StoreConfig    `yaml:"store"`
	Lock     LockConfig     `yaml:"lock"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Log      LogConfig      `yaml:"log"`
}

// StoreConfig selects and configures the fact store backend
type StoreConfig struct {
	Backend    string `yaml:"backend"`     // redis, sqlite or memory
	RedisURL   string `yaml:"redis_url"`   // redis backend only
	Instance   string `yaml:"instance"`    // key namespace, redis backend only
	SQLitePath string `yaml:"sqlite_path"` // sqlite backend only
}

// LockConfig holds the optimistic lock defaults
type LockConfig struct {
	Retry    int           `yaml:"retry"`
	Interval time.Duration `yaml:"interval"`
}

// SnapshotConfig holds the snapshot serializer and cache settings
type SnapshotConfig struct {
	Serializer string        `yaml:"serializer"` // json or msgpack
	Compress   bool          `yaml:"compress"`
	TTL        time.Duration `yaml:"ttl"` // 0 = never expire
}

// LogConfig configures the process logger
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Version: "1.0",
		Store: StoreConfig{
			Backend:    BackendRedis,
			RedisURL:   "redis://localhost:6379",
			Instance:   "default",
			SQLitePath: "factcask.db",
		},
		Lock: LockConfig{
			Retry:    10,
			Interval: 0,
		},
		Snapshot: SnapshotConfig{
			Serializer: "json",
			TTL:        30 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate performs strict validation on the configuration
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	switch c.Store.Backend {
	case BackendRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url is required for the redis backend")
		}
		if c.Store.Instance == "" {
			return fmt.Errorf("store.instance is required for the redis backend")
		}
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("invalid store.backend: %s (must be 'redis', 'sqlite' or 'memory')", c.Store.Backend)
	}

	if c.Lock.Retry < 1 {
		return fmt.Errorf("lock.retry must be >= 1, got %d", c.Lock.Retry)
	}
	if c.Lock.Interval < 0 {
		return fmt.Errorf("lock.interval must not be negative, got %s", c.Lock.Interval)
	}

	if c.Snapshot.Serializer != "json" && c.Snapshot.Serializer != "msgpack" {
		return fmt.Errorf("invalid snapshot.serializer: %s (must be 'json' or 'msgpack')", c.Snapshot.Serializer)
	}
	if c.Snapshot.TTL < 0 {
		return fmt.Errorf("snapshot.ttl must not be negative, got %s", c.Snapshot.TTL)
	}

	if hclog.LevelFromString(c.Log.Level) == hclog.NoLevel {
		return fmt.Errorf("invalid log.level: %s", c.Log.Level)
	}

	return nil
}

// Parse decodes YAML over the defaults, applies environment overrides and validates.
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// Load reads and validates factcask.yml from the specified path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// LoadOptional is Load, except that a missing file yields the defaults.
func LoadOptional(path string) (*Config, error) {
	config, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Parse(nil)
	}
	return config, err
}

func (c *Config) applyEnv() {
	if url := os.Getenv(RedisURLEnv); url != "" {
		c.Store.RedisURL = url
	}
}
