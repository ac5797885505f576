package internal

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration of binsync. CLI flags override it.
type Config struct {
	Chunking ChunkingConfig `yaml:"chunking"`
	Sync     SyncConfig     `yaml:"sync"`
	Provider ProviderConfig `yaml:"provider"`
	Publish  PublishConfig  `yaml:"publish"`
	Backend  BackendConfig  `yaml:"backend"`
	Log      LogConfig      `yaml:"log"`
}

type ChunkingConfig struct {
	MinSize int    `yaml:"min_size"`
	AvgSize int    `yaml:"avg_size"`
	MaxSize int    `yaml:"max_size"`
	Digest  string `yaml:"digest"`
}

type SyncConfig struct {
	Concurrency int  `yaml:"concurrency"`
	DeleteExtra bool `yaml:"delete_extra"`
	// number of goroutines chunking destination files during inventory
	InventoryWorkers int `yaml:"inventory_workers"`
}

type ProviderConfig struct {
	Kind          string        `yaml:"kind"` // local or remote
	Source        string        `yaml:"source"`
	ReadAhead     int           `yaml:"read_ahead"`
	MaxInFlight   int           `yaml:"max_in_flight"`
	OpenFiles     int           `yaml:"open_files"`
	Retries       int           `yaml:"retries"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

type PublishConfig struct {
	Layout      string `yaml:"layout"` // packs or loose
	PackSize    int64  `yaml:"pack_size"`
	Compression string `yaml:"compression"`
	Uploaders   int    `yaml:"uploaders"`
}

// BackendConfig selects and configures a storage.Backend.
type BackendConfig struct {
	Type      string        `yaml:"type"` // posix, s3, aws, http, redis
	Endpoint  string        `yaml:"endpoint"`
	Bucket    string        `yaml:"bucket"`
	Prefix    string        `yaml:"prefix"`
	Region    string        `yaml:"region"`
	AccessKey string        `yaml:"access_key"`
	SecretKey string        `yaml:"secret_key"`
	Secure    bool          `yaml:"secure"`
	Timeout   time.Duration `yaml:"timeout"`
	Retries   int           `yaml:"retries"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	NoColor bool   `yaml:"no_color"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Chunking: ChunkingConfig{
			MinSize: 16 * 1024,
			AvgSize: 32 * 1024,
			MaxSize: 64 * 1024,
			Digest:  "sha256",
		},
		Sync: SyncConfig{
			Concurrency:      4,
			InventoryWorkers: 4,
		},
		Provider: ProviderConfig{
			Kind:          "local",
			ReadAhead:     16,
			MaxInFlight:   64,
			OpenFiles:     128,
			Retries:       3,
			RetryInterval: 200 * time.Millisecond,
		},
		Publish: PublishConfig{
			Layout:      "packs",
			PackSize:    16 << 20,
			Compression: "zstd",
			Uploaders:   4,
		},
		Backend: BackendConfig{
			Type:    "posix",
			Region:  "us-east-1",
			Timeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads a YAML file on top of the defaults and applies
// environment overrides. An empty path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	conf := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, conf); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
		}
	}
	conf.applyEnv()
	return conf, conf.Validate()
}

// Chunk sizes may be overridden from the environment,
// e.g. export BINSYNC_FASTCDC_AVG_SIZE=65536
func (c *Config) applyEnv() {
	var parseEnvInt = func(key string, defaultValue int) int {
		valStr := os.Getenv(key)
		if valStr == "" {
			return defaultValue
		}
		val, err := strconv.Atoi(valStr)
		if err != nil {
			logger.Warnf("Invalid value for %s: '%s'. Using %d. Error: %v", key, valStr, defaultValue, err)
			return defaultValue
		}
		logger.Infof("Using custom FastCDC config from env: %s=%d", key, val)
		return val
	}
	c.Chunking.MinSize = parseEnvInt("BINSYNC_FASTCDC_MIN_SIZE", c.Chunking.MinSize)
	c.Chunking.AvgSize = parseEnvInt("BINSYNC_FASTCDC_AVG_SIZE", c.Chunking.AvgSize)
	c.Chunking.MaxSize = parseEnvInt("BINSYNC_FASTCDC_MAX_SIZE", c.Chunking.MaxSize)
	if c.Backend.AccessKey == "" {
		c.Backend.AccessKey = os.Getenv("BINSYNC_ACCESS_KEY")
	}
	if c.Backend.SecretKey == "" {
		c.Backend.SecretKey = os.Getenv("BINSYNC_SECRET_KEY")
	}
}

// Validate checks values that are not checked by the components themselves.
func (c *Config) Validate() error {
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("%w: sync.concurrency must be >= 1", ErrInvalidConfig)
	}
	if c.Sync.InventoryWorkers < 1 {
		return fmt.Errorf("%w: sync.inventory_workers must be >= 1", ErrInvalidConfig)
	}
	if c.Provider.ReadAhead < 0 || c.Provider.MaxInFlight < 1 {
		return fmt.Errorf("%w: provider.read_ahead must be >= 0 and provider.max_in_flight >= 1", ErrInvalidConfig)
	}
	if c.Provider.Retries < 0 {
		return fmt.Errorf("%w: provider.retries must be >= 0", ErrInvalidConfig)
	}
	switch c.Provider.Kind {
	case "local", "remote":
	default:
		return fmt.Errorf("%w: provider.kind %q", ErrInvalidConfig, c.Provider.Kind)
	}
	switch c.Publish.Layout {
	case "packs", "loose":
	default:
		return fmt.Errorf("%w: publish.layout %q", ErrInvalidConfig, c.Publish.Layout)
	}
	return nil
}

// Save writes conf as YAML to path atomically.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0o644)
}
