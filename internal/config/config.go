// Package config loads the YAML settings of a peerdoc node.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/peerdoc/internal/logging"
)

// Config is the node configuration file.
type Config struct {
	Node struct {
		DataDir string `yaml:"data_dir"`
		KeyPath string `yaml:"key_path"`
		Schema  string `yaml:"schema"` // optional CUE #Document definition for local documents writes
	} `yaml:"node"`

	Storage struct {
		Backend     string `yaml:"backend"`
		BlocksDir   string `yaml:"blocks_dir"`
		CatalogPath string `yaml:"catalog_path"`
	} `yaml:"storage"`

	Transport struct {
		Listen          string   `yaml:"listen"`
		Bootstrap       []string `yaml:"bootstrap"`
		MaxMessageBytes int64    `yaml:"max_message_bytes"`
		RateMsgsPerSec  float64  `yaml:"rate_msgs_per_sec"`
		RateBurst       int      `yaml:"rate_burst"`
	} `yaml:"transport"`

	Sync struct {
		AnnounceIntervalSeconds int    `yaml:"announce_interval_seconds"`
		FetchTimeoutSeconds     int    `yaml:"fetch_timeout_seconds"`
		MaxFetchRetries         uint64 `yaml:"max_fetch_retries"`
		InitialBackoffMS        int    `yaml:"initial_backoff_ms"`
		MaxBackoffMS            int    `yaml:"max_backoff_ms"`
	} `yaml:"sync"`

	Logging struct {
		Level   string `yaml:"level"`
		Format  string `yaml:"format"`
		Service string `yaml:"service"`
	} `yaml:"logging"`

	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`
}

// Override adjusts a loaded config before defaults apply, so derived paths
// follow an overridden data directory.
type Override func(*Config)

// WithDataDir overrides node.data_dir.
func WithDataDir(dir string) Override {
	return func(c *Config) {
		if dir != "" {
			c.Node.DataDir = dir
		}
	}
}

// WithLogLevel overrides logging.level.
func WithLogLevel(level string) Override {
	return func(c *Config) {
		if level != "" {
			c.Logging.Level = level
		}
	}
}

// Load reads the file at path, or starts from an empty config when path is
// empty, then applies overrides, environment expansion and defaults, and
// validates the result.
func Load(path string, overrides ...Override) (*Config, error) {
	var cfg Config
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	}
	for _, o := range overrides {
		o(&cfg)
	}
	cfg.expandEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a usable config without reading a file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".peerdoc")
	}
	return ".peerdoc"
}

func (c *Config) applyDefaults() {
	if c.Node.DataDir == "" {
		c.Node.DataDir = defaultDataDir()
	}
	if c.Node.KeyPath == "" {
		c.Node.KeyPath = filepath.Join(c.Node.DataDir, "identity.key")
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "leveldb"
	}
	if c.Storage.BlocksDir == "" {
		c.Storage.BlocksDir = filepath.Join(c.Node.DataDir, "blocks")
	}
	if c.Storage.CatalogPath == "" {
		c.Storage.CatalogPath = filepath.Join(c.Node.DataDir, "catalog.db")
	}
	if c.Transport.MaxMessageBytes <= 0 {
		c.Transport.MaxMessageBytes = 4 << 20
	}
	if c.Transport.RateMsgsPerSec == 0 {
		c.Transport.RateMsgsPerSec = 200
	}
	if c.Transport.RateBurst <= 0 {
		c.Transport.RateBurst = 400
	}
	if c.Sync.AnnounceIntervalSeconds <= 0 {
		c.Sync.AnnounceIntervalSeconds = 10
	}
	if c.Sync.FetchTimeoutSeconds <= 0 {
		c.Sync.FetchTimeoutSeconds = 5
	}
	if c.Sync.MaxFetchRetries == 0 {
		c.Sync.MaxFetchRetries = 5
	}
	if c.Sync.InitialBackoffMS <= 0 {
		c.Sync.InitialBackoffMS = 100
	}
	if c.Sync.MaxBackoffMS <= 0 {
		c.Sync.MaxBackoffMS = 5000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = logging.FormatText
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "peerdoc"
	}
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "leveldb", "bolt", "memory":
	default:
		return fmt.Errorf("storage.backend must be one of leveldb|bolt|memory, got %q", c.Storage.Backend)
	}
	if c.Transport.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Transport.Listen); err != nil {
			return fmt.Errorf("transport.listen is invalid: %w", err)
		}
	}
	for i, url := range c.Transport.Bootstrap {
		if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			return fmt.Errorf("transport.bootstrap[%d] must be a ws:// or wss:// url, got %q", i, url)
		}
	}
	if c.Transport.RateMsgsPerSec < 0 {
		return errors.New("transport.rate_msgs_per_sec must not be negative")
	}
	if c.Sync.MaxBackoffMS < c.Sync.InitialBackoffMS {
		return errors.New("sync.max_backoff_ms must be at least sync.initial_backoff_ms")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case logging.FormatJSON, logging.FormatText:
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen is invalid: %w", err)
		}
	}
	return nil
}

func (c *Config) expandEnv() {
	c.Node.DataDir = os.ExpandEnv(strings.TrimSpace(c.Node.DataDir))
	c.Node.KeyPath = os.ExpandEnv(strings.TrimSpace(c.Node.KeyPath))
	c.Node.Schema = os.ExpandEnv(strings.TrimSpace(c.Node.Schema))
	c.Storage.BlocksDir = os.ExpandEnv(strings.TrimSpace(c.Storage.BlocksDir))
	c.Storage.CatalogPath = os.ExpandEnv(strings.TrimSpace(c.Storage.CatalogPath))
	c.Transport.Listen = os.ExpandEnv(strings.TrimSpace(c.Transport.Listen))
	c.Metrics.Listen = os.ExpandEnv(strings.TrimSpace(c.Metrics.Listen))
	for i, url := range c.Transport.Bootstrap {
		c.Transport.Bootstrap[i] = os.ExpandEnv(strings.TrimSpace(url))
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
}

func (c *Config) AnnounceInterval() time.Duration {
	return time.Duration(c.Sync.AnnounceIntervalSeconds) * time.Second
}

func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Sync.FetchTimeoutSeconds) * time.Second
}

func (c *Config) InitialBackoff() time.Duration {
	return time.Duration(c.Sync.InitialBackoffMS) * time.Millisecond
}

func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.Sync.MaxBackoffMS) * time.Millisecond
}
