package config

import (
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const appName = "shardget"

// Config holds the user's defaults; command-line flags override individual fields.
type Config struct {
	Shards       int           `yaml:"shards,omitempty"`
	ChunkSize    int           `yaml:"chunkSize,omitempty"`
	MaxRetries   int           `yaml:"maxRetries,omitempty"`
	RetryDelay   time.Duration `yaml:"retryDelay,omitempty"`
	MaxRedirects int           `yaml:"maxRedirects,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	StallTimeout time.Duration `yaml:"stallTimeout,omitempty"`
	Workers      int           `yaml:"workers,omitempty"`
	LowMemory    bool          `yaml:"lowMemory,omitempty"`
	UserAgent    string        `yaml:"userAgent,omitempty"`
	Proxy        string        `yaml:"proxy,omitempty"`
	RateLimit    string        `yaml:"limit,omitempty"`
	HistoryPath  string        `yaml:"history,omitempty"`
}

// Path is the location of the configuration file.
func Path() string {
	return filepath.Join(xdg.ConfigHome, appName, "config.yaml")
}

// GetConfig reads the configuration file, falling back to defaults for a missing or
// empty file and for every unset field.
func GetConfig() (*Config, error) {
	defaults := DefaultConfig()
	b, err := os.ReadFile(Path())
	if err != nil {
		if os.IsNotExist(err) {
			return &defaults, nil
		}
		return nil, err
	}
	if len(b) == 0 {
		return &defaults, nil
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &Config{
		Shards:       zeroOr(cfg.Shards, defaults.Shards),
		ChunkSize:    zeroOr(cfg.ChunkSize, defaults.ChunkSize),
		MaxRetries:   zeroOr(cfg.MaxRetries, defaults.MaxRetries),
		RetryDelay:   zeroOr(cfg.RetryDelay, defaults.RetryDelay),
		MaxRedirects: zeroOr(cfg.MaxRedirects, defaults.MaxRedirects),
		Timeout:      zeroOr(cfg.Timeout, defaults.Timeout),
		StallTimeout: zeroOr(cfg.StallTimeout, defaults.StallTimeout),
		Workers:      zeroOr(cfg.Workers, defaults.Workers),
		LowMemory:    zeroOr(cfg.LowMemory, defaults.LowMemory),
		UserAgent:    zeroOr(cfg.UserAgent, defaults.UserAgent),
		Proxy:        zeroOr(cfg.Proxy, defaults.Proxy),
		RateLimit:    zeroOr(cfg.RateLimit, defaults.RateLimit),
		HistoryPath:  zeroOr(cfg.HistoryPath, defaults.HistoryPath),
	}, nil
}

func DefaultConfig() Config {
	return Config{
		Shards:       shards,
		ChunkSize:    chunkSize,
		MaxRetries:   maxRetries,
		RetryDelay:   retryDelay,
		MaxRedirects: maxRedirects,
		Timeout:      timeout,
		StallTimeout: stallTimeout,
		Workers:      workers,
		LowMemory:    lowMemory,
		UserAgent:    userAgent,
		HistoryPath:  historyPath(),
	}
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}
	return v
}
