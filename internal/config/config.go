// Package config loads the memesync configuration file. The engine
// itself never reads files or environment; it only ever receives this
// struct.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all memesync settings. The S3 field names follow the
// original memetool config file so existing configs keep working.
type Config struct {
	// S3 bucket
	S3AccessKeyID     string `json:"s3_access_key_id"`
	S3SecretAccessKey string `json:"s3_secret_access_key"`
	S3Bucket          string `json:"s3_bucket"`
	S3Region          string `json:"s3_region"`
	// Custom endpoint, for example if you're using minio or another
	// alternate S3 provider.
	S3Endpoint string `json:"s3_endpoint,omitempty"`

	// Local store
	CacheDir string `json:"cache_dir,omitempty"`

	// Engine tuning
	MemoryBudgetBytes int64 `json:"memory_budget_bytes,omitempty"`
	MaxPipelines      int   `json:"max_pipelines,omitempty"`
	MaxTransfers      int   `json:"max_transfers,omitempty"`
	RetryCeiling      int   `json:"retry_ceiling,omitempty"`
	BackoffBaseMs     int   `json:"backoff_base_ms,omitempty"`
	OpTimeoutMs       int   `json:"op_timeout_ms,omitempty"`
	DecodeWorkers     int   `json:"decode_workers,omitempty"`

	// Thumbnail box; decoded images larger than this are downscaled.
	// Zero disables downscaling.
	ThumbMaxWidth  int `json:"thumb_max_width,omitempty"`
	ThumbMaxHeight int `json:"thumb_max_height,omitempty"`

	// Sync loop
	SyncIntervalSec int `json:"sync_interval_sec,omitempty"`

	// Observability
	LogLevel    string `json:"log_level,omitempty"`
	LogFormat   string `json:"log_format,omitempty"`
	MetricsAddr string `json:"metrics_addr,omitempty"`
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "memesync.json"
	}
	return filepath.Join(home, ".config", "memesync.json")
}

// LoadFile reads and validates a config file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()

	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3_bucket is required")
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.S3Region == "" {
		c.S3Region = "us-east-1"
	}
	if c.CacheDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.CacheDir = filepath.Join(home, ".cache", "memesync")
		} else {
			c.CacheDir = "memesync-cache"
		}
	}
	if c.MemoryBudgetBytes <= 0 {
		c.MemoryBudgetBytes = 256 << 20 // 256MB of decoded bitmaps
	}
	if c.MaxPipelines <= 0 {
		c.MaxPipelines = 4
	}
	if c.MaxTransfers <= 0 {
		c.MaxTransfers = 4
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = 3
	}
	if c.BackoffBaseMs <= 0 {
		c.BackoffBaseMs = 100
	}
	if c.OpTimeoutMs <= 0 {
		c.OpTimeoutMs = 30000
	}
	if c.SyncIntervalSec <= 0 {
		c.SyncIntervalSec = 300
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
}

// Save writes the config file, pretty-printed.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// OpTimeout returns the per-attempt store timeout as a duration.
func (c *Config) OpTimeout() time.Duration {
	return time.Duration(c.OpTimeoutMs) * time.Millisecond
}

// BackoffBase returns the initial retry wait as a duration.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

// SyncInterval returns the background sync period as a duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSec) * time.Second
}
