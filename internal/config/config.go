// Package config loads the engine's configuration table from YAML,
// validating and filling in defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// WALSyncMode selects how aggressively the WAL is flushed to stable
// storage before a commit is acknowledged.
type WALSyncMode string

const (
	SyncAlways  WALSyncMode = "always"  // fsync every commit
	SyncBatched WALSyncMode = "batched" // group-commit, fsync on a timer
	SyncNone    WALSyncMode = "none"    // rely on OS page cache only (testing)
)

// OptimizerLevel selects how much of the optimizer pipeline runs: rule
// rewrites only, plus cost-based access paths, plus join enumeration, or
// everything including in-development transformations.
type OptimizerLevel string

const (
	OptimizerBasic        OptimizerLevel = "basic"
	OptimizerStandard     OptimizerLevel = "standard"
	OptimizerAggressive   OptimizerLevel = "aggressive"
	OptimizerExperimental OptimizerLevel = "experimental"
)

// Isolation is the default transaction isolation level new transactions
// start under, unless overridden per-transaction.
type Isolation string

const (
	ReadCommitted  Isolation = "read_committed"
	RepeatableRead Isolation = "repeatable_read"
)

// Config holds the engine's tunables. Zero-value fields are filled
// from Defaults() by Load.
type Config struct {
	PageSizeBytes    int            `yaml:"page_size_bytes"`
	BufferPoolPages  int            `yaml:"buffer_pool_pages"`
	WALSyncMode      WALSyncMode    `yaml:"wal_sync_mode"`
	TreeOrder        int            `yaml:"tree_order"`
	SortMemoryBytes  int64          `yaml:"sort_memory_bytes"`
	HashMemoryBytes  int64          `yaml:"hash_memory_bytes"`
	OptimizerLevel   OptimizerLevel `yaml:"optimizer_level"`
	PlanCacheEntries int            `yaml:"plan_cache_entries"`
	StatsStaleRatio  float64        `yaml:"stats_stale_ratio"`
	Isolation        Isolation      `yaml:"isolation"`
	QueryTimeoutMS   int64          `yaml:"query_timeout_ms"`
	DataDir          string         `yaml:"data_dir"`
}

// QueryTimeout returns QueryTimeoutMS as a time.Duration, or 0 (no
// timeout) when unset.
func (c Config) QueryTimeout() time.Duration {
	if c.QueryTimeoutMS <= 0 {
		return 0
	}
	return time.Duration(c.QueryTimeoutMS) * time.Millisecond
}

// Defaults returns the stock configuration.
func Defaults() Config {
	return Config{
		PageSizeBytes:    8192,
		BufferPoolPages:  4096,
		WALSyncMode:      SyncBatched,
		TreeOrder:        128,
		SortMemoryBytes:  64 * 1024 * 1024,
		HashMemoryBytes:  64 * 1024 * 1024,
		OptimizerLevel:   OptimizerStandard,
		PlanCacheEntries: 1000,
		StatsStaleRatio:  0.2,
		Isolation:        ReadCommitted,
		QueryTimeoutMS:   30000,
		DataDir:          "./data",
	}
}

// Load reads a YAML config file at path, merging it over Defaults(), and
// validates the result. A missing file is not an error: Defaults() alone
// is returned.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration is internally consistent, as
// engine.Open requires before it will start.
func (c Config) Validate() error {
	if c.PageSizeBytes < 512 || c.PageSizeBytes&(c.PageSizeBytes-1) != 0 {
		return fmt.Errorf("config: page_size_bytes must be a power of two >= 512, got %d", c.PageSizeBytes)
	}
	if c.BufferPoolPages <= 0 {
		return fmt.Errorf("config: buffer_pool_pages must be positive, got %d", c.BufferPoolPages)
	}
	switch c.WALSyncMode {
	case SyncAlways, SyncBatched, SyncNone:
	default:
		return fmt.Errorf("config: unknown wal_sync_mode %q", c.WALSyncMode)
	}
	if c.TreeOrder < 3 {
		return fmt.Errorf("config: tree_order must be >= 3, got %d", c.TreeOrder)
	}
	if c.SortMemoryBytes <= 0 || c.HashMemoryBytes <= 0 {
		return fmt.Errorf("config: sort_memory_bytes and hash_memory_bytes must be positive")
	}
	switch c.OptimizerLevel {
	case OptimizerBasic, OptimizerStandard, OptimizerAggressive, OptimizerExperimental:
	default:
		return fmt.Errorf("config: unknown optimizer_level %q", c.OptimizerLevel)
	}
	if c.PlanCacheEntries < 0 {
		return fmt.Errorf("config: plan_cache_entries must be >= 0, got %d", c.PlanCacheEntries)
	}
	if c.StatsStaleRatio < 0 || c.StatsStaleRatio > 1 {
		return fmt.Errorf("config: stats_stale_ratio must be in [0, 1], got %f", c.StatsStaleRatio)
	}
	switch c.Isolation {
	case ReadCommitted, RepeatableRead:
	default:
		return fmt.Errorf("config: unknown isolation %q", c.Isolation)
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	return nil
}
