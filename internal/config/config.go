// Package config holds the engine's tunable parameters.
package config

import (
	"time"

	"github.com/spf13/viper"

	"reldb/pkg/dberr"
)

// Defaults. Page and node geometry (8 KiB heap pages, 4 KiB index nodes) are
// build-time constants of the on-disk formats; everything here is a runtime
// knob.
const (
	DefaultDataDir               = "./data"
	DefaultBufferPoolSize        = 128
	DefaultBTreeOrder            = 4
	DefaultIndexTextPrefix       = 10
	DefaultLockTimeout           = 30 * time.Second
	DefaultAutoAnalyzeThreshold  = 1000
	DefaultAutoVacuumDeadPercent = 20.0
)

// Config is the engine configuration.
type Config struct {
	DataDir string `mapstructure:"data_dir"`

	BufferPoolSize  int `mapstructure:"buffer_pool_size"`
	BTreeOrder      int `mapstructure:"btree_order"`
	IndexTextPrefix int `mapstructure:"index_text_prefix"`

	LockTimeout time.Duration `mapstructure:"lock_timeout"`

	AutoAnalyzeThreshold  int     `mapstructure:"auto_analyze_threshold"`
	AutoVacuumDeadPercent float64 `mapstructure:"auto_vacuum_dead_percent"`

	LogFile  string `mapstructure:"log_file"`
	LogLevel string `mapstructure:"log_level"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DataDir:               DefaultDataDir,
		BufferPoolSize:        DefaultBufferPoolSize,
		BTreeOrder:            DefaultBTreeOrder,
		IndexTextPrefix:       DefaultIndexTextPrefix,
		LockTimeout:           DefaultLockTimeout,
		AutoAnalyzeThreshold:  DefaultAutoAnalyzeThreshold,
		AutoVacuumDeadPercent: DefaultAutoVacuumDeadPercent,
		LogLevel:              "info",
	}
}

// Load reads configuration from an optional file plus RELDB_* environment
// overrides. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("buffer_pool_size", DefaultBufferPoolSize)
	v.SetDefault("btree_order", DefaultBTreeOrder)
	v.SetDefault("index_text_prefix", DefaultIndexTextPrefix)
	v.SetDefault("lock_timeout", DefaultLockTimeout)
	v.SetDefault("auto_analyze_threshold", DefaultAutoAnalyzeThreshold)
	v.SetDefault("auto_vacuum_dead_percent", DefaultAutoVacuumDeadPercent)
	v.SetDefault("log_file", "")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("RELDB")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, dberr.Wrap(dberr.KindIO, err, "reading config file %s", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, dberr.Wrap(dberr.KindFormat, err, "parsing configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects out-of-range values.
func (c *Config) Validate() error {
	if c.BufferPoolSize < 1 {
		return dberr.New(dberr.KindSchema, "buffer_pool_size must be at least 1, got %d", c.BufferPoolSize)
	}
	if c.BTreeOrder < 3 {
		return dberr.New(dberr.KindSchema, "btree_order must be at least 3, got %d", c.BTreeOrder)
	}
	if c.IndexTextPrefix < 1 {
		return dberr.New(dberr.KindSchema, "index_text_prefix must be at least 1, got %d", c.IndexTextPrefix)
	}
	if c.LockTimeout <= 0 {
		return dberr.New(dberr.KindSchema, "lock_timeout must be positive, got %s", c.LockTimeout)
	}
	if c.AutoVacuumDeadPercent < 0 || c.AutoVacuumDeadPercent > 100 {
		return dberr.New(dberr.KindSchema, "auto_vacuum_dead_percent must be in [0,100], got %g", c.AutoVacuumDeadPercent)
	}
	return nil
}
