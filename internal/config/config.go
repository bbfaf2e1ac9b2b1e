// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the settings needed to start a lansync process.
type Config struct {
	HTTPPort          int
	UDPPort           int
	DataDir           string
	DefaultStorage    string // local storage root probed alongside candidates
	BroadcastInterval time.Duration
	PruneInterval     time.Duration
	MinFreeBytes      uint64
	VCRBatchMaxItems  int
	VCRBatchMaxWait   time.Duration
	LogLevel          zapcore.Level
	User              string
}

// Defaults used when the corresponding variable is unset.
const (
	DefaultHTTPPort          = 45177
	DefaultUDPPort           = 45178
	DefaultBroadcastInterval = 10 * time.Second
	DefaultPruneInterval     = 1 * time.Second
	DefaultMinFreeBytes      = 200 << 20
	DefaultVCRBatchMaxItems  = 50
	DefaultVCRBatchMaxWait   = 200 * time.Millisecond
)

// Load reads LANSYNC_* environment variables.
func Load() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		HTTPPort:          DefaultHTTPPort,
		UDPPort:           DefaultUDPPort,
		BroadcastInterval: DefaultBroadcastInterval,
		PruneInterval:     DefaultPruneInterval,
		MinFreeBytes:      DefaultMinFreeBytes,
		VCRBatchMaxItems:  DefaultVCRBatchMaxItems,
		VCRBatchMaxWait:   DefaultVCRBatchMaxWait,
		LogLevel:          zap.InfoLevel,
	}

	var err error
	if cfg.HTTPPort, err = intVar(getenv, "LANSYNC_HTTP_PORT", cfg.HTTPPort); err != nil {
		return nil, err
	}
	if cfg.UDPPort, err = intVar(getenv, "LANSYNC_UDP_PORT", cfg.UDPPort); err != nil {
		return nil, err
	}
	if cfg.VCRBatchMaxItems, err = intVar(getenv, "LANSYNC_VCR_BATCH_MAX_ITEMS", cfg.VCRBatchMaxItems); err != nil {
		return nil, err
	}
	if cfg.BroadcastInterval, err = durationVar(getenv, "LANSYNC_BROADCAST_INTERVAL", cfg.BroadcastInterval); err != nil {
		return nil, err
	}
	if cfg.PruneInterval, err = durationVar(getenv, "LANSYNC_PRUNE_INTERVAL", cfg.PruneInterval); err != nil {
		return nil, err
	}
	if cfg.VCRBatchMaxWait, err = durationVar(getenv, "LANSYNC_VCR_BATCH_MAX_WAIT", cfg.VCRBatchMaxWait); err != nil {
		return nil, err
	}
	if v := getenv("LANSYNC_MIN_FREE_BYTES"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("LANSYNC_MIN_FREE_BYTES: %w", err)
		}
		cfg.MinFreeBytes = n
	}
	if v := getenv("LANSYNC_LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("LANSYNC_LOG_LEVEL: %w", err)
		}
	}

	cfg.DataDir = getenv("LANSYNC_DATA_DIR")
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".lansync")
	}
	cfg.DefaultStorage = getenv("LANSYNC_STORAGE_PATH")
	if cfg.DefaultStorage == "" {
		cfg.DefaultStorage = filepath.Join(cfg.DataDir, "storage")
	}

	cfg.User = getenv("LANSYNC_USER")
	if cfg.User == "" {
		cfg.User = getenv("USER")
	}

	if cfg.BroadcastInterval <= 0 || cfg.PruneInterval <= 0 {
		return nil, fmt.Errorf("broadcast and prune intervals must be positive")
	}
	if cfg.VCRBatchMaxItems < 1 {
		return nil, fmt.Errorf("LANSYNC_VCR_BATCH_MAX_ITEMS must be at least 1")
	}
	return cfg, nil
}

func intVar(getenv func(string) string, name string, def int) (int, error) {
	v := getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

func durationVar(getenv func(string) string, name string, def time.Duration) (time.Duration, error) {
	v := getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}

// NewLogger builds the process logger at the configured level.
func (c *Config) NewLogger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(c.LogLevel)
	return zc.Build()
}
