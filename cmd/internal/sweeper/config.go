package sweeper

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrConfig is returned for invalid sweeper configuration.
var ErrConfig = errors.New("invalid sweeper config")

// Config controls sweep cadence and batch sizes.
type Config struct {
	// Interval between sweep passes in Run.
	Interval time.Duration
	// BatchSize caps the candidates scanned per store query.
	BatchSize int
	// MaxBatches caps how many full batches one pass drains.
	MaxBatches int
	// StoreTimeout bounds each store call.
	StoreTimeout time.Duration
}

// DefaultConfig returns a one-minute cadence with 500-row batches.
func DefaultConfig() Config {
	return Config{
		Interval:     time.Minute,
		BatchSize:    500,
		MaxBatches:   20,
		StoreTimeout: 3 * time.Second,
	}
}

// LoadConfigFromEnv reads VIGIL_SWEEP_INTERVAL, VIGIL_SWEEP_BATCH and
// VIGIL_STORE_TIMEOUT. Present but invalid values return ErrConfig.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("VIGIL_SWEEP_INTERVAL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < time.Second {
			return Config{}, ErrConfig
		}
		cfg.Interval = d
	}

	if v := strings.TrimSpace(os.Getenv("VIGIL_SWEEP_BATCH")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 10000 {
			return Config{}, ErrConfig
		}
		cfg.BatchSize = n
	}

	if v := strings.TrimSpace(os.Getenv("VIGIL_STORE_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.StoreTimeout = d
	}

	return cfg, nil
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxBatches <= 0 {
		c.MaxBatches = def.MaxBatches
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = def.StoreTimeout
	}
	return c
}
