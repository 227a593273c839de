package session

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config defines runtime configuration for the Registrar.
type Config struct {
	// StoreTimeout bounds every store call. A call that exceeds it fails with a
	// StoreError wrapping context.DeadlineExceeded.
	StoreTimeout time.Duration

	// MaxUserIDBytes caps the length of a userId.
	MaxUserIDBytes int

	// RepairBatch caps how many duplicate active rows Info repairs per call.
	RepairBatch int
}

// DefaultConfig returns the defaults used when no env overrides are set.
func DefaultConfig() Config {
	return Config{
		StoreTimeout:   3 * time.Second,
		MaxUserIDBytes: 128,
		RepairBatch:    16,
	}
}

// LoadConfigFromEnv loads Registrar configuration from environment variables.
//
// Optional:
//   - VIGIL_STORE_TIMEOUT (Go duration, > 0)
//   - VIGIL_MAX_USER_ID_BYTES (1..1024)
//
// Returns ErrConfig if a value is present but invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("VIGIL_STORE_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.StoreTimeout = d
	}

	if v := strings.TrimSpace(os.Getenv("VIGIL_MAX_USER_ID_BYTES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1024 {
			return Config{}, ErrConfig
		}
		cfg.MaxUserIDBytes = n
	}

	return cfg, nil
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = def.StoreTimeout
	}
	if c.MaxUserIDBytes <= 0 {
		c.MaxUserIDBytes = def.MaxUserIDBytes
	}
	if c.RepairBatch <= 0 {
		c.RepairBatch = def.RepairBatch
	}
	return c
}
