package monitor

import (
	"errors"
	"os"
	"strings"
	"time"
)

// ErrConfig is returned for invalid monitor configuration.
var ErrConfig = errors.New("invalid monitor config")

// Config controls heartbeat throttling and store synchronization.
type Config struct {
	// HeartbeatInterval is the minimum spacing of throttled heartbeats.
	HeartbeatInterval time.Duration
	// SyncInterval is the period of Info re-queries. Zero or negative disables them.
	SyncInterval time.Duration
	// CallTimeout bounds each registrar call.
	CallTimeout time.Duration
}

// DefaultConfig returns a one-minute heartbeat throttle and sync period.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: time.Minute,
		SyncInterval:      time.Minute,
		CallTimeout:       5 * time.Second,
	}
}

// LoadConfigFromEnv reads VIGIL_HEARTBEAT_INTERVAL, VIGIL_SYNC_INTERVAL and
// VIGIL_MONITOR_CALL_TIMEOUT. VIGIL_SYNC_INTERVAL=0 disables periodic sync.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("VIGIL_HEARTBEAT_INTERVAL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.HeartbeatInterval = d
	}

	if v := strings.TrimSpace(os.Getenv("VIGIL_SYNC_INTERVAL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.SyncInterval = d
	}

	if v := strings.TrimSpace(os.Getenv("VIGIL_MONITOR_CALL_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.CallTimeout = d
	}

	return cfg, nil
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	return c
}
