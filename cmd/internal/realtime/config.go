package realtime

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrConfig is returned for invalid gateway configuration.
var ErrConfig = errors.New("invalid websocket config")

const (
	defaultRateEvents = 60
	defaultRateWindow = 10 * time.Second
)

// Config holds gateway limits and origin policy.
type Config struct {
	// OriginRequired rejects handshakes without an Origin header.
	OriginRequired bool
	// AllowedOrigins are full origins or bare hosts; "*" allows any.
	AllowedOrigins []string
	// DevInsecure disables the library's own origin check. Dev only.
	DevInsecure bool

	WriteTimeout  time.Duration
	HelloTimeout  time.Duration
	SendQueueSize int

	PingInterval time.Duration
	PingTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultConfig requires an Origin and allows only localhost.
func DefaultConfig() Config {
	return Config{
		OriginRequired: true,
		AllowedOrigins: []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:   5 * time.Second,
		HelloTimeout:   10 * time.Second,
		SendQueueSize:  32,
		PingInterval:   25 * time.Second,
		PingTimeout:    5 * time.Second,
		RateEvents:     defaultRateEvents,
		RateWindow:     defaultRateWindow,
	}
}

// LoadConfigFromEnv reads VIGIL_WS_* variables over DefaultConfig.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	var err error

	if cfg.OriginRequired, err = envBool("VIGIL_WS_ORIGIN_REQUIRED", cfg.OriginRequired); err != nil {
		return Config{}, err
	}
	if cfg.DevInsecure, err = envBool("VIGIL_WS_DEV_INSECURE", cfg.DevInsecure); err != nil {
		return Config{}, err
	}
	if v := strings.TrimSpace(os.Getenv("VIGIL_WS_ALLOWED_ORIGINS")); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"VIGIL_WS_WRITE_TIMEOUT", &cfg.WriteTimeout},
		{"VIGIL_WS_HELLO_TIMEOUT", &cfg.HelloTimeout},
		{"VIGIL_WS_PING_INTERVAL", &cfg.PingInterval},
		{"VIGIL_WS_PING_TIMEOUT", &cfg.PingTimeout},
		{"VIGIL_WS_RATE_WINDOW", &cfg.RateWindow},
	}
	for _, d := range durations {
		if *d.dst, err = envDuration(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	if cfg.SendQueueSize, err = envInt("VIGIL_WS_SEND_QUEUE", cfg.SendQueueSize); err != nil {
		return Config{}, err
	}
	if cfg.RateEvents, err = envInt("VIGIL_WS_RATE_EVENTS", cfg.RateEvents); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = def.HelloTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = def.PingTimeout
	}
	return c
}

func envBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q", ErrConfig, key, v)
	}
	return b, nil
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s=%q", ErrConfig, key, v)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: %s=%q", ErrConfig, key, v)
	}
	return d, nil
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
