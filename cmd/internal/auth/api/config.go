package authapi

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls session API behavior and request limits.
type Config struct {
	// TrustProxy makes clientIP honor X-Forwarded-For / X-Real-IP.
	TrustProxy bool
	// MaxBodyBytes caps JSON request bodies.
	MaxBodyBytes int64
	// HeartbeatInterval is advertised to browsing contexts by the policy endpoint.
	HeartbeatInterval time.Duration

	// CreatePerMinute and CreateBurst throttle session creation per client IP.
	// CreatePerMinute <= 0 disables the throttle.
	CreatePerMinute int
	CreateBurst     int

	// AdminToken enables POST /api/admin/sessions/end for bearers of this token.
	// Empty leaves the operator route unregistered.
	AdminToken string
}

// LoadConfigFromEnv loads API config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		TrustProxy:        envBool("VIGIL_TRUST_PROXY", false),
		MaxBodyBytes:      envInt64("VIGIL_MAX_BODY_BYTES", 64<<10),
		HeartbeatInterval: envDuration("VIGIL_HEARTBEAT_INTERVAL", time.Minute),
		CreatePerMinute:   envNonNegInt("VIGIL_CREATE_RATE_PER_MINUTE", 30),
		CreateBurst:       envInt("VIGIL_CREATE_RATE_BURST", 10),
		AdminToken:        strings.TrimSpace(os.Getenv("VIGIL_ADMIN_TOKEN")),
	}

	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.CreateBurst <= 0 {
		cfg.CreateBurst = 1
	}

	return cfg
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// envNonNegInt is envInt that also accepts 0 (used as "disabled").
func envNonNegInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
