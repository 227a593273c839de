package authapi

import (
	"testing"
	"time"
)

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	for _, k := range []string{"VIGIL_TRUST_PROXY", "VIGIL_MAX_BODY_BYTES", "VIGIL_HEARTBEAT_INTERVAL", "VIGIL_CREATE_RATE_PER_MINUTE", "VIGIL_CREATE_RATE_BURST"} {
		t.Setenv(k, "")
	}

	cfg := LoadConfigFromEnv()
	if cfg.TrustProxy {
		t.Fatalf("TrustProxy should default to false")
	}
	if cfg.MaxBodyBytes != 64<<10 {
		t.Fatalf("MaxBodyBytes = %d", cfg.MaxBodyBytes)
	}
	if cfg.HeartbeatInterval != time.Minute {
		t.Fatalf("HeartbeatInterval = %s", cfg.HeartbeatInterval)
	}
	if cfg.CreatePerMinute != 30 || cfg.CreateBurst != 10 {
		t.Fatalf("unexpected create throttle: %d/%d", cfg.CreatePerMinute, cfg.CreateBurst)
	}
}

func TestLoadConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("VIGIL_TRUST_PROXY", "true")
	t.Setenv("VIGIL_MAX_BODY_BYTES", "-1")
	t.Setenv("VIGIL_HEARTBEAT_INTERVAL", "30s")
	t.Setenv("VIGIL_CREATE_RATE_PER_MINUTE", "0")
	t.Setenv("VIGIL_CREATE_RATE_BURST", "nope")

	cfg := LoadConfigFromEnv()
	if !cfg.TrustProxy {
		t.Fatalf("expected TrustProxy")
	}
	if cfg.MaxBodyBytes != 64<<10 {
		t.Fatalf("invalid body limit should fall back, got %d", cfg.MaxBodyBytes)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Fatalf("HeartbeatInterval = %s", cfg.HeartbeatInterval)
	}
	if cfg.CreatePerMinute != 0 {
		t.Fatalf("0 should disable the create throttle, got %d", cfg.CreatePerMinute)
	}
	if cfg.CreateBurst != 10 {
		t.Fatalf("CreateBurst = %d", cfg.CreateBurst)
	}
}
