package session

import (
	"errors"
	"testing"
	"time"
)

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	t.Setenv("VIGIL_STORE_TIMEOUT", "")
	t.Setenv("VIGIL_MAX_USER_ID_BYTES", "")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.StoreTimeout != 3*time.Second {
		t.Fatalf("StoreTimeout = %s", cfg.StoreTimeout)
	}
	if cfg.MaxUserIDBytes != 128 {
		t.Fatalf("MaxUserIDBytes = %d", cfg.MaxUserIDBytes)
	}
}

func TestLoadConfigFromEnv_Invalid(t *testing.T) {
	cases := []struct {
		name, key, val string
	}{
		{"negative timeout", "VIGIL_STORE_TIMEOUT", "-1s"},
		{"garbage timeout", "VIGIL_STORE_TIMEOUT", "soon"},
		{"zero user id bytes", "VIGIL_MAX_USER_ID_BYTES", "0"},
		{"huge user id bytes", "VIGIL_MAX_USER_ID_BYTES", "4096"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("VIGIL_STORE_TIMEOUT", "")
			t.Setenv("VIGIL_MAX_USER_ID_BYTES", "")
			t.Setenv(tc.key, tc.val)

			_, err := LoadConfigFromEnv()
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestLoadConfigFromEnv_Valid(t *testing.T) {
	t.Setenv("VIGIL_STORE_TIMEOUT", "750ms")
	t.Setenv("VIGIL_MAX_USER_ID_BYTES", "64")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.StoreTimeout != 750*time.Millisecond || cfg.MaxUserIDBytes != 64 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}
