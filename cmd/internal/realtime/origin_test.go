package realtime

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckOrigin(t *testing.T) {
	allowed := []string{"http://localhost", "https://app.example.com:8443"}

	cases := []struct {
		name     string
		origin   string
		required bool
		allowed  []string
		ok       bool
	}{
		{"missing required", "", true, allowed, false},
		{"missing optional", "", false, allowed, true},
		{"exact", "http://localhost", true, allowed, true},
		{"host match other port", "http://localhost:5173", true, allowed, true},
		{"host match other scheme", "http://app.example.com", true, allowed, true},
		{"case insensitive host", "http://LOCALHOST", true, allowed, true},
		{"foreign", "https://evil.example", true, allowed, false},
		{"empty allowlist", "http://localhost", true, nil, false},
		{"wildcard", "https://anything.example", true, []string{"*"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			err := checkOrigin(r, tc.required, tc.allowed)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestOriginPatterns(t *testing.T) {
	got := originPatterns([]string{"http://localhost:3000", "http://127.0.0.1", "localhost", "https://App.Example.com"})
	require.Equal(t, []string{"127.0.0.1", "app.example.com", "localhost"}, got)

	require.Equal(t, []string{"*"}, originPatterns([]string{"http://localhost", "*"}))
}
