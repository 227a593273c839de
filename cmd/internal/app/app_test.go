package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://vigil.example.com", want: "wss://vigil.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestApp_InMemoryRoutes(t *testing.T) {
	t.Setenv("VIGIL_POLICY_FILE", "")
	log := slog.New(slog.DiscardHandler)

	a, err := New(context.Background(), Config{HTTPAddr: "127.0.0.1:0"}, log)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	ts := httptest.NewServer(a.Handler())
	t.Cleanup(ts.Close)

	for _, path := range []string{"/healthz", "/readyz"} {
		res, err := ts.Client().Get(ts.URL + path)
		require.NoError(t, err)
		_ = res.Body.Close()
		require.Equal(t, http.StatusOK, res.StatusCode, path)
		require.NotEmpty(t, res.Header.Get("X-Request-ID"))
		require.Equal(t, "nosniff", res.Header.Get("X-Content-Type-Options"))
	}

	res, err := ts.Client().Post(ts.URL+"/api/sessions/create", "application/json", strings.NewReader(`{"userId":"u1","role":"admin"}`))
	require.NoError(t, err)
	_ = res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, err = ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	_ = res.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), "vigil_session_created_total")
}

func TestApp_ReadinessRequiresDB(t *testing.T) {
	a, err := New(context.Background(), Config{ReadinessRequireDB: true}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
