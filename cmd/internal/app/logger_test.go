package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewHandler_Formats(t *testing.T) {
	var buf bytes.Buffer
	slog.New(newHandler(&buf, "info", "json")).Info("sweep.done", "expired", 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "sweep.done", rec["msg"])
	require.EqualValues(t, 2, rec["expired"])

	buf.Reset()
	slog.New(newHandler(&buf, "warn", "text")).Info("dropped")
	require.Empty(t, buf.String())

	buf.Reset()
	t.Setenv("VIGIL_LOG_COLOR", "false")
	slog.New(newHandler(&buf, "debug", "pretty")).Debug("monitor.start", "user_id", "u1")
	require.True(t, strings.Contains(buf.String(), "msg=monitor.start"), buf.String())
	require.True(t, strings.Contains(buf.String(), "user_id=u1"), buf.String())
}
