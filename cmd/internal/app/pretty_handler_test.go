package app

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandler_Plain(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, false))

	log.With("user_id", "u1").WithGroup("sweep").Info("sweep.expired", "reason", "inactivity_timeout", "note", "two words")
	log.Debug("hidden")

	out := buf.String()
	for _, want := range []string{"[INFO]", "msg=sweep.expired", "user_id=u1", "sweep.reason=inactivity_timeout", `sweep.note="two words"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
	if strings.Contains(out, "hidden") || strings.Contains(out, "\x1b[") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestPrettyHandler_Color(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))
	log.Error("store.fail", "err", errors.New("down"), "status", 503)

	out := buf.String()
	if !strings.Contains(out, ansiRed+"[ERROR]"+ansiReset) {
		t.Fatalf("level not colored: %q", out)
	}
	if !strings.Contains(out, "status="+ansiRed+"503"+ansiReset) {
		t.Fatalf("status not colored: %q", out)
	}
}

func TestQuoteIfNeeded(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":         `""`,
		"plain":    "plain",
		"a b":      `"a b"`,
		"k=v":      `"k=v"`,
		`say "hi"`: `"say \"hi\""`,
	}
	for in, want := range cases {
		if got := quoteIfNeeded(in); got != want {
			t.Fatalf("quoteIfNeeded(%q)=%q want %q", in, got, want)
		}
	}
}
