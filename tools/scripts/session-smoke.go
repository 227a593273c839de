// Package main provides a CI-friendly smoke test for a running vigil server.
//
// It validates:
//   - session create / info / policy over HTTP
//   - websocket handshake + subprotocol selection
//   - hello/ack binding to the active session
//   - activity frames and heartbeat
//   - logout over websocket -> session.expired + close 4001
//   - the session is gone afterwards (info 404, allowed=false)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"vigil/cmd/internal/auth/client"
	"vigil/cmd/internal/auth/session"
	"vigil/cmd/internal/policy"
	v1 "vigil/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const statusSessionEnded websocket.StatusCode = 4001

func main() {
	var (
		baseURL = flag.String("base", "http://127.0.0.1:8080", "HTTP base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header for the websocket handshake")
		userID  = flag.String("user", fmt.Sprintf("smoke-%d", time.Now().UnixNano()), "User id to log in")
		role    = flag.String("role", "admin", "Role tag")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	root := context.Background()

	api, err := client.New(*baseURL)
	if err != nil {
		fatalf("invalid -base: %v", err)
	}

	created := mustStep(root, *timeout, "create", func(ctx context.Context) (client.Created, error) {
		return api.Create(ctx, session.CreateInput{UserID: *userID, Role: policy.Role(*role), UserAgent: "vigil-smoke/1"})
	})

	info := mustStep(root, *timeout, "info", func(ctx context.Context) (session.ActiveSession, error) {
		return api.Info(ctx, *userID)
	})
	if info.ID != created.SessionID {
		fatalf("info: session mismatch: got=%s want=%s", info.ID, created.SessionID)
	}

	prof := mustStep(root, *timeout, "policy", func(ctx context.Context) (client.PolicyInfo, error) {
		return api.Policy(ctx, policy.Role(*role))
	})
	if *verbose {
		fmt.Printf("session=%s role=%s inactivity=%s warning=%s\n", created.SessionID, prof.Role, prof.Profile.InactivityTime, prof.Profile.WarningLead)
	}

	conn := mustConnect(root, wsURL(*baseURL), *origin, *timeout)
	defer func() { _ = conn.CloseNow() }()

	mustWrite(root, conn, v1.TypeHello, v1.HelloPayload{UserID: *userID}, *timeout)
	var ack v1.HelloAckPayload
	mustRead(root, conn, v1.TypeHelloAck, &ack, *timeout)
	if ack.SessionID != created.SessionID {
		fatalf("hello.ack: session mismatch: got=%s want=%s", ack.SessionID, created.SessionID)
	}
	if ack.InactivitySeconds != int64(prof.Profile.InactivityTime/time.Second) {
		fatalf("hello.ack: inactivity mismatch: got=%d policy=%s", ack.InactivitySeconds, prof.Profile.InactivityTime)
	}

	mustWrite(root, conn, v1.TypeActivity, v1.ActivityPayload{Kind: "key"}, *timeout)

	active := mustStep(root, *timeout, "heartbeat", func(ctx context.Context) (bool, error) {
		return api.Heartbeat(ctx, *userID)
	})
	if !active {
		fatalf("heartbeat: session reported inactive")
	}

	mustWrite(root, conn, v1.TypeLogout, v1.LogoutPayload{}, *timeout)
	var exp v1.SessionExpiredPayload
	mustRead(root, conn, v1.TypeSessionExpired, &exp, *timeout)
	if exp.Reason != string(session.ReasonUserLogout) {
		fatalf("session.expired: reason=%q want %q", exp.Reason, session.ReasonUserLogout)
	}
	mustClosedWith(root, conn, statusSessionEnded, *timeout)

	ctx, cancel := context.WithTimeout(root, *timeout)
	_, err = api.Info(ctx, *userID)
	cancel()
	if !errors.Is(err, session.ErrNotFound) {
		fatalf("info after logout: want not found, got %v", err)
	}

	allowed := mustStep(root, *timeout, "allowed", func(ctx context.Context) (bool, error) {
		return api.Allowed(ctx, *userID)
	})
	if allowed {
		fatalf("allowed after logout: got true")
	}

	fmt.Printf("OK: user=%s session=%s\n", *userID, created.SessionID)
}

func mustStep[T any](parent context.Context, timeout time.Duration, name string, fn func(context.Context) (T, error)) T {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	v, err := fn(ctx)
	if err != nil {
		fatalf("%s: %v", name, err)
	}
	return v
}

func wsURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	default:
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	}
}

func mustConnect(parent context.Context, url, origin string, timeout time.Duration) *websocket.Conn {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}
	return conn
}

func mustWrite(parent context.Context, conn *websocket.Conn, typ string, payload any, timeout time.Duration) {
	raw, err := json.Marshal(payload)
	if err != nil {
		fatalf("marshal %s: %v", typ, err)
	}
	b, err := json.Marshal(v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("smoke-%s-%d", typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: raw,
	})
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s: %v", typ, err)
	}
}

// mustRead skips server frames until one of type want arrives. An error frame
// fails the run.
func mustRead(parent context.Context, conn *websocket.Conn, want string, dst any, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			fatalf("read %s: %v", want, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			fatalf("bad json: %v", err)
		}
		switch env.Type {
		case want:
			if err := json.Unmarshal(env.Payload, dst); err != nil {
				fatalf("unmarshal %s: %v", want, err)
			}
			return
		case v1.TypeError:
			fatalf("server error while waiting for %s: %s", want, env.Payload)
		}
	}
}

func mustClosedWith(parent context.Context, conn *websocket.Conn, want websocket.StatusCode, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != want {
		fatalf("close status: got=%d want=%d (err=%v)", got, want, err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
