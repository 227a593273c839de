package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vigil/cmd/internal/auth/session"
	"vigil/cmd/internal/monitor"
	"vigil/cmd/internal/policy"
	v1 "vigil/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	ts    *httptest.Server
	reg   *session.Registrar
	clock *clockwork.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log := slog.New(slog.DiscardHandler)
	clock := clockwork.NewFakeClockAt(t0)
	reg := session.NewRegistrar(session.DefaultConfig(), session.NewInMemoryStore(), policy.DefaultTable(), log, session.WithClock(clock))

	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"http://localhost"}
	monCfg := monitor.Config{HeartbeatInterval: time.Minute, CallTimeout: 2 * time.Second}

	g, err := NewGateway(log, cfg, monCfg, reg, WithClock(clock))
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("/ws", g)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &harness{ts: ts, reg: reg, clock: clock}
}

func (h *harness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.Dial(t.Context(), h.wsURL(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   http.Header{"Origin": {"http://localhost"}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func (h *harness) login(t *testing.T, userID string) session.ActiveSession {
	t.Helper()
	s, err := h.reg.Create(context.Background(), session.CreateInput{UserID: userID, Role: policy.RoleAdmin})
	require.NoError(t, err)
	return s
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	b, err := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, ID: "c-" + typ, TS: time.Now().UTC(), Payload: raw})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, b))
}

func recv(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var env v1.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func recvType[T any](t *testing.T, conn *websocket.Conn, typ string) T {
	t.Helper()

	env := recv(t, conn)
	require.Equal(t, typ, env.Type, "payload=%s", env.Payload)
	var p T
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	return p
}

func requireClosed(t *testing.T, conn *websocket.Conn, want websocket.StatusCode) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	require.Equal(t, want, websocket.CloseStatus(err))
}

func TestGateway_RejectsForeignOrigin(t *testing.T) {
	h := newHarness(t)

	_, res, err := websocket.Dial(t.Context(), h.wsURL(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   http.Header{"Origin": {"https://evil.example"}},
	})
	require.Error(t, err)
	require.NotNil(t, res)
	require.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestGateway_RequiresSubprotocol(t *testing.T) {
	h := newHarness(t)

	conn, _, err := websocket.Dial(t.Context(), h.wsURL(), &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": {"http://localhost"}},
	})
	require.NoError(t, err)
	defer conn.CloseNow()

	requireClosed(t, conn, websocket.StatusProtocolError)
}

func TestGateway_HelloWithoutSession(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, v1.TypeHello, v1.HelloPayload{UserID: "u1"})
	p := recvType[v1.ErrorPayload](t, conn, v1.TypeError)
	require.Equal(t, "not_found", p.Code)
	requireClosed(t, conn, statusSessionEnded)
}

func TestGateway_ActivityBeforeHello(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, v1.TypeActivity, v1.ActivityPayload{Kind: "key"})
	p := recvType[v1.ErrorPayload](t, conn, v1.TypeError)
	require.Equal(t, "hello_required", p.Code)
}

func TestGateway_HelloAck(t *testing.T) {
	h := newHarness(t)
	s := h.login(t, "u1")
	conn := h.dial(t)

	send(t, conn, v1.TypeHello, v1.HelloPayload{UserID: "u1"})
	ack := recvType[v1.HelloAckPayload](t, conn, v1.TypeHelloAck)
	require.Equal(t, s.ID, ack.SessionID)
	require.True(t, ack.ExpiresAt.Equal(t0.Add(8*time.Hour)))
	require.Equal(t, int64(1200), ack.InactivitySeconds)
	require.Equal(t, int64(120), ack.WarningSeconds)

	send(t, conn, v1.TypeHello, v1.HelloPayload{UserID: "u1"})
	p := recvType[v1.ErrorPayload](t, conn, v1.TypeError)
	require.Equal(t, "already_bound", p.Code)
}

func TestGateway_WarningActivityAndExpiry(t *testing.T) {
	h := newHarness(t)
	h.login(t, "u1")
	conn := h.dial(t)

	send(t, conn, v1.TypeHello, v1.HelloPayload{UserID: "u1"})
	recvType[v1.HelloAckPayload](t, conn, v1.TypeHelloAck)

	h.clock.Advance(18 * time.Minute)
	w := recvType[v1.SessionWarningPayload](t, conn, v1.TypeSessionWarning)
	require.True(t, w.Deadline.Equal(t0.Add(20*time.Minute)))

	send(t, conn, v1.TypeActivity, v1.ActivityPayload{Kind: "pointer"})
	recvType[v1.SessionActivePayload](t, conn, v1.TypeSessionActive)

	// Wait for the cancel heartbeat to land before moving the clock again.
	require.Eventually(t, func() bool {
		s, err := h.reg.Info(context.Background(), "u1")
		return err == nil && s.LastActivity.Equal(t0.Add(18*time.Minute))
	}, 2*time.Second, 10*time.Millisecond)

	h.clock.Advance(20 * time.Minute)
	w = recvType[v1.SessionWarningPayload](t, conn, v1.TypeSessionWarning)
	require.True(t, w.Deadline.Equal(t0.Add(38*time.Minute)))

	exp := recvType[v1.SessionExpiredPayload](t, conn, v1.TypeSessionExpired)
	require.Equal(t, string(monitor.ReasonInactivity), exp.Reason)
	requireClosed(t, conn, statusSessionEnded)

	require.Eventually(t, func() bool {
		_, err := h.reg.Info(context.Background(), "u1")
		return errors.Is(err, session.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_LogoutEndsSession(t *testing.T) {
	h := newHarness(t)
	h.login(t, "u1")
	conn := h.dial(t)

	send(t, conn, v1.TypeHello, v1.HelloPayload{UserID: "u1"})
	recvType[v1.HelloAckPayload](t, conn, v1.TypeHelloAck)

	send(t, conn, v1.TypeLogout, v1.LogoutPayload{})
	exp := recvType[v1.SessionExpiredPayload](t, conn, v1.TypeSessionExpired)
	require.Equal(t, string(session.ReasonUserLogout), exp.Reason)
	requireClosed(t, conn, statusSessionEnded)

	_, err := h.reg.Info(context.Background(), "u1")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestGateway_SupersededElsewhere(t *testing.T) {
	h := newHarness(t)
	h.login(t, "u1")
	conn := h.dial(t)

	send(t, conn, v1.TypeHello, v1.HelloPayload{UserID: "u1"})
	recvType[v1.HelloAckPayload](t, conn, v1.TypeHelloAck)

	h.login(t, "u1")

	h.clock.Advance(18 * time.Minute)
	recvType[v1.SessionWarningPayload](t, conn, v1.TypeSessionWarning)
	exp := recvType[v1.SessionExpiredPayload](t, conn, v1.TypeSessionExpired)
	require.Equal(t, string(monitor.ReasonEndedElsewhere), exp.Reason)

	// The newer session is untouched.
	n, err := h.reg.Count(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestGateway_StaleSessionOnHello(t *testing.T) {
	h := newHarness(t)
	h.login(t, "u1")
	h.clock.Advance(20*time.Minute + time.Second)

	conn := h.dial(t)
	send(t, conn, v1.TypeHello, v1.HelloPayload{UserID: "u1"})
	exp := recvType[v1.SessionExpiredPayload](t, conn, v1.TypeSessionExpired)
	require.Equal(t, string(session.ReasonInactivityTimeout), exp.Reason)
	requireClosed(t, conn, statusSessionEnded)
}

func TestGateway_DisconnectKeepsSession(t *testing.T) {
	h := newHarness(t)
	s := h.login(t, "u1")
	conn := h.dial(t)

	send(t, conn, v1.TypeHello, v1.HelloPayload{UserID: "u1"})
	recvType[v1.HelloAckPayload](t, conn, v1.TypeHelloAck)
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "tab closed"))

	// Give the gateway time to tear the monitor down.
	time.Sleep(100 * time.Millisecond)

	got, err := h.reg.Info(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, s.ID, got.ID)
}

func TestGateway_BadFrames(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{nope")))
	p := recvType[v1.ErrorPayload](t, conn, v1.TypeError)
	require.Equal(t, "bad_json", p.Code)

	send(t, conn, v1.TypeSessionWarning, struct{}{})
	p = recvType[v1.ErrorPayload](t, conn, v1.TypeError)
	require.Equal(t, "bad_envelope", p.Code)
}
