// Package realtime hosts browsing contexts over websocket. Each connection binds
// to the user's active session and runs its own inactivity monitor; activity
// frames are the monitor's interaction source and monitor signals are pushed
// back as session.* frames.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"vigil/cmd/internal/auth/session"
	"vigil/cmd/internal/monitor"
	"vigil/cmd/internal/policy"
	v1 "vigil/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
)

// Sessions is the session surface the gateway needs. *session.Registrar
// satisfies it.
type Sessions interface {
	monitor.Registrar
	Policies() *policy.Table
}

// Gateway is the websocket entrypoint at /ws.
type Gateway struct {
	log      *slog.Logger
	cfg      Config
	monCfg   monitor.Config
	sessions Sessions
	clock    clockwork.Clock
	patterns []string
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithClock sets the clock used for interaction timestamps and monitors.
func WithClock(c clockwork.Clock) Option {
	return func(g *Gateway) {
		if c != nil {
			g.clock = c
		}
	}
}

// NewGateway constructs a Gateway.
func NewGateway(log *slog.Logger, cfg Config, monCfg monitor.Config, sessions Sessions, opts ...Option) (*Gateway, error) {
	if sessions == nil {
		return nil, errors.New("realtime: nil sessions")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.normalized()

	g := &Gateway{
		log:      log,
		cfg:      cfg,
		monCfg:   monCfg,
		sessions: sessions,
		clock:    clockwork.NewRealClock(),
		patterns: originPatterns(cfg.AllowedOrigins),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.monCfg.CallTimeout <= 0 {
		g.monCfg.CallTimeout = monitor.DefaultConfig().CallTimeout
	}
	return g, nil
}

// ServeHTTP adapts the gateway to http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades the request and serves one browsing context until the
// session ends or the peer goes away. Disconnecting never ends the session.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := checkOrigin(r, g.cfg.OriginRequired, g.cfg.AllowedOrigins); err != nil {
		rejects.WithLabelValues("origin").Inc()
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.patterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		rejects.WithLabelValues("subprotocol").Inc()
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	connections.Inc()
	defer connections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsConn{
		g:      g,
		conn:   conn,
		client: NewClient(newConnID(g.clock.Now()), g.cfg.SendQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		c.pingLoop()
	}()

	c.readLoop()

	c.shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	if c.mon != nil {
		c.mon.Close()
	}

	select {
	case <-pingDone:
	case <-time.After(wsCloseGrace):
	}
}

// wsConn is the per-connection state. mon and ending are owned by readLoop.
type wsConn struct {
	g      *Gateway
	conn   *websocket.Conn
	client *Client
	ctx    context.Context
	cancel context.CancelFunc

	feed   monitor.Feed
	mon    *monitor.Monitor
	ending bool

	closeOnce sync.Once
}

// shutdown is idempotent and safe from any goroutine. It never closes Send.
func (c *wsConn) shutdown(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.client.Close()
		_ = c.conn.Close(code, reason)
		c.cancel()
	})
}

func (c *wsConn) readLoop() {
	g := c.g
	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	for {
		readCtx, readCancel := c.ctx, context.CancelFunc(func() {})
		if c.mon == nil && !c.ending {
			readCtx, readCancel = context.WithTimeout(c.ctx, g.cfg.HelloTimeout)
		}
		env, err := readEnvelope(readCtx, c.conn)
		helloTimedOut := c.mon == nil && errors.Is(readCtx.Err(), context.DeadlineExceeded)
		readCancel()

		if err != nil {
			if helloTimedOut {
				rejects.WithLabelValues("hello_timeout").Inc()
				c.shutdown(websocket.StatusPolicyViolation, "hello timeout")
				return
			}
			switch classifyReadErr(err) {
			case readErrClose, readErrCtxDone:
				return
			case readErrConnClosed:
				c.shutdown(websocket.StatusAbnormalClosure, "conn closed")
				return
			case readErrBadFrame:
				c.sendError("bad_json", "invalid JSON")
				continue
			default:
				g.log.Info("ws.read.fail", "conn_id", c.client.ConnID, "err", err)
				c.shutdown(websocket.StatusAbnormalClosure, "read failed")
				return
			}
		}

		if c.ending {
			continue
		}
		if !rl.Allow(time.Now()) {
			rejects.WithLabelValues("rate_limited").Inc()
			c.ending = true
			c.final(errorEnvelope(g.clock.Now(), "rate_limited", "too many events"), websocket.StatusPolicyViolation, "rate limited")
			continue
		}
		if err := env.Validate(); err != nil {
			c.sendError("bad_envelope", err.Error())
			continue
		}
		framesIn.WithLabelValues(env.Type).Inc()

		switch env.Type {
		case v1.TypeHello:
			if c.mon != nil {
				c.sendError("already_bound", "hello already accepted")
				continue
			}
			c.onHello(env)

		case v1.TypeActivity:
			if c.mon == nil {
				c.sendError("hello_required", "send hello first")
				continue
			}
			c.onActivity(env)

		case v1.TypeLogout:
			if c.mon == nil {
				c.sendError("hello_required", "send hello first")
				continue
			}
			c.onLogout()
		}
	}
}

func (c *wsConn) onHello(env v1.Envelope) {
	g := c.g

	var p v1.HelloPayload
	if err := decodePayload(env, &p); err != nil {
		c.reject("bad_payload", err.Error(), websocket.StatusPolicyViolation)
		return
	}

	callCtx, cancel := context.WithTimeout(c.ctx, g.monCfg.CallTimeout)
	s, err := g.sessions.Info(callCtx, p.UserID)
	cancel()

	switch {
	case errors.Is(err, session.ErrInvalidUserID):
		c.reject("invalid_user_id", "userId is required", websocket.StatusPolicyViolation)
		return
	case errors.Is(err, session.ErrNotFound):
		c.reject("not_found", "no active session", statusSessionEnded)
		return
	case err != nil:
		g.log.Error("ws.hello.store_unavailable", "conn_id", c.client.ConnID, "err", err)
		c.reject("store_unavailable", "session store unavailable, retry later", websocket.StatusTryAgainLater)
		return
	}

	table := g.sessions.Policies()
	now := g.clock.Now()
	if reason, stale := session.StaleReason(s, now, table); stale {
		c.ending = true
		c.final(expiredEnvelope(now, string(reason)), statusSessionEnded, "session ended")
		return
	}

	profile := table.Resolve(s.Role)
	mon := monitor.New(g.monCfg, g.sessions, &c.feed, c.hooks(),
		monitor.WithClock(g.clock),
		monitor.WithLogger(g.log),
	)
	if err := mon.Start(c.ctx, s, profile); err != nil {
		c.reject("server_error", "monitor start failed", websocket.StatusInternalError)
		return
	}
	c.mon = mon
	c.client.UserID = s.UserID

	g.log.Info("ws.hello.ok", "conn_id", c.client.ConnID, "user_id", s.UserID, "session_id", s.ID)
	c.push(newEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{
		SessionID:         s.ID,
		ExpiresAt:         s.ExpiresAt.UTC(),
		InactivitySeconds: int64(profile.InactivityTime / time.Second),
		WarningSeconds:    int64(profile.WarningLead / time.Second),
	}, now))
}

func (c *wsConn) onActivity(env v1.Envelope) {
	var p v1.ActivityPayload
	if err := decodePayload(env, &p); err != nil {
		c.sendError("bad_payload", err.Error())
		return
	}
	kind := strings.TrimSpace(p.Kind)
	if kind == "" || len(kind) > maxActivityKind {
		c.sendError("bad_payload", fmt.Sprintf("kind must be 1..%d bytes", maxActivityKind))
		return
	}
	c.feed.Emit(monitor.Interaction{Kind: kind, At: c.g.clock.Now()})
}

func (c *wsConn) onLogout() {
	err := c.mon.Logout(c.ctx)
	c.ending = true
	if errors.Is(err, monitor.ErrStopped) {
		// A forced logout already queued its frame.
		return
	}
	if err != nil {
		c.g.log.Warn("ws.logout.end.fail", "conn_id", c.client.ConnID, "user_id", c.client.UserID, "err", err)
	}
	c.final(expiredEnvelope(c.g.clock.Now(), string(session.ReasonUserLogout)), statusSessionEnded, "logged out")
}

func (c *wsConn) hooks() monitor.Hooks {
	return monitor.Hooks{
		OnWarning: func(deadline time.Time) {
			c.push(newEnvelope(v1.TypeSessionWarning, v1.SessionWarningPayload{Deadline: deadline.UTC()}, c.g.clock.Now()))
		},
		OnActive: func() {
			c.push(newEnvelope(v1.TypeSessionActive, v1.SessionActivePayload{}, c.g.clock.Now()))
		},
		OnForcedLogout: func(reason monitor.Reason) {
			c.final(expiredEnvelope(c.g.clock.Now(), string(reason)), statusSessionEnded, "session ended")
		},
	}
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.client.Done():
			return
		case out := <-c.client.Send:
			if err := writeEnvelope(c.ctx, c.conn, out.env, c.g.cfg.WriteTimeout); err != nil {
				c.g.log.Info("ws.write.fail", "conn_id", c.client.ConnID, "close_status", websocket.CloseStatus(err), "err", err)
				c.shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
			if out.closeCode != 0 {
				c.shutdown(out.closeCode, out.closeReason)
				return
			}
		}
	}
}

func (c *wsConn) pingLoop() {
	t := time.NewTicker(c.g.cfg.PingInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.client.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(c.ctx, c.g.cfg.PingTimeout)
			err := c.conn.Ping(pctx)
			cancel()

			if err != nil {
				failures++
				c.g.log.Info("ws.ping.fail", "conn_id", c.client.ConnID, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					c.shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// ---- send helpers ----

// push enqueues without blocking; a full queue drops the frame.
func (c *wsConn) push(env v1.Envelope) bool {
	return c.enqueue(outbound{env: env})
}

// final enqueues env and closes the connection once it is written. If the
// queue is full the connection closes without it.
func (c *wsConn) final(env v1.Envelope, code websocket.StatusCode, reason string) {
	if !c.enqueue(outbound{env: env, closeCode: code, closeReason: reason}) {
		go c.shutdown(code, reason)
	}
}

func (c *wsConn) enqueue(out outbound) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-c.client.Done():
		return false
	case c.client.Send <- out:
		return true
	default:
		c.g.log.Warn("ws.send.dropped", "conn_id", c.client.ConnID, "type", out.env.Type)
		return false
	}
}

func (c *wsConn) sendError(code, msg string) {
	c.push(errorEnvelope(c.g.clock.Now(), code, msg))
}

func (c *wsConn) reject(code, msg string, status websocket.StatusCode) {
	rejects.WithLabelValues(code).Inc()
	c.g.log.Info("ws.hello.reject", "conn_id", c.client.ConnID, "code", code)
	c.ending = true
	c.final(errorEnvelope(c.g.clock.Now(), code, msg), status, code)
}

// ---- envelope IO ----

var errBadFrame = errors.New("bad frame")

func newEnvelope(typ string, payload any, ts time.Time) v1.Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      newEnvelopeID(ts),
		TS:      ts.UTC(),
		Payload: raw,
	}
}

func errorEnvelope(ts time.Time, code, msg string) v1.Envelope {
	return newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, ts)
}

func expiredEnvelope(ts time.Time, reason string) v1.Envelope {
	return newEnvelope(v1.TypeSessionExpired, v1.SessionExpiredPayload{Reason: reason}, ts)
}

func decodePayload(env v1.Envelope, dst any) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText {
		return v1.Envelope{}, fmt.Errorf("%w: binary message", errBadFrame)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadFrame
)

func classifyReadErr(err error) readErrKind {
	switch {
	case errors.Is(err, errBadFrame):
		return readErrBadFrame
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}
