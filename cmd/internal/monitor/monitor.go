// Package monitor runs the per-browsing-context inactivity state machine.
//
// A Monitor owns its timers and its state; nothing is shared between monitors.
// Contexts of the same user coordinate only through the Registrar (heartbeat and
// info), never through in-process state. All transitions happen on one goroutine
// through dispatch, so timer callbacks, interactions and registrar results never
// race each other.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"vigil/cmd/internal/auth/session"
	"vigil/cmd/internal/policy"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

var (
	// ErrStarted is returned when Start is called twice.
	ErrStarted = errors.New("monitor already started")
	// ErrNotStarted is returned by Logout before Start.
	ErrNotStarted = errors.New("monitor not started")
	// ErrStopped is returned by Logout once the monitor has terminated.
	ErrStopped = errors.New("monitor stopped")
)

// Registrar is the subset of session operations a Monitor needs.
// *session.Registrar and the HTTP client both satisfy it.
type Registrar interface {
	End(ctx context.Context, userID string, reason session.TerminationReason) error
	Heartbeat(ctx context.Context, userID string) (bool, error)
	Info(ctx context.Context, userID string) (session.ActiveSession, error)
}

// Hooks receive monitor signals. They run on the monitor goroutine and must not
// block on the Monitor itself (Logout, Close).
type Hooks struct {
	// OnWarning fires on entering Warning with the forced-logout deadline.
	OnWarning func(deadline time.Time)
	// OnActive fires when a Warning is cancelled.
	OnActive func()
	// OnForcedLogout fires once on entering Expired.
	OnForcedLogout func(reason Reason)
	// OnStateChange fires on every transition.
	OnStateChange func(from, to State)
}

type eventKind int

const (
	evInteraction eventKind = iota
	evIdle
	evCountdown
	evCeiling
	evSync
	evFlush
	evHeartbeatDone
	evInfoDone
	evLogout
	evClose
)

var timerKinds = [...]eventKind{evIdle, evCountdown, evCeiling, evSync, evFlush}

type event struct {
	kind eventKind
	gen  uint64
	at   time.Time

	active bool
	info   session.ActiveSession
	err    error

	reply chan error
}

// Monitor tracks one browsing context's session.
type Monitor struct {
	cfg   Config
	reg   Registrar
	src   InteractionSource
	hooks Hooks
	log   *slog.Logger
	clock clockwork.Clock

	events   chan event
	priority chan event
	done     chan struct{}
	state    atomic.Int32
	started  atomic.Bool

	// Owned by the loop goroutine after Start.
	sess            session.ActiveSession
	profile         policy.Profile
	lastInteraction time.Time
	limiter         *rate.Limiter
	timers          map[eventKind]clockwork.Timer
	gens            map[eventKind]uint64
	retryHeartbeat  bool
	flushArmed      bool
	closing         bool
	callCtx         context.Context

	unsubOnce   sync.Once
	unsubscribe func()
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithClock overrides the wall clock (tests).
func WithClock(c clockwork.Clock) Option {
	return func(m *Monitor) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.log = l
		}
	}
}

// New constructs an idle Monitor; call Start to begin tracking.
func New(cfg Config, reg Registrar, src InteractionSource, hooks Hooks, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:      cfg.normalized(),
		reg:      reg,
		src:      src,
		hooks:    hooks,
		log:      slog.New(slog.DiscardHandler),
		clock:    clockwork.NewRealClock(),
		events:   make(chan event, 64),
		priority: make(chan event, 4),
		done:     make(chan struct{}),
		timers:   make(map[eventKind]clockwork.Timer),
		gens:     make(map[eventKind]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.limiter = rate.NewLimiter(rate.Every(m.cfg.HeartbeatInterval), 1)
	return m
}

// State returns the current state. Safe for concurrent use.
func (m *Monitor) State() State { return State(m.state.Load()) }

// Done is closed once the monitor has torn down.
func (m *Monitor) Done() <-chan struct{} { return m.done }

// Start enters Active for s under profile and begins processing events.
// Cancelling ctx closes the monitor without ending the session.
func (m *Monitor) Start(ctx context.Context, s session.ActiveSession, profile policy.Profile) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrStarted
	}

	now := m.clock.Now()
	m.sess = s
	m.profile = profile
	m.lastInteraction = now
	m.callCtx = context.WithoutCancel(ctx)
	m.state.Store(int32(StateActive))

	// Consume the initial token; login itself counts as activity.
	m.limiter.AllowN(now, 1)

	m.arm(evIdle, now.Add(profile.IdleAfter()))
	m.arm(evCeiling, s.ExpiresAt)
	if m.cfg.SyncInterval > 0 {
		m.arm(evSync, now.Add(m.cfg.SyncInterval))
	}

	if m.src != nil {
		m.unsubscribe = m.src.Subscribe(func(in Interaction) {
			at := in.At
			if at.IsZero() {
				at = m.clock.Now()
			}
			m.post(event{kind: evInteraction, at: at})
		})
	}

	m.log.Debug("monitor.start",
		"user_id", s.UserID,
		"session_id", s.ID,
		"idle_after", profile.IdleAfter().String(),
		"expires_at", s.ExpiresAt,
	)

	go m.loop()
	go func() {
		select {
		case <-ctx.Done():
			m.postPriority(event{kind: evClose})
		case <-m.done:
		}
	}()
	return nil
}

// Interact records an interaction directly, bypassing the source.
func (m *Monitor) Interact(at time.Time) {
	if at.IsZero() {
		at = m.clock.Now()
	}
	m.post(event{kind: evInteraction, at: at})
}

// Logout ends the session on behalf of the user. It takes precedence over any
// pending countdown and returns the registrar's End error, if any. The local
// transition to LoggedOut happens regardless.
func (m *Monitor) Logout(ctx context.Context) error {
	if !m.started.Load() {
		return ErrNotStarted
	}

	reply := make(chan error, 1)
	select {
	case m.priority <- event{kind: evLogout, reply: reply}:
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-m.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the monitor without ending the session and waits for teardown.
func (m *Monitor) Close() {
	if !m.started.Load() {
		return
	}
	m.postPriority(event{kind: evClose})
	<-m.done
}

func (m *Monitor) loop() {
	for {
		var e event
		select {
		case e = <-m.priority:
		default:
			select {
			case e = <-m.priority:
			case e = <-m.events:
			}
		}

		m.dispatch(e)

		if m.closing || m.State().Terminal() {
			m.teardown()
			return
		}
	}
}

// dispatch is the single place where state changes.
func (m *Monitor) dispatch(e event) {
	st := m.State()

	switch e.kind {
	case evInteraction:
		m.onInteraction(st, e.at)

	case evIdle:
		if m.current(e) && st == StateActive {
			m.enterWarning()
		}

	case evCountdown:
		if m.current(e) && st == StateWarning {
			m.expire(ReasonInactivity, session.ReasonInactivityTimeout, true)
		}

	case evCeiling:
		if m.current(e) {
			m.expire(ReasonAbsolute, session.ReasonAbsoluteTimeout, true)
		}

	case evSync:
		if m.current(e) {
			m.requestInfo()
			if m.retryHeartbeat {
				m.heartbeat("retry")
			}
			m.arm(evSync, m.clock.Now().Add(m.cfg.SyncInterval))
		}

	case evFlush:
		if m.current(e) {
			m.flushArmed = false
			if st == StateActive {
				// The store records the flush time, so idle is measured from it.
				now := m.clock.Now()
				m.lastInteraction = now
				m.arm(evIdle, now.Add(m.profile.IdleAfter()))
			}
			if m.live() {
				m.heartbeat("trailing")
			}
		}

	case evHeartbeatDone:
		m.onHeartbeat(e)

	case evInfoDone:
		m.onInfo(e)

	case evLogout:
		e.reply <- m.logout()

	case evClose:
		m.closing = true
	}
}

func (m *Monitor) onInteraction(st State, at time.Time) {
	if at.Before(m.lastInteraction) {
		at = m.lastInteraction
	}
	m.lastInteraction = at
	m.arm(evIdle, at.Add(m.profile.IdleAfter()))

	if st == StateWarning {
		m.cancel(evCountdown)
		m.setState(StateActive)
		if m.hooks.OnActive != nil {
			m.hooks.OnActive()
		}
		// Leaving Warning always reaches the store.
		m.cancelFlush()
		m.limiter.AllowN(m.clock.Now(), 1)
		m.heartbeat("warning_cancel")
		return
	}

	now := m.clock.Now()
	if m.limiter.AllowN(now, 1) {
		m.heartbeat("throttled")
		return
	}

	// A throttled interaction is reported on the limiter's next token, so the
	// store never lags the local idle anchor by more than HeartbeatInterval.
	if !m.flushArmed {
		r := m.limiter.ReserveN(now, 1)
		m.flushArmed = true
		m.arm(evFlush, now.Add(r.DelayFrom(now)))
	}
}

func (m *Monitor) cancelFlush() {
	if m.flushArmed {
		m.cancel(evFlush)
		m.flushArmed = false
	}
}

func (m *Monitor) enterWarning() {
	deadline := m.lastInteraction.Add(m.profile.InactivityTime)
	m.setState(StateWarning)
	m.arm(evCountdown, deadline)

	m.log.Info("monitor.warning", "user_id", m.sess.UserID, "session_id", m.sess.ID, "deadline", deadline)
	if m.hooks.OnWarning != nil {
		m.hooks.OnWarning(deadline)
	}

	// Another context may have been active meanwhile.
	m.requestInfo()
}

// expire is fail-open: the local transition completes even if End fails.
func (m *Monitor) expire(reason Reason, tr session.TerminationReason, callEnd bool) {
	m.cancelAll()
	m.setState(StateExpired)

	forcedLogouts.WithLabelValues(string(reason)).Inc()
	m.log.Info("monitor.expired", "user_id", m.sess.UserID, "session_id", m.sess.ID, "reason", string(reason))
	if m.hooks.OnForcedLogout != nil {
		m.hooks.OnForcedLogout(reason)
	}

	if callEnd {
		ctx, cancel := context.WithTimeout(m.callCtx, m.cfg.CallTimeout)
		err := m.reg.End(ctx, m.sess.UserID, tr)
		cancel()
		if err != nil {
			m.log.Warn("monitor.end.fail", "user_id", m.sess.UserID, "reason", string(tr), "err", err)
		}
	}

	m.setState(StateLoggedOut)
}

func (m *Monitor) logout() error {
	m.cancelAll()
	m.setState(StateLoggedOut)

	ctx, cancel := context.WithTimeout(m.callCtx, m.cfg.CallTimeout)
	defer cancel()

	err := m.reg.End(ctx, m.sess.UserID, session.ReasonUserLogout)
	if err != nil {
		m.log.Warn("monitor.logout.end.fail", "user_id", m.sess.UserID, "err", err)
	}
	return err
}

func (m *Monitor) onHeartbeat(e event) {
	if !m.live() {
		return
	}

	switch {
	case e.err == nil && e.active:
		heartbeats.WithLabelValues("ok").Inc()
		m.retryHeartbeat = false

	case e.err == nil:
		heartbeats.WithLabelValues("inactive").Inc()
		m.expire(ReasonEndedElsewhere, "", false)

	case isTimeout(e.err):
		heartbeats.WithLabelValues("timeout").Inc()
		m.log.Warn("monitor.heartbeat.timeout", "user_id", m.sess.UserID, "err", e.err)
		m.retryHeartbeat = true
		m.requestInfo()

	default:
		heartbeats.WithLabelValues("error").Inc()
		m.log.Warn("monitor.heartbeat.fail", "user_id", m.sess.UserID, "err", e.err)
		m.retryHeartbeat = true
	}
}

func (m *Monitor) onInfo(e event) {
	if !m.live() {
		return
	}

	if errors.Is(e.err, session.ErrNotFound) {
		m.expire(ReasonEndedElsewhere, "", false)
		return
	}
	if e.err != nil {
		// Unknown outcome; keep local state and retry on the next sync.
		m.log.Warn("monitor.info.fail", "user_id", m.sess.UserID, "err", e.err)
		return
	}
	if e.info.ID != m.sess.ID || !e.info.IsActive {
		m.expire(ReasonEndedElsewhere, "", false)
		return
	}

	if !e.info.LastActivity.After(m.lastInteraction) {
		return
	}

	// Activity recorded by another context moves our idle anchor.
	anchor := e.info.LastActivity
	m.lastInteraction = anchor
	now := m.clock.Now()

	if m.State() == StateWarning {
		if !anchor.Add(m.profile.IdleAfter()).After(now) {
			deadline := anchor.Add(m.profile.InactivityTime)
			m.arm(evCountdown, deadline)
			if m.hooks.OnWarning != nil {
				m.hooks.OnWarning(deadline)
			}
			return
		}
		m.cancel(evCountdown)
		m.setState(StateActive)
		if m.hooks.OnActive != nil {
			m.hooks.OnActive()
		}
	}
	m.arm(evIdle, anchor.Add(m.profile.IdleAfter()))
}

func (m *Monitor) heartbeat(cause string) {
	userID := m.sess.UserID
	ctx := m.callCtx
	timeout := m.cfg.CallTimeout

	m.log.Debug("monitor.heartbeat", "user_id", userID, "cause", cause)
	go func() {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		active, err := m.reg.Heartbeat(cctx, userID)
		m.post(event{kind: evHeartbeatDone, active: active, err: err})
	}()
}

func (m *Monitor) requestInfo() {
	userID := m.sess.UserID
	ctx := m.callCtx
	timeout := m.cfg.CallTimeout

	go func() {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		info, err := m.reg.Info(cctx, userID)
		m.post(event{kind: evInfoDone, info: info, err: err})
	}()
}

// arm (re)schedules the timer of kind to fire at deadline. Earlier arms of the
// same kind become stale.
func (m *Monitor) arm(kind eventKind, deadline time.Time) {
	m.cancel(kind)
	gen := m.gens[kind]

	delay := deadline.Sub(m.clock.Now())
	if delay <= 0 {
		m.post(event{kind: kind, gen: gen})
		return
	}
	m.timers[kind] = m.clock.AfterFunc(delay, func() {
		m.post(event{kind: kind, gen: gen})
	})
}

func (m *Monitor) cancel(kind eventKind) {
	if t := m.timers[kind]; t != nil {
		t.Stop()
		delete(m.timers, kind)
	}
	m.gens[kind]++
}

func (m *Monitor) cancelAll() {
	for _, k := range timerKinds {
		m.cancel(k)
	}
}

func (m *Monitor) current(e event) bool { return e.gen == m.gens[e.kind] }

func (m *Monitor) live() bool { return !m.State().Terminal() }

func (m *Monitor) setState(to State) {
	from := State(m.state.Swap(int32(to)))
	if from == to {
		return
	}
	transitions.WithLabelValues(to.String()).Inc()
	if m.hooks.OnStateChange != nil {
		m.hooks.OnStateChange(from, to)
	}
}

func (m *Monitor) teardown() {
	m.cancelAll()
	m.unsubOnce.Do(func() {
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
	})
	close(m.done)
	m.log.Debug("monitor.stop", "user_id", m.sess.UserID, "state", m.State().String())
}

// post never blocks the caller; timer callbacks and registrar goroutines use it.
func (m *Monitor) post(e event) {
	select {
	case m.events <- e:
	case <-m.done:
	default:
		go func() {
			select {
			case m.events <- e:
			case <-m.done:
			}
		}()
	}
}

func (m *Monitor) postPriority(e event) {
	select {
	case m.priority <- e:
	case <-m.done:
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
