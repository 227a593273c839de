package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"vigil/cmd/internal/policy"

	"github.com/jonboulle/clockwork"
)

// UserSweeper expires a single user's stale rows before a trust-sensitive read.
type UserSweeper interface {
	SweepUser(ctx context.Context, userID string) (int, error)
}

// Registrar implements create/end/heartbeat/query operations against a Store and
// enforces the single-active-session invariant.
type Registrar struct {
	cfg      Config
	store    Store
	policies *policy.Table
	log      *slog.Logger
	clock    clockwork.Clock
	sweeper  UserSweeper
}

// Option customizes a Registrar.
type Option func(*Registrar)

// WithClock overrides the wall clock (tests).
func WithClock(c clockwork.Clock) Option {
	return func(r *Registrar) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithUserSweeper makes Allowed run a per-user sweep before answering.
func WithUserSweeper(s UserSweeper) Option {
	return func(r *Registrar) { r.sweeper = s }
}

// CreateInput is the input to Registrar.Create.
type CreateInput struct {
	UserID    string
	Role      policy.Role
	IPAddress string
	UserAgent string
}

// NewRegistrar constructs a Registrar. A nil logger discards output.
func NewRegistrar(cfg Config, store Store, policies *policy.Table, log *slog.Logger, opts ...Option) *Registrar {
	if policies == nil {
		policies = policy.DefaultTable()
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	r := &Registrar{
		cfg:      cfg.normalized(),
		store:    store,
		policies: policies,
		log:      log,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policies returns the policy table the Registrar resolves profiles from.
func (r *Registrar) Policies() *policy.Table { return r.policies }

// Create starts a new session for the user, superseding any active one.
func (r *Registrar) Create(ctx context.Context, in CreateInput) (ActiveSession, error) {
	userID, err := r.validUserID(in.UserID)
	if err != nil {
		return ActiveSession{}, err
	}

	role := policy.NormalizeRole(string(in.Role))
	if !r.policies.Known(role) {
		if role != "" {
			r.log.Debug("session.role.unknown", "user_id", userID, "role", string(role))
		}
		role = r.policies.Fallback()
	}

	now := r.clock.Now().UTC()

	var row ActiveSession
	err = r.withTimeout(ctx, "create", func(ctx context.Context) error {
		var err error
		row, err = r.store.Create(ctx, now, NewSession{
			UserID:    userID,
			Role:      role,
			IPAddress: orUnknown(in.IPAddress, 256),
			UserAgent: orUnknown(in.UserAgent, 512),
			MaxAge:    r.policies.MaxSessionDuration(),
		})
		return err
	})
	if err != nil {
		r.log.Error("session.create.fail", "user_id", userID, "err", err)
		return ActiveSession{}, err
	}

	sessionsCreated.Inc()
	r.log.Info("session.create",
		"user_id", userID,
		"session_id", row.ID,
		"role", string(row.Role),
		"expires_at", row.ExpiresAt,
	)
	return row, nil
}

// End deactivates every active row of the user. An empty reason means user_logout.
// Ending a user with no active session succeeds.
func (r *Registrar) End(ctx context.Context, userID string, reason TerminationReason) error {
	userID, err := r.validUserID(userID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = ReasonUserLogout
	}
	switch reason {
	case ReasonUserLogout, ReasonInactivityTimeout, ReasonAbsoluteTimeout, ReasonAdminForced:
	default:
		return ErrInvalidReason
	}

	now := r.clock.Now().UTC()

	var n int
	err = r.withTimeout(ctx, "end", func(ctx context.Context) error {
		var err error
		n, err = r.store.EndActive(ctx, now, userID, reason)
		return err
	})
	if err != nil {
		r.log.Error("session.end.fail", "user_id", userID, "reason", string(reason), "err", err)
		return err
	}

	if n > 0 {
		sessionsEnded.WithLabelValues(string(reason)).Add(float64(n))
		r.log.Info("session.end", "user_id", userID, "reason", string(reason), "rows", n)
	} else {
		r.log.Debug("session.end.noop", "user_id", userID)
	}
	return nil
}

// Heartbeat records activity on the user's active session. It reports false,
// without error, when the user has no active unexpired session.
func (r *Registrar) Heartbeat(ctx context.Context, userID string) (bool, error) {
	userID, err := r.validUserID(userID)
	if err != nil {
		return false, err
	}

	now := r.clock.Now().UTC()

	var active bool
	err = r.withTimeout(ctx, "heartbeat", func(ctx context.Context) error {
		var err error
		active, err = r.store.Touch(ctx, now, userID)
		return err
	})
	if err != nil {
		r.log.Error("session.heartbeat.fail", "user_id", userID, "err", err)
		return false, err
	}
	if !active {
		r.log.Debug("session.heartbeat.inactive", "user_id", userID)
	}
	return active, nil
}

// Info returns the user's most recently started active session, or ErrNotFound.
// Extra active rows are deactivated as duplicate_active.
func (r *Registrar) Info(ctx context.Context, userID string) (ActiveSession, error) {
	userID, err := r.validUserID(userID)
	if err != nil {
		return ActiveSession{}, err
	}

	var rows []ActiveSession
	err = r.withTimeout(ctx, "info", func(ctx context.Context) error {
		var err error
		rows, err = r.store.ListActive(ctx, userID)
		return err
	})
	if err != nil {
		r.log.Error("session.info.fail", "user_id", userID, "err", err)
		return ActiveSession{}, err
	}
	if len(rows) == 0 {
		r.log.Debug("session.info.not_found", "user_id", userID)
		return ActiveSession{}, ErrNotFound
	}

	newest := rows[0]
	if len(rows) > 1 {
		r.repairDuplicates(ctx, userID, newest, rows[1:])
	}
	return newest, nil
}

// Count returns the number of active rows for the user (0 or 1 when healthy).
func (r *Registrar) Count(ctx context.Context, userID string) (int, error) {
	userID, err := r.validUserID(userID)
	if err != nil {
		return 0, err
	}

	var n int
	err = r.withTimeout(ctx, "count", func(ctx context.Context) error {
		var err error
		n, err = r.store.CountActive(ctx, userID)
		return err
	})
	if err != nil {
		r.log.Error("session.count.fail", "user_id", userID, "err", err)
		return 0, err
	}
	return n, nil
}

// Allowed reports whether the user currently holds a live session.
// A configured UserSweeper runs first so stale rows are expired before the read.
func (r *Registrar) Allowed(ctx context.Context, userID string) (bool, error) {
	userID, err := r.validUserID(userID)
	if err != nil {
		return false, err
	}

	if r.sweeper != nil {
		if _, err := r.sweeper.SweepUser(ctx, userID); err != nil {
			r.log.Error("session.allowed.sweep.fail", "user_id", userID, "err", err)
			return false, storeErr("sweep_user", err)
		}
	}

	s, err := r.Info(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	// Without a sweeper the row may still be stale; judge it without mutating.
	if _, stale := StaleReason(s, r.clock.Now().UTC(), r.policies); stale {
		return false, nil
	}
	return true, nil
}

func (r *Registrar) repairDuplicates(ctx context.Context, userID string, keep ActiveSession, extra []ActiveSession) {
	r.log.Warn("session.invariant.violation",
		"user_id", userID,
		"active_rows", len(extra)+1,
		"kept_session_id", keep.ID,
	)

	if len(extra) > r.cfg.RepairBatch {
		extra = extra[:r.cfg.RepairBatch]
	}

	now := r.clock.Now().UTC()
	for _, row := range extra {
		var won bool
		err := r.withTimeout(ctx, "repair", func(ctx context.Context) error {
			var err error
			won, err = r.store.Deactivate(ctx, now, row.ID, ReasonDuplicateActive)
			return err
		})
		if err != nil {
			r.log.Error("session.invariant.repair.fail", "user_id", userID, "session_id", row.ID, "err", err)
			continue
		}
		if won {
			invariantRepairs.Inc()
			sessionsEnded.WithLabelValues(string(ReasonDuplicateActive)).Inc()
		}
	}
}

func (r *Registrar) withTimeout(ctx context.Context, op string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()

	if err := fn(cctx); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		storeErrors.WithLabelValues(op).Inc()
		return storeErr(op, err)
	}
	return nil
}

func (r *Registrar) validUserID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" || len(id) > r.cfg.MaxUserIDBytes || !utf8.ValidString(id) {
		return "", ErrInvalidUserID
	}
	for _, c := range id {
		if unicode.IsControl(c) {
			return "", ErrInvalidUserID
		}
	}
	return id, nil
}

func orUnknown(s string, limit int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return UnknownValue
	}
	if len(s) > limit {
		s = s[:limit]
		for !utf8.ValidString(s) {
			s = s[:len(s)-1]
		}
	}
	return s
}
