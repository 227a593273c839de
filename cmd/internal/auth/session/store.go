package session

import (
	"context"
	"time"

	"vigil/cmd/internal/policy"
)

// UnknownValue is stored for diagnostic fields the caller could not supply.
const UnknownValue = "unknown"

// TerminationReason records why a session row stopped being active.
type TerminationReason string

const (
	// ReasonUserLogout is an explicit logout by the user.
	ReasonUserLogout TerminationReason = "user_logout"
	// ReasonInactivityTimeout is an idle session past its role's inactivity time.
	ReasonInactivityTimeout TerminationReason = "inactivity_timeout"
	// ReasonAbsoluteTimeout is a session that reached its absolute ceiling.
	ReasonAbsoluteTimeout TerminationReason = "absolute_timeout"
	// ReasonAdminForced is a termination requested by an operator.
	ReasonAdminForced TerminationReason = "admin_forced"
	// ReasonSuperseded is a row replaced by a newer login of the same user.
	ReasonSuperseded TerminationReason = "superseded"
	// ReasonDuplicateActive is a row deactivated while repairing a broken single-active invariant.
	ReasonDuplicateActive TerminationReason = "duplicate_active"
)

// Valid reports whether r is a known reason.
func (r TerminationReason) Valid() bool {
	switch r {
	case ReasonUserLogout, ReasonInactivityTimeout, ReasonAbsoluteTimeout,
		ReasonAdminForced, ReasonSuperseded, ReasonDuplicateActive:
		return true
	default:
		return false
	}
}

// ActiveSession mirrors the vigil.active_sessions row.
type ActiveSession struct {
	ID           string
	UserID       string
	Role         policy.Role
	LoginTime    time.Time
	LastActivity time.Time
	ExpiresAt    time.Time
	IPAddress    string
	UserAgent    string
	IsActive     bool

	EndedAt           *time.Time
	TerminationReason *TerminationReason
}

// NewSession is the input to Store.Create.
type NewSession struct {
	UserID    string
	Role      policy.Role
	IPAddress string
	UserAgent string

	// MaxAge is the absolute ceiling measured from the login time.
	MaxAge time.Duration
}

// Store abstracts persistence for session rows.
//
// Implementations must serialize mutations per user so that at most one row per
// user is active, and Deactivate must be a compare-and-set on is_active.
type Store interface {
	// Create deactivates every active row of the user (ReasonSuperseded) and inserts a
	// new active row, atomically. The new login time is max(now, latest prior login
	// time) so the last serialized create always owns the newest row.
	Create(ctx context.Context, now time.Time, in NewSession) (ActiveSession, error)

	// GetByID loads a row by id. Returns ErrNotFound when missing.
	GetByID(ctx context.Context, sessionID string) (ActiveSession, error)

	// ListActive returns the user's active rows, newest login first.
	ListActive(ctx context.Context, userID string) ([]ActiveSession, error)

	// CountActive counts the user's active rows.
	CountActive(ctx context.Context, userID string) (int, error)

	// Touch moves last_activity of the user's active, unexpired row to
	// min(now, expires_at). Reports whether a row was touched.
	Touch(ctx context.Context, now time.Time, userID string) (bool, error)

	// EndActive deactivates all active rows of the user. Returns the number of rows
	// this call transitioned (0 when there was nothing to end).
	EndActive(ctx context.Context, now time.Time, userID string, reason TerminationReason) (int, error)

	// ListStale returns at most q.Limit active rows that q matches: rows past their
	// ceiling first, then by oldest activity.
	ListStale(ctx context.Context, q StaleQuery) ([]ActiveSession, error)

	// Deactivate transitions a single row from active to inactive. It reports true only
	// for the caller that performed the transition.
	Deactivate(ctx context.Context, now time.Time, sessionID string, reason TerminationReason) (bool, error)

	// Close releases store resources.
	Close() error
}

// StaleQuery selects sweep candidates. A row matches when expires_at <= Now or its
// last activity is before the cutoff of its role (DefaultCutoff for roles missing
// from RoleCutoffs). Every matching row is stale under StaleReason.
type StaleQuery struct {
	Now           time.Time
	RoleCutoffs   map[policy.Role]time.Time
	DefaultCutoff time.Time
	Limit         int
}

// NewStaleQuery derives per-role cutoffs from table at now.
func NewStaleQuery(now time.Time, table *policy.Table, limit int) StaleQuery {
	q := StaleQuery{
		Now:           now,
		RoleCutoffs:   make(map[policy.Role]time.Time),
		DefaultCutoff: now.Add(-table.Resolve(table.Fallback()).InactivityTime),
		Limit:         limit,
	}
	for _, r := range table.Roles() {
		q.RoleCutoffs[r] = now.Add(-table.Resolve(r).InactivityTime)
	}
	return q
}

// Cutoff returns the idle cutoff that applies to role.
func (q StaleQuery) Cutoff(role policy.Role) time.Time {
	if c, ok := q.RoleCutoffs[policy.NormalizeRole(string(role))]; ok {
		return c
	}
	return q.DefaultCutoff
}

// Matches reports whether an active row is selected by q.
func (q StaleQuery) Matches(s ActiveSession) bool {
	if !s.IsActive {
		return false
	}
	return !q.Now.Before(s.ExpiresAt) || s.LastActivity.Before(q.Cutoff(s.Role))
}

// StaleReason reports whether s must be expired at now under table, and why.
// The absolute ceiling wins over inactivity.
func StaleReason(s ActiveSession, now time.Time, table *policy.Table) (TerminationReason, bool) {
	if !s.IsActive {
		return "", false
	}
	if !now.Before(s.ExpiresAt) {
		return ReasonAbsoluteTimeout, true
	}
	if now.Sub(s.LastActivity) > table.Resolve(s.Role).InactivityTime {
		return ReasonInactivityTimeout, true
	}
	return "", false
}

func clampActivity(prev, now, expiresAt time.Time) time.Time {
	t := now
	if t.After(expiresAt) {
		t = expiresAt
	}
	if t.Before(prev) {
		t = prev
	}
	return t
}
