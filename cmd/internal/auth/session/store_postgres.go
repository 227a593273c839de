package session

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sessionColumns = `
	id, user_id, role,
	login_time, last_activity, expires_at,
	ip_address, user_agent, is_active,
	ended_at, termination_reason`

// PostgresStore implements Store using PostgreSQL (vigil.active_sessions).
// The pool is owned by the caller; Close is a no-op.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed session store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close is a no-op; the app owns the pool lifecycle.
func (s *PostgresStore) Close() error { return nil }

// Create supersedes the user's active rows and inserts a new one in one transaction.
func (s *PostgresStore) Create(ctx context.Context, now time.Time, in NewSession) (ActiveSession, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ActiveSession{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row, err := createTx(ctx, tx, now, in)
	if err != nil {
		return ActiveSession{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ActiveSession{}, err
	}
	return row, nil
}

// GetByID loads a session row by ID.
func (s *PostgresStore) GetByID(ctx context.Context, sessionID string) (ActiveSession, error) {
	row, err := scanSession(s.pool.QueryRow(ctx, `
		SELECT`+sessionColumns+`
		FROM vigil.active_sessions
		WHERE id = $1
	`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ActiveSession{}, ErrNotFound
	}
	if err != nil {
		return ActiveSession{}, err
	}
	return row, nil
}

// ListActive returns the user's active rows, newest login first.
func (s *PostgresStore) ListActive(ctx context.Context, userID string) ([]ActiveSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+sessionColumns+`
		FROM vigil.active_sessions
		WHERE user_id = $1 AND is_active
		ORDER BY login_time DESC, id DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// CountActive counts the user's active rows.
func (s *PostgresStore) CountActive(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM vigil.active_sessions
		WHERE user_id = $1 AND is_active
	`, userID).Scan(&n)
	return n, err
}

// Touch moves last_activity forward on the active, unexpired row. The ceiling is never crossed.
func (s *PostgresStore) Touch(ctx context.Context, now time.Time, userID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE vigil.active_sessions
		SET last_activity = GREATEST(last_activity, LEAST($2::timestamptz, expires_at))
		WHERE user_id = $1
		  AND is_active
		  AND expires_at > $2
	`, userID, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// EndActive deactivates all active rows of the user (idempotent).
func (s *PostgresStore) EndActive(ctx context.Context, now time.Time, userID string, reason TerminationReason) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ended, err := endActiveTx(ctx, tx, now, userID, reason)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(ended), nil
}

// ListStale returns sweep candidates. Each row is compared against its own role's
// cutoff so rows that are only past a shorter role's limit never fill a batch.
func (s *PostgresStore) ListStale(ctx context.Context, q StaleQuery) ([]ActiveSession, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}

	roles := make([]string, 0, len(q.RoleCutoffs))
	cutoffs := make([]time.Time, 0, len(q.RoleCutoffs))
	for r, c := range q.RoleCutoffs {
		roles = append(roles, string(r))
		cutoffs = append(cutoffs, c)
	}

	rows, err := s.pool.Query(ctx, `
		WITH role_cutoffs (cutoff_role, cutoff_at) AS (
			SELECT * FROM unnest($2::text[], $3::timestamptz[])
		)
		SELECT`+sessionColumns+`
		FROM vigil.active_sessions
		LEFT JOIN role_cutoffs ON cutoff_role = role
		WHERE is_active
		  AND (expires_at <= $1 OR last_activity < COALESCE(cutoff_at, $4))
		ORDER BY (expires_at <= $1) DESC, last_activity ASC, id ASC
		LIMIT $5
	`, q.Now, roles, cutoffs, q.DefaultCutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// Deactivate flips is_active with a compare-and-set; the audit row is written only by the winner.
func (s *PostgresStore) Deactivate(ctx context.Context, now time.Time, sessionID string, reason TerminationReason) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	won, err := deactivateTx(ctx, tx, now, sessionID, reason)
	if err != nil || !won {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func scanSession(row pgx.Row) (ActiveSession, error) {
	var (
		s      ActiveSession
		role   string
		reason *string
	)
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&role,
		&s.LoginTime,
		&s.LastActivity,
		&s.ExpiresAt,
		&s.IPAddress,
		&s.UserAgent,
		&s.IsActive,
		&s.EndedAt,
		&reason,
	)
	if err != nil {
		return ActiveSession{}, err
	}
	s.Role = policyRole(role)
	if reason != nil {
		r := TerminationReason(*reason)
		s.TerminationReason = &r
	}
	return s, nil
}

func collectSessions(rows pgx.Rows) ([]ActiveSession, error) {
	defer rows.Close()

	var out []ActiveSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
