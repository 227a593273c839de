package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"vigil/cmd/internal/ids"
	"vigil/cmd/internal/policy"

	"github.com/jackc/pgx/v5"
)

func policyRole(s string) policy.Role { return policy.Role(s) }

// lockUserTx serializes all mutations for userID until the transaction ends.
// Row locks alone cannot serialize two creates for a user with no active row.
func lockUserTx(ctx context.Context, tx pgx.Tx, userID string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, userID)
	return err
}

func createTx(ctx context.Context, tx pgx.Tx, now time.Time, in NewSession) (ActiveSession, error) {
	if err := lockUserTx(ctx, tx, in.UserID); err != nil {
		return ActiveSession{}, err
	}

	var latest time.Time
	err := tx.QueryRow(ctx, `
		SELECT login_time
		FROM vigil.active_sessions
		WHERE user_id = $1 AND is_active
		ORDER BY login_time DESC
		LIMIT 1
		FOR UPDATE
	`, in.UserID).Scan(&latest)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return ActiveSession{}, err
	}

	loginTime := now
	if latest.After(loginTime) {
		loginTime = latest
	}

	if _, err := endActiveTx(ctx, tx, now, in.UserID, ReasonSuperseded); err != nil {
		return ActiveSession{}, err
	}

	id, err := ids.NewULID(loginTime)
	if err != nil {
		return ActiveSession{}, err
	}

	row := ActiveSession{
		ID:           id,
		UserID:       in.UserID,
		Role:         in.Role,
		LoginTime:    loginTime,
		LastActivity: loginTime,
		ExpiresAt:    loginTime.Add(in.MaxAge),
		IPAddress:    in.IPAddress,
		UserAgent:    in.UserAgent,
		IsActive:     true,
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO vigil.active_sessions (
			id, user_id, role,
			login_time, last_activity, expires_at,
			ip_address, user_agent, is_active
		) VALUES (
			$1, $2, $3,
			$4, $4, $5,
			$6, $7, true
		)
	`, row.ID, row.UserID, string(row.Role), row.LoginTime, row.ExpiresAt, row.IPAddress, row.UserAgent)
	if err != nil {
		return ActiveSession{}, err
	}

	if err := insertEventTx(ctx, tx, now, row.ID, row.UserID, "session.created", nil, map[string]any{
		"role":       string(row.Role),
		"expires_at": row.ExpiresAt,
	}); err != nil {
		return ActiveSession{}, err
	}

	return row, nil
}

func endActiveTx(ctx context.Context, tx pgx.Tx, now time.Time, userID string, reason TerminationReason) ([]string, error) {
	if err := lockUserTx(ctx, tx, userID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
		UPDATE vigil.active_sessions
		SET is_active = false,
		    last_activity = GREATEST(last_activity, LEAST($2::timestamptz, expires_at)),
		    ended_at = $2,
		    termination_reason = $3
		WHERE user_id = $1 AND is_active
		RETURNING id
	`, userID, now, string(reason))
	if err != nil {
		return nil, err
	}
	ended, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	for _, id := range ended {
		if err := insertEventTx(ctx, tx, now, id, userID, "session.ended", &reason, nil); err != nil {
			return nil, err
		}
	}
	return ended, nil
}

func deactivateTx(ctx context.Context, tx pgx.Tx, now time.Time, sessionID string, reason TerminationReason) (bool, error) {
	var userID string
	err := tx.QueryRow(ctx, `
		UPDATE vigil.active_sessions
		SET is_active = false,
		    ended_at = $2,
		    termination_reason = $3
		WHERE id = $1 AND is_active
		RETURNING user_id
	`, sessionID, now, string(reason)).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := insertEventTx(ctx, tx, now, sessionID, userID, "session.expired", &reason, nil); err != nil {
		return false, err
	}
	return true, nil
}

func insertEventTx(ctx context.Context, tx pgx.Tx, now time.Time, sessionID, userID, action string, reason *TerminationReason, meta map[string]any) error {
	var reasonVal any
	if reason != nil {
		reasonVal = string(*reason)
	}

	var metaVal *string
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			s := string(b)
			metaVal = &s
		}
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO vigil.session_events (
			session_id, user_id, action, reason, created_at, meta
		) VALUES ($1, $2, $3, $4, $5, $6::jsonb)
	`, sessionID, userID, action, reasonVal, now, metaVal)
	return err
}
