package session

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"vigil/cmd/internal/db"
	"vigil/cmd/internal/ids"
	"vigil/cmd/internal/policy"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when VIGIL_DATABASE_URL is set.
// In non-CI runs, unreachable Postgres skips these tests to keep local runs fast.

func TestPostgresStore_CreateSupersedesAndAudits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := mustIntegrationPool(ctx, t)
	store := NewPostgresStore(pool)

	userID := newUserID(t)
	t.Cleanup(func() { cleanupUserData(ctx, t, pool, userID) })

	now := time.Now().UTC().Truncate(time.Microsecond)
	first, err := store.Create(ctx, now, NewSession{UserID: userID, Role: policy.RoleAdmin, IPAddress: UnknownValue, UserAgent: "vigil-test/1.0", MaxAge: 8 * time.Hour})
	if err != nil {
		t.Fatalf("Create #1: %v", err)
	}
	if !first.ExpiresAt.Equal(now.Add(8 * time.Hour)) {
		t.Fatalf("ExpiresAt = %s, want %s", first.ExpiresAt, now.Add(8*time.Hour))
	}

	second, err := store.Create(ctx, now.Add(time.Second), NewSession{UserID: userID, Role: policy.RoleAdmin, IPAddress: UnknownValue, UserAgent: UnknownValue, MaxAge: 8 * time.Hour})
	if err != nil {
		t.Fatalf("Create #2: %v", err)
	}

	n, err := store.CountActive(ctx, userID)
	if err != nil || n != 1 {
		t.Fatalf("CountActive = %d, %v; want 1", n, err)
	}

	old, err := store.GetByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if old.IsActive || old.TerminationReason == nil || *old.TerminationReason != ReasonSuperseded {
		t.Fatalf("expected superseded row, got %+v", old)
	}

	active, err := store.ListActive(ctx, userID)
	if err != nil || len(active) != 1 || active[0].ID != second.ID {
		t.Fatalf("ListActive = %+v, %v", active, err)
	}

	if got := countEvents(ctx, t, pool, first.ID, "session.ended"); got != 1 {
		t.Fatalf("expected 1 ended event for first row, got %d", got)
	}
}

func TestPostgresStore_ConcurrentCreatesLeaveOneActive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := mustIntegrationPool(ctx, t)
	store := NewPostgresStore(pool)

	userID := newUserID(t)
	t.Cleanup(func() { cleanupUserData(ctx, t, pool, userID) })

	now := time.Now().UTC()
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Create(ctx, now, NewSession{UserID: userID, Role: policy.RoleUser, IPAddress: UnknownValue, UserAgent: UnknownValue, MaxAge: time.Hour})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	n, err := store.CountActive(ctx, userID)
	if err != nil || n != 1 {
		t.Fatalf("CountActive = %d, %v; want 1", n, err)
	}
}

func TestPostgresStore_DeactivateIsCompareAndSet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := mustIntegrationPool(ctx, t)
	store := NewPostgresStore(pool)

	userID := newUserID(t)
	t.Cleanup(func() { cleanupUserData(ctx, t, pool, userID) })

	now := time.Now().UTC()
	s, err := store.Create(ctx, now.Add(-9*time.Hour), NewSession{UserID: userID, Role: policy.RoleUser, IPAddress: UnknownValue, UserAgent: UnknownValue, MaxAge: 8 * time.Hour})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	stale, err := store.ListStale(ctx, NewStaleQuery(now, policy.DefaultTable(), 1000))
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	found := false
	for _, row := range stale {
		if row.ID == s.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s among stale rows", s.ID)
	}

	var wg sync.WaitGroup
	wins := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := store.Deactivate(ctx, now, s.ID, ReasonAbsoluteTimeout)
			if err != nil {
				t.Errorf("Deactivate: %v", err)
			}
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	total := 0
	for w := range wins {
		if w {
			total++
		}
	}
	if total != 1 {
		t.Fatalf("expected exactly one winner, got %d", total)
	}
	if got := countEvents(ctx, t, pool, s.ID, "session.expired"); got != 1 {
		t.Fatalf("expected 1 expired event, got %d", got)
	}
}

func TestPostgresStore_ListStaleUsesRoleCutoffs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := mustIntegrationPool(ctx, t)
	store := NewPostgresStore(pool)

	within, past, unknown := newUserID(t), newUserID(t), newUserID(t)
	t.Cleanup(func() {
		for _, u := range []string{within, past, unknown} {
			cleanupUserData(ctx, t, pool, u)
		}
	})

	now := time.Now().UTC().Truncate(time.Microsecond)
	mk := func(userID string, role policy.Role, idle time.Duration) ActiveSession {
		t.Helper()
		s, err := store.Create(ctx, now.Add(-idle), NewSession{UserID: userID, Role: role, IPAddress: UnknownValue, UserAgent: UnknownValue, MaxAge: 8 * time.Hour})
		if err != nil {
			t.Fatalf("Create %s: %v", userID, err)
		}
		return s
	}
	userWithin := mk(within, policy.RoleUser, 20*time.Minute)
	adminPast := mk(past, policy.RoleAdmin, 21*time.Minute)
	unknownPast := mk(unknown, policy.Role("auditor"), 31*time.Minute)

	stale, err := store.ListStale(ctx, NewStaleQuery(now, policy.DefaultTable(), 10000))
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	got := map[string]bool{}
	for _, row := range stale {
		got[row.ID] = true
	}
	if got[userWithin.ID] {
		t.Fatalf("user-role row idle 20m must not be a candidate")
	}
	if !got[adminPast.ID] || !got[unknownPast.ID] {
		t.Fatalf("expected admin and fallback-role rows among candidates: %v", got)
	}
}

func TestPostgresStore_TouchAndEnd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := mustIntegrationPool(ctx, t)
	store := NewPostgresStore(pool)

	userID := newUserID(t)
	t.Cleanup(func() { cleanupUserData(ctx, t, pool, userID) })

	now := time.Now().UTC().Truncate(time.Microsecond)
	s, err := store.Create(ctx, now, NewSession{UserID: userID, Role: policy.RoleUser, IPAddress: UnknownValue, UserAgent: UnknownValue, MaxAge: time.Hour})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ok, err := store.Touch(ctx, now.Add(time.Minute), userID)
	if err != nil || !ok {
		t.Fatalf("Touch = %v, %v", ok, err)
	}

	ok, err = store.Touch(ctx, now.Add(time.Hour), userID)
	if err != nil || ok {
		t.Fatalf("Touch at ceiling = %v, %v; want false", ok, err)
	}

	n, err := store.EndActive(ctx, now.Add(2*time.Hour), userID, ReasonUserLogout)
	if err != nil || n != 1 {
		t.Fatalf("EndActive = %d, %v", n, err)
	}
	n, err = store.EndActive(ctx, now.Add(2*time.Hour), userID, ReasonUserLogout)
	if err != nil || n != 0 {
		t.Fatalf("EndActive again = %d, %v", n, err)
	}

	row, err := store.GetByID(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !row.LastActivity.Equal(row.ExpiresAt) {
		t.Fatalf("LastActivity = %s, want clamped to %s", row.LastActivity, row.ExpiresAt)
	}

	if _, err := store.GetByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetByID(missing): expected ErrNotFound, got %v", err)
	}
}

func mustIntegrationPool(ctx context.Context, t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("VIGIL_DATABASE_URL")
	if dbURL == "" {
		t.Skip("VIGIL_DATABASE_URL is not set; skipping Postgres integration test")
	}

	pool := mustPGXPool(ctx, t, dbURL)
	t.Cleanup(pool.Close)

	if err := db.Migrate(dbURL, "up"); err != nil {
		t.Fatalf("db.Migrate: %v", err)
	}
	return pool
}

func mustPGXPool(ctx context.Context, t *testing.T, dbURL string) *pgxpool.Pool {
	t.Helper()

	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		t.Fatalf("pgxpool.ParseConfig: %v", err)
	}

	cfg.MaxConns = 8
	cfg.MinConns = 0
	cfg.MaxConnLifetime = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pgxpool.NewWithConfig: %v", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable (VIGIL_DATABASE_URL set): %v", err)
		}
		t.Fatalf("pool.Ping: %v", err)
	}

	return pool
}

func shouldSkipIntegration(err error) bool {
	if err == nil {
		return false
	}
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host")
}

func newUserID(t *testing.T) string {
	t.Helper()

	id, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	return "it-" + id
}

func countEvents(ctx context.Context, t *testing.T, pool *pgxpool.Pool, sessionID, action string) int {
	t.Helper()

	var n int
	err := pool.QueryRow(ctx, `
		SELECT count(*)
		FROM vigil.session_events
		WHERE session_id = $1 AND action = $2
	`, sessionID, action).Scan(&n)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

func cleanupUserData(ctx context.Context, t *testing.T, pool *pgxpool.Pool, userID string) {
	t.Helper()

	_, _ = pool.Exec(ctx, `DELETE FROM vigil.session_events WHERE user_id = $1`, userID)
	_, _ = pool.Exec(ctx, `DELETE FROM vigil.active_sessions WHERE user_id = $1`, userID)
}
