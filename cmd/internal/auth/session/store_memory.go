package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"vigil/cmd/internal/ids"
)

// InMemoryStore is the dev fallback when no database is configured.
// A single mutex serializes all mutations, which trivially serializes them per user.
type InMemoryStore struct {
	mu     sync.Mutex
	rows   map[string]*ActiveSession
	byUser map[string][]string
}

// NewInMemoryStore constructs an empty in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rows:   make(map[string]*ActiveSession),
		byUser: make(map[string][]string),
	}
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

// Create supersedes the user's active rows and inserts a new one.
func (s *InMemoryStore) Create(ctx context.Context, now time.Time, in NewSession) (ActiveSession, error) {
	if err := ctx.Err(); err != nil {
		return ActiveSession{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	loginTime := now
	for _, id := range s.byUser[in.UserID] {
		if r := s.rows[id]; r.IsActive && r.LoginTime.After(loginTime) {
			loginTime = r.LoginTime
		}
	}

	id, err := ids.NewULID(loginTime)
	if err != nil {
		return ActiveSession{}, err
	}

	s.endLocked(now, in.UserID, ReasonSuperseded)

	row := &ActiveSession{
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
	s.rows[id] = row
	s.byUser[in.UserID] = append(s.byUser[in.UserID], id)

	return copyRow(row), nil
}

// GetByID loads a row by id.
func (s *InMemoryStore) GetByID(ctx context.Context, sessionID string) (ActiveSession, error) {
	if err := ctx.Err(); err != nil {
		return ActiveSession{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[sessionID]
	if !ok {
		return ActiveSession{}, ErrNotFound
	}
	return copyRow(r), nil
}

// ListActive returns active rows for the user, newest login first.
func (s *InMemoryStore) ListActive(ctx context.Context, userID string) ([]ActiveSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ActiveSession
	for _, id := range s.byUser[userID] {
		if r := s.rows[id]; r.IsActive {
			out = append(out, copyRow(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoginTime.After(out[j].LoginTime) })
	return out, nil
}

// CountActive counts active rows for the user.
func (s *InMemoryStore) CountActive(ctx context.Context, userID string) (int, error) {
	rows, err := s.ListActive(ctx, userID)
	return len(rows), err
}

// Touch updates last activity of the active, unexpired row.
func (s *InMemoryStore) Touch(ctx context.Context, now time.Time, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	touched := false
	for _, id := range s.byUser[userID] {
		r := s.rows[id]
		if !r.IsActive || !now.Before(r.ExpiresAt) {
			continue
		}
		r.LastActivity = clampActivity(r.LastActivity, now, r.ExpiresAt)
		touched = true
	}
	return touched, nil
}

// EndActive deactivates every active row of the user.
func (s *InMemoryStore) EndActive(ctx context.Context, now time.Time, userID string, reason TerminationReason) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.endLocked(now, userID, reason), nil
}

// ListStale returns sweep candidates.
func (s *InMemoryStore) ListStale(ctx context.Context, q StaleQuery) ([]ActiveSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	var out []ActiveSession
	for _, r := range s.rows {
		if q.Matches(*r) {
			out = append(out, copyRow(r))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		ci, cj := !q.Now.Before(out[i].ExpiresAt), !q.Now.Before(out[j].ExpiresAt)
		if ci != cj {
			return ci
		}
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.Before(out[j].LastActivity)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Deactivate is a compare-and-set on IsActive.
func (s *InMemoryStore) Deactivate(ctx context.Context, now time.Time, sessionID string, reason TerminationReason) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[sessionID]
	if !ok || !r.IsActive {
		return false, nil
	}
	deactivate(r, now, reason, false)
	return true, nil
}

func (s *InMemoryStore) endLocked(now time.Time, userID string, reason TerminationReason) int {
	n := 0
	for _, id := range s.byUser[userID] {
		if r := s.rows[id]; r.IsActive {
			deactivate(r, now, reason, true)
			n++
		}
	}
	return n
}

func deactivate(r *ActiveSession, now time.Time, reason TerminationReason, stampActivity bool) {
	if stampActivity {
		r.LastActivity = clampActivity(r.LastActivity, now, r.ExpiresAt)
	}
	ended := now
	rs := reason
	r.IsActive = false
	r.EndedAt = &ended
	r.TerminationReason = &rs
}

func copyRow(r *ActiveSession) ActiveSession {
	cp := *r
	if r.EndedAt != nil {
		t := *r.EndedAt
		cp.EndedAt = &t
	}
	if r.TerminationReason != nil {
		rs := *r.TerminationReason
		cp.TerminationReason = &rs
	}
	return cp
}
