// Package sweeper expires stale sessions whose client never reported termination.
//
// It is the server-side authority for crashed tabs, closed browsers and network
// partitions. Every transition is a compare-and-set on is_active, so any number of
// sweepers (and concurrent logouts) can run against the same store.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"vigil/cmd/internal/auth/session"
	"vigil/cmd/internal/policy"

	"github.com/jonboulle/clockwork"
)

// Result summarizes a sweep.
type Result struct {
	// Scanned is the number of candidate rows examined.
	Scanned int
	// Expired is the number of rows this caller transitioned to inactive.
	Expired int
	// Lost is the number of stale rows another caller ended first.
	Lost int
}

func (r *Result) add(o Result) {
	r.Scanned += o.Scanned
	r.Expired += o.Expired
	r.Lost += o.Lost
}

// Sweeper scans a session.Store for rows past their deadline.
type Sweeper struct {
	cfg      Config
	store    session.Store
	policies *policy.Table
	log      *slog.Logger
	clock    clockwork.Clock
}

// Option customizes a Sweeper.
type Option func(*Sweeper)

// WithClock overrides the wall clock (tests).
func WithClock(c clockwork.Clock) Option {
	return func(s *Sweeper) {
		if c != nil {
			s.clock = c
		}
	}
}

// New constructs a Sweeper. A nil logger discards output.
func New(cfg Config, store session.Store, policies *policy.Table, log *slog.Logger, opts ...Option) *Sweeper {
	if policies == nil {
		policies = policy.DefaultTable()
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Sweeper{
		cfg:      cfg.normalized(),
		store:    store,
		policies: policies,
		log:      log,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep runs one pass at now. It drains full batches up to Config.MaxBatches.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Result, error) {
	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	now = now.UTC()
	q := session.NewStaleQuery(now, s.policies, s.cfg.BatchSize)

	var total Result
	for i := 0; i < s.cfg.MaxBatches; i++ {
		var rows []session.ActiveSession
		err := s.call(ctx, func(ctx context.Context) error {
			var err error
			rows, err = s.store.ListStale(ctx, q)
			return err
		})
		if err != nil {
			sweepRuns.WithLabelValues("error").Inc()
			s.log.Error("sweep.list.fail", "err", err)
			return total, err
		}

		res, err := s.expire(ctx, now, rows)
		total.add(res)
		if err != nil {
			sweepRuns.WithLabelValues("error").Inc()
			return total, err
		}

		// Matched rows leave the candidate set once expired, so a short batch
		// means the pass is drained. A full batch with no progress can only
		// come from a store failing to apply its own query.
		if len(rows) < s.cfg.BatchSize || res.Expired+res.Lost == 0 {
			break
		}
	}

	sweepRuns.WithLabelValues("ok").Inc()
	if total.Expired > 0 || total.Lost > 0 {
		s.log.Info("sweep.done",
			"scanned", total.Scanned,
			"expired", total.Expired,
			"lost", total.Lost,
		)
	} else {
		s.log.Debug("sweep.done", "scanned", total.Scanned)
	}
	return total, nil
}

// SweepUser expires the user's stale active rows at the current time.
// It returns how many rows this call transitioned.
func (s *Sweeper) SweepUser(ctx context.Context, userID string) (int, error) {
	now := s.clock.Now().UTC()

	var rows []session.ActiveSession
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		rows, err = s.store.ListActive(ctx, userID)
		return err
	})
	if err != nil {
		s.log.Error("sweep.user.list.fail", "user_id", userID, "err", err)
		return 0, err
	}

	res, err := s.expire(ctx, now, rows)
	return res.Expired, err
}

// Run sweeps immediately and then every Config.Interval until ctx is cancelled.
// Failed passes are logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info("sweep.start", "interval", s.cfg.Interval.String(), "batch", s.cfg.BatchSize)

	for {
		if _, err := s.Sweep(ctx, s.clock.Now()); err != nil && ctx.Err() == nil {
			s.log.Warn("sweep.pass.fail", "err", err)
		}

		select {
		case <-ctx.Done():
			s.log.Info("sweep.stop")
			return nil
		case <-ticker.Chan():
		}
	}
}

func (s *Sweeper) expire(ctx context.Context, now time.Time, rows []session.ActiveSession) (Result, error) {
	res := Result{Scanned: len(rows)}

	for _, row := range rows {
		reason, stale := session.StaleReason(row, now, s.policies)
		if !stale {
			continue
		}

		var won bool
		err := s.call(ctx, func(ctx context.Context) error {
			var err error
			won, err = s.store.Deactivate(ctx, now, row.ID, reason)
			return err
		})
		if err != nil {
			s.log.Error("sweep.deactivate.fail", "session_id", row.ID, "user_id", row.UserID, "err", err)
			return res, err
		}

		if !won {
			res.Lost++
			sweepLost.Inc()
			continue
		}

		res.Expired++
		sweepExpired.WithLabelValues(string(reason)).Inc()
		s.log.Info("sweep.expired",
			"session_id", row.ID,
			"user_id", row.UserID,
			"reason", string(reason),
			"last_activity", row.LastActivity,
			"expires_at", row.ExpiresAt,
		)
	}
	return res, nil
}

func (s *Sweeper) call(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	err := fn(cctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return &session.StoreError{Op: "sweep", Err: err}
	}
	return err
}
