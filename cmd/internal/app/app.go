// Package app wires the vigil server runtime: config, logging, storage, the
// session API, the websocket gateway and the expiry sweeper.
package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	authapi "vigil/cmd/internal/auth/api"
	"vigil/cmd/internal/auth/session"
	"vigil/cmd/internal/monitor"
	"vigil/cmd/internal/policy"
	"vigil/cmd/internal/realtime"
	"vigil/cmd/internal/sweeper"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App is the vigil server runtime. It owns the store and pool lifecycles.
type App struct {
	cfg Config
	log Logger

	store  session.Store
	dbPool *pgxpool.Pool

	sessions *session.Registrar
	sweeper  *sweeper.Sweeper
	api      *authapi.Handler
	ws       *realtime.Gateway
}

// New constructs a fully wired App from config and logger. Without a database
// URL it falls back to the in-memory store (single process, dev only).
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	table, err := policy.LoadTable(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	sweepCfg, err := sweeper.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	monCfg, err := monitor.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	wsCfg, err := realtime.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	apiCfg := authapi.LoadConfigFromEnv()
	apiCfg.HeartbeatInterval = monCfg.HeartbeatInterval

	store, pool, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	sw := sweeper.New(sweepCfg, store, table, log)
	reg := session.NewRegistrar(sessCfg, store, table, log, session.WithUserSweeper(sw))

	api, err := authapi.NewHandler(log, apiCfg, reg)
	if err != nil {
		closeStore(store, pool)
		return nil, err
	}
	ws, err := realtime.NewGateway(log, wsCfg, monCfg, reg)
	if err != nil {
		closeStore(store, pool)
		return nil, err
	}

	log.Info("policy.loaded",
		"roles", len(table.Roles()),
		"fallback", string(table.Fallback()),
		"max_session_duration", table.MaxSessionDuration().String(),
	)

	return &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		dbPool:   pool,
		sessions: reg,
		sweeper:  sw,
		api:      api,
		ws:       ws,
	}, nil
}

// Handler returns the routed handler with the middleware chain applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.api, a.ws)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	h = WithRequestLogging(h, a.log)
	return WithRequestID(h)
}

// Run starts the HTTP server (and the sweeper when enabled) and blocks until
// context cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"api", base+"/api/sessions",
		"ws", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbPool != nil,
		"sweep_enabled", a.cfg.SweepEnabled,
	)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()

	var wg sync.WaitGroup
	if a.cfg.SweepEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.sweeper.Run(sweepCtx); err != nil {
				a.log.Error("sweep.run.fail", "err", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		a.log.Error("server.shutdown.fail", "err", err)
		runErr = err
	}

	stopSweep()
	wg.Wait()
	a.Close()

	a.log.Info("server.stopped")
	return runErr
}

// Close releases the store and the pool.
func (a *App) Close() {
	closeStore(a.store, a.dbPool)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between Postgres-backed persistence and the in-memory dev store.
func newStore(ctx context.Context, cfg Config, log Logger) (session.Store, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return session.NewInMemoryStore(), nil, nil
	}

	pool, err := NewDBPool(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}

	log.Info("db.enabled.postgres_store")
	return session.NewPostgresStore(pool), pool, nil
}

func closeStore(store session.Store, pool *pgxpool.Pool) {
	if store != nil {
		_ = store.Close()
	}
	if pool != nil {
		pool.Close()
	}
}
