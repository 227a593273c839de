package app

import (
	"context"
	"time"

	"vigil/cmd/internal/db"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewDBPool builds a pgxpool and validates connectivity. With DBAutoMigrate set
// the embedded migrations are applied first; otherwise schema management is left
// to cmd/migrate.
func NewDBPool(ctx context.Context, cfg Config, log Logger) (*pgxpool.Pool, error) {
	if cfg.DBAutoMigrate {
		if err := db.Migrate(cfg.DatabaseURL, "up"); err != nil {
			return nil, err
		}
		if v, dirty, err := db.Version(cfg.DatabaseURL); err == nil {
			log.Info("db.migrate.done", "version", v, "dirty", dirty)
		}
	}

	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}
