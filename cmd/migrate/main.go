// Command migrate applies or rolls back the embedded vigil schema migrations.
//
//	go run ./cmd/migrate -direction up
//
// The DSN comes from -dsn or VIGIL_DATABASE_URL.
package main

import (
	"errors"
	"flag"
	"log/slog"
	"os"
	"strings"

	"vigil/cmd/internal/db"
)

func main() {
	var (
		direction = flag.String("direction", "up", "up | down")
		dsn       = flag.String("dsn", "", "Postgres URL (default $VIGIL_DATABASE_URL)")
	)
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	url := strings.TrimSpace(*dsn)
	if url == "" {
		url = strings.TrimSpace(os.Getenv("VIGIL_DATABASE_URL"))
	}

	if err := db.Migrate(url, *direction); err != nil {
		if errors.Is(err, db.ErrMissingDSN) {
			log.Error("migrate.fail", "err", "set -dsn or VIGIL_DATABASE_URL")
		} else {
			log.Error("migrate.fail", "direction", *direction, "err", err)
		}
		os.Exit(1)
	}

	version, dirty, err := db.Version(url)
	if err != nil {
		log.Error("migrate.version.fail", "err", err)
		os.Exit(1)
	}
	log.Info("migrate.done", "direction", *direction, "version", version, "dirty", dirty)
}
