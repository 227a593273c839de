// Package db owns the vigil Postgres schema and its migration runner.
package db

import "embed"

// MigrationFS embeds the SQL migrations applied by cmd/migrate and by the
// server when VIGIL_DB_AUTO_MIGRATE is set.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
