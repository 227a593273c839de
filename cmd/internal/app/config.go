package app

import "time"

// Config contains the server runtime configuration loaded from environment variables.
// Package-level settings (session, monitor, sweeper, websocket, API) are loaded by
// their own LoadConfigFromEnv.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // json | text | pretty

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBAutoMigrate bool

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	// PolicyFile is an optional role profile file (see policy.LoadTable).
	PolicyFile string

	// SweepEnabled runs the expiry sweeper in-process.
	SweepEnabled bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("VIGIL_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("VIGIL_LOG_LEVEL", "info"),
		LogFormat: EnvString("VIGIL_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("VIGIL_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("VIGIL_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("VIGIL_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("VIGIL_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("VIGIL_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:   EnvString("VIGIL_DATABASE_URL", ""),
		DBMaxConns:    EnvInt32("VIGIL_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("VIGIL_DB_MIN_CONNS", 0),
		DBAutoMigrate: EnvBool("VIGIL_DB_AUTO_MIGRATE", false),

		ReadinessRequireDB: EnvBool("VIGIL_READINESS_REQUIRE_DB", false),

		PolicyFile:   EnvString("VIGIL_POLICY_FILE", ""),
		SweepEnabled: EnvBool("VIGIL_SWEEP_ENABLED", true),

		CORSAllowedOrigins:   EnvCSV("VIGIL_CORS_ALLOWED_ORIGINS", ""),
		CORSAllowCredentials: EnvBool("VIGIL_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("VIGIL_CORS_MAX_AGE_SECONDS", 600),
	}
}
