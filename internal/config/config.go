// Package config parses and validates all procq configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all procq configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"30000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Worker pool ──────────────────────────────────────────────────────────────
	// MaxProcesses caps the number of concurrently running job processes.
	MaxProcesses int `env:"WORKER_MAX_PROCESSES" envDefault:"5"`
	// MaxJobsPerProcess recycles a worker process after it has executed this
	// many jobs, bounding leaked memory. 0 disables recycling.
	MaxJobsPerProcess   int           `env:"WORKER_MAX_JOBS_PER_PROCESS" envDefault:"100"`
	MaintenanceInterval time.Duration `env:"WORKER_MAINTENANCE_INTERVAL" envDefault:"1m"`
	// PollBackoff is how long the dispatcher sleeps when no job is eligible.
	PollBackoff time.Duration `env:"WORKER_POLL_BACKOFF" envDefault:"1s"`
	// LostJobTimeout is the age at which an active job is presumed abandoned.
	// Must be conservative: the sweep cannot tell "stuck" from "slow".
	LostJobTimeout time.Duration `env:"WORKER_LOST_JOB_TIMEOUT" envDefault:"30m"`
	// ShutdownTimeout bounds how long graceful shutdown waits for in-flight jobs.
	ShutdownTimeout time.Duration `env:"WORKER_SHUTDOWN_TIMEOUT" envDefault:"60s"`

	// ── Retention ────────────────────────────────────────────────────────────────
	ResultRetention time.Duration `env:"RESULT_RETENTION" envDefault:"720h"`

	// ── Observability ────────────────────────────────────────────────────────────
	// MetricsAddr serves /metrics and /healthz from the worker command.
	// Empty disables the listener.
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	AppEnv    string `env:"APP_ENV"    envDefault:"development"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether procq is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
