// Command procq is the procq queue binary.
//
// Subcommands:
//
//	worker      — dispatcher + bounded worker-process pool (long-running)
//	run-worker  — worker child process entry point (internal, spawned by worker)
//	migrate     — run pending database migrations and exit
//	enqueue     — enqueue one job from the command line
//	results     — list terminal job results
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that time.LoadLocation
	// works inside distroless containers that have no /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that the
	// Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/go-chi/chi/v5"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dropseed/procq/internal/config"
	"github.com/dropseed/procq/internal/queue"
	"github.com/dropseed/procq/internal/runner"
	"github.com/dropseed/procq/internal/schedule"
	"github.com/dropseed/procq/internal/store"
	"github.com/dropseed/procq/internal/worker"
	"github.com/dropseed/procq/internal/worker/procpool"
	"github.com/dropseed/procq/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "procq",
		Short: "procq — durable Postgres-backed background-job queue",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		workerCmd(),
		runWorkerCmd(),
		migrateCmd(),
		enqueueCmd(),
		resultsCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start the dispatcher and its worker-process pool",
		RunE:  runWorker,
	}
	cmd.Flags().Int("max-processes", 0, "override WORKER_MAX_PROCESSES")
	cmd.Flags().Int("max-jobs-per-process", -1, "override WORKER_MAX_JOBS_PER_PROCESS")
	cmd.Flags().Duration("maintenance-interval", 0, "override WORKER_MAINTENANCE_INTERVAL")
	return cmd
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if n, _ := cmd.Flags().GetInt("max-processes"); n > 0 {
		cfg.MaxProcesses = n
	}
	if n, _ := cmd.Flags().GetInt("max-jobs-per-process"); n >= 0 {
		cfg.MaxJobsPerProcess = n
	}
	if d, _ := cmd.Flags().GetDuration("maintenance-interval"); d > 0 {
		cfg.MaintenanceInterval = d
	}

	slog.SetDefault(newLogger(cfg))

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)
	reg, err := buildRegistry(st)
	if err != nil {
		return fmt.Errorf("job registry: %w", err)
	}
	q := queue.New(st, reg)

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate binary: %w", err)
	}
	pool := procpool.New(procpool.Config{
		MaxProcesses:      cfg.MaxProcesses,
		MaxJobsPerProcess: cfg.MaxJobsPerProcess,
		Command: func() *exec.Cmd {
			c := exec.Command(exe, "run-worker")
			c.Env = os.Environ()
			return c
		},
	})

	dispatcher := worker.New(st, reg, pool, worker.Config{
		PollBackoff:         cfg.PollBackoff,
		MaintenanceInterval: cfg.MaintenanceInterval,
		LostJobTimeout:      cfg.LostJobTimeout,
		ShutdownTimeout:     cfg.ShutdownTimeout,
	})

	sched := schedule.New(q)
	if err := addSchedules(sched, cfg); err != nil {
		return fmt.Errorf("schedules: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	stopMetrics := serveMetrics(cfg.MetricsAddr)
	defer stopMetrics()

	slog.Info("worker started",
		"max_processes", cfg.MaxProcesses,
		"max_jobs_per_process", cfg.MaxJobsPerProcess)
	dispatcher.Run(ctx) // blocks until signal, then drains in-flight jobs
	return nil
}

// serveMetrics starts the observability listener (/metrics, /healthz) and
// returns its shutdown func. Empty addr disables the listener.
func serveMetrics(addr string) func() {
	if addr == "" {
		return func() {}
	}
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("metrics listener started", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics listener failed", "error", err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

// ── run-worker ────────────────────────────────────────────────────────────────

func runWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "run-worker",
		Short:  "Worker child process: executes job ids received on stdin",
		Hidden: true,
		RunE:   runWorkerProcess,
	}
}

func runWorkerProcess(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	// Logs go to stderr; stdout is the ack protocol channel with the parent.
	slog.SetDefault(newLogger(cfg))

	// A worker process executes one job at a time; a couple of connections
	// cover the job queries without multiplying pool size by process count.
	cfg.DBMaxConns = 2
	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	st := store.New(db)
	reg, err := buildRegistry(st)
	if err != nil {
		return fmt.Errorf("job registry: %w", err)
	}

	r := runner.New(st, reg)
	r.Use(timingMiddleware)
	return r.Serve(cmd.Context(), os.Stdin, os.Stdout)
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))
	slog.Info("running migrations")

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide. No pooling needed for a one-shot run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue <job-class>",
		Short: "Enqueue one job",
		Args:  cobra.ExactArgs(1),
		RunE:  runEnqueue,
	}
	cmd.Flags().String("params", "{}", "job parameters as JSON")
	cmd.Flags().Duration("delay", 0, "delay before the job becomes eligible")
	cmd.Flags().Int32("priority", 0, "priority override (lower runs first)")
	cmd.Flags().Int32("retries", 0, "retry budget override")
	cmd.Flags().String("source", "cli", "source tag recorded on the request")
	return cmd
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	st := store.New(db)
	reg, err := buildRegistry(st)
	if err != nil {
		return fmt.Errorf("job registry: %w", err)
	}
	q := queue.New(st, reg)

	class := args[0]
	params, _ := cmd.Flags().GetString("params")
	j, err := reg.New(class, json.RawMessage(params))
	if err != nil {
		return err
	}

	src, _ := cmd.Flags().GetString("source")
	opts := []queue.Option{queue.WithSource(src)}
	if d, _ := cmd.Flags().GetDuration("delay"); d > 0 {
		opts = append(opts, queue.WithDelay(d))
	}
	if cmd.Flags().Changed("priority") {
		p, _ := cmd.Flags().GetInt32("priority")
		opts = append(opts, queue.WithPriority(p))
	}
	if cmd.Flags().Changed("retries") {
		n, _ := cmd.Flags().GetInt32("retries")
		opts = append(opts, queue.WithRetries(n))
	}

	req, deduped, err := q.Enqueue(cmd.Context(), class, j, opts...)
	if err != nil {
		return err
	}
	if deduped {
		fmt.Printf("deduped: existing request %s\n", req.ID)
		return nil
	}
	fmt.Printf("enqueued: request %s\n", req.ID)
	return nil
}

// ── results ───────────────────────────────────────────────────────────────────

func resultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "List terminal job results, newest first",
		RunE:  runResults,
	}
	cmd.Flags().String("status", "", "filter: successful|errored|cancelled|lost")
	cmd.Flags().String("class", "", "filter: job class")
	cmd.Flags().Duration("since", 0, "filter: results newer than this lookback")
	cmd.Flags().Uint64("limit", 50, "maximum rows")
	return cmd
}

func runResults(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	f := store.ResultFilter{}
	if s, _ := cmd.Flags().GetString("status"); s != "" {
		f.Status = store.Status(s)
	}
	f.JobClass, _ = cmd.Flags().GetString("class")
	if d, _ := cmd.Flags().GetDuration("since"); d > 0 {
		f.Since = time.Now().Add(-d)
	}
	f.Limit, _ = cmd.Flags().GetUint64("limit")

	results, err := store.New(db).ListResults(cmd.Context(), f)
	if err != nil {
		return err
	}
	for _, r := range results {
		errText := ""
		if r.Error != nil {
			errText = *r.Error
			if len(errText) > 80 {
				errText = errText[:77] + "..."
			}
		}
		fmt.Printf("%s  %-10s  %-24s  attempt=%d/%d  %s  %s\n",
			r.ID, r.Status, r.JobClass, r.RetryAttempt, r.Retries,
			r.EndedAt.Format(time.RFC3339), errText)
	}
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newPool creates and validates a pgxpool. Retries with linear backoff to
// handle the container-orchestration startup race where Postgres is not
// immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// PgBouncer transaction-pooling compatibility.
	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	// Per-query statement timeout prevents runaway queries from holding
	// connections indefinitely.
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)

	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying", "attempt", attempt, "error", connErr)
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Advisory check: warn when the applied schema version does not match the
	// version this binary was built for, catching deployments that skipped
	// `procq migrate`.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch — run `procq migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion)
	}

	return db, nil
}

// expectedSchemaVersion is the migration version this binary requires.
// Update when new migrations are added.
const expectedSchemaVersion = 1

// newLogger creates a slog.Logger from the configured level and format.
// Always writes to stderr: worker child processes reserve stdout for the
// ack protocol.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
