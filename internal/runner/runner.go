// Package runner executes claimed jobs inside an isolated worker process.
// It owns the ActiveJob → JobResult transition: whatever user code does —
// return an error, panic, or succeed — exactly one terminal result row is
// written and no failure escapes the process entry point.
package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/dropseed/procq/internal/job"
	"github.com/dropseed/procq/internal/store"
)

// RunFunc executes a decoded job. Middleware wraps it.
type RunFunc func(ctx context.Context, j job.Job) error

// Middleware wraps job execution for cross-cutting behavior (tracing,
// metrics, per-class throttling). Middleware registered first runs
// outermost.
type Middleware func(next RunFunc) RunFunc

// Hooks are lifecycle callbacks fired around every execution. OnFinish is
// fired from a deferred block, so it runs even when execution fails.
type Hooks struct {
	OnStart  func(j *store.Job)
	OnFinish func(r *store.JobResult)
}

// Runner executes jobs by id against a Store and a class Registry.
type Runner struct {
	store      *store.Store
	registry   *job.Registry
	middleware []Middleware
	hooks      Hooks
}

// New creates a Runner.
func New(st *store.Store, reg *job.Registry) *Runner {
	return &Runner{store: st, registry: reg}
}

// Use appends middleware to the execution chain, in registration order.
func (r *Runner) Use(mw ...Middleware) {
	r.middleware = append(r.middleware, mw...)
}

// SetHooks installs lifecycle callbacks.
func (r *Runner) SetHooks(h Hooks) {
	r.hooks = h
}

// Execute runs one claimed job to its terminal result. The returned error is
// infrastructure-only (database unreachable); user-code failures are captured
// into an ERRORED result and never propagate.
func (r *Runner) Execute(ctx context.Context, jobID uuid.UUID) error {
	j, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if j == nil {
		// Raced with a sweep — the attempt already has its terminal record.
		slog.Info("job gone before execution", "job_id", jobID)
		return nil
	}

	// started_at is persisted before user code runs; the lost-job sweep and
	// backlog stats key off it.
	startedAt, err := r.store.MarkJobStarted(ctx, jobID)
	if err != nil {
		return fmt.Errorf("mark job %s started: %w", jobID, err)
	}
	if startedAt == nil {
		slog.Info("job swept before start", "job_id", jobID)
		return nil
	}
	j.StartedAt = startedAt

	if r.hooks.OnStart != nil {
		r.hooks.OnStart(j)
	}

	status := store.StatusSuccessful
	var errText string
	if runErr := r.invoke(ctx, j); runErr != nil {
		status = store.StatusErrored
		errText = runErr.Error()
		slog.Error("job errored",
			"job_id", j.ID, "job_class", j.JobClass,
			"retry_attempt", j.RetryAttempt, "error", runErr)
	}

	var result *store.JobResult
	defer func() {
		if r.hooks.OnFinish != nil && result != nil {
			r.hooks.OnFinish(result)
		}
	}()

	result, err = r.store.CompleteJob(ctx, jobID, status, errText)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	if result == nil {
		slog.Warn("job swept during execution, result discarded",
			"job_id", jobID, "status", status)
		return nil
	}

	slog.Info("job finished",
		"job_id", j.ID, "job_class", j.JobClass, "status", result.Status,
		"duration", result.EndedAt.Sub(*startedAt).Round(time.Millisecond))
	return nil
}

// invoke decodes the job and runs it through the middleware chain. Panics
// from user code are recovered with their stack so the attempt still
// produces a terminal result.
func (r *Runner) invoke(ctx context.Context, j *store.Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v\n%s", p, debug.Stack())
		}
	}()

	decoded, err := r.registry.New(j.JobClass, j.Parameters)
	if err != nil {
		return err
	}

	run := func(ctx context.Context, dj job.Job) error { return dj.Run(ctx) }
	for i := len(r.middleware) - 1; i >= 0; i-- {
		run = r.middleware[i](run)
	}
	return run(ctx, decoded)
}

// Serve is the worker-process loop: it reads job ids line-by-line from in
// until EOF (the dispatcher closing stdin is the recycle signal), executes
// each, and acks "done <id>" on out once the terminal result is persisted.
// The ack is the parent's guarantee that the result row exists: an
// infrastructure failure (database unreachable) stops the process without
// acking, so the parent retires it and the lost sweep owns the job. User-code
// failures are already captured as ERRORED results inside Execute and are
// acked normally. An unparseable line is a protocol error and stops the
// process.
func (r *Runner) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		id, err := uuid.Parse(line)
		if err != nil {
			return fmt.Errorf("bad job id line %q: %w", line, err)
		}
		if err := r.Execute(ctx, id); err != nil {
			// No result row was persisted; exit without acking rather than
			// retrying here with unknown database state.
			return fmt.Errorf("execute job %s: %w", id, err)
		}
		if _, err := fmt.Fprintf(out, "done %s\n", id); err != nil {
			return fmt.Errorf("ack job %s: %w", id, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read job ids: %w", err)
	}
	return nil
}
