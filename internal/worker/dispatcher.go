// Package worker contains the dispatcher: the single loop that claims
// pending jobs with FOR UPDATE SKIP LOCKED and hands them to a bounded pool
// of OS worker processes. One Dispatcher instance runs per worker process
// group; all mutable dispatch state (lifecycle, last maintenance time) lives
// on the instance, never in package globals.
package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/dropseed/procq/internal/job"
	"github.com/dropseed/procq/internal/metrics"
	"github.com/dropseed/procq/internal/store"
	"github.com/dropseed/procq/internal/worker/procpool"
)

// State is the dispatcher lifecycle. Transitions are one-way:
// Running → ShuttingDown → Stopped.
type State int32

const (
	StateRunning State = iota
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Pool is the process-pool surface the dispatcher drives. Implemented by
// *procpool.Pool; tests substitute an in-process fake.
type Pool interface {
	Start()
	Submit(jobID uuid.UUID) error
	Events() <-chan procpool.Event
	Shutdown(ctx context.Context)
	ActiveProcesses() int
	BusyProcesses() int
}

// Config tunes the dispatch loop.
type Config struct {
	// PollBackoff is the sleep after a claim miss; prevents busy-polling an
	// empty queue.
	PollBackoff time.Duration
	// DispatchPause paces the loop after every submission and gives new
	// worker processes time to spin up.
	DispatchPause time.Duration
	// MaintenanceInterval is how often stats are logged and sweeps run.
	MaintenanceInterval time.Duration
	// LostJobTimeout is the age at which active jobs are presumed abandoned.
	LostJobTimeout time.Duration
	// ShutdownTimeout bounds the wait for in-flight jobs when the run
	// context is cancelled.
	ShutdownTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollBackoff <= 0 {
		c.PollBackoff = time.Second
	}
	if c.DispatchPause <= 0 {
		c.DispatchPause = 100 * time.Millisecond
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Minute
	}
	if c.LostJobTimeout <= 0 {
		c.LostJobTimeout = 30 * time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = time.Minute
	}
}

// Dispatcher claims pending jobs and drives the process pool.
type Dispatcher struct {
	store    *store.Store
	registry *job.Registry
	pool     Pool
	cfg      Config
	pacer    *rate.Limiter

	state           atomic.Int32
	lastMaintenance time.Time
	completionsDone chan struct{}
	stopped         chan struct{}
}

// New creates a Dispatcher. The registry is needed to compute per-class
// retry delays during the retry sweep.
func New(st *store.Store, reg *job.Registry, pool Pool, cfg Config) *Dispatcher {
	cfg.applyDefaults()
	d := &Dispatcher{
		store:           st,
		registry:        reg,
		pool:            pool,
		cfg:             cfg,
		pacer:           rate.NewLimiter(rate.Every(cfg.DispatchPause), 1),
		completionsDone: make(chan struct{}),
		stopped:         make(chan struct{}),
	}
	// Started here, not in Run, so Shutdown resolves even when Run was never
	// called; the handler exits when the pool closes its events channel.
	go d.handleCompletions()
	return d
}

// State returns the current lifecycle state.
func (d *Dispatcher) State() State { return State(d.state.Load()) }

// Run executes the dispatch loop until ctx is cancelled or Shutdown is
// called, then drains the pool and returns. Maintenance runs immediately on
// start so a restarted dispatcher sweeps lost jobs without waiting a full
// interval.
func (d *Dispatcher) Run(ctx context.Context) {
	d.pool.Start()

	slog.Info("dispatcher started",
		"poll_backoff", d.cfg.PollBackoff,
		"maintenance_interval", d.cfg.MaintenanceInterval,
		"lost_job_timeout", d.cfg.LostJobTimeout)

	for d.State() == StateRunning {
		select {
		case <-ctx.Done():
			d.Shutdown(context.Background())
		default:
		}
		if d.State() != StateRunning {
			break
		}

		if time.Since(d.lastMaintenance) >= d.cfg.MaintenanceInterval {
			d.maintain(ctx)
			d.lastMaintenance = time.Now()
		}

		claimed, err := d.store.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("claim failed", "error", err)
			}
			d.sleep(ctx, d.cfg.PollBackoff)
			continue
		}
		if claimed == nil {
			d.sleep(ctx, d.cfg.PollBackoff)
			continue
		}

		metrics.JobsClaimed.Inc()

		// Only the id crosses the process boundary; drop every other
		// reference to the claimed row before submission.
		jobID := claimed.ID
		claimed = nil //nolint:wastedassign // release before the hand-off

		if err := d.pool.Submit(jobID); err != nil {
			// Pool refused (shutdown raced the claim): the job was never
			// handed to a process, so it is cancelled, not lost.
			d.cancelJob(jobID)
			continue
		}

		// Dispatch pacing: lets a freshly spawned process come up before the
		// next claim and keeps the loop from monopolizing the database.
		_ = d.pacer.Wait(ctx)
	}

	<-d.stopped
	slog.Info("dispatcher stopped")
}

// Shutdown transitions Running → ShuttingDown: claiming stops, queued tasks
// are cancelled, and in-flight jobs get up to ShutdownTimeout to finish.
// Repeated calls, and calls after stop, are no-ops.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	if !d.state.CompareAndSwap(int32(StateRunning), int32(StateShuttingDown)) {
		return
	}
	slog.Info("dispatcher shutting down", "timeout", d.cfg.ShutdownTimeout)

	poolCtx, cancel := context.WithTimeout(ctx, d.cfg.ShutdownTimeout)
	defer cancel()
	d.pool.Shutdown(poolCtx)

	// The pool closed its events channel; wait for the completion handler to
	// finish converting cancelled tasks.
	<-d.completionsDone

	d.state.Store(int32(StateStopped))
	close(d.stopped)
}

// handleCompletions consumes pool events until the pool closes the channel
// at shutdown. Completed jobs already have their result row (written by the
// runner process); cancelled tasks get theirs here.
func (d *Dispatcher) handleCompletions() {
	defer close(d.completionsDone)
	for ev := range d.pool.Events() {
		switch ev.Kind {
		case procpool.Completed:
			slog.Debug("job completed", "job_id", ev.JobID)
		case procpool.Cancelled:
			d.cancelJob(ev.JobID)
		}
	}
}

// cancelJob converts an active job that never started executing into a
// CANCELLED result. This is the only place the dispatcher itself assigns
// CANCELLED; user-code failures are classified ERRORED by the runner.
func (d *Dispatcher) cancelJob(jobID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := d.store.CompleteJob(ctx, jobID, store.StatusCancelled, "cancelled before execution during shutdown")
	if err != nil {
		slog.Error("cancel job failed", "job_id", jobID, "error", err)
		return
	}
	if res == nil {
		// Already converted by a sweep or finished by a racing process.
		return
	}
	metrics.JobsCancelled.Inc()
	slog.Info("job cancelled", "job_id", jobID)
}

// maintain logs pool stats and runs the lost and retry sweeps. Maintenance
// failures are logged and swallowed; they never stop dispatching.
func (d *Dispatcher) maintain(ctx context.Context) {
	stats, err := d.store.Stats(ctx)
	if err != nil {
		slog.Error("maintenance: queue stats failed", "error", err)
	} else {
		metrics.QueueBacklog.Set(float64(stats.Backlog()))
		metrics.QueuePending.Set(float64(stats.Pending))
		metrics.WorkerProcesses.Set(float64(d.pool.ActiveProcesses()))
		slog.Info("queue stats",
			"pending", stats.Pending,
			"active", stats.Active,
			"backlog", stats.Backlog(),
			"processes", d.pool.ActiveProcesses(),
			"busy", d.pool.BusyProcesses())
	}

	if swept, err := d.store.SweepLost(ctx, d.cfg.LostJobTimeout); err != nil {
		slog.Error("maintenance: lost-job sweep failed", "error", err)
	} else if swept > 0 {
		metrics.JobsLost.Add(float64(swept))
		slog.Warn("lost jobs swept", "count", swept, "timeout", d.cfg.LostJobTimeout)
	}

	if spawned, err := d.store.SweepRetries(ctx, d.retryStartAt); err != nil {
		slog.Error("maintenance: retry sweep failed", "error", err)
	} else if spawned > 0 {
		metrics.RetriesSpawned.Add(float64(spawned))
		slog.Info("retries spawned", "count", spawned)
	}
}

// retryStartAt computes when the retry of r becomes eligible. Any failure —
// unknown class, parameter decode, the delay hook itself erroring — falls
// back to an immediate retry rather than blocking it.
func (d *Dispatcher) retryStartAt(r *store.JobResult, attempt int32) *time.Time {
	j, err := d.registry.New(r.JobClass, r.Parameters)
	if err != nil {
		slog.Warn("retry delay: cannot decode job, retrying immediately",
			"job_class", r.JobClass, "result_id", r.ID, "error", err)
		return nil
	}
	delay, err := job.RetryDelayOf(j, attempt)
	if err != nil {
		slog.Warn("retry delay hook failed, retrying immediately",
			"job_class", r.JobClass, "attempt", attempt, "error", err)
		return nil
	}
	if delay <= 0 {
		return nil
	}
	t := time.Now().Add(delay)
	return &t
}

// sleep pauses for d or until ctx is cancelled. time.NewTimer (not
// time.After) to avoid leaking the timer on cancellation.
func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
