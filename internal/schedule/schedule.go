// Package schedule enqueues recurring jobs from cron expressions. Each tick
// goes through the normal enqueue path, so unique keys dedup a schedule
// whose previous run is still pending or in flight.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dropseed/procq/internal/job"
	"github.com/dropseed/procq/internal/queue"
)

// enqueueTimeout bounds a single scheduled enqueue; a slow database must not
// back up the cron runner.
const enqueueTimeout = 30 * time.Second

// Scheduler owns a cron runner that feeds the queue.
type Scheduler struct {
	cron *cron.Cron
	q    *queue.Queue
}

// New creates a Scheduler enqueueing into q. Standard 5-field cron
// expressions plus the @every descriptors are accepted.
func New(q *queue.Queue) *Scheduler {
	return &Scheduler{cron: cron.New(), q: q}
}

// Add registers a recurring enqueue. make builds a fresh job instance per
// tick; the class must already be registered. Enqueue failures on a tick are
// logged and the schedule keeps running.
func (s *Scheduler) Add(spec, class string, make func() job.Job, opts ...queue.Option) error {
	if !s.q.Registry().Has(class) {
		return fmt.Errorf("schedule %q: unknown job class %q", spec, class)
	}
	opts = append(opts, queue.WithSource("schedule:"+spec))

	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
		defer cancel()

		req, deduped, err := s.q.Enqueue(ctx, class, make(), opts...)
		if err != nil {
			slog.Error("scheduled enqueue failed", "job_class", class, "spec", spec, "error", err)
			return
		}
		if deduped {
			slog.Debug("scheduled enqueue deduped", "job_class", class, "request_id", req.ID)
			return
		}
		slog.Debug("scheduled enqueue", "job_class", class, "request_id", req.ID)
	})
	if err != nil {
		return fmt.Errorf("schedule %q for %q: %w", spec, class, err)
	}
	return nil
}

// Start begins firing schedules in a background goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and returns a context that closes once any
// in-flight enqueue callbacks have finished.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }
