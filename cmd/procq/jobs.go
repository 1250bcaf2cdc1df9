// ABOUTME: Job-class wiring for the procq binary: builtin registrations, recurring
// ABOUTME: schedules, and the timing middleware installed in worker processes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dropseed/procq/internal/builtin"
	"github.com/dropseed/procq/internal/config"
	"github.com/dropseed/procq/internal/job"
	"github.com/dropseed/procq/internal/runner"
	"github.com/dropseed/procq/internal/schedule"
	"github.com/dropseed/procq/internal/store"
)

// buildRegistry wires the job classes this binary knows. Registration is
// eager: a broken class fails startup here rather than at execution time.
func buildRegistry(st *store.Store) (*job.Registry, error) {
	reg := job.NewRegistry()
	client := builtin.BuildSafeClient()

	if err := reg.Register("webhook_delivery", func() job.Job {
		return &builtin.WebhookDelivery{Client: client}
	}); err != nil {
		return nil, err
	}
	if err := reg.Register("prune_results", func() job.Job {
		return &builtin.PruneResults{Store: st}
	}); err != nil {
		return nil, err
	}
	return reg, nil
}

// addSchedules registers the recurring enqueues the worker runs.
func addSchedules(s *schedule.Scheduler, cfg *config.Config) error {
	return s.Add("17 3 * * *", "prune_results", func() job.Job {
		return &builtin.PruneResults{
			RetentionHours: int32(cfg.ResultRetention / time.Hour),
		}
	})
}

// timingMiddleware logs per-job wall time at debug level.
func timingMiddleware(next runner.RunFunc) runner.RunFunc {
	return func(ctx context.Context, j job.Job) error {
		start := time.Now()
		err := next(ctx, j)
		slog.Debug("job run returned",
			"job_type", fmt.Sprintf("%T", j),
			"elapsed", time.Since(start).Round(time.Millisecond),
			"errored", err != nil)
		return err
	}
}
