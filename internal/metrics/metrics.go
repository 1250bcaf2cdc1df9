// Package metrics exposes the dispatcher-side prometheus collectors.
// Runner processes write their outcomes to job_results rather than to a
// parent-process collector, so execution status is observed from the
// database, not from here.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "procq_jobs_claimed_total",
		Help: "Pending jobs claimed by this dispatcher.",
	})
	JobsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "procq_jobs_cancelled_total",
		Help: "Jobs cancelled before execution during shutdown.",
	})
	JobsLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "procq_jobs_lost_total",
		Help: "Active jobs converted to LOST by the sweep.",
	})
	RetriesSpawned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "procq_retries_spawned_total",
		Help: "Follow-up requests created by the retry sweep.",
	})
	QueuePending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "procq_queue_pending",
		Help: "Pending job requests at the last maintenance pass.",
	})
	QueueBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "procq_queue_backlog",
		Help: "Pending plus claimed-but-unstarted jobs at the last maintenance pass.",
	})
	WorkerProcesses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "procq_worker_processes",
		Help: "Live worker processes owned by the pool.",
	})
)
