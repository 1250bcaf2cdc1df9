// ABOUTME: Builtin prune_results job deleting terminal results past the retention
// ABOUTME: window. Unique key keeps at most one prune pending or running at a time.
package builtin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dropseed/procq/internal/store"
)

// PruneResults deletes terminal job_results older than the retention window.
// Scheduled recurring; the unique key keeps at most one prune pending or
// running at a time.
type PruneResults struct {
	Store *store.Store `json:"-"`

	RetentionHours int32 `json:"retention_hours"`
}

// Run deletes prunable results. Results still owed a retry are kept by the
// store regardless of age.
func (j *PruneResults) Run(ctx context.Context) error {
	if j.Store == nil {
		return fmt.Errorf("prune results: no store wired")
	}
	retention := time.Duration(j.RetentionHours) * time.Hour
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}

	n, err := j.Store.PruneResults(ctx, retention)
	if err != nil {
		return err
	}
	slog.Info("job results pruned", "deleted", n, "retention", retention)
	return nil
}

// Priority runs pruning after regular work; higher values are claimed later.
func (j *PruneResults) Priority() int32 { return 10 }

// UniqueKey dedups overlapping prune runs.
func (j *PruneResults) UniqueKey() string { return "prune_results" }
