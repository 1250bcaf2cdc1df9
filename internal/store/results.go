// ABOUTME: Terminal-result operations: the retry sweep spawning follow-up requests,
// ABOUTME: squirrel-built filtered listing, retention pruning, and queue stats.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const resultColumns = `id, job_id, job_request_id, job_class, parameters, priority,
	source, retries, retry_attempt, unique_key, status, error, started_at,
	ended_at, retry_job_request_id, created_at`

func scanResult(row pgx.Row) (*JobResult, error) {
	var r JobResult
	err := row.Scan(&r.ID, &r.JobID, &r.JobRequestID, &r.JobClass, &r.Parameters,
		&r.Priority, &r.Source, &r.Retries, &r.RetryAttempt, &r.UniqueKey,
		&r.Status, &r.Error, &r.StartedAt, &r.EndedAt, &r.RetryJobRequestID,
		&r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetResult returns the job result with the given id, or (nil, nil).
func (s *Store) GetResult(ctx context.Context, id uuid.UUID) (*JobResult, error) {
	r, err := scanResult(s.pool.QueryRow(ctx,
		`SELECT `+resultColumns+` FROM job_results WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	return r, nil
}

// GetResultsForRequest returns the results recorded for the given request,
// ordered oldest first.
func (s *Store) GetResultsForRequest(ctx context.Context, requestID uuid.UUID) ([]*JobResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+resultColumns+` FROM job_results WHERE job_request_id = $1 ORDER BY created_at ASC`,
		requestID)
	if err != nil {
		return nil, fmt.Errorf("results for request: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*JobResult, error) {
		return scanResult(row)
	})
}

// DelayFunc computes the start_at for the retry of r (attempt is 1-indexed).
// nil means immediately eligible. Implementations must not block the sweep:
// a delay computation failure is logged by the caller and mapped to nil.
type DelayFunc func(r *JobResult, attempt int32) *time.Time

// SweepRetries spawns follow-up requests for failed results. Inside one
// transaction it selects results with a retryable status, no retry spawned
// yet, and attempts remaining (FOR UPDATE SKIP LOCKED so concurrent
// dispatchers never double-spawn); for each it inserts the next pending
// request with retry_attempt+1 and stamps retry_job_request_id on the source
// result. Returns the number of retries spawned.
func (s *Store) SweepRetries(ctx context.Context, delayFor DelayFunc) (int, error) {
	var spawned int
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+resultColumns+`
			FROM job_results
			WHERE status IN ('errored', 'lost', 'cancelled')
			  AND retry_job_request_id IS NULL
			  AND retry_attempt < retries
			FOR UPDATE SKIP LOCKED`)
		if err != nil {
			return fmt.Errorf("select retryable results: %w", err)
		}
		retryable, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*JobResult, error) {
			return scanResult(row)
		})
		if err != nil {
			return fmt.Errorf("collect retryable results: %w", err)
		}

		for _, r := range retryable {
			attempt := r.RetryAttempt + 1
			var startAt *time.Time
			if delayFor != nil {
				startAt = delayFor(r, attempt)
			}

			var retryID uuid.UUID
			err := tx.QueryRow(ctx, `
				INSERT INTO job_requests
					(job_class, parameters, priority, source, retries, retry_attempt, unique_key, start_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				RETURNING id`,
				r.JobClass, r.Parameters, r.Priority, r.Source, r.Retries,
				attempt, r.UniqueKey, startAt).Scan(&retryID)
			if err != nil {
				return fmt.Errorf("spawn retry for result %s: %w", r.ID, err)
			}

			if _, err := tx.Exec(ctx,
				`UPDATE job_results SET retry_job_request_id = $1 WHERE id = $2`,
				retryID, r.ID); err != nil {
				return fmt.Errorf("stamp retry on result %s: %w", r.ID, err)
			}
			spawned++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return spawned, nil
}

// ResultFilter selects job_results for listing. Zero values mean no filter.
type ResultFilter struct {
	Status   Status
	JobClass string
	Since    time.Time
	Limit    uint64
}

// ListResults returns results matching f, newest first. The query is built
// dynamically with squirrel since every filter is optional.
func (s *Store) ListResults(ctx context.Context, f ResultFilter) ([]*JobResult, error) {
	q := sq.Select("id", "job_id", "job_request_id", "job_class", "parameters",
		"priority", "source", "retries", "retry_attempt", "unique_key",
		"status", "error", "started_at", "ended_at", "retry_job_request_id",
		"created_at").
		From("job_results").
		OrderBy("created_at DESC").
		PlaceholderFormat(sq.Dollar)

	if f.Status != "" {
		q = q.Where(sq.Eq{"status": f.Status})
	}
	if f.JobClass != "" {
		q = q.Where(sq.Eq{"job_class": f.JobClass})
	}
	if !f.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"created_at": f.Since})
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build results query: %w", err)
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*JobResult, error) {
		return scanResult(row)
	})
}

// PruneResults deletes terminal results older than olderThan. Results that
// still owe a retry (failed, retry not yet spawned, attempts remaining) are
// kept regardless of age so the sweep never loses them.
func (s *Store) PruneResults(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM job_results
		WHERE created_at < now() - $1::interval
		  AND (status = $2
		       OR retry_job_request_id IS NOT NULL
		       OR retry_attempt >= retries)`,
		olderThan, StatusSuccessful)
	if err != nil {
		return 0, fmt.Errorf("prune results: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats is a point-in-time view of queue depth for the maintenance log and
// the metrics gauges.
type Stats struct {
	Pending         int64 // job_requests rows
	Active          int64 // jobs rows
	ActiveUnstarted int64 // jobs rows not yet started by a runner
}

// Backlog is the work not yet being executed: pending plus claimed-but-unstarted.
func (st Stats) Backlog() int64 { return st.Pending + st.ActiveUnstarted }

// Stats counts the queue tables in one round trip.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM job_requests),
			(SELECT count(*) FROM jobs),
			(SELECT count(*) FROM jobs WHERE started_at IS NULL)`,
	).Scan(&st.Pending, &st.Active, &st.ActiveUnstarted)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return st, nil
}
