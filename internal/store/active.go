// ABOUTME: Active-job operations: started_at stamping, completion into job_results,
// ABOUTME: and the lost-job sweep converting abandoned jobs after a conservative timeout.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, job_request_id, job_class, parameters, priority, source,
	retries, retry_attempt, unique_key, started_at, created_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.JobRequestID, &j.JobClass, &j.Parameters,
		&j.Priority, &j.Source, &j.Retries, &j.RetryAttempt, &j.UniqueKey,
		&j.StartedAt, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// GetJob returns the active job with the given id, or (nil, nil) when it no
// longer exists (completed, or converted by a sweep).
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// MarkJobStarted stamps started_at on the active job before user code runs;
// the lost-job sweep keys off this field being persisted first. Returns
// (nil, nil) when the job row is gone.
func (s *Store) MarkJobStarted(ctx context.Context, id uuid.UUID) (*time.Time, error) {
	var startedAt time.Time
	err := s.pool.QueryRow(ctx,
		`UPDATE jobs SET started_at = now() WHERE id = $1 RETURNING started_at`,
		id).Scan(&startedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mark job started: %w", err)
	}
	return &startedAt, nil
}

// CompleteJob converts the active job to a terminal JobResult: inside one
// transaction the result row is inserted and the jobs row deleted. Returns
// (nil, nil) when the job row is already gone — the caller raced a sweep and
// the attempt already has its terminal record.
func (s *Store) CompleteJob(ctx context.Context, jobID uuid.UUID, status Status, errText string) (*JobResult, error) {
	var result *JobResult
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		j, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select job for completion: %w", err)
		}
		result, err = finishJob(ctx, tx, j, status, errText)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// finishJob performs the ActiveJob → JobResult transition inside tx.
func finishJob(ctx context.Context, tx pgx.Tx, j *Job, status Status, errText string) (*JobResult, error) {
	r := &JobResult{
		JobID:        j.ID,
		JobRequestID: j.JobRequestID,
		JobClass:     j.JobClass,
		Parameters:   j.Parameters,
		Priority:     j.Priority,
		Source:       j.Source,
		Retries:      j.Retries,
		RetryAttempt: j.RetryAttempt,
		UniqueKey:    j.UniqueKey,
		Status:       status,
		StartedAt:    j.StartedAt,
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO job_results
			(job_id, job_request_id, job_class, parameters, priority, source,
			 retries, retry_attempt, unique_key, status, error, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12)
		RETURNING id, error, ended_at, created_at`,
		r.JobID, r.JobRequestID, r.JobClass, r.Parameters, r.Priority, r.Source,
		r.Retries, r.RetryAttempt, r.UniqueKey, r.Status, errText, r.StartedAt,
	).Scan(&r.ID, &r.Error, &r.EndedAt, &r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert job result: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, j.ID); err != nil {
		return nil, fmt.Errorf("delete finished job: %w", err)
	}
	return r, nil
}

// SweepLost converts active jobs older than olderThan to LOST results.
// Age is measured from created_at (claim time), not started_at, so jobs
// whose worker died before marking a start are also caught. This is a
// heuristic: it cannot distinguish stuck from slow, so olderThan must be
// conservative. Returns the number of jobs converted.
func (s *Store) SweepLost(ctx context.Context, olderThan time.Duration) (int, error) {
	var swept int
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE created_at < now() - $1::interval
			FOR UPDATE SKIP LOCKED`,
			olderThan)
		if err != nil {
			return fmt.Errorf("select lost jobs: %w", err)
		}
		stale, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Job, error) {
			return scanJob(row)
		})
		if err != nil {
			return fmt.Errorf("collect lost jobs: %w", err)
		}

		for _, j := range stale {
			if _, err := finishJob(ctx, tx, j, StatusLost,
				fmt.Sprintf("job exceeded %s without completing", olderThan)); err != nil {
				return err
			}
			swept++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return swept, nil
}
