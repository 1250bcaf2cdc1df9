// ABOUTME: Pending-job operations: enqueue with best-effort unique-key dedup, and
// ABOUTME: the FOR UPDATE SKIP LOCKED claim that moves a request to the jobs table.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const requestColumns = `id, job_class, parameters, priority, source, retries,
	retry_attempt, unique_key, start_at, created_at`

func scanRequest(row pgx.Row) (*JobRequest, error) {
	var r JobRequest
	err := row.Scan(&r.ID, &r.JobClass, &r.Parameters, &r.Priority, &r.Source,
		&r.Retries, &r.RetryAttempt, &r.UniqueKey, &r.StartAt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// EnqueueParams holds the fields for inserting a pending job.
type EnqueueParams struct {
	JobClass     string
	Parameters   json.RawMessage
	Priority     int32
	Source       string
	Retries      int32
	RetryAttempt int32
	UniqueKey    string     // "" = no dedup
	StartAt      *time.Time // nil = immediately eligible
}

// EnqueueRequest inserts a pending job inside one transaction. When
// p.UniqueKey is set and a pending or active job with the same
// (job_class, unique_key) already exists, the existing request handle is
// returned with deduped=true and nothing is inserted. The lookup and insert
// share a transaction but there is no unique constraint, so concurrent
// enqueues can both land: dedup is best-effort, at-least-once.
func (s *Store) EnqueueRequest(ctx context.Context, p EnqueueParams) (req *JobRequest, deduped bool, err error) {
	if len(p.Parameters) == 0 {
		p.Parameters = json.RawMessage(`{}`)
	}
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		if p.UniqueKey != "" {
			existing, derr := findDuplicate(ctx, tx, p.JobClass, p.UniqueKey)
			if derr != nil {
				return derr
			}
			if existing != nil {
				req, deduped = existing, true
				return nil
			}
		}
		row := tx.QueryRow(ctx, `
			INSERT INTO job_requests
				(job_class, parameters, priority, source, retries, retry_attempt, unique_key, start_at)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
			RETURNING `+requestColumns,
			p.JobClass, p.Parameters, p.Priority, p.Source, p.Retries,
			p.RetryAttempt, p.UniqueKey, p.StartAt)
		req, err = scanRequest(row)
		if err != nil {
			return fmt.Errorf("insert job request: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return req, deduped, nil
}

// findDuplicate looks for a pending or active job with the same
// (job_class, unique_key). An active match is returned as the request view
// carried on the jobs row: same request id and fields, already claimed.
func findDuplicate(ctx context.Context, tx pgx.Tx, jobClass, uniqueKey string) (*JobRequest, error) {
	req, err := scanRequest(tx.QueryRow(ctx, `
		SELECT `+requestColumns+`
		FROM job_requests
		WHERE job_class = $1 AND unique_key = $2
		LIMIT 1`, jobClass, uniqueKey))
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("dedup lookup (pending): %w", err)
	}

	req, err = scanRequest(tx.QueryRow(ctx, `
		SELECT job_request_id, job_class, parameters, priority, source, retries,
			retry_attempt, unique_key, NULL::timestamptz, created_at
		FROM jobs
		WHERE job_class = $1 AND unique_key = $2
		LIMIT 1`, jobClass, uniqueKey))
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("dedup lookup (active): %w", err)
	}
	return nil, nil
}

// ClaimNext atomically claims the next eligible pending job: inside one
// transaction it selects at most one row with FOR UPDATE SKIP LOCKED,
// inserts the active jobs row, and deletes the request. Returns (nil, nil)
// when no job is eligible. Any error rolls the whole hand-off back, leaving
// the pending row intact.
//
// Eligibility: start_at unset or already past. Order: ascending priority,
// then descending start_at — NULLS FIRST, so unscheduled rows are not
// starved by far-future ones — then descending created_at as tie-break.
func (s *Store) ClaimNext(ctx context.Context) (*Job, error) {
	var claimed *Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		req, err := scanRequest(tx.QueryRow(ctx, `
			SELECT `+requestColumns+`
			FROM job_requests
			WHERE start_at IS NULL OR start_at <= now()
			ORDER BY priority ASC, start_at DESC, created_at DESC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select claimable: %w", err)
		}

		j := &Job{
			JobRequestID: req.ID,
			JobClass:     req.JobClass,
			Parameters:   req.Parameters,
			Priority:     req.Priority,
			Source:       req.Source,
			Retries:      req.Retries,
			RetryAttempt: req.RetryAttempt,
			UniqueKey:    req.UniqueKey,
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO jobs
				(job_request_id, job_class, parameters, priority, source, retries, retry_attempt, unique_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, created_at`,
			j.JobRequestID, j.JobClass, j.Parameters, j.Priority, j.Source,
			j.Retries, j.RetryAttempt, j.UniqueKey).Scan(&j.ID, &j.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert active job: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM job_requests WHERE id = $1`, req.ID); err != nil {
			return fmt.Errorf("delete claimed request: %w", err)
		}

		claimed = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// GetRequest returns the pending job with the given id, or (nil, nil).
func (s *Store) GetRequest(ctx context.Context, id uuid.UUID) (*JobRequest, error) {
	req, err := scanRequest(s.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM job_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return req, nil
}
