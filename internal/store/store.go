// Package store is the data access layer for the queue tables. All lifecycle
// transitions (enqueue, claim/hand-off, completion, retry spawn) run as pgx
// native transactions so a crash mid-transition leaves the prior state
// intact; at any observation point exactly one representation of a job
// attempt exists across job_requests, jobs, and job_results.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Status is the terminal classification of a job attempt.
type Status string

const (
	StatusSuccessful Status = "successful"
	StatusErrored    Status = "errored"
	StatusCancelled  Status = "cancelled"
	StatusLost       Status = "lost"
)

// JobRequest is a pending job: enqueued, not yet claimed by a dispatcher.
type JobRequest struct {
	ID           uuid.UUID
	JobClass     string
	Parameters   json.RawMessage
	Priority     int32
	Source       string
	Retries      int32
	RetryAttempt int32
	UniqueKey    *string
	StartAt      *time.Time
	CreatedAt    time.Time
}

// Job is an active job: claimed by a dispatcher, in flight. StartedAt stays
// nil until the runner process begins execution.
type Job struct {
	ID           uuid.UUID
	JobRequestID uuid.UUID
	JobClass     string
	Parameters   json.RawMessage
	Priority     int32
	Source       string
	Retries      int32
	RetryAttempt int32
	UniqueKey    *string
	StartedAt    *time.Time
	CreatedAt    time.Time
}

// JobResult is the terminal record of one attempt. RetryJobRequestID is set
// exactly once when the retry sweep spawns the follow-up request.
type JobResult struct {
	ID                uuid.UUID
	JobID             uuid.UUID
	JobRequestID      uuid.UUID
	JobClass          string
	Parameters        json.RawMessage
	Priority          int32
	Source            string
	Retries           int32
	RetryAttempt      int32
	UniqueKey         *string
	Status            Status
	Error             *string
	StartedAt         *time.Time
	EndedAt           time.Time
	RetryJobRequestID *uuid.UUID
	CreatedAt         time.Time
}

// Store is the central data access object, backed by a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need raw access.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// withTx runs fn inside a pgx transaction. The transaction is committed if
// fn returns nil, rolled back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on panic or fn error
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
