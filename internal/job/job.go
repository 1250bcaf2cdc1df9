// Package job defines the executable job contract, the class registry that
// maps stable string ids to constructors, and the parameter codec used to
// persist job arguments in the queue tables.
//
// A job type is a plain struct whose exported fields are its parameters.
// Parameters round-trip through JSON; persisted-entity arguments must be
// declared as [EntityRef] so they are stored as opaque locator strings
// rather than raw foreign keys.
package job

import (
	"context"
	"time"
)

// Job is the executable unit. Implementations carry their parameters as
// struct fields and must be idempotent: the queue guarantees at-least-once
// execution, not exactly-once.
type Job interface {
	Run(ctx context.Context) error
}

// Prioritized jobs override the default priority (0). Lower values are
// claimed first.
type Prioritized interface {
	Priority() int32
}

// Retryable jobs are re-enqueued after a failed attempt, up to MaxRetries
// additional attempts.
type Retryable interface {
	MaxRetries() int32
}

// DelayedRetry computes the backoff before retry attempt n (1-indexed).
// A returned error falls back to no delay; it never blocks the retry.
type DelayedRetry interface {
	RetryDelay(attempt int32) (time.Duration, error)
}

// Unique jobs are deduplicated best-effort at enqueue time: if a pending or
// active job with the same (class, key) exists, enqueue returns it instead
// of inserting a duplicate. Concurrent enqueues can still race, so this is
// at-least-once dedup, not a uniqueness guarantee.
type Unique interface {
	UniqueKey() string
}

// PriorityOf returns j's priority, or 0 when j is not [Prioritized].
func PriorityOf(j Job) int32 {
	if p, ok := j.(Prioritized); ok {
		return p.Priority()
	}
	return 0
}

// MaxRetriesOf returns j's retry budget, or 0 when j is not [Retryable].
func MaxRetriesOf(j Job) int32 {
	if r, ok := j.(Retryable); ok {
		return r.MaxRetries()
	}
	return 0
}

// UniqueKeyOf returns j's dedup key, or "" when j is not [Unique].
func UniqueKeyOf(j Job) string {
	if u, ok := j.(Unique); ok {
		return u.UniqueKey()
	}
	return ""
}

// RetryDelayOf returns the backoff before retry attempt n, or (0, nil) when
// j does not implement [DelayedRetry].
func RetryDelayOf(j Job, attempt int32) (time.Duration, error) {
	if d, ok := j.(DelayedRetry); ok {
		return d.RetryDelay(attempt)
	}
	return 0, nil
}
