// Package queue is the enqueue API: it serializes job parameters, applies
// the job type's hooks and any caller overrides, performs best-effort
// unique-key dedup, and inserts the pending row. Nothing executes
// synchronously; the dispatcher picks the row up later.
package queue

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/dropseed/procq/internal/job"
	"github.com/dropseed/procq/internal/store"
)

// Queue enqueues jobs against a Store, validating classes against a Registry
// so unknown ids fail at enqueue time, not execution time.
type Queue struct {
	store    *store.Store
	registry *job.Registry
}

// New creates a Queue backed by st and reg.
func New(st *store.Store, reg *job.Registry) *Queue {
	return &Queue{store: st, registry: reg}
}

// Registry returns the job class registry the queue validates against.
func (q *Queue) Registry() *job.Registry { return q.registry }

type options struct {
	priority *int32
	retries  *int32
	source   string
	startAt  *time.Time
}

// Option overrides a job type's defaults for a single enqueue.
type Option func(*options)

// WithPriority overrides the job's priority; lower runs first.
func WithPriority(p int32) Option {
	return func(o *options) { o.priority = &p }
}

// WithRetries overrides the job's retry budget.
func WithRetries(n int32) Option {
	return func(o *options) { o.retries = &n }
}

// WithSource records where the enqueue came from (request path, cron entry).
func WithSource(src string) Option {
	return func(o *options) { o.source = src }
}

// WithDelay makes the job eligible no earlier than now+d.
func WithDelay(d time.Duration) Option {
	return func(o *options) {
		t := time.Now().Add(d)
		o.startAt = &t
	}
}

// WithStartAt makes the job eligible no earlier than t.
func WithStartAt(t time.Time) Option {
	return func(o *options) { o.startAt = &t }
}

// Enqueue persists one pending job and returns its request handle. When the
// job type declares a unique key and an equivalent pending or active job
// exists, the existing handle is returned instead (deduped=true); dedup is
// best-effort, so Run must be idempotent.
//
// Argument errors (unknown class, class/instance mismatch, unserializable
// parameters, negative retries) are returned synchronously; they are the
// only errors an enqueuer ever sees.
func (q *Queue) Enqueue(ctx context.Context, class string, j job.Job, opts ...Option) (req *store.JobRequest, deduped bool, err error) {
	if j == nil {
		return nil, false, fmt.Errorf("enqueue %q: nil job", class)
	}
	proto, err := q.registry.New(class, nil)
	if err != nil {
		return nil, false, fmt.Errorf("enqueue: %w", err)
	}
	if reflect.TypeOf(proto) != reflect.TypeOf(j) {
		return nil, false, fmt.Errorf("enqueue %q: job is %T, class is registered as %T", class, j, proto)
	}

	params, err := job.MarshalParams(j)
	if err != nil {
		return nil, false, fmt.Errorf("enqueue %q: %w", class, err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	p := store.EnqueueParams{
		JobClass:   class,
		Parameters: params,
		Priority:   job.PriorityOf(j),
		Source:     o.source,
		Retries:    job.MaxRetriesOf(j),
		UniqueKey:  job.UniqueKeyOf(j),
		StartAt:    o.startAt,
	}
	if o.priority != nil {
		p.Priority = *o.priority
	}
	if o.retries != nil {
		p.Retries = *o.retries
	}
	if p.Retries < 0 {
		return nil, false, fmt.Errorf("enqueue %q: negative retries %d", class, p.Retries)
	}

	return q.store.EnqueueRequest(ctx, p)
}
