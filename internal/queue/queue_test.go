// ABOUTME: Integration tests for the enqueue API — job-type defaults, option
// ABOUTME: overrides, unique-key dedup, and synchronous argument errors.
package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/dropseed/procq/internal/job"
	"github.com/dropseed/procq/internal/queue"
	"github.com/dropseed/procq/internal/testutil"
)

type sendEmail struct {
	To string `json:"to"`
}

func (sendEmail) Run(context.Context) error { return nil }
func (sendEmail) Priority() int32           { return 3 }
func (sendEmail) MaxRetries() int32         { return 2 }

type syncAccount struct {
	AccountID string `json:"account_id"`
}

func (syncAccount) Run(context.Context) error { return nil }
func (j syncAccount) UniqueKey() string       { return j.AccountID }

func newQueue(t *testing.T) (*queue.Queue, *testutil.TestDB) {
	t.Helper()
	s := testutil.NewTestDB(t)
	reg := job.NewRegistry()
	reg.MustRegister("send_email", func() job.Job { return &sendEmail{} })
	reg.MustRegister("sync_account", func() job.Job { return &syncAccount{} })
	return queue.New(s.Store, reg), s
}

func TestEnqueueAppliesJobDefaults(t *testing.T) {
	t.Parallel()
	q, _ := newQueue(t)

	req, deduped, err := q.Enqueue(context.Background(), "send_email", &sendEmail{To: "a@example.com"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if deduped {
		t.Error("fresh enqueue reported deduped")
	}
	if req.Priority != 3 || req.Retries != 2 {
		t.Errorf("defaults = priority=%d retries=%d, want 3/2 from the job type", req.Priority, req.Retries)
	}
	if req.UniqueKey != nil {
		t.Errorf("unique key = %v, want nil for a non-Unique job", req.UniqueKey)
	}
	if string(req.Parameters) != `{"to":"a@example.com"}` {
		t.Errorf("parameters = %s", req.Parameters)
	}
}

func TestEnqueueOptionsOverrideDefaults(t *testing.T) {
	t.Parallel()
	q, _ := newQueue(t)

	before := time.Now()
	req, _, err := q.Enqueue(context.Background(), "send_email", &sendEmail{To: "b@example.com"},
		queue.WithPriority(-1),
		queue.WithRetries(0),
		queue.WithSource("test-suite"),
		queue.WithDelay(time.Hour),
	)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if req.Priority != -1 || req.Retries != 0 {
		t.Errorf("overrides = priority=%d retries=%d, want -1/0", req.Priority, req.Retries)
	}
	if req.Source != "test-suite" {
		t.Errorf("source = %q, want test-suite", req.Source)
	}
	if req.StartAt == nil || req.StartAt.Before(before.Add(59*time.Minute)) {
		t.Errorf("start_at = %v, want about an hour out", req.StartAt)
	}
}

func TestEnqueueDedupFromUniqueKey(t *testing.T) {
	t.Parallel()
	q, _ := newQueue(t)
	ctx := context.Background()

	first, _, err := q.Enqueue(ctx, "sync_account", &syncAccount{AccountID: "acct_1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	second, deduped, err := q.Enqueue(ctx, "sync_account", &syncAccount{AccountID: "acct_1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !deduped || second.ID != first.ID {
		t.Errorf("second enqueue = (id=%s, deduped=%v), want dedup to %s", second.ID, deduped, first.ID)
	}

	_, deduped, err = q.Enqueue(ctx, "sync_account", &syncAccount{AccountID: "acct_2"})
	if err != nil || deduped {
		t.Fatalf("distinct key: deduped=%v err=%v", deduped, err)
	}
}

func TestEnqueueArgumentErrors(t *testing.T) {
	t.Parallel()
	q, _ := newQueue(t)
	ctx := context.Background()

	if _, _, err := q.Enqueue(ctx, "no_such_class", &sendEmail{}); err == nil {
		t.Error("unknown class: want error")
	}
	if _, _, err := q.Enqueue(ctx, "send_email", &syncAccount{}); err == nil {
		t.Error("class/instance mismatch: want error")
	}
	if _, _, err := q.Enqueue(ctx, "send_email", nil); err == nil {
		t.Error("nil job: want error")
	}
	if _, _, err := q.Enqueue(ctx, "send_email", &sendEmail{}, queue.WithRetries(-1)); err == nil {
		t.Error("negative retries: want error")
	}
}
