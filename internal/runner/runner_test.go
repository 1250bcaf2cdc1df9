// ABOUTME: Runner tests: every execution path ends in exactly one terminal result,
// ABOUTME: plus the middleware chain, lifecycle hooks, and the stdin/stdout protocol.
package runner_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/dropseed/procq/internal/job"
	"github.com/dropseed/procq/internal/runner"
	"github.com/dropseed/procq/internal/store"
	"github.com/dropseed/procq/internal/testutil"
)

type okJob struct{}

func (okJob) Run(context.Context) error { return nil }

type failJob struct {
	Message string `json:"message"`
}

func (j failJob) Run(context.Context) error { return errors.New(j.Message) }

type panicJob struct{}

func (panicJob) Run(context.Context) error { panic("user code exploded") }

func newRunner(t *testing.T) (*runner.Runner, *testutil.TestDB) {
	t.Helper()
	s := testutil.NewTestDB(t)
	reg := job.NewRegistry()
	reg.MustRegister("ok", func() job.Job { return &okJob{} })
	reg.MustRegister("fail", func() job.Job { return &failJob{} })
	reg.MustRegister("panic", func() job.Job { return &panicJob{} })
	return runner.New(s.Store, reg), s
}

// claim enqueues one job of the given class and claims it.
func claim(t *testing.T, s *testutil.TestDB, class string, params string) *store.Job {
	t.Helper()
	ctx := context.Background()
	p := store.EnqueueParams{JobClass: class}
	if params != "" {
		p.Parameters = []byte(params)
	}
	if _, _, err := s.EnqueueRequest(ctx, p); err != nil {
		t.Fatalf("EnqueueRequest: %v", err)
	}
	j, err := s.ClaimNext(ctx)
	if err != nil || j == nil {
		t.Fatalf("ClaimNext: %v, %v", j, err)
	}
	return j
}

func soleResult(t *testing.T, s *testutil.TestDB) *store.JobResult {
	t.Helper()
	results, err := s.ListResults(context.Background(), store.ResultFilter{})
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	return results[0]
}

func TestExecuteSuccess(t *testing.T) {
	t.Parallel()
	r, s := newRunner(t)
	j := claim(t, s, "ok", "")

	if err := r.Execute(context.Background(), j.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	res := soleResult(t, s)
	if res.Status != store.StatusSuccessful {
		t.Errorf("status = %s, want successful", res.Status)
	}
	if res.Error != nil {
		t.Errorf("error = %v, want nil", res.Error)
	}
	if res.StartedAt == nil {
		t.Error("started_at not persisted")
	}
}

func TestExecuteCapturesUserError(t *testing.T) {
	t.Parallel()
	r, s := newRunner(t)
	j := claim(t, s, "fail", `{"message":"invoice not found"}`)

	// User-code failure is a terminal ERRORED result, not an Execute error.
	if err := r.Execute(context.Background(), j.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	res := soleResult(t, s)
	if res.Status != store.StatusErrored {
		t.Errorf("status = %s, want errored", res.Status)
	}
	if res.Error == nil || *res.Error != "invoice not found" {
		t.Errorf("error = %v, want the job's message", res.Error)
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	t.Parallel()
	r, s := newRunner(t)
	j := claim(t, s, "panic", "")

	if err := r.Execute(context.Background(), j.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	res := soleResult(t, s)
	if res.Status != store.StatusErrored {
		t.Errorf("status = %s, want errored", res.Status)
	}
	if res.Error == nil || !strings.Contains(*res.Error, "user code exploded") {
		t.Errorf("error = %v, want the panic value and stack", res.Error)
	}
}

func TestExecuteUnknownClassErrors(t *testing.T) {
	t.Parallel()
	r, s := newRunner(t)

	// Enqueue a class this registry does not know; decode failure is a
	// terminal result so the attempt cannot loop forever.
	ctx := context.Background()
	if _, _, err := s.EnqueueRequest(ctx, store.EnqueueParams{JobClass: "unregistered"}); err != nil {
		t.Fatalf("EnqueueRequest: %v", err)
	}
	j, _ := s.ClaimNext(ctx)

	if err := r.Execute(ctx, j.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	res := soleResult(t, s)
	if res.Status != store.StatusErrored {
		t.Errorf("status = %s, want errored", res.Status)
	}
	if res.Error == nil || !strings.Contains(*res.Error, "unknown job class") {
		t.Errorf("error = %v, want unknown-class message", res.Error)
	}
}

func TestExecuteMissingJobIsNoOp(t *testing.T) {
	t.Parallel()
	r, s := newRunner(t)

	if err := r.Execute(context.Background(), uuid.New()); err != nil {
		t.Fatalf("Execute on missing job: %v", err)
	}
	results, err := s.ListResults(context.Background(), store.ResultFilter{})
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %d, want 0 for a swept job", len(results))
	}
}

func TestMiddlewareOrderAndHooks(t *testing.T) {
	t.Parallel()
	r, s := newRunner(t)
	j := claim(t, s, "ok", "")

	var trace []string
	mw := func(name string) runner.Middleware {
		return func(next runner.RunFunc) runner.RunFunc {
			return func(ctx context.Context, dj job.Job) error {
				trace = append(trace, name+">")
				err := next(ctx, dj)
				trace = append(trace, "<"+name)
				return err
			}
		}
	}
	r.Use(mw("outer"), mw("inner"))
	r.SetHooks(runner.Hooks{
		OnStart:  func(*store.Job) { trace = append(trace, "start") },
		OnFinish: func(res *store.JobResult) { trace = append(trace, "finish:"+string(res.Status)) },
	})

	if err := r.Execute(context.Background(), j.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	want := []string{"start", "outer>", "inner>", "<inner", "<outer", "finish:successful"}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}
}

func TestServeProtocol(t *testing.T) {
	t.Parallel()
	r, s := newRunner(t)
	a := claim(t, s, "ok", "")
	b := claim(t, s, "fail", `{"message":"still acked"}`)

	in := strings.NewReader(a.ID.String() + "\n\n" + b.ID.String() + "\n")
	var out bytes.Buffer
	if err := r.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	// Both jobs acked in order, blank line skipped; results persisted before
	// the acks were written.
	want := fmt.Sprintf("done %s\ndone %s\n", a.ID, b.ID)
	if out.String() != want {
		t.Errorf("acks = %q, want %q", out.String(), want)
	}
	results, err := s.ListResults(context.Background(), store.ResultFilter{})
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("results = %d, want 2", len(results))
	}
}

func TestServeSkipsAckOnStoreFailure(t *testing.T) {
	t.Parallel()
	r, s := newRunner(t)
	j := claim(t, s, "ok", "")

	// Database gone: no result can be persisted, so the process must stop
	// without acking — the parent retires it and the lost sweep owns the job.
	s.Pool().Close()

	in := strings.NewReader(j.ID.String() + "\n")
	var out bytes.Buffer
	if err := r.Serve(context.Background(), in, &out); err == nil {
		t.Fatal("Serve returned nil with the database unreachable")
	}
	if out.Len() != 0 {
		t.Errorf("acks = %q, want none for an unpersisted result", out.String())
	}
}

func TestServeRejectsBadLine(t *testing.T) {
	t.Parallel()
	r, _ := newRunner(t)

	in := strings.NewReader("not-a-uuid\n")
	var out bytes.Buffer
	err := r.Serve(context.Background(), in, &out)
	if err == nil {
		t.Fatal("Serve accepted a malformed job id line")
	}
	if out.Len() != 0 {
		t.Errorf("acks = %q, want none", out.String())
	}
}
