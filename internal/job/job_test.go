// ABOUTME: Tests for the job registry, optional-interface hooks, and EntityRef codec.
// ABOUTME: Pure unit tests; no database required.
package job

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

type plainJob struct {
	Message string `json:"message"`
}

func (j *plainJob) Run(context.Context) error { return nil }

type fancyJob struct {
	Target EntityRef `json:"target"`
}

func (j *fancyJob) Run(context.Context) error { return nil }
func (j *fancyJob) Priority() int32           { return 3 }
func (j *fancyJob) MaxRetries() int32         { return 5 }
func (j *fancyJob) UniqueKey() string         { return "t:" + j.Target.ID.String() }
func (j *fancyJob) RetryDelay(attempt int32) (time.Duration, error) {
	return time.Duration(attempt) * time.Second, nil
}

func TestRegistryRegisterAndNew(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("emails.send", func() Job { return &plainJob{} }); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if !r.Has("emails.send") {
		t.Error("Has(emails.send) = false after Register")
	}
	if r.Has("emails.other") {
		t.Error("Has(emails.other) = true for unregistered class")
	}

	j, err := r.New("emails.send", json.RawMessage(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, ok := j.(*plainJob)
	if !ok {
		t.Fatalf("New returned %T, want *plainJob", j)
	}
	if got.Message != "hi" {
		t.Errorf("Message = %q, want %q", got.Message, "hi")
	}
}

func TestRegistryRejectsBadRegistrations(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("", func() Job { return &plainJob{} }); err == nil {
		t.Error("empty class id accepted")
	}
	if err := r.Register("x", nil); err == nil {
		t.Error("nil factory accepted")
	}
	if err := r.Register("x", func() Job { return nil }); err == nil {
		t.Error("nil-returning factory accepted")
	}
	if err := r.Register("dup", func() Job { return &plainJob{} }); err != nil {
		t.Fatalf("Register dup: %v", err)
	}
	if err := r.Register("dup", func() Job { return &plainJob{} }); err == nil {
		t.Error("duplicate class accepted")
	}
}

func TestRegistryUnknownClass(t *testing.T) {
	r := NewRegistry()
	if _, err := r.New("nope", nil); err == nil {
		t.Fatal("New(nope) should fail for unknown class")
	}
}

func TestHookDefaults(t *testing.T) {
	plain := &plainJob{}
	if got := PriorityOf(plain); got != 0 {
		t.Errorf("PriorityOf(plain) = %d, want 0", got)
	}
	if got := MaxRetriesOf(plain); got != 0 {
		t.Errorf("MaxRetriesOf(plain) = %d, want 0", got)
	}
	if got := UniqueKeyOf(plain); got != "" {
		t.Errorf("UniqueKeyOf(plain) = %q, want empty", got)
	}
	if d, err := RetryDelayOf(plain, 1); err != nil || d != 0 {
		t.Errorf("RetryDelayOf(plain, 1) = (%v, %v), want (0, nil)", d, err)
	}

	fancy := &fancyJob{Target: NewEntityRef("user", uuid.New())}
	if got := PriorityOf(fancy); got != 3 {
		t.Errorf("PriorityOf(fancy) = %d, want 3", got)
	}
	if got := MaxRetriesOf(fancy); got != 5 {
		t.Errorf("MaxRetriesOf(fancy) = %d, want 5", got)
	}
	if d, _ := RetryDelayOf(fancy, 2); d != 2*time.Second {
		t.Errorf("RetryDelayOf(fancy, 2) = %v, want 2s", d)
	}
}

func TestEntityRefRoundTrip(t *testing.T) {
	id := uuid.New()
	orig := &fancyJob{Target: NewEntityRef("user", id)}

	params, err := MarshalParams(orig)
	if err != nil {
		t.Fatalf("MarshalParams: %v", err)
	}

	// The wire form must be the opaque-locator envelope, not raw fields.
	var raw map[string]map[string]string
	if err := json.Unmarshal(params, &raw); err != nil {
		t.Fatalf("unmarshal wire form: %v", err)
	}
	if got := raw["target"]["$entity"]; got != "user/"+id.String() {
		t.Errorf("wire locator = %q, want %q", got, "user/"+id.String())
	}

	r := NewRegistry()
	if err := r.Register("fancy", func() Job { return &fancyJob{} }); err != nil {
		t.Fatalf("Register: %v", err)
	}
	j, err := r.New("fancy", params)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := j.(*fancyJob)
	if got.Target.Kind != "user" || got.Target.ID != id {
		t.Errorf("round-tripped ref = %+v, want kind=user id=%s", got.Target, id)
	}
}

func TestEntityRefZeroValue(t *testing.T) {
	// Registration marshals the factory's zero value, so a job type with an
	// unset EntityRef field must register and round-trip cleanly.
	r := NewRegistry()
	if err := r.Register("fancy.zero", func() Job { return &fancyJob{} }); err != nil {
		t.Fatalf("Register with zero EntityRef field: %v", err)
	}

	b, err := json.Marshal(EntityRef{})
	if err != nil {
		t.Fatalf("marshal zero ref: %v", err)
	}
	if string(b) != "null" {
		t.Errorf("zero ref wire form = %s, want null", b)
	}

	var ref EntityRef
	if err := json.Unmarshal([]byte("null"), &ref); err != nil {
		t.Fatalf("unmarshal null: %v", err)
	}
	if !ref.IsZero() {
		t.Errorf("unmarshal null = %+v, want zero ref", ref)
	}

	j, err := r.New("fancy.zero", json.RawMessage(`{"target":null}`))
	if err != nil {
		t.Fatalf("New with null ref: %v", err)
	}
	if got := j.(*fancyJob); !got.Target.IsZero() {
		t.Errorf("decoded ref = %+v, want zero", got.Target)
	}

	// A half-set ref is still rejected, not silently encoded.
	if _, err := json.Marshal(EntityRef{ID: uuid.New()}); err == nil {
		t.Error("kindless non-zero ref marshaled without error")
	}
}

func TestParseLocatorErrors(t *testing.T) {
	for _, bad := range []string{"", "user", "/123", "user/not-a-uuid"} {
		if _, err := ParseLocator(bad); err == nil {
			t.Errorf("ParseLocator(%q) should fail", bad)
		}
	}
}

func TestEntityRefUnmarshalErrors(t *testing.T) {
	var ref EntityRef
	if err := json.Unmarshal([]byte(`{"other":"x"}`), &ref); err == nil {
		t.Error("missing $entity key should fail")
	}
	if err := json.Unmarshal([]byte(`{"$entity":"user/bogus"}`), &ref); err == nil {
		t.Error("bogus uuid should fail")
	}
}
