package simulation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/animus-labs/animus-validations/internal/domain"
	"github.com/animus-labs/animus-validations/internal/platform/auth"
	"github.com/animus-labs/animus-validations/internal/platform/k8s"
	"github.com/animus-labs/animus-validations/internal/runtimeexec"
	"github.com/animus-labs/animus-validations/internal/validation"
)

type fakeExecutor struct {
	specs []runtimeexec.JobSpec
	err   error
}

func (f *fakeExecutor) Kind() string { return "fake" }

func (f *fakeExecutor) Submit(ctx context.Context, spec runtimeexec.JobSpec) error {
	f.specs = append(f.specs, spec)
	return f.err
}

func (f *fakeExecutor) Inspect(ctx context.Context, execution runtimeexec.Execution) (runtimeexec.Observation, error) {
	return runtimeexec.Observation{Status: runtimeexec.ObservationPending}, nil
}

func newValidator(t *testing.T, exec runtimeexec.Executor) *Validator {
	t.Helper()
	v, err := New(Config{
		CallbackURL:    "http://validations:8090/callback",
		CallbackSecret: "secret",
		OutputsBucket:  "validation-outputs",
		DefaultTimeout: 15 * time.Minute,
	}, exec)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	return v
}

func input() validation.Input {
	return validation.Input{
		RunID:      "run-1",
		StepRunID:  "step-run-3",
		Step:       domain.StepDefinition{ID: "s3", Key: "sim", Ordinal: 3, Validator: Kind, Config: domain.Metadata{"image": "sim:1", "timeout": "2m"}},
		PayloadRef: domain.PayloadRef{Location: "s3://validation-inputs/runs/run-1/input.json"},
	}
}

func TestValidate_SubmitsJobAndParks(t *testing.T) {
	exec := &fakeExecutor{}
	res, err := newValidator(t, exec).Validate(context.Background(), input())
	if err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	if res.Outcome != validation.OutcomePending {
		t.Fatalf("outcome=%s, want PENDING", res.Outcome)
	}
	if len(exec.specs) != 1 {
		t.Fatalf("submits=%d, want 1", len(exec.specs))
	}
	spec := exec.specs[0]
	if spec.CallbackID != CallbackID("step-run-3") || res.Job["callback_id"] != spec.CallbackID {
		t.Fatalf("callback id mismatch: spec=%q job=%v", spec.CallbackID, res.Job)
	}
	if spec.CallbackKey != auth.DeriveKey("secret", spec.CallbackID) {
		t.Fatalf("callback key must be derived from the callback id")
	}
	if spec.ResultLocation != "s3://validation-outputs/runs/run-1/steps/step-run-3/result.json" {
		t.Fatalf("result location=%q", spec.ResultLocation)
	}
	if spec.Timeout != 2*time.Minute || spec.InputLocation == "" {
		t.Fatalf("spec=%+v", spec)
	}
}

func TestValidate_ResubmitIsDeterministic(t *testing.T) {
	exec := &fakeExecutor{}
	v := newValidator(t, exec)
	for i := 0; i < 2; i++ {
		if _, err := v.Validate(context.Background(), input()); err != nil {
			t.Fatalf("Validate() err=%v", err)
		}
	}
	if exec.specs[0].Name != exec.specs[1].Name || exec.specs[0].CallbackID != exec.specs[1].CallbackID {
		t.Fatalf("resubmission must reuse job name and callback id")
	}
}

func TestValidate_ClassifiesSubmitErrors(t *testing.T) {
	exec := &fakeExecutor{err: &k8s.APIError{StatusCode: 503}}
	_, err := newValidator(t, exec).Validate(context.Background(), input())
	if !errors.Is(err, validation.ErrTransient) {
		t.Fatalf("503 err=%v, want transient", err)
	}

	exec.err = k8s.ErrForbidden
	_, err = newValidator(t, exec).Validate(context.Background(), input())
	if err == nil || errors.Is(err, validation.ErrTransient) {
		t.Fatalf("403 err=%v, want permanent", err)
	}
}

func TestValidateConfig(t *testing.T) {
	v := newValidator(t, &fakeExecutor{})
	if err := v.ValidateConfig(domain.Metadata{}); err == nil {
		t.Fatalf("expected missing image to be rejected")
	}
	if err := v.ValidateConfig(domain.Metadata{"image": "sim:1", "timeout": "soon"}); err == nil {
		t.Fatalf("expected bad timeout to be rejected")
	}
}
