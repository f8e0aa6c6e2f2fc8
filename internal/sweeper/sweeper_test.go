package sweeper

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/animus-labs/animus-validations/internal/callback"
	"github.com/animus-labs/animus-validations/internal/dispatch"
	"github.com/animus-labs/animus-validations/internal/domain"
	"github.com/animus-labs/animus-validations/internal/engine"
	"github.com/animus-labs/animus-validations/internal/platform/objectstore"
	"github.com/animus-labs/animus-validations/internal/repo"
	"github.com/animus-labs/animus-validations/internal/repo/memory"
	"github.com/animus-labs/animus-validations/internal/runtimeexec"
	"github.com/animus-labs/animus-validations/internal/validation"
)

const outputsBucket = "validation-outputs"

type fakeExecutor struct {
	obs      map[string]runtimeexec.Observation
	inspects int
}

func (f *fakeExecutor) Kind() string { return "fake" }
func (f *fakeExecutor) Submit(ctx context.Context, spec runtimeexec.JobSpec) error {
	return nil
}
func (f *fakeExecutor) Inspect(ctx context.Context, execution runtimeexec.Execution) (runtimeexec.Observation, error) {
	f.inspects++
	if obs, ok := f.obs[execution.Name]; ok {
		return obs, nil
	}
	return runtimeexec.Observation{Status: runtimeexec.ObservationRunning}, nil
}

type jobValidator struct{}

func (jobValidator) Kind() string { return "sim" }
func (jobValidator) Validate(ctx context.Context, in validation.Input) (validation.Result, error) {
	return validation.Result{
		Outcome: validation.OutcomePending,
		Job: domain.Metadata{
			"executor":        "fake",
			"name":            runtimeexec.JobName(in.StepRunID),
			"callback_id":     "cb-" + in.StepRunID,
			"result_location": outputLocation(in.RunID, in.StepRunID).String(),
		},
	}, nil
}

func outputLocation(runID, stepRunID string) objectstore.Location {
	return objectstore.Location{Bucket: outputsBucket, Key: "runs/" + runID + "/steps/" + stepRunID + "/result.json"}
}

type harness struct {
	store   *memory.Store
	objects *objectstore.MemoryStore
	engine  *engine.Engine
	exec    *fakeExecutor
	sweeper *Sweeper
}

func newHarness(t *testing.T, grace time.Duration) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		store:   memory.New(),
		objects: objectstore.NewMemoryStore(),
		exec:    &fakeExecutor{obs: map[string]runtimeexec.Observation{}},
	}
	registry, err := validation.NewRegistry(validation.Entry{Validator: jobValidator{}, Async: true})
	if err != nil {
		t.Fatalf("NewRegistry() err=%v", err)
	}
	pipeline := domain.Pipeline{ID: "orders", Name: "Orders", Steps: []domain.StepDefinition{{
		ID:         domain.StepID("orders", 1, "sim"),
		PipelineID: "orders",
		Key:        "sim",
		Ordinal:    1,
		Validator:  "sim",
	}}}
	if err := h.store.Pipelines().UpsertPipeline(ctx, pipeline); err != nil {
		t.Fatalf("UpsertPipeline() err=%v", err)
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	h.engine, err = engine.New(engine.Deps{Logger: logger, Store: h.store, Registry: registry, Inputs: h.objects, InputsBucket: "validation-inputs"})
	if err != nil {
		t.Fatalf("engine.New() err=%v", err)
	}
	inline, err := dispatch.NewInline(h.engine, nil)
	if err != nil {
		t.Fatalf("NewInline() err=%v", err)
	}
	processor, err := callback.NewProcessor(callback.Deps{
		Logger:        logger,
		Store:         h.store,
		Registry:      registry,
		Finalizer:     h.engine,
		Dispatcher:    inline,
		Outputs:       h.objects,
		OutputsBucket: outputsBucket,
	})
	if err != nil {
		t.Fatalf("NewProcessor() err=%v", err)
	}
	h.sweeper, err = New(logger, h.store, processor, Config{Grace: grace}, h.exec)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	return h
}

func (h *harness) park(t *testing.T) (domain.Run, domain.StepRun) {
	t.Helper()
	ctx := context.Background()
	res, err := h.engine.Launch(ctx, engine.LaunchRequest{TenantID: "acme", PipelineID: "orders", ActorID: "user-1", Payload: []byte(`{}`)})
	if err != nil || !res.Parked {
		t.Fatalf("Launch() parked=%v err=%v", res.Parked, err)
	}
	step, err := h.store.StepRuns().FindAwaitingStepRun(ctx, res.Run.ID)
	if err != nil {
		t.Fatalf("FindAwaitingStepRun() err=%v", err)
	}
	return res.Run, step
}

func (h *harness) runStatus(t *testing.T, id string) domain.Run {
	t.Helper()
	run, err := h.store.Runs().GetRun(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRun() err=%v", err)
	}
	return run
}

func TestSweepOnce_LeavesRunningJobsAlone(t *testing.T) {
	h := newHarness(t, 0)
	run, _ := h.park(t)

	n, err := h.sweeper.SweepOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("SweepOnce() n=%d err=%v", n, err)
	}
	if h.exec.inspects != 1 {
		t.Fatalf("inspects=%d, want 1", h.exec.inspects)
	}
	if got := h.runStatus(t, run.ID); got.Status != domain.RunStatusRunning {
		t.Fatalf("run status=%s, want RUNNING", got.Status)
	}
}

func TestSweepOnce_FailedJobFailsRun(t *testing.T) {
	h := newHarness(t, 0)
	run, step := h.park(t)
	h.exec.obs[runtimeexec.JobName(step.ID)] = runtimeexec.Observation{Status: runtimeexec.ObservationFailed, Message: "BackoffLimitExceeded"}

	n, err := h.sweeper.SweepOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("SweepOnce() n=%d err=%v", n, err)
	}
	got := h.runStatus(t, run.ID)
	if got.Status != domain.RunStatusFailed || got.ErrorCategory != domain.CategoryRuntimeError {
		t.Fatalf("run=%s/%s", got.Status, got.ErrorCategory)
	}
}

func TestSweepOnce_SucceededJobWithOutputCompletes(t *testing.T) {
	h := newHarness(t, 0)
	run, step := h.park(t)
	env, _ := json.Marshal(validation.Envelope{RunID: run.ID, StepRunID: step.ID, Validator: "sim", Status: validation.JobStatusSuccess})
	if err := h.objects.Put(context.Background(), outputLocation(run.ID, step.ID), bytes.NewReader(env), int64(len(env)), "application/json"); err != nil {
		t.Fatalf("Put() err=%v", err)
	}
	h.exec.obs[runtimeexec.JobName(step.ID)] = runtimeexec.Observation{Status: runtimeexec.ObservationSucceeded}

	if n, err := h.sweeper.SweepOnce(context.Background()); err != nil || n != 1 {
		t.Fatalf("SweepOnce() n=%d err=%v", n, err)
	}
	if got := h.runStatus(t, run.ID); got.Status != domain.RunStatusSucceeded {
		t.Fatalf("run status=%s, want SUCCEEDED", got.Status)
	}
}

func TestSweepOnce_SucceededJobWithoutOutputIsRuntimeError(t *testing.T) {
	h := newHarness(t, 0)
	run, step := h.park(t)
	h.exec.obs[runtimeexec.JobName(step.ID)] = runtimeexec.Observation{Status: runtimeexec.ObservationSucceeded}

	if n, err := h.sweeper.SweepOnce(context.Background()); err != nil || n != 1 {
		t.Fatalf("SweepOnce() n=%d err=%v", n, err)
	}
	if got := h.runStatus(t, run.ID); got.ErrorCategory != domain.CategoryRuntimeError {
		t.Fatalf("category=%s, want runtime_error", got.ErrorCategory)
	}
}

func TestSweepOnce_WaitsForGrace(t *testing.T) {
	h := newHarness(t, time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h.sweeper.now = func() time.Time { return now }
	run, step := h.park(t)
	h.exec.obs[runtimeexec.JobName(step.ID)] = runtimeexec.Observation{Status: runtimeexec.ObservationFailed}

	if n, _ := h.sweeper.SweepOnce(context.Background()); n != 0 {
		t.Fatalf("first sighting reported")
	}
	now = now.Add(30 * time.Second)
	if n, _ := h.sweeper.SweepOnce(context.Background()); n != 0 {
		t.Fatalf("reported inside grace")
	}
	now = now.Add(time.Minute)
	if n, _ := h.sweeper.SweepOnce(context.Background()); n != 1 {
		t.Fatalf("not reported after grace")
	}
	if got := h.runStatus(t, run.ID); got.Status != domain.RunStatusFailed {
		t.Fatalf("run status=%s", got.Status)
	}
}

func TestSweepOnce_PagesPastUnfinishedJobs(t *testing.T) {
	h := newHarness(t, 0)
	h.sweeper.cfg.Batch = 1
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.park(t)
	}
	parked, err := h.store.StepRuns().ListParkedStepRuns(ctx, repo.ParkedCursor{}, 10)
	if err != nil || len(parked) != 3 {
		t.Fatalf("ListParkedStepRuns() n=%d err=%v", len(parked), err)
	}
	// The first step in sweep order keeps running; the others failed.
	stuck := parked[0]
	for _, step := range parked[1:] {
		h.exec.obs[runtimeexec.JobName(step.ID)] = runtimeexec.Observation{Status: runtimeexec.ObservationFailed}
	}

	reported := 0
	for tick := 0; tick < len(parked); tick++ {
		n, err := h.sweeper.SweepOnce(ctx)
		if err != nil {
			t.Fatalf("SweepOnce() tick %d err=%v", tick, err)
		}
		reported += n
	}
	if reported != 2 {
		t.Fatalf("reported=%d across %d ticks, want 2", reported, len(parked))
	}
	for _, step := range parked[1:] {
		if got := h.runStatus(t, step.RunID); got.Status != domain.RunStatusFailed {
			t.Fatalf("run %s status=%s, want FAILED", step.RunID, got.Status)
		}
	}
	if got := h.runStatus(t, stuck.RunID); got.Status != domain.RunStatusRunning {
		t.Fatalf("running job's run status=%s, want RUNNING", got.Status)
	}

	// The pass is over; the next tick starts from the oldest step again.
	before := h.exec.inspects
	if _, err := h.sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce() err=%v", err)
	}
	if _, err := h.sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce() err=%v", err)
	}
	if h.exec.inspects-before != 1 {
		t.Fatalf("inspects after pass=%d, want 1", h.exec.inspects-before)
	}
}
