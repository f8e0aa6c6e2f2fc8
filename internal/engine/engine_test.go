package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/animus-labs/animus-validations/internal/domain"
	"github.com/animus-labs/animus-validations/internal/platform/objectstore"
	"github.com/animus-labs/animus-validations/internal/platform/policy"
	"github.com/animus-labs/animus-validations/internal/repo"
	"github.com/animus-labs/animus-validations/internal/repo/memory"
	"github.com/animus-labs/animus-validations/internal/validation"
	"github.com/animus-labs/animus-validations/internal/validation/jsonschema"
	"github.com/animus-labs/animus-validations/internal/validation/ruleset"
)

const (
	tenantID   = "acme"
	pipelineID = "orders"
)

type countingValidator struct {
	calls   int
	signals domain.Metadata
}

func (v *countingValidator) Kind() string { return "count" }
func (v *countingValidator) Validate(ctx context.Context, in validation.Input) (validation.Result, error) {
	v.calls++
	return validation.Result{Outcome: validation.OutcomePassed, Signals: v.signals}, nil
}

type asyncValidator struct {
	calls int
}

func (v *asyncValidator) Kind() string { return "async" }
func (v *asyncValidator) Validate(ctx context.Context, in validation.Input) (validation.Result, error) {
	v.calls++
	return validation.Result{
		Outcome: validation.OutcomePending,
		Stats:   domain.Metadata{"submitted": true},
		Job:     domain.Metadata{"name": "job-" + in.StepRunID, "callback_id": "cb-" + in.StepRunID},
	}, nil
}

type panicValidator struct{}

func (panicValidator) Kind() string { return "explode" }
func (panicValidator) Validate(ctx context.Context, in validation.Input) (validation.Result, error) {
	panic("nil map write in validator")
}

type flakyValidator struct{ calls int }

func (v *flakyValidator) Kind() string { return "flaky" }
func (v *flakyValidator) Validate(ctx context.Context, in validation.Input) (validation.Result, error) {
	v.calls++
	return validation.Result{}, validation.Transient(errors.New("connection reset by peer"))
}

type denyAll struct{}

func (denyAll) Admit(ctx context.Context, req policy.Context) error {
	return errors.New("denied by rule no-launch")
}

type recordingHook struct{ runs []domain.Run }

func (h *recordingHook) RunFinalized(ctx context.Context, run domain.Run) {
	h.runs = append(h.runs, run)
}

type harness struct {
	store   *memory.Store
	objects *objectstore.MemoryStore
	engine  *Engine
	count   *countingValidator
	async   *asyncValidator
	flaky   *flakyValidator
	hook    *recordingHook
}

func newHarness(t *testing.T, steps ...domain.StepDefinition) *harness {
	t.Helper()
	h := &harness{
		store:   memory.New(),
		objects: objectstore.NewMemoryStore(),
		count:   &countingValidator{},
		async:   &asyncValidator{},
		flaky:   &flakyValidator{},
		hook:    &recordingHook{},
	}
	registry, err := validation.NewRegistry(
		validation.Entry{Validator: ruleset.New()},
		validation.Entry{Validator: jsonschema.New()},
		validation.Entry{Validator: h.count},
		validation.Entry{Validator: h.async, Async: true},
		validation.Entry{Validator: panicValidator{}},
		validation.Entry{Validator: h.flaky},
	)
	if err != nil {
		t.Fatalf("NewRegistry() err=%v", err)
	}
	if err := h.store.Pipelines().UpsertPipeline(context.Background(), domain.Pipeline{ID: pipelineID, Name: "Orders", Steps: steps}); err != nil {
		t.Fatalf("UpsertPipeline() err=%v", err)
	}
	h.engine, err = New(Deps{
		Logger:       slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Store:        h.store,
		Registry:     registry,
		Inputs:       h.objects,
		InputsBucket: "validation-inputs",
		Retention:    h.hook,
	})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	return h
}

func stepDef(ordinal int, key, kind string, config domain.Metadata) domain.StepDefinition {
	return domain.StepDefinition{
		ID:         domain.StepID(pipelineID, ordinal, key),
		PipelineID: pipelineID,
		Key:        key,
		Ordinal:    ordinal,
		Validator:  kind,
		Config:     config,
	}
}

func rule(id, field, op, value string) map[string]any {
	return map[string]any{"id": id, "field": field, "op": op, "value": value}
}

func rules(list ...map[string]any) domain.Metadata {
	out := make([]any, 0, len(list))
	for _, r := range list {
		out = append(out, r)
	}
	return domain.Metadata{"rules": out}
}

func (h *harness) launch(t *testing.T, payload string) Result {
	t.Helper()
	res, err := h.engine.Launch(context.Background(), LaunchRequest{
		TenantID:   tenantID,
		PipelineID: pipelineID,
		ActorID:    "user-1",
		Payload:    []byte(payload),
	})
	if err != nil {
		t.Fatalf("Launch() err=%v", err)
	}
	return res
}

func (h *harness) stepRuns(t *testing.T, runID string) map[int]domain.StepRun {
	t.Helper()
	list, err := h.store.StepRuns().ListStepRuns(context.Background(), runID)
	if err != nil {
		t.Fatalf("ListStepRuns() err=%v", err)
	}
	out := map[int]domain.StepRun{}
	for _, s := range list {
		out[s.Ordinal] = s
	}
	return out
}

func (h *harness) createRun(t *testing.T, payload string) domain.Run {
	t.Helper()
	ctx := context.Background()
	loc := objectstore.Location{Bucket: "validation-inputs", Key: "seed/input"}
	if err := h.objects.Put(ctx, loc, strings.NewReader(payload), int64(len(payload)), "application/json"); err != nil {
		t.Fatalf("Put() err=%v", err)
	}
	run, err := h.store.Runs().CreateRun(ctx, domain.Run{
		TenantID:   tenantID,
		PipelineID: pipelineID,
		ActorID:    "user-1",
		Input:      domain.PayloadRef{Location: loc.String()},
	})
	if err != nil {
		t.Fatalf("CreateRun() err=%v", err)
	}
	return run
}

func TestLaunch_SyncPipelineSucceeds(t *testing.T) {
	h := newHarness(t,
		stepDef(1, "shape", jsonschema.Kind, domain.Metadata{"schema": map[string]any{
			"type":     "object",
			"required": []any{"order_id"},
		}}),
		stepDef(2, "rules", ruleset.Kind, rules(rule("total-positive", "total", "gt", "0"))),
	)

	res := h.launch(t, `{"order_id":"o-1","total":12.5}`)
	if res.Parked {
		t.Fatalf("sync pipeline must not park")
	}
	if res.Run.Status != domain.RunStatusSucceeded {
		t.Fatalf("status=%s, want SUCCEEDED", res.Run.Status)
	}
	if res.Run.EndedAt == nil || res.Run.StartedAt == nil || res.Run.EndedAt.Before(*res.Run.StartedAt) {
		t.Fatalf("terminal run timing invalid: started=%v ended=%v", res.Run.StartedAt, res.Run.EndedAt)
	}
	steps := h.stepRuns(t, res.Run.ID)
	if len(steps) != 2 || steps[1].Status != domain.StepStatusPassed || steps[2].Status != domain.StepStatusPassed {
		t.Fatalf("step runs=%+v", steps)
	}
	if got := steps[2].Output[domain.OutputKeyAssertionsTotal]; got != 1 {
		t.Fatalf("assertions_total=%v, want 1", got)
	}
	sum, err := h.store.Summaries().GetRunSummary(context.Background(), res.Run.ID)
	if err != nil {
		t.Fatalf("GetRunSummary() err=%v", err)
	}
	if sum.Status != domain.RunStatusSucceeded || sum.Steps != 2 || sum.Counts.AssertionsTotal != 1 {
		t.Fatalf("summary=%+v", sum)
	}
	loc, _ := objectstore.ParseLocation(res.Run.Input.Location, "")
	if !h.objects.Has(loc) {
		t.Fatalf("input not stored at %s", res.Run.Input.Location)
	}
	if len(h.hook.runs) != 1 {
		t.Fatalf("retention hook calls=%d, want 1", len(h.hook.runs))
	}
}

func TestLaunch_FirstFailureHaltsPipeline(t *testing.T) {
	h := newHarness(t,
		stepDef(1, "rules", ruleset.Kind, rules(rule("total-positive", "total", "gt", "0"))),
		stepDef(2, "after", "count", nil),
	)

	res := h.launch(t, `{"total":-3}`)
	if res.Run.Status != domain.RunStatusFailed || res.Run.ErrorCategory != domain.CategoryValidationFailed {
		t.Fatalf("run=%s/%s, want FAILED/validation_failed", res.Run.Status, res.Run.ErrorCategory)
	}
	if h.count.calls != 0 {
		t.Fatalf("step after a failure executed %d times", h.count.calls)
	}
	steps := h.stepRuns(t, res.Run.ID)
	if len(steps) != 1 || steps[1].Status != domain.StepStatusFailed {
		t.Fatalf("step runs=%+v", steps)
	}
	found := h.store.AllFindings(res.Run.ID)
	if len(found) != 1 || found[0].RuleRef != "total-positive" || found[0].Severity != domain.SeverityError {
		t.Fatalf("findings=%+v", found)
	}
}

func TestLaunch_ParksOnAsyncStepAndReentryDoesNotResubmit(t *testing.T) {
	h := newHarness(t,
		stepDef(1, "first", "count", nil),
		stepDef(2, "sim", "async", nil),
		stepDef(3, "last", "count", nil),
	)

	res := h.launch(t, `{}`)
	if !res.Parked || res.Run.Status != domain.RunStatusRunning {
		t.Fatalf("parked=%v status=%s, want parked RUNNING", res.Parked, res.Run.Status)
	}
	steps := h.stepRuns(t, res.Run.ID)
	if !IsParked(steps[2]) {
		t.Fatalf("step 2 not parked: %+v", steps[2])
	}
	if JobField(steps[2], "callback_id") != "cb-"+steps[2].ID {
		t.Fatalf("job callback id=%q", JobField(steps[2], "callback_id"))
	}
	if _, ok := steps[3]; ok {
		t.Fatalf("step 3 must not start while step 2 is parked")
	}

	again, err := h.engine.Execute(context.Background(), ExecuteRequest{RunID: res.Run.ID, ResumeFromStep: 2})
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if !again.Parked || h.async.calls != 1 || h.count.calls != 1 {
		t.Fatalf("re-entry parked=%v async=%d count=%d", again.Parked, h.async.calls, h.count.calls)
	}
}

func TestExecute_ResumeRunsOnlyRemainingSteps(t *testing.T) {
	h := newHarness(t,
		stepDef(1, "first", "count", nil),
		stepDef(2, "sim", "async", nil),
		stepDef(3, "third", "count", nil),
		stepDef(4, "fourth", "count", nil),
	)
	res := h.launch(t, `{}`)
	parked := h.stepRuns(t, res.Run.ID)[2]

	p, _ := h.store.Pipelines().GetPipeline(context.Background(), pipelineID)
	if _, err := h.engine.CompleteStep(context.Background(), h.store, res.Run.ID, parked, p.Steps[1], Completion{Outcome: validation.OutcomePassed}); err != nil {
		t.Fatalf("CompleteStep() err=%v", err)
	}

	out, err := h.engine.Execute(context.Background(), ExecuteRequest{RunID: res.Run.ID, ResumeFromStep: 3})
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if out.Run.Status != domain.RunStatusSucceeded {
		t.Fatalf("status=%s, want SUCCEEDED", out.Run.Status)
	}
	if h.count.calls != 3 || h.async.calls != 1 {
		t.Fatalf("count calls=%d async calls=%d, want 3 and 1", h.count.calls, h.async.calls)
	}
	if len(h.stepRuns(t, res.Run.ID)) != 4 {
		t.Fatalf("expected exactly one step run per ordinal")
	}
}

func TestExecute_PriorSignalsReachLaterSteps(t *testing.T) {
	h := newHarness(t,
		stepDef(1, "first", "count", nil),
		stepDef(2, "rules", ruleset.Kind, rules(rule("upstream-ok", "signals.upstream_ok", "eq", "true"))),
	)
	h.count.signals = domain.Metadata{"upstream_ok": true}

	res := h.launch(t, `{}`)
	if res.Run.Status != domain.RunStatusSucceeded {
		t.Fatalf("status=%s, want SUCCEEDED (findings=%+v)", res.Run.Status, h.store.AllFindings(res.Run.ID))
	}
}

func TestExecute_CancelBetweenStepsStopsPipeline(t *testing.T) {
	h := newHarness(t,
		stepDef(1, "first", "cancel_then_warn", nil),
		stepDef(2, "second", "count", nil),
	)
	// The cancel lands while step 1 runs; the engine notices before step 2.
	registry, err := validation.NewRegistry(
		validation.Entry{Validator: &cancelingValidator{engine: h.engine}},
		validation.Entry{Validator: h.count},
	)
	if err != nil {
		t.Fatalf("NewRegistry() err=%v", err)
	}
	h.engine.registry = registry
	run := h.createRun(t, `{"total":5}`)

	res, err := h.engine.Execute(context.Background(), ExecuteRequest{RunID: run.ID})
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if res.Run.Status != domain.RunStatusCanceled {
		t.Fatalf("status=%s, want CANCELED", res.Run.Status)
	}
	if h.count.calls != 0 {
		t.Fatalf("step 2 executed after cancellation")
	}
	steps := h.stepRuns(t, run.ID)
	if len(steps) != 1 || steps[1].Status != domain.StepStatusPassed {
		t.Fatalf("step runs=%+v", steps)
	}
	if found := h.store.AllFindings(run.ID); len(found) != 1 {
		t.Fatalf("step 1 findings=%d, want 1 preserved", len(found))
	}
}

type cancelingValidator struct{ engine *Engine }

func (v *cancelingValidator) Kind() string { return "cancel_then_warn" }
func (v *cancelingValidator) Validate(ctx context.Context, in validation.Input) (validation.Result, error) {
	if _, _, err := v.engine.Cancel(ctx, in.TenantID, in.RunID, "user-2"); err != nil {
		return validation.Result{}, err
	}
	return validation.Result{
		Outcome: validation.OutcomePassed,
		Issues:  []validation.Issue{{Severity: "WARNING", Code: "low_total", Message: "total is low"}},
	}, nil
}

func TestExecute_PanicFailsRunWithGenericMessage(t *testing.T) {
	h := newHarness(t, stepDef(1, "boom", "explode", nil))

	res := h.launch(t, `{}`)
	if res.Run.Status != domain.RunStatusFailed || res.Run.ErrorCategory != domain.CategorySystemError {
		t.Fatalf("run=%s/%s, want FAILED/system_error", res.Run.Status, res.Run.ErrorCategory)
	}
	if res.Run.ErrorMessage != domain.GenericSystemErrorMessage {
		t.Fatalf("error message=%q leaks internals", res.Run.ErrorMessage)
	}
	step := h.stepRuns(t, res.Run.ID)[1]
	if step.Status != domain.StepStatusFailed || step.ErrorMessage == "" {
		t.Fatalf("step=%+v, want FAILED with detail", step)
	}
}

func TestExecute_TransientErrorRetriedUntilFinalAttempt(t *testing.T) {
	h := newHarness(t, stepDef(1, "net", "flaky", nil))
	run := h.createRun(t, `{}`)

	_, err := h.engine.Execute(context.Background(), ExecuteRequest{RunID: run.ID})
	if !errors.Is(err, validation.ErrTransient) {
		t.Fatalf("Execute() err=%v, want transient", err)
	}
	current, _ := h.store.Runs().GetRun(context.Background(), run.ID)
	if current.Status != domain.RunStatusRunning {
		t.Fatalf("status=%s, want RUNNING between attempts", current.Status)
	}

	res, err := h.engine.Execute(context.Background(), ExecuteRequest{RunID: run.ID, FinalAttempt: true})
	if err != nil {
		t.Fatalf("final Execute() err=%v", err)
	}
	if res.Run.Status != domain.RunStatusFailed || res.Run.ErrorMessage != domain.GenericSystemErrorMessage {
		t.Fatalf("run=%+v, want FAILED with generic message", res.Run)
	}
	if h.flaky.calls != 2 {
		t.Fatalf("flaky calls=%d, want 2", h.flaky.calls)
	}
	if steps := h.stepRuns(t, run.ID); len(steps) != 1 || steps[1].Status != domain.StepStatusFailed {
		t.Fatalf("step runs=%+v", steps)
	}
}

func TestExecute_TerminalRunIsUntouched(t *testing.T) {
	h := newHarness(t, stepDef(1, "first", "count", nil))
	res := h.launch(t, `{}`)

	again, err := h.engine.Execute(context.Background(), ExecuteRequest{RunID: res.Run.ID})
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if again.Run.Status != domain.RunStatusSucceeded || h.count.calls != 1 {
		t.Fatalf("terminal run re-entered: status=%s calls=%d", again.Run.Status, h.count.calls)
	}
	if len(h.hook.runs) != 1 {
		t.Fatalf("retention hook fired %d times, want 1", len(h.hook.runs))
	}
}

func TestExecute_UnknownRun(t *testing.T) {
	h := newHarness(t, stepDef(1, "first", "count", nil))
	if _, err := h.engine.Execute(context.Background(), ExecuteRequest{RunID: "missing"}); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("Execute() err=%v, want ErrRunNotFound", err)
	}
}

func TestLaunch_AdmissionDenied(t *testing.T) {
	h := newHarness(t, stepDef(1, "first", "count", nil))
	h.engine.admission = denyAll{}

	_, err := h.engine.Launch(context.Background(), LaunchRequest{TenantID: tenantID, PipelineID: pipelineID, ActorID: "user-1", Payload: []byte(`{}`)})
	if err == nil {
		t.Fatalf("Launch() expected admission error")
	}
	runs, _ := h.store.Runs().ListRuns(context.Background(), repo.RunFilter{TenantID: tenantID})
	if len(runs) != 0 {
		t.Fatalf("denied launch created %d runs", len(runs))
	}
}

func TestLaunch_UnknownPipeline(t *testing.T) {
	h := newHarness(t, stepDef(1, "first", "count", nil))
	_, err := h.engine.Launch(context.Background(), LaunchRequest{TenantID: tenantID, PipelineID: "nope", ActorID: "user-1"})
	if !errors.Is(err, ErrPipelineNotFound) {
		t.Fatalf("Launch() err=%v, want ErrPipelineNotFound", err)
	}
}

func TestCompleteStep_OutputAssertionFailsSuccessfulJob(t *testing.T) {
	def := stepDef(1, "sim", "async", nil)
	def.OutputAssertions = []domain.Assertion{{ID: "throughput-floor", Field: "stats.throughput", Op: "gte", Value: "100"}}
	h := newHarness(t, def)
	res := h.launch(t, `{}`)
	parked := h.stepRuns(t, res.Run.ID)[1]

	done, err := h.engine.CompleteStep(context.Background(), h.store, res.Run.ID, parked, def, Completion{
		Outcome:   validation.OutcomePassed,
		JobStatus: validation.JobStatusSuccess,
		Stats:     domain.Metadata{"throughput": 40},
	})
	if err != nil {
		t.Fatalf("CompleteStep() err=%v", err)
	}
	if done.Status != domain.StepStatusFailed {
		t.Fatalf("status=%s, want FAILED", done.Status)
	}
	found := h.store.AllFindings(res.Run.ID)
	if len(found) != 1 || found[0].RuleRef != "throughput-floor" {
		t.Fatalf("findings=%+v", found)
	}

	again, err := h.engine.CompleteStep(context.Background(), h.store, res.Run.ID, parked, def, Completion{
		Outcome: validation.OutcomePassed,
		Stats:   domain.Metadata{"throughput": 40},
	})
	if err != nil || again.Status != domain.StepStatusFailed {
		t.Fatalf("replay status=%s err=%v", again.Status, err)
	}
	if n := len(h.store.AllFindings(res.Run.ID)); n != 1 {
		t.Fatalf("replayed completion is additive: findings=%d", n)
	}
}

func TestCancelAndFailRun(t *testing.T) {
	h := newHarness(t, stepDef(1, "sim", "async", nil))
	res := h.launch(t, `{}`)

	run, applied, err := h.engine.Cancel(context.Background(), tenantID, res.Run.ID, "user-1")
	if err != nil || !applied || run.Status != domain.RunStatusCanceled {
		t.Fatalf("Cancel() run=%s applied=%v err=%v", run.Status, applied, err)
	}
	if _, applied, _ := h.engine.Cancel(context.Background(), tenantID, res.Run.ID, "user-1"); applied {
		t.Fatalf("second Cancel() must not apply")
	}

	failed, err := h.engine.FailRun(context.Background(), res.Run.ID, "attempts exhausted")
	if err != nil {
		t.Fatalf("FailRun() err=%v", err)
	}
	if failed.Status != domain.RunStatusCanceled {
		t.Fatalf("FailRun() flipped a terminal run to %s", failed.Status)
	}

	other := h.createRun(t, `{}`)
	forced, err := h.engine.FailRun(context.Background(), other.ID, "attempts exhausted")
	if err != nil {
		t.Fatalf("FailRun() err=%v", err)
	}
	if forced.Status != domain.RunStatusFailed || forced.ErrorMessage != domain.GenericSystemErrorMessage {
		t.Fatalf("forced run=%+v", forced)
	}
}
