// Package engine drives runs through their pipeline steps. Execute is the
// single re-entry point used by launches, resume tasks and queue retries;
// it always leaves a run terminal or parked on an async step, unless it
// reports a transient error that the caller is expected to retry.
package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-validations/internal/domain"
	"github.com/animus-labs/animus-validations/internal/findings"
	"github.com/animus-labs/animus-validations/internal/platform/auditlog"
	"github.com/animus-labs/animus-validations/internal/platform/metrics"
	"github.com/animus-labs/animus-validations/internal/platform/objectstore"
	"github.com/animus-labs/animus-validations/internal/platform/policy"
	"github.com/animus-labs/animus-validations/internal/repo"
	"github.com/animus-labs/animus-validations/internal/summary"
	"github.com/animus-labs/animus-validations/internal/validation"
)

var (
	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrRunNotFound      = errors.New("run not found")
	ErrInvalidLaunch    = errors.New("invalid launch request")
)

// Admitter decides whether a launch may proceed.
type Admitter interface {
	Admit(ctx context.Context, req policy.Context) error
}

// RunHook observes runs that reached a terminal status.
type RunHook interface {
	RunFinalized(ctx context.Context, run domain.Run)
}

type Deps struct {
	Logger       *slog.Logger
	Store        repo.Store
	Registry     *validation.Registry
	Inputs       objectstore.Store
	InputsBucket string
	Admission    Admitter
	Retention    RunHook
	Audit        auditlog.Recorder
	Metrics      *metrics.Recorder
}

type Engine struct {
	logger       *slog.Logger
	store        repo.Store
	registry     *validation.Registry
	inputs       objectstore.Store
	inputsBucket string
	admission    Admitter
	retention    RunHook
	audit        auditlog.Recorder
	metrics      *metrics.Recorder
	writer       *findings.Writer
	summaries    *summary.Builder
	now          func() time.Time
}

func New(deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("validator registry is required")
	}
	if deps.Inputs == nil {
		return nil, errors.New("input object store is required")
	}
	if strings.TrimSpace(deps.InputsBucket) == "" {
		return nil, errors.New("inputs bucket is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Engine{
		logger:       logger,
		store:        deps.Store,
		registry:     deps.Registry,
		inputs:       deps.Inputs,
		inputsBucket: strings.TrimSpace(deps.InputsBucket),
		admission:    deps.Admission,
		retention:    deps.Retention,
		audit:        deps.Audit,
		metrics:      deps.Metrics,
		writer:       findings.NewWriter(deps.Metrics),
		summaries:    summary.NewBuilder(),
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

type LaunchRequest struct {
	TenantID    string
	PipelineID  string
	ActorID     string
	ActorRoles  []string
	Payload     []byte
	ContentType string
	Labels      map[string]string
}

type ExecuteRequest struct {
	RunID          string
	ActorID        string
	ResumeFromStep int
	// FinalAttempt turns transient failures into a terminal FAILED run
	// instead of an error the caller would retry.
	FinalAttempt bool
}

type Result struct {
	Run domain.Run
	// Parked is set when the run waits on an async step callback. A
	// non-terminal run that is not parked is continued by a resume task.
	Parked bool
}

// Launch admits the request, stores the input payload, creates the run and
// executes it until it is terminal or parked.
func (e *Engine) Launch(ctx context.Context, req LaunchRequest) (Result, error) {
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.PipelineID = strings.TrimSpace(req.PipelineID)
	req.ActorID = strings.TrimSpace(req.ActorID)
	if req.TenantID == "" || req.PipelineID == "" || req.ActorID == "" {
		return Result{}, fmt.Errorf("%w: tenant, pipeline and actor are required", ErrInvalidLaunch)
	}

	pipeline, err := e.store.Pipelines().GetPipeline(ctx, req.PipelineID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Result{}, ErrPipelineNotFound
		}
		return Result{}, fmt.Errorf("load pipeline: %w", err)
	}
	if pipeline.TenantID != "" && pipeline.TenantID != req.TenantID {
		return Result{}, ErrPipelineNotFound
	}

	contentType := strings.TrimSpace(req.ContentType)
	if contentType == "" {
		contentType = "application/json"
	}
	if e.admission != nil {
		err := e.admission.Admit(ctx, policy.Context{
			Actor:    policy.ActorContext{Subject: req.ActorID, Roles: req.ActorRoles},
			TenantID: req.TenantID,
			Pipeline: policy.PipelineContext{ID: pipeline.ID, Name: pipeline.Name},
			Input:    policy.InputContext{SizeBytes: int64(len(req.Payload)), ContentType: contentType},
			Labels:   req.Labels,
		})
		if err != nil {
			return Result{}, err
		}
	}

	runID := uuid.NewString()
	loc := objectstore.Location{Bucket: e.inputsBucket, Key: fmt.Sprintf("runs/%s/input", runID)}
	if err := e.inputs.Put(ctx, loc, bytes.NewReader(req.Payload), int64(len(req.Payload)), contentType); err != nil {
		return Result{}, fmt.Errorf("store input: %w", err)
	}
	sum := sha256.Sum256(req.Payload)

	run, err := e.store.Runs().CreateRun(ctx, domain.Run{
		ID:         runID,
		TenantID:   req.TenantID,
		PipelineID: pipeline.ID,
		ActorID:    req.ActorID,
		Status:     domain.RunStatusPending,
		Input: domain.PayloadRef{
			Location:    loc.String(),
			ContentType: contentType,
			SizeBytes:   int64(len(req.Payload)),
			SHA256:      hex.EncodeToString(sum[:]),
		},
		Labels: req.Labels,
	})
	if err != nil {
		return Result{}, fmt.Errorf("create run: %w", err)
	}
	e.logger.Info("run launched", "run_id", run.ID, "tenant_id", run.TenantID, "pipeline_id", run.PipelineID)
	e.record(ctx, auditlog.ActionRunLaunched, run, req.ActorID, map[string]any{
		"pipeline_id":  run.PipelineID,
		"input_sha256": run.Input.SHA256,
		"input_bytes":  run.Input.SizeBytes,
	})

	return e.Execute(ctx, ExecuteRequest{RunID: run.ID, ActorID: req.ActorID, FinalAttempt: true})
}

// stepError ties a failure to the step run it happened in.
type stepError struct {
	stepRunID string
	err       error
}

func (e *stepError) Error() string { return e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

// Execute runs the pipeline of req.RunID from req.ResumeFromStep on. It is
// safe to call repeatedly: terminal runs are returned untouched, passed
// steps are never re-executed and a parked step is not re-submitted.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (Result, error) {
	run, err := e.store.Runs().GetRun(ctx, req.RunID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			e.logger.Error("execute for unknown run", "run_id", req.RunID)
			return Result{}, fmt.Errorf("%w: %s", ErrRunNotFound, req.RunID)
		}
		return Result{}, validation.Transient(fmt.Errorf("load run: %w", err))
	}
	if run.Status.IsTerminal() {
		return Result{Run: run}, nil
	}

	res, err := e.execute(ctx, run, req)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, validation.ErrTransient) && !req.FinalAttempt {
		e.logger.Warn("run execution interrupted, will retry", "run_id", run.ID, "error", err)
		return Result{Run: run}, err
	}

	stepRunID := ""
	var se *stepError
	if errors.As(err, &se) {
		stepRunID = se.stepRunID
	}
	return e.failRun(ctx, run.ID, stepRunID, err)
}

func (e *Engine) execute(ctx context.Context, run domain.Run, req ExecuteRequest) (Result, error) {
	pipeline, err := e.store.Pipelines().GetPipeline(ctx, run.PipelineID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: %s", ErrPipelineNotFound, run.PipelineID)
		}
		return Result{}, infraError("load pipeline", err)
	}
	if _, err := e.store.Runs().MarkRunRunning(ctx, run.ID, e.now()); err != nil {
		return Result{}, infraError("mark run running", err)
	}

	existing, err := e.store.StepRuns().ListStepRuns(ctx, run.ID)
	if err != nil {
		return Result{}, infraError("list step runs", err)
	}
	byOrdinal := make(map[int]domain.StepRun, len(existing))
	for _, step := range existing {
		byOrdinal[step.Ordinal] = step
	}

	defs := append([]domain.StepDefinition(nil), pipeline.Steps...)
	sort.Slice(defs, func(i, j int) bool { return defs[i].Ordinal < defs[j].Ordinal })

	var payload []byte
	payloadLoaded := false

	for _, def := range defs {
		if def.Ordinal < req.ResumeFromStep {
			continue
		}

		current, err := e.store.Runs().GetRun(ctx, run.ID)
		if err != nil {
			return Result{}, infraError("reload run", err)
		}
		if current.Status.IsTerminal() {
			return e.settleCanceled(ctx, current, byOrdinal)
		}
		run = current

		if step, seen := byOrdinal[def.Ordinal]; seen {
			if step.Status == domain.StepStatusPassed {
				continue
			}
			if res, stop, err := e.stopAt(ctx, run, step); stop {
				return res, err
			}
		}

		step, _, err := e.store.StepRuns().CreateStepRun(ctx, domain.StepRun{
			RunID:   run.ID,
			StepID:  def.ID,
			Ordinal: def.Ordinal,
			Status:  domain.StepStatusRunning,
		})
		if err != nil {
			return Result{}, infraError("create step run", err)
		}
		step, err = e.store.StepRuns().MarkStepRunRunning(ctx, step.ID, e.now())
		if err != nil {
			return Result{}, infraError("mark step running", err)
		}
		byOrdinal[def.Ordinal] = step
		if step.Status == domain.StepStatusPassed {
			continue
		}
		if res, stop, err := e.stopAt(ctx, run, step); stop {
			return res, err
		}

		entry, ok := e.registry.Lookup(def.Validator)
		if !ok {
			return Result{}, &stepError{stepRunID: step.ID, err: fmt.Errorf("validator kind %q is not registered", def.Validator)}
		}
		if !payloadLoaded {
			payload, err = e.loadInput(ctx, run)
			if err != nil {
				return Result{}, &stepError{stepRunID: step.ID, err: err}
			}
			payloadLoaded = true
		}

		started := time.Now()
		res, err := e.invoke(ctx, entry.Validator, validation.Input{
			RunID:      run.ID,
			StepRunID:  step.ID,
			TenantID:   run.TenantID,
			Step:       def,
			Payload:    payload,
			PayloadRef: run.Input,
			Signals:    priorSignals(run, byOrdinal, def.Ordinal),
		})
		if err != nil {
			return Result{}, &stepError{stepRunID: step.ID, err: err}
		}
		if !res.Outcome.Valid() {
			return Result{}, &stepError{stepRunID: step.ID, err: fmt.Errorf("validator %s returned outcome %q", def.Validator, res.Outcome)}
		}
		e.metrics.StepObserved(def.Validator, string(res.Outcome), time.Since(started))

		if res.Outcome == validation.OutcomePending {
			settled, parked, err := e.parkStep(ctx, run.ID, step, def, res)
			if err != nil {
				return Result{}, &stepError{stepRunID: step.ID, err: validation.Transient(err)}
			}
			if !parked {
				// The callback finalized the step and owns the rest of the run.
				current, err := e.store.Runs().GetRun(ctx, run.ID)
				if err != nil {
					return Result{}, infraError("reload run", err)
				}
				e.logger.Info("async step completed before parking", "run_id", run.ID, "step_run_id", settled.ID, "step_status", settled.Status, "run_status", current.Status)
				return Result{Run: current}, nil
			}
			e.logger.Info("run parked on async step", "run_id", run.ID, "step_run_id", step.ID, "ordinal", def.Ordinal)
			return Result{Run: run, Parked: true}, nil
		}

		done, err := e.CompleteStep(ctx, e.store, run.ID, step, def, completionFromResult(res))
		if err != nil {
			return Result{}, &stepError{stepRunID: step.ID, err: validation.Transient(err)}
		}
		byOrdinal[def.Ordinal] = done
		if done.Status != domain.StepStatusPassed {
			status, category := domain.RunStatusForStep(done.Status)
			return e.finishRun(ctx, run.ID, status, category, "")
		}
	}

	return e.finishRun(ctx, run.ID, domain.RunStatusSucceeded, domain.CategoryNone, "")
}

// stopAt ends execution at a step run that is terminal without passing,
// or parked on a job. stop is false for any other step run.
func (e *Engine) stopAt(ctx context.Context, run domain.Run, step domain.StepRun) (Result, bool, error) {
	switch {
	case step.Status.IsTerminal():
		status, category := domain.RunStatusForStep(step.Status)
		res, err := e.finishRun(ctx, run.ID, status, category, "")
		return res, true, err
	case IsParked(step):
		return Result{Run: run, Parked: true}, true, nil
	}
	return Result{}, false, nil
}

// invoke calls the validator, turning a panic into an ordinary error.
func (e *Engine) invoke(ctx context.Context, v validation.Validator, in validation.Input) (res validation.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("validator panic", "run_id", in.RunID, "step_run_id", in.StepRunID, "validator", v.Kind(), "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("validator %s panicked: %v", v.Kind(), r)
		}
	}()
	return v.Validate(ctx, in)
}

func (e *Engine) loadInput(ctx context.Context, run domain.Run) ([]byte, error) {
	if strings.TrimSpace(run.Input.Location) == "" {
		return nil, nil
	}
	loc, err := objectstore.ParseLocation(run.Input.Location, e.inputsBucket)
	if err != nil {
		return nil, fmt.Errorf("input location: %w", err)
	}
	body, _, err := e.inputs.Get(ctx, loc)
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			return nil, fmt.Errorf("input %s: %w", loc, err)
		}
		return nil, validation.Transient(fmt.Errorf("load input: %w", err))
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, validation.Transient(fmt.Errorf("read input: %w", err))
	}
	return data, nil
}

// settleCanceled skips step runs a canceled run will never execute. Steps
// parked on a job are left for the callback to finalize.
func (e *Engine) settleCanceled(ctx context.Context, run domain.Run, steps map[int]domain.StepRun) (Result, error) {
	if run.Status == domain.RunStatusCanceled {
		for _, step := range steps {
			if step.Status.IsTerminal() || IsParked(step) {
				continue
			}
			if _, err := e.store.StepRuns().FinalizeStepRun(ctx, step.ID, repo.StepFinalization{
				Status:  domain.StepStatusSkipped,
				EndedAt: e.now(),
				Output:  step.Output,
			}); err != nil {
				return Result{}, infraError("skip step run", err)
			}
		}
		e.RebuildSummaries(ctx, e.store, run.ID)
	}
	return Result{Run: run}, nil
}

// failRun ends the run FAILED with the generic message. The cause is only
// logged.
func (e *Engine) failRun(ctx context.Context, runID, stepRunID string, cause error) (Result, error) {
	e.logger.Error("run failed", "run_id", runID, "step_run_id", stepRunID, "error", cause)
	if stepRunID != "" {
		step, err := e.store.StepRuns().GetStepRun(ctx, stepRunID)
		if err == nil && !step.Status.IsTerminal() {
			if _, err := e.store.StepRuns().FinalizeStepRun(ctx, stepRunID, repo.StepFinalization{
				Status:       domain.StepStatusFailed,
				EndedAt:      e.now(),
				Output:       step.Output,
				ErrorMessage: cause.Error(),
			}); err != nil {
				e.logger.Error("failed to finalize step run", "run_id", runID, "step_run_id", stepRunID, "error", err)
			}
		}
	}
	return e.finishRun(ctx, runID, domain.RunStatusFailed, domain.CategorySystemError, domain.GenericSystemErrorMessage)
}

func (e *Engine) finishRun(ctx context.Context, runID string, status domain.RunStatus, category domain.ErrorCategory, message string) (Result, error) {
	var run domain.Run
	var applied bool
	err := e.store.InTx(ctx, func(tx repo.Store) error {
		var err error
		run, applied, err = e.FinishRun(ctx, tx, runID, status, category, message)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	if applied {
		e.AfterFinish(ctx, run)
	}
	return Result{Run: run}, nil
}

// FinishRun applies the terminal transition through store and rebuilds the
// summaries. applied is false when the run was already terminal.
func (e *Engine) FinishRun(ctx context.Context, store repo.Store, runID string, status domain.RunStatus, category domain.ErrorCategory, message string) (domain.Run, bool, error) {
	if status == domain.RunStatusFailed && message == "" {
		message = failureMessage(category)
	}
	run, applied, err := store.Runs().FinalizeRun(ctx, runID, repo.RunFinalization{
		Status:        status,
		EndedAt:       e.now(),
		ErrorMessage:  message,
		ErrorCategory: category,
	})
	if err != nil {
		return domain.Run{}, false, fmt.Errorf("finalize run: %w", err)
	}
	e.RebuildSummaries(ctx, store, runID)
	return run, applied, nil
}

// AfterFinish runs the side effects of a terminal transition. Call it once
// the transition is committed.
func (e *Engine) AfterFinish(ctx context.Context, run domain.Run) {
	e.metrics.RunFinalized(string(run.Status), string(run.ErrorCategory))
	e.logger.Info("run finalized", "run_id", run.ID, "status", run.Status, "category", run.ErrorCategory)
	if e.retention != nil {
		e.retention.RunFinalized(ctx, run)
	}
}

// RebuildSummaries recomputes the run and step summaries through store.
// Failures are logged, not returned.
func (e *Engine) RebuildSummaries(ctx context.Context, store repo.Store, runID string) {
	if _, err := e.summaries.Rebuild(ctx, store, runID); err != nil {
		e.logger.Error("summary rebuild failed", "run_id", runID, "error", err)
	}
}

// Cancel flips a non-terminal run to CANCELED. Steps already running keep
// going; the engine stops before the next step.
func (e *Engine) Cancel(ctx context.Context, tenantID, runID, actorID string) (domain.Run, bool, error) {
	run, applied, err := e.store.Runs().CancelRun(ctx, tenantID, runID, e.now())
	if err != nil {
		return domain.Run{}, false, err
	}
	if !applied {
		return run, false, nil
	}
	e.RebuildSummaries(ctx, e.store, run.ID)
	e.record(ctx, auditlog.ActionRunCanceled, run, actorID, nil)
	e.AfterFinish(ctx, run)
	return run, true, nil
}

// FailRun force-fails a run whose execution attempts are exhausted.
func (e *Engine) FailRun(ctx context.Context, runID, reason string) (domain.Run, error) {
	run, err := e.store.Runs().GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, fmt.Errorf("load run: %w", err)
	}
	if run.Status.IsTerminal() {
		return run, nil
	}
	stepRunID := ""
	if step, err := e.store.StepRuns().FindAwaitingStepRun(ctx, runID); err == nil && !IsParked(step) {
		stepRunID = step.ID
	}
	res, err := e.failRun(ctx, runID, stepRunID, errors.New(reason))
	if err != nil {
		return domain.Run{}, err
	}
	e.record(ctx, auditlog.ActionRunForceFail, res.Run, "system", map[string]any{"reason": reason})
	return res.Run, nil
}

func (e *Engine) record(ctx context.Context, action string, run domain.Run, actor string, payload map[string]any) {
	if e.audit == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["status"] = string(run.Status)
	err := e.audit.Record(ctx, auditlog.Event{
		OccurredAt:   e.now(),
		TenantID:     run.TenantID,
		Actor:        actor,
		Action:       action,
		ResourceType: "validation_run",
		ResourceID:   run.ID,
		Payload:      payload,
	})
	if err != nil {
		e.logger.Error("audit record failed", "run_id", run.ID, "action", action, "error", err)
	}
}

func failureMessage(category domain.ErrorCategory) string {
	switch category {
	case domain.CategoryValidationFailed:
		return "validation failed"
	case domain.CategoryRuntimeError:
		return "validation job failed"
	default:
		return domain.GenericSystemErrorMessage
	}
}

// infraError marks store failures as retryable.
func infraError(op string, err error) error {
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, repo.ErrConflict) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return validation.Transient(fmt.Errorf("%s: %w", op, err))
}
