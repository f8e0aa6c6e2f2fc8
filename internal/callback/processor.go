// Package callback applies completion notices from async validation jobs.
// Each callback id is applied at most once: a receipt row is locked for
// the duration of the work and marked COMPLETED afterwards.
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/animus-validations/internal/dispatch"
	"github.com/animus-labs/animus-validations/internal/domain"
	"github.com/animus-labs/animus-validations/internal/engine"
	"github.com/animus-labs/animus-validations/internal/platform/metrics"
	"github.com/animus-labs/animus-validations/internal/platform/objectstore"
	"github.com/animus-labs/animus-validations/internal/repo"
	"github.com/animus-labs/animus-validations/internal/validation"
)

var (
	ErrInvalidPayload = errors.New("invalid callback payload")
	ErrRunNotFound    = errors.New("run not found")
	ErrStepNotFound   = errors.New("no step awaits this callback")
	ErrMismatch       = errors.New("callback does not match the awaiting step")
	// ErrBusy means another delivery holds the receipt; retry later.
	ErrBusy = errors.New("callback is being processed")
)

const maxEnvelopeBytes = 8 << 20

// PayloadSchemaV1 is the JSON schema of a callback body.
const PayloadSchemaV1 = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["runId", "status"],
  "properties": {
    "runId": {"type": "string", "minLength": 1},
    "callbackId": {"type": "string"},
    "status": {"type": "string", "enum": ["success", "failed", "error"]},
    "resultLocation": {"type": "string"},
    "error": {"type": "string"}
  }
}`

var payloadSchema = validation.MustCompileSchema(PayloadSchemaV1)

type Payload struct {
	RunID          string `json:"runId"`
	CallbackID     string `json:"callbackId,omitempty"`
	Status         string `json:"status"`
	ResultLocation string `json:"resultLocation,omitempty"`
	Error          string `json:"error,omitempty"`
}

// DecodePayload checks body against PayloadSchemaV1 and decodes it.
func DecodePayload(body []byte) (Payload, error) {
	violations, err := payloadSchema.Check(body)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if len(violations) > 0 {
		return Payload{}, fmt.Errorf("%w: %s", ErrInvalidPayload, validation.Summary(violations))
	}
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	p.RunID = strings.TrimSpace(p.RunID)
	p.CallbackID = strings.TrimSpace(p.CallbackID)
	p.ResultLocation = strings.TrimSpace(p.ResultLocation)
	return p, nil
}

// Finalizer is the step and run finalization the engine provides.
type Finalizer interface {
	CompleteStep(ctx context.Context, store repo.Store, runID string, step domain.StepRun, def domain.StepDefinition, c engine.Completion) (domain.StepRun, error)
	FinishRun(ctx context.Context, store repo.Store, runID string, status domain.RunStatus, category domain.ErrorCategory, message string) (domain.Run, bool, error)
	AfterFinish(ctx context.Context, run domain.Run)
	RebuildSummaries(ctx context.Context, store repo.Store, runID string)
}

const (
	OutcomeProcessed = "processed"
	OutcomeReplayed  = "replayed"
)

type Result struct {
	Outcome    string
	RunID      string
	StepRunID  string
	StepStatus domain.StepStatus
	RunStatus  domain.RunStatus
	// ResumeTask names the task enqueued for the next step, if any.
	ResumeTask string
}

type Deps struct {
	Logger        *slog.Logger
	Store         repo.Store
	Registry      *validation.Registry
	Finalizer     Finalizer
	Dispatcher    dispatch.Dispatcher
	Outputs       objectstore.Store
	OutputsBucket string
	Metrics       *metrics.Recorder
}

type Processor struct {
	logger        *slog.Logger
	store         repo.Store
	registry      *validation.Registry
	finalizer     Finalizer
	dispatcher    dispatch.Dispatcher
	outputs       objectstore.Store
	outputsBucket string
	metrics       *metrics.Recorder
	now           func() time.Time
}

func NewProcessor(deps Deps) (*Processor, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("store is required")
	case deps.Registry == nil:
		return nil, errors.New("validator registry is required")
	case deps.Finalizer == nil:
		return nil, errors.New("finalizer is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("dispatcher is required")
	case deps.Outputs == nil:
		return nil, errors.New("output object store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Processor{
		logger:        logger,
		store:         deps.Store,
		registry:      deps.Registry,
		finalizer:     deps.Finalizer,
		dispatcher:    deps.Dispatcher,
		outputs:       deps.Outputs,
		outputsBucket: strings.TrimSpace(deps.OutputsBucket),
		metrics:       deps.Metrics,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// Process applies one callback. Replaying a callback id whose receipt is
// COMPLETED has no side effects; a PROCESSING receipt left by a crashed
// delivery is processed again.
func (p *Processor) Process(ctx context.Context, in Payload) (Result, error) {
	if in.RunID == "" {
		return Result{}, fmt.Errorf("%w: runId is required", ErrInvalidPayload)
	}
	run, err := p.store.Runs().GetRun(ctx, in.RunID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			err = ErrRunNotFound
		} else {
			err = fmt.Errorf("load run: %w", err)
		}
		p.observe(err)
		return Result{}, err
	}

	var (
		res      Result
		resume   *dispatch.Task
		finished *domain.Run
		settle   bool
	)
	err = p.store.InTx(ctx, func(tx repo.Store) error {
		res, resume, finished, settle = Result{RunID: run.ID}, nil, nil, false
		var receipt domain.CallbackReceipt
		if in.CallbackID != "" {
			var created bool
			var err error
			receipt, created, err = tx.Receipts().AcquireReceipt(ctx, domain.CallbackReceipt{
				CallbackID:     in.CallbackID,
				RunID:          run.ID,
				ResultLocation: in.ResultLocation,
				ReceivedAt:     p.now(),
			})
			if err != nil {
				if errors.Is(err, repo.ErrLocked) {
					return ErrBusy
				}
				return fmt.Errorf("acquire receipt: %w", err)
			}
			if !created && receipt.RunID != run.ID {
				return fmt.Errorf("%w: callback id belongs to run %s", ErrMismatch, receipt.RunID)
			}
			if receipt.Status == domain.ReceiptCompleted {
				res.Outcome = OutcomeReplayed
				res.StepRunID = receipt.StepRunID
				res.RunStatus = run.Status
				return nil
			}
		}

		step, err := p.awaitingStep(ctx, tx, run.ID, receipt.StepRunID)
		if err != nil {
			return err
		}
		if in.CallbackID != "" {
			if expected := engine.JobField(step, "callback_id"); expected != "" && expected != in.CallbackID {
				return fmt.Errorf("%w: step %s awaits callback %s", ErrMismatch, step.ID, expected)
			}
			if receipt.StepRunID == "" {
				if err := tx.Receipts().AttachStepRun(ctx, in.CallbackID, step.ID); err != nil {
					return fmt.Errorf("attach step run: %w", err)
				}
			}
		}

		pipeline, err := tx.Pipelines().GetPipeline(ctx, run.PipelineID)
		if err != nil {
			return fmt.Errorf("load pipeline: %w", err)
		}
		def, ok := pipeline.StepAt(step.Ordinal)
		if !ok || def.ID != step.StepID {
			return fmt.Errorf("%w: step %s has no definition at ordinal %d", ErrMismatch, step.ID, step.Ordinal)
		}

		settle = in.CallbackID != ""
		res.Outcome = OutcomeProcessed
		if step.Status.IsTerminal() {
			res.Outcome = OutcomeReplayed
		} else {
			entry, ok := p.registry.Lookup(def.Validator)
			if !ok || !entry.Async {
				return fmt.Errorf("%w: validator %q does not report through callbacks", ErrMismatch, def.Validator)
			}
			completion, err := p.completion(ctx, run, step, def, entry, in)
			if err != nil {
				return err
			}
			step, err = p.finalizer.CompleteStep(ctx, tx, run.ID, step, def, completion)
			if err != nil {
				return err
			}
		}
		res.StepRunID = step.ID
		res.StepStatus = step.Status

		current, err := tx.Runs().GetRun(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("reload run: %w", err)
		}
		res.RunStatus = current.Status
		if current.Status.IsTerminal() {
			if res.Outcome == OutcomeProcessed {
				p.finalizer.RebuildSummaries(ctx, tx, run.ID)
			}
			return nil
		}
		if step.Status == domain.StepStatusPassed && step.Ordinal < pipeline.LastOrdinal() {
			resume = &dispatch.Task{RunID: run.ID, ActorID: run.ActorID, ResumeFromStep: step.Ordinal + 1}
			return nil
		}

		status, category := domain.RunStatusForStep(step.Status)
		if step.Status == domain.StepStatusFailed && step.ErrorMessage != "" {
			category = domain.CategoryRuntimeError
		}
		done, applied, err := p.finalizer.FinishRun(ctx, tx, run.ID, status, category, "")
		if err != nil {
			return err
		}
		res.RunStatus = done.Status
		if applied {
			finished = &done
		}
		return nil
	})
	if err != nil {
		p.observe(err)
		return Result{}, err
	}

	if finished != nil {
		p.finalizer.AfterFinish(ctx, *finished)
	}
	if resume != nil {
		name, err := p.dispatcher.Enqueue(ctx, *resume)
		if err != nil {
			p.observe(err)
			return Result{}, fmt.Errorf("dispatch resume: %w", err)
		}
		res.ResumeTask = name
		if current, err := p.store.Runs().GetRun(ctx, run.ID); err == nil {
			res.RunStatus = current.Status
		}
	}

	if settle {
		if err := p.store.Receipts().CompleteReceipt(ctx, in.CallbackID, p.now()); err != nil {
			p.logger.Warn("failed to complete callback receipt", "callback_id", in.CallbackID, "run_id", run.ID, "error", err)
		}
	}
	p.metrics.Callback(res.Outcome)
	p.logger.Info("callback applied", "callback_id", in.CallbackID, "run_id", run.ID, "step_run_id", res.StepRunID,
		"outcome", res.Outcome, "step_status", res.StepStatus, "run_status", res.RunStatus, "resume_task", res.ResumeTask)
	return res, nil
}

func (p *Processor) awaitingStep(ctx context.Context, tx repo.Store, runID, stepRunID string) (domain.StepRun, error) {
	if stepRunID != "" {
		step, err := tx.StepRuns().GetStepRun(ctx, stepRunID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.StepRun{}, ErrStepNotFound
			}
			return domain.StepRun{}, fmt.Errorf("load step run: %w", err)
		}
		if step.RunID != runID {
			return domain.StepRun{}, fmt.Errorf("%w: step run %s belongs to run %s", ErrMismatch, step.ID, step.RunID)
		}
		return step, nil
	}
	step, err := tx.StepRuns().FindAwaitingStepRun(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.StepRun{}, ErrStepNotFound
		}
		return domain.StepRun{}, fmt.Errorf("find awaiting step: %w", err)
	}
	return step, nil
}

// completion turns the job report into a step completion. The envelope in
// object storage is authoritative; the callback status only matters when
// the job broke before writing one.
func (p *Processor) completion(ctx context.Context, run domain.Run, step domain.StepRun, def domain.StepDefinition, entry validation.Entry, in Payload) (engine.Completion, error) {
	job, _ := step.Output[domain.OutputKeyJob].(map[string]any)
	runtimeFailure := func(msg string) engine.Completion {
		if strings.TrimSpace(msg) == "" {
			msg = "job reported an error without output"
		}
		return engine.Completion{
			Outcome:      validation.OutcomeFailed,
			Job:          domain.Metadata(job),
			JobStatus:    validation.JobStatusError,
			RuntimeError: msg,
		}
	}

	raw := in.ResultLocation
	if raw == "" {
		raw = engine.JobField(step, "result_location")
	}
	if raw == "" {
		if in.Status == validation.JobStatusError {
			return runtimeFailure(in.Error), nil
		}
		return engine.Completion{}, fmt.Errorf("%w: resultLocation is required", ErrInvalidPayload)
	}
	loc, err := objectstore.ParseLocation(raw, p.outputsBucket)
	if err != nil {
		return engine.Completion{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.outputsBucket != "" && loc.Bucket != p.outputsBucket {
		return engine.Completion{}, fmt.Errorf("%w: output must live in bucket %s", ErrInvalidPayload, p.outputsBucket)
	}

	body, _, err := p.outputs.Get(ctx, loc)
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			if in.Status == validation.JobStatusError {
				return runtimeFailure(in.Error), nil
			}
			return engine.Completion{}, fmt.Errorf("%w: no output at %s", ErrInvalidPayload, loc)
		}
		return engine.Completion{}, fmt.Errorf("download output: %w", err)
	}
	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(body, maxEnvelopeBytes+1))
	if err != nil {
		return engine.Completion{}, fmt.Errorf("read output: %w", err)
	}
	if len(data) > maxEnvelopeBytes {
		return engine.Completion{}, fmt.Errorf("%w: output exceeds %d bytes", ErrInvalidPayload, maxEnvelopeBytes)
	}

	env, err := entry.Envelope(data)
	if err != nil {
		return engine.Completion{}, fmt.Errorf("%w: %v", ErrMismatch, err)
	}
	if err := env.Verify(run.ID, def.Validator); err != nil {
		return engine.Completion{}, fmt.Errorf("%w: %v", ErrMismatch, err)
	}
	if env.StepRunID != "" && env.StepRunID != step.ID {
		return engine.Completion{}, fmt.Errorf("%w: envelope step run %s, awaiting %s", ErrMismatch, env.StepRunID, step.ID)
	}

	if env.Status == validation.JobStatusError {
		c := runtimeFailure(env.Error)
		c.Issues = env.Issues
		c.Stats = env.Stats
		return c, nil
	}
	outcome := validation.OutcomePassed
	if env.Status == validation.JobStatusFailed {
		outcome = validation.OutcomeFailed
	}
	return engine.Completion{
		Outcome:   outcome,
		Issues:    env.Issues,
		Stats:     env.Stats,
		Signals:   env.Signals,
		Output:    env.Output,
		Job:       domain.Metadata(job),
		JobStatus: env.Status,
	}, nil
}

func (p *Processor) observe(err error) {
	switch {
	case errors.Is(err, ErrBusy):
		p.metrics.Callback("busy")
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrMismatch):
		p.metrics.Callback("rejected")
	case errors.Is(err, ErrRunNotFound), errors.Is(err, ErrStepNotFound):
		p.metrics.Callback("not_found")
	default:
		p.metrics.Callback("error")
	}
}
