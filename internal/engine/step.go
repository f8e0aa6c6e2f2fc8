package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/animus-labs/animus-validations/internal/assertions"
	"github.com/animus-labs/animus-validations/internal/domain"
	"github.com/animus-labs/animus-validations/internal/repo"
	"github.com/animus-labs/animus-validations/internal/validation"
)

// Completion is a finished step result, produced either by a sync
// validator or decoded from an async job envelope.
type Completion struct {
	Outcome         validation.Outcome
	Issues          []validation.Issue
	Stats           domain.Metadata
	Signals         domain.Metadata
	Output          domain.Metadata
	AssertionsTotal int
	Job             domain.Metadata
	// JobStatus is the status an async job reported, if any.
	JobStatus string
	// RuntimeError is set when the job itself broke; the step fails and
	// output assertions are not evaluated.
	RuntimeError string
}

func completionFromResult(res validation.Result) Completion {
	return Completion{
		Outcome:         res.Outcome,
		Issues:          res.Issues,
		Stats:           res.Stats,
		Signals:         res.Signals,
		AssertionsTotal: res.AssertionsTotal,
		Job:             res.Job,
	}
}

// CompleteStep persists findings, evaluates output assertions, publishes
// signals and finalizes the step run. Replaying it for the same step run
// replaces the earlier findings and terminal fields.
func (e *Engine) CompleteStep(ctx context.Context, store repo.Store, runID string, step domain.StepRun, def domain.StepDefinition, c Completion) (domain.StepRun, error) {
	if c.Outcome != validation.OutcomePassed && c.Outcome != validation.OutcomeFailed {
		return domain.StepRun{}, fmt.Errorf("step %s: cannot complete with outcome %q", step.ID, c.Outcome)
	}

	issues := append([]validation.Issue(nil), c.Issues...)
	total := c.AssertionsTotal
	if c.RuntimeError == "" && len(def.OutputAssertions) > 0 {
		evaluated := assertions.Evaluate(def.OutputAssertions, assertions.Document(outputDocument(c)))
		issues = append(issues, evaluated.Issues...)
		total += evaluated.Total
	}

	var out domain.StepRun
	err := store.InTx(ctx, func(tx repo.Store) error {
		if _, err := tx.StepRuns().LockStepRun(ctx, step.ID); err != nil {
			return fmt.Errorf("lock step run: %w", err)
		}
		counts, err := e.writer.Replace(ctx, tx, runID, step.ID, issues)
		if err != nil {
			return err
		}

		status := c.Outcome.StepStatus()
		if c.RuntimeError != "" || counts.AssertionsFailed > 0 {
			status = domain.StepStatusFailed
		}

		if len(c.Signals) > 0 {
			if err := tx.Runs().MergeStepSignals(ctx, runID, step.ID, c.Signals); err != nil {
				return fmt.Errorf("merge signals: %w", err)
			}
		}

		out, err = tx.StepRuns().FinalizeStepRun(ctx, step.ID, repo.StepFinalization{
			Status:       status,
			EndedAt:      e.now(),
			Output:       stepOutput(def.Validator, c.Stats, total, c.Job),
			ErrorMessage: c.RuntimeError,
		})
		if err != nil {
			return fmt.Errorf("finalize step run: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.StepRun{}, err
	}
	return out, nil
}

// parkStep records interim results of an async step and leaves it RUNNING.
// parked is false when the step is already terminal, which happens when
// the job called back before Validate returned; the step is left as the
// callback finalized it.
func (e *Engine) parkStep(ctx context.Context, runID string, step domain.StepRun, def domain.StepDefinition, res validation.Result) (domain.StepRun, bool, error) {
	current := step
	parked := false
	err := e.store.InTx(ctx, func(tx repo.Store) error {
		var err error
		current, err = tx.StepRuns().LockStepRun(ctx, step.ID)
		if err != nil {
			return fmt.Errorf("lock step run: %w", err)
		}
		if current.Status.IsTerminal() {
			return nil
		}
		if _, err := e.writer.Replace(ctx, tx, runID, step.ID, res.Issues); err != nil {
			return err
		}
		output := stepOutput(def.Validator, res.Stats, res.AssertionsTotal, res.Job)
		if err := tx.StepRuns().UpdateStepRunOutput(ctx, step.ID, output); err != nil {
			return fmt.Errorf("record job: %w", err)
		}
		current.Output = output
		parked = true
		return nil
	})
	if err != nil {
		return domain.StepRun{}, false, err
	}
	return current, parked, nil
}

func stepOutput(validator string, stats domain.Metadata, assertionsTotal int, job domain.Metadata) domain.Metadata {
	out := domain.Metadata{
		domain.OutputKeyValidator:       validator,
		domain.OutputKeyStats:           map[string]any(stats.Clone()),
		domain.OutputKeyAssertionsTotal: assertionsTotal,
	}
	if len(job) > 0 {
		out[domain.OutputKeyJob] = map[string]any(job.Clone())
	}
	return out
}

// IsParked reports whether a non-terminal step run is waiting on an
// external job.
func IsParked(step domain.StepRun) bool {
	if step.Status.IsTerminal() {
		return false
	}
	_, ok := step.Output[domain.OutputKeyJob]
	return ok
}

// JobField reads a string field of the job recorded on a parked step run.
func JobField(step domain.StepRun, key string) string {
	job, ok := step.Output[domain.OutputKeyJob].(map[string]any)
	if !ok {
		if meta, isMeta := step.Output[domain.OutputKeyJob].(domain.Metadata); isMeta {
			job = meta
		}
	}
	v, _ := job[key].(string)
	return strings.TrimSpace(v)
}

// outputDocument is what output assertions see: the job output at the root
// plus status, stats, signals and output.
func outputDocument(c Completion) map[string]any {
	doc := map[string]any{}
	for k, v := range c.Output {
		doc[k] = v
	}
	status := c.JobStatus
	if status == "" {
		status = strings.ToLower(string(c.Outcome))
	}
	doc["status"] = status
	doc["stats"] = map[string]any(c.Stats.Clone())
	doc["signals"] = map[string]any(c.Signals.Clone())
	doc["output"] = map[string]any(c.Output.Clone())
	return doc
}

// priorSignals collects signals published by step runs before ordinal.
func priorSignals(run domain.Run, steps map[int]domain.StepRun, ordinal int) []validation.StepSignals {
	byStepRun := run.StepSignals()
	var out []validation.StepSignals
	for o, step := range steps {
		if o >= ordinal {
			continue
		}
		signals, ok := byStepRun[step.ID]
		if !ok || len(signals) == 0 {
			continue
		}
		out = append(out, validation.StepSignals{StepRunID: step.ID, Ordinal: o, Signals: signals})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}
