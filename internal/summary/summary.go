// Package summary rebuilds run and step aggregates from persisted findings
// and step runs. Summaries are a cache: rebuilding twice yields the same
// counts.
package summary

import (
	"context"
	"fmt"
	"time"

	"github.com/animus-labs/animus-validations/internal/domain"
	"github.com/animus-labs/animus-validations/internal/repo"
)

type Builder struct {
	now func() time.Time
}

func NewBuilder() *Builder {
	return &Builder{now: func() time.Time { return time.Now().UTC() }}
}

// Rebuild recomputes every step summary of the run and upserts the run
// summary. It reads only from store.
func (b *Builder) Rebuild(ctx context.Context, store repo.Store, runID string) (domain.RunSummary, error) {
	run, err := store.Runs().GetRun(ctx, runID)
	if err != nil {
		return domain.RunSummary{}, fmt.Errorf("load run: %w", err)
	}
	steps, err := store.StepRuns().ListStepRuns(ctx, runID)
	if err != nil {
		return domain.RunSummary{}, fmt.Errorf("list step runs: %w", err)
	}
	counts, err := store.Summaries().CountFindings(ctx, runID)
	if err != nil {
		return domain.RunSummary{}, fmt.Errorf("count findings: %w", err)
	}

	now := b.now()
	stepSummaries := make([]domain.StepSummary, 0, len(steps))
	var total domain.Counts
	for _, step := range steps {
		c := counts[step.ID]
		c.AssertionsTotal = AssertionsTotal(step.Output)
		if c.AssertionsTotal < c.AssertionsFailed {
			c.AssertionsTotal = c.AssertionsFailed
		}
		stepSummaries = append(stepSummaries, domain.StepSummary{
			RunID:     runID,
			StepRunID: step.ID,
			Ordinal:   step.Ordinal,
			Status:    step.Status,
			Counts:    c,
			UpdatedAt: now,
		})
		total.Add(c)
	}

	if err := store.Summaries().ReplaceStepSummaries(ctx, runID, stepSummaries); err != nil {
		return domain.RunSummary{}, fmt.Errorf("replace step summaries: %w", err)
	}
	out := domain.RunSummary{
		RunID:     runID,
		Status:    run.Status,
		Counts:    total,
		Steps:     len(steps),
		UpdatedAt: now,
	}
	if err := store.Summaries().UpsertRunSummary(ctx, out); err != nil {
		return domain.RunSummary{}, fmt.Errorf("upsert run summary: %w", err)
	}
	return out, nil
}

// AssertionsTotal reads the number of evaluated assertions recorded in a
// step run output.
func AssertionsTotal(output domain.Metadata) int {
	switch v := output[domain.OutputKeyAssertionsTotal].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
