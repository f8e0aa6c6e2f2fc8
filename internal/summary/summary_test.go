package summary

import (
	"context"
	"testing"
	"time"

	"github.com/animus-labs/animus-validations/internal/domain"
	"github.com/animus-labs/animus-validations/internal/repo"
	"github.com/animus-labs/animus-validations/internal/repo/memory"
)

func seedRun(t *testing.T, s *memory.Store) (domain.Run, []domain.StepRun) {
	t.Helper()
	ctx := context.Background()
	p := domain.Pipeline{ID: "orders", Name: "orders", Steps: []domain.StepDefinition{
		{ID: domain.StepID("orders", 1, "schema"), PipelineID: "orders", Key: "schema", Ordinal: 1, Validator: "json_schema"},
		{ID: domain.StepID("orders", 2, "rules"), PipelineID: "orders", Key: "rules", Ordinal: 2, Validator: "ruleset"},
	}}
	if err := s.Pipelines().UpsertPipeline(ctx, p); err != nil {
		t.Fatalf("UpsertPipeline() err=%v", err)
	}
	run, err := s.Runs().CreateRun(ctx, domain.Run{TenantID: "acme", PipelineID: "orders", Status: domain.RunStatusRunning})
	if err != nil {
		t.Fatalf("CreateRun() err=%v", err)
	}
	var steps []domain.StepRun
	for _, def := range p.Steps {
		step, _, err := s.StepRuns().CreateStepRun(ctx, domain.StepRun{RunID: run.ID, StepID: def.ID, Ordinal: def.Ordinal})
		if err != nil {
			t.Fatalf("CreateStepRun() err=%v", err)
		}
		steps = append(steps, step)
	}
	end := time.Now().UTC()
	if _, err := s.StepRuns().FinalizeStepRun(ctx, steps[1].ID, repo.StepFinalization{
		Status:  domain.StepStatusFailed,
		EndedAt: end,
		Output:  domain.Metadata{domain.OutputKeyAssertionsTotal: float64(3)},
	}); err != nil {
		t.Fatalf("FinalizeStepRun() err=%v", err)
	}
	findings := []domain.Finding{
		{RunID: run.ID, StepRunID: steps[0].ID, Severity: domain.SeverityWarning, Code: "w", Message: "w"},
		{RunID: run.ID, StepRunID: steps[1].ID, Severity: domain.SeverityError, Code: "a", Message: "a", RuleRef: "r1"},
		{RunID: run.ID, StepRunID: steps[1].ID, Severity: domain.SeverityInfo, Code: "i", Message: "i", RuleRef: "r2"},
	}
	if err := s.Findings().InsertFindings(ctx, findings); err != nil {
		t.Fatalf("InsertFindings() err=%v", err)
	}
	return run, steps
}

func TestRebuild_CountsFromStore(t *testing.T) {
	s := memory.New()
	run, steps := seedRun(t, s)

	out, err := NewBuilder().Rebuild(context.Background(), s, run.ID)
	if err != nil {
		t.Fatalf("Rebuild() err=%v", err)
	}
	if out.Steps != 2 || out.Counts.Total != 3 || out.Counts.Errors != 1 || out.Counts.Warnings != 1 || out.Counts.Infos != 1 {
		t.Fatalf("run summary=%+v", out)
	}
	if out.Counts.AssertionsTotal != 3 || out.Counts.AssertionsFailed != 1 || out.Counts.AssertionsPassed() != 2 {
		t.Fatalf("assertions=%+v", out.Counts)
	}

	stepSummaries, err := s.Summaries().ListStepSummaries(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("ListStepSummaries() err=%v", err)
	}
	if len(stepSummaries) != 2 {
		t.Fatalf("step summaries=%d, want 2", len(stepSummaries))
	}
	for _, ss := range stepSummaries {
		if ss.StepRunID == steps[1].ID && ss.Status != domain.StepStatusFailed {
			t.Fatalf("step summary status=%s, want FAILED", ss.Status)
		}
	}
}

func TestRebuild_Idempotent(t *testing.T) {
	s := memory.New()
	run, _ := seedRun(t, s)
	b := NewBuilder()

	first, err := b.Rebuild(context.Background(), s, run.ID)
	if err != nil {
		t.Fatalf("Rebuild() err=%v", err)
	}
	second, err := b.Rebuild(context.Background(), s, run.ID)
	if err != nil {
		t.Fatalf("second Rebuild() err=%v", err)
	}
	if first.Counts != second.Counts || first.Steps != second.Steps {
		t.Fatalf("rebuild not idempotent: %+v vs %+v", first, second)
	}
	stepSummaries, _ := s.Summaries().ListStepSummaries(context.Background(), run.ID)
	if len(stepSummaries) != 2 {
		t.Fatalf("step summaries duplicated: %d", len(stepSummaries))
	}
}

func TestAssertionsTotal(t *testing.T) {
	if AssertionsTotal(domain.Metadata{domain.OutputKeyAssertionsTotal: 4}) != 4 {
		t.Fatalf("int total not read")
	}
	if AssertionsTotal(domain.Metadata{domain.OutputKeyAssertionsTotal: float64(2)}) != 2 {
		t.Fatalf("float total not read")
	}
	if AssertionsTotal(nil) != 0 {
		t.Fatalf("nil output must count zero")
	}
}
