package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/animus-labs/animus-validations/internal/domain"
	"github.com/animus-labs/animus-validations/internal/repo"
)

func seed(t *testing.T, s *Store) (domain.Pipeline, domain.Run) {
	t.Helper()
	ctx := context.Background()
	p := domain.Pipeline{
		ID:   "orders",
		Name: "orders",
		Steps: []domain.StepDefinition{
			{ID: domain.StepID("orders", 1, "schema"), PipelineID: "orders", Key: "schema", Ordinal: 1, Validator: "json_schema"},
			{ID: domain.StepID("orders", 2, "sim"), PipelineID: "orders", Key: "sim", Ordinal: 2, Validator: "simulation"},
		},
	}
	if err := s.Pipelines().UpsertPipeline(ctx, p); err != nil {
		t.Fatalf("UpsertPipeline() err=%v", err)
	}
	run, err := s.Runs().CreateRun(ctx, domain.Run{TenantID: "acme", PipelineID: "orders", ActorID: "alice", Status: domain.RunStatusPending})
	if err != nil {
		t.Fatalf("CreateRun() err=%v", err)
	}
	return p, run
}

func TestCreateStepRun_IdempotentOnOrdinal(t *testing.T) {
	s := New()
	p, run := seed(t, s)
	ctx := context.Background()

	first, created, err := s.StepRuns().CreateStepRun(ctx, domain.StepRun{RunID: run.ID, StepID: p.Steps[0].ID, Ordinal: 1})
	if err != nil || !created {
		t.Fatalf("CreateStepRun() created=%v err=%v", created, err)
	}
	again, created, err := s.StepRuns().CreateStepRun(ctx, domain.StepRun{RunID: run.ID, StepID: p.Steps[0].ID, Ordinal: 1})
	if err != nil || created {
		t.Fatalf("second CreateStepRun() created=%v err=%v", created, err)
	}
	if again.ID != first.ID {
		t.Fatalf("second CreateStepRun() id=%s, want %s", again.ID, first.ID)
	}

	_, _, err = s.StepRuns().CreateStepRun(ctx, domain.StepRun{RunID: run.ID, StepID: p.Steps[0].ID, Ordinal: 2})
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("mismatched ordinal err=%v, want ErrConflict", err)
	}
}

func TestFinalizeRun_AppliesOnce(t *testing.T) {
	s := New()
	_, run := seed(t, s)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.Runs().MarkRunRunning(ctx, run.ID, now); err != nil {
		t.Fatalf("MarkRunRunning() err=%v", err)
	}
	got, applied, err := s.Runs().FinalizeRun(ctx, run.ID, repo.RunFinalization{Status: domain.RunStatusSucceeded, EndedAt: now.Add(time.Second)})
	if err != nil || !applied {
		t.Fatalf("FinalizeRun() applied=%v err=%v", applied, err)
	}
	if got.EndedAt == nil || got.EndedAt.Before(*got.StartedAt) {
		t.Fatalf("ended_at=%v started_at=%v", got.EndedAt, got.StartedAt)
	}
	_, applied, err = s.Runs().FinalizeRun(ctx, run.ID, repo.RunFinalization{Status: domain.RunStatusFailed, EndedAt: now})
	if err != nil || applied {
		t.Fatalf("second FinalizeRun() applied=%v err=%v", applied, err)
	}
	after, _ := s.Runs().GetRun(ctx, run.ID)
	if after.Status != domain.RunStatusSucceeded {
		t.Fatalf("status=%s, want SUCCEEDED", after.Status)
	}
}

func TestAcquireReceipt_LockedAcrossTransactions(t *testing.T) {
	s := New()
	_, run := seed(t, s)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx repo.Store) error {
		_, created, err := tx.Receipts().AcquireReceipt(ctx, domain.CallbackReceipt{CallbackID: "cb-1", RunID: run.ID})
		if err != nil || !created {
			t.Fatalf("AcquireReceipt() created=%v err=%v", created, err)
		}
		inner := s.InTx(ctx, func(other repo.Store) error {
			_, _, err := other.Receipts().AcquireReceipt(ctx, domain.CallbackReceipt{CallbackID: "cb-1", RunID: run.ID})
			return err
		})
		if !errors.Is(inner, repo.ErrLocked) {
			t.Fatalf("concurrent AcquireReceipt() err=%v, want ErrLocked", inner)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx() err=%v", err)
	}

	err = s.InTx(ctx, func(tx repo.Store) error {
		r, created, err := tx.Receipts().AcquireReceipt(ctx, domain.CallbackReceipt{CallbackID: "cb-1", RunID: run.ID})
		if err != nil || created || r.Status != domain.ReceiptProcessing {
			t.Fatalf("AcquireReceipt() after commit r=%+v created=%v err=%v", r, created, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx() err=%v", err)
	}
}

func TestInTx_RollsBackOnError(t *testing.T) {
	s := New()
	p, run := seed(t, s)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx repo.Store) error {
		if _, _, err := tx.Receipts().AcquireReceipt(ctx, domain.CallbackReceipt{CallbackID: "cb-2", RunID: run.ID}); err != nil {
			return err
		}
		step, _, err := tx.StepRuns().CreateStepRun(ctx, domain.StepRun{RunID: run.ID, StepID: p.Steps[0].ID, Ordinal: 1})
		if err != nil {
			return err
		}
		if err := tx.Findings().InsertFindings(ctx, []domain.Finding{{RunID: run.ID, StepRunID: step.ID, Severity: domain.SeverityError, Code: "x"}}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx() err=%v, want boom", err)
	}
	if _, ok := s.Receipt("cb-2"); ok {
		t.Fatalf("receipt should be rolled back")
	}
	if got := len(s.AllFindings(run.ID)); got != 0 {
		t.Fatalf("findings=%d, want 0 after rollback", got)
	}
	steps, _ := s.StepRuns().ListStepRuns(ctx, run.ID)
	if len(steps) != 0 {
		t.Fatalf("step runs=%d, want 0 after rollback", len(steps))
	}
}

func TestInsertFindings_RejectsRunMismatch(t *testing.T) {
	s := New()
	p, run := seed(t, s)
	ctx := context.Background()
	step, _, err := s.StepRuns().CreateStepRun(ctx, domain.StepRun{RunID: run.ID, StepID: p.Steps[0].ID, Ordinal: 1})
	if err != nil {
		t.Fatalf("CreateStepRun() err=%v", err)
	}
	err = s.Findings().InsertFindings(ctx, []domain.Finding{{RunID: "other-run", StepRunID: step.ID, Severity: domain.SeverityError}})
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("InsertFindings() err=%v, want ErrConflict", err)
	}
}

func TestUpdateStepRunOutput_RejectsTerminalStep(t *testing.T) {
	s := New()
	p, run := seed(t, s)
	ctx := context.Background()

	step, _, err := s.StepRuns().CreateStepRun(ctx, domain.StepRun{RunID: run.ID, StepID: p.Steps[0].ID, Ordinal: 1})
	if err != nil {
		t.Fatalf("CreateStepRun() err=%v", err)
	}
	if err := s.StepRuns().UpdateStepRunOutput(ctx, step.ID, domain.Metadata{"validator": "json_schema"}); err != nil {
		t.Fatalf("UpdateStepRunOutput() on running step err=%v", err)
	}
	if _, err := s.StepRuns().FinalizeStepRun(ctx, step.ID, repo.StepFinalization{
		Status:  domain.StepStatusPassed,
		EndedAt: time.Now(),
		Output:  domain.Metadata{"validator": "final"},
	}); err != nil {
		t.Fatalf("FinalizeStepRun() err=%v", err)
	}

	err = s.StepRuns().UpdateStepRunOutput(ctx, step.ID, domain.Metadata{domain.OutputKeyJob: map[string]any{"name": "late"}})
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("UpdateStepRunOutput() on passed step err=%v, want ErrConflict", err)
	}
	got, err := s.StepRuns().GetStepRun(ctx, step.ID)
	if err != nil {
		t.Fatalf("GetStepRun() err=%v", err)
	}
	if got.Output["validator"] != "final" {
		t.Fatalf("output=%+v, want the finalized output", got.Output)
	}
}

func TestListParkedStepRuns_PagesWithCursor(t *testing.T) {
	s := New()
	p, _ := seed(t, s)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Two steps share a start time so the id breaks the tie.
	starts := []time.Time{base, base, base.Add(time.Minute)}
	want := make(map[string]bool, len(starts))
	for _, at := range starts {
		run, err := s.Runs().CreateRun(ctx, domain.Run{TenantID: "acme", PipelineID: p.ID, ActorID: "alice", Status: domain.RunStatusPending})
		if err != nil {
			t.Fatalf("CreateRun() err=%v", err)
		}
		step, _, err := s.StepRuns().CreateStepRun(ctx, domain.StepRun{RunID: run.ID, StepID: p.Steps[0].ID, Ordinal: 1})
		if err != nil {
			t.Fatalf("CreateStepRun() err=%v", err)
		}
		if _, err := s.StepRuns().MarkStepRunRunning(ctx, step.ID, at); err != nil {
			t.Fatalf("MarkStepRunRunning() err=%v", err)
		}
		if err := s.StepRuns().UpdateStepRunOutput(ctx, step.ID, domain.Metadata{domain.OutputKeyJob: map[string]any{"name": "job-" + step.ID}}); err != nil {
			t.Fatalf("UpdateStepRunOutput() err=%v", err)
		}
		want[step.ID] = true
	}

	var (
		cursor repo.ParkedCursor
		seen   []domain.StepRun
	)
	for page := 0; page < 5; page++ {
		steps, err := s.StepRuns().ListParkedStepRuns(ctx, cursor, 1)
		if err != nil {
			t.Fatalf("ListParkedStepRuns() err=%v", err)
		}
		if len(steps) == 0 {
			break
		}
		seen = append(seen, steps...)
		cursor = cursor.Next(steps[len(steps)-1])
	}
	if len(seen) != len(want) {
		t.Fatalf("listed %d parked steps across pages, want %d", len(seen), len(want))
	}
	for i, step := range seen {
		if !want[step.ID] {
			t.Fatalf("step %s listed twice or unknown", step.ID)
		}
		delete(want, step.ID)
		if i > 0 {
			prev := seen[i-1]
			if step.StartedAt.Before(*prev.StartedAt) || (step.StartedAt.Equal(*prev.StartedAt) && step.ID < prev.ID) {
				t.Fatalf("page %d out of order: %s after %s", i, step.ID, prev.ID)
			}
		}
	}
}
