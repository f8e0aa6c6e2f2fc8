// Package memory is an in-process repo.Store. Transactions are emulated
// with an undo log, and receipt row locks are held per transaction so
// concurrent callback deliveries behave like they do against Postgres.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-validations/internal/domain"
	"github.com/animus-labs/animus-validations/internal/repo"
)

type Store struct {
	mu sync.Mutex

	runs          map[string]domain.Run
	stepRuns      map[string]domain.StepRun
	findings      []domain.Finding
	stepSummaries map[string][]domain.StepSummary
	runSummaries  map[string]domain.RunSummary
	receipts      map[string]domain.CallbackReceipt
	receiptLocks  map[string]*txState
	pipelines     map[string]domain.Pipeline
	faults        map[string]error

	now func() time.Time
}

type txState struct {
	undo []func()
}

func New() *Store {
	return &Store{
		runs:          map[string]domain.Run{},
		stepRuns:      map[string]domain.StepRun{},
		stepSummaries: map[string][]domain.StepSummary{},
		runSummaries:  map[string]domain.RunSummary{},
		receipts:      map[string]domain.CallbackReceipt{},
		receiptLocks:  map[string]*txState{},
		pipelines:     map[string]domain.Pipeline{},
		faults:        map[string]error{},
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// InjectFault makes the next call of the named repository method return
// err. Names match the repo interface method names.
func (s *Store) InjectFault(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[method] = err
}

// AllFindings returns a copy of all stored findings for a run.
func (s *Store) AllFindings(runID string) []domain.Finding {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Finding, 0)
	for _, f := range s.findings {
		if f.RunID == runID {
			out = append(out, f)
		}
	}
	return out
}

func (s *Store) Runs() repo.RunRepository { return &view{s: s} }
func (s *Store) StepRuns() repo.StepRunRepository { return &view{s: s} }
func (s *Store) Findings() repo.FindingRepository { return &view{s: s} }
func (s *Store) Summaries() repo.SummaryRepository { return &view{s: s} }
func (s *Store) Receipts() repo.ReceiptRepository { return &view{s: s} }
func (s *Store) Pipelines() repo.PipelineRepository { return &view{s: s} }

func (s *Store) InTx(ctx context.Context, fn func(tx repo.Store) error) error {
	return (&view{s: s}).InTx(ctx, fn)
}

// view is a Store bound to an optional transaction.
type view struct {
	s  *Store
	tx *txState
}

func (v *view) Runs() repo.RunRepository { return v }
func (v *view) StepRuns() repo.StepRunRepository { return v }
func (v *view) Findings() repo.FindingRepository { return v }
func (v *view) Summaries() repo.SummaryRepository { return v }
func (v *view) Receipts() repo.ReceiptRepository { return v }
func (v *view) Pipelines() repo.PipelineRepository { return v }

func (v *view) InTx(ctx context.Context, fn func(tx repo.Store) error) error {
	if v.tx != nil {
		return fn(v)
	}
	tx := &txState{}
	err := fn(&view{s: v.s, tx: tx})

	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
	}
	for id, holder := range v.s.receiptLocks {
		if holder == tx {
			delete(v.s.receiptLocks, id)
		}
	}
	return err
}

// lock acquires the store mutex and returns the release func. The caller
// must hold it while calling record.
func (v *view) lock() func() {
	v.s.mu.Lock()
	return v.s.mu.Unlock
}

func (v *view) record(undo func()) {
	if v.tx != nil {
		v.tx.undo = append(v.tx.undo, undo)
	}
}

func (v *view) fault(method string) error {
	if err, ok := v.s.faults[method]; ok {
		delete(v.s.faults, method)
		return err
	}
	return nil
}

func (v *view) putRun(run domain.Run) {
	prev, existed := v.s.runs[run.ID]
	v.s.runs[run.ID] = run
	v.record(func() {
		if existed {
			v.s.runs[run.ID] = prev
		} else {
			delete(v.s.runs, run.ID)
		}
	})
}

func (v *view) putStepRun(step domain.StepRun) {
	prev, existed := v.s.stepRuns[step.ID]
	v.s.stepRuns[step.ID] = step
	v.record(func() {
		if existed {
			v.s.stepRuns[step.ID] = prev
		} else {
			delete(v.s.stepRuns, step.ID)
		}
	})
}

func (v *view) putReceipt(r domain.CallbackReceipt) {
	prev, existed := v.s.receipts[r.CallbackID]
	v.s.receipts[r.CallbackID] = r
	v.record(func() {
		if existed {
			v.s.receipts[r.CallbackID] = prev
		} else {
			delete(v.s.receipts, r.CallbackID)
		}
	})
}

func (v *view) setFindings(next []domain.Finding) {
	prev := v.s.findings
	v.s.findings = next
	v.record(func() { v.s.findings = prev })
}

// Runs

func (v *view) CreateRun(ctx context.Context, run domain.Run) (domain.Run, error) {
	defer v.lock()()
	if err := v.fault("CreateRun"); err != nil {
		return domain.Run{}, err
	}
	if strings.TrimSpace(run.ID) == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = domain.RunStatusPending
	}
	if run.Status != domain.RunStatusPending {
		return domain.Run{}, fmt.Errorf("new runs must be %s", domain.RunStatusPending)
	}
	if err := run.Validate(); err != nil {
		return domain.Run{}, err
	}
	if _, ok := v.s.runs[run.ID]; ok {
		return domain.Run{}, fmt.Errorf("insert run: %w", repo.ErrConflict)
	}
	if _, ok := v.s.pipelines[run.PipelineID]; !ok {
		return domain.Run{}, fmt.Errorf("insert run: unknown pipeline: %w", repo.ErrConflict)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = v.s.now()
	}
	run.Summary = run.Summary.Clone()
	v.putRun(run)
	return run, nil
}

func (v *view) GetRun(ctx context.Context, id string) (domain.Run, error) {
	defer v.lock()()
	if err := v.fault("GetRun"); err != nil {
		return domain.Run{}, err
	}
	run, ok := v.s.runs[strings.TrimSpace(id)]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (v *view) GetTenantRun(ctx context.Context, tenantID, id string) (domain.Run, error) {
	defer v.lock()()
	run, ok := v.s.runs[strings.TrimSpace(id)]
	if !ok || run.TenantID != strings.TrimSpace(tenantID) {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (v *view) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	defer v.lock()()
	out := make([]domain.Run, 0)
	for _, run := range v.s.runs {
		if run.TenantID != filter.TenantID {
			continue
		}
		if filter.PipelineID != "" && run.PipelineID != filter.PipelineID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (v *view) MarkRunRunning(ctx context.Context, id string, at time.Time) (domain.Run, error) {
	defer v.lock()()
	if err := v.fault("MarkRunRunning"); err != nil {
		return domain.Run{}, err
	}
	run, ok := v.s.runs[strings.TrimSpace(id)]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	if run.Status.IsTerminal() {
		return run, nil
	}
	run.Status = domain.RunStatusRunning
	if run.StartedAt == nil {
		t := at.UTC()
		run.StartedAt = &t
	}
	v.putRun(run)
	return run, nil
}

func (v *view) FinalizeRun(ctx context.Context, id string, fin repo.RunFinalization) (domain.Run, bool, error) {
	defer v.lock()()
	if err := v.fault("FinalizeRun"); err != nil {
		return domain.Run{}, false, err
	}
	if !fin.Status.IsTerminal() {
		return domain.Run{}, false, fmt.Errorf("finalize requires terminal status, got %q", fin.Status)
	}
	run, ok := v.s.runs[strings.TrimSpace(id)]
	if !ok {
		return domain.Run{}, false, repo.ErrNotFound
	}
	if run.Status.IsTerminal() {
		return run, false, nil
	}
	applyRunTerminal(&run, fin.Status, fin.EndedAt, fin.ErrorMessage, fin.ErrorCategory)
	if err := run.Validate(); err != nil {
		return domain.Run{}, false, fmt.Errorf("finalize run: %w", err)
	}
	v.putRun(run)
	return run, true, nil
}

func (v *view) CancelRun(ctx context.Context, tenantID, id string, at time.Time) (domain.Run, bool, error) {
	defer v.lock()()
	run, ok := v.s.runs[strings.TrimSpace(id)]
	if !ok || run.TenantID != strings.TrimSpace(tenantID) {
		return domain.Run{}, false, repo.ErrNotFound
	}
	if run.Status.IsTerminal() {
		return run, false, nil
	}
	applyRunTerminal(&run, domain.RunStatusCanceled, at, "run canceled", domain.CategoryCanceled)
	v.putRun(run)
	return run, true, nil
}

func applyRunTerminal(run *domain.Run, status domain.RunStatus, at time.Time, msg string, category domain.ErrorCategory) {
	at = at.UTC()
	if run.StartedAt == nil {
		start := at
		run.StartedAt = &start
	}
	if at.Before(*run.StartedAt) {
		at = *run.StartedAt
	}
	d := domain.DurationMillis(run.StartedAt, at)
	run.Status = status
	run.EndedAt = &at
	run.DurationMs = &d
	run.ErrorMessage = msg
	run.ErrorCategory = category
}

func (v *view) MergeStepSignals(ctx context.Context, runID, stepRunID string, signals domain.Metadata) error {
	defer v.lock()()
	run, ok := v.s.runs[strings.TrimSpace(runID)]
	if !ok {
		return repo.ErrNotFound
	}
	run.Summary = domain.MergeStepSignals(run.Summary, stepRunID, signals)
	v.putRun(run)
	return nil
}

// Step runs

func (v *view) CreateStepRun(ctx context.Context, step domain.StepRun) (domain.StepRun, bool, error) {
	defer v.lock()()
	if err := v.fault("CreateStepRun"); err != nil {
		return domain.StepRun{}, false, err
	}
	run, ok := v.s.runs[step.RunID]
	if !ok {
		return domain.StepRun{}, false, fmt.Errorf("insert step run: unknown run: %w", repo.ErrConflict)
	}
	if p, ok := v.s.pipelines[run.PipelineID]; ok {
		def, ok := p.StepAt(step.Ordinal)
		if !ok || def.ID != step.StepID {
			return domain.StepRun{}, false, fmt.Errorf("insert step run: step/ordinal mismatch: %w", repo.ErrConflict)
		}
	}
	if step.Status == "" {
		step.Status = domain.StepStatusRunning
	}
	if step.Status.IsTerminal() {
		return domain.StepRun{}, false, errors.New("new step runs must not be terminal")
	}
	for _, existing := range v.s.stepRuns {
		if existing.RunID != step.RunID {
			continue
		}
		if existing.Ordinal == step.Ordinal {
			if existing.StepID != step.StepID {
				return domain.StepRun{}, false, fmt.Errorf("step run for ordinal %d references another step: %w", step.Ordinal, repo.ErrConflict)
			}
			return existing, false, nil
		}
		if existing.StepID == step.StepID {
			return domain.StepRun{}, false, fmt.Errorf("insert step run: %w", repo.ErrConflict)
		}
	}
	if strings.TrimSpace(step.ID) == "" {
		step.ID = uuid.NewString()
	}
	step.Output = step.Output.Clone()
	v.putStepRun(step)
	return step, true, nil
}

func (v *view) GetStepRun(ctx context.Context, id string) (domain.StepRun, error) {
	defer v.lock()()
	step, ok := v.s.stepRuns[strings.TrimSpace(id)]
	if !ok {
		return domain.StepRun{}, repo.ErrNotFound
	}
	return step, nil
}

// LockStepRun is GetStepRun; the memory store holds no row locks.
func (v *view) LockStepRun(ctx context.Context, id string) (domain.StepRun, error) {
	return v.GetStepRun(ctx, id)
}

func (v *view) ListStepRuns(ctx context.Context, runID string) ([]domain.StepRun, error) {
	defer v.lock()()
	return v.stepRunsOf(runID), nil
}

func (v *view) stepRunsOf(runID string) []domain.StepRun {
	out := make([]domain.StepRun, 0)
	for _, step := range v.s.stepRuns {
		if step.RunID == runID {
			out = append(out, step)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

func (v *view) FindAwaitingStepRun(ctx context.Context, runID string) (domain.StepRun, error) {
	defer v.lock()()
	for _, step := range v.stepRunsOf(strings.TrimSpace(runID)) {
		if step.Status.IsAwaiting() {
			return step, nil
		}
	}
	return domain.StepRun{}, repo.ErrNotFound
}

func (v *view) ListParkedStepRuns(ctx context.Context, after repo.ParkedCursor, limit int) ([]domain.StepRun, error) {
	defer v.lock()()
	out := make([]domain.StepRun, 0)
	for _, step := range v.s.stepRuns {
		if !step.Status.IsAwaiting() || step.StartedAt == nil {
			continue
		}
		if _, ok := step.Output[domain.OutputKeyJob]; !ok {
			continue
		}
		if !parkedAfter(step, after) {
			continue
		}
		out = append(out, step)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := *out[i].StartedAt, *out[j].StartedAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func parkedAfter(step domain.StepRun, after repo.ParkedCursor) bool {
	switch {
	case step.StartedAt.After(after.StartedAt):
		return true
	case step.StartedAt.Equal(after.StartedAt):
		return step.ID > after.StepRunID
	default:
		return false
	}
}

func (v *view) MarkStepRunRunning(ctx context.Context, id string, at time.Time) (domain.StepRun, error) {
	defer v.lock()()
	step, ok := v.s.stepRuns[strings.TrimSpace(id)]
	if !ok {
		return domain.StepRun{}, repo.ErrNotFound
	}
	if step.Status.IsTerminal() {
		return step, nil
	}
	step.Status = domain.StepStatusRunning
	if step.StartedAt == nil {
		t := at.UTC()
		step.StartedAt = &t
	}
	v.putStepRun(step)
	return step, nil
}

func (v *view) UpdateStepRunOutput(ctx context.Context, id string, output domain.Metadata) error {
	defer v.lock()()
	step, ok := v.s.stepRuns[strings.TrimSpace(id)]
	if !ok {
		return repo.ErrNotFound
	}
	if step.Status.IsTerminal() {
		return fmt.Errorf("step run %s is terminal: %w", step.ID, repo.ErrConflict)
	}
	step.Output = output.Clone()
	v.putStepRun(step)
	return nil
}

func (v *view) FinalizeStepRun(ctx context.Context, id string, fin repo.StepFinalization) (domain.StepRun, error) {
	defer v.lock()()
	if err := v.fault("FinalizeStepRun"); err != nil {
		return domain.StepRun{}, err
	}
	if !fin.Status.IsTerminal() {
		return domain.StepRun{}, fmt.Errorf("finalize requires terminal status, got %q", fin.Status)
	}
	step, ok := v.s.stepRuns[strings.TrimSpace(id)]
	if !ok {
		return domain.StepRun{}, repo.ErrNotFound
	}
	at := fin.EndedAt.UTC()
	if step.StartedAt == nil {
		start := at
		step.StartedAt = &start
	}
	if at.Before(*step.StartedAt) {
		at = *step.StartedAt
	}
	d := domain.DurationMillis(step.StartedAt, at)
	step.Status = fin.Status
	step.EndedAt = &at
	step.DurationMs = &d
	step.Output = fin.Output.Clone()
	step.ErrorMessage = fin.ErrorMessage
	v.putStepRun(step)
	return step, nil
}

// Findings

func (v *view) InsertFindings(ctx context.Context, findings []domain.Finding) error {
	defer v.lock()()
	if err := v.fault("InsertFindings"); err != nil {
		return err
	}
	next := append([]domain.Finding(nil), v.s.findings...)
	for i, f := range findings {
		step, ok := v.s.stepRuns[f.StepRunID]
		if !ok || step.RunID != f.RunID {
			return fmt.Errorf("insert findings: finding %d run/step mismatch: %w", i, repo.ErrConflict)
		}
		if strings.TrimSpace(f.ID) == "" {
			f.ID = uuid.NewString()
		}
		if f.CreatedAt.IsZero() {
			f.CreatedAt = v.s.now()
		}
		next = append(next, f)
	}
	v.setFindings(next)
	return nil
}

func (v *view) DeleteStepRunFindings(ctx context.Context, stepRunID string) error {
	defer v.lock()()
	next := make([]domain.Finding, 0, len(v.s.findings))
	for _, f := range v.s.findings {
		if f.StepRunID != stepRunID {
			next = append(next, f)
		}
	}
	v.setFindings(next)
	return nil
}

func (v *view) ListFindings(ctx context.Context, runID string, limit int) ([]domain.Finding, error) {
	defer v.lock()()
	out := make([]domain.Finding, 0)
	for _, f := range v.s.findings {
		if f.RunID == runID {
			out = append(out, f)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Summaries

func (v *view) CountFindings(ctx context.Context, runID string) (map[string]domain.Counts, error) {
	defer v.lock()()
	out := map[string]domain.Counts{}
	for _, f := range v.s.findings {
		if f.RunID != runID {
			continue
		}
		c := out[f.StepRunID]
		c.Total++
		switch f.Severity {
		case domain.SeverityError:
			c.Errors++
		case domain.SeverityWarning:
			c.Warnings++
		case domain.SeverityInfo:
			c.Infos++
		}
		if f.IsAssertionFailure() {
			c.AssertionsFailed++
		}
		out[f.StepRunID] = c
	}
	return out, nil
}

func (v *view) ReplaceStepSummaries(ctx context.Context, runID string, summaries []domain.StepSummary) error {
	defer v.lock()()
	prev, existed := v.s.stepSummaries[runID]
	v.s.stepSummaries[runID] = append([]domain.StepSummary(nil), summaries...)
	v.record(func() {
		if existed {
			v.s.stepSummaries[runID] = prev
		} else {
			delete(v.s.stepSummaries, runID)
		}
	})
	return nil
}

func (v *view) UpsertRunSummary(ctx context.Context, summary domain.RunSummary) error {
	defer v.lock()()
	prev, existed := v.s.runSummaries[summary.RunID]
	v.s.runSummaries[summary.RunID] = summary
	v.record(func() {
		if existed {
			v.s.runSummaries[summary.RunID] = prev
		} else {
			delete(v.s.runSummaries, summary.RunID)
		}
	})
	return nil
}

func (v *view) GetRunSummary(ctx context.Context, runID string) (domain.RunSummary, error) {
	defer v.lock()()
	sum, ok := v.s.runSummaries[runID]
	if !ok {
		return domain.RunSummary{}, repo.ErrNotFound
	}
	return sum, nil
}

func (v *view) ListStepSummaries(ctx context.Context, runID string) ([]domain.StepSummary, error) {
	defer v.lock()()
	return append([]domain.StepSummary(nil), v.s.stepSummaries[runID]...), nil
}

// Receipts

func (v *view) AcquireReceipt(ctx context.Context, receipt domain.CallbackReceipt) (domain.CallbackReceipt, bool, error) {
	defer v.lock()()
	if v.tx == nil {
		return domain.CallbackReceipt{}, false, errors.New("acquire receipt requires a transaction")
	}
	id := strings.TrimSpace(receipt.CallbackID)
	if id == "" {
		return domain.CallbackReceipt{}, false, errors.New("callback id is required")
	}
	if holder, ok := v.s.receiptLocks[id]; ok && holder != v.tx {
		return domain.CallbackReceipt{}, false, fmt.Errorf("lock receipt: %w", repo.ErrLocked)
	}
	v.s.receiptLocks[id] = v.tx
	if existing, ok := v.s.receipts[id]; ok {
		return existing, false, nil
	}
	receipt.CallbackID = id
	receipt.Status = domain.ReceiptProcessing
	if receipt.ReceivedAt.IsZero() {
		receipt.ReceivedAt = v.s.now()
	}
	receipt.CompletedAt = nil
	v.putReceipt(receipt)
	return receipt, true, nil
}

func (v *view) AttachStepRun(ctx context.Context, callbackID, stepRunID string) error {
	defer v.lock()()
	r, ok := v.s.receipts[callbackID]
	if !ok {
		return repo.ErrNotFound
	}
	r.StepRunID = stepRunID
	v.putReceipt(r)
	return nil
}

func (v *view) CompleteReceipt(ctx context.Context, callbackID string, at time.Time) error {
	defer v.lock()()
	if err := v.fault("CompleteReceipt"); err != nil {
		return err
	}
	r, ok := v.s.receipts[callbackID]
	if !ok {
		return repo.ErrNotFound
	}
	r.Status = domain.ReceiptCompleted
	if r.CompletedAt == nil {
		t := at.UTC()
		r.CompletedAt = &t
	}
	v.putReceipt(r)
	return nil
}

// Receipt returns the stored receipt for assertions in tests.
func (s *Store) Receipt(callbackID string) (domain.CallbackReceipt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[callbackID]
	return r, ok
}

// Pipelines

func (v *view) UpsertPipeline(ctx context.Context, p domain.Pipeline) error {
	defer v.lock()()
	if err := p.Validate(); err != nil {
		return err
	}
	prev, existed := v.s.pipelines[p.ID]
	v.s.pipelines[p.ID] = p
	v.record(func() {
		if existed {
			v.s.pipelines[p.ID] = prev
		} else {
			delete(v.s.pipelines, p.ID)
		}
	})
	return nil
}

func (v *view) GetPipeline(ctx context.Context, id string) (domain.Pipeline, error) {
	defer v.lock()()
	p, ok := v.s.pipelines[strings.TrimSpace(id)]
	if !ok {
		return domain.Pipeline{}, repo.ErrNotFound
	}
	return p, nil
}
