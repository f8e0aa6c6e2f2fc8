package repo

import (
	"context"
	"time"

	"github.com/animus-labs/animus-validations/internal/domain"
)

type RunFilter struct {
	TenantID   string
	PipelineID string
	Status     domain.RunStatus
	Limit      int
}

// RunFinalization carries the terminal fields written once per run.
type RunFinalization struct {
	Status        domain.RunStatus
	EndedAt       time.Time
	ErrorMessage  string
	ErrorCategory domain.ErrorCategory
}

// StepFinalization carries terminal step fields. Applying it again
// overwrites the previous values.
type StepFinalization struct {
	Status       domain.StepStatus
	EndedAt      time.Time
	Output       domain.Metadata
	ErrorMessage string
}

// RunRepository manages run lifecycle state.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.Run) (domain.Run, error)
	GetRun(ctx context.Context, id string) (domain.Run, error)
	GetTenantRun(ctx context.Context, tenantID, id string) (domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)
	// MarkRunRunning moves a non-terminal run to RUNNING and sets started_at
	// only when it is still empty.
	MarkRunRunning(ctx context.Context, id string, at time.Time) (domain.Run, error)
	// FinalizeRun applies fin only to a non-terminal run and reports whether
	// it did.
	FinalizeRun(ctx context.Context, id string, fin RunFinalization) (domain.Run, bool, error)
	CancelRun(ctx context.Context, tenantID, id string, at time.Time) (domain.Run, bool, error)
	MergeStepSignals(ctx context.Context, runID, stepRunID string, signals domain.Metadata) error
}

// ParkedCursor is the position of the last parked step run a listing
// returned. The zero value starts from the oldest.
type ParkedCursor struct {
	StartedAt time.Time
	StepRunID string
}

// Next is the cursor after step.
func (c ParkedCursor) Next(step domain.StepRun) ParkedCursor {
	if step.StartedAt == nil {
		return c
	}
	return ParkedCursor{StartedAt: step.StartedAt.UTC(), StepRunID: step.ID}
}

// StepRunRepository manages step executions. At most one row exists per
// (run, ordinal) and per (run, step).
type StepRunRepository interface {
	CreateStepRun(ctx context.Context, step domain.StepRun) (domain.StepRun, bool, error)
	GetStepRun(ctx context.Context, id string) (domain.StepRun, error)
	// LockStepRun reads a step run and holds its row lock until the
	// transaction ends.
	LockStepRun(ctx context.Context, id string) (domain.StepRun, error)
	ListStepRuns(ctx context.Context, runID string) ([]domain.StepRun, error)
	// FindAwaitingStepRun returns the RUNNING or PENDING step run with the
	// lowest ordinal.
	FindAwaitingStepRun(ctx context.Context, runID string) (domain.StepRun, error)
	// ListParkedStepRuns returns non-terminal step runs that recorded an
	// external job, across all tenants, ordered by (started_at, id) and
	// strictly after the cursor.
	ListParkedStepRuns(ctx context.Context, after ParkedCursor, limit int) ([]domain.StepRun, error)
	MarkStepRunRunning(ctx context.Context, id string, at time.Time) (domain.StepRun, error)
	// UpdateStepRunOutput replaces the output of a non-terminal step run.
	// A terminal step run yields ErrConflict.
	UpdateStepRunOutput(ctx context.Context, id string, output domain.Metadata) error
	FinalizeStepRun(ctx context.Context, id string, fin StepFinalization) (domain.StepRun, error)
}

type FindingRepository interface {
	InsertFindings(ctx context.Context, findings []domain.Finding) error
	DeleteStepRunFindings(ctx context.Context, stepRunID string) error
	ListFindings(ctx context.Context, runID string, limit int) ([]domain.Finding, error)
}

// SummaryRepository reads aggregate counts from persisted findings and
// stores the rebuilt summary rows.
type SummaryRepository interface {
	CountFindings(ctx context.Context, runID string) (map[string]domain.Counts, error)
	ReplaceStepSummaries(ctx context.Context, runID string, summaries []domain.StepSummary) error
	UpsertRunSummary(ctx context.Context, summary domain.RunSummary) error
	GetRunSummary(ctx context.Context, runID string) (domain.RunSummary, error)
	ListStepSummaries(ctx context.Context, runID string) ([]domain.StepSummary, error)
}

type ReceiptRepository interface {
	// AcquireReceipt locks the receipt for receipt.CallbackID without
	// waiting, creating it as PROCESSING when absent. created reports
	// whether the row was inserted. Contention yields ErrLocked.
	AcquireReceipt(ctx context.Context, receipt domain.CallbackReceipt) (domain.CallbackReceipt, bool, error)
	AttachStepRun(ctx context.Context, callbackID, stepRunID string) error
	CompleteReceipt(ctx context.Context, callbackID string, at time.Time) error
}

type PipelineRepository interface {
	UpsertPipeline(ctx context.Context, pipeline domain.Pipeline) error
	GetPipeline(ctx context.Context, id string) (domain.Pipeline, error)
}

// Store groups the repositories. InTx runs fn against a Store bound to one
// transaction; fn's error rolls everything back.
type Store interface {
	Runs() RunRepository
	StepRuns() StepRunRepository
	Findings() FindingRepository
	Summaries() SummaryRepository
	Receipts() ReceiptRepository
	Pipelines() PipelineRepository
	InTx(ctx context.Context, fn func(tx Store) error) error
}
