package domain

import (
	"errors"
	"strings"
	"time"
)

type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCanceled  RunStatus = "CANCELED"
)

func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	default:
		return false
	}
}

func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	default:
		return false
	}
}

// ErrorCategory is the coarse classification of a terminal failure.
type ErrorCategory string

const (
	CategoryNone             ErrorCategory = ""
	CategoryValidationFailed ErrorCategory = "validation_failed"
	CategoryRuntimeError     ErrorCategory = "runtime_error"
	CategorySystemError      ErrorCategory = "system_error"
	CategoryCanceled         ErrorCategory = "canceled"
)

// GenericSystemErrorMessage is the only text end users see for unexpected
// failures.
const GenericSystemErrorMessage = "system error, try again"

const summaryStepsKey = "steps"

// Run is one execution of a pipeline against one input payload.
type Run struct {
	ID            string
	TenantID      string
	PipelineID    string
	ActorID       string
	Status        RunStatus
	Input         PayloadRef
	Labels        map[string]string
	CreatedAt     time.Time
	StartedAt     *time.Time
	EndedAt       *time.Time
	DurationMs    *int64
	Summary       Metadata
	ErrorMessage  string
	ErrorCategory ErrorCategory
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(r.PipelineID) == "" {
		return errors.New("pipeline id is required")
	}
	if !r.Status.Valid() {
		return errors.New("status is invalid")
	}
	return ValidateTiming(r.Status.IsTerminal(), r.StartedAt, r.EndedAt)
}

// StepSignals returns the signals recorded for each prior step run,
// keyed by step run id.
func (r Run) StepSignals() map[string]Metadata {
	out := map[string]Metadata{}
	steps, ok := r.Summary[summaryStepsKey].(map[string]any)
	if !ok {
		return out
	}
	for stepRunID, raw := range steps {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		signals, ok := entry["signals"].(map[string]any)
		if !ok {
			continue
		}
		out[stepRunID] = Metadata(signals)
	}
	return out
}

// MergeStepSignals returns a copy of summary with signals recorded under
// summary["steps"][stepRunID]["signals"].
func MergeStepSignals(summary Metadata, stepRunID string, signals Metadata) Metadata {
	out := summary.Clone()
	steps := map[string]any{}
	if existing, ok := out[summaryStepsKey].(map[string]any); ok {
		for k, v := range existing {
			steps[k] = v
		}
	}
	steps[stepRunID] = map[string]any{"signals": map[string]any(signals.Clone())}
	out[summaryStepsKey] = steps
	return out
}

// ValidateTiming enforces ended_at is nil unless terminal and
// ended_at >= started_at.
func ValidateTiming(terminal bool, startedAt, endedAt *time.Time) error {
	if endedAt != nil && !terminal {
		return errors.New("ended_at must be empty until the status is terminal")
	}
	if terminal && endedAt == nil {
		return errors.New("ended_at is required for terminal status")
	}
	if startedAt != nil && endedAt != nil && endedAt.Before(*startedAt) {
		return errors.New("ended_at must not precede started_at")
	}
	return nil
}

// DurationMillis returns the elapsed time between start and end, never
// negative.
func DurationMillis(startedAt *time.Time, endedAt time.Time) int64 {
	if startedAt == nil {
		return 0
	}
	d := endedAt.Sub(*startedAt).Milliseconds()
	if d < 0 {
		return 0
	}
	return d
}

// RunStatusForStep maps a terminal step status to the run status it implies
// when no further steps execute.
func RunStatusForStep(status StepStatus) (RunStatus, ErrorCategory) {
	switch status {
	case StepStatusPassed:
		return RunStatusSucceeded, CategoryNone
	case StepStatusFailed:
		return RunStatusFailed, CategoryValidationFailed
	case StepStatusSkipped:
		return RunStatusCanceled, CategoryCanceled
	default:
		return RunStatusFailed, CategorySystemError
	}
}
