package domain

import (
	"errors"
	"strings"
	"time"
)

type StepStatus string

const (
	StepStatusPending StepStatus = "PENDING"
	StepStatusRunning StepStatus = "RUNNING"
	StepStatusPassed  StepStatus = "PASSED"
	StepStatusFailed  StepStatus = "FAILED"
	StepStatusSkipped StepStatus = "SKIPPED"
)

func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusPassed, StepStatusFailed, StepStatusSkipped:
		return true
	default:
		return false
	}
}

// IsAwaiting reports whether the step run may still receive a callback.
func (s StepStatus) IsAwaiting() bool {
	return s == StepStatusPending || s == StepStatusRunning
}

// StepRun is one step's execution within a run.
type StepRun struct {
	ID           string
	RunID        string
	StepID       string
	Ordinal      int
	Status       StepStatus
	StartedAt    *time.Time
	EndedAt      *time.Time
	DurationMs   *int64
	Output       Metadata
	ErrorMessage string
}

func (s StepRun) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("step run id is required")
	}
	if strings.TrimSpace(s.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(s.StepID) == "" {
		return errors.New("step id is required")
	}
	if s.Ordinal < 1 {
		return errors.New("ordinal must be >= 1")
	}
	return ValidateTiming(s.Status.IsTerminal(), s.StartedAt, s.EndedAt)
}

// Output keys written by the engine and read by the summary builder.
const (
	OutputKeyStats           = "stats"
	OutputKeyAssertionsTotal = "assertions_total"
	OutputKeyValidator       = "validator"
	OutputKeyJob             = "job"
)
