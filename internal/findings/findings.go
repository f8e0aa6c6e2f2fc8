// Package findings normalizes raw validator issues and persists them.
package findings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-validations/internal/domain"
	"github.com/animus-labs/animus-validations/internal/repo"
	"github.com/animus-labs/animus-validations/internal/validation"
)

const defaultCode = "issue"

var ErrRunMismatch = errors.New("step run belongs to another run")

// Observer is notified of persisted findings per severity.
type Observer interface {
	FindingsStored(severity string, n int)
}

type Writer struct {
	observer Observer
	now      func() time.Time
}

func NewWriter(observer Observer) *Writer {
	return &Writer{observer: observer, now: func() time.Time { return time.Now().UTC() }}
}

// Normalize coerces issues into findings owned by one step run and counts
// them. AssertionsTotal is left to the caller.
func Normalize(runID, stepRunID string, issues []validation.Issue, now time.Time) ([]domain.Finding, domain.Counts) {
	out := make([]domain.Finding, 0, len(issues))
	var counts domain.Counts
	for _, issue := range issues {
		code := strings.ToLower(strings.TrimSpace(issue.Code))
		if code == "" {
			code = defaultCode
		}
		message := strings.TrimSpace(issue.Message)
		if message == "" {
			message = code
		}
		f := domain.Finding{
			ID:        uuid.NewString(),
			RunID:     runID,
			StepRunID: stepRunID,
			Severity:  domain.NormalizeSeverity(issue.Severity),
			Code:      code,
			Message:   message,
			Path:      strings.TrimSpace(issue.Path),
			Meta:      domain.Metadata(issue.Meta).Clone(),
			RuleRef:   strings.TrimSpace(issue.RuleRef),
			CreatedAt: now,
		}
		counts.Total++
		switch f.Severity {
		case domain.SeverityError:
			counts.Errors++
		case domain.SeverityWarning:
			counts.Warnings++
		case domain.SeverityInfo:
			counts.Infos++
		}
		if f.IsAssertionFailure() {
			counts.AssertionsFailed++
		}
		out = append(out, f)
	}
	return out, counts
}

// Write persists issues for step through tx. The step run is reloaded so a
// finding can never be attached to a step run of a different run.
func (w *Writer) Write(ctx context.Context, tx repo.Store, runID, stepRunID string, issues []validation.Issue) (domain.Counts, error) {
	if len(issues) == 0 {
		return domain.Counts{}, nil
	}
	step, err := tx.StepRuns().GetStepRun(ctx, stepRunID)
	if err != nil {
		return domain.Counts{}, fmt.Errorf("load step run: %w", err)
	}
	if step.RunID != runID {
		return domain.Counts{}, fmt.Errorf("%w: step run %s, run %s", ErrRunMismatch, stepRunID, runID)
	}

	findings, counts := Normalize(step.RunID, step.ID, issues, w.now())
	if err := tx.Findings().InsertFindings(ctx, findings); err != nil {
		return domain.Counts{}, fmt.Errorf("insert findings: %w", err)
	}

	if w.observer != nil {
		w.observer.FindingsStored(string(domain.SeverityError), counts.Errors)
		w.observer.FindingsStored(string(domain.SeverityWarning), counts.Warnings)
		w.observer.FindingsStored(string(domain.SeverityInfo), counts.Infos)
	}
	return counts, nil
}

// Replace drops findings previously written for the step run and writes
// issues in their place, so replaying a step is not additive.
func (w *Writer) Replace(ctx context.Context, tx repo.Store, runID, stepRunID string, issues []validation.Issue) (domain.Counts, error) {
	if err := tx.Findings().DeleteStepRunFindings(ctx, stepRunID); err != nil {
		return domain.Counts{}, fmt.Errorf("delete findings: %w", err)
	}
	return w.Write(ctx, tx, runID, stepRunID, issues)
}
