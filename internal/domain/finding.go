package domain

import (
	"strings"
	"time"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

// NormalizeSeverity maps free-form severities to the canonical set.
// Unknown values become ERROR so they are never silently dropped.
func NormalizeSeverity(value string) Severity {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "WARNING", "WARN":
		return SeverityWarning
	case "INFO", "NOTICE":
		return SeverityInfo
	default:
		return SeverityError
	}
}

type Finding struct {
	ID        string
	RunID     string
	StepRunID string
	Severity  Severity
	Code      string
	Message   string
	Path      string
	Meta      Metadata
	RuleRef   string
	CreatedAt time.Time
}

// IsAssertionFailure reports whether the finding counts as a failed rule.
// Only ERROR findings tied to a rule reference block a step.
func (f Finding) IsAssertionFailure() bool {
	return f.Severity == SeverityError && strings.TrimSpace(f.RuleRef) != ""
}

type Counts struct {
	Total            int
	Errors           int
	Warnings         int
	Infos            int
	AssertionsTotal  int
	AssertionsFailed int
}

func (c Counts) AssertionsPassed() int {
	passed := c.AssertionsTotal - c.AssertionsFailed
	if passed < 0 {
		return 0
	}
	return passed
}

func (c *Counts) Add(other Counts) {
	c.Total += other.Total
	c.Errors += other.Errors
	c.Warnings += other.Warnings
	c.Infos += other.Infos
	c.AssertionsTotal += other.AssertionsTotal
	c.AssertionsFailed += other.AssertionsFailed
}

type StepSummary struct {
	RunID     string
	StepRunID string
	Ordinal   int
	Status    StepStatus
	Counts    Counts
	UpdatedAt time.Time
}

type RunSummary struct {
	RunID     string
	Status    RunStatus
	Counts    Counts
	Steps     int
	UpdatedAt time.Time
}
