package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-validations/internal/domain"
)

type SummaryStore struct {
	db DB
}

const (
	countFindingsQuery = `SELECT step_run_id,
	        COUNT(*),
	        COUNT(*) FILTER (WHERE severity = 'ERROR'),
	        COUNT(*) FILTER (WHERE severity = 'WARNING'),
	        COUNT(*) FILTER (WHERE severity = 'INFO'),
	        COUNT(*) FILTER (WHERE severity = 'ERROR' AND rule_ref IS NOT NULL AND rule_ref <> '')
	 FROM findings
	 WHERE run_id = $1
	 GROUP BY step_run_id`

	deleteStepSummariesQuery = `DELETE FROM step_summaries WHERE run_id = $1`

	insertStepSummaryQuery = `INSERT INTO step_summaries (
		run_id,
		step_run_id,
		ordinal,
		status,
		total,
		errors,
		warnings,
		infos,
		assertions_total,
		assertions_failed,
		updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	upsertRunSummaryQuery = `INSERT INTO run_summaries (
		run_id,
		status,
		steps,
		total,
		errors,
		warnings,
		infos,
		assertions_total,
		assertions_failed,
		updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (run_id) DO UPDATE SET
		status = EXCLUDED.status,
		steps = EXCLUDED.steps,
		total = EXCLUDED.total,
		errors = EXCLUDED.errors,
		warnings = EXCLUDED.warnings,
		infos = EXCLUDED.infos,
		assertions_total = EXCLUDED.assertions_total,
		assertions_failed = EXCLUDED.assertions_failed,
		updated_at = EXCLUDED.updated_at`

	selectRunSummaryQuery = `SELECT run_id, status, steps, total, errors, warnings, infos, assertions_total, assertions_failed, updated_at
	 FROM run_summaries WHERE run_id = $1`

	listStepSummariesQuery = `SELECT run_id, step_run_id, ordinal, status, total, errors, warnings, infos, assertions_total, assertions_failed, updated_at
	 FROM step_summaries WHERE run_id = $1 ORDER BY ordinal ASC`
)

func NewSummaryStore(db DB) *SummaryStore {
	if db == nil {
		return nil
	}
	return &SummaryStore{db: db}
}

// CountFindings returns per step run counts. AssertionsTotal is left zero;
// callers take it from step run output.
func (s *SummaryStore) CountFindings(ctx context.Context, runID string) (map[string]domain.Counts, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("summary store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, countFindingsQuery, strings.TrimSpace(runID))
	if err != nil {
		return nil, fmt.Errorf("count findings: %w", err)
	}
	defer rows.Close()

	out := map[string]domain.Counts{}
	for rows.Next() {
		var stepRunID string
		var c domain.Counts
		if err := rows.Scan(&stepRunID, &c.Total, &c.Errors, &c.Warnings, &c.Infos, &c.AssertionsFailed); err != nil {
			return nil, fmt.Errorf("scan finding counts: %w", err)
		}
		out[stepRunID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count findings: %w", err)
	}
	return out, nil
}

func (s *SummaryStore) ReplaceStepSummaries(ctx context.Context, runID string, summaries []domain.StepSummary) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("summary store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if _, err := s.db.ExecContext(ctx, deleteStepSummariesQuery, runID); err != nil {
		return fmt.Errorf("delete step summaries: %w", err)
	}
	for _, sum := range summaries {
		if sum.RunID != runID {
			return fmt.Errorf("step summary %s belongs to run %s", sum.StepRunID, sum.RunID)
		}
		if _, err := s.db.ExecContext(ctx, insertStepSummaryQuery,
			runID,
			sum.StepRunID,
			sum.Ordinal,
			string(sum.Status),
			sum.Counts.Total,
			sum.Counts.Errors,
			sum.Counts.Warnings,
			sum.Counts.Infos,
			sum.Counts.AssertionsTotal,
			sum.Counts.AssertionsFailed,
			normalizeTime(sum.UpdatedAt),
		); err != nil {
			return mapPgError("insert step summary", err)
		}
	}
	return nil
}

func (s *SummaryStore) UpsertRunSummary(ctx context.Context, sum domain.RunSummary) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("summary store not initialized")
	}
	if _, err := s.db.ExecContext(ctx, upsertRunSummaryQuery,
		strings.TrimSpace(sum.RunID),
		string(sum.Status),
		sum.Steps,
		sum.Counts.Total,
		sum.Counts.Errors,
		sum.Counts.Warnings,
		sum.Counts.Infos,
		sum.Counts.AssertionsTotal,
		sum.Counts.AssertionsFailed,
		normalizeTime(sum.UpdatedAt),
	); err != nil {
		return mapPgError("upsert run summary", err)
	}
	return nil
}

func (s *SummaryStore) GetRunSummary(ctx context.Context, runID string) (domain.RunSummary, error) {
	if s == nil || s.db == nil {
		return domain.RunSummary{}, fmt.Errorf("summary store not initialized")
	}
	var sum domain.RunSummary
	var status string
	err := s.db.QueryRowContext(ctx, selectRunSummaryQuery, strings.TrimSpace(runID)).Scan(
		&sum.RunID,
		&status,
		&sum.Steps,
		&sum.Counts.Total,
		&sum.Counts.Errors,
		&sum.Counts.Warnings,
		&sum.Counts.Infos,
		&sum.Counts.AssertionsTotal,
		&sum.Counts.AssertionsFailed,
		&sum.UpdatedAt,
	)
	if err != nil {
		return domain.RunSummary{}, handleNotFound(err)
	}
	sum.Status = domain.RunStatus(status)
	sum.UpdatedAt = sum.UpdatedAt.UTC()
	return sum, nil
}

func (s *SummaryStore) ListStepSummaries(ctx context.Context, runID string) ([]domain.StepSummary, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("summary store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listStepSummariesQuery, strings.TrimSpace(runID))
	if err != nil {
		return nil, fmt.Errorf("list step summaries: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StepSummary, 0)
	for rows.Next() {
		var sum domain.StepSummary
		var status string
		if err := rows.Scan(
			&sum.RunID,
			&sum.StepRunID,
			&sum.Ordinal,
			&status,
			&sum.Counts.Total,
			&sum.Counts.Errors,
			&sum.Counts.Warnings,
			&sum.Counts.Infos,
			&sum.Counts.AssertionsTotal,
			&sum.Counts.AssertionsFailed,
			&sum.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan step summary: %w", err)
		}
		sum.Status = domain.StepStatus(status)
		sum.UpdatedAt = sum.UpdatedAt.UTC()
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list step summaries: %w", err)
	}
	return out, nil
}
