package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-validations/internal/domain"
	"github.com/animus-labs/animus-validations/internal/repo"
)

type StepRunStore struct {
	db DB
}

const stepRunColumns = `step_run_id, run_id, step_id, ordinal, status, started_at, ended_at, duration_ms, output, error_message`

const (
	insertStepRunQuery = `INSERT INTO step_runs (
		step_run_id,
		run_id,
		step_id,
		ordinal,
		status,
		started_at,
		output
	) VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (run_id, ordinal) DO NOTHING
	RETURNING ` + stepRunColumns

	selectStepRunByOrdinalQuery = `SELECT ` + stepRunColumns + ` FROM step_runs WHERE run_id = $1 AND ordinal = $2`

	selectStepRunQuery = `SELECT ` + stepRunColumns + ` FROM step_runs WHERE step_run_id = $1`

	lockStepRunQuery = selectStepRunQuery + ` FOR UPDATE`

	listStepRunsByRunQuery = `SELECT ` + stepRunColumns + ` FROM step_runs
	 WHERE run_id = $1
	 ORDER BY ordinal ASC`

	selectAwaitingStepRunQuery = `SELECT ` + stepRunColumns + ` FROM step_runs
	 WHERE run_id = $1 AND status IN ('RUNNING','PENDING')
	 ORDER BY ordinal ASC
	 LIMIT 1`

	listParkedStepRunsQuery = `SELECT ` + stepRunColumns + ` FROM step_runs
	 WHERE status IN ('RUNNING','PENDING') AND output->'job' IS NOT NULL
	   AND started_at IS NOT NULL
	   AND (started_at, step_run_id) > ($1, $2::uuid)
	 ORDER BY started_at ASC, step_run_id ASC
	 LIMIT $3`

	markStepRunRunningQuery = `UPDATE step_runs
	 SET status = 'RUNNING',
	     started_at = COALESCE(started_at, $2)
	 WHERE step_run_id = $1 AND status IN ('PENDING','RUNNING')
	 RETURNING ` + stepRunColumns

	updateStepRunOutputQuery = `UPDATE step_runs SET output = $2
	 WHERE step_run_id = $1 AND status IN ('PENDING','RUNNING')`

	finalizeStepRunQuery = `UPDATE step_runs
	 SET status = $2,
	     started_at = COALESCE(started_at, $3),
	     ended_at = GREATEST($3, COALESCE(started_at, $3)),
	     duration_ms = (EXTRACT(EPOCH FROM (GREATEST($3, COALESCE(started_at, $3)) - COALESCE(started_at, $3))) * 1000)::BIGINT,
	     output = $4,
	     error_message = $5
	 WHERE step_run_id = $1
	 RETURNING ` + stepRunColumns
)

func NewStepRunStore(db DB) *StepRunStore {
	if db == nil {
		return nil
	}
	return &StepRunStore{db: db}
}

func (s *StepRunStore) CreateStepRun(ctx context.Context, step domain.StepRun) (domain.StepRun, bool, error) {
	if s == nil || s.db == nil {
		return domain.StepRun{}, false, fmt.Errorf("step run store not initialized")
	}
	runID := strings.TrimSpace(step.RunID)
	stepID := strings.TrimSpace(step.StepID)
	if runID == "" {
		return domain.StepRun{}, false, fmt.Errorf("run id is required")
	}
	if stepID == "" {
		return domain.StepRun{}, false, fmt.Errorf("step id is required")
	}
	if step.Ordinal < 1 {
		return domain.StepRun{}, false, fmt.Errorf("ordinal must be >= 1")
	}
	if step.Status == "" {
		step.Status = domain.StepStatusRunning
	}
	if step.Status.IsTerminal() {
		return domain.StepRun{}, false, fmt.Errorf("new step runs must not be terminal")
	}
	if strings.TrimSpace(step.ID) == "" {
		step.ID = uuid.NewString()
	}
	output, err := encodeMetadata(step.Output)
	if err != nil {
		return domain.StepRun{}, false, fmt.Errorf("marshal output: %w", err)
	}

	inserted, err := scanStepRun(s.db.QueryRowContext(ctx, insertStepRunQuery,
		step.ID,
		runID,
		stepID,
		step.Ordinal,
		string(step.Status),
		nullTime(step.StartedAt),
		output,
	))
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.StepRun{}, false, mapPgError("insert step run", err)
		}
		existing, err := scanStepRun(s.db.QueryRowContext(ctx, selectStepRunByOrdinalQuery, runID, step.Ordinal))
		if err != nil {
			return domain.StepRun{}, false, err
		}
		if existing.StepID != stepID {
			return domain.StepRun{}, false, fmt.Errorf("step run for ordinal %d references another step: %w", step.Ordinal, repo.ErrConflict)
		}
		return existing, false, nil
	}
	return inserted, true, nil
}

func (s *StepRunStore) GetStepRun(ctx context.Context, id string) (domain.StepRun, error) {
	if s == nil || s.db == nil {
		return domain.StepRun{}, fmt.Errorf("step run store not initialized")
	}
	if _, err := uuid.Parse(strings.TrimSpace(id)); err != nil {
		return domain.StepRun{}, repo.ErrNotFound
	}
	return scanStepRun(s.db.QueryRowContext(ctx, selectStepRunQuery, strings.TrimSpace(id)))
}

func (s *StepRunStore) LockStepRun(ctx context.Context, id string) (domain.StepRun, error) {
	if s == nil || s.db == nil {
		return domain.StepRun{}, fmt.Errorf("step run store not initialized")
	}
	step, err := scanStepRun(s.db.QueryRowContext(ctx, lockStepRunQuery, strings.TrimSpace(id)))
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.StepRun{}, mapPgError("lock step run", err)
	}
	return step, err
}

func (s *StepRunStore) ListStepRuns(ctx context.Context, runID string) ([]domain.StepRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}

	rows, err := s.db.QueryContext(ctx, listStepRunsByRunQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StepRun, 0)
	for rows.Next() {
		step, err := scanStepRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	return out, nil
}

func (s *StepRunStore) FindAwaitingStepRun(ctx context.Context, runID string) (domain.StepRun, error) {
	if s == nil || s.db == nil {
		return domain.StepRun{}, fmt.Errorf("step run store not initialized")
	}
	return scanStepRun(s.db.QueryRowContext(ctx, selectAwaitingStepRunQuery, strings.TrimSpace(runID)))
}

func (s *StepRunStore) ListParkedStepRuns(ctx context.Context, after repo.ParkedCursor, limit int) ([]domain.StepRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step run store not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	afterID := strings.TrimSpace(after.StepRunID)
	if afterID == "" {
		afterID = uuid.Nil.String()
	}
	rows, err := s.db.QueryContext(ctx, listParkedStepRunsQuery, after.StartedAt.UTC(), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list parked step runs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StepRun, 0)
	for rows.Next() {
		step, err := scanStepRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list parked step runs: %w", err)
	}
	return out, nil
}

func (s *StepRunStore) MarkStepRunRunning(ctx context.Context, id string, at time.Time) (domain.StepRun, error) {
	if s == nil || s.db == nil {
		return domain.StepRun{}, fmt.Errorf("step run store not initialized")
	}
	step, err := scanStepRun(s.db.QueryRowContext(ctx, markStepRunRunningQuery, strings.TrimSpace(id), normalizeTime(at)))
	if errors.Is(err, repo.ErrNotFound) {
		return s.GetStepRun(ctx, id)
	}
	if err != nil {
		return domain.StepRun{}, mapPgError("mark step run running", err)
	}
	return step, nil
}

func (s *StepRunStore) UpdateStepRunOutput(ctx context.Context, id string, output domain.Metadata) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step run store not initialized")
	}
	payload, err := encodeMetadata(output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	res, err := s.db.ExecContext(ctx, updateStepRunOutputQuery, strings.TrimSpace(id), payload)
	if err != nil {
		return fmt.Errorf("update step run output: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, err := s.GetStepRun(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("step run %s is terminal: %w", strings.TrimSpace(id), repo.ErrConflict)
	}
	return nil
}

func (s *StepRunStore) FinalizeStepRun(ctx context.Context, id string, fin repo.StepFinalization) (domain.StepRun, error) {
	if s == nil || s.db == nil {
		return domain.StepRun{}, fmt.Errorf("step run store not initialized")
	}
	if !fin.Status.IsTerminal() {
		return domain.StepRun{}, fmt.Errorf("finalize requires terminal status, got %q", fin.Status)
	}
	output, err := encodeMetadata(fin.Output)
	if err != nil {
		return domain.StepRun{}, fmt.Errorf("marshal output: %w", err)
	}
	step, err := scanStepRun(s.db.QueryRowContext(ctx, finalizeStepRunQuery,
		strings.TrimSpace(id),
		string(fin.Status),
		normalizeTime(fin.EndedAt),
		output,
		nullIfEmpty(fin.ErrorMessage),
	))
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.StepRun{}, mapPgError("finalize step run", err)
	}
	return step, err
}

func scanStepRun(scanner rowScanner) (domain.StepRun, error) {
	var (
		step         domain.StepRun
		status       string
		startedAt    sql.NullTime
		endedAt      sql.NullTime
		durationMs   sql.NullInt64
		outputRaw    []byte
		errorMessage sql.NullString
	)
	if err := scanner.Scan(
		&step.ID,
		&step.RunID,
		&step.StepID,
		&step.Ordinal,
		&status,
		&startedAt,
		&endedAt,
		&durationMs,
		&outputRaw,
		&errorMessage,
	); err != nil {
		return domain.StepRun{}, handleNotFound(err)
	}
	step.Status = domain.StepStatus(status)
	step.StartedAt = timePtr(startedAt)
	step.EndedAt = timePtr(endedAt)
	step.DurationMs = int64Ptr(durationMs)
	step.ErrorMessage = errorMessage.String
	output, err := decodeMetadata(outputRaw)
	if err != nil {
		return domain.StepRun{}, fmt.Errorf("decode output: %w", err)
	}
	step.Output = output
	return step, nil
}
