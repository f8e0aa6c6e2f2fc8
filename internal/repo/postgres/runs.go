package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-validations/internal/domain"
	"github.com/animus-labs/animus-validations/internal/repo"
)

type RunStore struct {
	db DB
}

const runColumns = `run_id, tenant_id, pipeline_id, actor_id, status, input_location, input_content_type, input_size_bytes, input_sha256, labels, created_at, started_at, ended_at, duration_ms, summary, error_message, error_category`

const (
	insertRunQuery = `INSERT INTO runs (
		run_id,
		tenant_id,
		pipeline_id,
		actor_id,
		status,
		input_location,
		input_content_type,
		input_size_bytes,
		input_sha256,
		labels,
		created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	RETURNING ` + runColumns

	selectRunQuery = `SELECT ` + runColumns + ` FROM runs WHERE run_id = $1`

	selectTenantRunQuery = `SELECT ` + runColumns + ` FROM runs WHERE tenant_id = $1 AND run_id = $2`

	listRunsQuery = `SELECT ` + runColumns + ` FROM runs
	 WHERE tenant_id = $1
	   AND ($2 = '' OR pipeline_id = $2)
	   AND ($3 = '' OR status = $3)
	 ORDER BY created_at DESC
	 LIMIT $4`

	markRunRunningQuery = `UPDATE runs
	 SET status = 'RUNNING',
	     started_at = COALESCE(started_at, $2)
	 WHERE run_id = $1 AND status IN ('PENDING','RUNNING')
	 RETURNING ` + runColumns

	finalizeRunQuery = `UPDATE runs
	 SET status = $2,
	     started_at = COALESCE(started_at, $3),
	     ended_at = GREATEST($3, COALESCE(started_at, $3)),
	     duration_ms = (EXTRACT(EPOCH FROM (GREATEST($3, COALESCE(started_at, $3)) - COALESCE(started_at, $3))) * 1000)::BIGINT,
	     error_message = $4,
	     error_category = $5
	 WHERE run_id = $1 AND status IN ('PENDING','RUNNING')
	 RETURNING ` + runColumns

	cancelRunQuery = `UPDATE runs
	 SET status = 'CANCELED',
	     started_at = COALESCE(started_at, $3),
	     ended_at = GREATEST($3, COALESCE(started_at, $3)),
	     duration_ms = (EXTRACT(EPOCH FROM (GREATEST($3, COALESCE(started_at, $3)) - COALESCE(started_at, $3))) * 1000)::BIGINT,
	     error_message = 'run canceled',
	     error_category = 'canceled'
	 WHERE tenant_id = $1 AND run_id = $2 AND status IN ('PENDING','RUNNING')
	 RETURNING ` + runColumns

	mergeStepSignalsQuery = `UPDATE runs
	 SET summary = jsonb_set(
	     summary,
	     '{steps}',
	     COALESCE(summary->'steps', '{}'::jsonb) || jsonb_build_object($2::text, jsonb_build_object('signals', $3::jsonb)),
	     true)
	 WHERE run_id = $1`
)

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.Run) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
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
	if strings.TrimSpace(run.Input.Location) == "" {
		return domain.Run{}, fmt.Errorf("input location is required")
	}
	labels, err := json.Marshal(nonNilLabels(run.Labels))
	if err != nil {
		return domain.Run{}, fmt.Errorf("marshal labels: %w", err)
	}

	row := s.db.QueryRowContext(ctx, insertRunQuery,
		run.ID,
		strings.TrimSpace(run.TenantID),
		strings.TrimSpace(run.PipelineID),
		strings.TrimSpace(run.ActorID),
		string(run.Status),
		run.Input.Location,
		nullIfEmpty(run.Input.ContentType),
		run.Input.SizeBytes,
		nullIfEmpty(run.Input.SHA256),
		labels,
		normalizeTime(run.CreatedAt),
	)
	created, err := scanRun(row)
	if err != nil {
		return domain.Run{}, mapPgError("insert run", err)
	}
	return created, nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	if _, err := uuid.Parse(strings.TrimSpace(id)); err != nil {
		return domain.Run{}, repo.ErrNotFound
	}
	return scanRun(s.db.QueryRowContext(ctx, selectRunQuery, strings.TrimSpace(id)))
}

func (s *RunStore) GetTenantRun(ctx context.Context, tenantID, id string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return domain.Run{}, fmt.Errorf("tenant id is required")
	}
	if _, err := uuid.Parse(strings.TrimSpace(id)); err != nil {
		return domain.Run{}, repo.ErrNotFound
	}
	return scanRun(s.db.QueryRowContext(ctx, selectTenantRunQuery, tenantID, strings.TrimSpace(id)))
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	tenantID := strings.TrimSpace(filter.TenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, listRunsQuery, tenantID, strings.TrimSpace(filter.PipelineID), string(filter.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

func (s *RunStore) MarkRunRunning(ctx context.Context, id string, at time.Time) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	run, err := scanRun(s.db.QueryRowContext(ctx, markRunRunningQuery, strings.TrimSpace(id), normalizeTime(at)))
	if errors.Is(err, repo.ErrNotFound) {
		existing, getErr := s.GetRun(ctx, id)
		if getErr != nil {
			return domain.Run{}, getErr
		}
		return existing, nil
	}
	if err != nil {
		return domain.Run{}, mapPgError("mark run running", err)
	}
	return run, nil
}

func (s *RunStore) FinalizeRun(ctx context.Context, id string, fin repo.RunFinalization) (domain.Run, bool, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, false, fmt.Errorf("run store not initialized")
	}
	if !fin.Status.IsTerminal() {
		return domain.Run{}, false, fmt.Errorf("finalize requires terminal status, got %q", fin.Status)
	}
	run, err := scanRun(s.db.QueryRowContext(ctx, finalizeRunQuery,
		strings.TrimSpace(id),
		string(fin.Status),
		normalizeTime(fin.EndedAt),
		nullIfEmpty(fin.ErrorMessage),
		nullIfEmpty(string(fin.ErrorCategory)),
	))
	if errors.Is(err, repo.ErrNotFound) {
		existing, getErr := s.GetRun(ctx, id)
		if getErr != nil {
			return domain.Run{}, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return domain.Run{}, false, mapPgError("finalize run", err)
	}
	return run, true, nil
}

func (s *RunStore) CancelRun(ctx context.Context, tenantID, id string, at time.Time) (domain.Run, bool, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, false, fmt.Errorf("run store not initialized")
	}
	run, err := scanRun(s.db.QueryRowContext(ctx, cancelRunQuery, strings.TrimSpace(tenantID), strings.TrimSpace(id), normalizeTime(at)))
	if errors.Is(err, repo.ErrNotFound) {
		existing, getErr := s.GetTenantRun(ctx, tenantID, id)
		if getErr != nil {
			return domain.Run{}, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return domain.Run{}, false, mapPgError("cancel run", err)
	}
	return run, true, nil
}

func (s *RunStore) MergeStepSignals(ctx context.Context, runID, stepRunID string, signals domain.Metadata) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if strings.TrimSpace(stepRunID) == "" {
		return fmt.Errorf("step run id is required")
	}
	payload, err := encodeMetadata(signals)
	if err != nil {
		return fmt.Errorf("marshal signals: %w", err)
	}
	res, err := s.db.ExecContext(ctx, mergeStepSignalsQuery, strings.TrimSpace(runID), strings.TrimSpace(stepRunID), payload)
	if err != nil {
		return fmt.Errorf("merge step signals: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func scanRun(scanner rowScanner) (domain.Run, error) {
	var (
		run          domain.Run
		status       string
		contentType  sql.NullString
		inputSHA     sql.NullString
		labelsRaw    []byte
		startedAt    sql.NullTime
		endedAt      sql.NullTime
		durationMs   sql.NullInt64
		summaryRaw   []byte
		errorMessage sql.NullString
		category     sql.NullString
	)
	if err := scanner.Scan(
		&run.ID,
		&run.TenantID,
		&run.PipelineID,
		&run.ActorID,
		&status,
		&run.Input.Location,
		&contentType,
		&run.Input.SizeBytes,
		&inputSHA,
		&labelsRaw,
		&run.CreatedAt,
		&startedAt,
		&endedAt,
		&durationMs,
		&summaryRaw,
		&errorMessage,
		&category,
	); err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	run.Status = domain.RunStatus(status)
	run.Input.ContentType = contentType.String
	run.Input.SHA256 = inputSHA.String
	run.CreatedAt = run.CreatedAt.UTC()
	run.StartedAt = timePtr(startedAt)
	run.EndedAt = timePtr(endedAt)
	run.DurationMs = int64Ptr(durationMs)
	run.ErrorMessage = errorMessage.String
	run.ErrorCategory = domain.ErrorCategory(category.String)

	if len(labelsRaw) > 0 {
		if err := json.Unmarshal(labelsRaw, &run.Labels); err != nil {
			return domain.Run{}, fmt.Errorf("decode labels: %w", err)
		}
	}
	summary, err := decodeMetadata(summaryRaw)
	if err != nil {
		return domain.Run{}, fmt.Errorf("decode summary: %w", err)
	}
	run.Summary = summary
	return run, nil
}

func nonNilLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return map[string]string{}
	}
	return labels
}
