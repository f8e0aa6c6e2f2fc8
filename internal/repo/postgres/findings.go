package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-validations/internal/domain"
)

type FindingStore struct {
	db DB
}

const findingInsertBatch = 500

const (
	insertFindingsPrefix = `INSERT INTO findings (
		finding_id,
		run_id,
		step_run_id,
		severity,
		code,
		message,
		path,
		meta,
		rule_ref,
		created_at
	) VALUES `

	findingColumnsPerRow = 10

	deleteStepRunFindingsQuery = `DELETE FROM findings WHERE step_run_id = $1`

	listFindingsQuery = `SELECT finding_id, run_id, step_run_id, severity, code, message, path, meta, rule_ref, created_at
	 FROM findings
	 WHERE run_id = $1
	 ORDER BY created_at ASC, finding_id ASC
	 LIMIT $2`
)

func NewFindingStore(db DB) *FindingStore {
	if db == nil {
		return nil
	}
	return &FindingStore{db: db}
}

// InsertFindings writes findings in batches. The (step_run_id, run_id)
// foreign key rejects findings whose run differs from their step run's.
func (s *FindingStore) InsertFindings(ctx context.Context, findings []domain.Finding) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("finding store not initialized")
	}
	for start := 0; start < len(findings); start += findingInsertBatch {
		end := start + findingInsertBatch
		if end > len(findings) {
			end = len(findings)
		}
		query, args, err := buildInsertFindings(findings[start:end])
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return mapPgError("insert findings", err)
		}
	}
	return nil
}

func buildInsertFindings(batch []domain.Finding) (string, []any, error) {
	var b strings.Builder
	b.WriteString(insertFindingsPrefix)
	args := make([]any, 0, len(batch)*findingColumnsPerRow)
	for i, f := range batch {
		if strings.TrimSpace(f.RunID) == "" || strings.TrimSpace(f.StepRunID) == "" {
			return "", nil, fmt.Errorf("finding %d: run id and step run id are required", i)
		}
		id := f.ID
		if strings.TrimSpace(id) == "" {
			id = uuid.NewString()
		}
		meta, err := encodeMetadata(f.Meta)
		if err != nil {
			return "", nil, fmt.Errorf("finding %d: marshal meta: %w", i, err)
		}
		if i > 0 {
			b.WriteString(",")
		}
		base := i * findingColumnsPerRow
		b.WriteString("(")
		for c := 1; c <= findingColumnsPerRow; c++ {
			if c > 1 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "$%d", base+c)
		}
		b.WriteString(")")
		args = append(args,
			id,
			f.RunID,
			f.StepRunID,
			string(f.Severity),
			f.Code,
			f.Message,
			nullIfEmpty(f.Path),
			meta,
			nullIfEmpty(f.RuleRef),
			normalizeTime(f.CreatedAt),
		)
	}
	return b.String(), args, nil
}

func (s *FindingStore) DeleteStepRunFindings(ctx context.Context, stepRunID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("finding store not initialized")
	}
	if _, err := s.db.ExecContext(ctx, deleteStepRunFindingsQuery, strings.TrimSpace(stepRunID)); err != nil {
		return fmt.Errorf("delete step run findings: %w", err)
	}
	return nil
}

func (s *FindingStore) ListFindings(ctx context.Context, runID string, limit int) ([]domain.Finding, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("finding store not initialized")
	}
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, listFindingsQuery, strings.TrimSpace(runID), limit)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Finding, 0)
	for rows.Next() {
		var (
			f        domain.Finding
			severity string
			path     sql.NullString
			metaRaw  []byte
			ruleRef  sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.RunID, &f.StepRunID, &severity, &f.Code, &f.Message, &path, &metaRaw, &ruleRef, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		meta, err := decodeMetadata(metaRaw)
		if err != nil {
			return nil, fmt.Errorf("decode finding meta: %w", err)
		}
		f.Severity = domain.Severity(severity)
		f.Path = path.String
		f.Meta = meta
		f.RuleRef = ruleRef.String
		f.CreatedAt = f.CreatedAt.UTC()
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	return out, nil
}
