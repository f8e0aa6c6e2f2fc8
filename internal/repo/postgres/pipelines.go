package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-validations/internal/domain"
)

type PipelineStore struct {
	db DB
}

const (
	upsertPipelineQuery = `INSERT INTO pipelines (pipeline_id, tenant_id, name, version, updated_at)
	 VALUES ($1,$2,$3,$4,NOW())
	 ON CONFLICT (pipeline_id) DO UPDATE SET
		tenant_id = EXCLUDED.tenant_id,
		name = EXCLUDED.name,
		version = EXCLUDED.version,
		updated_at = EXCLUDED.updated_at`

	deleteStalePipelineStepsQuery = `DELETE FROM pipeline_steps
	 WHERE pipeline_id = $1 AND NOT (step_id = ANY($2::uuid[]))`

	upsertPipelineStepQuery = `INSERT INTO pipeline_steps (
		step_id,
		pipeline_id,
		step_key,
		ordinal,
		validator,
		config,
		output_assertions
	) VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (step_id) DO UPDATE SET
		validator = EXCLUDED.validator,
		config = EXCLUDED.config,
		output_assertions = EXCLUDED.output_assertions`

	selectPipelineQuery = `SELECT pipeline_id, tenant_id, name, version FROM pipelines WHERE pipeline_id = $1`

	listPipelineStepsQuery = `SELECT step_id, pipeline_id, step_key, ordinal, validator, config, output_assertions
	 FROM pipeline_steps
	 WHERE pipeline_id = $1
	 ORDER BY ordinal ASC`
)

func NewPipelineStore(db DB) *PipelineStore {
	if db == nil {
		return nil
	}
	return &PipelineStore{db: db}
}

// UpsertPipeline replaces the stored step list. Steps still referenced by
// step runs cannot be removed and surface as a conflict.
func (s *PipelineStore) UpsertPipeline(ctx context.Context, p domain.Pipeline) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("pipeline store not initialized")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	version := p.Version
	if version <= 0 {
		version = 1
	}
	if _, err := s.db.ExecContext(ctx, upsertPipelineQuery, p.ID, nullIfEmpty(p.TenantID), strings.TrimSpace(p.Name), version); err != nil {
		return mapPgError("upsert pipeline", err)
	}

	ids := make([]string, 0, len(p.Steps))
	for _, step := range p.Steps {
		ids = append(ids, step.ID)
	}
	if _, err := s.db.ExecContext(ctx, deleteStalePipelineStepsQuery, p.ID, ids); err != nil {
		return mapPgError("delete stale pipeline steps", err)
	}

	for _, step := range p.Steps {
		config, err := encodeMetadata(step.Config)
		if err != nil {
			return fmt.Errorf("marshal step %s config: %w", step.Key, err)
		}
		assertions := step.OutputAssertions
		if assertions == nil {
			assertions = []domain.Assertion{}
		}
		assertionsJSON, err := json.Marshal(assertions)
		if err != nil {
			return fmt.Errorf("marshal step %s assertions: %w", step.Key, err)
		}
		if _, err := s.db.ExecContext(ctx, upsertPipelineStepQuery,
			step.ID,
			p.ID,
			step.Key,
			step.Ordinal,
			step.Validator,
			config,
			assertionsJSON,
		); err != nil {
			return mapPgError("upsert pipeline step", err)
		}
	}
	return nil
}

func (s *PipelineStore) GetPipeline(ctx context.Context, id string) (domain.Pipeline, error) {
	if s == nil || s.db == nil {
		return domain.Pipeline{}, fmt.Errorf("pipeline store not initialized")
	}
	id = strings.TrimSpace(id)
	var p domain.Pipeline
	var tenantID sql.NullString
	if err := s.db.QueryRowContext(ctx, selectPipelineQuery, id).Scan(&p.ID, &tenantID, &p.Name, &p.Version); err != nil {
		return domain.Pipeline{}, handleNotFound(err)
	}
	p.TenantID = tenantID.String

	rows, err := s.db.QueryContext(ctx, listPipelineStepsQuery, id)
	if err != nil {
		return domain.Pipeline{}, fmt.Errorf("list pipeline steps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var step domain.StepDefinition
		var configRaw, assertionsRaw []byte
		if err := rows.Scan(&step.ID, &step.PipelineID, &step.Key, &step.Ordinal, &step.Validator, &configRaw, &assertionsRaw); err != nil {
			return domain.Pipeline{}, fmt.Errorf("scan pipeline step: %w", err)
		}
		config, err := decodeMetadata(configRaw)
		if err != nil {
			return domain.Pipeline{}, fmt.Errorf("decode step config: %w", err)
		}
		step.Config = config
		if len(assertionsRaw) > 0 {
			if err := json.Unmarshal(assertionsRaw, &step.OutputAssertions); err != nil {
				return domain.Pipeline{}, fmt.Errorf("decode step assertions: %w", err)
			}
		}
		p.Steps = append(p.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return domain.Pipeline{}, fmt.Errorf("list pipeline steps: %w", err)
	}
	return p, nil
}
