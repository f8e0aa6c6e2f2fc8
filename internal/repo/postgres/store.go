package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/animus-labs/animus-validations/internal/repo"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ repo.Store = (*Store)(nil)

// Store is the Postgres implementation of repo.Store. A Store created by
// InTx is bound to its transaction.
type Store struct {
	db          *sql.DB
	q           DB
	lockTimeout time.Duration

	runs      *RunStore
	stepRuns  *StepRunStore
	findings  *FindingStore
	summaries *SummaryStore
	receipts  *ReceiptStore
	pipelines *PipelineStore
}

func NewStore(db *sql.DB, lockTimeout time.Duration) *Store {
	if db == nil {
		return nil
	}
	return newStore(db, db, lockTimeout, false)
}

func newStore(db *sql.DB, q DB, lockTimeout time.Duration, inTx bool) *Store {
	return &Store{
		db:          db,
		q:           q,
		lockTimeout: lockTimeout,
		runs:        NewRunStore(q),
		stepRuns:    NewStepRunStore(q),
		findings:    NewFindingStore(q),
		summaries:   NewSummaryStore(q),
		receipts:    &ReceiptStore{db: q, lockTimeout: lockTimeout, inTx: inTx},
		pipelines:   NewPipelineStore(q),
	}
}

func (s *Store) Runs() repo.RunRepository { return s.runs }
func (s *Store) StepRuns() repo.StepRunRepository { return s.stepRuns }
func (s *Store) Findings() repo.FindingRepository { return s.findings }
func (s *Store) Summaries() repo.SummaryRepository { return s.summaries }
func (s *Store) Receipts() repo.ReceiptRepository { return s.receipts }
func (s *Store) Pipelines() repo.PipelineRepository { return s.pipelines }

func (s *Store) InTx(ctx context.Context, fn func(tx repo.Store) error) error {
	if s == nil || s.q == nil {
		return errors.New("store not initialized")
	}
	if s.db == nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(newStore(nil, tx, s.lockTimeout, true)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Migrate applies embedded migrations in filename order, once each.
func Migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if db == nil {
		return errors.New("db is required")
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS validations_migrations (
		filename TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var applied bool
		if err := db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM validations_migrations WHERE filename = $1)`,
			entry.Name(),
		).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if applied {
			continue
		}

		data, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("execute migration %s: %w", entry.Name(), err)
		}
		if _, err := db.ExecContext(ctx,
			`INSERT INTO validations_migrations (filename) VALUES ($1)`,
			entry.Name(),
		); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
		if logger != nil {
			logger.Info("applied migration", "file", entry.Name())
		}
	}
	return nil
}
