package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/animus-labs/animus-validations/internal/domain"
	"github.com/animus-labs/animus-validations/internal/repo"
)

// LoadDir parses every *.yaml / *.yml file in dir, in name order.
func LoadDir(dir string, kinds KindChecker) ([]domain.Pipeline, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read pipelines dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	out := make([]domain.Pipeline, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read pipeline %s: %w", name, err)
		}
		p, err := Parse(name, data, kinds)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[p.ID]; ok {
			return nil, fmt.Errorf("pipeline id %q defined in both %s and %s", p.ID, prev, name)
		}
		seen[p.ID] = name
		out = append(out, p)
	}
	return out, nil
}

// Sync upserts pipelines into the store, one transaction per pipeline.
func Sync(ctx context.Context, store repo.Store, pipelines []domain.Pipeline, logger *slog.Logger) error {
	for _, p := range pipelines {
		err := store.InTx(ctx, func(tx repo.Store) error {
			return tx.Pipelines().UpsertPipeline(ctx, p)
		})
		if err != nil {
			return fmt.Errorf("sync pipeline %s: %w", p.ID, err)
		}
		if logger != nil {
			logger.Info("pipeline synced", "pipeline_id", p.ID, "steps", len(p.Steps))
		}
	}
	return nil
}
