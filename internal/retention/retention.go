// Package retention removes run inputs once a run is final, for tenants
// whose retention setting asks for it.
package retention

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/animus-labs/animus-validations/internal/domain"
	"github.com/animus-labs/animus-validations/internal/platform/objectstore"
	"github.com/animus-labs/animus-validations/internal/platform/policy"
)

// Settings resolves a tenant's settings; admission.Controller implements it.
type Settings interface {
	TenantSettings(tenantID string) policy.TenantSettings
}

type Hook struct {
	logger   *slog.Logger
	settings Settings
	inputs   objectstore.Store
	bucket   string
}

func NewHook(logger *slog.Logger, settings Settings, inputs objectstore.Store, defaultBucket string) (*Hook, error) {
	if settings == nil {
		return nil, errors.New("tenant settings are required")
	}
	if inputs == nil {
		return nil, errors.New("input object store is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Hook{logger: logger, settings: settings, inputs: inputs, bucket: strings.TrimSpace(defaultBucket)}, nil
}

// RunFinalized never fails the caller; delete errors are logged.
func (h *Hook) RunFinalized(ctx context.Context, run domain.Run) {
	if !run.Status.IsTerminal() {
		return
	}
	mode := strings.ToLower(strings.TrimSpace(h.settings.TenantSettings(run.TenantID).Retention))
	if mode != policy.RetentionDeleteInput {
		return
	}
	if strings.TrimSpace(run.Input.Location) == "" {
		return
	}
	loc, err := objectstore.ParseLocation(run.Input.Location, h.bucket)
	if err != nil {
		h.logger.Warn("retention skipped", "run_id", run.ID, "location", run.Input.Location, "error", err)
		return
	}
	if err := h.inputs.Delete(ctx, loc); err != nil && !errors.Is(err, objectstore.ErrObjectNotFound) {
		h.logger.Error("retention delete failed", "run_id", run.ID, "tenant_id", run.TenantID, "location", loc.String(), "error", err)
		return
	}
	h.logger.Info("run input deleted", "run_id", run.ID, "tenant_id", run.TenantID, "location", loc.String())
}
