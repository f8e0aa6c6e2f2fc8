package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/animus-validations/internal/admission"
	"github.com/animus-labs/animus-validations/internal/dispatch"
	"github.com/animus-labs/animus-validations/internal/domain"
	"github.com/animus-labs/animus-validations/internal/engine"
	"github.com/animus-labs/animus-validations/internal/platform/auth"
	"github.com/animus-labs/animus-validations/internal/platform/httpserver"
	"github.com/animus-labs/animus-validations/internal/repo"
)

const maxLaunchBytes = 16 << 20

type validationsAPI struct {
	logger    *slog.Logger
	store     repo.Store
	engine    *engine.Engine
	callbacks http.Handler

	internalSecret string
	maxSkew        time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

func newValidationsAPI(logger *slog.Logger, store repo.Store, eng *engine.Engine, callbacks http.Handler, internalSecret string) *validationsAPI {
	return &validationsAPI{
		logger:         logger,
		store:          store,
		engine:         eng,
		callbacks:      callbacks,
		internalSecret: strings.TrimSpace(internalSecret),
		maxSkew:        5 * time.Minute,
		inflight:       map[string]struct{}{},
	}
}

// register mounts the caller-facing routes behind protect and the
// worker-facing routes, which carry their own body signatures.
func (api *validationsAPI) register(mux *http.ServeMux, protect func(http.Handler) http.Handler) {
	mux.Handle("POST /runs", protect(http.HandlerFunc(api.handleLaunch)))
	mux.Handle("GET /runs", protect(http.HandlerFunc(api.handleListRuns)))
	mux.Handle("GET /runs/{run_id}", protect(http.HandlerFunc(api.handleGetRun)))
	mux.Handle("POST /runs/{run_id}/cancel", protect(http.HandlerFunc(api.handleCancel)))

	mux.Handle("POST /callback", api.callbacks)
	mux.HandleFunc("POST "+dispatch.ExecutePath, api.handleExecute)
}

type launchRequest struct {
	PipelineID string            `json:"pipeline_id"`
	Input      json.RawMessage   `json:"input"`
	Labels     map[string]string `json:"labels,omitempty"`
}

type runView struct {
	RunID         string            `json:"run_id"`
	TenantID      string            `json:"tenant_id"`
	PipelineID    string            `json:"pipeline_id"`
	ActorID       string            `json:"actor_id"`
	Status        domain.RunStatus  `json:"status"`
	InputSHA256   string            `json:"input_sha256,omitempty"`
	InputBytes    int64             `json:"input_size_bytes"`
	Labels        map[string]string `json:"labels,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	EndedAt       *time.Time        `json:"ended_at,omitempty"`
	DurationMs    *int64            `json:"duration_ms,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	ErrorCategory string            `json:"error_category,omitempty"`
}

type stepRunView struct {
	StepRunID    string            `json:"step_run_id"`
	StepID       string            `json:"step_id"`
	Ordinal      int               `json:"ordinal"`
	Status       domain.StepStatus `json:"status"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	EndedAt      *time.Time        `json:"ended_at,omitempty"`
	DurationMs   *int64            `json:"duration_ms,omitempty"`
	Output       domain.Metadata   `json:"output,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Counts       *countsView       `json:"counts,omitempty"`
}

type countsView struct {
	Total            int `json:"total"`
	Errors           int `json:"errors"`
	Warnings         int `json:"warnings"`
	Infos            int `json:"infos"`
	AssertionsTotal  int `json:"assertions_total"`
	AssertionsPassed int `json:"assertions_passed"`
	AssertionsFailed int `json:"assertions_failed"`
}

type findingView struct {
	StepRunID string          `json:"step_run_id"`
	Severity  domain.Severity `json:"severity"`
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	Path      string          `json:"path,omitempty"`
	RuleRef   string          `json:"rule_ref,omitempty"`
	Meta      domain.Metadata `json:"meta,omitempty"`
}

func newRunView(run domain.Run) runView {
	return runView{
		RunID:         run.ID,
		TenantID:      run.TenantID,
		PipelineID:    run.PipelineID,
		ActorID:       run.ActorID,
		Status:        run.Status,
		InputSHA256:   run.Input.SHA256,
		InputBytes:    run.Input.SizeBytes,
		Labels:        run.Labels,
		CreatedAt:     run.CreatedAt,
		StartedAt:     run.StartedAt,
		EndedAt:       run.EndedAt,
		DurationMs:    run.DurationMs,
		ErrorMessage:  run.ErrorMessage,
		ErrorCategory: string(run.ErrorCategory),
	}
}

func newCountsView(c domain.Counts) *countsView {
	return &countsView{
		Total:            c.Total,
		Errors:           c.Errors,
		Warnings:         c.Warnings,
		Infos:            c.Infos,
		AssertionsTotal:  c.AssertionsTotal,
		AssertionsPassed: c.AssertionsPassed(),
		AssertionsFailed: c.AssertionsFailed,
	}
}

func (api *validationsAPI) handleLaunch(w http.ResponseWriter, r *http.Request) {
	identity, ok := callerIdentity(r)
	if !ok {
		api.writeError(w, r, http.StatusForbidden, "tenant_required")
		return
	}

	var req launchRequest
	if err := decodeJSON(r, &req, maxLaunchBytes); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.PipelineID) == "" {
		api.writeError(w, r, http.StatusBadRequest, "pipeline_id_required")
		return
	}
	if len(req.Input) == 0 || string(req.Input) == "null" {
		api.writeError(w, r, http.StatusBadRequest, "input_required")
		return
	}

	res, err := api.engine.Launch(r.Context(), engine.LaunchRequest{
		TenantID:    identity.TenantID,
		PipelineID:  req.PipelineID,
		ActorID:     identity.Subject,
		ActorRoles:  identity.Roles,
		Payload:     req.Input,
		ContentType: "application/json",
		Labels:      req.Labels,
	})
	if err != nil {
		status, code := launchErrorStatus(err)
		if status >= http.StatusInternalServerError {
			api.logger.Error("launch failed", "request_id", requestID(r), "pipeline_id", req.PipelineID, "error", err)
		} else {
			api.logger.Info("launch rejected", "request_id", requestID(r), "pipeline_id", req.PipelineID, "code", code, "error", err)
		}
		api.writeError(w, r, status, code)
		return
	}

	status := http.StatusCreated
	if !res.Run.Status.IsTerminal() {
		status = http.StatusAccepted
	}
	api.writeJSON(w, status, map[string]any{
		"run":    newRunView(res.Run),
		"parked": res.Parked,
	})
}

func launchErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrInvalidLaunch):
		return http.StatusBadRequest, "invalid_launch"
	case errors.Is(err, engine.ErrPipelineNotFound):
		return http.StatusNotFound, "pipeline_not_found"
	case errors.Is(err, admission.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "input_too_large"
	case errors.Is(err, admission.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, admission.ErrDenied):
		return http.StatusForbidden, "launch_denied"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (api *validationsAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	identity, ok := callerIdentity(r)
	if !ok {
		api.writeError(w, r, http.StatusForbidden, "tenant_required")
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = parsed
	}
	status := domain.RunStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
	runs, err := api.store.Runs().ListRuns(r.Context(), repo.RunFilter{
		TenantID:   identity.TenantID,
		PipelineID: strings.TrimSpace(r.URL.Query().Get("pipeline_id")),
		Status:     status,
		Limit:      limit,
	})
	if err != nil {
		api.logger.Error("list runs failed", "request_id", requestID(r), "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	out := make([]runView, 0, len(runs))
	for _, run := range runs {
		out = append(out, newRunView(run))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *validationsAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	identity, ok := callerIdentity(r)
	if !ok {
		api.writeError(w, r, http.StatusForbidden, "tenant_required")
		return
	}
	ctx := r.Context()
	runID := strings.TrimSpace(r.PathValue("run_id"))
	run, err := api.store.Runs().GetTenantRun(ctx, identity.TenantID, runID)
	if err != nil {
		api.writeStoreError(w, r, err)
		return
	}

	steps, err := api.store.StepRuns().ListStepRuns(ctx, run.ID)
	if err != nil {
		api.writeStoreError(w, r, err)
		return
	}
	stepCounts := map[string]domain.Counts{}
	summaries, err := api.store.Summaries().ListStepSummaries(ctx, run.ID)
	if err != nil {
		api.writeStoreError(w, r, err)
		return
	}
	for _, s := range summaries {
		stepCounts[s.StepRunID] = s.Counts
	}
	stepViews := make([]stepRunView, 0, len(steps))
	for _, step := range steps {
		view := stepRunView{
			StepRunID:    step.ID,
			StepID:       step.StepID,
			Ordinal:      step.Ordinal,
			Status:       step.Status,
			StartedAt:    step.StartedAt,
			EndedAt:      step.EndedAt,
			DurationMs:   step.DurationMs,
			Output:       publicOutput(step.Output),
			ErrorMessage: step.ErrorMessage,
		}
		if c, ok := stepCounts[step.ID]; ok {
			view.Counts = newCountsView(c)
		}
		stepViews = append(stepViews, view)
	}

	body := map[string]any{
		"run":   newRunView(run),
		"steps": stepViews,
	}
	if summary, err := api.store.Summaries().GetRunSummary(ctx, run.ID); err == nil {
		body["summary"] = map[string]any{
			"status":     summary.Status,
			"steps":      summary.Steps,
			"counts":     newCountsView(summary.Counts),
			"updated_at": summary.UpdatedAt,
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		api.writeStoreError(w, r, err)
		return
	}

	if raw := strings.TrimSpace(r.URL.Query().Get("findings")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 1000 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_findings_limit")
			return
		}
		found, err := api.store.Findings().ListFindings(ctx, run.ID, limit)
		if err != nil {
			api.writeStoreError(w, r, err)
			return
		}
		views := make([]findingView, 0, len(found))
		for _, f := range found {
			views = append(views, findingView{
				StepRunID: f.StepRunID,
				Severity:  f.Severity,
				Code:      f.Code,
				Message:   f.Message,
				Path:      f.Path,
				RuleRef:   f.RuleRef,
				Meta:      f.Meta,
			})
		}
		body["findings"] = views
	}
	api.writeJSON(w, http.StatusOK, body)
}

// publicOutput drops job bookkeeping that only the callback path needs.
func publicOutput(output domain.Metadata) domain.Metadata {
	if len(output) == 0 {
		return nil
	}
	out := output.Clone()
	job, ok := out[domain.OutputKeyJob].(map[string]any)
	if meta, isMeta := out[domain.OutputKeyJob].(domain.Metadata); isMeta {
		job, ok = meta, true
	}
	if ok {
		trimmed := make(map[string]any, len(job))
		for k, v := range job {
			if k == "callback_id" {
				continue
			}
			trimmed[k] = v
		}
		out[domain.OutputKeyJob] = trimmed
	}
	return out
}

func (api *validationsAPI) handleCancel(w http.ResponseWriter, r *http.Request) {
	identity, ok := callerIdentity(r)
	if !ok {
		api.writeError(w, r, http.StatusForbidden, "tenant_required")
		return
	}
	run, applied, err := api.engine.Cancel(r.Context(), identity.TenantID, strings.TrimSpace(r.PathValue("run_id")), identity.Subject)
	if err != nil {
		api.writeStoreError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"run":      newRunView(run),
		"canceled": applied,
	})
}

// handleExecute is the direct dispatch target. The task runs in the
// background so the dispatcher's request does not hold a connection for
// the length of the pipeline.
func (api *validationsAPI) handleExecute(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}
	if err := auth.VerifyRequest(r, api.internalSecret, body, time.Now().UTC(), api.maxSkew); err != nil {
		api.logger.Warn("execute rejected", "request_id", requestID(r), "reason", "unauthorized", "error", err)
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	task, err := dispatch.DecodeTask(body)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_task")
		return
	}
	name := task.Name
	if name == "" {
		name = dispatch.TaskName(task.RunID, task.ResumeFromStep)
	}

	api.mu.Lock()
	if _, busy := api.inflight[name]; busy {
		api.mu.Unlock()
		api.writeJSON(w, http.StatusAccepted, map[string]any{"task": name, "status": "in_progress"})
		return
	}
	api.inflight[name] = struct{}{}
	api.mu.Unlock()

	ctx := context.WithoutCancel(r.Context())
	api.wg.Add(1)
	go func() {
		defer api.wg.Done()
		defer func() {
			api.mu.Lock()
			delete(api.inflight, name)
			api.mu.Unlock()
		}()
		res, err := api.engine.Execute(ctx, task.Request(true))
		if err != nil {
			api.logger.Error("direct task failed", "task", name, "run_id", task.RunID, "error", err)
			return
		}
		api.logger.Info("direct task done", "task", name, "run_id", task.RunID, "status", res.Run.Status, "parked", res.Parked)
	}()

	api.writeJSON(w, http.StatusAccepted, map[string]any{"task": name, "status": "accepted"})
}

// wait blocks until background executions finish.
func (api *validationsAPI) wait() {
	api.wg.Wait()
}

func callerIdentity(r *http.Request) (auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.TenantID) == "" || strings.TrimSpace(identity.Subject) == "" {
		return auth.Identity{}, false
	}
	return identity, true
}

func decodeJSON(r *http.Request, dst any, limit int64) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *validationsAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	httpserver.WriteJSON(w, status, body)
}

func (api *validationsAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": requestID(r),
	})
}

func (api *validationsAPI) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, repo.ErrNotFound) {
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	}
	api.logger.Error("store error", "request_id", requestID(r), "path", r.URL.Path, "error", err)
	api.writeError(w, r, http.StatusInternalServerError, "internal_error")
}

func requestID(r *http.Request) string {
	if id, ok := httpserver.RequestIDFromContext(r.Context()); ok {
		return id
	}
	return r.Header.Get("X-Request-Id")
}
