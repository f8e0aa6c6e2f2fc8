package callback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/animus-labs/animus-validations/internal/platform/auth"
	"github.com/animus-labs/animus-validations/internal/platform/httpserver"
)

const maxBodyBytes = 1 << 20

// Applier is the part of Processor the HTTP handler drives.
type Applier interface {
	Process(ctx context.Context, in Payload) (Result, error)
}

type Handler struct {
	Logger    *slog.Logger
	Processor Applier
	// Secret is the callback signing secret. Requests naming a callback id
	// are signed with auth.DeriveKey(Secret, callbackId).
	Secret  string
	MaxSkew time.Duration
	Now     func() time.Time
}

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}
	if len(body) > maxBodyBytes {
		h.writeError(w, r, http.StatusRequestEntityTooLarge, "body_too_large")
		return
	}

	payload, err := DecodePayload(body)
	if err != nil {
		h.log(r).Warn("callback rejected", "reason", "invalid_payload", "error", err)
		h.writeError(w, r, http.StatusBadRequest, "invalid_payload")
		return
	}

	key := h.Secret
	if payload.CallbackID != "" {
		key = auth.DeriveKey(h.Secret, payload.CallbackID)
	}
	now := time.Now().UTC()
	if h.Now != nil {
		now = h.Now()
	}
	maxSkew := h.MaxSkew
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	if err := auth.VerifyRequest(r, key, body, now, maxSkew); err != nil {
		h.log(r).Warn("callback rejected", "reason", "unauthorized", "callback_id", payload.CallbackID, "run_id", payload.RunID, "error", err)
		h.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	res, err := h.Processor.Process(r.Context(), payload)
	if err != nil {
		status, code := statusFor(err)
		attrs := []any{"callback_id", payload.CallbackID, "run_id", payload.RunID, "status", status, "error", err}
		if status >= http.StatusInternalServerError {
			h.log(r).Error("callback failed", attrs...)
		} else {
			h.log(r).Warn("callback rejected", attrs...)
		}
		h.writeError(w, r, status, code)
		return
	}

	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"status":      res.Outcome,
		"run_id":      res.RunID,
		"step_run_id": res.StepRunID,
		"step_status": res.StepStatus,
		"run_status":  res.RunStatus,
		"resumed":     res.ResumeTask != "",
	})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrMismatch):
		return http.StatusBadRequest, "invalid_callback"
	case errors.Is(err, ErrRunNotFound), errors.Is(err, ErrStepNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrBusy):
		return http.StatusConflict, "callback_in_progress"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	requestID, _ := httpserver.RequestIDFromContext(r.Context())
	if strings.TrimSpace(requestID) == "" {
		requestID = r.Header.Get("X-Request-Id")
	}
	httpserver.WriteJSON(w, status, map[string]any{
		"error":      code,
		"request_id": requestID,
	})
}

func (h Handler) log(r *http.Request) *slog.Logger {
	logger := h.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	requestID, _ := httpserver.RequestIDFromContext(r.Context())
	return logger.With("request_id", requestID, "path", r.URL.Path)
}
