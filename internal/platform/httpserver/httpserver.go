// Package httpserver runs the service listener and carries the middleware
// every route shares: request ids, access logs with the matched route, and
// panic recovery.
package httpserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const HeaderRequestID = "X-Request-Id"

type Config struct {
	Service         string
	Addr            string
	ShutdownTimeout time.Duration
}

// RequestObserver receives one call per completed request. route is the
// ServeMux pattern that matched, or "unmatched".
type RequestObserver interface {
	HTTPRequest(method, route string, status int)
}

// Wrap puts the shared middleware around next, outermost first: panic
// recovery, access log, request id.
func Wrap(logger *slog.Logger, service string, observer RequestObserver, next http.Handler) http.Handler {
	m := middleware{logger: logger, service: service, observer: observer}
	return m.recover(m.access(m.requestID(recordRoute(next))))
}

func Run(ctx context.Context, logger *slog.Logger, cfg Config, handler http.Handler) error {
	switch {
	case cfg.Service == "":
		return errors.New("service is required")
	case cfg.Addr == "":
		return errors.New("addr is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       90 * time.Second,
	}
	served := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "service", cfg.Service, "addr", cfg.Addr)
		served <- srv.ListenAndServe()
	}()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("http server stopped", "service", cfg.Service)
	return nil
}

func Healthz(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"service": service, "status": "ok"})
	}
}

type ReadinessCheck struct {
	Name  string
	Check func(context.Context) error
}

// CheckTimeout bounds each readiness check.
const CheckTimeout = 2 * time.Second

type checkResult struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// ReadyzWithChecks runs all checks concurrently and answers 503 if any
// fails or exceeds CheckTimeout.
func ReadyzWithChecks(service string, checks ...ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := make([]checkResult, len(checks))
		var wg sync.WaitGroup
		for i, check := range checks {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = runCheck(r.Context(), check)
			}()
		}
		wg.Wait()

		status, code := "ready", http.StatusOK
		for _, res := range results {
			if res.Status != "ok" {
				status, code = "not_ready", http.StatusServiceUnavailable
				break
			}
		}
		WriteJSON(w, code, map[string]any{"service": service, "status": status, "checks": results})
	}
}

func runCheck(ctx context.Context, check ReadinessCheck) checkResult {
	ctx, cancel := context.WithTimeout(ctx, CheckTimeout)
	defer cancel()
	start := time.Now()
	err := check.Check(ctx)
	res := checkResult{Name: check.Name, Status: "ok", DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "fail"
		res.Error = err.Error()
	}
	return res
}

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// NewRequestID returns 16 random bytes hex encoded.
func NewRequestID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

type ctxKeyRequestID struct{}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyRequestID{}).(string)
	return v, ok
}

type ctxKeyRoute struct{}

// recordRoute copies the pattern a ServeMux matched into the slot the
// access middleware put in the context. The mux sets the pattern on the
// request it was handed, which outer middleware does not share.
func recordRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		if slot, ok := r.Context().Value(ctxKeyRoute{}).(*string); ok && r.Pattern != "" {
			*slot = r.Pattern
		}
	})
}

type middleware struct {
	logger   *slog.Logger
	service  string
	observer RequestObserver
}

func (m middleware) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if id == "" {
			var err error
			if id, err = NewRequestID(); err != nil {
				id = fmt.Sprintf("%s-%d", m.service, time.Now().UnixNano())
			}
		}
		r.Header.Set(HeaderRequestID, id)
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID{}, id)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (m middleware) access(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := "unmatched"
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(context.WithValue(r.Context(), ctxKeyRoute{}, &route))

		next.ServeHTTP(sw, r)

		if m.observer != nil {
			m.observer.HTTPRequest(r.Method, route, sw.status)
		}
		requestID := r.Header.Get(HeaderRequestID)
		level := slog.LevelInfo
		if sw.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		m.logger.Log(r.Context(), level, "http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (m middleware) recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			requestID := r.Header.Get(HeaderRequestID)
			m.logger.Error("panic recovered", "request_id", requestID, "panic", v)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{
				"error":      "internal_server_error",
				"request_id": requestID,
			})
		}()
		next.ServeHTTP(w, r)
	})
}
