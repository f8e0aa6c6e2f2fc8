package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/animus-labs/animus-validations/internal/platform/auth"
	"github.com/animus-labs/animus-validations/internal/platform/metrics"
)

// ExecutePath is the service route the direct dispatcher posts to.
const ExecutePath = "/internal/execute"

type DirectConfig struct {
	BaseURL    string
	Secret     string
	MaxRetries uint64
	HTTPClient *http.Client
}

// Direct posts tasks to the execute endpoint of a running service.
type Direct struct {
	endpoint   string
	secret     string
	maxRetries uint64
	client     *http.Client
	metrics    *metrics.Recorder
	now        func() time.Time
	newBackOff func() backoff.BackOff
}

func NewDirect(cfg DirectConfig, m *metrics.Recorder) (*Direct, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("direct dispatch base url is required")
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("direct dispatch secret is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	retries := cfg.MaxRetries
	if retries == 0 {
		retries = 4
	}
	return &Direct{
		endpoint:   base + ExecutePath,
		secret:     cfg.Secret,
		maxRetries: retries,
		client:     client,
		metrics:    m,
		now:        time.Now,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}, nil
}

func (d *Direct) Mode() string { return ModeDirect }

func (d *Direct) Enqueue(ctx context.Context, task Task) (string, error) {
	if err := task.Validate(); err != nil {
		return "", err
	}
	task.Name = TaskName(task.RunID, task.ResumeFromStep)
	body, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}

	post := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if err := auth.SignRequest(req, d.secret, body, d.now()); err != nil {
			return backoff.Permanent(err)
		}
		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("execute endpoint returned %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("execute endpoint rejected task: %d", resp.StatusCode))
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(d.newBackOff(), d.maxRetries), ctx)
	if err := backoff.Retry(post, policy); err != nil {
		d.metrics.Dispatch(ModeDirect, "error")
		return "", fmt.Errorf("dispatch %s: %w", task.Name, err)
	}
	d.metrics.Dispatch(ModeDirect, "ok")
	return task.Name, nil
}
