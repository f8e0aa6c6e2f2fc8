// Package k8s is a minimal batch/v1 Jobs client for the Kubernetes API.
package k8s

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	ErrNotFound      = errors.New("kubernetes resource not found")
	ErrAlreadyExists = errors.New("kubernetes resource already exists")
	ErrUnauthorized  = errors.New("kubernetes request unauthorized")
	ErrForbidden     = errors.New("kubernetes request forbidden")
)

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("kubernetes api error (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("kubernetes api error (status=%d): %s", e.StatusCode, body)
}

// Temporary reports whether the API server signalled a retryable condition.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Config struct {
	BaseURL    string
	Token      string
	Namespace  string
	HTTPClient *http.Client
	// MaxRetries bounds retries of 429 and 5xx answers. Zero means 3.
	MaxRetries uint64
}

// Client talks to batch/v1 with a bearer token. Requests that fail with a
// temporary APIError or a transport error are retried with backoff.
type Client struct {
	baseURL    string
	token      string
	namespace  string
	http       *http.Client
	maxRetries uint64
	newBackOff func() backoff.BackOff
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("kubernetes base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid kubernetes base url: %w", err)
	}
	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" {
		return nil, errors.New("kubernetes namespace is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	retries := cfg.MaxRetries
	if retries == 0 {
		retries = 3
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(cfg.Token),
		namespace:  namespace,
		http:       httpClient,
		maxRetries: retries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 4 * time.Second
			return b
		},
	}, nil
}

// NewInClusterClient reads the mounted service account.
func NewInClusterClient() (*Client, error) {
	cfg, err := inClusterConfig(serviceAccountDir)
	if err != nil {
		return nil, err
	}
	return NewClient(cfg)
}

const serviceAccountDir = "/var/run/secrets/kubernetes.io/serviceaccount"

func inClusterConfig(dir string) (Config, error) {
	read := func(name string) (string, error) {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return "", fmt.Errorf("read serviceaccount %s: %w", name, err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	token, err := read("token")
	if err != nil {
		return Config{}, err
	}
	if token == "" {
		return Config{}, errors.New("serviceaccount token is empty")
	}
	namespace, err := read("namespace")
	if err != nil {
		return Config{}, err
	}
	ca, err := read("ca.crt")
	if err != nil {
		return Config{}, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(ca)) {
		return Config{}, errors.New("invalid serviceaccount ca bundle")
	}

	host := strings.TrimSpace(os.Getenv("KUBERNETES_SERVICE_HOST"))
	baseURL := "https://kubernetes.default.svc"
	if host != "" {
		port := strings.TrimSpace(os.Getenv("KUBERNETES_SERVICE_PORT"))
		if port == "" {
			port = "443"
		}
		baseURL = "https://" + net.JoinHostPort(host, port)
	}
	return Config{
		BaseURL:   baseURL,
		Token:     token,
		Namespace: namespace,
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
			},
			Timeout: 15 * time.Second,
		},
	}, nil
}

func (c *Client) Namespace() string {
	return c.namespace
}

func (c *Client) jobsPath(namespace string) string {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = c.namespace
	}
	return "/apis/batch/v1/namespaces/" + url.PathEscape(namespace) + "/jobs"
}

// CreateJob posts job to namespace, or to the client namespace when empty.
// An existing job with the same name yields ErrAlreadyExists.
func (c *Client) CreateJob(ctx context.Context, namespace string, job Job) error {
	job.APIVersion = "batch/v1"
	job.Kind = "Job"
	path := c.jobsPath(namespace)
	job.Metadata.Namespace = strings.TrimSpace(namespace)
	if job.Metadata.Namespace == "" {
		job.Metadata.Namespace = c.namespace
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return c.call(ctx, http.MethodPost, path, body, nil)
}

func (c *Client) GetJob(ctx context.Context, namespace string, name string) (Job, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Job{}, errors.New("job name is required")
	}
	var out Job
	if err := c.call(ctx, http.MethodGet, c.jobsPath(namespace)+"/"+url.PathEscape(name), nil, &out); err != nil {
		return Job{}, err
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, method, path string, body []byte, out any) error {
	attempt := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		err = c.do(req, out)
		var apiErr *APIError
		if err == nil || (errors.As(err, &apiErr) && apiErr.Temporary()) {
			return err
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) ||
			errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden) || apiErr != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)
	return backoff.Retry(attempt, policy)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return err
	}

	switch code := resp.StatusCode; {
	case code == http.StatusOK || code == http.StatusCreated:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode kubernetes response: %w", err)
		}
		return nil
	case code == http.StatusConflict:
		return ErrAlreadyExists
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code == http.StatusForbidden:
		return ErrForbidden
	default:
		return &APIError{StatusCode: code, Body: string(body)}
	}
}
