// Package simulation runs a step as a container job. The job reads the
// run input, writes an output envelope to object storage and reports back
// through the callback endpoint.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-validations/internal/domain"
	"github.com/animus-labs/animus-validations/internal/platform/auth"
	"github.com/animus-labs/animus-validations/internal/platform/k8s"
	"github.com/animus-labs/animus-validations/internal/platform/objectstore"
	"github.com/animus-labs/animus-validations/internal/runtimeexec"
	"github.com/animus-labs/animus-validations/internal/validation"
)

const Kind = "simulation"

var callbackNamespace = uuid.MustParse("0b8f4d1e-5a7c-4e0b-9f61-2d3c4b5a6e7f")

// CallbackID is the callback identifier a step run's job reports with.
func CallbackID(stepRunID string) string {
	return uuid.NewSHA1(callbackNamespace, []byte(strings.TrimSpace(stepRunID))).String()
}

// ResultLocation is where the job for a step run writes its envelope.
func ResultLocation(bucket, runID, stepRunID string) objectstore.Location {
	return objectstore.Location{
		Bucket: bucket,
		Key:    fmt.Sprintf("runs/%s/steps/%s/result.json", runID, stepRunID),
	}
}

type Config struct {
	CallbackURL    string
	CallbackSecret string
	OutputsBucket  string
	DefaultTimeout time.Duration
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.CallbackURL) == "" {
		return errors.New("callback url is required")
	}
	if strings.TrimSpace(c.CallbackSecret) == "" {
		return errors.New("callback secret is required")
	}
	if strings.TrimSpace(c.OutputsBucket) == "" {
		return errors.New("outputs bucket is required")
	}
	return nil
}

type stepConfig struct {
	Image     string            `json:"image"`
	Command   []string          `json:"command,omitempty"`
	Resources map[string]any    `json:"resources,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Timeout   string            `json:"timeout,omitempty"`
}

type Validator struct {
	cfg      Config
	executor runtimeexec.Executor
}

func New(cfg Config, executor runtimeexec.Executor) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	return &Validator{cfg: cfg, executor: executor}, nil
}

func (v *Validator) Kind() string { return Kind }

func (v *Validator) ValidateConfig(raw domain.Metadata) error {
	_, _, err := parseConfig(raw)
	return err
}

func (v *Validator) Validate(ctx context.Context, in validation.Input) (validation.Result, error) {
	cfg, timeout, err := parseConfig(in.Step.Config)
	if err != nil {
		return validation.Result{}, err
	}
	if timeout <= 0 {
		timeout = v.cfg.DefaultTimeout
	}

	callbackID := CallbackID(in.StepRunID)
	result := ResultLocation(v.cfg.OutputsBucket, in.RunID, in.StepRunID)
	spec := runtimeexec.JobSpec{
		Name:           runtimeexec.JobName(in.StepRunID),
		RunID:          in.RunID,
		StepRunID:      in.StepRunID,
		Validator:      Kind,
		CallbackID:     callbackID,
		CallbackURL:    v.cfg.CallbackURL,
		CallbackKey:    auth.DeriveKey(v.cfg.CallbackSecret, callbackID),
		InputLocation:  in.PayloadRef.Location,
		ResultLocation: result.String(),
		ImageRef:       cfg.Image,
		Command:        cfg.Command,
		Resources:      cfg.Resources,
		Env:            cfg.Env,
		Timeout:        timeout,
	}
	if err := v.executor.Submit(ctx, spec); err != nil {
		if isTransient(err) {
			return validation.Result{}, validation.Transient(fmt.Errorf("submit job: %w", err))
		}
		return validation.Result{}, fmt.Errorf("submit job: %w", err)
	}

	return validation.Result{
		Outcome: validation.OutcomePending,
		Stats:   domain.Metadata{"submitted_at": time.Now().UTC().Format(time.RFC3339)},
		Job: domain.Metadata{
			"executor":        v.executor.Kind(),
			"name":            spec.Name,
			"callback_id":     callbackID,
			"result_location": spec.ResultLocation,
		},
	}, nil
}

func parseConfig(raw domain.Metadata) (stepConfig, time.Duration, error) {
	var cfg stepConfig
	if err := validation.DecodeConfig(raw, &cfg); err != nil {
		return stepConfig{}, 0, err
	}
	cfg.Image = strings.TrimSpace(cfg.Image)
	if cfg.Image == "" {
		return stepConfig{}, 0, errors.New("image is required")
	}
	var timeout time.Duration
	if strings.TrimSpace(cfg.Timeout) != "" {
		parsed, err := time.ParseDuration(strings.TrimSpace(cfg.Timeout))
		if err != nil || parsed <= 0 {
			return stepConfig{}, 0, fmt.Errorf("timeout must be a positive duration: %q", cfg.Timeout)
		}
		timeout = parsed
	}
	return cfg, timeout, nil
}

func isTransient(err error) bool {
	var apiErr *k8s.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
