package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/animus-validations/internal/dispatch"
	"github.com/animus-labs/animus-validations/internal/platform/env"
)

const (
	executorDocker     = "docker"
	executorKubernetes = "kubernetes_job"
)

type config struct {
	HTTPAddr        string
	WorkerAddr      string
	ShutdownTimeout time.Duration

	DispatchMode string
	DirectURL    string
	NATSURL      string
	Stream       string
	Subject      string
	MaxDeliver   int

	InternalSecret string
	CallbackURL    string
	CallbackSkew   time.Duration

	PipelinesDir string
	TenantPolicy string

	Executor      string
	DockerBin     string
	DockerNetwork string
	K8sNamespace  string
	K8sJobTTL     int
	K8sServiceAcc string
	JobTimeout    time.Duration

	SweepInterval time.Duration
	SweepGrace    time.Duration
}

func configFromEnv() (config, error) {
	shutdownTimeout, err := env.Duration("VALIDATIONS_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return config{}, err
	}
	maxDeliver, err := env.Int("VALIDATIONS_TASK_MAX_DELIVER", 5)
	if err != nil {
		return config{}, err
	}
	skew, err := env.Duration("VALIDATIONS_CALLBACK_MAX_SKEW", 5*time.Minute)
	if err != nil {
		return config{}, err
	}
	jobTTL, err := env.Int("VALIDATIONS_K8S_JOB_TTL_SECONDS", 3600)
	if err != nil {
		return config{}, err
	}
	jobTimeout, err := env.Duration("VALIDATIONS_JOB_TIMEOUT", 30*time.Minute)
	if err != nil {
		return config{}, err
	}
	sweepInterval, err := env.Duration("VALIDATIONS_SWEEP_INTERVAL", 30*time.Second)
	if err != nil {
		return config{}, err
	}
	sweepGrace, err := env.Duration("VALIDATIONS_SWEEP_GRACE", 2*time.Minute)
	if err != nil {
		return config{}, err
	}

	addr := env.String("VALIDATIONS_HTTP_ADDR", ":8090")
	cfg := config{
		HTTPAddr:        addr,
		WorkerAddr:      env.String("VALIDATIONS_WORKER_ADDR", ":8091"),
		ShutdownTimeout: shutdownTimeout,
		DispatchMode:    strings.ToLower(strings.TrimSpace(env.String("VALIDATIONS_DISPATCH_MODE", dispatch.ModeInline))),
		DirectURL:       env.String("VALIDATIONS_DIRECT_URL", "http://localhost:8090"),
		NATSURL:         env.String("VALIDATIONS_NATS_URL", "nats://localhost:4222"),
		Stream:          env.String("VALIDATIONS_TASK_STREAM", "VALIDATION_TASKS"),
		Subject:         env.String("VALIDATIONS_TASK_SUBJECT", "validations.tasks.execute"),
		MaxDeliver:      maxDeliver,
		InternalSecret:  strings.TrimSpace(env.String("VALIDATIONS_INTERNAL_SECRET", "")),
		CallbackURL:     env.String("VALIDATIONS_CALLBACK_URL", "http://localhost:8090/callback"),
		CallbackSkew:    skew,
		PipelinesDir:    env.String("VALIDATIONS_PIPELINES_DIR", "./pipelines"),
		TenantPolicy:    strings.TrimSpace(env.String("VALIDATIONS_TENANT_POLICY", "")),
		Executor:        strings.ToLower(strings.TrimSpace(env.String("VALIDATIONS_EXECUTOR", executorDocker))),
		DockerBin:       env.String("VALIDATIONS_DOCKER_BIN", "docker"),
		DockerNetwork:   env.String("VALIDATIONS_DOCKER_NETWORK", ""),
		K8sNamespace:    env.String("VALIDATIONS_K8S_NAMESPACE", ""),
		K8sJobTTL:       jobTTL,
		K8sServiceAcc:   env.String("VALIDATIONS_K8S_SERVICE_ACCOUNT", ""),
		JobTimeout:      jobTimeout,
		SweepInterval:   sweepInterval,
		SweepGrace:      sweepGrace,
	}
	if err := cfg.Validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("VALIDATIONS_HTTP_ADDR is required")
	}
	if c.InternalSecret == "" {
		return errors.New("VALIDATIONS_INTERNAL_SECRET is required")
	}
	switch c.DispatchMode {
	case dispatch.ModeInline:
	case dispatch.ModeDirect:
		if strings.TrimSpace(c.DirectURL) == "" {
			return errors.New("VALIDATIONS_DIRECT_URL is required for direct dispatch")
		}
	case dispatch.ModeQueued:
		if strings.TrimSpace(c.NATSURL) == "" {
			return errors.New("VALIDATIONS_NATS_URL is required for queued dispatch")
		}
		if c.MaxDeliver < 1 {
			return errors.New("VALIDATIONS_TASK_MAX_DELIVER must be >= 1")
		}
	default:
		return fmt.Errorf("VALIDATIONS_DISPATCH_MODE %q is not one of inline, direct, queued", c.DispatchMode)
	}
	switch c.Executor {
	case executorDocker, executorKubernetes:
	default:
		return fmt.Errorf("VALIDATIONS_EXECUTOR %q is not one of docker, kubernetes_job", c.Executor)
	}
	if c.K8sJobTTL < 0 {
		return errors.New("VALIDATIONS_K8S_JOB_TTL_SECONDS must be >= 0")
	}
	if strings.TrimSpace(c.CallbackURL) == "" {
		return errors.New("VALIDATIONS_CALLBACK_URL is required")
	}
	if c.CallbackSkew <= 0 {
		return errors.New("VALIDATIONS_CALLBACK_MAX_SKEW must be positive")
	}
	return nil
}
