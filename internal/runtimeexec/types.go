// Package runtimeexec submits containerised validation jobs and observes
// their progress. Jobs report results through the callback endpoint; the
// executors never wait for completion.
package runtimeexec

import (
	"context"
	"errors"
	"strings"
	"time"
)

type Executor interface {
	Kind() string
	// Submit starts the job. Submitting a name that already exists is
	// not an error.
	Submit(ctx context.Context, spec JobSpec) error
	Inspect(ctx context.Context, execution Execution) (Observation, error)
}

// JobSpec describes one async step execution.
type JobSpec struct {
	Name           string
	RunID          string
	StepRunID      string
	Validator      string
	CallbackID     string
	CallbackURL    string
	CallbackKey    string
	InputLocation  string
	ResultLocation string
	ImageRef       string
	Command        []string
	Resources      map[string]any
	Env            map[string]string
	Timeout        time.Duration
}

func (s JobSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("job name is required")
	}
	if strings.TrimSpace(s.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(s.CallbackID) == "" {
		return errors.New("callback id is required")
	}
	if strings.TrimSpace(s.CallbackURL) == "" {
		return errors.New("callback url is required")
	}
	if strings.TrimSpace(s.ResultLocation) == "" {
		return errors.New("result location is required")
	}
	if strings.TrimSpace(s.ImageRef) == "" {
		return errors.New("image ref is required")
	}
	return nil
}

// Execution identifies a submitted job for Inspect.
type Execution struct {
	Executor  string
	Name      string
	Namespace string
}

const (
	ObservationPending   = "pending"
	ObservationRunning   = "running"
	ObservationSucceeded = "succeeded"
	ObservationFailed    = "failed"
)

type Observation struct {
	Status  string
	Message string
	Details map[string]any
}

func (o Observation) Finished() bool {
	return o.Status == ObservationSucceeded || o.Status == ObservationFailed
}

// Env keys set on every job container.
const (
	EnvRunID          = "VALIDATIONS_RUN_ID"
	EnvStepRunID      = "VALIDATIONS_STEP_RUN_ID"
	EnvValidator      = "VALIDATIONS_VALIDATOR"
	EnvCallbackID     = "VALIDATIONS_CALLBACK_ID"
	EnvCallbackURL    = "VALIDATIONS_CALLBACK_URL"
	EnvCallbackKey    = "VALIDATIONS_CALLBACK_KEY"
	EnvInputLocation  = "VALIDATIONS_INPUT_LOCATION"
	EnvResultLocation = "VALIDATIONS_RESULT_LOCATION"
)

// JobName derives a container/job name from the step run id. Kubernetes
// names are limited to 63 lowercase characters.
func JobName(stepRunID string) string {
	name := "vsim-" + strings.ToLower(strings.TrimSpace(stepRunID))
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.TrimRight(name, "-")
}
