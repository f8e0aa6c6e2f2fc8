// Package dispatch hands engine executions to a runner: in the caller's
// stack, over HTTP to the service, or through a durable JetStream queue.
// One strategy is used per deployment.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-validations/internal/domain"
	"github.com/animus-labs/animus-validations/internal/engine"
	"github.com/animus-labs/animus-validations/internal/platform/metrics"
)

const (
	ModeInline = "inline"
	ModeDirect = "direct"
	ModeQueued = "queued"
)

// Task asks for run execution starting at ResumeFromStep.
type Task struct {
	RunID          string `json:"run_id"`
	ActorID        string `json:"actor_id,omitempty"`
	ResumeFromStep int    `json:"resume_from_step,omitempty"`
	Name           string `json:"task_name,omitempty"`
}

func (t Task) Validate() error {
	if strings.TrimSpace(t.RunID) == "" {
		return errors.New("task run id is required")
	}
	if t.ResumeFromStep < 0 {
		return errors.New("task resume step must be >= 0")
	}
	return nil
}

// Request converts the task into an engine request.
func (t Task) Request(finalAttempt bool) engine.ExecuteRequest {
	return engine.ExecuteRequest{
		RunID:          t.RunID,
		ActorID:        t.ActorID,
		ResumeFromStep: t.ResumeFromStep,
		FinalAttempt:   finalAttempt,
	}
}

// TaskName is the dedupe key of a task; enqueueing the same run and step
// twice yields the same name.
func TaskName(runID string, resumeFromStep int) string {
	return fmt.Sprintf("run-%s-from-%d", strings.TrimSpace(runID), resumeFromStep)
}

// DecodeTask parses a task body and fills in its name.
func DecodeTask(data []byte) (Task, error) {
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	task.RunID = strings.TrimSpace(task.RunID)
	if err := task.Validate(); err != nil {
		return Task{}, err
	}
	task.Name = TaskName(task.RunID, task.ResumeFromStep)
	return task, nil
}

// Dispatcher enqueues a task and returns its handle. A duplicate of an
// already accepted task is not an error.
type Dispatcher interface {
	Mode() string
	Enqueue(ctx context.Context, task Task) (string, error)
}

type Runner interface {
	Execute(ctx context.Context, req engine.ExecuteRequest) (engine.Result, error)
}

// Failer force-fails runs whose attempts are exhausted.
type Failer interface {
	FailRun(ctx context.Context, runID, reason string) (domain.Run, error)
}

// Inline runs the engine synchronously in the caller's stack.
type Inline struct {
	runner  Runner
	metrics *metrics.Recorder
}

func NewInline(runner Runner, m *metrics.Recorder) (*Inline, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	return &Inline{runner: runner, metrics: m}, nil
}

func (d *Inline) Mode() string { return ModeInline }

func (d *Inline) Enqueue(ctx context.Context, task Task) (string, error) {
	if err := task.Validate(); err != nil {
		return "", err
	}
	name := TaskName(task.RunID, task.ResumeFromStep)
	if _, err := d.runner.Execute(ctx, task.Request(true)); err != nil {
		d.metrics.Dispatch(ModeInline, "error")
		return "", fmt.Errorf("execute %s: %w", name, err)
	}
	d.metrics.Dispatch(ModeInline, "ok")
	return name, nil
}
