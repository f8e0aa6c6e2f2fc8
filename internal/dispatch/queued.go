package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/animus-labs/animus-validations/internal/platform/metrics"
)

type QueueConfig struct {
	Stream  string
	Subject string
	// DuplicateWindow bounds how long JetStream remembers task names.
	DuplicateWindow time.Duration
}

func (c QueueConfig) Validate() error {
	if strings.TrimSpace(c.Stream) == "" {
		return errors.New("queue stream is required")
	}
	if strings.TrimSpace(c.Subject) == "" {
		return errors.New("queue subject is required")
	}
	return nil
}

// EnsureStream creates or updates the work-queue stream tasks go to.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg QueueConfig) (jetstream.Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	window := cfg.DuplicateWindow
	if window <= 0 {
		window = 10 * time.Minute
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.Subject},
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: window,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}
	return stream, nil
}

type publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Queued publishes tasks to JetStream with the task name as message id, so
// the stream drops duplicates inside its window.
type Queued struct {
	js      publisher
	subject string
	metrics *metrics.Recorder
}

func NewQueued(js jetstream.JetStream, cfg QueueConfig, m *metrics.Recorder) (*Queued, error) {
	if js == nil {
		return nil, errors.New("jetstream is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Queued{js: js, subject: cfg.Subject, metrics: m}, nil
}

func (d *Queued) Mode() string { return ModeQueued }

func (d *Queued) Enqueue(ctx context.Context, task Task) (string, error) {
	if err := task.Validate(); err != nil {
		return "", err
	}
	task.Name = TaskName(task.RunID, task.ResumeFromStep)
	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	ack, err := d.js.Publish(ctx, d.subject, data, jetstream.WithMsgID(task.Name))
	if err != nil {
		d.metrics.Dispatch(ModeQueued, "error")
		return "", fmt.Errorf("publish %s: %w", task.Name, err)
	}
	if ack != nil && ack.Duplicate {
		d.metrics.Dispatch(ModeQueued, "duplicate")
		return task.Name, nil
	}
	d.metrics.Dispatch(ModeQueued, "ok")
	return task.Name, nil
}
