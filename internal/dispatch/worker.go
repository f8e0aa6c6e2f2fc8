package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/animus-labs/animus-validations/internal/engine"
	"github.com/animus-labs/animus-validations/internal/validation"
)

type WorkerConfig struct {
	Consumer   string
	Subject    string
	MaxDeliver int
	AckWait    time.Duration
	// RetryBase is the delay before the first redelivery; it doubles per
	// attempt up to RetryMax.
	RetryBase time.Duration
	RetryMax  time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if strings.TrimSpace(c.Consumer) == "" {
		c.Consumer = "validations-worker"
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 5
	}
	if c.AckWait <= 0 {
		c.AckWait = 10 * time.Minute
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = time.Minute
	}
	return c
}

// Worker consumes queued tasks and runs them. Transient failures are
// redelivered with a growing delay; the last delivery runs as the final
// attempt and a run that still cannot finish is force-failed.
type Worker struct {
	logger *slog.Logger
	runner Runner
	failer Failer
	cfg    WorkerConfig
}

func NewWorker(logger *slog.Logger, runner Runner, failer Failer, cfg WorkerConfig) (*Worker, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if failer == nil {
		return nil, errors.New("failer is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Worker{logger: logger, runner: runner, failer: failer, cfg: cfg.withDefaults()}, nil
}

// Run consumes stream until ctx is done.
func (w *Worker) Run(ctx context.Context, stream jetstream.Stream) error {
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       w.cfg.Consumer,
		FilterSubject: w.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       w.cfg.AckWait,
		MaxDeliver:    w.cfg.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}
	w.logger.Info("worker consuming", "consumer", w.cfg.Consumer, "subject", w.cfg.Subject, "max_deliver", w.cfg.MaxDeliver)

	for {
		if ctx.Err() != nil {
			return nil
		}
		batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Debug("fetch failed", "error", err)
			continue
		}
		for msg := range batch.Messages() {
			attempt := uint64(1)
			if meta, err := msg.Metadata(); err == nil {
				attempt = meta.NumDelivered
			}
			w.Handle(ctx, msg, attempt)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
			w.logger.Warn("fetch batch error", "error", err)
		}
	}
}

// Message is the part of a JetStream message the worker acts on.
type Message interface {
	Data() []byte
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

// Handle processes one delivery. attempt is 1 for the first delivery.
func (w *Worker) Handle(ctx context.Context, msg Message, attempt uint64) {
	task, err := DecodeTask(msg.Data())
	if err != nil {
		w.logger.Error("dropping malformed task", "error", err)
		w.settle(msg.Term(), "term")
		return
	}
	final := attempt >= uint64(w.cfg.MaxDeliver)
	logger := w.logger.With("run_id", task.RunID, "task_name", task.Name, "attempt", attempt)

	_, err = w.runner.Execute(ctx, task.Request(final))
	switch {
	case err == nil:
		w.settle(msg.Ack(), "ack")
	case errors.Is(err, engine.ErrRunNotFound):
		logger.Warn("task references unknown run", "error", err)
		w.settle(msg.Term(), "term")
	case errors.Is(err, validation.ErrTransient) && !final:
		delay := w.retryDelay(attempt)
		logger.Warn("task failed transiently, redelivering", "delay_ms", delay.Milliseconds(), "error", err)
		w.settle(msg.NakWithDelay(delay), "nak")
	default:
		logger.Error("task attempts exhausted", "error", err)
		if _, failErr := w.failer.FailRun(ctx, task.RunID, fmt.Sprintf("execution attempts exhausted: %v", err)); failErr != nil {
			logger.Error("force-fail run failed", "error", failErr)
			w.settle(msg.NakWithDelay(w.retryDelay(attempt)), "nak")
			return
		}
		w.settle(msg.Ack(), "ack")
	}
}

func (w *Worker) retryDelay(attempt uint64) time.Duration {
	d := w.cfg.RetryBase
	for i := uint64(1); i < attempt; i++ {
		d *= 2
		if d >= w.cfg.RetryMax {
			return w.cfg.RetryMax
		}
	}
	return d
}

func (w *Worker) settle(err error, action string) {
	if err != nil {
		w.logger.Warn("failed to settle message", "action", action, "error", err)
	}
}
