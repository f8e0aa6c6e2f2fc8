// Package sweeper watches parked steps whose job finished without a
// callback arriving and reports the job outcome through the callback
// processor on the job's behalf.
package sweeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/animus-validations/internal/callback"
	"github.com/animus-labs/animus-validations/internal/domain"
	"github.com/animus-labs/animus-validations/internal/engine"
	"github.com/animus-labs/animus-validations/internal/repo"
	"github.com/animus-labs/animus-validations/internal/runtimeexec"
	"github.com/animus-labs/animus-validations/internal/validation"
)

type Config struct {
	Interval time.Duration
	Batch    int
	// Grace is how long a finished job may stay without a callback before
	// the sweeper reports it.
	Grace time.Duration
}

type Sweeper struct {
	logger    *slog.Logger
	store     repo.Store
	applier   callback.Applier
	executors map[string]runtimeexec.Executor
	cfg       Config
	now       func() time.Time

	// cursor is where the next batch starts; a short batch ends the pass
	// and the next one starts from the oldest parked step again.
	cursor     repo.ParkedCursor
	finishedAt map[string]time.Time
	passSeen   map[string]struct{}
}

func New(logger *slog.Logger, store repo.Store, applier callback.Applier, cfg Config, executors ...runtimeexec.Executor) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if applier == nil {
		return nil, errors.New("callback processor is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	byKind := make(map[string]runtimeexec.Executor, len(executors))
	for _, exec := range executors {
		if exec == nil {
			continue
		}
		byKind[strings.TrimSpace(exec.Kind())] = exec
	}
	return &Sweeper{
		logger:     logger.With("component", "job_sweeper"),
		store:      store,
		applier:    applier,
		executors:  byKind,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		finishedAt: map[string]time.Time{},
		passSeen:   map[string]struct{}{},
	}, nil
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce inspects the next batch of parked steps and returns how many
// were reported. Successive calls page through every parked step.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	steps, err := s.store.StepRuns().ListParkedStepRuns(ctx, s.cursor, s.cfg.Batch)
	if err != nil {
		return 0, err
	}
	reported := 0
	for _, step := range steps {
		s.passSeen[step.ID] = struct{}{}
		if s.sweepStep(ctx, step) {
			reported++
		}
	}
	if len(steps) < s.cfg.Batch {
		s.endPass()
	} else {
		s.cursor = s.cursor.Next(steps[len(steps)-1])
	}
	return reported, nil
}

// endPass forgets grace timers of steps no longer parked and rewinds the
// cursor.
func (s *Sweeper) endPass() {
	for id := range s.finishedAt {
		if _, ok := s.passSeen[id]; !ok {
			delete(s.finishedAt, id)
		}
	}
	s.passSeen = map[string]struct{}{}
	s.cursor = repo.ParkedCursor{}
}

func (s *Sweeper) sweepStep(ctx context.Context, step domain.StepRun) bool {
	kind := engine.JobField(step, "executor")
	exec, ok := s.executors[kind]
	if !ok {
		return false
	}
	obs, err := exec.Inspect(ctx, runtimeexec.Execution{
		Executor:  kind,
		Name:      engine.JobField(step, "name"),
		Namespace: engine.JobField(step, "namespace"),
	})
	if err != nil {
		s.logger.Warn("inspect failed", "run_id", step.RunID, "step_run_id", step.ID, "error", err)
		return false
	}
	if !obs.Finished() {
		delete(s.finishedAt, step.ID)
		return false
	}
	if s.cfg.Grace > 0 {
		first, seen := s.finishedAt[step.ID]
		if !seen {
			s.finishedAt[step.ID] = s.now()
			return false
		}
		if s.now().Sub(first) < s.cfg.Grace {
			return false
		}
	}

	notice := callback.Payload{
		RunID:          step.RunID,
		CallbackID:     engine.JobField(step, "callback_id"),
		Status:         validation.JobStatusSuccess,
		ResultLocation: engine.JobField(step, "result_location"),
	}
	if obs.Status == runtimeexec.ObservationFailed {
		notice.Status = validation.JobStatusError
		notice.Error = jobError(obs)
	}
	_, err = s.applier.Process(ctx, notice)
	if err != nil && notice.Status == validation.JobStatusSuccess && errors.Is(err, callback.ErrInvalidPayload) {
		notice.Status = validation.JobStatusError
		notice.Error = "job finished without writing its output"
		_, err = s.applier.Process(ctx, notice)
	}
	if err != nil {
		s.logger.Warn("report finished job failed", "run_id", step.RunID, "step_run_id", step.ID, "job_status", obs.Status, "error", err)
		return false
	}
	delete(s.finishedAt, step.ID)
	s.logger.Info("reported finished job", "run_id", step.RunID, "step_run_id", step.ID, "job_status", obs.Status)
	return true
}

func jobError(obs runtimeexec.Observation) string {
	if msg := strings.TrimSpace(obs.Message); msg != "" {
		return "job failed: " + msg
	}
	return "job failed"
}
