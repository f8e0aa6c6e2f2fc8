package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/animus-labs/animus-validations/internal/domain"
	"github.com/animus-labs/animus-validations/internal/engine"
	"github.com/animus-labs/animus-validations/internal/platform/auth"
	"github.com/animus-labs/animus-validations/internal/validation"
)

type fakeRunner struct {
	requests []engine.ExecuteRequest
	err      error
}

func (r *fakeRunner) Execute(ctx context.Context, req engine.ExecuteRequest) (engine.Result, error) {
	r.requests = append(r.requests, req)
	return engine.Result{}, r.err
}

type fakeFailer struct{ failed []string }

func (f *fakeFailer) FailRun(ctx context.Context, runID, reason string) (domain.Run, error) {
	f.failed = append(f.failed, runID)
	return domain.Run{ID: runID, Status: domain.RunStatusFailed}, nil
}

type fakeMessage struct {
	data   []byte
	acked  bool
	termed bool
	naked  time.Duration
}

func (m *fakeMessage) Data() []byte { return m.data }
func (m *fakeMessage) Ack() error   { m.acked = true; return nil }
func (m *fakeMessage) Term() error  { m.termed = true; return nil }
func (m *fakeMessage) NakWithDelay(d time.Duration) error {
	m.naked = d
	return nil
}

func TestTaskName_Deterministic(t *testing.T) {
	if TaskName("r1", 3) != TaskName(" r1 ", 3) {
		t.Fatalf("TaskName must ignore surrounding whitespace")
	}
	if TaskName("r1", 3) == TaskName("r1", 4) {
		t.Fatalf("TaskName must differ per resume step")
	}
	if got := TaskName("r1", 0); got != "run-r1-from-0" {
		t.Fatalf("TaskName()=%q", got)
	}
}

func TestInline_RunsFinalAttempt(t *testing.T) {
	runner := &fakeRunner{}
	d, err := NewInline(runner, nil)
	if err != nil {
		t.Fatalf("NewInline() err=%v", err)
	}
	name, err := d.Enqueue(context.Background(), Task{RunID: "r1", ResumeFromStep: 2})
	if err != nil {
		t.Fatalf("Enqueue() err=%v", err)
	}
	if name != TaskName("r1", 2) {
		t.Fatalf("name=%q", name)
	}
	if len(runner.requests) != 1 || !runner.requests[0].FinalAttempt || runner.requests[0].ResumeFromStep != 2 {
		t.Fatalf("requests=%+v", runner.requests)
	}
	if _, err := d.Enqueue(context.Background(), Task{}); err == nil {
		t.Fatalf("Enqueue() expected error for empty run id")
	}
}

func TestDirect_SignsAndRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.URL.Path != ExecutePath {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := auth.VerifyRequest(r, "s3cret", body, time.Now(), time.Minute); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		task, err := DecodeTask(body)
		if err != nil || task.Name != TaskName("r1", 2) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d, err := NewDirect(DirectConfig{BaseURL: srv.URL + "/", Secret: "s3cret"}, nil)
	if err != nil {
		t.Fatalf("NewDirect() err=%v", err)
	}
	d.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	if _, err := d.Enqueue(context.Background(), Task{RunID: "r1", ResumeFromStep: 2}); err != nil {
		t.Fatalf("Enqueue() err=%v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls=%d, want 2", calls.Load())
	}
}

func TestDirect_DoesNotRetryRejectedTask(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	d, err := NewDirect(DirectConfig{BaseURL: srv.URL, Secret: "s3cret"}, nil)
	if err != nil {
		t.Fatalf("NewDirect() err=%v", err)
	}
	d.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	if _, err := d.Enqueue(context.Background(), Task{RunID: "r1"}); err == nil {
		t.Fatalf("Enqueue() expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d, want 1", calls.Load())
	}
}

type fakePublisher struct {
	ids       []string
	duplicate bool
}

func (p *fakePublisher) Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	p.ids = append(p.ids, string(payload))
	return &jetstream.PubAck{Stream: "VALIDATIONS", Duplicate: p.duplicate}, nil
}

func TestQueued_DuplicateIsSuccess(t *testing.T) {
	pub := &fakePublisher{duplicate: true}
	d := &Queued{js: pub, subject: "validations.tasks"}

	name, err := d.Enqueue(context.Background(), Task{RunID: "r1", ResumeFromStep: 3})
	if err != nil {
		t.Fatalf("Enqueue() err=%v", err)
	}
	if name != TaskName("r1", 3) || len(pub.ids) != 1 {
		t.Fatalf("name=%q published=%d", name, len(pub.ids))
	}
}

func newTestWorker(t *testing.T, runner Runner, failer Failer) *Worker {
	t.Helper()
	w, err := NewWorker(nil, runner, failer, WorkerConfig{Subject: "validations.tasks", MaxDeliver: 3, RetryBase: time.Second, RetryMax: 3 * time.Second})
	if err != nil {
		t.Fatalf("NewWorker() err=%v", err)
	}
	return w
}

func TestWorker_TransientFailureIsRedelivered(t *testing.T) {
	runner := &fakeRunner{err: validation.Transient(errors.New("db down"))}
	w := newTestWorker(t, runner, &fakeFailer{})

	msg := &fakeMessage{data: []byte(`{"run_id":"r1","resume_from_step":2}`)}
	w.Handle(context.Background(), msg, 2)
	if msg.naked != 2*time.Second || msg.acked {
		t.Fatalf("message nak=%v acked=%v, want nak 2s", msg.naked, msg.acked)
	}
	if runner.requests[0].FinalAttempt {
		t.Fatalf("attempt 2 of 3 must not be final")
	}
}

func TestWorker_LastDeliveryIsFinalAttempt(t *testing.T) {
	runner := &fakeRunner{}
	w := newTestWorker(t, runner, &fakeFailer{})

	msg := &fakeMessage{data: []byte(`{"run_id":"r1"}`)}
	w.Handle(context.Background(), msg, 3)
	if !msg.acked || !runner.requests[0].FinalAttempt {
		t.Fatalf("acked=%v final=%v", msg.acked, runner.requests[0].FinalAttempt)
	}
}

func TestWorker_ExhaustedRunIsForceFailed(t *testing.T) {
	runner := &fakeRunner{err: errors.New("finalize run: connection refused")}
	failer := &fakeFailer{}
	w := newTestWorker(t, runner, failer)

	msg := &fakeMessage{data: []byte(`{"run_id":"r1"}`)}
	w.Handle(context.Background(), msg, 3)
	if len(failer.failed) != 1 || !msg.acked {
		t.Fatalf("failed=%v acked=%v", failer.failed, msg.acked)
	}
}

func TestWorker_TerminatesUnusableMessages(t *testing.T) {
	w := newTestWorker(t, &fakeRunner{err: engine.ErrRunNotFound}, &fakeFailer{})

	missing := &fakeMessage{data: []byte(`{"run_id":"gone"}`)}
	w.Handle(context.Background(), missing, 1)
	if !missing.termed {
		t.Fatalf("unknown run must be terminated")
	}

	garbage := &fakeMessage{data: []byte(`not json`)}
	w.Handle(context.Background(), garbage, 1)
	if !garbage.termed {
		t.Fatalf("malformed task must be terminated")
	}
}

func TestWorker_RetryDelayCapped(t *testing.T) {
	w := newTestWorker(t, &fakeRunner{}, &fakeFailer{})
	if got := w.retryDelay(1); got != time.Second {
		t.Fatalf("retryDelay(1)=%v", got)
	}
	if got := w.retryDelay(10); got != 3*time.Second {
		t.Fatalf("retryDelay(10)=%v, want cap", got)
	}
}
