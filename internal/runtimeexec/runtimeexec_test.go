package runtimeexec

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/animus-validations/internal/platform/k8s"
)

func sampleSpec() JobSpec {
	return JobSpec{
		Name:           JobName("4d7c2a0e-0000-4000-8000-000000000001"),
		RunID:          "run-1",
		StepRunID:      "4d7c2a0e-0000-4000-8000-000000000001",
		Validator:      "simulation",
		CallbackID:     "cb-1",
		CallbackURL:    "http://validations/callback",
		CallbackKey:    "key",
		InputLocation:  "s3://in/runs/run-1/input.json",
		ResultLocation: "s3://out/runs/run-1/cb-1.json",
		ImageRef:       "registry.local/sim@sha256:abc",
		Command:        []string{"/sim", "--fast"},
		Resources:      map[string]any{"cpu": "2", "memory": "1Gi", "gpus": float64(1)},
		Env:            map[string]string{"MODE": "strict", "VALIDATIONS_RUN_ID": "spoofed"},
		Timeout:        10 * time.Minute,
	}
}

func TestJobName_KubernetesSafe(t *testing.T) {
	name := JobName("4D7C2A0E-0000-4000-8000-000000000001")
	if name != "vsim-4d7c2a0e-0000-4000-8000-000000000001" {
		t.Fatalf("JobName()=%q", name)
	}
	if long := JobName(strings.Repeat("a", 80)); len(long) > 63 {
		t.Fatalf("JobName() len=%d, want <= 63", len(long))
	}
}

func TestJobSpecValidate(t *testing.T) {
	if err := sampleSpec().Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	spec := sampleSpec()
	spec.CallbackURL = ""
	if err := spec.Validate(); err == nil {
		t.Fatalf("expected missing callback url to be rejected")
	}
}

func TestJobEnv_ReservedKeysWin(t *testing.T) {
	env := jobEnv(sampleSpec())
	seen := map[string]string{}
	for _, kv := range env {
		if _, dup := seen[kv.name]; dup {
			t.Fatalf("duplicate env %q", kv.name)
		}
		seen[kv.name] = kv.value
	}
	if seen[EnvRunID] != "run-1" {
		t.Fatalf("%s=%q, want run-1", EnvRunID, seen[EnvRunID])
	}
	if seen["MODE"] != "strict" || seen[EnvCallbackID] != "cb-1" {
		t.Fatalf("env=%v", seen)
	}
}

func TestDockerRunArgs(t *testing.T) {
	args := dockerRunArgs(sampleSpec(), "host")
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"run --detach --name vsim-",
		"-e VALIDATIONS_CALLBACK_URL=http://validations/callback",
		"--gpus 1",
		"--cpus 2",
		"--memory 1Gi",
		"registry.local/sim@sha256:abc /sim --fast",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("docker args missing %q: %s", want, joined)
		}
	}
	if strings.Contains(joined, "spoofed") {
		t.Fatalf("reserved env override leaked: %s", joined)
	}
}

func TestParseDockerState(t *testing.T) {
	obs, err := parseDockerState([]byte(`{"Status":"exited","ExitCode":3,"Error":"oom"}`), "c1")
	if err != nil {
		t.Fatalf("parseDockerState() err=%v", err)
	}
	if obs.Status != ObservationFailed || !obs.Finished() || obs.Message != "exit code 3: oom" {
		t.Fatalf("observation=%+v", obs)
	}
	obs, _ = parseDockerState([]byte(`{"Status":"running"}`), "c1")
	if obs.Status != ObservationRunning || obs.Finished() {
		t.Fatalf("observation=%+v", obs)
	}
}

func TestKubernetesExecutor_SubmitAndInspect(t *testing.T) {
	var created k8s.Job
	conflict := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			if conflict {
				w.WriteHeader(http.StatusConflict)
				return
			}
			_ = json.NewDecoder(r.Body).Decode(&created)
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(k8s.Job{
				Metadata: k8s.ObjectMeta{Name: "vsim-x"},
				Status: k8s.JobStatus{
					Failed:     1,
					Conditions: []k8s.JobCondition{{Type: "Failed", Status: "True", Reason: "BackoffLimitExceeded"}},
				},
			})
		}
	}))
	defer srv.Close()

	client, err := k8s.NewClient(k8s.Config{BaseURL: srv.URL, Namespace: "validations"})
	if err != nil {
		t.Fatalf("NewClient() err=%v", err)
	}
	exec, err := NewKubernetesJobExecutor(client, "", 600, "sim-runner")
	if err != nil {
		t.Fatalf("NewKubernetesJobExecutor() err=%v", err)
	}

	if err := exec.Submit(context.Background(), sampleSpec()); err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	if created.Spec.ActiveDeadlineSeconds == nil || *created.Spec.ActiveDeadlineSeconds != 600 {
		t.Fatalf("ActiveDeadlineSeconds=%v, want 600", created.Spec.ActiveDeadlineSeconds)
	}
	c := created.Spec.Template.Spec.Containers[0]
	if c.Resources.Limits["nvidia.com/gpu"] != "1" || c.Resources.Requests["memory"] != "1Gi" {
		t.Fatalf("resources=%+v", c.Resources)
	}
	if created.Spec.Template.Spec.ServiceAccountName != "sim-runner" {
		t.Fatalf("service account=%q", created.Spec.Template.Spec.ServiceAccountName)
	}

	conflict = true
	if err := exec.Submit(context.Background(), sampleSpec()); err != nil {
		t.Fatalf("Submit() on existing job err=%v, want nil", err)
	}

	obs, err := exec.Inspect(context.Background(), Execution{Name: "vsim-x"})
	if err != nil {
		t.Fatalf("Inspect() err=%v", err)
	}
	if obs.Status != ObservationFailed || obs.Message != "BackoffLimitExceeded" {
		t.Fatalf("observation=%+v", obs)
	}
}
