package runtimeexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

type DockerExecutor struct {
	dockerBin string
	network   string
}

func NewDockerExecutor(dockerBin, network string) (*DockerExecutor, error) {
	dockerBin = strings.TrimSpace(dockerBin)
	if dockerBin == "" {
		dockerBin = "docker"
	}
	if _, err := exec.LookPath(dockerBin); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	network = strings.TrimSpace(network)
	if network == "" {
		network = "host"
	}
	return &DockerExecutor{dockerBin: dockerBin, network: network}, nil
}

func (e *DockerExecutor) Kind() string {
	return "docker"
}

func (e *DockerExecutor) Submit(ctx context.Context, spec JobSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, e.dockerBin, dockerRunArgs(spec, e.network)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		text := strings.TrimSpace(string(out))
		if strings.Contains(text, "is already in use") {
			return nil
		}
		return fmt.Errorf("docker run failed: %w: %s", err, text)
	}
	return nil
}

func dockerRunArgs(spec JobSpec, network string) []string {
	args := []string{
		"run",
		"--detach",
		"--name", spec.Name,
		"--network", network,
		"--label", "validations.run_id=" + spec.RunID,
		"--label", "validations.step_run_id=" + spec.StepRunID,
	}
	if spec.Timeout > 0 {
		args = append(args, "--stop-timeout", strconv.Itoa(int(spec.Timeout.Seconds())))
	}
	for _, kv := range jobEnv(spec) {
		args = append(args, "-e", kv.name+"="+kv.value)
	}
	if gpus := parseIntResource(spec.Resources, "gpus"); gpus > 0 {
		args = append(args, "--gpus", strconv.Itoa(gpus))
	}
	if cpu := stringResource(spec.Resources, "cpu"); cpu != "" {
		if parsed, err := strconv.ParseFloat(cpu, 64); err == nil && parsed > 0 {
			args = append(args, "--cpus", fmt.Sprintf("%g", parsed))
		}
	}
	if mem := stringResource(spec.Resources, "memory"); mem != "" {
		args = append(args, "--memory", mem)
	}
	args = append(args, spec.ImageRef)
	return append(args, spec.Command...)
}

type dockerInspectState struct {
	Status     string    `json:"Status"`
	ExitCode   int       `json:"ExitCode"`
	Error      string    `json:"Error"`
	FinishedAt time.Time `json:"FinishedAt"`
}

func (e *DockerExecutor) Inspect(ctx context.Context, execution Execution) (Observation, error) {
	name := strings.TrimSpace(execution.Name)
	if name == "" {
		return Observation{}, errors.New("docker container name is required")
	}

	cmd := exec.CommandContext(ctx, e.dockerBin, "inspect", "--format", "{{json .State}}", name)
	out, err := cmd.CombinedOutput()
	if err != nil {
		text := strings.TrimSpace(string(out))
		if strings.Contains(text, "No such object") || strings.Contains(text, "not found") {
			return Observation{Status: ObservationPending, Message: "container_not_found"}, nil
		}
		return Observation{}, fmt.Errorf("docker inspect failed: %w: %s", err, text)
	}
	return parseDockerState(out, name)
}

func parseDockerState(raw []byte, name string) (Observation, error) {
	var state dockerInspectState
	if err := json.Unmarshal(raw, &state); err != nil {
		return Observation{}, fmt.Errorf("parse docker inspect: %w", err)
	}

	status := ObservationPending
	message := strings.TrimSpace(state.Status)
	switch strings.ToLower(message) {
	case "running":
		status = ObservationRunning
	case "exited", "dead":
		if state.ExitCode == 0 {
			status = ObservationSucceeded
		} else {
			status = ObservationFailed
			message = fmt.Sprintf("exit code %d", state.ExitCode)
			if strings.TrimSpace(state.Error) != "" {
				message += ": " + strings.TrimSpace(state.Error)
			}
		}
	}

	return Observation{
		Status:  status,
		Message: message,
		Details: map[string]any{
			"docker_container": name,
			"exit_code":        state.ExitCode,
			"finished_at":      state.FinishedAt,
		},
	}, nil
}
