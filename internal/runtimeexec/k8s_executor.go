package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-validations/internal/platform/k8s"
)

type KubernetesJobExecutor struct {
	client         *k8s.Client
	namespace      string
	jobTTLSeconds  int32
	serviceAccount string
}

func NewKubernetesJobExecutor(client *k8s.Client, namespace string, jobTTLSeconds int32, serviceAccount string) (*KubernetesJobExecutor, error) {
	if client == nil {
		return nil, errors.New("k8s client is required")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = strings.TrimSpace(client.Namespace())
	}
	if namespace == "" {
		return nil, errors.New("job namespace is required")
	}
	if jobTTLSeconds < 0 {
		return nil, errors.New("job ttl must be non-negative")
	}
	return &KubernetesJobExecutor{
		client:         client,
		namespace:      namespace,
		jobTTLSeconds:  jobTTLSeconds,
		serviceAccount: strings.TrimSpace(serviceAccount),
	}, nil
}

func (e *KubernetesJobExecutor) Kind() string {
	return "kubernetes_job"
}

func (e *KubernetesJobExecutor) Submit(ctx context.Context, spec JobSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	err := e.client.CreateJob(ctx, e.namespace, e.buildJob(spec))
	if err == nil || errors.Is(err, k8s.ErrAlreadyExists) {
		return nil
	}
	return err
}

func (e *KubernetesJobExecutor) buildJob(spec JobSpec) k8s.Job {
	labels := map[string]string{
		k8s.LabelName:      "animus-validations",
		k8s.LabelComponent: "validation-job",
		k8s.LabelRunID:     spec.RunID,
	}
	if spec.Validator != "" {
		labels[k8s.LabelValidator] = spec.Validator
	}

	container := k8s.Container{
		Name:    "validator",
		Image:   spec.ImageRef,
		Command: spec.Command,
	}
	for _, kv := range jobEnv(spec) {
		container.Env = append(container.Env, k8s.EnvVar{Name: kv.name, Value: kv.value})
	}
	applyResourceHints(&container, spec.Resources)

	podSpec := k8s.PodSpec{
		RestartPolicy:      "Never",
		ServiceAccountName: e.serviceAccount,
		Containers:         []k8s.Container{container},
	}

	backoff := int32(0)
	job := k8s.Job{
		Metadata: k8s.ObjectMeta{
			Name:        spec.Name,
			Namespace:   e.namespace,
			Labels:      labels,
			Annotations: map[string]string{k8s.AnnotationStepID: spec.StepRunID},
		},
		Spec: k8s.JobSpec{
			BackoffLimit: &backoff,
			Template: k8s.PodTemplateSpec{
				Metadata: k8s.ObjectMeta{Labels: labels},
				Spec:     podSpec,
			},
		},
	}
	if e.jobTTLSeconds > 0 {
		ttl := e.jobTTLSeconds
		job.Spec.TTLSecondsAfterFinished = &ttl
	}
	if spec.Timeout > 0 {
		deadline := int64(spec.Timeout.Seconds())
		job.Spec.ActiveDeadlineSeconds = &deadline
	}
	return job
}

func (e *KubernetesJobExecutor) Inspect(ctx context.Context, execution Execution) (Observation, error) {
	namespace := strings.TrimSpace(execution.Namespace)
	if namespace == "" {
		namespace = e.namespace
	}
	name := strings.TrimSpace(execution.Name)
	if name == "" {
		return Observation{}, errors.New("k8s job name is required")
	}

	job, err := e.client.GetJob(ctx, namespace, name)
	if err != nil {
		if errors.Is(err, k8s.ErrNotFound) {
			return Observation{Status: ObservationPending, Message: "job_not_found"}, nil
		}
		return Observation{}, err
	}
	return observeJob(job, namespace), nil
}

func observeJob(job k8s.Job, namespace string) Observation {
	phase, message := job.Phase()
	status := ObservationPending
	switch phase {
	case k8s.PhaseFailed:
		status = ObservationFailed
	case k8s.PhaseComplete:
		status = ObservationSucceeded
	case k8s.PhaseActive:
		status = ObservationRunning
	}
	return Observation{
		Status:  status,
		Message: message,
		Details: map[string]any{
			"k8s_namespace": namespace,
			"k8s_job_name":  job.Metadata.Name,
			"active":        job.Status.Active,
			"succeeded":     job.Status.Succeeded,
			"failed":        job.Status.Failed,
		},
	}
}

func applyResourceHints(container *k8s.Container, resources map[string]any) {
	if container == nil || len(resources) == 0 {
		return
	}
	if gpus := parseIntResource(resources, "gpus"); gpus > 0 {
		if container.Resources.Limits == nil {
			container.Resources.Limits = map[string]string{}
		}
		container.Resources.Limits["nvidia.com/gpu"] = fmt.Sprintf("%d", gpus)
	}
	for _, key := range []string{"cpu", "memory"} {
		value := stringResource(resources, key)
		if value == "" {
			continue
		}
		if container.Resources.Requests == nil {
			container.Resources.Requests = map[string]string{}
		}
		container.Resources.Requests[key] = value
	}
}
