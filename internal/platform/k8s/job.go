package k8s

import (
	"strings"
	"time"
)

// Labels and annotations stamped on validation jobs.
const (
	LabelName        = "app.kubernetes.io/name"
	LabelComponent   = "app.kubernetes.io/component"
	LabelRunID       = "validations.run_id"
	LabelValidator   = "validations.validator"
	AnnotationStepID = "validations.step_run_id"
)

type ObjectMeta struct {
	Name        string            `json:"name,omitempty"`
	Namespace   string            `json:"namespace,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type ResourceRequirements struct {
	Limits   map[string]string `json:"limits,omitempty"`
	Requests map[string]string `json:"requests,omitempty"`
}

type Container struct {
	Name      string               `json:"name"`
	Image     string               `json:"image"`
	Command   []string             `json:"command,omitempty"`
	Args      []string             `json:"args,omitempty"`
	Env       []EnvVar             `json:"env,omitempty"`
	Resources ResourceRequirements `json:"resources,omitempty"`
}

type PodSpec struct {
	RestartPolicy      string      `json:"restartPolicy,omitempty"`
	ServiceAccountName string      `json:"serviceAccountName,omitempty"`
	Containers         []Container `json:"containers"`
}

type PodTemplateSpec struct {
	Metadata ObjectMeta `json:"metadata,omitempty"`
	Spec     PodSpec    `json:"spec"`
}

type JobSpec struct {
	BackoffLimit            *int32          `json:"backoffLimit,omitempty"`
	ActiveDeadlineSeconds   *int64          `json:"activeDeadlineSeconds,omitempty"`
	TTLSecondsAfterFinished *int32          `json:"ttlSecondsAfterFinished,omitempty"`
	Template                PodTemplateSpec `json:"template"`
}

type JobCondition struct {
	Type               string     `json:"type,omitempty"`
	Status             string     `json:"status,omitempty"`
	Reason             string     `json:"reason,omitempty"`
	Message            string     `json:"message,omitempty"`
	LastTransitionTime *time.Time `json:"lastTransitionTime,omitempty"`
}

type JobStatus struct {
	StartTime      *time.Time     `json:"startTime,omitempty"`
	CompletionTime *time.Time     `json:"completionTime,omitempty"`
	Active         int32          `json:"active,omitempty"`
	Succeeded      int32          `json:"succeeded,omitempty"`
	Failed         int32          `json:"failed,omitempty"`
	Conditions     []JobCondition `json:"conditions,omitempty"`
}

type Job struct {
	APIVersion string     `json:"apiVersion,omitempty"`
	Kind       string     `json:"kind,omitempty"`
	Metadata   ObjectMeta `json:"metadata"`
	Spec       JobSpec    `json:"spec"`
	Status     JobStatus  `json:"status,omitempty"`
}

// Condition returns the first condition of the given type that is True.
func (j Job) Condition(conditionType string) (JobCondition, bool) {
	for _, cond := range j.Status.Conditions {
		if cond.Type == conditionType && cond.Status == "True" {
			return cond, true
		}
	}
	return JobCondition{}, false
}

type Phase string

const (
	PhasePending  Phase = "pending"
	PhaseActive   Phase = "active"
	PhaseComplete Phase = "complete"
	PhaseFailed   Phase = "failed"
)

// Phase folds the job status into one phase. A Failed condition wins over
// Complete; the message is the condition message, else its reason.
func (j Job) Phase() (Phase, string) {
	if cond, ok := j.Condition("Failed"); ok {
		return PhaseFailed, conditionText(cond)
	}
	if cond, ok := j.Condition("Complete"); ok {
		return PhaseComplete, conditionText(cond)
	}
	if j.Status.Active > 0 {
		return PhaseActive, ""
	}
	return PhasePending, ""
}

func conditionText(cond JobCondition) string {
	if msg := strings.TrimSpace(cond.Message); msg != "" {
		return msg
	}
	return strings.TrimSpace(cond.Reason)
}
