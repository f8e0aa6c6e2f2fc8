package k8s

import "testing"

func TestJobPhase(t *testing.T) {
	cases := []struct {
		name    string
		status  JobStatus
		want    Phase
		message string
	}{
		{"new", JobStatus{}, PhasePending, ""},
		{"running", JobStatus{Active: 1}, PhaseActive, ""},
		{"complete", JobStatus{Succeeded: 1, Conditions: []JobCondition{{Type: "Complete", Status: "True"}}}, PhaseComplete, ""},
		{"deadline", JobStatus{Conditions: []JobCondition{
			{Type: "Complete", Status: "False"},
			{Type: "Failed", Status: "True", Reason: "DeadlineExceeded"},
		}}, PhaseFailed, "DeadlineExceeded"},
		{"message wins", JobStatus{Conditions: []JobCondition{
			{Type: "Failed", Status: "True", Reason: "BackoffLimitExceeded", Message: "Job has reached the specified backoff limit"},
		}}, PhaseFailed, "Job has reached the specified backoff limit"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			phase, msg := Job{Status: tc.status}.Phase()
			if phase != tc.want || msg != tc.message {
				t.Fatalf("Phase()=(%s,%q), want (%s,%q)", phase, msg, tc.want, tc.message)
			}
		})
	}
}
