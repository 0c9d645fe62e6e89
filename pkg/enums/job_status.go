package enums

import "fmt"

// JobStatus maps to the jobs.status check constraint.
type JobStatus string

const (
	JobStatusQueued       JobStatus = "queued"
	JobStatusRunning      JobStatus = "running"
	JobStatusRetrying     JobStatus = "retrying"
	JobStatusDeadLettered JobStatus = "dead_lettered"
	JobStatusCompleted    JobStatus = "completed"
	JobStatusFailed       JobStatus = "failed"
)

var validJobStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusRunning,
	JobStatusRetrying,
	JobStatusDeadLettered,
	JobStatusCompleted,
	JobStatusFailed,
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:   {JobStatusRunning, JobStatusDeadLettered},
	JobStatusRunning:  {JobStatusCompleted, JobStatusRetrying, JobStatusDeadLettered, JobStatusFailed},
	JobStatusRetrying: {JobStatusRunning, JobStatusDeadLettered},
	JobStatusFailed:   {JobStatusRunning, JobStatusDeadLettered},
}

// String implements fmt.Stringer.
func (s JobStatus) String() string {
	return string(s)
}

// IsValid reports whether the value matches the canonical job status set.
func (s JobStatus) IsValid() bool {
	for _, candidate := range validJobStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the job can no longer change status.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusDeadLettered
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, candidate := range jobTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// ParseJobStatus converts raw input into JobStatus.
func ParseJobStatus(value string) (JobStatus, error) {
	for _, candidate := range validJobStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid job status %q", value)
}
