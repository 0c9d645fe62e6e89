package enums

import "fmt"

// OutboxAggregateType maps to outbox_events.aggregate_type.
type OutboxAggregateType string

const (
	AggregateJob          OutboxAggregateType = "job"
	AggregateWebhookEvent OutboxAggregateType = "webhook_event"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateJob,
	AggregateWebhookEvent,
}

// IsValid reports whether the value matches the canonical aggregate type set.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType maps to outbox_events.event_type.
type OutboxEventType string

const (
	EventJobSubmitted    OutboxEventType = "job_submitted"
	EventJobStarted      OutboxEventType = "job_started"
	EventJobRetried      OutboxEventType = "job_retried"
	EventJobFailed       OutboxEventType = "job_failed"
	EventJobDeadLettered OutboxEventType = "job_dead_lettered"
	EventJobCompleted    OutboxEventType = "job_completed"
	EventWebhookFailed   OutboxEventType = "webhook_failed"
)

var validOutboxEventTypes = []OutboxEventType{
	EventJobSubmitted,
	EventJobStarted,
	EventJobRetried,
	EventJobFailed,
	EventJobDeadLettered,
	EventJobCompleted,
	EventWebhookFailed,
}

// IsValid reports whether the value matches the canonical event type set.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}

// OutboxEventForStatus maps a job status to the lifecycle event emitted on entry.
func OutboxEventForStatus(status JobStatus) (OutboxEventType, bool) {
	switch status {
	case JobStatusQueued:
		return EventJobSubmitted, true
	case JobStatusRunning:
		return EventJobStarted, true
	case JobStatusRetrying:
		return EventJobRetried, true
	case JobStatusFailed:
		return EventJobFailed, true
	case JobStatusDeadLettered:
		return EventJobDeadLettered, true
	case JobStatusCompleted:
		return EventJobCompleted, true
	}
	return "", false
}
