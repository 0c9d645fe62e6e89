package enums

import "fmt"

// AuditScopeType names the kind of entity an audit entry is about.
type AuditScopeType string

const (
	AuditScopeJob         AuditScopeType = "job"
	AuditScopeIdempotency AuditScopeType = "idempotency"
	AuditScopeWebhook     AuditScopeType = "webhook"
)

// AuditEventType names the transition recorded in the audit chain.
type AuditEventType string

const (
	AuditJobSubmitted         AuditEventType = "job_submitted"
	AuditJobStarted           AuditEventType = "job_started"
	AuditJobRetried           AuditEventType = "job_retried"
	AuditJobFailed            AuditEventType = "job_failed"
	AuditJobDeadLettered      AuditEventType = "job_dead_lettered"
	AuditJobCompleted         AuditEventType = "job_completed"
	AuditIdempotencyKeyReused AuditEventType = "idempotency_key_reused"
	AuditWebhookDelivered     AuditEventType = "webhook_delivered"
	AuditWebhookFailed        AuditEventType = "webhook_failed"
	AuditDeadLetterPurged     AuditEventType = "dead_letter_purged"
)

var validAuditEventTypes = []AuditEventType{
	AuditJobSubmitted,
	AuditJobStarted,
	AuditJobRetried,
	AuditJobFailed,
	AuditJobDeadLettered,
	AuditJobCompleted,
	AuditIdempotencyKeyReused,
	AuditWebhookDelivered,
	AuditWebhookFailed,
	AuditDeadLetterPurged,
}

// String implements fmt.Stringer.
func (e AuditEventType) String() string {
	return string(e)
}

// IsValid reports whether the value is a known audit event type.
func (e AuditEventType) IsValid() bool {
	for _, candidate := range validAuditEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseAuditEventType converts raw input into AuditEventType.
func ParseAuditEventType(value string) (AuditEventType, error) {
	for _, candidate := range validAuditEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid audit event type %q", value)
}

// AuditEventForStatus returns the audit event recorded when a job enters status.
func AuditEventForStatus(status JobStatus) (AuditEventType, bool) {
	switch status {
	case JobStatusQueued:
		return AuditJobSubmitted, true
	case JobStatusRunning:
		return AuditJobStarted, true
	case JobStatusRetrying:
		return AuditJobRetried, true
	case JobStatusFailed:
		return AuditJobFailed, true
	case JobStatusDeadLettered:
		return AuditJobDeadLettered, true
	case JobStatusCompleted:
		return AuditJobCompleted, true
	}
	return "", false
}
