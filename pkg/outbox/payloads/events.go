package payloads

import (
	"encoding/json"

	"github.com/angelmondragon/jobcore/pkg/enums"
)

// JobTransitionEvent is published for every job status change.
type JobTransitionEvent struct {
	JobID        string          `json:"job_id"`
	QueueName    string          `json:"queue_name"`
	From         enums.JobStatus `json:"from,omitempty"`
	To           enums.JobStatus `json:"to"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	RetryDelayMS int64           `json:"retry_delay_ms,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Kind         string          `json:"kind,omitempty"`
	Error        string          `json:"error,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// WebhookFailedEvent is published when an inbound event exhausts its delivery attempts.
type WebhookFailedEvent struct {
	EventID          string `json:"event_id"`
	Source           string `json:"source"`
	DeliveryAttempts int    `json:"delivery_attempts"`
	Error            string `json:"error"`
}
