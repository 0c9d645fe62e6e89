package enums

// IdempotencyStatus maps to idempotency_records.status.
type IdempotencyStatus string

const (
	IdempotencyStatusInProgress IdempotencyStatus = "in_progress"
	IdempotencyStatusCompleted  IdempotencyStatus = "completed"
)

// String implements fmt.Stringer.
func (s IdempotencyStatus) String() string {
	return string(s)
}

// WebhookStatus maps to webhook_events.status.
type WebhookStatus string

const (
	WebhookStatusPending   WebhookStatus = "pending"
	WebhookStatusDelivered WebhookStatus = "delivered"
	WebhookStatusFailed    WebhookStatus = "failed"
)

// String implements fmt.Stringer.
func (s WebhookStatus) String() string {
	return string(s)
}

// IsFinal reports whether no further delivery attempt will be made.
func (s WebhookStatus) IsFinal() bool {
	return s == WebhookStatusDelivered || s == WebhookStatusFailed
}
