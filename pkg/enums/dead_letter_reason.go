package enums

import "fmt"

// DeadLetterReason explains why a job left the retry loop.
type DeadLetterReason string

const (
	DeadLetterReasonMaxAttempts DeadLetterReason = "max_attempts_exceeded"
	DeadLetterReasonPermanent   DeadLetterReason = "permanent_error"
	DeadLetterReasonCancelled   DeadLetterReason = "cancelled"
)

var validDeadLetterReasons = []DeadLetterReason{
	DeadLetterReasonMaxAttempts,
	DeadLetterReasonPermanent,
	DeadLetterReasonCancelled,
}

// String implements fmt.Stringer.
func (r DeadLetterReason) String() string {
	return string(r)
}

// IsValid reports whether the value matches the dead_letter_records.failure_reason check.
func (r DeadLetterReason) IsValid() bool {
	for _, candidate := range validDeadLetterReasons {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParseDeadLetterReason converts raw input into DeadLetterReason.
func ParseDeadLetterReason(value string) (DeadLetterReason, error) {
	for _, candidate := range validDeadLetterReasons {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid dead letter reason %q", value)
}
