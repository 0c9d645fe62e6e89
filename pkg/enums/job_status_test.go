package enums

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		legal    bool
	}{
		{JobStatusQueued, JobStatusRunning, true},
		{JobStatusQueued, JobStatusCompleted, false},
		{JobStatusRunning, JobStatusRetrying, true},
		{JobStatusRetrying, JobStatusRunning, true},
		{JobStatusFailed, JobStatusRunning, true},
		{JobStatusCompleted, JobStatusRunning, false},
		{JobStatusDeadLettered, JobStatusQueued, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.legal, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestJobStatusTerminal(t *testing.T) {
	assert.True(t, JobStatusCompleted.IsTerminal())
	assert.True(t, JobStatusDeadLettered.IsTerminal())
	assert.False(t, JobStatusFailed.IsTerminal())
	assert.False(t, JobStatusRetrying.IsTerminal())
}

func TestParseJobStatus(t *testing.T) {
	got, err := ParseJobStatus("retrying")
	require.NoError(t, err)
	assert.Equal(t, JobStatusRetrying, got)

	_, err = ParseJobStatus("paused")
	require.Error(t, err)
}

func TestEveryEnteredStatusHasAuditAndOutboxEvent(t *testing.T) {
	for _, status := range validJobStatuses {
		auditEvent, ok := AuditEventForStatus(status)
		require.True(t, ok, status)
		assert.True(t, auditEvent.IsValid(), status)

		outboxEvent, ok := OutboxEventForStatus(status)
		require.True(t, ok, status)
		assert.True(t, outboxEvent.IsValid(), status)
	}
}

func TestDeadLetterReasonParse(t *testing.T) {
	got, err := ParseDeadLetterReason("max_attempts_exceeded")
	require.NoError(t, err)
	assert.Equal(t, DeadLetterReasonMaxAttempts, got)
	assert.False(t, DeadLetterReason("timeout").IsValid())
}
