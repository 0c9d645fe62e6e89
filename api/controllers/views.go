package controllers

import (
	"encoding/json"
	"time"

	"github.com/angelmondragon/jobcore/pkg/db/models"
)

type jobView struct {
	ID             string          `json:"id"`
	QueueName      string          `json:"queue_name"`
	Status         string          `json:"status"`
	Payload        json.RawMessage `json:"payload"`
	AttemptCount   int             `json:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	FirstFailedAt  *time.Time      `json:"first_failed_at,omitempty"`
	LastFailedAt   *time.Time      `json:"last_failed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func newJobView(job *models.Job) jobView {
	return jobView{
		ID:             job.ID.String(),
		QueueName:      job.QueueName,
		Status:         string(job.Status),
		Payload:        rawJSON(job.Payload),
		AttemptCount:   job.AttemptCount,
		MaxAttempts:    job.MaxAttempts,
		IdempotencyKey: job.IdempotencyKey,
		LastError:      job.LastError,
		FirstFailedAt:  job.FirstFailedAt,
		LastFailedAt:   job.LastFailedAt,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	}
}

type auditEntryView struct {
	ID            int64           `json:"id"`
	ScopeType     string          `json:"scope_type"`
	ScopeID       string          `json:"scope_id"`
	ActorID       *string         `json:"actor_id,omitempty"`
	CorrelationID *string         `json:"correlation_id,omitempty"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PrevChainHash string          `json:"prev_chain_hash"`
	ChainHash     string          `json:"chain_hash"`
	CreatedAt     time.Time       `json:"created_at"`
}

func newAuditEntryViews(rows []models.AuditLogEntry) []auditEntryView {
	out := make([]auditEntryView, 0, len(rows))
	for _, row := range rows {
		out = append(out, auditEntryView{
			ID:            row.ID,
			ScopeType:     row.ScopeType,
			ScopeID:       row.ScopeID,
			ActorID:       row.ActorID,
			CorrelationID: row.CorrelationID,
			EventType:     row.EventType,
			Payload:       rawJSON([]byte(row.Payload)),
			PrevChainHash: row.PrevChainHash,
			ChainHash:     row.ChainHash,
			CreatedAt:     row.CreatedAt,
		})
	}
	return out
}

type deadLetterView struct {
	ID                    string          `json:"id"`
	OriginalJobID         string          `json:"original_job_id"`
	QueueName             string          `json:"queue_name"`
	FailureReason         string          `json:"failure_reason"`
	ErrorMessage          string          `json:"error_message"`
	AttemptCountAtFailure int             `json:"attempt_count_at_failure"`
	FirstFailedAt         time.Time       `json:"first_failed_at"`
	LastFailedAt          time.Time       `json:"last_failed_at"`
	PayloadSnapshot       json.RawMessage `json:"payload_snapshot"`
	CreatedAt             time.Time       `json:"created_at"`
}

func newDeadLetterViews(rows []models.DeadLetterRecord) []deadLetterView {
	out := make([]deadLetterView, 0, len(rows))
	for _, row := range rows {
		out = append(out, deadLetterView{
			ID:                    row.ID.String(),
			OriginalJobID:         row.OriginalJobID.String(),
			QueueName:             row.QueueName,
			FailureReason:         string(row.FailureReason),
			ErrorMessage:          row.ErrorMessage,
			AttemptCountAtFailure: row.AttemptCountAtFailure,
			FirstFailedAt:         row.FirstFailedAt,
			LastFailedAt:          row.LastFailedAt,
			PayloadSnapshot:       rawJSON(row.PayloadSnapshot),
			CreatedAt:             row.CreatedAt,
		})
	}
	return out
}

type pageView[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(b)
}
