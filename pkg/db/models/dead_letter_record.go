package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/jobcore/pkg/enums"
)

// DeadLetterRecord is the operator-visible trace of a job that left the retry loop.
type DeadLetterRecord struct {
	ID                    uuid.UUID              `gorm:"column:id;type:uuid;primaryKey"`
	OriginalJobID         uuid.UUID              `gorm:"column:original_job_id;type:uuid;not null;uniqueIndex"`
	QueueName             string                 `gorm:"column:queue_name;not null;index:idx_dead_letter_records_queue_created,priority:1"`
	FailureReason         enums.DeadLetterReason `gorm:"column:failure_reason;type:varchar(32);not null"`
	ErrorMessage          string                 `gorm:"column:error_message;not null"`
	AttemptCountAtFailure int                    `gorm:"column:attempt_count_at_failure;not null"`
	FirstFailedAt         time.Time              `gorm:"column:first_failed_at;not null"`
	LastFailedAt          time.Time              `gorm:"column:last_failed_at;not null"`
	PayloadSnapshot       datatypes.JSON         `gorm:"column:payload_snapshot;not null"`
	CreatedAt             time.Time              `gorm:"column:created_at;not null;index:idx_dead_letter_records_queue_created,priority:2"`
}

func (r *DeadLetterRecord) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
