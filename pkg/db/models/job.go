package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/jobcore/pkg/enums"
)

// Job is one unit of work delivered through a primary queue.
type Job struct {
	ID             uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	QueueName      string          `gorm:"column:queue_name;not null;uniqueIndex:ux_jobs_queue_idempotency_key,priority:1;index:idx_jobs_status_created,priority:3"`
	Payload        datatypes.JSON  `gorm:"column:payload;not null"`
	AttemptCount   int             `gorm:"column:attempt_count;not null;default:0"`
	MaxAttempts    int             `gorm:"column:max_attempts;not null"`
	Status         enums.JobStatus `gorm:"column:status;type:varchar(32);not null;index:idx_jobs_status_created,priority:1"`
	IdempotencyKey *string         `gorm:"column:idempotency_key;uniqueIndex:ux_jobs_queue_idempotency_key,priority:2"`
	LastError      *string         `gorm:"column:last_error"`
	FirstFailedAt  *time.Time      `gorm:"column:first_failed_at"`
	LastFailedAt   *time.Time      `gorm:"column:last_failed_at"`
	CreatedAt      time.Time       `gorm:"column:created_at;not null;index:idx_jobs_status_created,priority:2"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;not null"`
}

func (j *Job) BeforeCreate(*gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}
