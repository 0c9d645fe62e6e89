package models

import (
	"time"

	"github.com/angelmondragon/jobcore/pkg/enums"
)

// WebhookEvent records one externally identified inbound delivery.
type WebhookEvent struct {
	EventID          string              `gorm:"column:event_id;primaryKey"`
	Source           string              `gorm:"column:source;not null"`
	PayloadHash      string              `gorm:"column:payload_hash;type:char(64);not null"`
	DeliveryAttempts int                 `gorm:"column:delivery_attempts;not null;default:0"`
	NextRetryAt      *time.Time          `gorm:"column:next_retry_at;index"`
	Status           enums.WebhookStatus `gorm:"column:status;type:varchar(16);not null"`
	LockToken        *string             `gorm:"column:lock_token"`
	LockExpiresAt    *time.Time          `gorm:"column:lock_expires_at"`
	LastError        *string             `gorm:"column:last_error"`
	CreatedAt        time.Time           `gorm:"column:created_at;not null"`
	UpdatedAt        time.Time           `gorm:"column:updated_at;not null"`
}
