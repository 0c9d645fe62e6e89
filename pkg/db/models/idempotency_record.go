package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/jobcore/pkg/enums"
)

// IdempotencyRecord guards one (scope, key) pair. The unique index is the mutex.
type IdempotencyRecord struct {
	ID                     uuid.UUID               `gorm:"column:id;type:uuid;primaryKey"`
	Scope                  string                  `gorm:"column:scope;not null;uniqueIndex:ux_idempotency_scope_key,priority:1"`
	Key                    string                  `gorm:"column:key;not null;uniqueIndex:ux_idempotency_scope_key,priority:2"`
	LeaseToken             uuid.UUID               `gorm:"column:lease_token;type:uuid;not null"`
	RequestFingerprintHash string                  `gorm:"column:request_fingerprint_hash;type:char(64);not null"`
	Status                 enums.IdempotencyStatus `gorm:"column:status;type:varchar(16);not null"`
	ResponseStatus         *int                    `gorm:"column:response_status"`
	ResponseSnapshot       datatypes.JSON          `gorm:"column:response_snapshot"`
	CreatedAt              time.Time               `gorm:"column:created_at;not null"`
	UpdatedAt              time.Time               `gorm:"column:updated_at;not null"`
	ExpiresAt              time.Time               `gorm:"column:expires_at;not null;index"`
}

func (r *IdempotencyRecord) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
