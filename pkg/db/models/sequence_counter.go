package models

import "time"

// SequenceCounter holds the last issued value for a scope key.
type SequenceCounter struct {
	ScopeKey     string    `gorm:"column:scope_key;primaryKey"`
	CurrentValue int64     `gorm:"column:current_value;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null"`
}
