package models

import "time"

// AuditLogEntry is one link of the global audit hash chain. Rows are append-only.
type AuditLogEntry struct {
	ID            int64     `gorm:"column:id;primaryKey;autoIncrement"`
	ScopeType     string    `gorm:"column:scope_type;not null;index:idx_audit_scope,priority:1"`
	ScopeID       string    `gorm:"column:scope_id;not null;index:idx_audit_scope,priority:2"`
	ActorID       *string   `gorm:"column:actor_id"`
	CorrelationID *string   `gorm:"column:correlation_id;index"`
	EventType     string    `gorm:"column:event_type;not null"`
	Payload       string    `gorm:"column:payload;type:text;not null"`
	PrevChainHash string    `gorm:"column:prev_chain_hash;type:char(64);not null;uniqueIndex"`
	ChainHash     string    `gorm:"column:chain_hash;type:char(64);not null;uniqueIndex"`
	CreatedAt     time.Time `gorm:"column:created_at;not null;index:idx_audit_created"`
}
