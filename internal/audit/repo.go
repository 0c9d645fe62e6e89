package audit

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/jobcore/pkg/db/models"
	"github.com/angelmondragon/jobcore/pkg/pagination"
)

// Repository reads and appends audit rows. It never updates or deletes.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// headHash returns the chain hash of the newest entry, or GenesisHash.
func (r *Repository) headHash(tx *gorm.DB) (string, error) {
	var head models.AuditLogEntry
	err := tx.Select("id", "chain_hash").Order("id DESC").Limit(1).Take(&head).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return GenesisHash, nil
	}
	if err != nil {
		return "", err
	}
	return head.ChainHash, nil
}

func (r *Repository) insert(tx *gorm.DB, entry *models.AuditLogEntry) error {
	return tx.Create(entry).Error
}

// entryBefore returns the newest entry with id < id, or nil.
func (r *Repository) entryBefore(ctx context.Context, id int64) (*models.AuditLogEntry, error) {
	var row models.AuditLogEntry
	err := r.db.WithContext(ctx).Where("id < ?", id).Order("id DESC").Limit(1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// scanAfter returns up to limit entries with afterID < id <= toID in id order.
// toID <= 0 means unbounded.
func (r *Repository) scanAfter(ctx context.Context, afterID, toID int64, limit int) ([]models.AuditLogEntry, error) {
	query := r.db.WithContext(ctx).Where("id > ?", afterID)
	if toID > 0 {
		query = query.Where("id <= ?", toID)
	}
	var rows []models.AuditLogEntry
	err := query.Order("id ASC").Limit(limit).Find(&rows).Error
	return rows, err
}

// Filter narrows the administrative listing. Zero values are ignored.
type Filter struct {
	ScopeType     string
	ScopeID       string
	EventType     string
	CorrelationID string
	From          *time.Time
	To            *time.Time
	// PayloadEquals matches dotted payload paths ("job.queue") against values.
	PayloadEquals map[string]string
}

func (r *Repository) list(ctx context.Context, filter Filter, cursor *pagination.Cursor, limit int) ([]models.AuditLogEntry, error) {
	query := r.db.WithContext(ctx).Model(&models.AuditLogEntry{})
	if filter.ScopeType != "" {
		query = query.Where("scope_type = ?", filter.ScopeType)
	}
	if filter.ScopeID != "" {
		query = query.Where("scope_id = ?", filter.ScopeID)
	}
	if filter.EventType != "" {
		query = query.Where("event_type = ?", filter.EventType)
	}
	if filter.CorrelationID != "" {
		query = query.Where("correlation_id = ?", filter.CorrelationID)
	}
	if filter.From != nil {
		query = query.Where("created_at >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		query = query.Where("created_at < ?", filter.To.UTC())
	}
	column := payloadQueryColumn(r.db)
	for path, value := range filter.PayloadEquals {
		keys := strings.Split(path, ".")
		query = query.Where(datatypes.JSONQuery(column).Equals(jsonScalar(value), keys...))
	}
	if cursor != nil {
		id, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return nil, err
		}
		query = query.Where("id < ?", id)
	}

	var rows []models.AuditLogEntry
	err := query.Order("id DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// payloadQueryColumn picks the GIN-indexed jsonb projection on Postgres and the
// canonical text column elsewhere.
func payloadQueryColumn(db *gorm.DB) string {
	if db.Dialector.Name() == "postgres" {
		return "payload_doc"
	}
	return "payload"
}

// jsonScalar turns a query-string value into the JSON scalar it most likely
// names so numeric and boolean payload fields compare by value.
func jsonScalar(value string) any {
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return value
}
