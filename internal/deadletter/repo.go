package deadletter

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/jobcore/pkg/db/models"
	"github.com/angelmondragon/jobcore/pkg/pagination"
)

// Repository exposes dead-letter record persistence.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) insert(tx *gorm.DB, record *models.DeadLetterRecord) error {
	return tx.Create(record).Error
}

func (r *Repository) findByJobID(ctx context.Context, jobID uuid.UUID) (*models.DeadLetterRecord, error) {
	var record models.DeadLetterRecord
	if err := r.db.WithContext(ctx).Where("original_job_id = ?", jobID).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *Repository) findByIDTx(tx *gorm.DB, id uuid.UUID) (*models.DeadLetterRecord, error) {
	var record models.DeadLetterRecord
	if err := tx.Where("id = ?", id).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// list returns records newest first using cursor pagination.
func (r *Repository) list(ctx context.Context, queueName string, cursor *pagination.Cursor, limit int) ([]models.DeadLetterRecord, error) {
	query := r.db.WithContext(ctx).Model(&models.DeadLetterRecord{})
	if queueName != "" {
		query = query.Where("queue_name = ?", queueName)
	}
	if cursor != nil {
		query = query.Where("(created_at < ?) OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	query = query.Order("created_at DESC").Order("id DESC").Limit(limit)

	var rows []models.DeadLetterRecord
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repository) expiredTx(tx *gorm.DB, cutoff time.Time, limit int) ([]models.DeadLetterRecord, error) {
	var rows []models.DeadLetterRecord
	err := tx.Where("created_at < ?", cutoff).
		Order("created_at ASC").Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *Repository) deleteTx(tx *gorm.DB, ids []uuid.UUID) (int64, error) {
	res := tx.Where("id IN ?", ids).Delete(&models.DeadLetterRecord{})
	return res.RowsAffected, res.Error
}
