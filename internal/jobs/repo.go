package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/jobcore/pkg/db/models"
	"github.com/angelmondragon/jobcore/pkg/enums"
	pkgerrors "github.com/angelmondragon/jobcore/pkg/errors"
)

// Repository holds the job queries used by the coordinator. Every status
// change goes through updateStatusTx, which only matches the expected status
// and attempt.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// insertTx creates job. With an idempotency key the insert is skipped when the
// (queue_name, idempotency_key) pair exists; inserted reports which happened.
func (r *Repository) insertTx(tx *gorm.DB, job *models.Job) (inserted bool, err error) {
	if job.IdempotencyKey == nil {
		if err := tx.Create(job).Error; err != nil {
			return false, err
		}
		return true, nil
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "queue_name"}, {Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(job)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repository) findByIdempotencyKeyTx(tx *gorm.DB, queueName, key string) (*models.Job, error) {
	var job models.Job
	if err := tx.Where("queue_name = ? AND idempotency_key = ?", queueName, key).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *Repository) findByIDTx(tx *gorm.DB, id uuid.UUID) (*models.Job, error) {
	var job models.Job
	if err := tx.Where("id = ?", id).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// Get loads one job for read-only callers such as the admin surface.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := r.findByIDTx(r.db.WithContext(ctx), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "job not found").
				WithDetails(map[string]any{"job_id": id.String()})
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load job")
	}
	return job, nil
}

func (r *Repository) updateStatusTx(tx *gorm.DB, id uuid.UUID, from enums.JobStatus, attempt int, updates map[string]any) (bool, error) {
	res := tx.Model(&models.Job{}).
		Where("id = ? AND status = ? AND attempt_count = ?", id, from, attempt).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// stale returns undelivered jobs: queued jobs whose publish may have been lost
// and retrying jobs whose delayed copy never came back.
func (r *Repository) stale(ctx context.Context, before time.Time, limit int) ([]models.Job, error) {
	var rows []models.Job
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []enums.JobStatus{enums.JobStatusQueued, enums.JobStatusRetrying}, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *Repository) touch(ctx context.Context, job models.Job, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", job.ID, job.Status).
		Update("updated_at", now)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
