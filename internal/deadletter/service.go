// Package deadletter stores the operator-visible record of every job that
// left the retry loop, and purges those records on request or by age.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/jobcore/internal/audit"
	"github.com/angelmondragon/jobcore/pkg/db"
	"github.com/angelmondragon/jobcore/pkg/db/models"
	"github.com/angelmondragon/jobcore/pkg/enums"
	pkgerrors "github.com/angelmondragon/jobcore/pkg/errors"
	"github.com/angelmondragon/jobcore/pkg/logger"
	"github.com/angelmondragon/jobcore/pkg/pagination"
)

const defaultPurgeBatch = 200

const (
	PurgeReasonOperator  = "operator"
	PurgeReasonRetention = "retention"
)

// Auditor runs audited transactions. *audit.Service satisfies it.
type Auditor interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	AppendTx(tx *gorm.DB, entry audit.Entry) (*models.AuditLogEntry, error)
}

type Service struct {
	repo    *Repository
	auditor Auditor
	logg    *logger.Logger
	now     func() time.Time
}

func NewService(repo *Repository, auditor Auditor, logg *logger.Logger) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository required")
	}
	if auditor == nil {
		return nil, fmt.Errorf("auditor required")
	}
	return &Service{repo: repo, auditor: auditor, logg: logg, now: time.Now}, nil
}

// InsertTx stores record in the caller's transaction. A second record for the
// same job is a CONFLICT.
func (s *Service) InsertTx(tx *gorm.DB, record *models.DeadLetterRecord) error {
	if record == nil || record.OriginalJobID == uuid.Nil || record.QueueName == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "original job id and queue name are required")
	}
	if !record.FailureReason.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid failure reason").
			WithDetails(map[string]any{"failure_reason": record.FailureReason})
	}
	if len(record.PayloadSnapshot) == 0 {
		record.PayloadSnapshot = []byte("{}")
	}
	if err := s.repo.insert(tx, record); err != nil {
		if db.IsUniqueViolation(err) {
			return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "job already dead-lettered").
				WithDetails(map[string]any{"job_id": record.OriginalJobID.String()})
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert dead letter record")
	}
	return nil
}

func (s *Service) FindByJobID(ctx context.Context, jobID uuid.UUID) (*models.DeadLetterRecord, error) {
	record, err := s.repo.findByJobID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "dead letter record not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load dead letter record")
	}
	return record, nil
}

type Page struct {
	Records    []models.DeadLetterRecord `json:"records"`
	NextCursor string                    `json:"next_cursor,omitempty"`
}

// List pages through records newest first, optionally for one queue.
func (s *Service) List(ctx context.Context, queueName string, params pagination.Params) (Page, error) {
	w, err := params.Window()
	if err != nil {
		return Page{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	rows, err := s.repo.list(ctx, queueName, w.After, w.Fetch)
	if err != nil {
		return Page{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list dead letter records")
	}
	records, next := pagination.Trim(rows, w, func(r models.DeadLetterRecord) pagination.Cursor {
		return pagination.Cursor{CreatedAt: r.CreatedAt, ID: r.ID.String()}
	})
	return Page{Records: records, NextCursor: next}, nil
}

// Delete removes one record on operator request and records who purged it.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, actorID *string) error {
	return s.auditor.InTx(ctx, func(tx *gorm.DB) error {
		record, err := s.repo.findByIDTx(tx, id)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "dead letter record not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load dead letter record")
		}
		if _, err := s.repo.deleteTx(tx, []uuid.UUID{record.ID}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete dead letter record")
		}
		return s.appendPurged(tx, *record, actorID, PurgeReasonOperator)
	})
}

// PurgeBefore deletes records created before cutoff in batches. Each deleted
// record gets a dead_letter_purged audit entry in the same transaction.
func (s *Service) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for {
		var deleted int64
		err := s.auditor.InTx(ctx, func(tx *gorm.DB) error {
			deleted = 0
			rows, err := s.repo.expiredTx(tx, cutoff.UTC(), defaultPurgeBatch)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "select expired dead letter records")
			}
			if len(rows) == 0 {
				return nil
			}
			ids := make([]uuid.UUID, 0, len(rows))
			for _, row := range rows {
				ids = append(ids, row.ID)
			}
			n, err := s.repo.deleteTx(tx, ids)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete dead letter records")
			}
			for _, row := range rows {
				if err := s.appendPurged(tx, row, nil, PurgeReasonRetention); err != nil {
					return err
				}
			}
			deleted = n
			return nil
		})
		if err != nil {
			return total, err
		}
		total += deleted
		if deleted < defaultPurgeBatch {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

func (s *Service) appendPurged(tx *gorm.DB, record models.DeadLetterRecord, actorID *string, reason string) error {
	_, err := s.auditor.AppendTx(tx, audit.Entry{
		ScopeType: string(enums.AuditScopeJob),
		ScopeID:   record.OriginalJobID.String(),
		ActorID:   actorID,
		EventType: string(enums.AuditDeadLetterPurged),
		Payload: map[string]any{
			"dead_letter_id":           record.ID.String(),
			"queue_name":               record.QueueName,
			"failure_reason":           string(record.FailureReason),
			"attempt_count_at_failure": record.AttemptCountAtFailure,
			"purge_reason":             reason,
		},
	})
	return err
}
