package webhooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/jobcore/internal/audit"
	"github.com/angelmondragon/jobcore/internal/retry"
	"github.com/angelmondragon/jobcore/pkg/db/models"
	"github.com/angelmondragon/jobcore/pkg/enums"
	pkgerrors "github.com/angelmondragon/jobcore/pkg/errors"
	"github.com/angelmondragon/jobcore/pkg/logger"
	"github.com/angelmondragon/jobcore/pkg/outbox"
	"github.com/angelmondragon/jobcore/pkg/outbox/payloads"
)

const (
	defaultLockTTL     = 2 * time.Minute
	defaultMaxAttempts = 8
	claimRounds        = 3
)

// ErrLockLost is returned by Release when the caller's lock token no longer
// owns the event, usually because the lock expired and another handler took it.
var ErrLockLost = pkgerrors.New(pkgerrors.CodeStateConflict, "webhook lock no longer held")

// ClaimOutcome is the result of a claim attempt.
type ClaimOutcome string

const (
	Claimed          ClaimOutcome = "claimed"
	AlreadyProcessed ClaimOutcome = "already_processed"
	Locked           ClaimOutcome = "locked"
)

// ClaimResult carries the lock token when Outcome is Claimed.
type ClaimResult struct {
	Outcome   ClaimOutcome
	LockToken string
}

// Auditor runs audited transactions. *audit.Service satisfies it.
type Auditor interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	AppendTx(tx *gorm.DB, entry audit.Entry) (*models.AuditLogEntry, error)
}

// Emitter queues lifecycle events in the caller's transaction. *outbox.Service satisfies it.
type Emitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type StoreParams struct {
	DB          *gorm.DB
	Auditor     Auditor
	Outbox      Emitter
	Policy      retry.Policy
	LockTTL     time.Duration
	MaxAttempts int
	Logger      *logger.Logger
	Now         func() time.Time
}

// Store deduplicates inbound webhook deliveries on event_id.
type Store struct {
	db          *gorm.DB
	auditor     Auditor
	outbox      Emitter
	policy      retry.Policy
	lockTTL     time.Duration
	maxAttempts int
	logg        *logger.Logger
	now         func() time.Time
}

func NewStore(params StoreParams) (*Store, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("db required")
	}
	if params.Auditor == nil {
		return nil, fmt.Errorf("auditor required")
	}
	if params.LockTTL <= 0 {
		params.LockTTL = defaultLockTTL
	}
	if params.MaxAttempts <= 0 {
		params.MaxAttempts = defaultMaxAttempts
	}
	if params.Policy.Base <= 0 || params.Policy.Cap <= 0 {
		params.Policy = retry.DefaultPolicy()
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	return &Store{
		db:          params.DB,
		auditor:     params.Auditor,
		outbox:      params.Outbox,
		policy:      params.Policy,
		lockTTL:     params.LockTTL,
		maxAttempts: params.MaxAttempts,
		logg:        params.Logger,
		now:         params.Now,
	}, nil
}

func (s *Store) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Claim takes the time-boxed processing lock for eventID. The first receipt
// inserts the row; later receipts take over a pending event only when its
// lock is free or expired.
func (s *Store) Claim(ctx context.Context, source, eventID, payloadHash string) (ClaimResult, error) {
	if source == "" || eventID == "" || len(payloadHash) != 64 {
		return ClaimResult{}, pkgerrors.New(pkgerrors.CodeValidation, "source, event id and a sha256 payload hash are required")
	}

	for round := 0; round < claimRounds; round++ {
		now := s.clock()
		token := uuid.NewString()
		expires := now.Add(s.lockTTL)
		event := models.WebhookEvent{
			EventID:          eventID,
			Source:           source,
			PayloadHash:      payloadHash,
			DeliveryAttempts: 1,
			Status:           enums.WebhookStatusPending,
			LockToken:        &token,
			LockExpiresAt:    &expires,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		res := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
			Create(&event)
		if res.Error != nil {
			return ClaimResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "insert webhook event")
		}
		if res.RowsAffected == 1 {
			return ClaimResult{Outcome: Claimed, LockToken: token}, nil
		}

		var existing models.WebhookEvent
		err := s.db.WithContext(ctx).Where("event_id = ?", eventID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return ClaimResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load webhook event")
		}
		if existing.PayloadHash != payloadHash {
			return ClaimResult{}, pkgerrors.New(pkgerrors.CodeIdempotency, "webhook event id reused with a different payload").
				WithDetails(map[string]any{"event_id": eventID, "source": source})
		}
		if existing.Status.IsFinal() {
			return ClaimResult{Outcome: AlreadyProcessed}, nil
		}
		if existing.LockToken != nil && existing.LockExpiresAt != nil && existing.LockExpiresAt.After(now) {
			return ClaimResult{Outcome: Locked}, nil
		}

		res = s.db.WithContext(ctx).Model(&models.WebhookEvent{}).
			Where("event_id = ? AND status = ? AND (lock_token IS NULL OR lock_expires_at <= ?)", eventID, enums.WebhookStatusPending, now).
			Updates(map[string]any{
				"lock_token":        token,
				"lock_expires_at":   expires,
				"delivery_attempts": gorm.Expr("delivery_attempts + 1"),
				"updated_at":        now,
			})
		if res.Error != nil {
			return ClaimResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "take over webhook lock")
		}
		if res.RowsAffected == 1 {
			return ClaimResult{Outcome: Claimed, LockToken: token}, nil
		}
	}
	return ClaimResult{Outcome: Locked}, nil
}

// Release ends the claim identified by lockToken. A nil procErr marks the
// event delivered; otherwise the next retry is scheduled with the shared
// backoff policy until the attempt budget is spent and the event fails.
func (s *Store) Release(ctx context.Context, eventID, lockToken string, procErr error) error {
	if eventID == "" || lockToken == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "event id and lock token are required")
	}

	return s.auditor.InTx(ctx, func(tx *gorm.DB) error {
		var event models.WebhookEvent
		err := tx.Where("event_id = ? AND lock_token = ? AND status = ?", eventID, lockToken, enums.WebhookStatusPending).
			Take(&event).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrLockLost
		}
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load claimed webhook event")
		}

		now := s.clock()
		updates := map[string]any{
			"lock_token":      nil,
			"lock_expires_at": nil,
			"updated_at":      now,
		}
		var auditEvent enums.AuditEventType
		switch {
		case procErr == nil:
			updates["status"] = enums.WebhookStatusDelivered
			updates["next_retry_at"] = nil
			updates["last_error"] = nil
			auditEvent = enums.AuditWebhookDelivered
		case event.DeliveryAttempts < s.maxAttempts:
			updates["next_retry_at"] = s.policy.NextAttemptTime(now, event.DeliveryAttempts).Truncate(time.Microsecond)
			updates["last_error"] = procErr.Error()
		default:
			updates["status"] = enums.WebhookStatusFailed
			updates["next_retry_at"] = nil
			updates["last_error"] = procErr.Error()
			auditEvent = enums.AuditWebhookFailed
		}

		res := tx.Model(&models.WebhookEvent{}).
			Where("event_id = ? AND lock_token = ? AND status = ?", eventID, lockToken, enums.WebhookStatusPending).
			Updates(updates)
		if res.Error != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "release webhook event")
		}
		if res.RowsAffected == 0 {
			return ErrLockLost
		}
		if auditEvent == "" {
			return nil
		}

		payload := map[string]any{
			"source":            event.Source,
			"payload_hash":      event.PayloadHash,
			"delivery_attempts": event.DeliveryAttempts,
		}
		if procErr != nil {
			payload["error"] = procErr.Error()
		}
		if _, err := s.auditor.AppendTx(tx, audit.Entry{
			ScopeType: string(enums.AuditScopeWebhook),
			ScopeID:   eventID,
			EventType: string(auditEvent),
			Payload:   payload,
		}); err != nil {
			return err
		}
		if auditEvent != enums.AuditWebhookFailed || s.outbox == nil {
			return nil
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventWebhookFailed,
			AggregateType: enums.AggregateWebhookEvent,
			AggregateID:   eventID,
			Data: payloads.WebhookFailedEvent{
				EventID:          eventID,
				Source:           event.Source,
				DeliveryAttempts: event.DeliveryAttempts,
				Error:            procErr.Error(),
			},
			OccurredAt: now,
		})
	})
}

// Get loads one event by id.
func (s *Store) Get(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "webhook event not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load webhook event")
	}
	return &event, nil
}

// ListDue returns pending events whose scheduled retry time has passed and
// whose lock is free, oldest first.
func (s *Store) ListDue(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	now := s.clock()
	var events []models.WebhookEvent
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", enums.WebhookStatusPending, now).
		Where("(lock_token IS NULL OR lock_expires_at <= ?)", now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list due webhook events")
	}
	return events, nil
}
