package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/jobcore/internal/audit"
	"github.com/angelmondragon/jobcore/pkg/db/models"
	"github.com/angelmondragon/jobcore/pkg/enums"
	pkgerrors "github.com/angelmondragon/jobcore/pkg/errors"
	"github.com/angelmondragon/jobcore/pkg/logger"
)

const (
	defaultTTL           = 24 * time.Hour
	defaultInProgressTTL = 5 * time.Minute
	defaultPollInterval  = 100 * time.Millisecond
	defaultAwaitTimeout  = 10 * time.Second
	reserveRounds        = 3

	leaseHeld = "scope = ? AND key = ? AND lease_token = ? AND status = ?"
)

// Auditor records key reuse. *audit.Service satisfies it.
type Auditor interface {
	Append(ctx context.Context, entry audit.Entry) (*models.AuditLogEntry, error)
}

// OutcomeRecorder counts reservation outcomes.
type OutcomeRecorder interface {
	ObserveIdempotencyOutcome(outcome string)
}

type GuardParams struct {
	DB            *gorm.DB
	TTL           time.Duration
	InProgressTTL time.Duration
	PollInterval  time.Duration
	AwaitTimeout  time.Duration
	Auditor       Auditor
	Metrics       OutcomeRecorder
	Logger        *logger.Logger
	Now           func() time.Time
}

// Guard stores idempotency records. The (scope, key) unique index is the only
// mutual exclusion; no explicit lock is taken.
type Guard struct {
	db            *gorm.DB
	ttl           time.Duration
	inProgressTTL time.Duration
	pollInterval  time.Duration
	awaitTimeout  time.Duration
	auditor       Auditor
	metrics       OutcomeRecorder
	logg          *logger.Logger
	now           func() time.Time
}

func NewGuard(params GuardParams) (*Guard, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("db required")
	}
	if params.TTL <= 0 {
		params.TTL = defaultTTL
	}
	if params.InProgressTTL <= 0 {
		params.InProgressTTL = defaultInProgressTTL
	}
	if params.PollInterval <= 0 {
		params.PollInterval = defaultPollInterval
	}
	if params.AwaitTimeout <= 0 {
		params.AwaitTimeout = defaultAwaitTimeout
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	return &Guard{
		db:            params.DB,
		ttl:           params.TTL,
		inProgressTTL: params.InProgressTTL,
		pollInterval:  params.PollInterval,
		awaitTimeout:  params.AwaitTimeout,
		auditor:       params.Auditor,
		metrics:       params.Metrics,
		logg:          params.Logger,
		now:           params.Now,
	}, nil
}

func (g *Guard) clock() time.Time {
	return g.now().UTC().Truncate(time.Microsecond)
}

// Reserve claims (scope, key) for the caller. Exactly one concurrent caller
// observes OutcomeReserved; the others see Replay or Conflict.
func (g *Guard) Reserve(ctx context.Context, scope, key, fingerprint string) (Result, error) {
	if scope == "" || key == "" || fingerprint == "" {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "scope, key and fingerprint are required")
	}

	for round := 0; round < reserveRounds; round++ {
		now := g.clock()
		token := uuid.New()
		record := models.IdempotencyRecord{
			Scope:                  scope,
			Key:                    key,
			LeaseToken:             token,
			RequestFingerprintHash: fingerprint,
			Status:                 enums.IdempotencyStatusInProgress,
			CreatedAt:              now,
			UpdatedAt:              now,
			ExpiresAt:              now.Add(g.inProgressTTL),
		}
		res := g.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "scope"}, {Name: "key"}}, DoNothing: true}).
			Create(&record)
		if res.Error != nil {
			return Result{}, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "insert idempotency record")
		}
		if res.RowsAffected == 1 {
			return g.observe(reserved(scope, key, token)), nil
		}

		var existing models.IdempotencyRecord
		err := g.db.WithContext(ctx).Where("scope = ? AND key = ?", scope, key).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return Result{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load idempotency record")
		}

		if !existing.ExpiresAt.After(now) {
			taken, err := g.takeOver(ctx, existing.ID, token, fingerprint, now)
			if err != nil {
				return Result{}, err
			}
			if taken {
				return g.observe(reserved(scope, key, token)), nil
			}
			continue
		}

		if existing.RequestFingerprintHash != fingerprint {
			g.recordReuse(ctx, scope, key)
			return g.observe(Result{Outcome: OutcomeConflict, Reason: ConflictFingerprintMismatch}), nil
		}
		if existing.Status == enums.IdempotencyStatusCompleted {
			resp, err := decodeResponse(existing.ResponseSnapshot)
			if err != nil {
				return Result{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode stored response")
			}
			return g.observe(Result{Outcome: OutcomeReplay, Response: resp}), nil
		}
		return g.observe(Result{Outcome: OutcomeConflict, Reason: ConflictInProgress}), nil
	}

	return g.observe(Result{Outcome: OutcomeConflict, Reason: ConflictInProgress}), nil
}

func reserved(scope, key string, token uuid.UUID) Result {
	return Result{Outcome: OutcomeReserved, Reservation: Reservation{Scope: scope, Key: key, Token: token}}
}

// takeOver reuses an expired record under a fresh lease token. The expires_at
// predicate makes it a compare-and-swap: only one of several racing callers
// moves the lease, and the previous holder's token stops matching.
func (g *Guard) takeOver(ctx context.Context, id any, token uuid.UUID, fingerprint string, now time.Time) (bool, error) {
	res := g.db.WithContext(ctx).Model(&models.IdempotencyRecord{}).
		Where("id = ? AND expires_at <= ?", id, now).
		Updates(map[string]any{
			"lease_token":              token,
			"request_fingerprint_hash": fingerprint,
			"status":                   enums.IdempotencyStatusInProgress,
			"response_status":          nil,
			"response_snapshot":        nil,
			"created_at":               now,
			"updated_at":               now,
			"expires_at":               now.Add(g.inProgressTTL),
		})
	if res.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "take over expired idempotency record")
	}
	return res.RowsAffected == 1, nil
}

// Complete stores resp for replay and starts the TTL. It only succeeds while
// res still holds the lease; a holder whose lease was taken over gets NOT_FOUND.
func (g *Guard) Complete(ctx context.Context, res Reservation, resp Response) error {
	return g.CompleteTx(g.db.WithContext(ctx), res, resp)
}

// CompleteTx is Complete inside the transaction that performed the side effect.
func (g *Guard) CompleteTx(tx *gorm.DB, res Reservation, resp Response) error {
	if !res.Valid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "reservation required")
	}
	snapshot, err := json.Marshal(resp)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode response snapshot")
	}
	now := g.clock()
	update := tx.Model(&models.IdempotencyRecord{}).
		Where(leaseHeld, res.Scope, res.Key, res.Token, enums.IdempotencyStatusInProgress).
		Updates(map[string]any{
			"status":            enums.IdempotencyStatusCompleted,
			"response_status":   resp.Status,
			"response_snapshot": datatypes.JSON(snapshot),
			"updated_at":        now,
			"expires_at":        now.Add(g.ttl),
		})
	if update.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, update.Error, "complete idempotency record")
	}
	if update.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, "no in-progress reservation for idempotency key")
	}
	return nil
}

// Release drops an in-progress reservation after the guarded action failed
// without effect, so the client may retry with the same key. A lease that was
// already taken over is left alone.
func (g *Guard) Release(ctx context.Context, res Reservation) error {
	if !res.Valid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "reservation required")
	}
	err := g.db.WithContext(ctx).
		Where(leaseHeld, res.Scope, res.Key, res.Token, enums.IdempotencyStatusInProgress).
		Delete(&models.IdempotencyRecord{}).Error
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "release idempotency record")
	}
	return nil
}

// Await reserves, polling while another attempt holds the key, so a duplicate
// request observes the original outcome once it completes.
func (g *Guard) Await(ctx context.Context, scope, key, fingerprint string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.awaitTimeout)
	defer cancel()

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for {
		result, err := g.Reserve(ctx, scope, key, fingerprint)
		if err != nil || !result.Processing() {
			return result, err
		}
		select {
		case <-ctx.Done():
			return result, nil
		case <-ticker.C:
		}
	}
}

// PurgeExpired deletes up to limit records whose TTL has passed.
func (g *Guard) PurgeExpired(ctx context.Context, before time.Time, limit int) (int64, error) {
	sub := g.db.Model(&models.IdempotencyRecord{}).Select("id").Where("expires_at < ?", before.UTC()).Limit(limit)
	res := g.db.WithContext(ctx).Where("id IN (?)", sub).Delete(&models.IdempotencyRecord{})
	if res.Error != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "purge expired idempotency records")
	}
	return res.RowsAffected, nil
}

func (g *Guard) observe(result Result) Result {
	if g.metrics != nil {
		label := string(result.Outcome)
		if result.Outcome == OutcomeConflict {
			label += ":" + string(result.Reason)
		}
		g.metrics.ObserveIdempotencyOutcome(label)
	}
	return result
}

func (g *Guard) recordReuse(ctx context.Context, scope, key string) {
	if g.auditor == nil {
		return
	}
	_, err := g.auditor.Append(ctx, audit.Entry{
		ScopeType: string(enums.AuditScopeIdempotency),
		ScopeID:   scope,
		EventType: string(enums.AuditIdempotencyKeyReused),
		Payload:   map[string]any{"key": key},
	})
	if err != nil && g.logg != nil {
		g.logg.Error(g.logg.WithField(ctx, "scope", scope), "idempotency.audit_append_failed", err)
	}
}

func decodeResponse(snapshot datatypes.JSON) (*Response, error) {
	if len(snapshot) == 0 {
		return &Response{}, nil
	}
	var resp Response
	if err := json.Unmarshal(snapshot, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Fingerprint hashes request parts into the 64-hex form stored with a record.
// Parts are length-prefixed so ("ab","c") and ("a","bc") differ.
func Fingerprint(parts ...[]byte) string {
	h := sha256.New()
	var size [8]byte
	for _, part := range parts {
		binary.BigEndian.PutUint64(size[:], uint64(len(part)))
		h.Write(size[:])
		h.Write(part)
	}
	return hex.EncodeToString(h.Sum(nil))
}
