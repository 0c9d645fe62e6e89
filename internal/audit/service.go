package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"
	"gorm.io/gorm"

	"github.com/angelmondragon/jobcore/pkg/db"
	"github.com/angelmondragon/jobcore/pkg/db/models"
	pkgerrors "github.com/angelmondragon/jobcore/pkg/errors"
	"github.com/angelmondragon/jobcore/pkg/logger"
	"github.com/angelmondragon/jobcore/pkg/pagination"
)

const (
	defaultAppendAttempts  = 8
	defaultVerifyBatchSize = 500
)

// ErrChainAdvanced is returned by AppendTx when another appender linked to the
// same head first. The caller must retry its whole transaction.
var ErrChainAdvanced = pkgerrors.New(pkgerrors.CodeDependency, "audit chain advanced concurrently")

// Entry is the input of an append.
type Entry struct {
	ScopeType     string
	ScopeID       string
	ActorID       *string
	CorrelationID *string
	EventType     string
	Payload       any
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ServiceParams wires the audit service.
type ServiceParams struct {
	DB              txRunner
	Repository      *Repository
	Logger          *logger.Logger
	AppendAttempts  uint64
	VerifyBatchSize int
	Now             func() time.Time
}

// Service appends to and verifies the global audit hash chain. All entries
// form one chain ordered by id, so Verify walks exactly what Append linked.
type Service struct {
	db             txRunner
	repo           *Repository
	logg           *logger.Logger
	appendAttempts uint64
	batchSize      int
	now            func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("db required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("repository required")
	}
	if params.AppendAttempts == 0 {
		params.AppendAttempts = defaultAppendAttempts
	}
	if params.VerifyBatchSize <= 0 {
		params.VerifyBatchSize = defaultVerifyBatchSize
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	return &Service{
		db:             params.DB,
		repo:           params.Repository,
		logg:           params.Logger,
		appendAttempts: params.AppendAttempts,
		batchSize:      params.VerifyBatchSize,
		now:            params.Now,
	}, nil
}

// Append links entry to the chain in its own transaction, retrying when a
// concurrent appender wins the race for the head.
func (s *Service) Append(ctx context.Context, entry Entry) (*models.AuditLogEntry, error) {
	var appended *models.AuditLogEntry
	err := s.InTx(ctx, func(tx *gorm.DB) error {
		row, err := s.AppendTx(tx, entry)
		if err != nil {
			return err
		}
		appended = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appended, nil
}

// AppendTx links entry inside the caller's transaction so the audit row
// commits or rolls back together with the state change it records.
func (s *Service) AppendTx(tx *gorm.DB, entry Entry) (*models.AuditLogEntry, error) {
	if entry.ScopeType == "" || entry.ScopeID == "" || entry.EventType == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "scope_type, scope_id and event_type are required")
	}
	payload, err := Canonicalize(entry.Payload)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "payload is not canonical json")
	}

	prev, err := s.repo.headHash(tx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read audit head")
	}

	createdAt := canonicalTime(s.now())

	row := &models.AuditLogEntry{
		ScopeType:     entry.ScopeType,
		ScopeID:       entry.ScopeID,
		ActorID:       entry.ActorID,
		CorrelationID: entry.CorrelationID,
		EventType:     entry.EventType,
		Payload:       string(payload),
		PrevChainHash: prev,
		ChainHash:     ComputeChainHash(prev, payload),
		CreatedAt:     createdAt,
	}
	if err := s.repo.insert(tx, row); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, ErrChainAdvanced
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert audit entry")
	}
	return row, nil
}

// InTx runs fn in a transaction and restarts it while the audit head is
// contended. fn must be safe to run more than once.
func (s *Service) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.retryOnContention(ctx, func(ctx context.Context) error {
		return s.db.WithTx(ctx, fn)
	})
}

// IsContention reports whether err should restart an audited transaction.
func IsContention(err error) bool {
	return errors.Is(err, ErrChainAdvanced) || db.IsTransient(err)
}

func (s *Service) retryOnContention(ctx context.Context, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(s.appendAttempts, retry.WithJitterPercent(50, retry.WithCappedDuration(50*time.Millisecond, retry.NewExponential(2*time.Millisecond))))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			if IsContention(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
}

// Range bounds a verification walk by id, inclusive. Zero means open-ended.
type Range struct {
	FromID int64
	ToID   int64
}

// VerifyResult is Valid, or Tampered at the first entry that cannot be trusted.
type VerifyResult struct {
	Valid      bool   `json:"valid"`
	TamperedAt int64  `json:"tampered_at,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Checked    int    `json:"checked"`
	LastID     int64  `json:"last_id,omitempty"`
}

const (
	ReasonHashMismatch = "chain_hash_mismatch"
	ReasonLinkMismatch = "prev_chain_hash_mismatch"
)

// Err converts a tampered result into an integrity error.
func (r VerifyResult) Err() error {
	if r.Valid {
		return nil
	}
	return pkgerrors.New(pkgerrors.CodeIntegrity, "audit chain verification failed").
		WithDetails(map[string]any{"tampered_at": r.TamperedAt, "reason": r.Reason})
}

// Verify walks the chain in id order, recomputing each hash and checking each
// link. Rows are read in keyset batches.
func (s *Service) Verify(ctx context.Context, rng Range) (VerifyResult, error) {
	expectedPrev := GenesisHash
	var prevID int64
	afterID := int64(0)

	if rng.FromID > 1 {
		anchor, err := s.repo.entryBefore(ctx, rng.FromID)
		if err != nil {
			return VerifyResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load verification anchor")
		}
		if anchor != nil {
			expectedPrev = anchor.ChainHash
			prevID = anchor.ID
			afterID = anchor.ID
		}
	}

	result := VerifyResult{Valid: true}
	for {
		rows, err := s.repo.scanAfter(ctx, afterID, rng.ToID, s.batchSize)
		if err != nil {
			return VerifyResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "scan audit entries")
		}
		for i := range rows {
			row := rows[i]
			if ComputeChainHash(row.PrevChainHash, []byte(row.Payload)) != row.ChainHash {
				return s.tampered(ctx, result, row.ID, ReasonHashMismatch), nil
			}
			if row.PrevChainHash != expectedPrev {
				at := prevID
				if at == 0 {
					at = row.ID
				}
				return s.tampered(ctx, result, at, ReasonLinkMismatch), nil
			}
			expectedPrev = row.ChainHash
			prevID = row.ID
			result.Checked++
			result.LastID = row.ID
		}
		if len(rows) < s.batchSize {
			return result, nil
		}
		afterID = rows[len(rows)-1].ID
	}
}

func (s *Service) tampered(ctx context.Context, result VerifyResult, at int64, reason string) VerifyResult {
	result.Valid = false
	result.TamperedAt = at
	result.Reason = reason
	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{"tampered_at": at, "reason": reason})
		s.logg.Error(logCtx, "audit.chain_tampered", result.Err())
	}
	return result
}

// Page is one page of the administrative listing, newest first.
type Page struct {
	Entries    []models.AuditLogEntry `json:"entries"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

// Query lists entries for investigation. Pages are bounded by pagination.MaxLimit.
func (s *Service) Query(ctx context.Context, filter Filter, params pagination.Params) (Page, error) {
	w, err := params.Window()
	if err != nil {
		return Page{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	rows, err := s.repo.list(ctx, filter, w.After, w.Fetch)
	if err != nil {
		return Page{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list audit entries")
	}
	entries, next := pagination.Trim(rows, w, func(e models.AuditLogEntry) pagination.Cursor {
		return pagination.Cursor{CreatedAt: e.CreatedAt, ID: strconv.FormatInt(e.ID, 10)}
	})
	return Page{Entries: entries, NextCursor: next}, nil
}
