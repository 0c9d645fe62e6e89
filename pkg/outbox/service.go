package outbox

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/jobcore/pkg/db/models"
	"github.com/angelmondragon/jobcore/pkg/enums"
	pkgerrors "github.com/angelmondragon/jobcore/pkg/errors"
	"github.com/angelmondragon/jobcore/pkg/logger"
)

const currentVersion = 1

// DomainEvent is what a state change hands to Emit. Data is marshalled into
// the envelope's data field.
type DomainEvent struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	AggregateID   string
	Actor         *ActorRef
	Data          any
	Version       int
	OccurredAt    time.Time
}

func (e DomainEvent) validate() error {
	switch {
	case !e.EventType.IsValid():
		return pkgerrors.New(pkgerrors.CodeValidation, "unknown outbox event type").
			WithDetails(map[string]any{"event_type": e.EventType})
	case !e.AggregateType.IsValid():
		return pkgerrors.New(pkgerrors.CodeValidation, "unknown outbox aggregate type").
			WithDetails(map[string]any{"aggregate_type": e.AggregateType})
	case strings.TrimSpace(e.AggregateID) == "":
		return pkgerrors.New(pkgerrors.CodeValidation, "aggregate id required")
	}
	return nil
}

type Service struct {
	repo *Repository
	logg *logger.Logger
	now  func() time.Time
}

func NewService(repo *Repository, logg *logger.Logger) *Service {
	return &Service{repo: repo, logg: logg, now: time.Now}
}

// Emit stores event inside tx so it is relayed only if tx commits. The row id
// doubles as the envelope's event id, which subscribers dedupe on.
func (s *Service) Emit(ctx context.Context, tx *gorm.DB, event DomainEvent) error {
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "outbox emit requires a transaction")
	}
	if err := event.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(event.Data)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode outbox event data")
	}
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = s.now()
	}
	occurred = occurred.UTC()
	version := event.Version
	if version == 0 {
		version = currentVersion
	}

	id := uuid.New()
	payload, err := json.Marshal(PayloadEnvelope{
		Version:    version,
		EventID:    id.String(),
		OccurredAt: occurred,
		Actor:      event.Actor,
		Data:       data,
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode outbox envelope")
	}
	if err := s.repo.Insert(tx, models.OutboxEvent{
		ID:            id,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       payload,
		CreatedAt:     occurred,
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert outbox event")
	}

	if s.logg != nil {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"event_id":       id.String(),
			"event_type":     event.EventType,
			"aggregate_type": event.AggregateType,
			"aggregate_id":   event.AggregateID,
		}), "outbox.event_queued")
	}
	return nil
}
