package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/jobcore/pkg/db"
	"github.com/angelmondragon/jobcore/pkg/db/dbtest"
	"github.com/angelmondragon/jobcore/pkg/db/models"
	"github.com/angelmondragon/jobcore/pkg/enums"
	pkgerrors "github.com/angelmondragon/jobcore/pkg/errors"
)

func newTestOutbox(t *testing.T) (*Service, *Repository, *db.Client) {
	t.Helper()
	client := dbtest.Open(t, &models.OutboxEvent{})
	repo := NewRepository(client.DB())
	return NewService(repo, nil), repo, client
}

func TestEmitWritesEnvelopeInTransaction(t *testing.T) {
	svc, repo, client := newTestOutbox(t)
	ctx := context.Background()

	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		return svc.Emit(ctx, tx, DomainEvent{
			EventType:     enums.EventJobSubmitted,
			AggregateType: enums.AggregateJob,
			AggregateID:   "job-1",
			Actor:         &ActorRef{ActorID: "user-7"},
			Data:          map[string]any{"queue_name": "simulation"},
		})
	})
	require.NoError(t, err)

	rows, err := repo.ListByAggregate(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	var envelope PayloadEnvelope
	require.NoError(t, json.Unmarshal(rows[0].Payload, &envelope))
	assert.Equal(t, 1, envelope.Version)
	assert.Equal(t, rows[0].ID.String(), envelope.EventID)
	assert.Equal(t, "user-7", envelope.Actor.ActorID)
	assert.JSONEq(t, `{"queue_name":"simulation"}`, string(envelope.Data))
}

func TestEmitRolledBackWithTransaction(t *testing.T) {
	svc, repo, client := newTestOutbox(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		if err := svc.Emit(ctx, tx, DomainEvent{
			EventType:     enums.EventJobStarted,
			AggregateType: enums.AggregateJob,
			AggregateID:   "job-2",
			Data:          map[string]any{},
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	rows, err := repo.ListByAggregate(ctx, "job-2")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestEmitValidation(t *testing.T) {
	svc, _, client := newTestOutbox(t)
	ctx := context.Background()
	valid := DomainEvent{
		EventType:     enums.EventJobStarted,
		AggregateType: enums.AggregateJob,
		AggregateID:   "job-3",
	}

	err := svc.Emit(ctx, nil, valid)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInternal))

	cases := map[string]func(*DomainEvent){
		"event type":     func(e *DomainEvent) { e.EventType = "job_exploded" },
		"aggregate type": func(e *DomainEvent) { e.AggregateType = "invoice" },
		"aggregate id":   func(e *DomainEvent) { e.AggregateID = "  " },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			event := valid
			mutate(&event)
			err := client.WithTx(ctx, func(tx *gorm.DB) error {
				return svc.Emit(ctx, tx, event)
			})
			assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)
		})
	}
}

func TestRepositoryPublishLifecycle(t *testing.T) {
	svc, repo, client := newTestOutbox(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		id := id
		require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
			return svc.Emit(ctx, tx, DomainEvent{
				EventType:     enums.EventJobCompleted,
				AggregateType: enums.AggregateJob,
				AggregateID:   id,
				Data:          map[string]any{"job_id": id},
			})
		}))
	}

	var fetched []models.OutboxEvent
	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := repo.FetchUnpublishedForPublish(tx, 10, 3)
		fetched = rows
		return err
	}))
	require.Len(t, fetched, 3)

	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		if err := repo.MarkPublishedTx(tx, fetched[0].ID); err != nil {
			return err
		}
		if err := repo.MarkFailedTx(tx, fetched[1].ID, errors.New("unavailable")); err != nil {
			return err
		}
		return repo.MarkTerminalTx(tx, fetched[2].ID, errors.New("bad payload"), 3)
	}))

	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := repo.FetchUnpublishedForPublish(tx, 10, 3)
		fetched = rows
		return err
	}))
	require.Len(t, fetched, 1)
	assert.Equal(t, 1, fetched[0].AttemptCount)
	require.NotNil(t, fetched[0].LastError)
	assert.Equal(t, "unavailable", *fetched[0].LastError)

	cutoff := time.Now().UTC().Add(time.Hour)
	published, err := repo.DeletePublishedBefore(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), published)
	terminal, err := repo.DeleteTerminalBefore(ctx, time.Now().UTC().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, terminal)
	terminal, err = repo.DeleteTerminalBefore(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), terminal)

	remaining, err := repo.ListByAggregate(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}
