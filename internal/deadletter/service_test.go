package deadletter

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/jobcore/internal/audit"
	"github.com/angelmondragon/jobcore/pkg/db"
	"github.com/angelmondragon/jobcore/pkg/db/dbtest"
	"github.com/angelmondragon/jobcore/pkg/db/models"
	"github.com/angelmondragon/jobcore/pkg/enums"
	pkgerrors "github.com/angelmondragon/jobcore/pkg/errors"
	"github.com/angelmondragon/jobcore/pkg/pagination"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *audit.Service, *db.Client) {
	t.Helper()
	client := dbtest.Open(t, &models.DeadLetterRecord{}, &models.AuditLogEntry{})
	auditSvc, err := audit.NewService(audit.ServiceParams{
		DB:         client,
		Repository: audit.NewRepository(client.DB()),
	})
	require.NoError(t, err)
	svc, err := NewService(NewRepository(client.DB()), auditSvc, nil)
	require.NoError(t, err)
	return svc, auditSvc, client
}

func record(queue string, createdAt time.Time) *models.DeadLetterRecord {
	return &models.DeadLetterRecord{
		OriginalJobID:         uuid.New(),
		QueueName:             queue,
		FailureReason:         enums.DeadLetterReasonMaxAttempts,
		ErrorMessage:          "mesh solver timed out",
		AttemptCountAtFailure: 3,
		FirstFailedAt:         createdAt.Add(-time.Minute),
		LastFailedAt:          createdAt,
		PayloadSnapshot:       datatypes.JSON(`{"part":"bracket"}`),
		CreatedAt:             createdAt,
	}
}

func insert(t *testing.T, svc *Service, client *db.Client, rec *models.DeadLetterRecord) {
	t.Helper()
	require.NoError(t, client.WithTx(context.Background(), func(tx *gorm.DB) error {
		return svc.InsertTx(tx, rec)
	}))
}

func TestInsertTxIsUniquePerJob(t *testing.T) {
	svc, _, client := newTestService(t)
	rec := record("simulation", base)
	insert(t, svc, client, rec)

	dup := record("simulation", base)
	dup.OriginalJobID = rec.OriginalJobID
	err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
		return svc.InsertTx(tx, dup)
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict))

	found, err := svc.FindByJobID(context.Background(), rec.OriginalJobID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, found.ID)
	assert.Equal(t, 3, found.AttemptCountAtFailure)
}

func TestInsertTxValidatesReason(t *testing.T) {
	svc, _, client := newTestService(t)
	rec := record("simulation", base)
	rec.FailureReason = "exploded"
	err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
		return svc.InsertTx(tx, rec)
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestFindByJobIDNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.FindByJobID(context.Background(), uuid.New())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestListPagesNewestFirstByQueue(t *testing.T) {
	svc, _, client := newTestService(t)
	for i := 0; i < 5; i++ {
		insert(t, svc, client, record("cad_generation", base.Add(time.Duration(i)*time.Minute)))
	}
	insert(t, svc, client, record("simulation", base))

	first, err := svc.List(context.Background(), "cad_generation", pagination.Params{Limit: 3})
	require.NoError(t, err)
	require.Len(t, first.Records, 3)
	require.NotEmpty(t, first.NextCursor)
	assert.True(t, first.Records[0].CreatedAt.After(first.Records[2].CreatedAt))

	second, err := svc.List(context.Background(), "cad_generation", pagination.Params{Limit: 3, Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Len(t, second.Records, 2)
	assert.Empty(t, second.NextCursor)
	for _, r := range append(first.Records, second.Records...) {
		assert.Equal(t, "cad_generation", r.QueueName)
	}
}

func TestDeleteAppendsPurgeEntry(t *testing.T) {
	svc, auditSvc, client := newTestService(t)
	rec := record("simulation", base)
	insert(t, svc, client, rec)

	actor := "operator-7"
	require.NoError(t, svc.Delete(context.Background(), rec.ID, &actor))

	_, err := svc.FindByJobID(context.Background(), rec.OriginalJobID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	var entries []models.AuditLogEntry
	require.NoError(t, client.DB().Where("scope_id = ?", rec.OriginalJobID.String()).Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.Equal(t, string(enums.AuditDeadLetterPurged), entries[0].EventType)
	require.NotNil(t, entries[0].ActorID)
	assert.Equal(t, actor, *entries[0].ActorID)
	assert.Contains(t, entries[0].Payload, `"purge_reason":"operator"`)

	err = svc.Delete(context.Background(), rec.ID, &actor)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	result, err := auditSvc.Verify(context.Background(), audit.Range{})
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestPurgeBeforeRemovesOnlyExpired(t *testing.T) {
	svc, _, client := newTestService(t)
	old := record("simulation", base.Add(-48*time.Hour))
	fresh := record("simulation", base)
	insert(t, svc, client, old)
	insert(t, svc, client, fresh)

	n, err := svc.PurgeBefore(context.Background(), base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = svc.FindByJobID(context.Background(), old.OriginalJobID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
	_, err = svc.FindByJobID(context.Background(), fresh.OriginalJobID)
	require.NoError(t, err)

	var purged int64
	require.NoError(t, client.DB().Model(&models.AuditLogEntry{}).
		Where("event_type = ?", enums.AuditDeadLetterPurged).Count(&purged).Error)
	assert.Equal(t, int64(1), purged)
}
