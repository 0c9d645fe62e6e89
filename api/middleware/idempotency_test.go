package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/jobcore/api/responses"
	"github.com/angelmondragon/jobcore/internal/idempotency"
	"github.com/angelmondragon/jobcore/pkg/db/dbtest"
	"github.com/angelmondragon/jobcore/pkg/db/models"
	pkgerrors "github.com/angelmondragon/jobcore/pkg/errors"
)

type licenseAssignment struct {
	ID        uint   `gorm:"primaryKey"`
	LicenseID string `gorm:"not null"`
	UserID    string `gorm:"not null"`
	CreatedAt time.Time
}

type outcomeCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *outcomeCounter) ObserveIdempotencyOutcome(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[outcome]++
}

type assignFixture struct {
	db      *gorm.DB
	router  http.Handler
	outcome *outcomeCounter
	calls   int
	fail    bool
}

func newAssignFixture(t *testing.T) *assignFixture {
	t.Helper()
	client := dbtest.Open(t, &models.IdempotencyRecord{}, &licenseAssignment{})
	f := &assignFixture{db: client.DB(), outcome: &outcomeCounter{}}

	guard, err := idempotency.NewGuard(idempotency.GuardParams{
		DB:           client.DB(),
		PollInterval: 5 * time.Millisecond,
		AwaitTimeout: time.Second,
		Metrics:      f.outcome,
	})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(Actor(nil))
	r.With(Idempotency(guard, nil)).Post("/licenses/{licenseId}/assignments", f.assign)
	r.With(Idempotency(guard, nil)).Get("/licenses/{licenseId}/assignments", func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccess(w, []string{})
	})
	f.router = r
	return f
}

// assign stamps each response with a call counter and a timestamp so a
// replay can only match if it was served from the stored snapshot.
func (f *assignFixture) assign(w http.ResponseWriter, r *http.Request) {
	f.calls++
	if f.fail {
		responses.WriteError(r.Context(), nil, w, pkgerrors.New(pkgerrors.CodeDependency, "license store unavailable"))
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		responses.WriteError(r.Context(), nil, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode body"))
		return
	}
	row := licenseAssignment{LicenseID: chi.URLParam(r, "licenseId"), UserID: req.UserID}
	if err := f.db.Create(&row).Error; err != nil {
		responses.WriteError(r.Context(), nil, w, err)
		return
	}
	responses.WriteSuccessStatus(w, http.StatusCreated, map[string]any{
		"assignment_id": row.ID,
		"call":          f.calls,
		"issued_at":     time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (f *assignFixture) post(t *testing.T, key, actor, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/licenses/LIC-7/assignments", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(idempotencyKeyHeader, key)
	}
	if actor != "" {
		req.Header.Set(actorIDHeader, actor)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *assignFixture) rows(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&licenseAssignment{}).Count(&n).Error)
	return n
}

func TestDuplicateLicenseAssignmentReplaysOriginalResponse(t *testing.T) {
	f := newAssignFixture(t)
	body := `{"user_id":"user-42"}`

	first := f.post(t, "assign-1", "op-1", body)
	second := f.post(t, "assign-1", "op-1", body)

	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.Empty(t, first.Header().Get(replayedHeader))
	assert.Equal(t, "true", second.Header().Get(replayedHeader))

	assert.Equal(t, int64(1), f.rows(t))
	assert.Equal(t, 1, f.calls)
	assert.Equal(t, 1, f.outcome.counts["reserved"])
	assert.Equal(t, 1, f.outcome.counts["replay"])
}

func TestIdempotencyKeyReusedWithDifferentBody(t *testing.T) {
	f := newAssignFixture(t)

	first := f.post(t, "assign-1", "op-1", `{"user_id":"user-42"}`)
	require.Equal(t, http.StatusCreated, first.Code)

	reused := f.post(t, "assign-1", "op-1", `{"user_id":"user-99"}`)
	require.Equal(t, http.StatusConflict, reused.Code)

	var env responses.ErrorEnvelope
	require.NoError(t, json.Unmarshal(reused.Body.Bytes(), &env))
	assert.Equal(t, string(pkgerrors.CodeIdempotency), env.Error.Code)
	assert.Equal(t, int64(1), f.rows(t))
}

func TestIdempotencyKeysAreScopedPerActor(t *testing.T) {
	f := newAssignFixture(t)
	body := `{"user_id":"user-42"}`

	require.Equal(t, http.StatusCreated, f.post(t, "assign-1", "op-1", body).Code)
	require.Equal(t, http.StatusCreated, f.post(t, "assign-1", "op-2", body).Code)

	assert.Equal(t, int64(2), f.rows(t))
	assert.Equal(t, 2, f.calls)
}

func TestServerErrorReleasesKey(t *testing.T) {
	f := newAssignFixture(t)
	body := `{"user_id":"user-42"}`

	f.fail = true
	failed := f.post(t, "assign-1", "op-1", body)
	require.Equal(t, http.StatusServiceUnavailable, failed.Code)

	f.fail = false
	retried := f.post(t, "assign-1", "op-1", body)
	require.Equal(t, http.StatusCreated, retried.Code)
	assert.Empty(t, retried.Header().Get(replayedHeader))
	assert.Equal(t, int64(1), f.rows(t))
	assert.Equal(t, 2, f.calls)
}

func TestMissingIdempotencyKeyRejected(t *testing.T) {
	f := newAssignFixture(t)

	rec := f.post(t, "", "op-1", `{"user_id":"user-42"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, f.calls)
	assert.Equal(t, int64(0), f.rows(t))
}

func TestReadsBypassGuard(t *testing.T) {
	f := newAssignFixture(t)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/licenses/LIC-7/assignments", nil)
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, fmt.Sprintf("request %d", i))
	}
	assert.Empty(t, f.outcome.counts)
}
