package sequence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/jobcore/pkg/db/dbtest"
	"github.com/angelmondragon/jobcore/pkg/db/models"
	pkgerrors "github.com/angelmondragon/jobcore/pkg/errors"
)

func newGenerator(t *testing.T) *Generator {
	t.Helper()
	client := dbtest.Open(t, &models.SequenceCounter{})
	gen, err := NewGenerator(GeneratorParams{DB: client})
	require.NoError(t, err)
	return gen
}

func TestNextStartsAtOneAndIncrements(t *testing.T) {
	gen := newGenerator(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		v, err := gen.Next(ctx, "invoice:2025-01")
		require.NoError(t, err)
		assert.Equal(t, want, v.Value)
		assert.Equal(t, "invoice:2025-01", v.ScopeKey)
	}
}

func TestConcurrentNextIssuesDistinctValues(t *testing.T) {
	gen := newGenerator(t)
	ctx := context.Background()

	const callers = 100
	values := make(chan int64, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := gen.Next(ctx, "invoice:2025-02")
			if assert.NoError(t, err) {
				values <- v.Value
			}
		}()
	}
	wg.Wait()
	close(values)

	seen := map[int64]bool{}
	for v := range values {
		assert.False(t, seen[v], "value %d issued twice", v)
		seen[v] = true
	}
	require.Len(t, seen, callers)
	for i := int64(1); i <= callers; i++ {
		assert.True(t, seen[i], "missing value %d", i)
	}
}

func TestScopesAreIndependent(t *testing.T) {
	gen := newGenerator(t)
	ctx := context.Background()

	a1, err := gen.Next(ctx, "a")
	require.NoError(t, err)
	b1, err := gen.Next(ctx, "b")
	require.NoError(t, err)
	a2, err := gen.Next(ctx, "a")
	require.NoError(t, err)

	assert.Equal(t, int64(1), a1.Value)
	assert.Equal(t, int64(1), b1.Value)
	assert.Equal(t, int64(2), a2.Value)
}

func TestNextRejectsEmptyScope(t *testing.T) {
	gen := newGenerator(t)
	_, err := gen.Next(context.Background(), "  ")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestMonthlyScope(t *testing.T) {
	ts := time.Date(2025, 12, 31, 23, 30, 0, 0, time.FixedZone("UTC-5", -5*3600))
	assert.Equal(t, "invoice:2026-01", MonthlyScope("invoice", ts))
}

func TestLockKeyIsStable(t *testing.T) {
	assert.Equal(t, lockKey("invoice:2025-01"), lockKey("invoice:2025-01"))
	assert.NotEqual(t, lockKey("invoice:2025-01"), lockKey("invoice:2025-02"))
}
