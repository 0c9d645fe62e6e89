package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOutboxPruner struct {
	published      []int64
	terminal       []int64
	publishedCut   time.Time
	terminalCut    time.Time
	publishedCalls int
	terminalCalls  int
	err            error
}

func (f *fakeOutboxPruner) DeletePublishedBefore(_ context.Context, cutoff time.Time, _ int) (int64, error) {
	f.publishedCut = cutoff
	n := f.published[f.publishedCalls]
	f.publishedCalls++
	return n, f.err
}

func (f *fakeOutboxPruner) DeleteTerminalBefore(_ context.Context, cutoff time.Time, _ int) (int64, error) {
	f.terminalCut = cutoff
	n := f.terminal[f.terminalCalls]
	f.terminalCalls++
	return n, nil
}

func newOutboxRetention(t *testing.T, pruner *fakeOutboxPruner, params OutboxRetentionJobParams) *outboxRetentionJob {
	t.Helper()
	params.Logger = testLogger()
	params.Outbox = pruner
	job, err := NewOutboxRetentionJob(params)
	require.NoError(t, err)
	return job.(*outboxRetentionJob)
}

func TestOutboxRetentionDrainsBothWindows(t *testing.T) {
	pruner := &fakeOutboxPruner{published: []int64{2, 2, 0}, terminal: []int64{1}}
	job := newOutboxRetention(t, pruner, OutboxRetentionJobParams{
		Retention:         7 * 24 * time.Hour,
		TerminalRetention: 30 * 24 * time.Hour,
		BatchSize:         2,
	})
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 3, pruner.publishedCalls)
	assert.Equal(t, 1, pruner.terminalCalls)
	assert.Equal(t, now.Add(-7*24*time.Hour), pruner.publishedCut)
	assert.Equal(t, now.Add(-30*24*time.Hour), pruner.terminalCut)
}

func TestOutboxRetentionKeepsTerminalRowsAtLeastAsLong(t *testing.T) {
	job := newOutboxRetention(t, &fakeOutboxPruner{}, OutboxRetentionJobParams{
		Retention:         60 * 24 * time.Hour,
		TerminalRetention: 24 * time.Hour,
	})
	assert.Equal(t, 60*24*time.Hour, job.keepDead)
	assert.Equal(t, defaultOutboxDeleteBatch, job.batch)
}

func TestOutboxRetentionStopsOnError(t *testing.T) {
	pruner := &fakeOutboxPruner{published: []int64{0}, err: errors.New("boom")}
	job := newOutboxRetention(t, pruner, OutboxRetentionJobParams{})

	require.Error(t, job.Run(context.Background()))
	assert.Zero(t, pruner.terminalCalls)
}
