//go:build !integration && !e2e

package repository

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/smartroute-go/internal/database"
	"github.com/user/smartroute-go/internal/models"
)

func newTestRepo(t *testing.T) *RequestLogRepository {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.RunMigrations(db))
	return NewRequestLogRepository(db, zap.NewNop())
}

func logEntry(id string, receivedAt time.Time, mutate func(*models.RequestLogEntry)) *models.RequestLogEntry {
	e := &models.RequestLogEntry{
		ID:               id,
		ReceivedAt:       receivedAt,
		Tier:             models.TierT2,
		Model:            "groq/llama-3.1-70b",
		DurationMs:       123.45,
		Status:           models.LogStatusSuccess,
		RetryCount:       0,
		PromptPreview:    "what is the capital of france",
		RequestBody:      `{"messages":[]}`,
		ResponseBody:     `{"choices":[]}`,
		Trace:            "[]",
		PromptTokens:     10,
		CompletionTokens: 5,
		TokenSource:      models.TokensUpstream,
	}
	if mutate != nil {
		mutate(e)
	}
	return e
}

func TestInsertAndGetByID(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	received := time.Date(2026, 8, 20, 10, 30, 0, 0, time.UTC)
	require.NoError(t, repo.Insert(ctx, logEntry("req-1", received, nil)))

	got, err := repo.GetByID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.ID)
	assert.Equal(t, models.TierT2, got.Tier)
	assert.Equal(t, "groq/llama-3.1-70b", got.Model)
	assert.Equal(t, 123.45, got.DurationMs)
	assert.Equal(t, models.TokensUpstream, got.TokenSource)
	assert.True(t, got.ReceivedAt.Equal(received), "received_at survives the roundtrip")
}

func TestGetByIDNotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestListFiltersAndPaginates(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		e := logEntry(fmt.Sprintf("req-%d", i), base.Add(time.Duration(i)*time.Minute), func(e *models.RequestLogEntry) {
			if i%2 == 0 {
				e.Status = models.LogStatusError
				e.Tier = models.TierT1
			}
		})
		require.NoError(t, repo.Insert(ctx, e))
	}

	// Unfiltered, newest first.
	entries, total, err := repo.List(ctx, LogFilter{}, 50, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	require.Len(t, entries, 5)
	assert.Equal(t, "req-4", entries[0].ID)

	// Status filter.
	entries, total, err = repo.List(ctx, LogFilter{Status: models.LogStatusError}, 50, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	for _, e := range entries {
		assert.Equal(t, models.LogStatusError, e.Status)
	}

	// Tier filter.
	_, total, err = repo.List(ctx, LogFilter{Tier: "t2"}, 50, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)

	// Model substring filter.
	_, total, err = repo.List(ctx, LogFilter{Model: "llama"}, 50, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)

	// Time window.
	start := base.Add(1 * time.Minute)
	end := base.Add(3 * time.Minute)
	_, total, err = repo.List(ctx, LogFilter{StartTime: &start, EndTime: &end}, 50, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)

	// Pagination keeps the total while trimming the page.
	entries, total, err = repo.List(ctx, LogFilter{}, 2, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	require.Len(t, entries, 2)
	assert.Equal(t, "req-2", entries[0].ID)
}

func TestPrune(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Insert(ctx, logEntry("old", base.AddDate(0, 0, -10), nil)))
	require.NoError(t, repo.Insert(ctx, logEntry("recent", base, nil)))

	deleted, err := repo.Prune(ctx, base.AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	_, err = repo.GetByID(ctx, "old")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	_, err = repo.GetByID(ctx, "recent")
	assert.NoError(t, err)
}

func TestExportCSV(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Insert(ctx, logEntry("req-1", base, nil)))
	require.NoError(t, repo.Insert(ctx, logEntry("req-2", base.Add(time.Minute), nil)))

	var buf bytes.Buffer
	require.NoError(t, repo.ExportCSV(ctx, LogFilter{}, &buf))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3, "header plus two rows")
	assert.Equal(t, "id", records[0][0])
	assert.Equal(t, "token_source", records[0][len(records[0])-1])
	assert.Equal(t, "req-2", records[1][0], "newest first")
	assert.Equal(t, "123.45", records[1][4])
}

func TestGetDashboardStats(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	// Yesterday's entry is excluded from today's aggregates.
	require.NoError(t, repo.Insert(ctx, logEntry("old", now.AddDate(0, 0, -1), nil)))

	require.NoError(t, repo.Insert(ctx, logEntry("a", now, func(e *models.RequestLogEntry) {
		e.Tier = models.TierT1
		e.DurationMs = 100
	})))
	require.NoError(t, repo.Insert(ctx, logEntry("b", now.Add(time.Minute), func(e *models.RequestLogEntry) {
		e.Status = models.LogStatusError
		e.DurationMs = 300
	})))

	stats, err := repo.GetDashboardStats(ctx, now)
	require.NoError(t, err)

	assert.EqualValues(t, 2, stats.TodayRequests)
	assert.Equal(t, 200.0, stats.AvgDurationMs)
	assert.Equal(t, 50.0, stats.ErrorRate)
	assert.EqualValues(t, 1, stats.TierDistribution["t1"])
	assert.EqualValues(t, 1, stats.TierDistribution["t2"])
	assert.Len(t, stats.RecentDurations, 3, "duration trend spans all logs")
}

func TestParseFlexibleTime(t *testing.T) {
	want := time.Date(2026, 8, 20, 10, 30, 0, 0, time.UTC)
	for _, s := range []string{
		"2026-08-20 10:30:00",
		"2026-08-20T10:30:00Z",
		"2026-08-20T10:30:00",
	} {
		assert.True(t, parseFlexibleTime(s).Equal(want), s)
	}
	assert.True(t, parseFlexibleTime("garbage").IsZero())
}
