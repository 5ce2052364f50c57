// Package repository provides data access for the request-log store.
package repository

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/user/smartroute-go/internal/models"
)

const sqliteTimeLayout = "2006-01-02 15:04:05"

// LogFilter narrows List and export queries.
type LogFilter struct {
	Tier      string
	Status    string
	Model     string // substring match
	StartTime *time.Time
	EndTime   *time.Time
}

// RequestLogRepository implements request-log data access on SQLite.
type RequestLogRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRequestLogRepository creates a new RequestLogRepository.
func NewRequestLogRepository(db *sql.DB, logger *zap.Logger) *RequestLogRepository {
	return &RequestLogRepository{db: db, logger: logger}
}

// Insert stores a terminal request record.
func (r *RequestLogRepository) Insert(ctx context.Context, e *models.RequestLogEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO request_logs (
			id, received_at, tier, model, duration_ms, status, retry_count,
			prompt_preview, request_body, response_body, trace, stack_trace,
			prompt_tokens, completion_tokens, token_source
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ReceivedAt.UTC().Format(sqliteTimeLayout), string(e.Tier), e.Model,
		e.DurationMs, e.Status, e.RetryCount,
		e.PromptPreview, e.RequestBody, e.ResponseBody, e.Trace, e.StackTrace,
		e.PromptTokens, e.CompletionTokens, string(e.TokenSource))
	if err != nil {
		return fmt.Errorf("failed to insert request log: %w", err)
	}
	return nil
}

// List retrieves request logs with filtering and pagination, newest first.
func (r *RequestLogRepository) List(ctx context.Context, f LogFilter, limit, offset int) ([]*models.RequestLogEntry, int64, error) {
	whereSQL, params := buildLogWhere(f)

	var total int64
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM request_logs WHERE %s`, whereSQL)
	if err := r.db.QueryRowContext(ctx, countQuery, params...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count logs: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, received_at, tier, model, duration_ms, status, retry_count,
			prompt_preview, request_body, response_body, trace, stack_trace,
			prompt_tokens, completion_tokens, token_source
		FROM request_logs
		WHERE %s
		ORDER BY received_at DESC
		LIMIT ? OFFSET ?
	`, whereSQL)

	params = append(params, limit, offset)
	rows, err := r.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	entries := make([]*models.RequestLogEntry, 0)
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// GetByID retrieves a single request log.
func (r *RequestLogRepository) GetByID(ctx context.Context, id string) (*models.RequestLogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, received_at, tier, model, duration_ms, status, retry_count,
			prompt_preview, request_body, response_body, trace, stack_trace,
			prompt_tokens, completion_tokens, token_source
		FROM request_logs WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query log by id: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, sql.ErrNoRows
	}
	return scanLogEntry(rows)
}

// ExportCSV streams matching logs as CSV to w, newest first.
func (r *RequestLogRepository) ExportCSV(ctx context.Context, f LogFilter, w io.Writer) error {
	whereSQL, params := buildLogWhere(f)

	query := fmt.Sprintf(`
		SELECT id, received_at, tier, model, duration_ms, status, retry_count,
			prompt_preview, prompt_tokens, completion_tokens, token_source
		FROM request_logs
		WHERE %s
		ORDER BY received_at DESC
	`, whereSQL)

	rows, err := r.db.QueryContext(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("failed to query logs for export: %w", err)
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"id", "received_at", "tier", "model", "duration_ms", "status",
		"retry_count", "prompt_preview", "prompt_tokens", "completion_tokens", "token_source",
	}); err != nil {
		return err
	}

	for rows.Next() {
		var id, receivedAt, tier, model, status, preview, tokenSource string
		var durationMs float64
		var retryCount, promptTokens, completionTokens int
		if err := rows.Scan(&id, &receivedAt, &tier, &model, &durationMs, &status,
			&retryCount, &preview, &promptTokens, &completionTokens, &tokenSource); err != nil {
			return fmt.Errorf("failed to scan log for export: %w", err)
		}
		if err := cw.Write([]string{
			id, receivedAt, tier, model,
			strconv.FormatFloat(durationMs, 'f', 2, 64), status,
			strconv.Itoa(retryCount), preview,
			strconv.Itoa(promptTokens), strconv.Itoa(completionTokens), tokenSource,
		}); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// Prune deletes logs received before cutoff and returns the count.
func (r *RequestLogRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM request_logs WHERE received_at < ?`,
		cutoff.UTC().Format(sqliteTimeLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to prune logs: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if deleted > 0 {
		r.logger.Info("pruned request logs",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff))
	}
	return deleted, nil
}

// DashboardStats contains aggregated dashboard statistics.
type DashboardStats struct {
	TodayRequests    int64            `json:"today_requests"`
	AvgDurationMs    float64          `json:"avg_duration_ms"`
	ErrorRate        float64          `json:"error_rate"`
	TierDistribution map[string]int64 `json:"tier_distribution"`
	RecentDurations  []float64        `json:"recent_durations"`
}

// GetDashboardStats aggregates today's totals, the error rate, the tier
// distribution and the last 50 request durations.
func (r *RequestLogRepository) GetDashboardStats(ctx context.Context, now time.Time) (*DashboardStats, error) {
	stats := &DashboardStats{
		TierDistribution: make(map[string]int64),
		RecentDurations:  make([]float64, 0, 50),
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	since := dayStart.Format(sqliteTimeLayout)

	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(AVG(duration_ms), 0),
			CASE WHEN COUNT(*) > 0
				THEN SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END) * 100.0 / COUNT(*)
				ELSE 0
			END
		FROM request_logs WHERE received_at >= ?`, since,
	).Scan(&stats.TodayRequests, &stats.AvgDurationMs, &stats.ErrorRate); err != nil {
		return nil, fmt.Errorf("failed to get overall statistics: %w", err)
	}
	stats.AvgDurationMs = roundToPlaces(stats.AvgDurationMs, 2)
	stats.ErrorRate = roundToPlaces(stats.ErrorRate, 2)

	rows, err := r.db.QueryContext(ctx, `
		SELECT tier, COUNT(*) FROM request_logs
		WHERE received_at >= ? AND tier != ''
		GROUP BY tier`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get tier distribution: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tier string
		var count int64
		if err := rows.Scan(&tier, &count); err != nil {
			return nil, fmt.Errorf("failed to scan tier distribution: %w", err)
		}
		stats.TierDistribution[tier] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	trendRows, err := r.db.QueryContext(ctx, `
		SELECT duration_ms FROM request_logs
		ORDER BY received_at DESC LIMIT 50`)
	if err != nil {
		return nil, fmt.Errorf("failed to get duration trend: %w", err)
	}
	defer trendRows.Close()
	for trendRows.Next() {
		var d float64
		if err := trendRows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan duration trend: %w", err)
		}
		stats.RecentDurations = append(stats.RecentDurations, d)
	}
	return stats, trendRows.Err()
}

func buildLogWhere(f LogFilter) (string, []any) {
	conditions := []string{"1=1"}
	var params []any

	if f.Tier != "" {
		conditions = append(conditions, "tier = ?")
		params = append(params, f.Tier)
	}
	if f.Status != "" {
		conditions = append(conditions, "status = ?")
		params = append(params, f.Status)
	}
	if f.Model != "" {
		conditions = append(conditions, "model LIKE ?")
		params = append(params, "%"+f.Model+"%")
	}
	if f.StartTime != nil {
		conditions = append(conditions, "received_at >= ?")
		params = append(params, f.StartTime.UTC().Format(sqliteTimeLayout))
	}
	if f.EndTime != nil {
		conditions = append(conditions, "received_at <= ?")
		params = append(params, f.EndTime.UTC().Format(sqliteTimeLayout))
	}

	return strings.Join(conditions, " AND "), params
}

func scanLogEntry(rows *sql.Rows) (*models.RequestLogEntry, error) {
	var e models.RequestLogEntry
	var receivedAt, tier, tokenSource string

	if err := rows.Scan(
		&e.ID, &receivedAt, &tier, &e.Model, &e.DurationMs, &e.Status,
		&e.RetryCount, &e.PromptPreview, &e.RequestBody, &e.ResponseBody,
		&e.Trace, &e.StackTrace, &e.PromptTokens, &e.CompletionTokens,
		&tokenSource,
	); err != nil {
		return nil, fmt.Errorf("failed to scan log: %w", err)
	}

	e.ReceivedAt = parseFlexibleTime(receivedAt)
	e.Tier = models.Tier(tier)
	e.TokenSource = models.TokenSource(tokenSource)
	return &e, nil
}

// parseFlexibleTime tries the time formats commonly emitted by SQLite.
func parseFlexibleTime(s string) time.Time {
	formats := []string{
		sqliteTimeLayout,
		"2006-01-02T15:04:05Z",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05-07:00",
		time.RFC3339,
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
