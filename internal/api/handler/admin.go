package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/smartroute-go/internal/config"
	"github.com/user/smartroute-go/internal/models"
	"github.com/user/smartroute-go/internal/repository"
	"github.com/user/smartroute-go/internal/service"
)

// AdminHandler serves the management API: configuration, model health,
// request logs and maintenance.
type AdminHandler struct {
	store   *config.Store
	health  *service.HealthRegistry
	logRepo *repository.RequestLogRepository
	logger  *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(store *config.Store, health *service.HealthRegistry, logRepo *repository.RequestLogRepository, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		store:   store,
		health:  health,
		logRepo: logRepo,
		logger:  logger,
	}
}

// GetConfig handles GET /api/config.
func (h *AdminHandler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.Snapshot())
}

// UpdateConfig handles POST /api/config: validate, persist, publish, and
// drop health stats of models no longer configured.
func (h *AdminHandler) UpdateConfig(c *gin.Context) {
	next, err := config.Clone(h.store.Snapshot())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"kind": "internal", "reason": "failed to clone config"},
		})
		return
	}
	if err := c.ShouldBindJSON(next); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"kind": "bad_request", "reason": err.Error()},
		})
		return
	}
	if err := h.store.Update(next); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"kind": "bad_request", "reason": err.Error()},
		})
		return
	}

	h.health.PruneExcept(next.Models.AllModels())
	h.logger.Info("configuration updated")
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetModelStats handles GET /api/stats/models.
func (h *AdminHandler) GetModelStats(c *gin.Context) {
	type modelStat struct {
		Model         string             `json:"model"`
		Success       int64              `json:"success"`
		Failures      int64              `json:"failures"`
		FailureScore  float64            `json:"failure_score"`
		HealthPercent int                `json:"health_percent"`
		LastErrorKind models.FailureKind `json:"last_error_kind,omitempty"`
		LastUpdate    time.Time          `json:"last_update"`
	}

	snapshot := h.health.Snapshot()
	out := make([]modelStat, 0, len(snapshot))
	for model, stats := range snapshot {
		out = append(out, modelStat{
			Model:         model,
			Success:       stats.Success,
			Failures:      stats.Failures,
			FailureScore:  stats.FailureScore,
			HealthPercent: stats.HealthPercent(),
			LastErrorKind: stats.LastErrorKind,
			LastUpdate:    stats.LastUpdate,
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}

// ListLogs handles GET /api/logs with pagination and filters.
func (h *AdminHandler) ListLogs(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}
	offset := queryInt(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	filter, err := logFilterFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"kind": "bad_request", "reason": err.Error()},
		})
		return
	}

	entries, total, err := h.logRepo.List(c.Request.Context(), filter, limit, offset)
	if err != nil {
		h.logger.Error("failed to list logs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"kind": "internal", "reason": "failed to query logs"},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"logs":   entries,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// ExportLogs handles GET /api/logs/export as a CSV attachment.
func (h *AdminHandler) ExportLogs(c *gin.Context) {
	filter, err := logFilterFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"kind": "bad_request", "reason": err.Error()},
		})
		return
	}

	filename := "request_logs_" + time.Now().UTC().Format("20060102T150405Z") + ".csv"
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)

	if err := h.logRepo.ExportCSV(c.Request.Context(), filter, c.Writer); err != nil {
		h.logger.Error("failed to export logs", zap.Error(err))
	}
}

// GetDashboardStats handles GET /api/stats.
func (h *AdminHandler) GetDashboardStats(c *gin.Context) {
	stats, err := h.logRepo.GetDashboardStats(c.Request.Context(), time.Now().UTC())
	if err != nil {
		h.logger.Error("failed to aggregate stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"kind": "internal", "reason": "failed to aggregate stats"},
		})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// PruneLogs handles POST /api/maintenance/prune. The optional "days"
// query overrides the configured retention.
func (h *AdminHandler) PruneLogs(c *gin.Context) {
	days := queryInt(c, "days", h.store.Snapshot().General.LogRetentionDays)
	if days < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"kind": "bad_request", "reason": "days must not be negative"},
		})
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	deleted, err := h.logRepo.Prune(c.Request.Context(), cutoff)
	if err != nil {
		h.logger.Error("failed to prune logs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"kind": "internal", "reason": "failed to prune logs"},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted, "cutoff": cutoff})
}

func logFilterFromQuery(c *gin.Context) (repository.LogFilter, error) {
	filter := repository.LogFilter{
		Tier:   c.Query("tier"),
		Status: c.Query("status"),
		Model:  c.Query("model"),
	}
	if v := c.Query("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, err
		}
		filter.StartTime = &t
	}
	if v := c.Query("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, err
		}
		filter.EndTime = &t
	}
	return filter, nil
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
