// Package api wires the gin engine: the OpenAI-compatible gateway
// surface and the management API.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/smartroute-go/internal/api/handler"
	"github.com/user/smartroute-go/internal/api/middleware"
	"github.com/user/smartroute-go/internal/config"
	"github.com/user/smartroute-go/internal/repository"
	"github.com/user/smartroute-go/internal/service"
	"github.com/user/smartroute-go/internal/version"
)

// Server wraps the HTTP router and its dependencies.
type Server struct {
	router *gin.Engine
	logger *zap.Logger
}

// ServerDeps holds all dependencies for the API server.
type ServerDeps struct {
	Store        *config.Store
	Classifier   *service.IntentClassifier
	Orchestrator *service.RetryOrchestrator
	Health       *service.HealthRegistry
	LogRepo      *repository.RequestLogRepository
	Logger       *zap.Logger

	// OnPanic receives recovered panics so they land in the request log.
	OnPanic func(r *http.Request, stack []byte)
}

// NewServer creates the API server with all routes configured.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(middleware.Recovery(logger, deps.OnPanic))
	r.Use(middleware.Logger(logger))

	auth := middleware.GatewayAuth(func() string {
		return deps.Store.Snapshot().General.GatewayAPIKey
	})

	r.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Version})
	})

	chatHandler := handler.NewChatHandler(deps.Store, deps.Classifier, deps.Orchestrator, deps.LogRepo, logger)
	v1 := r.Group("/v1", auth)
	{
		v1.POST("/chat/completions", chatHandler.ChatCompletions)
		v1.GET("/models", chatHandler.ListModels)
	}

	adminHandler := handler.NewAdminHandler(deps.Store, deps.Health, deps.LogRepo, logger)
	apiGroup := r.Group("/api", auth)
	{
		apiGroup.GET("/config", adminHandler.GetConfig)
		apiGroup.POST("/config", adminHandler.UpdateConfig)
		apiGroup.GET("/stats", adminHandler.GetDashboardStats)
		apiGroup.GET("/stats/models", adminHandler.GetModelStats)
		apiGroup.GET("/logs", adminHandler.ListLogs)
		apiGroup.GET("/logs/export", adminHandler.ExportLogs)
		apiGroup.POST("/maintenance/prune", adminHandler.PruneLogs)
	}

	return &Server{
		router: r,
		logger: logger,
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
