package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/user/smartroute-go/internal/api"
	"github.com/user/smartroute-go/internal/config"
	"github.com/user/smartroute-go/internal/database"
	"github.com/user/smartroute-go/internal/models"
	"github.com/user/smartroute-go/internal/repository"
	"github.com/user/smartroute-go/internal/service"
	"github.com/user/smartroute-go/internal/version"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.Server.LogLevel, cfg.Server.LogDir, cfg.LogRotation)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting smartroute",
		zap.String("version", version.Short()),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
	)

	store := config.NewStore(cfg, configPath, logger)

	db, err := database.New(cfg.General.DatabasePath)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	if err := database.RunMigrations(db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	logRepo := repository.NewRequestLogRepository(db, logger)

	// Drop logs past the retention window before serving.
	if days := cfg.General.LogRetentionDays; days > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -days)
		if _, err := logRepo.Prune(context.Background(), cutoff); err != nil {
			logger.Warn("startup log prune failed", zap.Error(err))
		}
	}

	health := service.NewHealthRegistry(cfg.Health.DecayRate, cfg.Health.StatsPath, logger)
	health.Start()
	defer health.Close()

	// Config swaps drop health stats of models that were removed.
	store.OnChange(func(_, next *config.Config) {
		health.PruneExcept(next.Models.AllModels())
	})
	if err := store.Watch(); err != nil {
		logger.Warn("config watcher not started", zap.Error(err))
	}
	defer store.Close()

	selector := service.NewCandidateSelector(health, 0)
	invoker := service.NewUpstreamInvoker(logger)
	orchestrator := service.NewRetryOrchestrator(selector, invoker, health, logger)
	classifier := service.NewIntentClassifier(logger)

	server := api.NewServer(api.ServerDeps{
		Store:        store,
		Classifier:   classifier,
		Orchestrator: orchestrator,
		Health:       health,
		LogRepo:      logRepo,
		Logger:       logger,
		OnPanic:      panicRecorder(logRepo, logger),
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // streaming responses need a long write timeout
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("server started", zap.String("addr", addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// panicRecorder persists recovered panics to the request log with the
// captured stack.
func panicRecorder(logRepo *repository.RequestLogRepository, logger *zap.Logger) func(r *http.Request, stack []byte) {
	return func(r *http.Request, stack []byte) {
		entry := &models.RequestLogEntry{
			ID:            uuid.New().String(),
			ReceivedAt:    time.Now(),
			Status:        models.LogStatusError,
			PromptPreview: r.Method + " " + r.URL.Path,
			Trace:         "[]",
			StackTrace:    string(stack),
			TokenSource:   models.TokensLocal,
		}
		go func() {
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := logRepo.Insert(saveCtx, entry); err != nil {
				logger.Error("failed to save panic log", zap.Error(err))
			}
		}()
	}
}

func newLogger(level string, logDir string, rotation config.LogRotationConfig) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug", "DEBUG":
		zapLevel = zap.DebugLevel
	case "warn", "WARN":
		zapLevel = zap.WarnLevel
	case "error", "ERROR":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", logDir, err)
	}

	lj := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "smartroute.log"),
		MaxSize:    rotation.MaxSizeMB,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
		Compress:   rotation.Compress,
	}

	// File core: JSON encoder for structured log parsing
	fileEncoderCfg := zap.NewProductionEncoderConfig()
	fileEncoderCfg.TimeKey = "ts"
	fileEncoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(fileEncoderCfg),
		zapcore.AddSync(lj),
		zapLevel,
	)

	// Console core: human-readable output to stdout/stderr
	consoleEncoderCfg := zap.NewDevelopmentEncoderConfig()
	consoleEncoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderCfg)

	// stdout for DEBUG/INFO, stderr for WARN/ERROR+
	stdoutCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.Lock(os.Stdout),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapLevel && l < zapcore.WarnLevel
		}),
	)
	stderrCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.Lock(os.Stderr),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapLevel && l >= zapcore.WarnLevel
		}),
	)

	core := zapcore.NewTee(fileCore, stdoutCore, stderrCore)

	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	), nil
}
