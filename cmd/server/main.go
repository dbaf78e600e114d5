package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kohill/issuesync/internal/config"
	"github.com/kohill/issuesync/internal/gitlab"
	"github.com/kohill/issuesync/internal/handler"
	"github.com/kohill/issuesync/internal/repository"
	"github.com/kohill/issuesync/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	setupLogger(cfg)

	db, err := sqlx.Connect("pgx", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	slog.Info("database connected")

	issueRepo := repository.NewIssueRepository(db)
	taskRepo := repository.NewSyncTaskRepository(db)

	tracker := gitlab.NewClient(cfg.GitLabURL, cfg.GitLabToken, cfg.GitLabProjectID)
	mapper := service.NewMapper(cfg.Labels)

	reconciler := service.NewReconciler(issueRepo, taskRepo)
	queue := service.NewQueueProcessor(issueRepo, taskRepo, tracker, mapper, cfg.QueueWorkers)
	monitor := service.NewProgressMonitor(issueRepo, tracker, mapper, queue)

	uploadHandler := handler.NewUploadHandler(reconciler, queue, cfg.QueueBatchSize, cfg.QueueMaxPriority)
	statusHandler := handler.NewStatusHandler(issueRepo, taskRepo, monitor)

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = handler.HTTPErrorHandler
	e.Validator = handler.NewAppValidator()

	e.Use(echomw.RequestID())
	e.Use(handler.RequestLogger())
	e.Use(echomw.Recover())

	e.GET("/", statusHandler.Health)
	e.GET("/health", statusHandler.Health)

	api := e.Group("/api")
	api.GET("/database/status", statusHandler.DatabaseStatus)
	api.GET("/queue/status", statusHandler.QueueStatus)

	protected := api.Group("", handler.BearerAuth(cfg.UploadSecret))
	protected.POST("/wps/upload", uploadHandler.Upload)
	protected.POST("/queue/process", uploadHandler.ProcessQueue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go queue.Run(ctx, cfg.QueueInterval, cfg.QueueBatchSize, cfg.QueueMaxPriority)
	go monitor.Run(ctx, cfg.MonitorInterval)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", cfg.Port)
		errCh <- e.Start(fmt.Sprintf(":%d", cfg.Port))
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutdown signal received", "signal", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// setupLogger writes JSON logs to stdout, and additionally to a rotating
// file when LOG_FILE is set.
func setupLogger(cfg config.Config) {
	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   true,
		})
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(out, nil)))
}
