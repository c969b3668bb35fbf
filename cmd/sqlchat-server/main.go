package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/api"
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/auth"
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/completion"
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/config"
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/db"
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/intent"
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/nl2sql"
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/observability"
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/pipeline"
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/schema"
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/sqlexec"
)

func main() {
	cfg, err := config.LoadFromEnv("sqlchat-server")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	handle, err := db.Open(context.Background(), db.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = handle.Close() }()

	introspector, err := schema.NewIntrospector(cfg.Database.Driver, handle)
	if err != nil {
		logger.Error("failed to build schema introspector", slog.Any("error", err))
		os.Exit(1)
	}

	client, err := completion.New(context.Background(), completion.Config{
		Provider:    cfg.Completion.Provider,
		BaseURL:     cfg.Completion.BaseURL,
		APIKey:      cfg.Completion.APIKey,
		Model:       cfg.Completion.Model,
		Temperature: cfg.Completion.Temperature,
		Timeout:     cfg.Completion.Timeout,
		MaxRPS:      cfg.Completion.MaxRPS,
	})
	if err != nil {
		logger.Error("failed to initialize completion client", slog.Any("error", err))
		os.Exit(1)
	}

	orchestrator := pipeline.NewOrchestrator(pipeline.Dependencies{
		Classifier:   intent.NewClassifier(client, logger),
		Introspector: introspector,
		Synthesizer:  nl2sql.NewSynthesizer(client, logger, cfg.Chat.RepairRetries, cfg.Chat.SchemaTableCap),
		Executor:     sqlexec.New(handle, logger, cfg.Database.StatementTimeout),
		Logger:       logger,
		TurnTimeout:  cfg.Chat.TurnTimeout,
	})

	deps := api.Dependencies{
		Logger: logger,
		Turns:  orchestrator,
		Readiness: api.CombineReadinessChecks(
			api.CheckDatabase(handle),
			api.CheckCompletionConfig(cfg),
		),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting chat server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("chat server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down chat server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
