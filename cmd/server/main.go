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

	"github.com/dontdude/usersearch/internal/bootstrap"
	"github.com/dontdude/usersearch/internal/config"
	"github.com/dontdude/usersearch/internal/platform/web"
	"github.com/dontdude/usersearch/internal/submission"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// 1. Load configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := cfg.ValidateForAPI(); err != nil {
		logger.Error("Invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Connect store, queue and notifier (fail fast)
	deps, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize dependencies", "error", err)
		os.Exit(1)
	}
	defer deps.Close()

	service := submission.NewService(deps.Store, deps.Queue,
		submission.WithRetry(cfg.Submit.Retry),
		submission.WithLogger(logger),
	)

	// 4. Start the completion broadcaster (background goroutine)
	hub := web.NewHub(logger)
	go func() {
		if err := hub.Run(ctx, deps.Notifier); err != nil {
			logger.Error("Event broadcaster stopped", "error", err)
		}
	}()

	// 5. Setup rate limiter and router
	limiter := web.NewRateLimiter(ctx, cfg.API.RateLimit.Rate, cfg.API.RateLimit.Burst)
	router := web.NewRouter(web.NewHandler(service, deps.Store, hub, logger), limiter)

	srv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("API server starting", "addr", cfg.API.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", "error", err)
	}
}
