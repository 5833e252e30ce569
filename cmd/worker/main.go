package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dontdude/usersearch/internal/bootstrap"
	"github.com/dontdude/usersearch/internal/config"
	"github.com/dontdude/usersearch/internal/consumer"
	"github.com/dontdude/usersearch/internal/platform/docker"
	"github.com/dontdude/usersearch/internal/reconcile"
	"github.com/dontdude/usersearch/internal/worker"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// 1. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	slog.Info("Starting usersearch worker...")

	if err := cfg.ValidateForWorker(); err != nil {
		logger.Error("Invalid config", "error", err)
		os.Exit(1)
	}

	// 2. Setup Signal Handling (Graceful Shutdown)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Connect store, queue and notifier
	deps, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize dependencies", "error", err)
		os.Exit(1)
	}
	defer deps.Close()

	// 4. Initialize Docker Client (fail fast if the daemon is unreachable)
	lookup, err := docker.NewClient(ctx, cfg.Lookup, logger)
	if err != nil {
		logger.Error("Failed to initialize docker", "error", err)
		os.Exit(1)
	}
	defer lookup.Close()

	deadLetters, err := deps.DeadLetters(ctx)
	if err != nil {
		logger.Error("Failed to initialize dead-letter sink", "error", err)
		os.Exit(1)
	}

	// 5. Start one consumer loop per worker
	settings := cfg.ConsumerSettings()
	pool := worker.NewPool(cfg.Consumer.Concurrency, func(id int) (worker.Runner, error) {
		opts := []consumer.Option{
			consumer.WithNotifier(deps.Notifier),
			consumer.WithLogger(logger.With("workerID", id)),
		}
		if deadLetters != nil {
			opts = append(opts, consumer.WithDeadLetters(deadLetters))
		}
		return consumer.New(settings, deps.Store, deps.ConsumerQueue(id), lookup, opts...)
	}, logger)

	if err := pool.Start(ctx); err != nil {
		logger.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 6. Re-enqueue jobs whose submission never reached the queue
	sweeper := reconcile.NewSweeper(cfg.Reconcile, deps.Store, deps.Queue, logger)
	go func() {
		if err := sweeper.Run(ctx); err != nil {
			logger.Error("Reconcile loop stopped", "error", err)
		}
	}()

	logger.Info("Worker running. Press Ctrl+C to stop.", "concurrency", cfg.Consumer.Concurrency)

	// 7. Wait for Shutdown Signal
	<-ctx.Done()
	if err := pool.Stop(); err != nil {
		logger.Error("Worker pool exited with errors", "error", err)
	}
	logger.Info("Worker shutdown complete")
}
