package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dontdude/usersearch/internal/bootstrap"
	"github.com/dontdude/usersearch/internal/config"
	"github.com/dontdude/usersearch/internal/submission"
)

func main() {
	list := flag.Bool("list", false, "list the jobs of each username instead of submitting")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-list] username...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// 1. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := cfg.ValidateForProducer(); err != nil {
		logger.Error("Invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to the shared store and queue
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

	// 3. Submit or list each username
	failed := 0
	for _, username := range flag.Args() {
		if *list {
			jobs, err := service.ListJobs(ctx, username)
			if err != nil {
				logger.Error("Failed to list jobs", "submitterID", username, "error", err)
				failed++
				continue
			}
			for _, job := range jobs {
				logger.Info("Job", "submitterID", job.SubmitterID, "jobID", job.ID, "status", job.Status, "createdAt", job.CreatedAt)
			}
			continue
		}

		res, err := service.Submit(ctx, username)
		if err != nil {
			logger.Error("Failed to submit job", "submitterID", username, "error", err)
			failed++
			continue
		}
		logger.Info("Submitted job", "submitterID", username, "jobID", res.JobID, "created", res.Created)
	}

	if failed > 0 {
		deps.Close()
		os.Exit(1)
	}
}
