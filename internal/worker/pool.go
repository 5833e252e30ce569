package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Runner is one long-lived loop, such as a queue consumer. Run returns when ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Pool implements a fixed-size worker pool pattern.
// Every worker owns its own Runner, so N workers model N independent consumer instances.
type Pool struct {
	// workerCount determines how many loops run concurrently.
	workerCount int
	newRunner   func(id int) (Runner, error)
	logger      *slog.Logger

	cancel context.CancelFunc
	// wg tracks active workers to ensure graceful shutdown.
	wg sync.WaitGroup

	mu   sync.Mutex
	errs []error
}

// NewPool initializes the worker pool with a fixed concurrency limit.
// newRunner is called once per worker with its index.
func NewPool(concurrency int, newRunner func(id int) (Runner, error), logger *slog.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		workerCount: concurrency,
		newRunner:   newRunner,
		logger:      logger,
	}
}

// Start builds every runner and spawns the worker goroutines.
// It returns immediately, or with an error if any runner could not be built.
func (p *Pool) Start(ctx context.Context) error {
	runners := make([]Runner, p.workerCount)
	for i := range runners {
		r, err := p.newRunner(i)
		if err != nil {
			return fmt.Errorf("build worker %d: %w", i, err)
		}
		runners[i] = r
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.logger.Info("Starting worker pool", "concurrency", p.workerCount)
	for i, r := range runners {
		p.wg.Add(1)
		go p.worker(ctx, i, r)
	}
	return nil
}

// Wait blocks until every worker has exited and returns their joined errors.
func (p *Pool) Wait() error {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.errs...)
}

// Stop initiates a graceful shutdown.
// Workers finish the item in hand, then exit. It blocks until all of them have.
func (p *Pool) Stop() error {
	p.logger.Info("Stopping worker pool, waiting for in-flight items...")
	if p.cancel != nil {
		p.cancel()
	}
	err := p.Wait()
	p.logger.Info("Worker pool stopped")
	return err
}

// worker runs one loop inside a goroutine.
func (p *Pool) worker(ctx context.Context, id int, r Runner) {
	defer p.wg.Done()
	p.logger.Info("Worker started", "workerID", id)

	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Error("Worker exited with error", "workerID", id, "error", err)
		p.mu.Lock()
		p.errs = append(p.errs, fmt.Errorf("worker %d: %w", id, err))
		p.mu.Unlock()
	}

	p.logger.Info("Worker stopped", "workerID", id)
}
