package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_RunsEveryWorkerUntilStop(t *testing.T) {
	var running atomic.Int32
	ids := make(chan int, 4)
	p := NewPool(4, func(id int) (Runner, error) {
		return RunnerFunc(func(ctx context.Context) error {
			running.Add(1)
			ids <- id
			<-ctx.Done()
			running.Add(-1)
			return ctx.Err()
		}), nil
	}, nil)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	seen := map[int]bool{}
	for i := 0; i < 4; i++ {
		select {
		case id := <-ids:
			seen[id] = true
		case <-time.After(time.Second):
			t.Fatalf("only %d workers started", i)
		}
	}
	if len(seen) != 4 {
		t.Fatalf("worker ids = %v", seen)
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if running.Load() != 0 {
		t.Fatalf("workers still running after Stop")
	}
}

func TestPool_CollectsErrors(t *testing.T) {
	boom := errors.New("boom")
	p := NewPool(2, func(id int) (Runner, error) {
		return RunnerFunc(func(ctx context.Context) error {
			if id == 1 {
				return boom
			}
			return nil
		}), nil
	}, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Wait(); !errors.Is(err, boom) {
		t.Fatalf("Wait() = %v, want boom", err)
	}
}

func TestPool_StartFailsWhenRunnerCannotBeBuilt(t *testing.T) {
	p := NewPool(3, func(id int) (Runner, error) {
		if id == 2 {
			return nil, errors.New("no consumer name")
		}
		return RunnerFunc(func(ctx context.Context) error { return nil }), nil
	}, nil)
	if err := p.Start(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewPool_MinimumOneWorker(t *testing.T) {
	if p := NewPool(0, nil, nil); p.workerCount != 1 {
		t.Fatalf("workerCount = %d", p.workerCount)
	}
}
