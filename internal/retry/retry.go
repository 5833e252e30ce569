// Package retry computes exponential backoff delays with jitter and runs bounded retry loops.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

type Config struct {
	Base     time.Duration `yaml:"base"`
	Max      time.Duration `yaml:"max"`
	Jitter   float64       `yaml:"jitter"`
	Attempts int           `yaml:"attempts"`
}

func DefaultConfig() Config {
	return Config{
		Base:     100 * time.Millisecond,
		Max:      5 * time.Second,
		Jitter:   0.2,
		Attempts: 3,
	}
}

func (c Config) Validate() error {
	if c.Base <= 0 {
		return errors.New("base must be positive")
	}
	if c.Max <= 0 {
		return errors.New("max must be positive")
	}
	if c.Max < c.Base {
		return errors.New("max must be >= base")
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		return errors.New("jitter must be in [0,1)")
	}
	return nil
}

// NextDelay returns the wait before the given attempt (1-based), doubling from Base up to Max.
func NextDelay(cfg Config, attempt int, rng *rand.Rand) (time.Duration, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	if attempt < 1 {
		return 0, errors.New("attempt must be >= 1")
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	delay := cfg.Base
	for i := 1; i < attempt; i++ {
		if delay >= cfg.Max/2 {
			delay = cfg.Max
			break
		}
		delay *= 2
	}
	if delay > cfg.Max {
		delay = cfg.Max
	}

	if cfg.Jitter > 0 {
		jitterRange := cfg.Jitter * 2
		delta := (rng.Float64() * jitterRange) - cfg.Jitter
		jittered := float64(delay) * (1 + delta)
		if jittered < float64(time.Millisecond) {
			jittered = float64(time.Millisecond)
		}
		delay = time.Duration(jittered)
	}
	return delay, nil
}

// Do calls fn until it succeeds, cfg.Attempts is exhausted, or ctx is done.
// The last error from fn is returned.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		delay, derr := NextDelay(cfg, attempt, rng)
		if derr != nil {
			return err
		}
		if serr := Sleep(ctx, delay); serr != nil {
			return err
		}
	}
	return err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
