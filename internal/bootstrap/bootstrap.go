// Package bootstrap builds the store, queue and notifier a binary needs from its configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/usersearch/internal/config"
	"github.com/dontdude/usersearch/internal/domain"
	"github.com/dontdude/usersearch/internal/platform/deadletter"
	"github.com/dontdude/usersearch/internal/platform/queue"
	"github.com/dontdude/usersearch/internal/platform/store/etcdstore"
	"github.com/dontdude/usersearch/internal/platform/store/memstore"
	"github.com/dontdude/usersearch/internal/platform/store/pgstore"
	"github.com/dontdude/usersearch/internal/platform/store/redisstore"
)

const pingTimeout = 5 * time.Second

// Components holds the shared clients. Close releases them in reverse order.
type Components struct {
	Redis    *redis.Client
	Store    domain.JobStore
	Queue    domain.WorkQueue
	Notifier domain.Notifier

	cfg        config.Config
	logger     *slog.Logger
	redisQueue *queue.RedisQueue
	closers    []func() error
}

// Open connects every configured backend and fails fast if one is unreachable.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Components{cfg: cfg, logger: logger}

	if cfg.NeedsRedis() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c.closers = append(c.closers, client.Close)
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := client.Ping(pctx).Err()
		cancel()
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		c.Redis = client
		logger.Info("Connected to Redis", "addr", cfg.Redis.Addr)
	}

	if err := c.openStore(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	c.openQueue()
	return c, nil
}

func (c *Components) openStore(ctx context.Context) error {
	switch c.cfg.Store.Backend {
	case config.BackendRedis:
		c.Store = redisstore.NewWithClient(c.Redis)
	case config.BackendPostgres:
		s, err := pgstore.Open(ctx, c.cfg.Store.Postgres)
		if err != nil {
			return err
		}
		c.closers = append(c.closers, func() error { s.Close(); return nil })
		c.Store = s
	case config.BackendEtcd:
		s, err := etcdstore.Open(c.cfg.Store.Etcd)
		if err != nil {
			return err
		}
		c.closers = append(c.closers, s.Close)
		c.Store = s
	case config.BackendMemory:
		c.logger.Warn("Using in-memory job store; jobs are lost on exit")
		c.Store = memstore.New()
	default:
		return fmt.Errorf("store.backend %q is not supported", c.cfg.Store.Backend)
	}
	c.logger.Info("Job store ready", "backend", c.cfg.Store.Backend)
	return nil
}

func (c *Components) openQueue() {
	if c.cfg.Queue.Backend == config.BackendRedis {
		c.redisQueue = queue.NewRedisQueue(c.Redis, c.cfg.Queue.Stream, c.cfg.Queue.Group, queue.ConsumerName(0), c.logger)
		c.Queue = c.redisQueue
	} else {
		c.logger.Warn("Using in-memory work queue; items are not shared between processes")
		c.Queue = queue.NewMemoryQueue()
	}

	if c.Redis != nil {
		c.Notifier = queue.NewRedisNotifier(c.Redis, c.cfg.Queue.EventsChannel, c.logger)
	} else {
		c.Notifier = queue.NewMemoryNotifier()
	}
}

// ConsumerQueue returns the queue as seen by consumer loop n. Each Redis
// consumer gets its own name so the group tracks its deliveries separately.
func (c *Components) ConsumerQueue(n int) domain.WorkQueue {
	if c.redisQueue != nil {
		return c.redisQueue.WithConsumer(queue.ConsumerName(n))
	}
	return c.Queue
}

// DeadLetters returns the Kafka publisher when brokers are configured, the
// Redis stream otherwise, or nil when neither is available.
func (c *Components) DeadLetters(ctx context.Context) (domain.DeadLetterPublisher, error) {
	if c.cfg.DeadLetter.Enabled() {
		if err := deadletter.CheckConnectivity(ctx, c.cfg.DeadLetter.Brokers); err != nil {
			return nil, fmt.Errorf("connect to kafka: %w", err)
		}
		p, err := deadletter.NewKafkaPublisher(c.cfg.DeadLetter)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, p.Close)
		c.logger.Info("Dead letters go to Kafka", "topic", c.cfg.DeadLetter.Topic)
		return p, nil
	}
	if c.Redis != nil {
		c.logger.Info("Dead letters go to Redis stream", "stream", c.cfg.DeadLetter.Stream)
		return queue.NewRedisDeadLetters(c.Redis, c.cfg.DeadLetter.Stream), nil
	}
	c.logger.Warn("No dead-letter sink available")
	return nil, nil
}

// Close releases every client, newest first.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
