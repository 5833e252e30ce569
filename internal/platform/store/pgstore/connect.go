package pgstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	DSN string `yaml:"dsn"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("store.postgres.dsn is required")
	}
	return nil
}

type pingFunc func(ctx context.Context, dsn string) error

// CheckConnectivity opens a short-lived pool and pings it.
func CheckConnectivity(ctx context.Context, dsn string) error {
	return checkConnectivity(ctx, dsn, defaultPing)
}

func checkConnectivity(ctx context.Context, dsn string, ping pingFunc) error {
	if dsn == "" {
		return fmt.Errorf("postgres dsn is empty")
	}
	return ping(ctx, dsn)
}

func defaultPing(ctx context.Context, dsn string) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return err
	}
	defer pool.Close()
	return pool.Ping(ctx)
}

// Open connects a pool and applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}
