package redis

import (
	"context"
	"fmt"
	"time"

	"rillcall/pkg/config"
	"rillcall/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const connectTimeout = 15 * time.Second

// Options is the connection part of the redis config section
type Options struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}
}

// Connect dials Redis, retrying the first ping until connectTimeout, and
// brings the schema up to date.
func Connect(opts Options, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	ping := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	onRetry := func(attempt int, delay time.Duration, err error) {
		logger.Warnw("Redis not reachable, retrying",
			"address", opts.Address,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}
	if err := retry.Do(ctx, retry.DefaultPolicy(), ping, onRetry); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Address, err)
	}

	if err := Migrate(ctx, client, logger); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to migrate Redis schema: %w", err)
	}

	logger.Infow("Connected to Redis", "address", opts.Address, "db", opts.DB, "pool_size", opts.PoolSize)
	return client, nil
}
