package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"rillcall/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix         = "rillcall:"
	schemaVersionKey  = keyPrefix + "schema:version"
	schemaHistoryKey  = keyPrefix + "schema:applied"
	migrationLockKey  = keyPrefix + "schema:lock"
	uidSequenceKey    = keyPrefix + "uid_seq"
	streamSequenceKey = keyPrefix + "stream_seq"

	// first uid handed out when a participant has no preference
	firstAllocatedUID = 1000
)

type migration struct {
	version int
	name    string
	up      func(ctx context.Context, client *redis.Client) error
}

var migrations = []migration{
	{
		version: 1,
		name:    "seed uid and stream sequences",
		up: func(ctx context.Context, client *redis.Client) error {
			if err := client.SetNX(ctx, uidSequenceKey, firstAllocatedUID-1, 0).Err(); err != nil {
				return err
			}
			return client.SetNX(ctx, streamSequenceKey, 0, 0).Err()
		},
	},
}

// SchemaVersion is the version Migrate brings a database to
func SchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// Migrate applies pending migrations in order. Servers sharing one Redis
// take turns through a distributed lock; each applied version is recorded
// in the schema history hash with its time.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	lock := distributed.NewLock(client, migrationLockKey, 10*time.Second)
	if err := lock.Acquire(ctx, 30*time.Second); err != nil {
		return fmt.Errorf("failed to lock schema: %w", err)
	}
	defer lock.Release(context.Background())

	current, err := client.Get(ctx, schemaVersionKey).Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		logger.Infow("Applying Redis migration", "version", m.version, "name", m.name)
		if err := m.up(ctx, client); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		_, err := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, schemaVersionKey, m.version, 0)
			pipe.HSet(ctx, schemaHistoryKey, strconv.Itoa(m.version), time.Now().UTC().Format(time.RFC3339))
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		applied++
	}

	logger.Infow("Redis schema ready", "version", SchemaVersion(), "applied", applied)
	return nil
}
