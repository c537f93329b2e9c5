package repositories

import (
	"rillcall/internal/core/ports"
	"rillcall/internal/infrastructure/repositories/memory"
	redisrepo "rillcall/internal/infrastructure/repositories/redis"
	"rillcall/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// RepositoryFactory picks the storage backend once at startup. An enabled
// but unreachable Redis degrades to memory instead of failing the process.
type RepositoryFactory struct {
	backend string
	client  *redis.Client
	logger  *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	f := &RepositoryFactory{backend: BackendMemory, logger: logger}
	if cfg.Redis.Enabled {
		client, err := redisrepo.Connect(redisrepo.OptionsFromConfig(cfg), logger)
		if err != nil {
			logger.Warnw("Redis unavailable, channel state stays in memory", "error", err)
		} else {
			f.backend = BackendRedis
			f.client = client
		}
	}
	logger.Infow("Repository backend selected", "backend", f.backend)
	return f
}

func (f *RepositoryFactory) Backend() string {
	return f.backend
}

func (f *RepositoryFactory) CreateChannelRepository() ports.ChannelRepository {
	if f.client != nil {
		return redisrepo.NewRedisChannelRepository(f.client)
	}
	return memory.NewMemoryChannelRepository()
}

// RedisClient is nil on the memory backend
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.client
}

func (f *RepositoryFactory) Close() error {
	if f.client == nil {
		return nil
	}
	return f.client.Close()
}
