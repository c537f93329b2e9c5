package monitoring

import (
	"context"
	"fmt"
	"time"

	"rillcall/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// healthCheckChannel is never joined. Reading its members exercises the
// repository without touching live channels.
const healthCheckChannel = "health-check"

// AddRedisCheck pings Redis. Only the signal server treats it as critical;
// a participant keeps running without its event bus.
func (h *HealthChecker) AddRedisCheck(client *redis.Client, critical bool, interval, timeout time.Duration) {
	h.AddCheck(HealthCheck{
		Name:     "redis",
		Interval: interval,
		Timeout:  timeout,
		Critical: critical,
		Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	})
}

func (h *HealthChecker) AddRepositoryCheck(repo ports.ChannelRepository, interval, timeout time.Duration) {
	h.AddCheck(HealthCheck{
		Name:     "repository",
		Interval: interval,
		Timeout:  timeout,
		Critical: true,
		Check: func(ctx context.Context) error {
			_, err := repo.Members(ctx, healthCheckChannel)
			return err
		},
	})
}

// AddCoordinatorCheck fails once the coordinator reached its terminal phase
func (h *HealthChecker) AddCoordinatorCheck(coordinator ports.CallCoordinator, interval, timeout time.Duration) {
	h.AddCheck(HealthCheck{
		Name:     "coordinator",
		Interval: interval,
		Timeout:  timeout,
		Critical: true,
		Check: func(ctx context.Context) error {
			if phase := coordinator.Status().Phase; phase == "failed" {
				return fmt.Errorf("coordinator is %s, primary join was rejected", phase)
			}
			return nil
		},
	})
}
