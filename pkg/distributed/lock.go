package distributed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockTimeout = errors.New("lock acquisition timeout")
	ErrLockNotHeld = errors.New("lock not held")
)

const retryInterval = 100 * time.Millisecond

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Lock is a redis mutex shared by every instance using the same key. The
// holder's token keeps another instance from releasing it.
type Lock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
	stop   chan struct{}
}

func NewLock(client *redis.Client, key string, ttl time.Duration) *Lock {
	return &Lock{
		client: client,
		key:    key,
		token:  uuid.New().String(),
		ttl:    ttl,
	}
}

// TryAcquire takes the lock if it is free
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if ok {
		l.stop = make(chan struct{})
		go l.keepAlive(l.stop)
	}
	return ok, nil
}

// Acquire polls until the lock is taken, ctx ends or timeout passes
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := l.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// Release drops the lock if this holder still owns it
func (l *Lock) Release(ctx context.Context) error {
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// keepAlive extends the ttl at half period until released or lost
func (l *Lock) keepAlive(stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil || n == 0 {
				return
			}
		case <-stop:
			return
		}
	}
}
