package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/naglyadservice/dash-backend/internal/config"
)

// ErrNotFound is returned by Cache.Get when the key does not exist
var ErrNotFound = errors.New("cache: key not found")

// ErrLockNotAcquired is returned when the bounded wait for a lock elapses
var ErrLockNotAcquired = errors.New("lock not acquired within wait bound")

// Cache provides namespaced get/set/expire semantics. The reconciliation
// engine keeps the last-seen webhook timestamp, the gateway public key and
// the issued-token-per-invoice mapping behind this interface.
type Cache interface {
	Get(ctx context.Context, namespace, key string) (string, error)
	Set(ctx context.Context, namespace, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, namespace, key string) error
}

// Locker provides a keyed mutual-exclusion primitive with bounded-wait
// acquisition. Release must be called on every exit path; the returned token
// guards against releasing a lease that has already expired and been
// re-acquired by another holder.
type Locker interface {
	Acquire(ctx context.Context, key string, lease, wait time.Duration) (token string, err error)
	Release(ctx context.Context, key, token string) error
}

type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisStore(ctx context.Context, logger *slog.Logger, cfg *config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	logger.Info("Connected to Redis")

	return &RedisStore{
		client: client,
		logger: logger,
	}, nil
}

func (s *RedisStore) Get(ctx context.Context, namespace, key string) (string, error) {
	val, err := s.client.Get(ctx, namespace+":"+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get %s:%s: %w", namespace, key, err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, namespace, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, namespace+":"+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s:%s: %w", namespace, key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, namespace, key string) error {
	if err := s.client.Del(ctx, namespace+":"+key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s:%s: %w", namespace, key, err)
	}
	return nil
}

// releaseScript deletes the lock only when the stored token still matches,
// so an expired lease re-acquired by another holder is never released here
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

const lockNamespace = "lock"

// Acquire takes a lease-based lock, polling with jittered sleeps until the
// wait bound elapses
func (s *RedisStore) Acquire(ctx context.Context, key string, lease, wait time.Duration) (string, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)
	lockKey := lockNamespace + ":" + key

	for {
		ok, err := s.client.SetNX(ctx, lockKey, token, lease).Result()
		if err != nil {
			return "", fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", ErrLockNotAcquired
		}

		// Jittered backoff keeps concurrent webhook deliveries from polling in step
		sleep := 50*time.Millisecond + time.Duration(rand.Intn(50))*time.Millisecond
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (s *RedisStore) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, s.client, []string{lockNamespace + ":" + key}, token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}
	s.logger.Info("Closed Redis connection")
	return nil
}
