package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//go:generate mockgen -destination=mock_redis.go -package=redisclient github.com/hackgods/triage-telemetry/internal/redis Locker,Publisher

var (
	ErrLockNotAcquired = errors.New("encounter lock not acquired")
)

// Locker is used by the triage service to serialize operator actions per encounter
type Locker interface {
	WithEncounterLock(ctx context.Context, encounterID uuid.UUID, fn func(ctx context.Context) error) error
}

type redisEncounterLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisEncounterLocker creates a locker that uses a per encounter Redis key
func NewRedisEncounterLocker(client *redis.Client, ttl time.Duration) Locker {
	return &redisEncounterLocker{
		client: client,
		ttl:    ttl,
	}
}

func lockKey(encounterID uuid.UUID) string {
	return fmt.Sprintf("lock:encounter:%s", encounterID.String())
}

func (l *redisEncounterLocker) WithEncounterLock(ctx context.Context, encounterID uuid.UUID, fn func(ctx context.Context) error) error {
	key := lockKey(encounterID)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire encounter lock: %w", err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		// release must run even if the caller's context is already done
		_ = l.release(context.WithoutCancel(ctx), key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisEncounterLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release encounter lock: %w", err)
	}
	return nil
}
