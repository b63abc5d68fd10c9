package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("lock not acquired")
)

// KeyLocker guards a critical section per key. The reconciler uses it to keep
// one pass per device in flight across api-server replicas.
type KeyLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewKeyLocker creates a locker that stores one Redis key per locked name
// under prefix.
func NewKeyLocker(client *redis.Client, prefix string, ttl time.Duration) *KeyLocker {
	return &KeyLocker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// WithLock runs fn while holding the lock for name. It does not wait: if
// another holder has it, ErrLockNotAcquired is returned immediately. fn's
// context ends when the lock TTL would lapse.
func (l *KeyLocker) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("lock:%s:%s", l.prefix, name)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire %s lock: %w", l.prefix, err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		// release on a fresh context so a cancelled caller still unlocks
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.release(relCtx, key, token)
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

func (l *KeyLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release %s lock: %w", l.prefix, err)
	}
	return nil
}
