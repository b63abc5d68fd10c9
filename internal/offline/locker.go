package offline

import (
	"context"
	"errors"
	"sync"
	"time"

	redisclient "github.com/hackgods/appointment-ledger/internal/redis"
)

// ErrLockHeld is returned by a Locker when the name is already locked.
var ErrLockHeld = redisclient.ErrLockNotAcquired

// Locker provides non-blocking mutual exclusion per name.
type Locker interface {
	WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// LocalLocker is a Locker for a single process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
	ttl  time.Duration
}

func NewLocalLocker(ttl time.Duration) *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{}), ttl: ttl}
}

func (l *LocalLocker) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if _, ok := l.held[name]; ok {
		l.mu.Unlock()
		return ErrLockHeld
	}
	l.held[name] = struct{}{}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, name)
		l.mu.Unlock()
	}()

	if l.ttl > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.ttl)
		defer cancel()
	}
	return fn(ctx)
}

func isLockHeld(err error) bool {
	return errors.Is(err, ErrLockHeld)
}
