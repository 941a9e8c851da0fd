package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TickLockKey is the Redis key guarding the global billing tick.
const TickLockKey = "shiftbill:billing:tick:lock"

const defaultLockTTL = 30 * time.Minute

// Locker grants exclusive access to the billing tick across processes.
type Locker interface {
	// Acquire returns acquired=false without error when another holder owns
	// the lock. release must be called once the tick is done.
	Acquire(ctx context.Context) (release func(context.Context) error, acquired bool, err error)
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrLockLost is returned by release when the lock expired or was taken over.
var ErrLockLost = errors.New("scheduler: tick lock lost")

// TickLock is a Redis SET NX lock with a TTL so a crashed worker cannot wedge
// the schedule forever.
type TickLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewTickLock builds the lock. ttl should exceed the longest expected tick.
func NewTickLock(client *redis.Client, ttl time.Duration) *TickLock {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &TickLock{client: client, key: TickLockKey, ttl: ttl}
}

// Acquire implements Locker.
func (l *TickLock) Acquire(ctx context.Context) (func(context.Context) error, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("scheduler: acquire tick lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int64()
		if err != nil {
			return fmt.Errorf("scheduler: release tick lock: %w", err)
		}
		if n == 0 {
			return ErrLockLost
		}
		return nil
	}
	return release, true, nil
}
