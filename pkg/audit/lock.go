package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/platinummonkey/phiguard/pkg/observability"
)

// Locker grants exclusive write access to one chain. Acquire fails with
// ErrConcurrencyConflict when the lock is not obtained in time; release is
// safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, chainID string) (release func(), err error)
}

// LocalLocker serializes writers within one process.
type LocalLocker struct {
	timeout time.Duration

	mu   sync.Mutex
	sems map[string]chan struct{}
}

// NewLocalLocker waits at most timeout for the lock.
func NewLocalLocker(timeout time.Duration) *LocalLocker {
	return &LocalLocker{timeout: timeout, sems: make(map[string]chan struct{})}
}

func (l *LocalLocker) sem(chainID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sems[chainID]
	if !ok {
		s = make(chan struct{}, 1)
		l.sems[chainID] = s
	}
	return s
}

func (l *LocalLocker) Acquire(ctx context.Context, chainID string) (func(), error) {
	sem := l.sem(chainID)

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case sem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-sem }) }, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: timed out after %s waiting for chain lock", ErrConcurrencyConflict, l.timeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrConcurrencyConflict, ctx.Err())
	}
}

// releaseScript deletes the lock only if it still holds our token, so an
// expired holder never releases a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker serializes writers across processes sharing a Redis server.
type RedisLocker struct {
	client  *redis.Client
	logger  *observability.Logger
	prefix  string
	ttl     time.Duration
	timeout time.Duration
	retry   time.Duration
}

// NewRedisLocker holds locks for at most ttl and waits at most timeout to
// obtain one.
func NewRedisLocker(client *redis.Client, ttl, timeout time.Duration, logger *observability.Logger) *RedisLocker {
	if logger == nil {
		logger = observability.Discard()
	}
	return &RedisLocker{
		client:  client,
		logger:  logger.WithField("component", "redis_locker"),
		prefix:  "phiguard:chain-lock:",
		ttl:     ttl,
		timeout: timeout,
		retry:   10 * time.Millisecond,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, chainID string) (func(), error) {
	key := l.prefix + chainID
	token := uuid.NewString()
	deadline := time.Now().Add(l.timeout)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: redis lock: %w", ErrConcurrencyConflict, err)
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
					defer cancel()
					if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
						l.logger.WithError(err).WithFields(map[string]interface{}{
							"chain_id": chainID,
							"ttl":      l.ttl.String(),
						}).Error("Failed to release chain lock; it is held until its TTL expires")
					}
				})
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: timed out after %s waiting for chain lock", ErrConcurrencyConflict, l.timeout)
		}

		select {
		case <-time.After(l.retry):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrConcurrencyConflict, ctx.Err())
		}
	}
}

// Lockers acquires each locker in order and releases them in reverse. The
// usual arrangement is a LocalLocker in front of a RedisLocker, so only one
// goroutine per process competes for the shared lock.
func Lockers(lockers ...Locker) Locker {
	return chainedLocker(lockers)
}

type chainedLocker []Locker

func (c chainedLocker) Acquire(ctx context.Context, chainID string) (func(), error) {
	releases := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, l := range c {
		release, err := l.Acquire(ctx, chainID)
		if err != nil {
			releaseAll()
			if !errors.Is(err, ErrConcurrencyConflict) {
				err = fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
			}
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}
