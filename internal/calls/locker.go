package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"vonage-outbound-otp/pkg/utils"
)

// Locker serializes mutations of one call record. Lock blocks until the key
// is held or ctx ends; the returned func releases it and is safe to call once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker is an in-process keyed mutex. Entries are reference counted and
// removed when the last holder or waiter leaves.

type LocalLocker struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{entries: map[string]*lockEntry{}}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() { once.Do(func() { l.release(key, e, true) }) }, nil
}

func (l *LocalLocker) release(key string, e *lockEntry, held bool) {
	if held {
		<-e.sem
	}
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
	l.mu.Unlock()
}

// size reports the number of live keys.
func (l *LocalLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// RedisLockerConfig tunes lock expiry and acquisition polling.
type RedisLockerConfig struct {
	Prefix string
	// TTL bounds how long a crashed holder can block a call.
	TTL time.Duration

	Attempts uint
	MinDelay time.Duration
	MaxDelay time.Duration
}

func (c RedisLockerConfig) withDefaults() RedisLockerConfig {
	out := c
	if out.Prefix == "" {
		out.Prefix = "otp:call-lock:"
	}
	if out.TTL <= 0 {
		out.TTL = 15 * time.Second
	}
	if out.Attempts == 0 {
		out.Attempts = 50
	}
	if out.MinDelay <= 0 {
		out.MinDelay = 10 * time.Millisecond
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = 250 * time.Millisecond
	}
	return out
}

// RedisLocker serializes per-call mutations across API instances.

type RedisLocker struct {
	rdb redis.UniversalClient
	cfg RedisLockerConfig
	log *slog.Logger
}

func NewRedisLocker(rdb redis.UniversalClient, cfg RedisLockerConfig, log *slog.Logger) *RedisLocker {
	if log == nil {
		log = slog.Default()
	}
	return &RedisLocker{rdb: rdb, cfg: cfg.withDefaults(), log: log}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	if l.rdb == nil {
		return nil, errors.New("calls: redis locker has no client")
	}
	redisKey := l.cfg.Prefix + key
	token := uuid.NewString()

	err := retry.Do(
		func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return utils.TryLock(ctx, l.rdb, redisKey, token, l.cfg.TTL)
		},
		retry.Attempts(l.cfg.Attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(l.cfg.MinDelay),
		retry.MaxDelay(l.cfg.MaxDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, utils.ErrLockHeld) }),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release on a fresh context so a cancelled request still frees the key.
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			released, err := utils.ReleaseLock(rctx, l.rdb, redisKey, token)
			if err != nil {
				l.log.Warn("call lock release failed", "call_id", key, "err", err)
				return
			}
			if !released {
				l.log.Warn("call lock expired before release", "call_id", key, "ttl", l.cfg.TTL)
			}
		})
	}, nil
}
