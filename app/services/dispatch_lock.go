package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amirphl/clinic-queue/utils"
	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DispatchLease is a held dispatch lock
type DispatchLease interface {
	// Extend pushes the expiry ttl into the future. ok is false once the lock
	// expired or was taken over.
	Extend(ctx context.Context, ttl time.Duration) (ok bool, err error)
	Release()
}

// releaseScript deletes the lock only when it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript renews the lock only when it still holds our token
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisDispatchLocker serialises dispatch cycles of a moderator across instances
type RedisDispatchLocker struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisDispatchLocker creates a lock on top of SET NX with a per-holder token
func NewRedisDispatchLocker(rdb *redis.Client, prefix string) *RedisDispatchLocker {
	return &RedisDispatchLocker{rdb: rdb, prefix: prefix}
}

func (l *RedisDispatchLocker) key(moderatorID uint) string {
	return l.prefix + fmt.Sprintf(utils.DispatchLockKeyFormat, moderatorID)
}

func (l *RedisDispatchLocker) TryLock(ctx context.Context, moderatorID uint, ttl time.Duration) (DispatchLease, bool, error) {
	token, err := lockToken()
	if err != nil {
		return nil, false, err
	}
	key := l.key(moderatorID)
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{rdb: l.rdb, key: key, token: token}, true, nil
}

type redisLease struct {
	rdb   *redis.Client
	key   string
	token string
}

func (l *redisLease) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("failed to extend %s: %w", l.key, err)
	}
	return n == 1, nil
}

func (l *redisLease) Release() {
	// the caller's context may already be cancelled
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		zap.L().Warn("Failed to release dispatch lock", zap.String("key", l.key), zap.Error(err))
	}
}

// LocalDispatchLocker is the single-instance fallback used when redis is disabled
type LocalDispatchLocker struct {
	mu sync.Mutex
	c  *cache.Cache
}

// NewLocalDispatchLocker creates an in-process lock table
func NewLocalDispatchLocker() *LocalDispatchLocker {
	return &LocalDispatchLocker{c: cache.New(cache.NoExpiration, time.Minute)}
}

func (l *LocalDispatchLocker) TryLock(_ context.Context, moderatorID uint, ttl time.Duration) (DispatchLease, bool, error) {
	token, err := lockToken()
	if err != nil {
		return nil, false, err
	}
	key := fmt.Sprintf(utils.DispatchLockKeyFormat, moderatorID)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.c.Add(key, token, ttl); err != nil {
		return nil, false, nil
	}
	return &localLease{locker: l, key: key, token: token}, true, nil
}

// holds expects l.mu to be held
func (l *LocalDispatchLocker) holds(key, token string) bool {
	v, ok := l.c.Get(key)
	return ok && v == token
}

type localLease struct {
	locker *LocalDispatchLocker
	key    string
	token  string
}

func (l *localLease) Extend(_ context.Context, ttl time.Duration) (bool, error) {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if !l.locker.holds(l.key, l.token) {
		return false, nil
	}
	l.locker.c.Set(l.key, l.token, ttl)
	return true, nil
}

func (l *localLease) Release() {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if l.locker.holds(l.key, l.token) {
		l.locker.c.Delete(l.key)
	}
}

func lockToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
