package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/amirphl/clinic-queue/utils"
	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// RedisPairingCodeStore keeps pairing codes in redis so any instance can complete a pairing
type RedisPairingCodeStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisPairingCodeStore creates a redis backed pairing code store
func NewRedisPairingCodeStore(rdb *redis.Client, prefix string) *RedisPairingCodeStore {
	return &RedisPairingCodeStore{rdb: rdb, prefix: prefix}
}

func (s *RedisPairingCodeStore) key(code string) string {
	return s.prefix + fmt.Sprintf(utils.PairingCodeKeyFormat, code)
}

func (s *RedisPairingCodeStore) Put(ctx context.Context, code string, moderatorID uint, ttl time.Duration) error {
	return s.rdb.Set(ctx, s.key(code), strconv.FormatUint(uint64(moderatorID), 10), ttl).Err()
}

// Take reads and deletes the code atomically so a code pairs one device at most
func (s *RedisPairingCodeStore) Take(ctx context.Context, code string) (uint, bool, error) {
	raw, err := s.rdb.GetDel(ctx, s.key(code)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt pairing code entry: %w", err)
	}
	return uint(id), true, nil
}

// LocalPairingCodeStore keeps pairing codes in process memory
type LocalPairingCodeStore struct {
	c *cache.Cache
}

// NewLocalPairingCodeStore creates an in-process pairing code store
func NewLocalPairingCodeStore() *LocalPairingCodeStore {
	return &LocalPairingCodeStore{c: cache.New(utils.PairingCodeTTL, time.Minute)}
}

func (s *LocalPairingCodeStore) Put(_ context.Context, code string, moderatorID uint, ttl time.Duration) error {
	s.c.Set(code, moderatorID, ttl)
	return nil
}

func (s *LocalPairingCodeStore) Take(_ context.Context, code string) (uint, bool, error) {
	v, ok := s.c.Get(code)
	if !ok {
		return 0, false, nil
	}
	s.c.Delete(code)
	id, ok := v.(uint)
	return id, ok, nil
}
