package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisDispatchLocker_TryLock(t *testing.T) {
	mr, rdb := newTestRedis(t)
	locker := NewRedisDispatchLocker(rdb, "cq:")
	ctx := context.Background()

	lease, ok, err := locker.TryLock(ctx, 7, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("cq:lock:dispatch:moderator:7"))
	assert.Greater(t, mr.TTL("cq:lock:dispatch:moderator:7"), time.Duration(0))

	_, ok, err = locker.TryLock(ctx, 7, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a held lock cannot be taken twice")

	// other moderators are independent
	other, ok, err := locker.TryLock(ctx, 8, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	other.Release()

	lease.Release()
	assert.False(t, mr.Exists("cq:lock:dispatch:moderator:7"))

	_, ok, err = locker.TryLock(ctx, 7, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisDispatchLocker_Extend(t *testing.T) {
	mr, rdb := newTestRedis(t)
	locker := NewRedisDispatchLocker(rdb, "")
	ctx := context.Background()

	lease, ok, err := locker.TryLock(ctx, 1, 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(time.Second)
	held, err := lease.Extend(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, held)
	assert.Greater(t, mr.TTL("lock:dispatch:moderator:1"), 30*time.Second)

	// past the original ttl the renewed lock is still held
	mr.FastForward(5 * time.Second)
	_, ok, err = locker.TryLock(ctx, 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisDispatchLocker_StaleLeaseKeepsNewHolder(t *testing.T) {
	mr, rdb := newTestRedis(t)
	locker := NewRedisDispatchLocker(rdb, "")
	ctx := context.Background()

	stale, ok, err := locker.TryLock(ctx, 1, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = locker.TryLock(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "an expired lock can be taken over")

	held, err := stale.Extend(ctx, time.Hour)
	require.NoError(t, err)
	assert.False(t, held, "the previous holder cannot renew the new lock")
	assert.LessOrEqual(t, mr.TTL("lock:dispatch:moderator:1"), time.Minute)

	stale.Release()
	assert.True(t, mr.Exists("lock:dispatch:moderator:1"), "the previous holder must not release the new lock")
}

func TestRedisDispatchLocker_Unavailable(t *testing.T) {
	mr, rdb := newTestRedis(t)
	locker := NewRedisDispatchLocker(rdb, "")
	mr.Close()

	_, ok, err := locker.TryLock(context.Background(), 1, time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestLocalDispatchLocker_TryLock(t *testing.T) {
	locker := NewLocalDispatchLocker()
	ctx := context.Background()

	lease, ok, err := locker.TryLock(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	held, err := lease.Extend(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, held)

	lease.Release()
	held, err = lease.Extend(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, held, "a released lease cannot be renewed")

	lease, ok, err = locker.TryLock(ctx, 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	lease.Release()
}

func TestLocalDispatchLocker_ExpiredLeaseKeepsNewHolder(t *testing.T) {
	locker := NewLocalDispatchLocker()
	ctx := context.Background()

	stale, ok, err := locker.TryLock(ctx, 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok, err = locker.TryLock(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "an expired lock can be taken over")

	held, err := stale.Extend(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, held)

	stale.Release()
	_, ok, err = locker.TryLock(ctx, 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "the previous holder must not release the new lock")
}

func TestLocalDispatchLocker_ConcurrentTryLock(t *testing.T) {
	locker := NewLocalDispatchLocker()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := locker.TryLock(ctx, 3, time.Minute)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestRedisPairingCodeStore(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := NewRedisPairingCodeStore(rdb, "cq:")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "123456", 42, 5*time.Minute))
	raw, err := mr.Get("cq:pairing:code:123456")
	require.NoError(t, err)
	assert.Equal(t, "42", raw)

	id, ok, err := store.Take(ctx, "123456")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint(42), id)

	_, ok, err = store.Take(ctx, "123456")
	require.NoError(t, err)
	assert.False(t, ok, "codes are single use")

	require.NoError(t, store.Put(ctx, "654321", 1, time.Minute))
	mr.FastForward(2 * time.Minute)
	_, ok, err = store.Take(ctx, "654321")
	require.NoError(t, err)
	assert.False(t, ok, "expired codes are gone")

	require.NoError(t, mr.Set("cq:pairing:code:000000", "not-a-number"))
	_, _, err = store.Take(ctx, "000000")
	assert.Error(t, err)
}

func TestLocalPairingCodeStore(t *testing.T) {
	store := NewLocalPairingCodeStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "111111", 3, time.Minute))
	id, ok, err := store.Take(ctx, "111111")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint(3), id)

	_, ok, err = store.Take(ctx, "111111")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisEventPublisher_Publish(t *testing.T) {
	_, rdb := newTestRedis(t)
	publisher := NewRedisEventPublisher(rdb, "cq:")
	ctx := context.Background()
	assert.Equal(t, "cq:events:moderator:5", publisher.Channel(5))

	sub := rdb.Subscribe(ctx, publisher.Channel(5))
	defer func() { _ = sub.Close() }()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, publisher.Publish(ctx, 5, "session.progress", map[string]int{"ongoing": 3}))

	select {
	case msg := <-sub.Channel():
		var got struct {
			Event       string         `json:"event"`
			ModeratorID uint           `json:"moderator_id"`
			Payload     map[string]int `json:"payload"`
		}
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, "session.progress", got.Event)
		assert.Equal(t, uint(5), got.ModeratorID)
		assert.Equal(t, 3, got.Payload["ongoing"])
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestRedisEventPublisher_RejectsUnencodablePayload(t *testing.T) {
	_, rdb := newTestRedis(t)
	publisher := NewRedisEventPublisher(rdb, "")

	err := publisher.Publish(context.Background(), 1, "bad", map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestStaticTranslator_Translate(t *testing.T) {
	translator := NewStaticTranslator()

	tests := []struct {
		raw  string
		want string
	}{
		{raw: "", want: ""},
		{raw: "  Number is NOT ON WHATSAPP ", want: "The phone number is not registered on WhatsApp"},
		{raw: "request timed out", want: "WhatsApp did not respond in time"},
		{raw: "network unreachable", want: "The extension lost its network connection"},
		{raw: "lease expired before result", want: "The extension did not report back in time"},
		{raw: "something odd", want: "Sending failed: something odd"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, translator.Translate(tt.raw))
		})
	}
}
