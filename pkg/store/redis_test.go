package store

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreFromClient(client)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisStoreStrings(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	// Missing key
	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	// Set / Get round trip
	require.NoError(t, s.Set(ctx, "k", "v", 0))
	val, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	// TTL expiry
	require.NoError(t, s.Set(ctx, "ttl", "x", 30*time.Second))
	mr.FastForward(31 * time.Second)
	_, err = s.Get(ctx, "ttl")
	assert.ErrorIs(t, err, ErrNotFound)

	// Exists / Delete
	ok, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, s.Delete(ctx, "k"))
	ok, err = s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreCounters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	n, err := s.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRedisStoreLists(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// FIFO via LPush head / RPop tail
	require.NoError(t, s.LPush(ctx, "q", "first"))
	require.NoError(t, s.LPush(ctx, "q", "second"))

	val, err := s.RPop(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "first", val)

	// Pop from empty list
	_, err = s.LPop(ctx, "empty")
	assert.ErrorIs(t, err, ErrNotFound)

	// Trim keeps the head of the list
	for _, v := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.LPush(ctx, "capped", v))
	}
	require.NoError(t, s.LTrim(ctx, "capped", 0, 1))
	items, err := s.LRange(ctx, "capped", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c"}, items)
}

func TestRedisStoreSortedSets(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ZAdd(ctx, "window", -50, "old"))
	require.NoError(t, s.ZAdd(ctx, "window", 100, "a"))
	require.NoError(t, s.ZAdd(ctx, "window", 200, "b"))
	require.NoError(t, s.ZAdd(ctx, "window", 300, "c"))

	n, err := s.ZCard(ctx, "window")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	// An open lower bound drops everything at or below 200, including
	// negative scores
	require.NoError(t, s.ZRemRangeByScore(ctx, "window", math.Inf(-1), 200))
	n, err = s.ZCard(ctx, "window")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestFormatScore(t *testing.T) {
	assert.Equal(t, "-inf", formatScore(math.Inf(-1)))
	assert.Equal(t, "+inf", formatScore(math.Inf(1)))
	assert.Equal(t, "42", formatScore(42))
	assert.Equal(t, "0.5", formatScore(0.5))
}

func TestRedisStorePubSub(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sub := s.Subscribe(ctx, "events")
	defer sub.Close()

	// miniredis delivers synchronously once subscribed
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Publish(ctx, "events", `{"type":"test"}`))

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "events", msg.Channel)
		assert.Equal(t, `{"type":"test"}`, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pub/sub delivery")
	}
}
