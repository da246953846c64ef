package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store backed by a Redis server
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the Redis server at url (redis://host:port/db)
// and verifies the connection. An unreachable or misconfigured store is a
// startup failure, not something to limp along without.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid store URL %q: %v", url, err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach store at %s: %v", url, err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests to point
// the store at an in-process server.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	return s.client.HSet(ctx, key, field, value).Err()
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	return s.client.HDel(ctx, key, fields...).Err()
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	return s.client.SAdd(ctx, key, toAny(members)...).Err()
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	return s.client.SRem(ctx, key, toAny(members)...).Err()
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	return s.client.SCard(ctx, key).Result()
}

func (s *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return s.client.SIsMember(ctx, key, member).Result()
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	return s.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err()
}

// formatScore renders a zset range bound the way Redis expects,
// mapping infinities to the -inf/+inf open-bound syntax
func formatScore(v float64) string {
	switch {
	case math.IsInf(v, -1):
		return "-inf"
	case math.IsInf(v, 1):
		return "+inf"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	return s.client.LPush(ctx, key, toAny(values)...).Err()
}

func (s *RedisStore) RPush(ctx context.Context, key string, values ...string) error {
	return s.client.RPush(ctx, key, toAny(values)...).Err()
}

func (s *RedisStore) LPop(ctx context.Context, key string) (string, error) {
	val, err := s.client.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) RPop(ctx context.Context, key string) (string, error) {
	val, err := s.client.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) LRem(ctx context.Context, key string, count int64, value string) error {
	return s.client.LRem(ctx, key, count, value).Err()
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, key, start, stop).Result()
}

func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	return s.client.LTrim(ctx, key, start, stop).Err()
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	return s.client.LLen(ctx, key).Result()
}

func (s *RedisStore) Publish(ctx context.Context, channel, payload string) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, channels ...string) Subscription {
	return newRedisSubscription(ctx, s.client.Subscribe(ctx, channels...))
}

func (s *RedisStore) PSubscribe(ctx context.Context, patterns ...string) Subscription {
	return newRedisSubscription(ctx, s.client.PSubscribe(ctx, patterns...))
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	msgs   chan Message
}

func newRedisSubscription(ctx context.Context, pubsub *redis.PubSub) *redisSubscription {
	sub := &redisSubscription{
		pubsub: pubsub,
		msgs:   make(chan Message, 64),
	}

	go func() {
		defer close(sub.msgs)
		for msg := range pubsub.Channel() {
			select {
			case sub.msgs <- Message{Channel: msg.Channel, Payload: msg.Payload}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return sub
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.msgs
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}

func toAny(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
