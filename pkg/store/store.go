package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist
var ErrNotFound = errors.New("store: key not found")

// Message is a single pub/sub delivery
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live pub/sub subscription. Messages are delivered in
// publish order until Close.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Store defines the shared-state contract for the control plane: strings
// with TTL, counters, hashes, sets, sorted sets, lists, and pub/sub.
// Implementations serialize concurrent operations per key; no cross-key
// transactions are provided.
type Store interface {
	// Strings
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Hashes
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// Sets
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// Sorted sets
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZCard(ctx context.Context, key string) (int64, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error

	// Lists
	LPush(ctx context.Context, key string, values ...string) error
	RPush(ctx context.Context, key string, values ...string) error
	LPop(ctx context.Context, key string) (string, error)
	RPop(ctx context.Context, key string) (string, error)
	LRem(ctx context.Context, key string, count int64, value string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LLen(ctx context.Context, key string) (int64, error)

	// Pub/sub
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channels ...string) Subscription
	PSubscribe(ctx context.Context, patterns ...string) Subscription

	Close() error
}
