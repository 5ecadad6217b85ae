// Package kvstore adapts cryovault's metadata and coordination needs onto a
// single external key-value store. Every other package in cryovault talks
// to the KV exclusively through the Client interface defined here; nothing
// outside this package knows that Redis is the backing implementation.
package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kvstore: key not found")

// Client is the minimal KV surface cryovault's control and data planes
// require: set-if-absent (for the fenced leader lease), get/set (for
// metadata documents and lease renewal), expire (for TTL refresh), and
// prefix enumeration (for scanning all file metadata).
//
// Every method takes a context and must be cancellable; callers bound
// calls with an implementation-defined timeout rather than blocking
// indefinitely on a slow or partitioned KV.
type Client interface {
	// SetIfAbsent atomically creates key with value and ttl only if key does
	// not already exist. It reports whether the create happened.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns the current value of key, or ErrNotFound if absent.
	Get(ctx context.Context, key string) (string, error)

	// Set unconditionally writes key to value with no expiry.
	Set(ctx context.Context, key, value string) error

	// Expire refreshes key's TTL. It is a no-op error-wise if key is absent
	// (callers that require the key to exist should Get first).
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Keys returns every key with the given prefix. Order is unspecified.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// RedisClient implements Client over a github.com/redis/go-redis/v9
// connection, the real external KV store cryovault deploys against.
type RedisClient struct {
	rdb *redis.Client
}

// New wraps an already configured go-redis client (for example one built
// from redis.ParseURL options, as NewFromURL does) as a Client.
func New(rdb *redis.Client) *RedisClient {
	return &RedisClient{rdb: rdb}
}

// NewFromURL parses url (e.g. "redis://127.0.0.1:6379") and returns a
// connected RedisClient.
func NewFromURL(url string) (*RedisClient, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return New(redis.NewClient(opt)), nil
}

func (c *RedisClient) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (c *RedisClient) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (c *RedisClient) Set(ctx context.Context, key, value string) error {
	return c.rdb.Set(ctx, key, value, 0).Err()
}

func (c *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

func (c *RedisClient) Keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := c.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	return out, iter.Err()
}
