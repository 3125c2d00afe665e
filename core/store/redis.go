package store

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores each record as a string key <prefix><name>.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

// Kind implements Backend.
func (b *RedisBackend) Kind() string { return "redis" }

// Load implements Backend.
func (b *RedisBackend) Load(ctx context.Context, name string) ([]byte, error) {
	data, err := b.client.Get(ctx, b.prefix+name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}

// Save implements Backend.
func (b *RedisBackend) Save(ctx context.Context, name string, data []byte) error {
	return b.client.Set(ctx, b.prefix+name, data, 0).Err()
}
