package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultRedisTTL bounds how long an orphaned artifact survives in redis.
const DefaultRedisTTL = 10 * time.Minute

// KV abstracts the redis operations the backend needs so tests can stub them.
type KV interface {
	SetNX(ctx context.Context, key string, value []byte, expiration time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, key string) error
}

// RedisKV is the go-redis implementation of KV.
type RedisKV struct {
	client *redis.Client
}

func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

func (k *RedisKV) SetNX(ctx context.Context, key string, value []byte, expiration time.Duration) (bool, error) {
	return k.client.SetNX(ctx, key, value, expiration).Result()
}

func (k *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := k.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return value, err
}

// Del succeeds whether or not the key existed.
func (k *RedisKV) Del(ctx context.Context, key string) error {
	return k.client.Del(ctx, key).Err()
}

// RedisBackend stores artifact bytes under prefixed keys with a TTL.
type RedisBackend struct {
	kv      KV
	prefix  string
	ttl     time.Duration
	baseURL string
}

func NewRedisBackend(kv KV, prefix string, ttl time.Duration, baseURL string) *RedisBackend {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisBackend{kv: kv, prefix: prefix, ttl: ttl, baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (b *RedisBackend) key(name string) string { return b.prefix + name }

func (b *RedisBackend) Put(ctx context.Context, name string, r io.Reader, _ string) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("failed to read data: %w", err)
	}
	ok, err := b.kv.SetNX(ctx, b.key(name), data, b.ttl)
	if err != nil {
		return 0, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return 0, ErrExists
	}
	return int64(len(data)), nil
}

func (b *RedisBackend) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	data, err := b.kv.Get(ctx, b.key(name))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *RedisBackend) Remove(ctx context.Context, name string) error {
	if err := b.kv.Del(ctx, b.key(name)); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (b *RedisBackend) URL(_ context.Context, name string) (string, error) {
	return PublicURL(b.baseURL, name), nil
}
