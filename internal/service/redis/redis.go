package redis

import (
	"context"
	"errors"

	"e2e_room_chat/internal/repository/local"

	"github.com/redis/go-redis/v9"
)

type (
	// RedisService stores device state in redis under a per-device prefix.
	RedisService struct {
		rdb    *redis.Client
		prefix string
	}
)

var _ local.KV = (*RedisService)(nil)

func NewRedis(rdb *redis.Client, prefix string) *RedisService {
	return &RedisService{
		rdb:    rdb,
		prefix: prefix,
	}
}

func (r *RedisService) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}

func (r *RedisService) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, local.ErrNotFound
	}
	return v, err
}

// Set stores value without expiry; the identity must outlive any session.
func (r *RedisService) Set(ctx context.Context, key string, value []byte) error {
	return r.rdb.Set(ctx, r.key(key), value, 0).Err()
}

func (r *RedisService) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	return r.rdb.Del(ctx, full...).Err()
}

func (r *RedisService) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
