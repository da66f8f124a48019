package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNil is returned by Get when the key does not exist.
var ErrNil = redis.Nil

type (
	RedisService struct {
		rdb    redis.UniversalClient
		prefix string
	}
)

func NewRedis(rdb redis.UniversalClient, prefix string) *RedisService {
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

func (r *RedisService) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisService) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return r.rdb.Set(ctx, r.key(key), value, ttl).Err()
}

// ErrConflict is returned by Update when the key kept changing under it.
var ErrConflict = errors.New("redis: key changed during update")

const maxUpdateAttempts = 5

// Update replaces the value at key with fn(current) inside a WATCH/MULTI
// transaction, keeping the remaining TTL. It returns ErrNil without calling
// fn when the key does not exist.
func (r *RedisService) Update(ctx context.Context, key string, fn func(cur []byte) ([]byte, error)) error {
	k := r.key(key)
	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, k).Bytes()
		if err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.SetArgs(ctx, k, next, redis.SetArgs{KeepTTL: true})
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateAttempts; i++ {
		err := r.rdb.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

func (r *RedisService) Get(ctx context.Context, key string) ([]byte, error) {
	return r.rdb.Get(ctx, r.key(key)).Bytes()
}

func (r *RedisService) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisService) Del(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, r.key(key)).Err()
}

// GetSet swaps the value at key and returns the previous one (nil if unset).
func (r *RedisService) GetSet(ctx context.Context, key string, value any, ttl time.Duration) ([]byte, error) {
	prev, err := r.rdb.SetArgs(ctx, r.key(key), value, redis.SetArgs{Get: true, TTL: ttl}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(prev), nil
}

func (r *RedisService) Close() error {
	return r.rdb.Close()
}
