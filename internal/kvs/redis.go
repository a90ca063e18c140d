package kvs

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/novaos/core/internal/config"
)

// RedisStore implements Store on go-redis v9. All keys are namespaced with
// the configured prefix so several deployments can share one instance.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore connects and pings before returning; the caller decides
// whether a connection failure means fall back to the in-memory store.
func NewRedisStore(cfg config.KVSConfig) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  time.Duration(cfg.ConnectTimeout) * time.Millisecond,
		ReadTimeout:  time.Duration(cfg.CommandTimeout) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.CommandTimeout) * time.Millisecond,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     20,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ConnectTimeout)*time.Millisecond)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}

	slog.Info("Redis connected", "addr", opts.Addr, "db", cfg.DB, "prefix", cfg.KeyPrefix)
	return &RedisStore{rdb: rdb, prefix: cfg.KeyPrefix}, nil
}

func (s *RedisStore) k(key string) string { return s.prefix + key }

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, s.k(key)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, s.k(key), value, ttl).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, s.k(key), value, ttl).Result()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.k(k)
	}
	return s.rdb.Del(ctx, full...).Err()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, s.k(key), ttl).Err()
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Incr(ctx, s.k(key)).Result()
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return s.rdb.IncrBy(ctx, s.k(key), delta).Result()
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	return s.rdb.SAdd(ctx, s.k(key), toIfaces(members)...).Err()
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	return s.rdb.SRem(ctx, s.k(key), toIfaces(members)...).Err()
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, s.k(key)).Result()
}

func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	return s.rdb.SCard(ctx, s.k(key)).Result()
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, members ...ScoredMember) error {
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Score: m.Score, Member: m.Member}
	}
	return s.rdb.ZAdd(ctx, s.k(key), zs...).Err()
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) error {
	return s.rdb.ZRem(ctx, s.k(key), toIfaces(members)...).Err()
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, s.k(key), &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	return s.rdb.LPush(ctx, s.k(key), toIfaces(values)...).Err()
}

func (s *RedisStore) RPush(ctx context.Context, key string, values ...string) error {
	return s.rdb.RPush(ctx, s.k(key), toIfaces(values)...).Err()
}

func (s *RedisStore) LPop(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.LPop(ctx, s.k(key)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.LRange(ctx, s.k(key), start, stop).Result()
}

// Scan uses cursor-based SCAN so the sweep never blocks the server.
func (s *RedisStore) Scan(ctx context.Context, pattern string, fn func(key string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.k(pattern), 256).Result()
		if err != nil {
			return err
		}
		for _, key := range keys {
			// Hand back the logical key, without the namespace prefix.
			if err := fn(key[len(s.prefix):]); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func toIfaces(members []string) []interface{} {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return ifaces
}
