package enrich

import (
	"context"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
)

// RedisLookup resolves keys with HGETALL <prefix><key>.
// A missing or empty hash means not found.
type RedisLookup struct {
	pool   *redis.Pool
	prefix string
}

// NewRedisPool creates a connection pool for addr
func NewRedisPool(addr string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     8,
		IdleTimeout: 5 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", addr,
				redis.DialConnectTimeout(5*time.Second),
				redis.DialReadTimeout(2*time.Second),
				redis.DialWriteTimeout(2*time.Second),
			)
		},
		TestOnBorrow: func(c redis.Conn, lastUsed time.Time) error {
			if time.Since(lastUsed) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// NewRedisLookup creates a Redis-backed lookup
func NewRedisLookup(pool *redis.Pool, prefix string) *RedisLookup {
	return &RedisLookup{pool: pool, prefix: prefix}
}

// Lookup implements Lookup
func (r *RedisLookup) Lookup(ctx context.Context, key string) (Record, bool, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("establishing connection: %w", err)
	}
	defer conn.Close()

	values, err := redis.StringMap(redis.DoContext(conn, ctx, "HGETALL", r.prefix+key))
	if err != nil {
		return nil, false, fmt.Errorf("HGETALL %s%s: %w", r.prefix, key, err)
	}
	if len(values) == 0 {
		return nil, false, nil
	}
	return Record(values), true, nil
}

// Close closes the underlying pool
func (r *RedisLookup) Close() error {
	return r.pool.Close()
}
