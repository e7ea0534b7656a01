package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the claim store client. Claims are small and
// short-lived, so the pool stays modest.
type RedisConfig struct {
	Addr string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	PoolSize        int
	MinIdleConns    int
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 10
	}
	if out.MinIdleConns < 0 {
		out.MinIdleConns = 0
	}
	if out.PoolTimeout <= 0 {
		out.PoolTimeout = 2 * time.Second
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		PoolTimeout:     cfg.PoolTimeout,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

var claimScript = redis.NewScript(`
-- KEYS[1] = claim key
-- ARGV[1] = value to store when unclaimed
-- ARGV[2] = ttl_ms (int)
--
-- Returns:
--  {1, ARGV[1]} if claimed
--  {0, existing} if the key was already claimed
local existing = redis.call('GET', KEYS[1])
if existing then
  return {0, existing}
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return {1, ARGV[1]}
`)

var releaseScript = redis.NewScript(`
-- KEYS[1] = claim key
-- ARGV[1] = value the caller stored
-- Deletes only if the claim still holds the caller's value.
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// ClaimKey stores value under key unless the key exists, in one Lua call.
// It returns the value the key holds and whether this call claimed it.
// Call log submissions and lead mutations are de-duplicated this way; ttl
// bounds how long a crashed claimant can block a retry.
func ClaimKey(ctx context.Context, rdb *redis.Client, key, value string, ttl time.Duration) (string, bool, error) {
	if rdb == nil {
		return "", false, fmt.Errorf("redis client is nil")
	}
	if key == "" {
		return "", false, fmt.Errorf("key is required")
	}
	if ttl <= 0 {
		return "", false, fmt.Errorf("ttl must be > 0")
	}

	res, err := claimScript.Run(ctx, rdb, []string{key}, value, ttl.Milliseconds()).Slice()
	if err != nil {
		return "", false, err
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("unexpected claim reply: %v", res)
	}
	claimed, _ := res[0].(int64)
	held, _ := res[1].(string)
	return held, claimed == 1, nil
}

// UpdateClaim replaces the value of an existing claim and resets its TTL.
// A zero ttl keeps the current one.
func UpdateClaim(ctx context.Context, rdb *redis.Client, key, value string, ttl time.Duration) error {
	if rdb == nil {
		return fmt.Errorf("redis client is nil")
	}
	args := redis.SetArgs{Mode: "XX"}
	if ttl > 0 {
		args.TTL = ttl
	} else {
		args.KeepTTL = true
	}
	err := rdb.SetArgs(ctx, key, value, args).Err()
	if errors.Is(err, redis.Nil) {
		// XX on a missing key: the claim expired.
		return nil
	}
	return err
}

// ReleaseKey drops a claim if it still holds value.
func ReleaseKey(ctx context.Context, rdb *redis.Client, key, value string) error {
	if rdb == nil {
		return fmt.Errorf("redis client is nil")
	}
	if key == "" {
		return fmt.Errorf("key is required")
	}
	_, err := releaseScript.Run(ctx, rdb, []string{key}, value).Result()
	return err
}
