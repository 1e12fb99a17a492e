// Package redis wraps go-redis/v9 for the one thing indexsync keeps in
// Redis: owner-checked, TTL-bound locks that let several instances share a
// retention schedule without sweeping twice.
package redis

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/config"
)

const lockPrefix = "indexsync:lock:"

// Client wraps a go-redis client with a per-process lock owner id.
type Client struct {
	rdb     *redis.Client
	ownerID string
}

// NewClient creates a Redis client and verifies the connection with a PING.
func NewClient(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return Wrap(rdb), nil
}

// Wrap builds a Client around an existing go-redis client.
func Wrap(rdb *redis.Client) *Client {
	hostname, _ := os.Hostname()
	return &Client{
		rdb:     rdb,
		ownerID: fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), uuid.NewString()),
	}
}

// Acquire takes the named lock for ttl with SET NX. It reports false when
// another owner holds it.
func (c *Client) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, lockPrefix+name, c.ownerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return ok, nil
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Release drops the lock if this client still owns it. Releasing a lock
// that expired or belongs to someone else is a no-op.
func (c *Client) Release(ctx context.Context, name string) error {
	_, err := releaseScript.Run(ctx, c.rdb, []string{lockPrefix + name}, c.ownerID).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// Extend pushes the lock's expiry out to ttl from now.
func (c *Client) Extend(ctx context.Context, name string, ttl time.Duration) error {
	res, err := extendScript.Run(ctx, c.rdb, []string{lockPrefix + name}, c.ownerID, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", name, err)
	}
	if res == 0 {
		return fmt.Errorf("lock %s not held by %s", name, c.ownerID)
	}
	return nil
}

// OwnerID identifies this process as a lock holder.
func (c *Client) OwnerID() string {
	return c.ownerID
}

// Ping sends a PING to Redis and returns any error.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the underlying Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
