package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/AlfredDev/sentrybox/config"
	"github.com/redis/go-redis/v9"
)

// Client wraps a *redis.Client for the components that need a shared
// connection: the tiered queue, the ledger's hot-path cache, and the
// event bus.
type Client struct {
	c *redis.Client
}

// New creates a Redis client from the provided config. Returns an error
// if the Redis URL cannot be parsed.
func New(cfg *config.Config) (*Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	r := redis.NewClient(opt)
	return &Client{c: r}, nil
}

func (r *Client) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.c.Ping(ctx).Err()
}

// Raw exposes the underlying go-redis client for components that need
// the full command surface (sorted sets, pub/sub, Lua scripts).
func (r *Client) Raw() *redis.Client {
	return r.c
}

func (r *Client) Close() error {
	return r.c.Close()
}
