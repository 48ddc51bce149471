package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"x402-engine/internal/config"
	"x402-engine/internal/observability"

	"github.com/redis/go-redis/v9"
)

// Client wraps the Redis client with observability
type Client struct {
	client *redis.Client
	logger *observability.Logger
}

// NewClient creates a new Redis client. It returns nil when no address is configured.
func NewClient(cfg config.RedisConfig, logger *observability.Logger) (*Client, error) {
	if cfg.Addr == "" {
		logger.Info(context.Background(), "Redis is disabled, skipping client initialization")
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ctx = observability.WithFields(ctx,
		observability.Field{Key: "addr", Value: cfg.Addr},
		observability.Field{Key: "db", Value: cfg.DB},
	)
	logger.Info(ctx, "successfully connected to Redis")

	return &Client{client: client, logger: logger}, nil
}

// NewFromClient wraps an existing go-redis client.
func NewFromClient(client *redis.Client, logger *observability.Logger) *Client {
	return &Client{client: client, logger: logger}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	if c == nil {
		return nil
	}
	return c.client
}

// Close closes the Redis connection
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// IsEnabled returns whether Redis is enabled
func (c *Client) IsEnabled() bool {
	return c != nil && c.client != nil
}

// WindowAdd records member at time at in the sorted set key, trims entries
// older than the window and refreshes the key's expiry.
func (c *Client) WindowAdd(ctx context.Context, key, member string, at time.Time, window time.Duration) error {
	if !c.IsEnabled() {
		return fmt.Errorf("Redis client not initialized")
	}
	cutoff := strconv.FormatInt(at.Add(-window).UnixMilli(), 10)

	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update window %s: %w", key, err)
	}
	return nil
}

// WindowCount counts members of key scored at or after since.
func (c *Client) WindowCount(ctx context.Context, key string, since time.Time) (int64, error) {
	if !c.IsEnabled() {
		return 0, fmt.Errorf("Redis client not initialized")
	}
	n, err := c.client.ZCount(ctx, key, strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count window %s: %w", key, err)
	}
	return n, nil
}
