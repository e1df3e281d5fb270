package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for the failed-job queue and the batch-size cache.
type Client struct {
	rdb       *redis.Client
	namespace string
}

// Config holds Redis connection configuration.
type Config struct {
	URL       string `yaml:"url"`
	Password  string `yaml:"password"`
	Namespace string `yaml:"namespace"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ns := cfg.Namespace
	if ns == "" {
		ns = "keywatcher"
	}
	return &Client{rdb: rdb, namespace: ns}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func batchSizeKey(namespace, contract string) string {
	return fmt.Sprintf("%s:batch_size:%s", namespace, contract)
}

// GetBatchSize returns the probed getSigningKeys page size of a contract.
func (c *Client) GetBatchSize(ctx context.Context, contract string) (uint64, bool, error) {
	val, err := c.rdb.Get(ctx, batchSizeKey(c.namespace, contract)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get failed: %w", err)
	}
	size, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid batch size %q: %w", val, err)
	}
	return size, true, nil
}

// SetBatchSize stores the probed page size. It never expires; a contract
// upgrade needs a manual reset.
func (c *Client) SetBatchSize(ctx context.Context, contract string, size uint64) error {
	key := batchSizeKey(c.namespace, contract)
	return c.rdb.Set(ctx, key, strconv.FormatUint(size, 10), 0).Err()
}

// ClearBatchSize forgets the probed page size of a contract.
func (c *Client) ClearBatchSize(ctx context.Context, contract string) error {
	return c.rdb.Del(ctx, batchSizeKey(c.namespace, contract)).Err()
}
