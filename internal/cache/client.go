package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Client wraps a Redis connection as an explicit object with New()/Close()
// lifecycle rather than package-level hidden state for a process-wide
// singleton.
type Client struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New parses url and opens a Redis client. It does not block on connectivity;
// callers that want a readiness check should call Ping.
func New(url string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Client{rdb: redis.NewClient(opts), logger: logger}, nil
}

// Ping verifies connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Raw exposes the underlying client for operations this package does not
// wrap directly (used sparingly, e.g. by the scheduler's singleton lock).
func (c *Client) Raw() *redis.Client { return c.rdb }

// warnOnFailure logs a best-effort cache failure without propagating it:
// cache and pub/sub failures are never fatal to a write path, the database
// remains the source of truth.
func (c *Client) warnOnFailure(op string, err error) {
	if err != nil {
		c.logger.Warn("cache operation failed, continuing", "op", op, "error", err)
	}
}
