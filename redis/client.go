// Package redis wraps the go-redis client and hosts the job-queue
// repository used by the batch runner and the control plane.
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client wraps the go-redis client with connection diagnostics.
type Client struct {
	*redis.Client
	log *zap.Logger
}

// NewClient creates a configured redis client and probes the connection.
func NewClient(addr string, db int, log *zap.Logger) *Client {
	opts := &redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	}

	client := &Client{
		Client: redis.NewClient(opts),
		log:    log.Named("redis"),
	}

	log.Info("redis client initialized",
		zap.String("addr", addr),
		zap.Int("db", db),
	)

	client.Ping(context.TODO())

	return client
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	return c.Client.Close()
}

// Ping probes the connection with a short budget and logs the outcome;
// startup proceeds either way, so a late redis only degrades the features
// that need it.
func (c *Client) Ping(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	if err := c.Client.Ping(ctx).Err(); err != nil {
		c.log.Warn("redis unreachable", zap.Error(err))
		return
	}
	c.log.Info("redis reachable")
}
