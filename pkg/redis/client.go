package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fairbatch/settler/pkg/utils"
)

// DefaultPrefix namespaces every key the settler writes.
const DefaultPrefix = "settler"

// Options configures a Client.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key as "<prefix>:".
	Prefix string
}

// OptionsFromEnv reads the connection settings.
// Environment variables:
//   - REDIS_HOST: Redis host (default: "localhost")
//   - REDIS_PORT: Redis port (default: "6379")
//   - REDIS_PASSWORD: Redis password (default: "")
//   - REDIS_DB: Redis database number (default: 0)
//   - REDIS_PREFIX: key prefix (default: "settler")
func OptionsFromEnv() Options {
	return Options{
		Addr:     fmt.Sprintf("%s:%s", utils.Env("REDIS_HOST", "localhost"), utils.Env("REDIS_PORT", "6379")),
		Password: utils.Env("REDIS_PASSWORD", ""),
		DB:       int(utils.EnvInt64("REDIS_DB", 0)),
		Prefix:   utils.Env("REDIS_PREFIX", DefaultPrefix),
	}
}

// Client wraps the Redis client backing the work queue, the watcher checkpoint,
// the batch locks and the settlement Pub/Sub channel.
type Client struct {
	client *redis.Client
	logger *zap.Logger
	prefix string
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, opts Options, logger *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,

		// Connection pool
		PoolSize:     10,
		MinIdleConns: 2,

		// Timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
		zap.String("prefix", opts.Prefix))

	return Wrap(rdb, opts.Prefix, logger), nil
}

// Wrap builds a Client around an existing connection.
func Wrap(rdb *redis.Client, prefix string, logger *zap.Logger) *Client {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Client{client: rdb, logger: logger, prefix: prefix}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Key returns the namespaced form of name.
func (c *Client) Key(name string) string {
	return c.prefix + ":" + name
}

// Health checks if Redis is healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// SettlementsChannel is the Pub/Sub channel settlement outcomes are published on.
func (c *Client) SettlementsChannel() string {
	return c.Key("settlements")
}

// PublishJSON publishes v as JSON on a Pub/Sub channel.
// This is best-effort: errors are logged but not returned so a slow or absent
// subscriber never fails a settlement.
func (c *Client) PublishJSON(ctx context.Context, channel string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("Failed to encode Redis message", zap.String("channel", channel), zap.Error(err))
		return
	}
	if err := c.client.Publish(ctx, channel, payload).Err(); err != nil {
		c.logger.Warn("Failed to publish Redis message",
			zap.String("channel", channel),
			zap.Error(err))
	}
}

// Subscribe subscribes to one or more Redis Pub/Sub channels.
// The caller is responsible for closing the PubSub object when done.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	c.logger.Debug("Subscribing to Redis channels", zap.Strings("channels", channels))
	return c.client.Subscribe(ctx, channels...)
}
