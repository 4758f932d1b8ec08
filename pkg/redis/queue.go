package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fairbatch/settler/pkg/intent"
)

// The work queue is a Redis list of decimal request ids. Producers RPUSH, the
// settlement loop LPOPs, so ids come out in arrival order. A hash keeps how
// many times each id has been put back after a failed batch.

func (c *Client) queueKey() string    { return c.Key("queue:ready") }
func (c *Client) attemptsKey() string { return c.Key("queue:attempts") }

// Enqueue appends request ids to the tail of the queue.
func (c *Client) Enqueue(ctx context.Context, ids ...uint256.Int) error {
	if len(ids) == 0 {
		return nil
	}
	values := make([]interface{}, len(ids))
	for i := range ids {
		values[i] = ids[i].Dec()
	}
	if err := c.client.RPush(ctx, c.queueKey(), values...).Err(); err != nil {
		return fmt.Errorf("enqueue %d ids: %w", len(ids), err)
	}
	return nil
}

// Drain pops up to max ids from the head of the queue. Entries that do not parse
// as request ids are logged and dropped.
func (c *Client) Drain(ctx context.Context, max int) ([]uint256.Int, error) {
	var out []uint256.Int
	for max <= 0 || len(out) < max {
		raw, err := c.client.LPop(ctx, c.queueKey()).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("drain queue: %w", err)
		}
		id, err := intent.ParseRequestID(raw)
		if err != nil {
			c.logger.Warn("Dropping malformed queue entry", zap.String("entry", raw), zap.Error(err))
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// Len returns the number of ids waiting in the queue.
func (c *Client) Len(ctx context.Context) (int64, error) {
	return c.client.LLen(ctx, c.queueKey()).Result()
}

// Requeue puts ids back on the queue. Ids that have already been requeued
// maxRequeue times are dropped and returned separately. maxRequeue <= 0
// disables the cap.
func (c *Client) Requeue(ctx context.Context, ids []uint256.Int, maxRequeue int) (requeued, dropped []uint256.Int, err error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	pipe := c.client.TxPipeline()
	counts := make([]*redis.IntCmd, len(ids))
	for i := range ids {
		counts[i] = pipe.HIncrBy(ctx, c.attemptsKey(), ids[i].Dec(), 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, nil, fmt.Errorf("count requeue attempts: %w", err)
	}

	var poisoned []string
	for i := range ids {
		if maxRequeue > 0 && counts[i].Val() > int64(maxRequeue) {
			dropped = append(dropped, ids[i])
			poisoned = append(poisoned, ids[i].Dec())
			continue
		}
		requeued = append(requeued, ids[i])
	}
	if len(poisoned) > 0 {
		c.logger.Warn("Dropping ids that exceeded the requeue limit",
			zap.Strings("request_ids", poisoned),
			zap.Int("max_requeue", maxRequeue))
		if err := c.client.HDel(ctx, c.attemptsKey(), poisoned...).Err(); err != nil {
			return nil, nil, fmt.Errorf("clear requeue attempts: %w", err)
		}
	}
	if err := c.Enqueue(ctx, requeued...); err != nil {
		return nil, dropped, err
	}
	return requeued, dropped, nil
}

// Forget clears the requeue counters of ids that reached a final state.
func (c *Client) Forget(ctx context.Context, ids ...uint256.Int) error {
	if len(ids) == 0 {
		return nil
	}
	fields := make([]string, len(ids))
	for i := range ids {
		fields[i] = ids[i].Dec()
	}
	return c.client.HDel(ctx, c.attemptsKey(), fields...).Err()
}
