package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

func (c *Client) checkpointKey() string { return c.Key("watcher:last_block") }

// LastBlock returns the last fully processed block. ok is false on a cold start.
func (c *Client) LastBlock(ctx context.Context) (block uint64, ok bool, err error) {
	raw, err := c.client.Get(ctx, c.checkpointKey()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read checkpoint: %w", err)
	}
	block, err = strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse checkpoint %q: %w", raw, err)
	}
	return block, true, nil
}

// SetLastBlock stores the checkpoint. It never moves the checkpoint backwards.
func (c *Client) SetLastBlock(ctx context.Context, block uint64) error {
	err := setMaxScript.Run(ctx, c.client, []string{c.checkpointKey()}, block).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("write checkpoint %d: %w", block, err)
	}
	return nil
}

var setMaxScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false or tonumber(cur) < tonumber(ARGV[1]) then
  redis.call("SET", KEYS[1], ARGV[1])
  return 1
end
return 0
`)
