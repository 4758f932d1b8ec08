package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return Wrap(rdb, "test", zaptest.NewLogger(t)), mr
}

func ids(vals ...uint64) []uint256.Int {
	out := make([]uint256.Int, len(vals))
	for i, v := range vals {
		out[i] = *uint256.NewInt(v)
	}
	return out
}

func TestQueueIsFIFO(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Enqueue(ctx, ids(5, 1, 9)...))
	require.NoError(t, c.Enqueue(ctx, ids(2)...))

	n, err := c.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	first, err := c.Drain(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, ids(5, 1, 9), first)

	rest, err := c.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, ids(2), rest)

	empty, err := c.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDrainSkipsMalformedEntries(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	_, err := mr.Push(c.queueKey(), "7", "not-a-number", "0x9", "8")
	require.NoError(t, err)

	got, err := c.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, ids(7, 9, 8), got, "hex ids are accepted")
}

func TestRequeueCapsPoisonIds(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		requeued, dropped, err := c.Requeue(ctx, ids(1, 2), 2)
		require.NoError(t, err)
		assert.Equal(t, ids(1, 2), requeued)
		assert.Empty(t, dropped)
		_, err = c.Drain(ctx, 0)
		require.NoError(t, err)
	}

	// Settling id 2 resets its counter; id 1 has used up its budget.
	require.NoError(t, c.Forget(ctx, ids(2)...))
	requeued, dropped, err := c.Requeue(ctx, ids(1, 2), 2)
	require.NoError(t, err)
	assert.Equal(t, ids(2), requeued)
	assert.Equal(t, ids(1), dropped)

	queued, err := c.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, ids(2), queued)
}

func TestCheckpointNeverMovesBackwards(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, ok, err := c.LastBlock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "cold start has no checkpoint")

	require.NoError(t, c.SetLastBlock(ctx, 120))
	require.NoError(t, c.SetLastBlock(ctx, 100))

	block, ok, err := c.LastBlock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(120), block)

	require.NoError(t, c.SetLastBlock(ctx, 150))
	block, _, err = c.LastBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), block)
}

func TestLockExclusiveAndOwned(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	lock, err := c.AcquireLock(ctx, "batch:1-7", time.Minute)
	require.NoError(t, err)

	_, err = c.AcquireLock(ctx, "batch:1-7", time.Minute)
	require.ErrorIs(t, err, ErrLockHeld)

	other, err := c.AcquireLock(ctx, "batch:1-8", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	// An expired lease can be taken over; the stale holder must not free it.
	mr.FastForward(2 * time.Minute)
	next, err := c.AcquireLock(ctx, "batch:1-7", time.Minute)
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx))
	assert.True(t, mr.Exists(c.Key("lock:batch:1-7")))

	require.NoError(t, next.Release(ctx))
	assert.False(t, mr.Exists(c.Key("lock:batch:1-7")))
}

func TestLockRefreshExtendsLease(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	key := c.Key("lock:batch:1-7")

	lock, err := c.AcquireLock(ctx, "batch:1-7", time.Minute)
	require.NoError(t, err)

	// keep renewing past the original ttl
	for i := 0; i < 3; i++ {
		mr.FastForward(50 * time.Second)
		require.NoError(t, lock.Refresh(ctx, time.Minute))
	}
	assert.True(t, mr.Exists(key))
	_, err = c.AcquireLock(ctx, "batch:1-7", time.Minute)
	require.ErrorIs(t, err, ErrLockHeld)

	// once expired and taken by someone else, the stale holder cannot renew
	mr.FastForward(2 * time.Minute)
	next, err := c.AcquireLock(ctx, "batch:1-7", time.Minute)
	require.NoError(t, err)
	require.ErrorIs(t, lock.Refresh(ctx, time.Minute), ErrLockLost)
	require.NoError(t, next.Refresh(ctx, time.Minute))
	assert.Equal(t, time.Minute, mr.TTL(key))
}

func TestPublishJSON(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	sub := c.Subscribe(ctx, c.SettlementsChannel())
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	c.PublishJSON(ctx, c.SettlementsChannel(), map[string]string{"batch": "1-7"})

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test:settlements", msg.Channel)
	assert.JSONEq(t, `{"batch":"1-7"}`, msg.Payload)
}
