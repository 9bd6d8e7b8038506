package redisqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/entitle/internal/clock"
	"github.com/smallbiznis/entitle/internal/queue"
	"github.com/smallbiznis/entitle/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *clock.FakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(client, testutil.Node(t), clk, "test:queue"), clk
}

func TestEnqueueReceiveAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job := queue.AutoTopUpJob{
		CustomerID: "cus_1",
		FeatureID:  "messages",
		RuleID:     snowflake.ID(9),
		Threshold:  decimal.NewFromInt(10),
		Quantity:   decimal.NewFromInt(100),
	}
	require.NoError(t, q.Enqueue(ctx, job))

	got, err := q.Receive(ctx, 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NoError(t, got[0].Err)
	assert.Equal(t, 1, got[0].Attempts)

	topUp, ok := got[0].Job.(queue.AutoTopUpJob)
	require.True(t, ok)
	assert.Equal(t, "cus_1", topUp.CustomerID)
	assert.True(t, topUp.Quantity.Equal(decimal.NewFromInt(100)))

	none, err := q.Receive(ctx, 5, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, q.Ack(ctx, got[0]))
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, queue.UsageBatchJob{EventIDs: []snowflake.ID{1, 2}}))

	first, err := q.Receive(ctx, 1, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, first, 1)

	clk.Advance(11 * time.Second)
	second, err := q.Receive(ctx, 1, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, 2, second[0].Attempts)
	assert.NotEqual(t, first[0].Receipt, second[0].Receipt)

	assert.ErrorIs(t, q.Ack(ctx, first[0]), queue.ErrReceiptMismatch)
	require.NoError(t, q.Ack(ctx, second[0]))
}

func TestReceiveRespectsLimit(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, queue.ResetGrantsJob{GrantIDs: []snowflake.ID{snowflake.ID(i + 1)}}))
	}

	got, err := q.Receive(ctx, 2, time.Minute)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	rest, err := q.Receive(ctx, 2, time.Minute)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
	assert.NoError(t, q.Ping(ctx))
}
