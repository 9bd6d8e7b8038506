package dbqueue

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitle/internal/clock"
	"github.com/smallbiznis/entitle/internal/queue"
	"github.com/smallbiznis/entitle/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *clock.FakeClock) {
	db := testutil.OpenDB(t, &JobRecord{})
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(db, testutil.Node(t), clk), clk
}

func TestEnqueueReceiveAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx,
		queue.SyncBatchJob{Grants: []queue.SyncTarget{{GrantID: 7, Version: 2}}},
		queue.ResetGrantsJob{GrantIDs: []snowflake.ID{1}},
	))

	got, err := q.Receive(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Attempts)
	assert.NotEmpty(t, got[0].Receipt)
	sync, ok := got[0].Job.(queue.SyncBatchJob)
	require.True(t, ok)
	assert.Equal(t, int64(2), sync.Grants[0].Version)

	again, err := q.Receive(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "claimed jobs stay invisible")

	require.NoError(t, q.Ack(ctx, got[0]))
	require.NoError(t, q.Ack(ctx, got[1]))
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestUnackedJobIsRedelivered(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, queue.UsageBatchJob{EventIDs: []snowflake.ID{11}}))

	first, err := q.Receive(ctx, 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, first, 1)

	clk.Advance(31 * time.Second)
	second, err := q.Receive(ctx, 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, 2, second[0].Attempts)

	assert.ErrorIs(t, q.Ack(ctx, first[0]), queue.ErrReceiptMismatch, "stale receipt must not delete the redelivered job")
	require.NoError(t, q.Ack(ctx, second[0]))
}

func TestReceiveSurfacesUndecodablePayload(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.db.Create(&JobRecord{
		ID:        1,
		Kind:      "mystery",
		Payload:   `{"kind":"mystery","payload":{}}`,
		VisibleAt: clk.Now(),
		CreatedAt: clk.Now(),
	}).Error)

	got, err := q.Receive(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Job)
	assert.ErrorIs(t, got[0].Err, queue.ErrUnknownKind)
}

func TestPing(t *testing.T) {
	q, _ := newTestQueue(t)
	assert.NoError(t, q.Ping(context.Background()))
}
