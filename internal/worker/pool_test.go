package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitle/internal/clock"
	"github.com/smallbiznis/entitle/internal/queue"
	"github.com/smallbiznis/entitle/internal/queue/dbqueue"
	"github.com/smallbiznis/entitle/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubHandler struct {
	mu        sync.Mutex
	synced    []queue.SyncTarget
	usageErr  error
	panicNext bool
}

func (h *stubHandler) HandleUsageBatch(ctx context.Context, job queue.UsageBatchJob) error {
	return h.usageErr
}

func (h *stubHandler) HandleSyncBatch(ctx context.Context, job queue.SyncBatchJob) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.synced = append(h.synced, job.Grants...)
	return nil
}

func (h *stubHandler) HandleAutoTopUp(ctx context.Context, job queue.AutoTopUpJob) error {
	if h.panicNext {
		panic("top-up exploded")
	}
	return nil
}

func (h *stubHandler) HandleResetGrants(ctx context.Context, job queue.ResetGrantsJob) error {
	return nil
}

func newTestPool(t *testing.T, h queue.Handler) (*Pool, *dbqueue.Queue, *clock.FakeClock) {
	t.Helper()
	db := testutil.OpenDB(t, &dbqueue.JobRecord{})
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	q := dbqueue.New(db, testutil.Node(t), clk)
	pool := NewPool(Params{
		Queue:   q,
		Handler: h,
		Log:     zap.NewNop(),
		Config: Config{
			Concurrency:       1,
			BatchSize:         10,
			VisibilityTimeout: time.Minute,
			JobTimeout:        time.Second,
		},
	})
	return pool, q, clk
}

func TestRunOnceAcksHandledJobs(t *testing.T) {
	h := &stubHandler{}
	pool, q, _ := newTestPool(t, h)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queue.SyncBatchJob{Grants: []queue.SyncTarget{{GrantID: 4, Version: 2}}}))

	n, err := pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []queue.SyncTarget{{GrantID: 4, Version: 2}}, h.synced)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestFailedJobIsRedelivered(t *testing.T) {
	h := &stubHandler{usageErr: errors.New("db unavailable")}
	pool, q, clk := newTestPool(t, h)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queue.UsageBatchJob{EventIDs: []snowflake.ID{1}}))

	_, err := pool.RunOnce(ctx)
	require.NoError(t, err)
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "failed job stays queued")

	n, err := pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "job is invisible until the visibility timeout passes")

	h.usageErr = nil
	clk.Advance(2 * time.Minute)
	n, err = pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestPanickingHandlerIsRecovered(t *testing.T) {
	h := &stubHandler{panicNext: true}
	pool, q, _ := newTestPool(t, h)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queue.AutoTopUpJob{CustomerID: "cus_1", FeatureID: "messages"}))

	assert.NotPanics(t, func() {
		_, err := pool.RunOnce(ctx)
		require.NoError(t, err)
	})
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestUndecodableJobIsDropped(t *testing.T) {
	db := testutil.OpenDB(t, &dbqueue.JobRecord{})
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	q := dbqueue.New(db, testutil.Node(t), clk)
	pool := NewPool(Params{Queue: q, Handler: &stubHandler{}, Log: zap.NewNop()})
	ctx := context.Background()

	require.NoError(t, db.Create(&dbqueue.JobRecord{
		ID:        42,
		Kind:      "legacy_job",
		Payload:   `{"kind":"legacy_job","payload":{}}`,
		VisibleAt: clk.Now(),
		CreatedAt: clk.Now(),
	}).Error)

	n, err := pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth, "undecodable jobs are logged and acked")
}

func TestRunForeverStopsOnCancel(t *testing.T) {
	h := &stubHandler{}
	pool, q, _ := newTestPool(t, h)
	pool.cfg.PollInterval = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, q.Enqueue(context.Background(), queue.SyncBatchJob{Grants: []queue.SyncTarget{{GrantID: 9, Version: 1}}}))

	done := make(chan struct{})
	go func() {
		pool.RunForever(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.synced) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not stop")
	}
}
