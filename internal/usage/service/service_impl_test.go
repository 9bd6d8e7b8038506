package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/entitle/internal/clock"
	usagedomain "github.com/smallbiznis/entitle/internal/usage/domain"
	"github.com/smallbiznis/entitle/internal/usage/repository"
	"github.com/smallbiznis/entitle/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()
	db := testutil.OpenDB(t, &usagedomain.UsageEvent{})
	clk := clock.NewFakeClock(time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: testutil.Node(t),
		Repo:  repository.Provide(),
		Clock: clk,
	}).(*Service)
	return svc, db, clk
}

func TestIngestIsIdempotentPerCustomer(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	req := usagedomain.IngestRequest{
		CustomerID:     "cus_1",
		FeatureID:      "messages",
		Value:          decimal.NewFromInt(3),
		IdempotencyKey: "evt-1",
	}
	first, created, err := svc.Ingest(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, usagedomain.UsageStatusAccepted, first.Status)

	req.Value = decimal.NewFromInt(99)
	again, created, err := svc.Ingest(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.True(t, again.Value.Equal(decimal.NewFromInt(3)), "retry returns the original event")

	req.CustomerID = "cus_2"
	other, created, err := svc.Ingest(ctx, req)
	require.NoError(t, err)
	assert.True(t, created, "keys are scoped per customer")
	assert.NotEqual(t, first.ID, other.ID)
}

func TestIngestValidation(t *testing.T) {
	svc, _, clk := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  usagedomain.IngestRequest
		want error
	}{
		{"customer", usagedomain.IngestRequest{FeatureID: "f", Value: decimal.NewFromInt(1), IdempotencyKey: "k"}, usagedomain.ErrInvalidCustomer},
		{"feature", usagedomain.IngestRequest{CustomerID: "c", Value: decimal.NewFromInt(1), IdempotencyKey: "k"}, usagedomain.ErrInvalidFeature},
		{"value", usagedomain.IngestRequest{CustomerID: "c", FeatureID: "f", IdempotencyKey: "k"}, usagedomain.ErrInvalidValue},
		{"key", usagedomain.IngestRequest{CustomerID: "c", FeatureID: "f", Value: decimal.NewFromInt(1), IdempotencyKey: "  "}, usagedomain.ErrInvalidIdempotencyKey},
		{"future", usagedomain.IngestRequest{CustomerID: "c", FeatureID: "f", Value: decimal.NewFromInt(1), IdempotencyKey: "k", RecordedAt: clk.Now().Add(time.Hour)}, usagedomain.ErrInvalidRecordedAt},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := svc.Ingest(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestClaimReleaseRecord(t *testing.T) {
	svc, db, clk := newTestService(t)
	ctx := context.Background()
	repo := repository.Provide()

	event, _, err := svc.Ingest(ctx, usagedomain.IngestRequest{
		CustomerID:     "cus_1",
		FeatureID:      "messages",
		Value:          decimal.NewFromInt(2),
		IdempotencyKey: "evt-9",
	})
	require.NoError(t, err)

	ok, err := repo.Claim(ctx, db, event.ID, clk.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Claim(ctx, db, event.ID, clk.Now())
	require.NoError(t, err)
	assert.False(t, ok, "a second delivery cannot claim the same event")

	require.NoError(t, repo.Release(ctx, db, event.ID))
	pending, err := repo.ListAcceptedBefore(ctx, db, clk.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	ok, err = repo.Claim(ctx, db, event.ID, clk.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.Record(ctx, db, usagedomain.Settlement{
		ID:      event.ID,
		Status:  usagedomain.UsageStatusApplied,
		Applied: decimal.NewFromInt(2),
		At:      clk.Now(),
	}))

	events, err := svc.List(ctx, usagedomain.ListRequest{CustomerID: "cus_1", Status: usagedomain.UsageStatusApplied})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Applied.Equal(decimal.NewFromInt(2)))
	assert.True(t, events[0].Settled())
}
