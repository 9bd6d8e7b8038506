package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/entitle/internal/cache"
	"github.com/smallbiznis/entitle/internal/entitlement/domain"
	featuredomain "github.com/smallbiznis/entitle/internal/feature/domain"
	grantdomain "github.com/smallbiznis/entitle/internal/grant/domain"
	grantrepo "github.com/smallbiznis/entitle/internal/grant/repository"
	topupdomain "github.com/smallbiznis/entitle/internal/topup/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// hookRepo wraps the grant repository so tests can act between a sync being
// taken and its write landing.
type hookRepo struct {
	grantdomain.Repository

	mu     sync.Mutex
	calls  int
	before func()
	fail   int
}

func (r *hookRepo) ApplySnapshot(ctx context.Context, db *gorm.DB, grant grantdomain.Grant, version int64) (bool, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	before := r.before
	r.mu.Unlock()

	if call == 1 && before != nil {
		before()
	}
	if call <= r.fail {
		return false, errors.New("store unavailable")
	}
	return r.Repository.ApplySnapshot(ctx, db, grant, version)
}

func (r *hookRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func durableCurrent(t *testing.T, svc *Service, customerID, featureID string) string {
	t.Helper()
	bal, err := svc.GetBalance(context.Background(), domain.BalanceRequest{
		CustomerID: customerID, FeatureID: featureID, Consistency: domain.ConsistencyDurable,
	})
	require.NoError(t, err)
	return bal.Current.String()
}

func TestSyncJobRunByAnotherReplicaPersists(t *testing.T) {
	h := newHarness(t)
	h.feature(t, metered("messages"))
	grants := h.attach(t, "cus_1", domain.GrantSpec{FeatureID: "messages", Interval: grantdomain.IntervalMonth, Allowance: dec(100)})
	other, otherPool := h.replica(grantrepo.Provide())
	ctx := context.Background()

	// the other replica holds a clean copy from before the write
	before, err := other.GetBalance(ctx, domain.BalanceRequest{CustomerID: "cus_1", FeatureID: "messages"})
	require.NoError(t, err)
	require.True(t, before.Current.Equal(dec(100)))

	_, err = h.svc.Deduct(ctx, domain.DeductRequest{CustomerID: "cus_1", FeatureID: "messages", Amount: dec(30)})
	require.NoError(t, err)

	n, err := otherPool.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = h.pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, "70", durableCurrent(t, h.svc, "cus_1", "messages"))
	fast, err := other.GetBalance(ctx, domain.BalanceRequest{CustomerID: "cus_1", FeatureID: "messages"})
	require.NoError(t, err)
	assert.True(t, fast.Current.Equal(dec(70)), "older copy is reloaded, got %s", fast.Current)

	snap, ok := h.svc.cache.Get(grants[0].ID)
	require.True(t, ok)
	assert.Equal(t, cache.StatusDirty, snap.Status)

	swept, err := h.svc.SweepDirty(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept, "job still within its deadline")

	h.clock.Advance(h.svc.engine.Get().SyncReclaimAfter)
	swept, err = h.svc.SweepDirty(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept, "store already holds the version")
	snap, ok = h.svc.cache.Get(grants[0].ID)
	require.True(t, ok)
	assert.Equal(t, cache.StatusClean, snap.Status)

	_, err = h.svc.Deduct(ctx, domain.DeductRequest{CustomerID: "cus_1", FeatureID: "messages", Amount: dec(5)})
	require.NoError(t, err)
	h.drain(t)
	assert.Equal(t, "65", durableCurrent(t, h.svc, "cus_1", "messages"))
}

func TestSweepRequeuesLostSyncJob(t *testing.T) {
	h := newHarness(t)
	h.feature(t, metered("messages"))
	grants := h.attach(t, "cus_1", domain.GrantSpec{FeatureID: "messages", Interval: grantdomain.IntervalMonth, Allowance: dec(100)})
	ctx := context.Background()

	_, err := h.svc.Deduct(ctx, domain.DeductRequest{CustomerID: "cus_1", FeatureID: "messages", Amount: dec(20)})
	require.NoError(t, err)
	require.NoError(t, h.db.Exec("DELETE FROM queue_jobs").Error)

	h.clock.Advance(h.svc.engine.Get().SyncReclaimAfter)
	swept, err := h.svc.SweepDirty(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
	h.drain(t)

	assert.Equal(t, "80", durableCurrent(t, h.svc, "cus_1", "messages"))
	snap, ok := h.svc.cache.Get(grants[0].ID)
	require.True(t, ok)
	assert.Equal(t, cache.StatusClean, snap.Status)
}

func TestWriteDuringSyncIsPersistedByFollowUp(t *testing.T) {
	h := newHarness(t)
	repo := &hookRepo{Repository: grantrepo.Provide()}
	h.svc, h.pool = h.replica(repo)
	h.feature(t, metered("messages"))
	h.attach(t, "cus_1", domain.GrantSpec{FeatureID: "messages", Interval: grantdomain.IntervalMonth, Allowance: dec(100)})
	ctx := context.Background()

	repo.before = func() {
		_, err := h.svc.Deduct(ctx, domain.DeductRequest{CustomerID: "cus_1", FeatureID: "messages", Amount: dec(5)})
		assert.NoError(t, err)
	}

	_, err := h.svc.Deduct(ctx, domain.DeductRequest{CustomerID: "cus_1", FeatureID: "messages", Amount: dec(10)})
	require.NoError(t, err)

	n, err := h.pool.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, "90", durableCurrent(t, h.svc, "cus_1", "messages"))

	h.drain(t)
	assert.Equal(t, "85", durableCurrent(t, h.svc, "cus_1", "messages"))
	fast, err := h.svc.GetBalance(ctx, domain.BalanceRequest{CustomerID: "cus_1", FeatureID: "messages"})
	require.NoError(t, err)
	assert.True(t, fast.Current.Equal(dec(85)))
	assert.Equal(t, 2, repo.count())
}

func TestFailedSyncIsRedelivered(t *testing.T) {
	h := newHarness(t)
	repo := &hookRepo{Repository: grantrepo.Provide(), fail: 1}
	h.svc, h.pool = h.replica(repo)
	h.feature(t, metered("messages"))
	grants := h.attach(t, "cus_1", domain.GrantSpec{FeatureID: "messages", Interval: grantdomain.IntervalMonth, Allowance: dec(100)})
	ctx := context.Background()

	_, err := h.svc.Deduct(ctx, domain.DeductRequest{CustomerID: "cus_1", FeatureID: "messages", Amount: dec(10)})
	require.NoError(t, err)

	n, err := h.pool.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, "100", durableCurrent(t, h.svc, "cus_1", "messages"))
	snap, ok := h.svc.cache.Get(grants[0].ID)
	require.True(t, ok)
	assert.Equal(t, cache.StatusDirty, snap.Status)

	n, err = h.pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "job is hidden until its visibility timeout")

	h.clock.Advance(2 * time.Minute)
	n, err = h.pool.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, "90", durableCurrent(t, h.svc, "cus_1", "messages"))
	snap, ok = h.svc.cache.Get(grants[0].ID)
	require.True(t, ok)
	assert.Equal(t, cache.StatusClean, snap.Status)

	n, err = h.pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, repo.count())
}

func TestBooleanFeature(t *testing.T) {
	h := newHarness(t)
	h.feature(t, featuredomain.CreateRequest{ID: "sso", Type: featuredomain.FeatureTypeBoolean})
	grants := h.attach(t, "cus_1", domain.GrantSpec{FeatureID: "sso", Interval: grantdomain.IntervalLifetime, Allowance: dec(10)})
	require.Len(t, grants, 1)
	assert.True(t, grants[0].Allowance.IsZero())
	assert.True(t, grants[0].Balance.IsZero())
	assert.Nil(t, grants[0].NextResetAt)
	ctx := context.Background()

	_, err := h.svc.Deduct(ctx, domain.DeductRequest{CustomerID: "cus_1", FeatureID: "sso", Amount: dec(1)})
	assert.ErrorIs(t, err, domain.ErrFeatureNotMetered)
	_, err = h.svc.TopUp(ctx, domain.TopUpRequest{CustomerID: "cus_1", FeatureID: "sso", Quantity: dec(1)})
	assert.ErrorIs(t, err, domain.ErrFeatureNotMetered)
	_, err = h.svc.SetBalance(ctx, domain.SetBalanceRequest{CustomerID: "cus_1", FeatureID: "sso", Balance: dec(1)})
	assert.ErrorIs(t, err, domain.ErrFeatureNotMetered)

	for _, consistency := range []domain.Consistency{domain.ConsistencyFast, domain.ConsistencyDurable} {
		bal, err := h.svc.GetBalance(ctx, domain.BalanceRequest{CustomerID: "cus_1", FeatureID: "sso", Consistency: consistency})
		require.NoError(t, err)
		assert.True(t, bal.Boolean)
		assert.True(t, bal.Entitled)
		assert.True(t, bal.Current.IsZero())
	}

	check, err := h.svc.Check(ctx, domain.CheckRequest{CustomerID: "cus_1", FeatureID: "sso"})
	require.NoError(t, err)
	assert.True(t, check.Allowed)

	check, err = h.svc.Check(ctx, domain.CheckRequest{CustomerID: "cus_2", FeatureID: "sso"})
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.False(t, check.Balance.Entitled)
}

func TestCheckDoesNotDeduct(t *testing.T) {
	h := newHarness(t)
	h.feature(t, metered("gpt"))
	h.feature(t, featuredomain.CreateRequest{
		ID:   "ai_credits",
		Type: featuredomain.FeatureTypeCreditSystem,
		CreditSchema: []featuredomain.CreditSchemaItem{
			{MeteredFeatureID: "gpt", CreditCost: dec(3)},
		},
	})
	h.feature(t, metered("messages"))
	h.attach(t, "cus_1",
		domain.GrantSpec{FeatureID: "gpt", Interval: grantdomain.IntervalMonth, Allowance: dec(2)},
		domain.GrantSpec{FeatureID: "ai_credits", Interval: grantdomain.IntervalMonth, Allowance: dec(30)},
		domain.GrantSpec{FeatureID: "messages", Interval: grantdomain.IntervalMonth, Allowance: dec(5)},
	)
	ctx := context.Background()

	cases := []struct {
		feature  string
		required int64
		allowed  bool
	}{
		{"messages", 5, true},
		{"messages", 6, false},
		{"gpt", 12, true},
		{"gpt", 13, false},
	}
	for _, tc := range cases {
		check, err := h.svc.Check(ctx, domain.CheckRequest{CustomerID: "cus_1", FeatureID: tc.feature, Required: dec(tc.required)})
		require.NoError(t, err)
		assert.Equal(t, tc.allowed, check.Allowed, "%s x%d", tc.feature, tc.required)
		assert.True(t, check.Required.Equal(dec(tc.required)))
	}

	check, err := h.svc.Check(ctx, domain.CheckRequest{CustomerID: "cus_1", FeatureID: "gpt", Required: dec(13)})
	require.NoError(t, err)
	assert.True(t, check.Balance.Current.Equal(dec(2)), "balance covers the feature's own grants")

	check, err = h.svc.Check(ctx, domain.CheckRequest{CustomerID: "cus_1", FeatureID: "messages"})
	require.NoError(t, err)
	assert.True(t, check.Allowed)
	assert.True(t, check.Required.Equal(dec(1)))

	_, err = h.svc.Check(ctx, domain.CheckRequest{CustomerID: "cus_1", FeatureID: "messages", Required: dec(-1)})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	check, err = h.svc.Check(ctx, domain.CheckRequest{CustomerID: "cus_9", FeatureID: "messages"})
	require.NoError(t, err)
	assert.False(t, check.Allowed)

	assert.True(t, h.cached(t, "cus_1", "gpt")[grantdomain.IntervalMonth].Balance.Equal(dec(2)))
	assert.True(t, h.cached(t, "cus_1", "ai_credits")[grantdomain.IntervalMonth].Balance.Equal(dec(30)))
	assert.True(t, h.cached(t, "cus_1", "messages")[grantdomain.IntervalMonth].Balance.Equal(dec(5)))
}

func TestScopedAutoTopUp(t *testing.T) {
	h := newHarness(t)
	h.feature(t, featuredomain.CreateRequest{
		ID: "seats", Type: featuredomain.FeatureTypeMetered,
		GroupingKind: featuredomain.GroupingEntity, GroupingKey: "workspace",
	})
	h.attach(t, "cus_1", domain.GrantSpec{
		FeatureID: "seats", Interval: grantdomain.IntervalMonth, Allowance: dec(20), ScopeKeys: []string{"ws_1", "ws_2"},
	})
	ctx := context.Background()

	_, err := h.topups.CreateRule(ctx, topupdomain.CreateRuleRequest{
		CustomerID: "cus_1", FeatureID: "seats", Threshold: dec(10), Quantity: dec(50),
	})
	assert.ErrorIs(t, err, topupdomain.ErrInvalidScope)

	rule, err := h.topups.CreateRule(ctx, topupdomain.CreateRuleRequest{
		CustomerID: "cus_1", FeatureID: "seats", ScopeKey: " WS_1 ", Threshold: dec(10), Quantity: dec(50),
	})
	require.NoError(t, err)
	assert.Equal(t, "ws_1", rule.ScopeKey)

	_, err = h.svc.Deduct(ctx, domain.DeductRequest{CustomerID: "cus_1", FeatureID: "seats", Amount: dec(15), ScopeKey: "ws_2"})
	require.NoError(t, err)
	_, err = h.svc.Deduct(ctx, domain.DeductRequest{CustomerID: "cus_1", FeatureID: "seats", Amount: dec(15), ScopeKey: "ws_1"})
	require.NoError(t, err)
	h.drain(t)

	ws1, err := h.svc.GetBalance(ctx, domain.BalanceRequest{CustomerID: "cus_1", FeatureID: "seats", ScopeKey: "ws_1"})
	require.NoError(t, err)
	assert.True(t, ws1.Current.Equal(dec(55)), "got %s", ws1.Current)
	ws2, err := h.svc.GetBalance(ctx, domain.BalanceRequest{CustomerID: "cus_1", FeatureID: "seats", ScopeKey: "ws_2"})
	require.NoError(t, err)
	assert.True(t, ws2.Current.Equal(dec(5)), "rule watches ws_1 only, got %s", ws2.Current)
}
