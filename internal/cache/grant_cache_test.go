package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/entitle/internal/clock"
	grantdomain "github.com/smallbiznis/entitle/internal/grant/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLoader struct {
	calls  atomic.Int32
	grants []grantdomain.Grant
	err    error
}

func (l *stubLoader) LoadGrants(ctx context.Context, customerID, featureID string) ([]grantdomain.Grant, error) {
	l.calls.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	out := make([]grantdomain.Grant, 0, len(l.grants))
	for _, g := range l.grants {
		if g.CustomerID == customerID && g.FeatureID == featureID {
			out = append(out, g.Clone())
		}
	}
	return out, nil
}

func testGrant(id int64, balance int64) grantdomain.Grant {
	return grantdomain.Grant{
		ID:           snowflake.ID(id),
		CustomerID:   "cus_1",
		FeatureID:    "messages",
		Interval:     grantdomain.IntervalMonth,
		Allowance:    decimal.NewFromInt(balance),
		Balance:      decimal.NewFromInt(balance),
		Adjustment:   decimal.Zero,
		CacheVersion: 3,
	}
}

func withBalance(s Snapshot, balance int64) Mutation {
	g := s.Grant.Clone()
	g.Balance = decimal.NewFromInt(balance)
	return Mutation{Grant: g, Expected: s.Version}
}

func TestGrantsReadsThroughOnce(t *testing.T) {
	loader := &stubLoader{grants: []grantdomain.Grant{testGrant(1, 10), testGrant(2, 5)}}
	c := NewGrantCache(loader)
	ctx := context.Background()

	snaps, err := c.Grants(ctx, "cus_1", "messages")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, int64(3), snaps[0].Version)
	assert.Equal(t, StatusClean, snaps[0].Status)

	_, err = c.Grants(ctx, "cus_1", " Messages ")
	require.NoError(t, err)
	assert.Equal(t, int32(1), loader.calls.Load())
}

func TestGrantsPropagatesLoaderError(t *testing.T) {
	boom := errors.New("db down")
	c := NewGrantCache(&stubLoader{err: boom})

	_, err := c.Grants(context.Background(), "cus_1", "messages")
	assert.ErrorIs(t, err, boom)
}

func TestCommitBumpsVersionAndSchedulesOnce(t *testing.T) {
	c := NewGrantCache(&stubLoader{grants: []grantdomain.Grant{testGrant(1, 10)}})
	snaps, err := c.Grants(context.Background(), "cus_1", "messages")
	require.NoError(t, err)

	items, err := c.Commit([]Mutation{withBalance(snaps[0], 7)})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, snowflake.ID(1), items[0].GrantID)
	assert.Equal(t, int64(4), items[0].Version)
	assert.Equal(t, int64(4), items[0].Grant.CacheVersion)
	assert.True(t, items[0].Grant.Balance.Equal(decimal.NewFromInt(7)), "item carries the committed state")
	assert.False(t, items[0].Reclaimed)

	got, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, StatusDirty, got.Status)
	assert.Equal(t, int64(4), got.Grant.CacheVersion)
	assert.True(t, got.Grant.Balance.Equal(decimal.NewFromInt(7)))

	items, err = c.Commit([]Mutation{withBalance(got, 6)})
	require.NoError(t, err)
	assert.Empty(t, items, "a dirty entry with a pending job is not scheduled again")
}

func TestCommitRejectsStaleVersion(t *testing.T) {
	c := NewGrantCache(&stubLoader{grants: []grantdomain.Grant{testGrant(1, 10), testGrant(2, 10)}})
	snaps, err := c.Grants(context.Background(), "cus_1", "messages")
	require.NoError(t, err)

	_, err = c.Commit([]Mutation{withBalance(snaps[0], 9)})
	require.NoError(t, err)

	_, err = c.Commit([]Mutation{withBalance(snaps[1], 1), withBalance(snaps[0], 1)})
	assert.ErrorIs(t, err, ErrVersionConflict)

	second, _ := c.Get(2)
	assert.True(t, second.Grant.Balance.Equal(decimal.NewFromInt(10)), "multi-grant commit is all or nothing")
}

func TestSyncLifecycle(t *testing.T) {
	c := NewGrantCache(&stubLoader{grants: []grantdomain.Grant{testGrant(1, 10)}})
	snaps, err := c.Grants(context.Background(), "cus_1", "messages")
	require.NoError(t, err)
	_, err = c.Commit([]Mutation{withBalance(snaps[0], 8)})
	require.NoError(t, err)

	snap, pending, err := c.BeginSync(1)
	require.NoError(t, err)
	require.True(t, pending)
	assert.Equal(t, StatusSyncing, snap.Status)
	assert.Equal(t, int64(4), snap.Version)

	// a write lands while syncing
	current, _ := c.Get(1)
	items, err := c.Commit([]Mutation{withBalance(current, 5)})
	require.NoError(t, err)
	assert.Empty(t, items)

	err = c.FinishSync(1, snap.Version)
	assert.ErrorIs(t, err, ErrStaleWrite)
	current, _ = c.Get(1)
	assert.Equal(t, StatusDirty, current.Status)

	snap, pending, err = c.BeginSync(1)
	require.NoError(t, err)
	require.True(t, pending)
	require.NoError(t, c.FinishSync(1, snap.Version))
	current, _ = c.Get(1)
	assert.Equal(t, StatusClean, current.Status)

	// replaying the same job is a no-op
	_, pending, err = c.BeginSync(1)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestFailSyncAndSweep(t *testing.T) {
	c := NewGrantCache(&stubLoader{grants: []grantdomain.Grant{testGrant(1, 10)}})
	snaps, _ := c.Grants(context.Background(), "cus_1", "messages")
	_, err := c.Commit([]Mutation{withBalance(snaps[0], 8)})
	require.NoError(t, err)

	assert.Empty(t, c.ClaimUnscheduled(0, 0), "entry already has a job")

	_, _, err = c.BeginSync(1)
	require.NoError(t, err)
	c.FailSync(1)

	claimed := c.ClaimUnscheduled(10, 0)
	require.Len(t, claimed, 1)
	assert.Equal(t, int64(4), claimed[0].Version)
	assert.Empty(t, c.ClaimUnscheduled(10, 0))

	c.Unschedule(claimed)
	assert.Len(t, c.ClaimUnscheduled(10, 0), 1)
}

func TestClaimUnscheduledReclaimsOverdueJobs(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewGrantCache(&stubLoader{grants: []grantdomain.Grant{testGrant(1, 10)}}, WithClock(clk))
	snaps, _ := c.Grants(context.Background(), "cus_1", "messages")
	_, err := c.Commit([]Mutation{withBalance(snaps[0], 8)})
	require.NoError(t, err)

	assert.Empty(t, c.ClaimUnscheduled(10, time.Minute), "job still within its deadline")

	clk.Advance(time.Minute)
	claimed := c.ClaimUnscheduled(10, time.Minute)
	require.Len(t, claimed, 1)
	assert.True(t, claimed[0].Reclaimed)
	assert.Equal(t, int64(4), claimed[0].Version)
	assert.True(t, claimed[0].Grant.Balance.Equal(decimal.NewFromInt(8)))

	assert.Empty(t, c.ClaimUnscheduled(10, time.Minute), "reclaiming restarts the deadline")
	assert.Empty(t, c.ClaimUnscheduled(10, 0), "zero disables reclaiming")

	require.NoError(t, c.FinishSync(1, 4))
	clk.Advance(time.Hour)
	assert.Empty(t, c.ClaimUnscheduled(10, time.Minute), "clean entries are never reclaimed")
}

func TestInvalidateKeepsDirtyEntries(t *testing.T) {
	loader := &stubLoader{grants: []grantdomain.Grant{testGrant(1, 10), testGrant(2, 10)}}
	c := NewGrantCache(loader)
	ctx := context.Background()
	snaps, _ := c.Grants(ctx, "cus_1", "messages")
	_, err := c.Commit([]Mutation{withBalance(snaps[0], 1)})
	require.NoError(t, err)

	loader.grants = append(loader.grants, testGrant(3, 50))
	c.Invalidate("cus_1", "messages")

	snaps, err = c.Grants(ctx, "cus_1", "messages")
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.True(t, snaps[0].Grant.Balance.Equal(decimal.NewFromInt(1)), "load must not overwrite a dirty entry")
	assert.Equal(t, int32(2), loader.calls.Load())
}

func TestRemoveDropsEntry(t *testing.T) {
	c := NewGrantCache(&stubLoader{grants: []grantdomain.Grant{testGrant(1, 10)}})
	snaps, _ := c.Grants(context.Background(), "cus_1", "messages")

	c.Remove(1)

	_, ok := c.Get(1)
	assert.False(t, ok)
	_, _, err := c.BeginSync(1)
	assert.ErrorIs(t, err, ErrEntryNotFound)
	_, err = c.Commit([]Mutation{withBalance(snaps[0], 1)})
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestConcurrentCommitsSerializePerGrant(t *testing.T) {
	c := NewGrantCache(&stubLoader{grants: []grantdomain.Grant{testGrant(1, 1000)}})
	ctx := context.Background()
	_, err := c.Grants(ctx, "cus_1", "messages")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				snaps, err := c.Grants(ctx, "cus_1", "messages")
				if err != nil {
					t.Error(err)
					return
				}
				g := snaps[0].Grant.Clone()
				g.Balance = g.Balance.Sub(decimal.NewFromInt(1))
				_, err = c.Commit([]Mutation{{Grant: g, Expected: snaps[0].Version}})
				if errors.Is(err, ErrVersionConflict) {
					continue
				}
				if err != nil {
					t.Error(err)
				}
				return
			}
		}()
	}
	wg.Wait()

	got, _ := c.Get(1)
	assert.True(t, got.Grant.Balance.Equal(decimal.NewFromInt(950)), "balance %s", got.Grant.Balance)
	assert.Equal(t, int64(53), got.Version)
	assert.Equal(t, map[SyncStatus]int{StatusClean: 0, StatusDirty: 1, StatusSyncing: 0}, c.Stats())
}
