package rollover

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	grantdomain "github.com/smallbiznis/entitle/internal/grant/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func monthly(balance int64, cfg *grantdomain.RolloverConfig) grantdomain.Grant {
	due := now
	return grantdomain.Grant{
		ID:            1,
		Interval:      grantdomain.IntervalMonth,
		IntervalCount: 1,
		Allowance:     d(100),
		Balance:       d(balance),
		Adjustment:    d(20),
		NextResetAt:   &due,
		Rollover:      cfg,
	}
}

func TestResetCapsNewBucket(t *testing.T) {
	limit := d(50)
	g := monthly(80, &grantdomain.RolloverConfig{Max: &limit, Duration: grantdomain.IntervalMonth, Length: 2})

	out, ok := Reset(g, now)
	require.True(t, ok)

	require.Len(t, out.Rollovers, 1)
	b := out.Rollovers[0]
	assert.True(t, b.Balance.Equal(d(50)), "bucket %s", b.Balance)
	assert.True(t, b.Usage.IsZero())
	assert.Equal(t, now, b.CreatedAt)
	assert.Equal(t, now.AddDate(0, 2, 0), b.ExpiresAt)
	assert.True(t, out.Balance.Equal(d(100)))
	assert.True(t, out.Adjustment.IsZero())
	assert.Equal(t, now.AddDate(0, 1, 0), *out.NextResetAt)

	// the input snapshot is untouched
	assert.True(t, g.Balance.Equal(d(80)))
	assert.Empty(t, g.Rollovers)
}

func TestResetNeverCarriesOverage(t *testing.T) {
	g := monthly(-30, &grantdomain.RolloverConfig{Duration: grantdomain.IntervalMonth, Length: 1})

	out, ok := Reset(g, now)
	require.True(t, ok)
	assert.Empty(t, out.Rollovers)
	assert.True(t, out.Balance.Equal(d(100)))
}

func TestResetPrunesSpentAndExpiredBuckets(t *testing.T) {
	g := monthly(0, &grantdomain.RolloverConfig{Duration: grantdomain.IntervalMonth, Length: 3})
	g.Rollovers = []grantdomain.RolloverBucket{
		{Balance: d(10), Usage: d(5), CreatedAt: now.AddDate(0, -3, 0), ExpiresAt: now},
		{Balance: d(0), Usage: d(40), CreatedAt: now.AddDate(0, -2, 0), ExpiresAt: now.AddDate(0, 1, 0)},
		{Balance: d(25), Usage: d(0), CreatedAt: now.AddDate(0, -1, 0), ExpiresAt: now.AddDate(0, 2, 0)},
	}

	out, ok := Reset(g, now)
	require.True(t, ok)
	require.Len(t, out.Rollovers, 1)
	assert.True(t, out.Rollovers[0].Balance.Equal(d(25)))
}

func TestResetWithoutRolloverConfig(t *testing.T) {
	g := monthly(70, nil)

	out, ok := Reset(g, now)
	require.True(t, ok)
	assert.Nil(t, out.Rollovers)
	assert.True(t, out.Balance.Equal(d(100)))
}

func TestResetSubBalancesPerSlot(t *testing.T) {
	limit := d(30)
	g := monthly(0, &grantdomain.RolloverConfig{Max: &limit, Duration: grantdomain.IntervalWeek, Length: 1})
	g.SubBalances = grantdomain.SubBalances{
		"user_a": {Balance: d(60), Adjustment: d(5)},
		"user_b": {Balance: d(-5), Adjustment: decimal.Zero},
	}

	out, ok := Reset(g, now)
	require.True(t, ok)

	a := out.SubBalances["user_a"]
	require.Len(t, a.Rollovers, 1)
	assert.True(t, a.Rollovers[0].Balance.Equal(d(30)))
	assert.Equal(t, now.AddDate(0, 0, 7), a.Rollovers[0].ExpiresAt)
	assert.True(t, a.Balance.Equal(d(100)))
	assert.True(t, a.Adjustment.IsZero())

	b := out.SubBalances["user_b"]
	assert.Empty(t, b.Rollovers)
	assert.True(t, b.Balance.Equal(d(100)))
}

func TestResetSkipsLifetimeAndNotDue(t *testing.T) {
	lifetime := monthly(10, nil)
	lifetime.Interval = grantdomain.IntervalLifetime
	_, ok := Reset(lifetime, now)
	assert.False(t, ok)

	later := now.Add(time.Hour)
	pending := monthly(10, nil)
	pending.NextResetAt = &later
	out, ok := Reset(pending, now)
	assert.False(t, ok)
	assert.True(t, out.Balance.Equal(d(10)))
}

func TestResetCatchesUpMissedCycles(t *testing.T) {
	g := monthly(10, nil)
	stale := now.AddDate(0, -3, 0)
	g.NextResetAt = &stale
	g.IntervalCount = 1

	out, ok := Reset(g, now)
	require.True(t, ok)
	assert.Equal(t, now.AddDate(0, 1, 0), *out.NextResetAt)

	// a second run at the same instant is a no-op
	_, ok = Reset(out, now)
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	neg := d(-1)
	assert.NoError(t, Validate(nil))
	assert.NoError(t, Validate(&grantdomain.RolloverConfig{Duration: grantdomain.IntervalMonth, Length: 1}))
	assert.ErrorIs(t, Validate(&grantdomain.RolloverConfig{Duration: grantdomain.IntervalLifetime, Length: 1}), grantdomain.ErrInvalidRollover)
	assert.ErrorIs(t, Validate(&grantdomain.RolloverConfig{Duration: grantdomain.IntervalMonth}), grantdomain.ErrInvalidRollover)
	assert.ErrorIs(t, Validate(&grantdomain.RolloverConfig{Duration: grantdomain.IntervalMonth, Length: 1, Max: &neg}), grantdomain.ErrInvalidRollover)
}
