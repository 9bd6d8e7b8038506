// Package rollover applies reset boundaries to grants: carry unused balance
// into a capped bucket, prune spent or expired buckets, refill the allowance.
package rollover

import (
	"time"

	"github.com/shopspring/decimal"
	grantdomain "github.com/smallbiznis/entitle/internal/grant/domain"
)

// Due reports whether g has a reset boundary at or before now.
func Due(g grantdomain.Grant, now time.Time) bool {
	if g.Interval.IsLifetime() || g.NextResetAt == nil {
		return false
	}
	return !g.NextResetAt.After(now)
}

// Reset returns g after its reset boundary. The boolean is false, and g is
// returned unchanged, when the grant is not due.
func Reset(g grantdomain.Grant, now time.Time) (grantdomain.Grant, bool) {
	if !Due(g, now) {
		return g, false
	}

	out := g.Clone()
	if out.HasSubBalances() {
		for _, key := range out.SubBalances.Keys() {
			out.SubBalances[key] = resetSlot(out, out.SubBalances[key], now)
		}
	} else {
		out.SetPoolSlot(resetSlot(out, out.PoolSlot(), now))
	}

	next := *out.NextResetAt
	for !next.After(now) {
		next = out.Interval.Advance(next, out.IntervalCount)
	}
	out.NextResetAt = &next
	out.UpdatedAt = now
	return out, true
}

func resetSlot(g grantdomain.Grant, slot grantdomain.Slot, now time.Time) grantdomain.Slot {
	kept := make([]grantdomain.RolloverBucket, 0, len(slot.Rollovers)+1)
	for _, b := range slot.Rollovers {
		if b.Expired(now) || !b.Balance.IsPositive() {
			continue
		}
		kept = append(kept, b)
	}

	if cfg := g.Rollover; cfg != nil {
		carry := decimal.Max(slot.Balance, decimal.Zero)
		if cfg.Max != nil && carry.GreaterThan(*cfg.Max) {
			carry = *cfg.Max
		}
		if carry.IsPositive() {
			kept = append(kept, grantdomain.RolloverBucket{
				Balance:   carry,
				Usage:     decimal.Zero,
				CreatedAt: now,
				ExpiresAt: cfg.Duration.Advance(now, cfg.Length),
			})
		}
	}
	if len(kept) == 0 {
		kept = nil
	}

	return grantdomain.Slot{
		Balance:    g.Allowance,
		Adjustment: decimal.Zero,
		Rollovers:  kept,
	}
}

// Validate checks a rollover configuration before it is attached to a grant.
func Validate(cfg *grantdomain.RolloverConfig) error {
	if cfg == nil {
		return nil
	}
	if !cfg.Duration.Valid() || cfg.Duration.IsLifetime() || cfg.Length < 1 {
		return grantdomain.ErrInvalidRollover
	}
	if cfg.Max != nil && cfg.Max.IsNegative() {
		return grantdomain.ErrInvalidRollover
	}
	return nil
}
