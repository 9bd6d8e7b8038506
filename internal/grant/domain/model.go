// Package domain holds the grant model: one balance pool for one feature,
// one plan attachment and one reset interval.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// RolloverBucket is unused balance carried over from a previous cycle.
// Usage records what has been drawn from the bucket so its original size stays reportable.
type RolloverBucket struct {
	Balance   decimal.Decimal `json:"balance"`
	Usage     decimal.Decimal `json:"usage"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

func (b RolloverBucket) Expired(now time.Time) bool {
	return !b.ExpiresAt.After(now)
}

// RolloverConfig controls how unused balance is carried at each reset.
// A nil Max means buckets are not capped.
type RolloverConfig struct {
	Max      *decimal.Decimal `json:"max,omitempty"`
	Duration Interval         `json:"duration"`
	Length   int              `json:"length"`
}

type Grant struct {
	ID               snowflake.ID `json:"id"`
	CustomerID       string       `json:"customer_id"`
	FeatureID        string       `json:"feature_id"`
	PlanAttachmentID string       `json:"plan_attachment_id"`

	Interval      Interval `json:"interval"`
	IntervalCount int      `json:"interval_count"`
	UsageAllowed  bool     `json:"usage_allowed"`
	Unlimited     bool     `json:"unlimited"`

	Allowance  decimal.Decimal  `json:"allowance"`
	Balance    decimal.Decimal  `json:"balance"`
	Adjustment decimal.Decimal  `json:"adjustment"`
	MaxOverage *decimal.Decimal `json:"max_overage,omitempty"`

	NextResetAt *time.Time       `json:"next_reset_at,omitempty"`
	SubBalances SubBalances      `json:"sub_balances"`
	Rollovers   []RolloverBucket `json:"rollovers,omitempty"`
	Rollover    *RolloverConfig  `json:"rollover,omitempty"`

	CacheVersion int64     `json:"cache_version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to mutate independently of g.
func (g Grant) Clone() Grant {
	out := g
	out.SubBalances = g.SubBalances.Clone()
	if g.Rollovers != nil {
		out.Rollovers = make([]RolloverBucket, len(g.Rollovers))
		copy(out.Rollovers, g.Rollovers)
	}
	if g.MaxOverage != nil {
		v := *g.MaxOverage
		out.MaxOverage = &v
	}
	if g.NextResetAt != nil {
		v := *g.NextResetAt
		out.NextResetAt = &v
	}
	if g.Rollover != nil {
		cfg := *g.Rollover
		if cfg.Max != nil {
			v := *cfg.Max
			cfg.Max = &v
		}
		out.Rollover = &cfg
	}
	return out
}

func (g Grant) HasSubBalances() bool {
	return g.SubBalances != nil
}

// PoolSlot returns the top-level slot of a grant without sub-balances.
func (g Grant) PoolSlot() Slot {
	return Slot{Balance: g.Balance, Adjustment: g.Adjustment, Rollovers: g.Rollovers}
}

func (g *Grant) SetPoolSlot(slot Slot) {
	g.Balance = slot.Balance
	g.Adjustment = slot.Adjustment
	g.Rollovers = slot.Rollovers
}

// SlotFor resolves the slot a deduction in scope would touch. Grants without
// sub-balances are shared by every scope. Grants with sub-balances only match
// a scope present in the map.
func (g Grant) SlotFor(scope ScopeKey) (Slot, bool) {
	if !g.HasSubBalances() {
		return g.PoolSlot(), true
	}
	if scope.IsZero() {
		return Slot{}, false
	}
	slot, ok := g.SubBalances[scope]
	return slot, ok
}

// SetSlot writes slot back to the location SlotFor(scope) read it from.
func (g *Grant) SetSlot(scope ScopeKey, slot Slot) {
	if !g.HasSubBalances() {
		g.SetPoolSlot(slot)
		return
	}
	g.SubBalances[scope] = slot
}

// Slots lists every slot of the grant, sub-balances in key order.
func (g Grant) Slots() []Slot {
	if !g.HasSubBalances() {
		return []Slot{g.PoolSlot()}
	}
	slots := make([]Slot, 0, len(g.SubBalances))
	for _, key := range g.SubBalances.Keys() {
		slots = append(slots, g.SubBalances[key])
	}
	return slots
}

// Floor is the lowest balance a slot of this grant may reach. The second return
// value is false when the grant allows unbounded overage.
func (g Grant) Floor() (decimal.Decimal, bool) {
	if !g.UsageAllowed {
		return decimal.Zero, true
	}
	if g.MaxOverage == nil {
		return decimal.Zero, false
	}
	return g.MaxOverage.Neg(), true
}

// Ceiling is the balance a slot is refilled to when usage is credited back.
func (g Grant) Ceiling(slot Slot) decimal.Decimal {
	return g.Allowance.Add(slot.Adjustment)
}
