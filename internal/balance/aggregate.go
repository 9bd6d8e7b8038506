// Package balance rolls grants up into one reportable balance. The same
// function serves cached and durable snapshots.
package balance

import (
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	grantdomain "github.com/smallbiznis/entitle/internal/grant/domain"
)

type Numbers struct {
	Granted   decimal.Decimal `json:"granted"`
	Purchased decimal.Decimal `json:"purchased"`
	Current   decimal.Decimal `json:"current"`
	Usage     decimal.Decimal `json:"usage"`
}

func zeroNumbers() Numbers {
	return Numbers{Granted: decimal.Zero, Purchased: decimal.Zero, Current: decimal.Zero, Usage: decimal.Zero}
}

func (n *Numbers) add(o Numbers) {
	n.Granted = n.Granted.Add(o.Granted)
	n.Purchased = n.Purchased.Add(o.Purchased)
	n.Current = n.Current.Add(o.Current)
	n.Usage = n.Usage.Add(o.Usage)
}

// Breakdown is the share of one plan attachment and cadence.
type Breakdown struct {
	Key              string               `json:"key"`
	PlanAttachmentID string               `json:"plan_attachment_id"`
	Interval         grantdomain.Interval `json:"interval"`
	IntervalCount    int                  `json:"interval_count"`
	GrantIDs         []snowflake.ID       `json:"grant_ids"`
	OverageAllowed   bool                 `json:"overage_allowed"`
	NextResetAt      *time.Time           `json:"next_reset_at,omitempty"`
	Numbers
}

// Balance is the roll-up of one feature. Entitled is true when at least one
// grant covers the scope, whatever its balance. Boolean marks a flag feature,
// whose numbers are always zero.
type Balance struct {
	FeatureID      string                       `json:"feature_id"`
	Scope          grantdomain.ScopeKey         `json:"scope,omitempty"`
	Entitled       bool                         `json:"entitled"`
	Boolean        bool                         `json:"boolean,omitempty"`
	Unlimited      bool                         `json:"unlimited"`
	OverageAllowed bool                         `json:"overage_allowed"`
	NextResetAt    *time.Time                   `json:"next_reset_at,omitempty"`
	Rollovers      []grantdomain.RolloverBucket `json:"rollovers,omitempty"`
	Breakdown      []Breakdown                  `json:"breakdown,omitempty"`
	Numbers
}

// Aggregate computes the balance of featureID over grants. With a scope, grants
// with sub-balances contribute only that slot and pooled grants contribute in
// full. Without a scope every slot contributes. Expired buckets are ignored.
func Aggregate(featureID string, grants []grantdomain.Grant, scope grantdomain.ScopeKey, now time.Time) Balance {
	out := Balance{FeatureID: featureID, Scope: scope, Numbers: zeroNumbers()}

	for _, g := range grants {
		if g.Unlimited {
			out.Entitled = true
			out.Unlimited = true
			out.OverageAllowed = out.OverageAllowed || g.UsageAllowed
			return out
		}
	}

	groups := make(map[string]*Breakdown)
	for _, g := range grants {
		slots := contributing(g, scope)
		if len(slots) == 0 {
			continue
		}

		key := fmt.Sprintf("%s:%s:%d", g.PlanAttachmentID, g.Interval, g.IntervalCount)
		entry, ok := groups[key]
		if !ok {
			entry = &Breakdown{
				Key:              key,
				PlanAttachmentID: g.PlanAttachmentID,
				Interval:         g.Interval,
				IntervalCount:    g.IntervalCount,
				Numbers:          zeroNumbers(),
			}
			groups[key] = entry
		}
		out.Entitled = true
		entry.GrantIDs = append(entry.GrantIDs, g.ID)
		entry.OverageAllowed = entry.OverageAllowed || g.UsageAllowed
		entry.NextResetAt = earliest(entry.NextResetAt, g.NextResetAt)

		for _, slot := range slots {
			entry.add(slotNumbers(g, slot, now))
			for _, b := range slot.Rollovers {
				if !b.Expired(now) {
					out.Rollovers = append(out.Rollovers, b)
				}
			}
		}

		out.OverageAllowed = out.OverageAllowed || g.UsageAllowed
		out.NextResetAt = earliest(out.NextResetAt, g.NextResetAt)
	}

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		entry := groups[key]
		out.add(entry.Numbers)
		out.Breakdown = append(out.Breakdown, *entry)
	}

	sort.SliceStable(out.Rollovers, func(i, j int) bool {
		return out.Rollovers[i].ExpiresAt.Before(out.Rollovers[j].ExpiresAt)
	})
	return out
}

// Flag reports whether grants entitle the customer to a boolean feature in
// scope. Only Entitled carries information.
func Flag(featureID string, grants []grantdomain.Grant, scope grantdomain.ScopeKey) Balance {
	out := Balance{FeatureID: featureID, Scope: scope, Boolean: true, Numbers: zeroNumbers()}
	for _, g := range grants {
		if len(contributing(g, scope)) > 0 {
			out.Entitled = true
			break
		}
	}
	return out
}

func contributing(g grantdomain.Grant, scope grantdomain.ScopeKey) []grantdomain.Slot {
	if !g.HasSubBalances() || scope.IsZero() {
		return g.Slots()
	}
	slot, ok := g.SubBalances[scope]
	if !ok {
		return nil
	}
	return []grantdomain.Slot{slot}
}

func slotNumbers(g grantdomain.Grant, slot grantdomain.Slot, now time.Time) Numbers {
	n := zeroNumbers()
	n.Granted = g.Allowance.Add(slot.Adjustment)
	n.Purchased = decimal.Max(slot.Balance.Neg(), decimal.Zero)
	n.Current = decimal.Max(slot.Balance, decimal.Zero)
	for _, b := range slot.Rollovers {
		if b.Expired(now) {
			continue
		}
		n.Granted = n.Granted.Add(b.Balance).Add(b.Usage)
		n.Current = n.Current.Add(b.Balance)
	}
	n.Usage = n.Granted.Add(n.Purchased).Sub(n.Current)
	return n
}

func earliest(a, b *time.Time) *time.Time {
	if b == nil {
		return a
	}
	if a == nil || b.Before(*a) {
		v := *b
		return &v
	}
	return a
}
