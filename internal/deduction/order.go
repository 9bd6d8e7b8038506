// Package deduction decides which grants pay for a usage amount, in what order
// and by how much. It is pure: callers pass grant snapshots and receive the
// mutated copies.
package deduction

import (
	"sort"

	"github.com/shopspring/decimal"
	grantdomain "github.com/smallbiznis/entitle/internal/grant/domain"
)

var one = decimal.NewFromInt(1)

// Candidate is a grant that may pay for the requested feature.
type Candidate struct {
	Grant grantdomain.Grant
	// Cost is the number of balance units one requested unit consumes.
	// Zero is treated as 1.
	Cost decimal.Decimal
	// CreditSystem marks grants of a credit system priced against the requested feature.
	CreditSystem bool
}

func (c Candidate) cost() decimal.Decimal {
	if c.Cost.IsPositive() {
		return c.Cost
	}
	return one
}

// Less is the deduction order. Keys, in priority:
//  1. usage_allowed=false before usage_allowed=true
//  2. finite interval before lifetime
//  3. direct feature grants before credit system grants
//  4. grant id ascending
func Less(a, b Candidate) bool {
	if a.Grant.UsageAllowed != b.Grant.UsageAllowed {
		return !a.Grant.UsageAllowed
	}
	aLifetime, bLifetime := a.Grant.Interval.IsLifetime(), b.Grant.Interval.IsLifetime()
	if aLifetime != bLifetime {
		return !aLifetime
	}
	if a.CreditSystem != b.CreditSystem {
		return !a.CreditSystem
	}
	return a.Grant.ID < b.Grant.ID
}

// Sort returns the candidates in deduction order without touching the input.
func Sort(candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}

// Eligible keeps the candidates that have a slot for scope.
func Eligible(candidates []Candidate, scope grantdomain.ScopeKey) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := c.Grant.SlotFor(scope); ok {
			out = append(out, c)
		}
	}
	return out
}

// bucketOrder returns rollover bucket indexes oldest first.
func bucketOrder(buckets []grantdomain.RolloverBucket) []int {
	idx := make([]int, len(buckets))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		a, b := buckets[idx[i]], buckets[idx[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ExpiresAt.Before(b.ExpiresAt)
	})
	return idx
}
