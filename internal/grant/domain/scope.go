package domain

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// ScopeKey identifies a sub-balance of a grant (an entity id or a property value).
// Keys are always stored normalized.
type ScopeKey string

func NormalizeScopeKey(raw string) ScopeKey {
	return ScopeKey(strings.ToLower(strings.TrimSpace(raw)))
}

func (k ScopeKey) IsZero() bool {
	return k == ""
}

func (k ScopeKey) String() string {
	return string(k)
}

// Slot is the unit a deduction touches: the top-level balance of a pooled grant,
// or one entry of a grant's sub-balances.
type Slot struct {
	Balance    decimal.Decimal  `json:"balance"`
	Adjustment decimal.Decimal  `json:"adjustment"`
	Rollovers  []RolloverBucket `json:"rollovers,omitempty"`
}

func (s Slot) Clone() Slot {
	out := s
	if s.Rollovers != nil {
		out.Rollovers = make([]RolloverBucket, len(s.Rollovers))
		copy(out.Rollovers, s.Rollovers)
	}
	return out
}

// SubBalances maps a normalized scope key to its slot. A nil map means the grant
// is a single shared pool.
type SubBalances map[ScopeKey]Slot

func (s SubBalances) Clone() SubBalances {
	if s == nil {
		return nil
	}
	out := make(SubBalances, len(s))
	for key, slot := range s {
		out[key] = slot.Clone()
	}
	return out
}

// Keys returns the scope keys in ascending order.
func (s SubBalances) Keys() []ScopeKey {
	keys := make([]ScopeKey, 0, len(s))
	for key := range s {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
