package deduction

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	grantdomain "github.com/smallbiznis/entitle/internal/grant/domain"
)

type Request struct {
	// Amount in units of the requested feature. A negative amount credits usage back.
	Amount     decimal.Decimal
	Candidates []Candidate
	Scope      grantdomain.ScopeKey
	Now        time.Time
	// AdjustGranted books every balance change into the slot adjustment as well,
	// so the movement changes granted instead of usage.
	AdjustGranted bool
}

// Movement is the net change applied to one grant slot.
// Units are in the requested feature, Credits in the grant's own balance.
// Both are positive for deductions and negative for credits.
type Movement struct {
	GrantID snowflake.ID
	Scope   grantdomain.ScopeKey
	Units   decimal.Decimal
	Credits decimal.Decimal
}

type Result struct {
	Applied   decimal.Decimal
	Residual  decimal.Decimal
	Unlimited bool
	Movements []Movement
	// Updated holds the mutated copies of every grant that moved, in deduction order.
	Updated []grantdomain.Grant
}

type item struct {
	cand  Candidate
	grant grantdomain.Grant
	slot  grantdomain.Slot
	units decimal.Decimal
	cred  decimal.Decimal
	moved bool
}

func (it *item) record(units, credits decimal.Decimal) {
	it.units = it.units.Add(units)
	it.cred = it.cred.Add(credits)
	it.moved = true
}

// Deduct plans and applies amount against the candidates.
//
// Positive amounts run two passes in Less order. The first draws positive funds:
// unexpired rollover buckets oldest first, then the balance down to zero. The
// second pushes the remainder into usage_allowed grants down to their floor.
// Whatever is left is the residual. Negative amounts walk the same order in
// reverse, refilling each slot up to allowance+adjustment, and park any leftover
// on the last grant in order.
func Deduct(req Request) Result {
	ordered := Sort(Eligible(req.Candidates, req.Scope))
	res := Result{Applied: decimal.Zero, Residual: req.Amount}
	if len(ordered) == 0 {
		return res
	}
	for _, c := range ordered {
		if c.Grant.Unlimited {
			res.Unlimited = true
			res.Applied = req.Amount
			res.Residual = decimal.Zero
			return res
		}
	}
	if req.Amount.IsZero() {
		return res
	}

	items := make([]item, 0, len(ordered))
	for _, c := range ordered {
		g := c.Grant.Clone()
		slot, _ := g.SlotFor(req.Scope)
		items = append(items, item{cand: c, grant: g, slot: slot.Clone(), units: decimal.Zero, cred: decimal.Zero})
	}

	var remaining decimal.Decimal
	if req.Amount.IsPositive() {
		remaining = draw(items, req.Amount, req.Now, req.AdjustGranted)
		res.Applied = req.Amount.Sub(remaining)
		res.Residual = remaining
	} else {
		credit(items, req.Amount.Neg(), req.AdjustGranted)
		res.Applied = req.Amount
		res.Residual = decimal.Zero
	}

	for i := range items {
		it := &items[i]
		if !it.moved {
			continue
		}
		it.grant.SetSlot(req.Scope, it.slot)
		res.Updated = append(res.Updated, it.grant)
		res.Movements = append(res.Movements, Movement{
			GrantID: it.grant.ID,
			Scope:   slotScope(it.grant, req.Scope),
			Units:   it.units,
			Credits: it.cred,
		})
	}
	return res
}

func draw(items []item, amount decimal.Decimal, now time.Time, adjust bool) decimal.Decimal {
	remaining := amount

	for i := range items {
		if !remaining.IsPositive() {
			return decimal.Zero
		}
		it := &items[i]
		cost := it.cand.cost()

		for _, bi := range bucketOrder(it.slot.Rollovers) {
			if !remaining.IsPositive() {
				break
			}
			b := &it.slot.Rollovers[bi]
			if b.Expired(now) || !b.Balance.IsPositive() {
				continue
			}
			units, credits := take(remaining, b.Balance, cost)
			b.Balance = b.Balance.Sub(credits)
			if !adjust {
				b.Usage = b.Usage.Add(credits)
			}
			remaining = remaining.Sub(units)
			it.record(units, credits)
		}

		if remaining.IsPositive() && it.slot.Balance.IsPositive() {
			units, credits := take(remaining, it.slot.Balance, cost)
			applyBalance(it, credits.Neg(), adjust)
			remaining = remaining.Sub(units)
			it.record(units, credits)
		}
	}

	for i := range items {
		if !remaining.IsPositive() {
			return decimal.Zero
		}
		it := &items[i]
		if !it.grant.UsageAllowed {
			continue
		}
		cost := it.cand.cost()
		floor, bounded := it.grant.Floor()
		var units, credits decimal.Decimal
		if bounded {
			room := it.slot.Balance.Sub(floor)
			if !room.IsPositive() {
				continue
			}
			units, credits = take(remaining, room, cost)
		} else {
			units, credits = remaining, remaining.Mul(cost)
		}
		applyBalance(it, credits.Neg(), adjust)
		remaining = remaining.Sub(units)
		it.record(units, credits)
	}

	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// credit refills direct grants before credit system grants, so a credit
// system only takes usage back once every direct grant is full.
func credit(items []item, amount decimal.Decimal, adjust bool) {
	remaining := amount

	for _, creditSystem := range []bool{false, true} {
		for i := len(items) - 1; i >= 0 && remaining.IsPositive(); i-- {
			it := &items[i]
			if it.cand.CreditSystem != creditSystem {
				continue
			}
			cost := it.cand.cost()
			room := it.grant.Ceiling(it.slot).Sub(it.slot.Balance)
			if !room.IsPositive() {
				continue
			}
			units, credits := take(remaining, room, cost)
			applyBalance(it, credits, adjust)
			remaining = remaining.Sub(units)
			it.record(units.Neg(), credits.Neg())
		}
	}

	if remaining.IsPositive() {
		it := parking(items)
		credits := remaining.Mul(it.cand.cost())
		applyBalance(it, credits, adjust)
		it.record(remaining.Neg(), credits.Neg())
	}
}

// parking is the last direct grant in order, or the last grant when every
// candidate belongs to a credit system.
func parking(items []item) *item {
	for i := len(items) - 1; i >= 0; i-- {
		if !items[i].cand.CreditSystem {
			return &items[i]
		}
	}
	return &items[len(items)-1]
}

func applyBalance(it *item, delta decimal.Decimal, adjust bool) {
	it.slot.Balance = it.slot.Balance.Add(delta)
	if adjust {
		it.slot.Adjustment = it.slot.Adjustment.Add(delta)
	}
}

// unitPlaces bounds the fractional digits of a partial draw.
const unitPlaces = 16

// take draws up to remaining units from available balance priced at cost per
// unit. Credits is always units times cost; a partial draw truncates units and
// leaves the indivisible remainder in the balance.
func take(remaining, available, cost decimal.Decimal) (units, credits decimal.Decimal) {
	need := remaining.Mul(cost)
	if need.LessThanOrEqual(available) {
		return remaining, need
	}
	units, _ = available.QuoRem(cost, unitPlaces)
	return units, units.Mul(cost)
}

func slotScope(g grantdomain.Grant, scope grantdomain.ScopeKey) grantdomain.ScopeKey {
	if g.HasSubBalances() {
		return scope
	}
	return ""
}
