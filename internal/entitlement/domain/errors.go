package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrUnknownGrant        = errors.New("unknown_grant")
	ErrInvalidScope        = errors.New("invalid_scope")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidCustomer     = errors.New("invalid_customer")
	ErrInvalidFeature      = errors.New("invalid_feature")
	ErrInvalidPlan         = errors.New("invalid_plan_attachment")
	ErrInvalidConsistency  = errors.New("invalid_consistency")
	ErrInvalidOverage      = errors.New("invalid_overage_behaviour")
	ErrRateLimited         = errors.New("rate_limited")
	ErrFeatureNotMetered   = errors.New("feature_not_metered")
)

// InsufficientBalanceError reports a deduction the grants could not fully
// cover. Partial is true when Applied was committed before the remainder
// was refused; when false nothing was deducted.
type InsufficientBalanceError struct {
	FeatureID string
	Required  decimal.Decimal
	Available decimal.Decimal
	Applied   decimal.Decimal
	Partial   bool
}

func (e *InsufficientBalanceError) Error() string {
	if e.Partial {
		return fmt.Sprintf("insufficient_balance: feature %s required %s, applied %s", e.FeatureID, e.Required, e.Applied)
	}
	return fmt.Sprintf("insufficient_balance: feature %s required %s, available %s", e.FeatureID, e.Required, e.Available)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}
