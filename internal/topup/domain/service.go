package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type CreateRuleRequest struct {
	CustomerID    string          `json:"customer_id"`
	FeatureID     string          `json:"feature_id"`
	ScopeKey      string          `json:"scope_key,omitempty"`
	Threshold     decimal.Decimal `json:"threshold"`
	Quantity      decimal.Decimal `json:"quantity"`
	TargetGrantID *snowflake.ID   `json:"target_grant_id,omitempty"`
}

type Service interface {
	CreateRule(ctx context.Context, req CreateRuleRequest) (*Rule, error)
	DisableRule(ctx context.Context, id snowflake.ID) error
	// RulesFor returns the enabled rules for a customer and feature, served
	// from a short-lived cache on the deduction path.
	RulesFor(ctx context.Context, customerID, featureID string) ([]Rule, error)
	MarkTriggered(ctx context.Context, id snowflake.ID) error
	// TryTrigger reports whether the caller may enqueue a top-up for the
	// customer feature and scope. Only one caller wins per cooldown window.
	TryTrigger(customerID, featureID, scopeKey string) bool
	ClearTrigger(customerID, featureID, scopeKey string)
}

var (
	ErrInvalidCustomer  = errors.New("invalid_customer")
	ErrInvalidFeature   = errors.New("invalid_feature")
	ErrInvalidScope     = errors.New("invalid_scope")
	ErrInvalidThreshold = errors.New("invalid_threshold")
	ErrInvalidQuantity  = errors.New("invalid_quantity")
	ErrRuleNotFound     = errors.New("topup_rule_not_found")
)
