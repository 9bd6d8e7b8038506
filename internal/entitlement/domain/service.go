// Package domain describes the entitlement engine as seen by its
// collaborators: deduct, correct and read balances, and manage grants.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/entitle/internal/balance"
	"github.com/smallbiznis/entitle/internal/deduction"
	grantdomain "github.com/smallbiznis/entitle/internal/grant/domain"
	usagedomain "github.com/smallbiznis/entitle/internal/usage/domain"
)

type Consistency string

const (
	ConsistencyFast    Consistency = "fast"
	ConsistencyDurable Consistency = "durable"
)

// OverageBehaviour decides what happens to the residual of a deduction.
// Empty uses the configured default.
type OverageBehaviour string

const (
	OverageCap    OverageBehaviour = "cap"
	OverageReject OverageBehaviour = "reject"
)

type AggregateBalance = balance.Balance

type DeductRequest struct {
	CustomerID       string           `json:"customer_id"`
	FeatureID        string           `json:"feature_id"`
	Amount           decimal.Decimal  `json:"amount"`
	ScopeKey         string           `json:"scope_key,omitempty"`
	OverageBehaviour OverageBehaviour `json:"overage_behaviour,omitempty"`
}

type DeductResult struct {
	Applied   decimal.Decimal      `json:"applied"`
	Residual  decimal.Decimal      `json:"residual"`
	Unlimited bool                 `json:"unlimited"`
	Movements []deduction.Movement `json:"movements,omitempty"`
}

type SetBalanceRequest struct {
	CustomerID string          `json:"customer_id"`
	FeatureID  string          `json:"feature_id"`
	Balance    decimal.Decimal `json:"balance"`
	ScopeKey   string          `json:"scope_key,omitempty"`
}

type SetBalanceResult struct {
	Applied decimal.Decimal `json:"applied"`
}

type BalanceRequest struct {
	CustomerID  string      `json:"customer_id"`
	FeatureID   string      `json:"feature_id"`
	ScopeKey    string      `json:"scope_key,omitempty"`
	Consistency Consistency `json:"consistency,omitempty"`
}

// CheckRequest asks whether the customer could use Required units of the
// feature right now. Zero Required means 1.
type CheckRequest struct {
	CustomerID string          `json:"customer_id"`
	FeatureID  string          `json:"feature_id"`
	Required   decimal.Decimal `json:"required"`
	ScopeKey   string          `json:"scope_key,omitempty"`
}

// CheckResult reports Allowed when a deduction of Required would be covered
// in full, credit systems included. Balance is the feature's own balance.
type CheckResult struct {
	Allowed  bool             `json:"allowed"`
	Required decimal.Decimal  `json:"required"`
	Balance  AggregateBalance `json:"balance"`
}

type TopUpRequest struct {
	CustomerID string          `json:"customer_id"`
	FeatureID  string          `json:"feature_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	ScopeKey   string          `json:"scope_key,omitempty"`
	// GrantID targets one grant. Without it the last grant in deduction
	// order receives the balance.
	GrantID *snowflake.ID `json:"grant_id,omitempty"`
}

type TopUpResult struct {
	GrantID snowflake.ID    `json:"grant_id"`
	Balance decimal.Decimal `json:"balance"`
}

type TrackRequest struct {
	Events []usagedomain.IngestRequest `json:"events"`
}

type TrackResult struct {
	Accepted   []snowflake.ID `json:"accepted"`
	Duplicates []snowflake.ID `json:"duplicates,omitempty"`
}

// GrantSpec is one grant of a plan attachment, as supplied by the catalog.
type GrantSpec struct {
	FeatureID     string                      `json:"feature_id"`
	Interval      grantdomain.Interval        `json:"interval"`
	IntervalCount int                         `json:"interval_count"`
	UsageAllowed  bool                        `json:"usage_allowed"`
	Unlimited     bool                        `json:"unlimited"`
	Allowance     decimal.Decimal             `json:"allowance"`
	MaxOverage    *decimal.Decimal            `json:"max_overage,omitempty"`
	Rollover      *grantdomain.RolloverConfig `json:"rollover,omitempty"`
	ScopeKeys     []string                    `json:"scope_keys,omitempty"`
}

type AttachGrantsRequest struct {
	CustomerID       string      `json:"customer_id"`
	PlanAttachmentID string      `json:"plan_attachment_id"`
	StartsAt         time.Time   `json:"starts_at"`
	Grants           []GrantSpec `json:"grants"`
}

type ProvisionScopeRequest struct {
	CustomerID string `json:"customer_id"`
	FeatureID  string `json:"feature_id"`
	ScopeKey   string `json:"scope_key"`
}

type Service interface {
	// Deduct applies amount against the cached grants and returns after the
	// cache write. A negative amount credits usage back.
	Deduct(ctx context.Context, req DeductRequest) (DeductResult, error)
	SetBalance(ctx context.Context, req SetBalanceRequest) (SetBalanceResult, error)
	GetBalance(ctx context.Context, req BalanceRequest) (AggregateBalance, error)
	// Check answers from the cache without changing any balance. Boolean
	// features are allowed whenever a grant covers the scope.
	Check(ctx context.Context, req CheckRequest) (CheckResult, error)
	TopUp(ctx context.Context, req TopUpRequest) (TopUpResult, error)
	// Track records usage events and applies them asynchronously.
	Track(ctx context.Context, req TrackRequest) (TrackResult, error)

	AttachGrants(ctx context.Context, req AttachGrantsRequest) ([]grantdomain.Grant, error)
	RetireGrants(ctx context.Context, planAttachmentID string) (int, error)
	// ProvisionScope opens a sub-balance for scope on every grouped grant of
	// the feature. It returns how many grants gained a slot.
	ProvisionScope(ctx context.Context, req ProvisionScopeRequest) (int, error)

	// ResetDue enqueues reset jobs for grants whose boundary has passed.
	ResetDue(ctx context.Context) (int, error)
	// SweepDirty enqueues sync jobs for dirty cache entries without one.
	SweepDirty(ctx context.Context) (int, error)
	// RecoverUsage re-enqueues events accepted more than olderThan ago that
	// were never applied.
	RecoverUsage(ctx context.Context, olderThan time.Duration) (int, error)
}
