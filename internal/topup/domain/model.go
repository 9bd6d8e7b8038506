// Package domain holds auto top-up rules: when a customer's balance for a
// feature drops to the threshold, quantity is added to a grant. Rules on
// grouped features watch one sub-balance, named by ScopeKey.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Rule struct {
	ID              snowflake.ID    `gorm:"primaryKey"`
	CustomerID      string          `gorm:"type:text;not null;index:idx_topup_rules_customer_feature,priority:1"`
	FeatureID       string          `gorm:"type:text;not null;index:idx_topup_rules_customer_feature,priority:2"`
	ScopeKey        string          `gorm:"type:text;not null;default:''"`
	Threshold       decimal.Decimal `gorm:"type:numeric;not null"`
	Quantity        decimal.Decimal `gorm:"type:numeric;not null"`
	Enabled         bool            `gorm:"not null;default:true"`
	TargetGrantID   *snowflake.ID
	LastTriggeredAt *time.Time
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (Rule) TableName() string { return "topup_rules" }

// Triggered reports whether current has fallen to or below the threshold.
func (r Rule) Triggered(current decimal.Decimal) bool {
	return r.Enabled && current.LessThanOrEqual(r.Threshold)
}
