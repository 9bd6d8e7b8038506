// Package domain contains the durable log of tracked usage events.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type UsageStatus string

const (
	UsageStatusAccepted UsageStatus = "accepted"
	UsageStatusApplied  UsageStatus = "applied"
	UsageStatusRejected UsageStatus = "rejected"
)

// UsageEvent stores a single unit of tracked activity. It is accepted on the
// request path and applied to the customer's grants by a usage batch job.
type UsageEvent struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	CustomerID     string            `gorm:"type:text;not null;index:ux_usage_events_idem,unique,priority:1"`
	FeatureID      string            `gorm:"type:text;not null"`
	ScopeKey       string            `gorm:"type:text"`
	Value          decimal.Decimal   `gorm:"type:numeric;not null"`
	IdempotencyKey string            `gorm:"type:text;not null;index:ux_usage_events_idem,unique,priority:2"`
	Status         UsageStatus       `gorm:"type:text;not null;index"`
	Error          string            `gorm:"type:text"`
	Applied        decimal.Decimal   `gorm:"type:numeric;not null;default:0"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	RecordedAt     time.Time         `gorm:"not null"`
	AppliedAt      *time.Time
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (UsageEvent) TableName() string { return "usage_events" }

func (e UsageEvent) Settled() bool {
	return e.Status == UsageStatusApplied || e.Status == UsageStatusRejected
}
