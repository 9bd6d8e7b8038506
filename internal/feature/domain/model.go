package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	grantdomain "github.com/smallbiznis/entitle/internal/grant/domain"
	"gorm.io/datatypes"
)

type FeatureType string

const (
	FeatureTypeBoolean      FeatureType = "boolean"
	FeatureTypeMetered      FeatureType = "metered"
	FeatureTypeCreditSystem FeatureType = "credit_system"
)

// GroupingKind declares how a feature's grants are split into sub-balances.
type GroupingKind string

const (
	GroupingNone     GroupingKind = "none"
	GroupingEntity   GroupingKind = "entity"
	GroupingProperty GroupingKind = "property"
)

// CreditSchemaItem prices one unit of a metered feature in credits.
type CreditSchemaItem struct {
	MeteredFeatureID string          `json:"metered_feature_id"`
	CreditCost       decimal.Decimal `json:"credit_cost"`
}

type Feature struct {
	ID           string                                 `gorm:"primaryKey;type:text"`
	Name         string                                 `gorm:"type:text;not null"`
	Type         FeatureType                            `gorm:"column:feature_type;type:text;not null"`
	GroupingKind GroupingKind                           `gorm:"type:text;not null;default:none"`
	GroupingKey  string                                 `gorm:"type:text"`
	CreditSchema datatypes.JSONType[[]CreditSchemaItem] `gorm:"column:credit_schema"`
	CreatedAt    time.Time                              `gorm:"not null"`
	UpdatedAt    time.Time                              `gorm:"not null"`
}

func (Feature) TableName() string { return "features" }

func (f Feature) Grouped() bool {
	return f.GroupingKind == GroupingEntity || f.GroupingKind == GroupingProperty
}

// IsBoolean reports whether the feature is an on/off flag. Its grants carry
// no balance and are never deducted from.
func (f Feature) IsBoolean() bool {
	return f.Type == FeatureTypeBoolean
}

func (f Feature) IsCreditSystem() bool {
	return f.Type == FeatureTypeCreditSystem
}

// CreditCost returns how many credits of this credit system one unit of
// meteredFeatureID consumes.
func (f Feature) CreditCost(meteredFeatureID string) (decimal.Decimal, bool) {
	if !f.IsCreditSystem() {
		return decimal.Zero, false
	}
	for _, item := range f.CreditSchema.Data() {
		if strings.EqualFold(item.MeteredFeatureID, meteredFeatureID) {
			return item.CreditCost, true
		}
	}
	return decimal.Zero, false
}

// ResolveScope validates a caller supplied scope against the feature grouping.
// An empty scope is always valid.
func (f Feature) ResolveScope(raw string) (grantdomain.ScopeKey, error) {
	key := grantdomain.NormalizeScopeKey(raw)
	if key.IsZero() {
		return key, nil
	}
	if !f.Grouped() {
		return "", ErrInvalidScope
	}
	return key, nil
}
