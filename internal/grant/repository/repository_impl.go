package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	grantdomain "github.com/smallbiznis/entitle/internal/grant/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GrantRecord is the persisted form of a grant.
type GrantRecord struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	CustomerID       string       `gorm:"type:text;not null;index:ix_grants_customer_feature,priority:1"`
	FeatureID        string       `gorm:"type:text;not null;index:ix_grants_customer_feature,priority:2"`
	PlanAttachmentID string       `gorm:"type:text;not null;index"`

	ResetInterval string `gorm:"type:text;not null"`
	IntervalCount int    `gorm:"not null;default:1"`
	UsageAllowed  bool   `gorm:"not null;default:false"`
	Unlimited     bool   `gorm:"not null;default:false"`

	Allowance  decimal.Decimal     `gorm:"type:numeric;not null"`
	Balance    decimal.Decimal     `gorm:"type:numeric;not null"`
	Adjustment decimal.Decimal     `gorm:"type:numeric;not null"`
	MaxOverage decimal.NullDecimal `gorm:"type:numeric"`

	NextResetAt    *time.Time `gorm:"index"`
	SubBalances    datatypes.JSONType[grantdomain.SubBalances]
	Rollovers      datatypes.JSONType[[]grantdomain.RolloverBucket]
	RolloverConfig datatypes.JSONType[*grantdomain.RolloverConfig]

	CacheVersion int64          `gorm:"not null;default:0"`
	CreatedAt    time.Time      `gorm:"not null"`
	UpdatedAt    time.Time      `gorm:"not null"`
	DeletedAt    gorm.DeletedAt `gorm:"index"`
}

func (GrantRecord) TableName() string { return "grants" }

type repo struct{}

func Provide() grantdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, grants []grantdomain.Grant) error {
	if len(grants) == 0 {
		return nil
	}
	records := make([]GrantRecord, 0, len(grants))
	for _, g := range grants {
		records = append(records, toRecord(g))
	}
	return db.WithContext(ctx).Create(&records).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*grantdomain.Grant, error) {
	var record GrantRecord
	err := db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	g := fromRecord(record)
	return &g, nil
}

func (r *repo) ListActive(ctx context.Context, db *gorm.DB, customerID string, featureIDs []string) ([]grantdomain.Grant, error) {
	if customerID == "" || len(featureIDs) == 0 {
		return nil, nil
	}
	var records []GrantRecord
	err := db.WithContext(ctx).
		Where("customer_id = ? AND feature_id IN ?", customerID, featureIDs).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return fromRecords(records), nil
}

func (r *repo) ApplySnapshot(ctx context.Context, db *gorm.DB, g grantdomain.Grant, version int64) (bool, error) {
	result := db.WithContext(ctx).
		Model(&GrantRecord{}).
		Where("id = ? AND cache_version < ?", g.ID, version).
		Updates(map[string]any{
			"balance":       g.Balance,
			"adjustment":    g.Adjustment,
			"sub_balances":  datatypes.NewJSONType(g.SubBalances),
			"rollovers":     datatypes.NewJSONType(g.Rollovers),
			"next_reset_at": g.NextResetAt,
			"cache_version": version,
			"updated_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) Retire(ctx context.Context, db *gorm.DB, planAttachmentID string, at time.Time) ([]grantdomain.Grant, error) {
	var records []GrantRecord
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("plan_attachment_id = ?", planAttachmentID).Find(&records).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		return tx.Model(&GrantRecord{}).
			Where("plan_attachment_id = ?", planAttachmentID).
			Update("deleted_at", at).Error
	})
	if err != nil {
		return nil, err
	}
	return fromRecords(records), nil
}

func (r *repo) ListDueForReset(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]grantdomain.Grant, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []GrantRecord
	err := db.WithContext(ctx).
		Where("next_reset_at IS NOT NULL AND next_reset_at <= ?", now).
		Order("next_reset_at ASC, id ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return fromRecords(records), nil
}

func toRecord(g grantdomain.Grant) GrantRecord {
	record := GrantRecord{
		ID:               g.ID,
		CustomerID:       g.CustomerID,
		FeatureID:        g.FeatureID,
		PlanAttachmentID: g.PlanAttachmentID,
		ResetInterval:    string(g.Interval),
		IntervalCount:    g.IntervalCount,
		UsageAllowed:     g.UsageAllowed,
		Unlimited:        g.Unlimited,
		Allowance:        g.Allowance,
		Balance:          g.Balance,
		Adjustment:       g.Adjustment,
		NextResetAt:      g.NextResetAt,
		SubBalances:      datatypes.NewJSONType(g.SubBalances),
		Rollovers:        datatypes.NewJSONType(g.Rollovers),
		RolloverConfig:   datatypes.NewJSONType(g.Rollover),
		CacheVersion:     g.CacheVersion,
		CreatedAt:        g.CreatedAt,
		UpdatedAt:        g.UpdatedAt,
	}
	if g.MaxOverage != nil {
		record.MaxOverage = decimal.NewNullDecimal(*g.MaxOverage)
	}
	return record
}

func fromRecord(r GrantRecord) grantdomain.Grant {
	g := grantdomain.Grant{
		ID:               r.ID,
		CustomerID:       r.CustomerID,
		FeatureID:        r.FeatureID,
		PlanAttachmentID: r.PlanAttachmentID,
		Interval:         grantdomain.Interval(r.ResetInterval),
		IntervalCount:    r.IntervalCount,
		UsageAllowed:     r.UsageAllowed,
		Unlimited:        r.Unlimited,
		Allowance:        r.Allowance,
		Balance:          r.Balance,
		Adjustment:       r.Adjustment,
		NextResetAt:      r.NextResetAt,
		SubBalances:      r.SubBalances.Data(),
		Rollovers:        r.Rollovers.Data(),
		Rollover:         r.RolloverConfig.Data(),
		CacheVersion:     r.CacheVersion,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.MaxOverage.Valid {
		v := r.MaxOverage.Decimal
		g.MaxOverage = &v
	}
	if g.NextResetAt != nil {
		t := g.NextResetAt.UTC()
		g.NextResetAt = &t
	}
	return g
}

func fromRecords(records []GrantRecord) []grantdomain.Grant {
	out := make([]grantdomain.Grant, 0, len(records))
	for _, record := range records {
		out = append(out, fromRecord(record))
	}
	return out
}
