package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/entitle/internal/usage/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *usagedomain.UsageEvent) (bool, error) {
	if event == nil {
		return false, errors.New("missing_usage_event")
	}
	if strings.EqualFold(db.Dialector.Name(), "sqlite") {
		return r.insertSQLite(ctx, db, event)
	}
	result := db.WithContext(ctx).
		Clauses(buildIdempotencyConflictClause(db)).
		Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) insertSQLite(ctx context.Context, db *gorm.DB, event *usagedomain.UsageEvent) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO usage_events (
			id, customer_id, feature_id, scope_key, value, idempotency_key,
			status, error, applied, metadata, recorded_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (customer_id, idempotency_key) DO NOTHING`,
		event.ID,
		event.CustomerID,
		event.FeatureID,
		event.ScopeKey,
		event.Value,
		event.IdempotencyKey,
		event.Status,
		event.Error,
		event.Applied,
		event.Metadata,
		event.RecordedAt,
		event.CreatedAt,
		event.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, db *gorm.DB, customerID, key string) (*usagedomain.UsageEvent, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	var event usagedomain.UsageEvent
	err := db.WithContext(ctx).
		Where("customer_id = ? AND idempotency_key = ?", customerID, key).
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

func (r *repo) FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]usagedomain.UsageEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var events []usagedomain.UsageEvent
	err := db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("recorded_at ASC, id ASC").
		Find(&events).Error
	return events, err
}

func (r *repo) Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&usagedomain.UsageEvent{}).
		Where("id = ? AND status = ?", id, usagedomain.UsageStatusAccepted).
		Updates(map[string]any{
			"status":     usagedomain.UsageStatusApplied,
			"applied_at": at,
			"updated_at": at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Release(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).Model(&usagedomain.UsageEvent{}).
		Where("id = ? AND status = ?", id, usagedomain.UsageStatusApplied).
		Updates(map[string]any{
			"status":     usagedomain.UsageStatusAccepted,
			"applied_at": nil,
		}).Error
}

func (r *repo) Record(ctx context.Context, db *gorm.DB, s usagedomain.Settlement) error {
	return db.WithContext(ctx).Model(&usagedomain.UsageEvent{}).
		Where("id = ?", s.ID).
		Updates(map[string]any{
			"status":     s.Status,
			"applied":    s.Applied,
			"error":      s.Error,
			"updated_at": s.At,
		}).Error
}

func (r *repo) ListAcceptedBefore(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]usagedomain.UsageEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []usagedomain.UsageEvent
	err := db.WithContext(ctx).
		Where("status = ? AND created_at < ?", usagedomain.UsageStatusAccepted, before).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *repo) List(ctx context.Context, db *gorm.DB, req usagedomain.ListRequest) ([]usagedomain.UsageEvent, error) {
	limit := req.Limit
	if limit <= 0 || limit > 250 {
		limit = 50
	}
	stmt := db.WithContext(ctx).Where("customer_id = ?", req.CustomerID)
	if req.FeatureID != "" {
		stmt = stmt.Where("feature_id = ?", req.FeatureID)
	}
	if req.Status != "" {
		stmt = stmt.Where("status = ?", req.Status)
	}
	var events []usagedomain.UsageEvent
	err := stmt.Order("recorded_at DESC, id DESC").Limit(limit).Find(&events).Error
	return events, err
}

func buildIdempotencyConflictClause(db *gorm.DB) clause.OnConflict {
	conflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "customer_id"}, {Name: "idempotency_key"}},
		DoNothing: true,
	}
	if db != nil && strings.EqualFold(db.Dialector.Name(), "postgres") {
		conflict.TargetWhere = clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "idempotency_key <> ''"},
		}}
	}
	return conflict
}
