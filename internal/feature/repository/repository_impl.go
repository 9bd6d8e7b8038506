package repository

import (
	"context"
	"errors"

	"github.com/smallbiznis/entitle/internal/feature/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, feature *domain.Feature) error {
	if feature == nil {
		return gorm.ErrInvalidData
	}
	return db.WithContext(ctx).Create(feature).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id string) (*domain.Feature, error) {
	var f domain.Feature
	err := db.WithContext(ctx).Where("id = ?", id).First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *repo) ListCreditSystems(ctx context.Context, db *gorm.DB) ([]domain.Feature, error) {
	var items []domain.Feature
	err := db.WithContext(ctx).
		Where("feature_type = ?", domain.FeatureTypeCreditSystem).
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
