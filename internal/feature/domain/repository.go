package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	Create(ctx context.Context, db *gorm.DB, feature *Feature) error
	FindByID(ctx context.Context, db *gorm.DB, id string) (*Feature, error)
	ListCreditSystems(ctx context.Context, db *gorm.DB) ([]Feature, error)
}
