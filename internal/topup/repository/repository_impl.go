package repository

import (
	"github.com/smallbiznis/entitle/internal/topup/domain"
	"github.com/smallbiznis/entitle/pkg/repository"
	"gorm.io/gorm"
)

func Provide(db *gorm.DB) repository.Repository[domain.Rule] {
	return repository.ProvideStore[domain.Rule](db)
}
