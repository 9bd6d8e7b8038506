// Package repository is a small generic gorm store for row types that need
// no custom queries, such as top-up rules.
package repository

import (
	"context"

	"gorm.io/gorm"
)

// QueryOption refines a lookup built from a filter struct.
type QueryOption func(*gorm.DB) *gorm.DB

func OrderBy(clause string) QueryOption {
	return func(db *gorm.DB) *gorm.DB { return db.Order(clause) }
}

func Where(query any, args ...any) QueryOption {
	return func(db *gorm.DB) *gorm.DB { return db.Where(query, args...) }
}

type Repository[T any] interface {
	// Find returns every row matching the non-zero fields of filter.
	Find(ctx context.Context, filter *T, opts ...QueryOption) ([]*T, error)
	// FindOne returns nil without error when nothing matches.
	FindOne(ctx context.Context, filter *T, opts ...QueryOption) (*T, error)
	Create(ctx context.Context, row *T) error
	// Update applies a column map to the row with the given id.
	Update(ctx context.Context, id any, columns map[string]any) error
}
