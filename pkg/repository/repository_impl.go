package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type gormRepository[T any] struct {
	db *gorm.DB
}

func ProvideStore[T any](db *gorm.DB) Repository[T] {
	return &gormRepository[T]{db: db}
}

func (r *gormRepository[T]) scoped(ctx context.Context, filter *T, opts []QueryOption) *gorm.DB {
	q := r.db.WithContext(ctx).Model(new(T))
	if filter != nil {
		q = q.Where(filter)
	}
	for _, opt := range opts {
		q = opt(q)
	}
	return q
}

func (r *gormRepository[T]) Find(ctx context.Context, filter *T, opts ...QueryOption) ([]*T, error) {
	var rows []*T
	if err := r.scoped(ctx, filter, opts).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *gormRepository[T]) FindOne(ctx context.Context, filter *T, opts ...QueryOption) (*T, error) {
	row := new(T)
	err := r.scoped(ctx, filter, opts).Take(row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (r *gormRepository[T]) Create(ctx context.Context, row *T) error {
	return r.db.WithContext(ctx).Create(row).Error
}

func (r *gormRepository[T]) Update(ctx context.Context, id any, columns map[string]any) error {
	return r.db.WithContext(ctx).Model(new(T)).Where("id = ?", id).Updates(columns).Error
}
