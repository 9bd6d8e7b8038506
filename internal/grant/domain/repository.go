package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, grants []Grant) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Grant, error)
	ListActive(ctx context.Context, db *gorm.DB, customerID string, featureIDs []string) ([]Grant, error)
	// ApplySnapshot persists grant state as of version. It is a no-op when the
	// stored version is already equal or newer.
	ApplySnapshot(ctx context.Context, db *gorm.DB, grant Grant, version int64) (bool, error)
	Retire(ctx context.Context, db *gorm.DB, planAttachmentID string, at time.Time) ([]Grant, error)
	ListDueForReset(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Grant, error)
}

var (
	ErrNotFound          = errors.New("grant_not_found")
	ErrInvalidInterval   = errors.New("invalid_interval")
	ErrInvalidAllowance  = errors.New("invalid_allowance")
	ErrInvalidMaxOverage = errors.New("invalid_max_overage")
	ErrInvalidRollover   = errors.New("invalid_rollover")
)
