package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type IngestRequest struct {
	CustomerID     string          `json:"customer_id"`
	FeatureID      string          `json:"feature_id"`
	ScopeKey       string          `json:"scope_key"`
	Value          decimal.Decimal `json:"value"`
	RecordedAt     time.Time       `json:"recorded_at"`
	IdempotencyKey string          `json:"idempotency_key"`
	Metadata       map[string]any  `json:"metadata"`
}

type ListRequest struct {
	CustomerID string
	FeatureID  string
	Status     UsageStatus
	Limit      int
}

// Settlement records the outcome of applying one event.
type Settlement struct {
	ID      snowflake.ID
	Status  UsageStatus
	Applied decimal.Decimal
	Error   string
	At      time.Time
}

type Service interface {
	// Ingest stores the event once per (customer, idempotency key). The
	// returned bool is false when an earlier event with the same key exists;
	// that event is returned unchanged.
	Ingest(ctx context.Context, req IngestRequest) (*UsageEvent, bool, error)
	List(ctx context.Context, req ListRequest) ([]UsageEvent, error)
}

type Repository interface {
	// Insert returns false when the idempotency key is already taken.
	Insert(ctx context.Context, db *gorm.DB, event *UsageEvent) (bool, error)
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, customerID, key string) (*UsageEvent, error)
	FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]UsageEvent, error)
	// Claim marks an accepted event applied before its deduction runs. It
	// returns false when another delivery already claimed the event.
	Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	// Release returns a claimed event to accepted after a transient failure.
	Release(ctx context.Context, db *gorm.DB, id snowflake.ID) error
	Record(ctx context.Context, db *gorm.DB, s Settlement) error
	ListAcceptedBefore(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]UsageEvent, error)
	List(ctx context.Context, db *gorm.DB, req ListRequest) ([]UsageEvent, error)
}

var (
	ErrInvalidCustomer       = errors.New("invalid_customer")
	ErrInvalidFeature        = errors.New("invalid_feature")
	ErrInvalidValue          = errors.New("invalid_value")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
	ErrInvalidRecordedAt     = errors.New("invalid_recorded_at")
)
