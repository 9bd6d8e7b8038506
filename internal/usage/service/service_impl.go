package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitle/internal/clock"
	usagedomain "github.com/smallbiznis/entitle/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxClockSkew = 5 * time.Minute

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  usagedomain.Repository
	Clock clock.Clock `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  usagedomain.Repository
	clock clock.Clock
}

func NewService(p ServiceParam) usagedomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("usage.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: clk,
	}
}

func (s *Service) Ingest(ctx context.Context, req usagedomain.IngestRequest) (*usagedomain.UsageEvent, bool, error) {
	if err := validateIngest(req, s.clock.Now()); err != nil {
		return nil, false, err
	}

	customerID := strings.TrimSpace(req.CustomerID)
	idempotencyKey := strings.TrimSpace(req.IdempotencyKey)

	// A retried request returns the original event as-is, whatever happened since.
	existing, err := s.repo.FindByIdempotencyKey(ctx, s.db, customerID, idempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := s.clock.Now()
	recordedAt := req.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = now
	}

	event := &usagedomain.UsageEvent{
		ID:             s.genID.Generate(),
		CustomerID:     customerID,
		FeatureID:      strings.TrimSpace(req.FeatureID),
		ScopeKey:       strings.TrimSpace(req.ScopeKey),
		Value:          req.Value,
		IdempotencyKey: idempotencyKey,
		Status:         usagedomain.UsageStatusAccepted,
		RecordedAt:     recordedAt.UTC(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.Metadata != nil {
		event.Metadata = datatypes.JSONMap(req.Metadata)
	}

	inserted, err := s.repo.Insert(ctx, s.db, event)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		existing, err := s.repo.FindByIdempotencyKey(ctx, s.db, customerID, idempotencyKey)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	s.log.Debug("usage event accepted",
		zap.String("usage_id", event.ID.String()),
		zap.String("customer_id", event.CustomerID),
		zap.String("feature_id", event.FeatureID),
	)
	return event, true, nil
}

func (s *Service) List(ctx context.Context, req usagedomain.ListRequest) ([]usagedomain.UsageEvent, error) {
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	if req.CustomerID == "" {
		return nil, usagedomain.ErrInvalidCustomer
	}
	return s.repo.List(ctx, s.db, req)
}

func validateIngest(req usagedomain.IngestRequest, now time.Time) error {
	if strings.TrimSpace(req.CustomerID) == "" {
		return usagedomain.ErrInvalidCustomer
	}
	if strings.TrimSpace(req.FeatureID) == "" {
		return usagedomain.ErrInvalidFeature
	}
	if !req.Value.IsPositive() {
		return usagedomain.ErrInvalidValue
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return usagedomain.ErrInvalidIdempotencyKey
	}
	if !req.RecordedAt.IsZero() && req.RecordedAt.After(now.Add(maxClockSkew)) {
		return usagedomain.ErrInvalidRecordedAt
	}
	return nil
}
