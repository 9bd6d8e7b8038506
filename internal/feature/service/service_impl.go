package service

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/entitle/internal/cache"
	"github.com/smallbiznis/entitle/internal/feature/domain"
	"github.com/smallbiznis/entitle/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultFeatureTTL      = 5 * time.Minute
	defaultCreditSystemTTL = time.Minute
	creditSystemsKey       = "credit_systems"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo domain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo domain.Repository

	features      cache.Cache[string, domain.Feature]
	creditSystems cache.Cache[string, []domain.Feature]
}

func New(p Params) domain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("feature.service"),
		repo:          p.Repo,
		features:      cache.NewTTLCache[string, domain.Feature](),
		creditSystems: cache.NewTTLCache[string, []domain.Feature](),
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.Feature, error) {
	id := strings.ToLower(strings.TrimSpace(req.ID))
	if id == "" {
		return nil, domain.ErrInvalidID
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = id
	}

	switch req.Type {
	case domain.FeatureTypeBoolean, domain.FeatureTypeMetered, domain.FeatureTypeCreditSystem:
	default:
		return nil, domain.ErrInvalidType
	}

	grouping := req.GroupingKind
	if grouping == "" {
		grouping = domain.GroupingNone
	}
	switch grouping {
	case domain.GroupingNone:
		if strings.TrimSpace(req.GroupingKey) != "" {
			return nil, domain.ErrInvalidGrouping
		}
	case domain.GroupingEntity, domain.GroupingProperty:
		if strings.TrimSpace(req.GroupingKey) == "" {
			return nil, domain.ErrInvalidGrouping
		}
	default:
		return nil, domain.ErrInvalidGrouping
	}

	if err := validateCreditSchema(req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	feature := &domain.Feature{
		ID:           id,
		Name:         name,
		Type:         req.Type,
		GroupingKind: grouping,
		GroupingKey:  strings.TrimSpace(req.GroupingKey),
		CreditSchema: datatypes.NewJSONType(req.CreditSchema),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.repo.Create(ctx, s.db, feature); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrAlreadyExists
		}
		return nil, err
	}

	s.features.Set(cache.Key(id), *feature, defaultFeatureTTL)
	if feature.IsCreditSystem() {
		s.creditSystems.Delete(creditSystemsKey)
	}
	s.log.Info("feature registered",
		zap.String("feature_id", id),
		zap.String("type", string(req.Type)),
	)
	return feature, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Feature, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return nil, domain.ErrInvalidID
	}
	if cached, ok := s.features.Get(cache.Key(id)); ok {
		return &cached, nil
	}

	feature, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if feature == nil {
		return nil, domain.ErrNotFound
	}
	s.features.Set(cache.Key(id), *feature, defaultFeatureTTL)
	return feature, nil
}

func (s *Service) CreditSystemsFor(ctx context.Context, featureID string) ([]domain.Feature, error) {
	all, ok := s.creditSystems.Get(creditSystemsKey)
	if !ok {
		var err error
		all, err = s.repo.ListCreditSystems(ctx, s.db)
		if err != nil {
			return nil, err
		}
		s.creditSystems.Set(creditSystemsKey, all, defaultCreditSystemTTL)
	}

	out := make([]domain.Feature, 0)
	for _, f := range all {
		if _, ok := f.CreditCost(featureID); ok {
			out = append(out, f)
		}
	}
	return out, nil
}

func validateCreditSchema(req domain.CreateRequest) error {
	if req.Type != domain.FeatureTypeCreditSystem {
		if len(req.CreditSchema) > 0 {
			return domain.ErrInvalidCreditSchema
		}
		return nil
	}
	if len(req.CreditSchema) == 0 {
		return domain.ErrInvalidCreditSchema
	}
	seen := make(map[string]struct{}, len(req.CreditSchema))
	for _, item := range req.CreditSchema {
		key := strings.ToLower(strings.TrimSpace(item.MeteredFeatureID))
		if key == "" || !item.CreditCost.IsPositive() {
			return domain.ErrInvalidCreditSchema
		}
		if strings.EqualFold(key, req.ID) {
			return domain.ErrInvalidCreditSchema
		}
		if _, dup := seen[key]; dup {
			return domain.ErrInvalidCreditSchema
		}
		seen[key] = struct{}{}
	}
	return nil
}
