package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitle/internal/cache"
	"github.com/smallbiznis/entitle/internal/clock"
	"github.com/smallbiznis/entitle/internal/config"
	featuredomain "github.com/smallbiznis/entitle/internal/feature/domain"
	grantdomain "github.com/smallbiznis/entitle/internal/grant/domain"
	"github.com/smallbiznis/entitle/internal/topup/domain"
	"github.com/smallbiznis/entitle/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  repository.Repository[domain.Rule]

	// Features validates the feature and scope of new rules when present.
	Features featuredomain.Service      `optional:"true"`
	Engine   *config.EngineConfigHolder `optional:"true"`
	Clock    clock.Clock                `optional:"true"`
}

type Service struct {
	log      *zap.Logger
	genID    *snowflake.Node
	repo     repository.Repository[domain.Rule]
	features featuredomain.Service
	clock    clock.Clock
	rules    cache.TopUpRuleCache
}

func New(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	cfg := p.Engine.Get()
	return &Service{
		log:      p.Log.Named("topup.service"),
		genID:    p.GenID,
		repo:     p.Repo,
		features: p.Features,
		clock:    clk,
		rules:    cache.NewTopUpRuleCache(cfg.TopUpRuleTTL, cfg.TopUpCooldown),
	}
}

func (s *Service) CreateRule(ctx context.Context, req domain.CreateRuleRequest) (*domain.Rule, error) {
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return nil, domain.ErrInvalidCustomer
	}
	featureID := strings.ToLower(strings.TrimSpace(req.FeatureID))
	if featureID == "" {
		return nil, domain.ErrInvalidFeature
	}
	if req.Threshold.IsNegative() {
		return nil, domain.ErrInvalidThreshold
	}
	if !req.Quantity.IsPositive() {
		return nil, domain.ErrInvalidQuantity
	}
	scope, err := s.resolveScope(ctx, featureID, req.ScopeKey)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	rule := &domain.Rule{
		ID:            s.genID.Generate(),
		CustomerID:    customerID,
		FeatureID:     featureID,
		ScopeKey:      scope,
		Threshold:     req.Threshold,
		Quantity:      req.Quantity,
		Enabled:       true,
		TargetGrantID: req.TargetGrantID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Create(ctx, rule); err != nil {
		return nil, err
	}
	s.rules.InvalidateRules(customerID, featureID)

	s.log.Info("top-up rule created",
		zap.String("rule_id", rule.ID.String()),
		zap.String("customer_id", customerID),
		zap.String("feature_id", featureID),
		zap.String("scope_key", scope),
	)
	return rule, nil
}

// resolveScope checks that a rule can be evaluated against one balance: the
// feature must be metered and a grouped feature needs a scope, since its
// balance only exists per sub-balance.
func (s *Service) resolveScope(ctx context.Context, featureID, raw string) (string, error) {
	if s.features == nil {
		return string(grantdomain.NormalizeScopeKey(raw)), nil
	}
	feature, err := s.features.Get(ctx, featureID)
	if errors.Is(err, featuredomain.ErrNotFound) {
		return "", domain.ErrInvalidFeature
	}
	if err != nil {
		return "", err
	}
	if feature.IsBoolean() {
		return "", domain.ErrInvalidFeature
	}
	scope, err := feature.ResolveScope(raw)
	if err != nil {
		return "", domain.ErrInvalidScope
	}
	if feature.Grouped() && scope.IsZero() {
		return "", domain.ErrInvalidScope
	}
	return string(scope), nil
}

func (s *Service) DisableRule(ctx context.Context, id snowflake.ID) error {
	rule, err := s.repo.FindOne(ctx, &domain.Rule{ID: id})
	if err != nil {
		return err
	}
	if rule == nil {
		return domain.ErrRuleNotFound
	}
	if err := s.repo.Update(ctx, id, map[string]any{
		"enabled":    false,
		"updated_at": s.clock.Now(),
	}); err != nil {
		return err
	}
	s.rules.InvalidateRules(rule.CustomerID, rule.FeatureID)
	return nil
}

func (s *Service) RulesFor(ctx context.Context, customerID, featureID string) ([]domain.Rule, error) {
	customerID = strings.TrimSpace(customerID)
	featureID = strings.ToLower(strings.TrimSpace(featureID))
	if rules, ok := s.rules.GetRules(customerID, featureID); ok {
		return rules, nil
	}

	rows, err := s.repo.Find(ctx,
		&domain.Rule{CustomerID: customerID, FeatureID: featureID},
		repository.Where("enabled = ?", true),
		repository.OrderBy("id ASC"),
	)
	if err != nil {
		return nil, err
	}
	rules := make([]domain.Rule, 0, len(rows))
	for _, r := range rows {
		rules = append(rules, *r)
	}
	s.rules.SetRules(customerID, featureID, rules)
	return rules, nil
}

func (s *Service) MarkTriggered(ctx context.Context, id snowflake.ID) error {
	now := s.clock.Now()
	return s.repo.Update(ctx, id, map[string]any{
		"last_triggered_at": now,
		"updated_at":        now,
	})
}

// TryTrigger reports whether the caller won the right to enqueue a top-up for
// the customer feature and scope. Losers within the cooldown must not enqueue.
func (s *Service) TryTrigger(customerID, featureID, scopeKey string) bool {
	return s.rules.TryTrigger(customerID, featureID, scopeKey)
}

// ClearTrigger releases the cooldown early, used when enqueueing failed.
func (s *Service) ClearTrigger(customerID, featureID, scopeKey string) {
	s.rules.ClearTrigger(customerID, featureID, scopeKey)
}
