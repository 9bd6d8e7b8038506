package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/entitle/internal/balance"
	"github.com/smallbiznis/entitle/internal/cache"
	"github.com/smallbiznis/entitle/internal/clock"
	"github.com/smallbiznis/entitle/internal/config"
	"github.com/smallbiznis/entitle/internal/deduction"
	"github.com/smallbiznis/entitle/internal/entitlement/domain"
	featuredomain "github.com/smallbiznis/entitle/internal/feature/domain"
	grantdomain "github.com/smallbiznis/entitle/internal/grant/domain"
	"github.com/smallbiznis/entitle/internal/observability/logger"
	"github.com/smallbiznis/entitle/internal/observability/metrics"
	"github.com/smallbiznis/entitle/internal/queue"
	"github.com/smallbiznis/entitle/internal/ratelimit"
	topupdomain "github.com/smallbiznis/entitle/internal/topup/domain"
	usagedomain "github.com/smallbiznis/entitle/internal/usage/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("entitle/entitlement")

var one = decimal.NewFromInt(1)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Cache     *cache.GrantCache
	Grants    grantdomain.Repository
	Features  featuredomain.Service
	Usage     usagedomain.Service
	UsageRepo usagedomain.Repository
	Producer  queue.Producer

	TopUps        topupdomain.Service        `optional:"true"`
	Limiter       *ratelimit.TrackLimiter    `optional:"true"`
	Engine        *config.EngineConfigHolder `optional:"true"`
	Clock         clock.Clock                `optional:"true"`
	Metrics       *metrics.Metrics           `optional:"true"`
	EngineMetrics *metrics.EngineMetrics     `optional:"true"`
}

// Service is the entitlement engine. Every balance write goes through the
// grant cache as a versioned compare-and-swap; durable writes happen in the
// job handlers.
type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	cache     *cache.GrantCache
	grants    grantdomain.Repository
	features  featuredomain.Service
	usage     usagedomain.Service
	usageRepo usagedomain.Repository
	producer  queue.Producer
	topups    topupdomain.Service
	limiter   *ratelimit.TrackLimiter
	engine    *config.EngineConfigHolder
	clock     clock.Clock
	metrics   *metrics.Metrics
	engineM   *metrics.EngineMetrics
}

func New(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("entitlement.service"),
		genID:     p.GenID,
		cache:     p.Cache,
		grants:    p.Grants,
		features:  p.Features,
		usage:     p.Usage,
		usageRepo: p.UsageRepo,
		producer:  p.Producer,
		topups:    p.TopUps,
		limiter:   p.Limiter,
		engine:    p.Engine,
		clock:     clk,
		metrics:   p.Metrics,
		engineM:   p.EngineMetrics,
	}
}

type CacheParams struct {
	fx.In

	DB     *gorm.DB
	Grants grantdomain.Repository
	Clock  clock.Clock `optional:"true"`
}

// NewGrantCache wires the cache loader to the grant store.
func NewGrantCache(p CacheParams) *cache.GrantCache {
	loader := cache.LoaderFunc(func(ctx context.Context, customerID, featureID string) ([]grantdomain.Grant, error) {
		return p.Grants.ListActive(ctx, p.DB, customerID, []string{featureID})
	})
	return cache.NewGrantCache(loader, cache.WithClock(p.Clock))
}

// Deduct returns the committed result together with an
// *InsufficientBalanceError when the grants could not cover the amount.
func (s *Service) Deduct(ctx context.Context, req domain.DeductRequest) (domain.DeductResult, error) {
	ctx, span := tracer.Start(ctx, "entitlement.Deduct", trace.WithAttributes(
		attribute.String("feature_id", req.FeatureID),
		attribute.String("amount", req.Amount.String()),
	))
	defer span.End()

	result, err := s.deduct(ctx, req)
	if err != nil && !errors.Is(err, domain.ErrInsufficientBalance) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (s *Service) deduct(ctx context.Context, req domain.DeductRequest) (domain.DeductResult, error) {
	customerID, feature, scope, err := s.resolve(ctx, req.CustomerID, req.FeatureID, req.ScopeKey)
	if err != nil {
		return domain.DeductResult{}, err
	}
	if feature.IsBoolean() {
		return domain.DeductResult{}, domain.ErrFeatureNotMetered
	}
	if req.Amount.IsZero() {
		return domain.DeductResult{}, domain.ErrInvalidAmount
	}
	behaviour, err := s.overage(req.OverageBehaviour)
	if err != nil {
		return domain.DeductResult{}, err
	}

	res, err := s.apply(ctx, applyRequest{
		customerID: customerID,
		feature:    feature,
		scope:      scope,
		amount:     req.Amount,
		behaviour:  behaviour,
		withCredit: true,
		operation:  "deduct",
	})

	out := domain.DeductResult{
		Applied:   res.Applied,
		Residual:  res.Residual,
		Unlimited: res.Unlimited,
		Movements: res.Movements,
	}

	var insufficient *domain.InsufficientBalanceError
	switch {
	case err == nil:
		switch {
		case res.Unlimited:
			s.metrics.RecordDeduction(ctx, feature.ID, "unlimited")
		default:
			s.metrics.RecordDeduction(ctx, feature.ID, "applied")
		}
	case errors.As(err, &insufficient):
		if insufficient.Partial || behaviour == domain.OverageCap {
			s.metrics.RecordDeduction(ctx, feature.ID, "capped")
		} else {
			s.metrics.RecordDeduction(ctx, feature.ID, "rejected")
			out = domain.DeductResult{Applied: decimal.Zero, Residual: req.Amount}
		}
	default:
		return domain.DeductResult{}, err
	}

	if req.Amount.IsPositive() && out.Applied.IsPositive() {
		s.maybeTriggerTopUp(ctx, customerID, feature.ID, scope)
	}
	return out, err
}

func (s *Service) SetBalance(ctx context.Context, req domain.SetBalanceRequest) (domain.SetBalanceResult, error) {
	ctx, span := tracer.Start(ctx, "entitlement.SetBalance", trace.WithAttributes(
		attribute.String("feature_id", req.FeatureID),
	))
	defer span.End()

	customerID, feature, scope, err := s.resolve(ctx, req.CustomerID, req.FeatureID, req.ScopeKey)
	if err != nil {
		return domain.SetBalanceResult{}, err
	}
	if feature.IsBoolean() {
		return domain.SetBalanceResult{}, domain.ErrFeatureNotMetered
	}

	snaps, err := s.cache.Grants(ctx, customerID, feature.ID)
	if err != nil {
		return domain.SetBalanceResult{}, err
	}
	if len(snaps) == 0 {
		return domain.SetBalanceResult{}, domain.ErrUnknownGrant
	}
	current := balance.Aggregate(feature.ID, grantsOf(snaps), scope, s.clock.Now())
	if current.Unlimited {
		return domain.SetBalanceResult{Applied: decimal.Zero}, nil
	}

	implied := current.Current.Sub(current.Purchased).Sub(req.Balance)
	if implied.IsZero() {
		return domain.SetBalanceResult{Applied: decimal.Zero}, nil
	}

	res, err := s.apply(ctx, applyRequest{
		customerID:    customerID,
		feature:       feature,
		scope:         scope,
		amount:        implied,
		behaviour:     domain.OverageCap,
		adjustGranted: true,
		operation:     "set_balance",
	})
	if err != nil && !errors.Is(err, domain.ErrInsufficientBalance) {
		span.RecordError(err)
		return domain.SetBalanceResult{}, err
	}

	logger.WithGrant(logger.WithContext(ctx, s.log), customerID, feature.ID).Info("balance corrected",
		zap.String("desired", req.Balance.String()),
		zap.String("applied", res.Applied.String()),
	)
	return domain.SetBalanceResult{Applied: res.Applied}, err
}

func (s *Service) GetBalance(ctx context.Context, req domain.BalanceRequest) (domain.AggregateBalance, error) {
	customerID, feature, scope, err := s.resolve(ctx, req.CustomerID, req.FeatureID, req.ScopeKey)
	if err != nil {
		return domain.AggregateBalance{}, err
	}

	var grants []grantdomain.Grant
	switch req.Consistency {
	case "", domain.ConsistencyFast:
		snaps, err := s.cache.Grants(ctx, customerID, feature.ID)
		if err != nil {
			return domain.AggregateBalance{}, err
		}
		grants = grantsOf(snaps)
	case domain.ConsistencyDurable:
		grants, err = s.grants.ListActive(ctx, s.db, customerID, []string{feature.ID})
		if err != nil {
			return domain.AggregateBalance{}, err
		}
	default:
		return domain.AggregateBalance{}, domain.ErrInvalidConsistency
	}
	if feature.IsBoolean() {
		return balance.Flag(feature.ID, grants, scope), nil
	}
	return balance.Aggregate(feature.ID, grants, scope, s.clock.Now()), nil
}

// Check plans the deduction against current snapshots and discards the plan.
func (s *Service) Check(ctx context.Context, req domain.CheckRequest) (domain.CheckResult, error) {
	customerID, feature, scope, err := s.resolve(ctx, req.CustomerID, req.FeatureID, req.ScopeKey)
	if err != nil {
		return domain.CheckResult{}, err
	}
	required := req.Required
	if required.IsNegative() {
		return domain.CheckResult{}, domain.ErrInvalidAmount
	}
	if required.IsZero() {
		required = one
	}

	snaps, err := s.cache.Grants(ctx, customerID, feature.ID)
	if err != nil {
		return domain.CheckResult{}, err
	}
	now := s.clock.Now()
	if feature.IsBoolean() {
		flag := balance.Flag(feature.ID, grantsOf(snaps), scope)
		return domain.CheckResult{Allowed: flag.Entitled, Required: decimal.Zero, Balance: flag}, nil
	}

	out := domain.CheckResult{
		Required: required,
		Balance:  balance.Aggregate(feature.ID, grantsOf(snaps), scope, now),
	}
	cands, _, err := s.candidates(ctx, customerID, feature, true)
	if err != nil {
		return domain.CheckResult{}, err
	}
	if len(deduction.Eligible(cands, scope)) == 0 {
		return out, nil
	}
	plan := deduction.Deduct(deduction.Request{Amount: required, Candidates: cands, Scope: scope, Now: now})
	out.Allowed = plan.Unlimited || !plan.Residual.IsPositive()
	return out, nil
}

func (s *Service) TopUp(ctx context.Context, req domain.TopUpRequest) (domain.TopUpResult, error) {
	ctx, span := tracer.Start(ctx, "entitlement.TopUp", trace.WithAttributes(
		attribute.String("feature_id", req.FeatureID),
		attribute.String("quantity", req.Quantity.String()),
	))
	defer span.End()

	if !req.Quantity.IsPositive() {
		return domain.TopUpResult{}, domain.ErrInvalidAmount
	}
	customerID, feature, scope, err := s.resolve(ctx, req.CustomerID, req.FeatureID, req.ScopeKey)
	if err != nil {
		return domain.TopUpResult{}, err
	}
	if feature.IsBoolean() {
		return domain.TopUpResult{}, domain.ErrFeatureNotMetered
	}
	return s.topUp(ctx, customerID, feature, scope, req.Quantity, req.GrantID, "manual")
}

// topUp adds quantity to one grant slot as granted balance, through the same
// versioned cache path as deductions.
func (s *Service) topUp(ctx context.Context, customerID string, feature *featuredomain.Feature, scope grantdomain.ScopeKey, quantity decimal.Decimal, grantID *snowflake.ID, source string) (domain.TopUpResult, error) {
	cfg := s.engine.Get()
	for attempt := 0; attempt < cfg.CASRetries; attempt++ {
		snaps, err := s.cache.Grants(ctx, customerID, feature.ID)
		if err != nil {
			return domain.TopUpResult{}, err
		}
		versions := make(map[snowflake.ID]int64, len(snaps))
		cands := make([]deduction.Candidate, 0, len(snaps))
		for _, snap := range snaps {
			versions[snap.Grant.ID] = snap.Version
			cands = append(cands, deduction.Candidate{Grant: snap.Grant, Cost: one})
		}
		ordered := deduction.Sort(deduction.Eligible(cands, scope))
		if len(ordered) == 0 {
			return domain.TopUpResult{}, domain.ErrUnknownGrant
		}

		target := ordered[len(ordered)-1].Grant
		if grantID != nil {
			found := false
			for _, c := range ordered {
				if c.Grant.ID == *grantID {
					target, found = c.Grant, true
					break
				}
			}
			if !found {
				return domain.TopUpResult{}, domain.ErrUnknownGrant
			}
		}

		slot, _ := target.SlotFor(scope)
		if target.Unlimited {
			return domain.TopUpResult{GrantID: target.ID, Balance: slot.Balance}, nil
		}
		next := target.Clone()
		slot = slot.Clone()
		slot.Balance = slot.Balance.Add(quantity)
		slot.Adjustment = slot.Adjustment.Add(quantity)
		next.SetSlot(scope, slot)
		next.UpdatedAt = s.clock.Now()

		items, err := s.cache.Commit([]cache.Mutation{{Grant: next, Expected: versions[target.ID]}})
		if errors.Is(err, cache.ErrVersionConflict) {
			s.engineM.IncCASConflict("top_up")
			continue
		}
		if err != nil {
			return domain.TopUpResult{}, err
		}
		s.scheduleSync(ctx, items)
		s.metrics.RecordTopUp(ctx, feature.ID, source)

		logger.WithGrant(logger.WithContext(ctx, s.log), customerID, feature.ID).Info("balance topped up",
			zap.String("grant_id", target.ID.String()),
			zap.String("quantity", quantity.String()),
			zap.String("source", source),
		)
		return domain.TopUpResult{GrantID: target.ID, Balance: slot.Balance}, nil
	}
	return domain.TopUpResult{}, fmt.Errorf("top up: %w", cache.ErrVersionConflict)
}

func (s *Service) Track(ctx context.Context, req domain.TrackRequest) (domain.TrackResult, error) {
	result := domain.TrackResult{}
	if len(req.Events) == 0 {
		return result, domain.ErrInvalidAmount
	}

	var trackErr error
	for _, ev := range req.Events {
		allowed, err := s.limiter.Allow(ctx, ev.CustomerID)
		if err != nil {
			logger.WithContext(ctx, s.log).Warn("rate limiter unavailable, allowing usage", zap.Error(err))
		} else if !allowed {
			s.metrics.RecordUsageTracked(ctx, ev.FeatureID, "rate_limited")
			trackErr = domain.ErrRateLimited
			break
		}

		event, created, err := s.usage.Ingest(ctx, ev)
		if err != nil {
			s.metrics.RecordUsageTracked(ctx, ev.FeatureID, "invalid")
			trackErr = err
			break
		}
		if !created {
			s.metrics.RecordUsageTracked(ctx, ev.FeatureID, "duplicate")
			result.Duplicates = append(result.Duplicates, event.ID)
			continue
		}
		s.metrics.RecordUsageTracked(ctx, ev.FeatureID, "accepted")
		result.Accepted = append(result.Accepted, event.ID)
	}

	// events are durable once ingested; a failed enqueue is picked up by the
	// usage recovery sweep
	if err := s.enqueueUsage(ctx, result.Accepted); err != nil {
		logger.WithContext(ctx, s.log).Warn("enqueue usage batch failed",
			zap.Int("events", len(result.Accepted)),
			zap.Error(err),
		)
	}
	return result, trackErr
}

func (s *Service) enqueueUsage(ctx context.Context, ids []snowflake.ID) error {
	if len(ids) == 0 {
		return nil
	}
	cfg := s.engine.Get()
	jobs := make([]queue.Job, 0)
	for _, chunk := range chunk(ids, cfg.UsageBatchSize) {
		jobs = append(jobs, queue.UsageBatchJob{EventIDs: chunk})
	}
	return s.producer.Enqueue(context.WithoutCancel(ctx), jobs...)
}

type applyRequest struct {
	customerID    string
	feature       *featuredomain.Feature
	scope         grantdomain.ScopeKey
	amount        decimal.Decimal
	behaviour     domain.OverageBehaviour
	withCredit    bool
	adjustGranted bool
	operation     string
}

// apply runs the deduction engine against fresh snapshots and commits the
// result, retrying on version conflicts.
func (s *Service) apply(ctx context.Context, req applyRequest) (deduction.Result, error) {
	cfg := s.engine.Get()
	for attempt := 0; attempt < cfg.CASRetries; attempt++ {
		cands, versions, err := s.candidates(ctx, req.customerID, req.feature, req.withCredit)
		if err != nil {
			return deduction.Result{}, err
		}
		if len(deduction.Eligible(cands, req.scope)) == 0 {
			return deduction.Result{}, domain.ErrUnknownGrant
		}

		res := deduction.Deduct(deduction.Request{
			Amount:        req.amount,
			Candidates:    cands,
			Scope:         req.scope,
			Now:           s.clock.Now(),
			AdjustGranted: req.adjustGranted,
		})
		if res.Unlimited {
			return res, nil
		}
		short := res.Residual.IsPositive()
		if short && req.behaviour == domain.OverageReject {
			return deduction.Result{Applied: decimal.Zero, Residual: req.amount}, &domain.InsufficientBalanceError{
				FeatureID: req.feature.ID,
				Required:  req.amount,
				Available: res.Applied,
				Applied:   decimal.Zero,
			}
		}

		if len(res.Updated) > 0 {
			now := s.clock.Now()
			mutations := make([]cache.Mutation, 0, len(res.Updated))
			for _, g := range res.Updated {
				g.UpdatedAt = now
				mutations = append(mutations, cache.Mutation{Grant: g, Expected: versions[g.ID]})
			}
			items, err := s.cache.Commit(mutations)
			if errors.Is(err, cache.ErrVersionConflict) {
				s.engineM.IncCASConflict(req.operation)
				continue
			}
			if err != nil {
				return deduction.Result{}, err
			}
			s.scheduleSync(ctx, items)
		}

		if short {
			return res, &domain.InsufficientBalanceError{
				FeatureID: req.feature.ID,
				Required:  req.amount,
				Available: res.Applied,
				Applied:   res.Applied,
				Partial:   res.Applied.IsPositive(),
			}
		}
		return res, nil
	}
	return deduction.Result{}, fmt.Errorf("%s: %w", req.operation, cache.ErrVersionConflict)
}

// candidates collects the cached grants that can pay for feature: its own
// grants and, when withCredit is set, the grants of every credit system that
// prices it.
func (s *Service) candidates(ctx context.Context, customerID string, feature *featuredomain.Feature, withCredit bool) ([]deduction.Candidate, map[snowflake.ID]int64, error) {
	snaps, err := s.cache.Grants(ctx, customerID, feature.ID)
	if err != nil {
		return nil, nil, err
	}
	versions := make(map[snowflake.ID]int64, len(snaps))
	out := make([]deduction.Candidate, 0, len(snaps))
	for _, snap := range snaps {
		versions[snap.Grant.ID] = snap.Version
		out = append(out, deduction.Candidate{Grant: snap.Grant, Cost: one})
	}
	if !withCredit {
		return out, versions, nil
	}

	systems, err := s.features.CreditSystemsFor(ctx, feature.ID)
	if err != nil {
		return nil, nil, err
	}
	for _, system := range systems {
		cost, ok := system.CreditCost(feature.ID)
		if !ok {
			continue
		}
		credit, err := s.cache.Grants(ctx, customerID, system.ID)
		if err != nil {
			return nil, nil, err
		}
		for _, snap := range credit {
			versions[snap.Grant.ID] = snap.Version
			out = append(out, deduction.Candidate{Grant: snap.Grant, Cost: cost, CreditSystem: true})
		}
	}
	return out, versions, nil
}

// scheduleSync enqueues sync jobs for entries that just turned dirty. A
// failed enqueue hands the entries back to the dirty sweep.
func (s *Service) scheduleSync(ctx context.Context, items []cache.SyncItem) {
	if len(items) == 0 {
		return
	}
	if err := s.enqueueSync(ctx, items); err != nil {
		s.cache.Unschedule(items)
		logger.WithContext(ctx, s.log).Warn("enqueue sync failed, left for sweep",
			zap.Int("grants", len(items)),
			zap.Error(err),
		)
	}
}

func (s *Service) enqueueSync(ctx context.Context, items []cache.SyncItem) error {
	cfg := s.engine.Get()
	jobs := make([]queue.Job, 0)
	for _, batch := range chunk(items, cfg.SyncBatchSize) {
		targets := make([]queue.SyncTarget, 0, len(batch))
		for _, item := range batch {
			grant := item.Grant.Clone()
			targets = append(targets, queue.SyncTarget{GrantID: item.GrantID, Version: item.Version, Grant: &grant})
		}
		jobs = append(jobs, queue.SyncBatchJob{Grants: targets})
	}
	return s.producer.Enqueue(context.WithoutCancel(ctx), jobs...)
}

// maybeTriggerTopUp enqueues at most one auto top-up per customer feature
// scope and cooldown window once the balance falls to a rule's threshold.
// Only rules watching the deducted scope are considered.
func (s *Service) maybeTriggerTopUp(ctx context.Context, customerID, featureID string, scope grantdomain.ScopeKey) {
	if s.topups == nil {
		return
	}
	log := logger.WithGrant(logger.WithContext(ctx, s.log), customerID, featureID)

	rules, err := s.topups.RulesFor(ctx, customerID, featureID)
	if err != nil {
		log.Warn("load top-up rules failed", zap.Error(err))
		return
	}
	watching := make([]topupdomain.Rule, 0, len(rules))
	for _, rule := range rules {
		if grantdomain.NormalizeScopeKey(rule.ScopeKey) == scope {
			watching = append(watching, rule)
		}
	}
	if len(watching) == 0 {
		return
	}
	net, unlimited, err := s.netBalance(ctx, customerID, featureID, scope)
	if err != nil || unlimited {
		return
	}

	for _, rule := range watching {
		if !rule.Triggered(net) {
			continue
		}
		if !s.topups.TryTrigger(customerID, featureID, scope.String()) {
			return
		}
		job := queue.AutoTopUpJob{
			CustomerID: customerID,
			FeatureID:  featureID,
			ScopeKey:   scope.String(),
			RuleID:     rule.ID,
			Threshold:  rule.Threshold,
			Quantity:   rule.Quantity,
		}
		if err := s.producer.Enqueue(context.WithoutCancel(ctx), job); err != nil {
			s.topups.ClearTrigger(customerID, featureID, scope.String())
			log.Warn("enqueue auto top-up failed", zap.Error(err))
		}
		return
	}
}

// netBalance is the fast-tier balance of the feature's own grants in scope,
// negative when in overage.
func (s *Service) netBalance(ctx context.Context, customerID, featureID string, scope grantdomain.ScopeKey) (decimal.Decimal, bool, error) {
	snaps, err := s.cache.Grants(ctx, customerID, featureID)
	if err != nil {
		return decimal.Zero, false, err
	}
	agg := balance.Aggregate(featureID, grantsOf(snaps), scope, s.clock.Now())
	return agg.Current.Sub(agg.Purchased), agg.Unlimited, nil
}

func (s *Service) resolve(ctx context.Context, customerID, featureID, rawScope string) (string, *featuredomain.Feature, grantdomain.ScopeKey, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return "", nil, "", domain.ErrInvalidCustomer
	}
	feature, err := s.feature(ctx, featureID)
	if err != nil {
		return "", nil, "", err
	}
	scope, err := feature.ResolveScope(rawScope)
	if err != nil {
		return "", nil, "", domain.ErrInvalidScope
	}
	return customerID, feature, scope, nil
}

func (s *Service) feature(ctx context.Context, featureID string) (*featuredomain.Feature, error) {
	if strings.TrimSpace(featureID) == "" {
		return nil, domain.ErrInvalidFeature
	}
	feature, err := s.features.Get(ctx, featureID)
	if errors.Is(err, featuredomain.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidFeature, featureID)
	}
	if err != nil {
		return nil, err
	}
	return feature, nil
}

func (s *Service) overage(b domain.OverageBehaviour) (domain.OverageBehaviour, error) {
	if b == "" {
		b = domain.OverageBehaviour(s.engine.Get().DefaultOverage)
	}
	switch b {
	case domain.OverageCap, domain.OverageReject:
		return b, nil
	default:
		return "", domain.ErrInvalidOverage
	}
}

func grantsOf(snaps []cache.Snapshot) []grantdomain.Grant {
	out := make([]grantdomain.Grant, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, snap.Grant)
	}
	return out
}

func chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	out := make([][]T, 0, (len(items)+size-1)/max(size, 1))
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}
