package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/entitle/internal/cache"
	"github.com/smallbiznis/entitle/internal/entitlement/domain"
	featuredomain "github.com/smallbiznis/entitle/internal/feature/domain"
	grantdomain "github.com/smallbiznis/entitle/internal/grant/domain"
	"github.com/smallbiznis/entitle/internal/observability/logger"
	"github.com/smallbiznis/entitle/internal/queue"
	"github.com/smallbiznis/entitle/internal/rollover"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const resetJobSize = 25

func (s *Service) AttachGrants(ctx context.Context, req domain.AttachGrantsRequest) ([]grantdomain.Grant, error) {
	ctx, span := tracer.Start(ctx, "entitlement.AttachGrants")
	defer span.End()

	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return nil, domain.ErrInvalidCustomer
	}
	planAttachmentID := strings.TrimSpace(req.PlanAttachmentID)
	if planAttachmentID == "" || len(req.Grants) == 0 {
		return nil, domain.ErrInvalidPlan
	}

	now := s.clock.Now()
	startsAt := req.StartsAt
	if startsAt.IsZero() {
		startsAt = now
	}

	grants := make([]grantdomain.Grant, 0, len(req.Grants))
	for _, spec := range req.Grants {
		feature, err := s.feature(ctx, spec.FeatureID)
		if err != nil {
			return nil, err
		}
		g, err := buildGrant(spec, feature, startsAt, now)
		if err != nil {
			return nil, fmt.Errorf("grant for %s: %w", feature.ID, err)
		}
		g.ID = s.genID.Generate()
		g.CustomerID = customerID
		g.PlanAttachmentID = planAttachmentID
		grants = append(grants, g)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.grants.Insert(ctx, tx, grants)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	for _, g := range grants {
		s.cache.Invalidate(customerID, g.FeatureID)
	}
	logger.WithContext(ctx, s.log).Info("grants attached",
		zap.String("customer_id", customerID),
		zap.String("plan_attachment_id", planAttachmentID),
		zap.Int("grants", len(grants)),
	)
	return grants, nil
}

func buildGrant(spec domain.GrantSpec, feature *featuredomain.Feature, startsAt, now time.Time) (grantdomain.Grant, error) {
	if !spec.Interval.Valid() {
		return grantdomain.Grant{}, grantdomain.ErrInvalidInterval
	}
	if spec.Allowance.IsNegative() {
		return grantdomain.Grant{}, grantdomain.ErrInvalidAllowance
	}
	if spec.MaxOverage != nil && (spec.MaxOverage.IsNegative() || !spec.UsageAllowed) {
		return grantdomain.Grant{}, grantdomain.ErrInvalidMaxOverage
	}
	if spec.Rollover != nil && spec.Interval.IsLifetime() {
		return grantdomain.Grant{}, grantdomain.ErrInvalidRollover
	}
	if err := rollover.Validate(spec.Rollover); err != nil {
		return grantdomain.Grant{}, err
	}
	count := spec.IntervalCount
	if count < 1 {
		count = 1
	}
	if feature.IsBoolean() {
		return flagGrant(spec, feature, count, now)
	}

	g := grantdomain.Grant{
		FeatureID:     feature.ID,
		Interval:      spec.Interval,
		IntervalCount: count,
		UsageAllowed:  spec.UsageAllowed,
		Unlimited:     spec.Unlimited,
		Allowance:     spec.Allowance,
		Balance:       spec.Allowance,
		Adjustment:    decimal.Zero,
		MaxOverage:    spec.MaxOverage,
		Rollover:      spec.Rollover,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if !spec.Interval.IsLifetime() {
		next := spec.Interval.Advance(startsAt, count)
		for !next.After(now) {
			next = spec.Interval.Advance(next, count)
		}
		g.NextResetAt = &next
	}

	if feature.Grouped() {
		g.SubBalances = grantdomain.SubBalances{}
		for _, raw := range spec.ScopeKeys {
			key := grantdomain.NormalizeScopeKey(raw)
			if key.IsZero() {
				return grantdomain.Grant{}, domain.ErrInvalidScope
			}
			g.SubBalances[key] = grantdomain.Slot{Balance: spec.Allowance, Adjustment: decimal.Zero}
		}
	} else if len(spec.ScopeKeys) > 0 {
		return grantdomain.Grant{}, domain.ErrInvalidScope
	}
	return g, nil
}

// flagGrant builds the grant of a boolean feature. Holding it is the
// entitlement; the balance stays at zero and never resets.
func flagGrant(spec domain.GrantSpec, feature *featuredomain.Feature, count int, now time.Time) (grantdomain.Grant, error) {
	if len(spec.ScopeKeys) > 0 && !feature.Grouped() {
		return grantdomain.Grant{}, domain.ErrInvalidScope
	}
	return grantdomain.Grant{
		FeatureID:     feature.ID,
		Interval:      spec.Interval,
		IntervalCount: count,
		Allowance:     decimal.Zero,
		Balance:       decimal.Zero,
		Adjustment:    decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (s *Service) RetireGrants(ctx context.Context, planAttachmentID string) (int, error) {
	planAttachmentID = strings.TrimSpace(planAttachmentID)
	if planAttachmentID == "" {
		return 0, domain.ErrInvalidPlan
	}

	retired, err := s.grants.Retire(ctx, s.db, planAttachmentID, s.clock.Now())
	if err != nil {
		return 0, err
	}
	ids := make([]snowflake.ID, 0, len(retired))
	for _, g := range retired {
		ids = append(ids, g.ID)
	}
	s.cache.Remove(ids...)

	logger.WithContext(ctx, s.log).Info("grants retired",
		zap.String("plan_attachment_id", planAttachmentID),
		zap.Int("grants", len(retired)),
	)
	return len(retired), nil
}

func (s *Service) ProvisionScope(ctx context.Context, req domain.ProvisionScopeRequest) (int, error) {
	customerID, feature, scope, err := s.resolve(ctx, req.CustomerID, req.FeatureID, req.ScopeKey)
	if err != nil {
		return 0, err
	}
	if feature.IsBoolean() {
		return 0, domain.ErrFeatureNotMetered
	}
	if scope.IsZero() {
		return 0, domain.ErrInvalidScope
	}

	cfg := s.engine.Get()
	for attempt := 0; attempt < cfg.CASRetries; attempt++ {
		snaps, err := s.cache.Grants(ctx, customerID, feature.ID)
		if err != nil {
			return 0, err
		}

		now := s.clock.Now()
		mutations := make([]cache.Mutation, 0)
		for _, snap := range snaps {
			g := snap.Grant
			if !g.HasSubBalances() {
				continue
			}
			if _, exists := g.SubBalances[scope]; exists {
				continue
			}
			next := g.Clone()
			next.SubBalances[scope] = grantdomain.Slot{Balance: g.Allowance, Adjustment: decimal.Zero}
			next.UpdatedAt = now
			mutations = append(mutations, cache.Mutation{Grant: next, Expected: snap.Version})
		}
		if len(mutations) == 0 {
			return 0, nil
		}

		items, err := s.cache.Commit(mutations)
		if errors.Is(err, cache.ErrVersionConflict) {
			s.engineM.IncCASConflict("provision_scope")
			continue
		}
		if err != nil {
			return 0, err
		}
		s.scheduleSync(ctx, items)
		return len(mutations), nil
	}
	return 0, fmt.Errorf("provision scope: %w", cache.ErrVersionConflict)
}

func (s *Service) ResetDue(ctx context.Context) (int, error) {
	cfg := s.engine.Get()
	due, err := s.grants.ListDueForReset(ctx, s.db, s.clock.Now(), cfg.ResetBatchSize)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	ids := make([]snowflake.ID, 0, len(due))
	for _, g := range due {
		ids = append(ids, g.ID)
	}
	jobs := make([]queue.Job, 0)
	for _, batch := range chunk(ids, resetJobSize) {
		jobs = append(jobs, queue.ResetGrantsJob{GrantIDs: batch})
	}
	if err := s.producer.Enqueue(ctx, jobs...); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *Service) SweepDirty(ctx context.Context) (int, error) {
	stats := s.cache.Stats()
	byStatus := make(map[string]int, len(stats))
	for status, n := range stats {
		byStatus[string(status)] = n
	}
	s.engineM.SetCacheEntries(byStatus)

	cfg := s.engine.Get()
	items := s.settleReclaimed(ctx, s.cache.ClaimUnscheduled(cfg.SyncSweepLimit, cfg.SyncReclaimAfter))
	if len(items) == 0 {
		return 0, nil
	}
	if err := s.enqueueSync(ctx, items); err != nil {
		s.cache.Unschedule(items)
		return 0, err
	}
	return len(items), nil
}

// settleReclaimed marks reclaimed entries clean when the store already holds
// their version, which is the case when another replica ran their job.
func (s *Service) settleReclaimed(ctx context.Context, items []cache.SyncItem) []cache.SyncItem {
	out := items[:0]
	for _, item := range items {
		if !item.Reclaimed {
			out = append(out, item)
			continue
		}
		durable, err := s.grants.FindByID(ctx, s.db, item.GrantID)
		if err != nil || durable == nil || durable.CacheVersion < item.Version {
			out = append(out, item)
			continue
		}
		err = s.cache.FinishSync(item.GrantID, item.Version)
		if errors.Is(err, cache.ErrStaleWrite) {
			if latest, ok := s.cache.Get(item.GrantID); ok {
				out = append(out, cache.SyncItem{GrantID: item.GrantID, Version: latest.Version, Grant: latest.Grant})
			}
		}
	}
	return out
}

func (s *Service) RecoverUsage(ctx context.Context, olderThan time.Duration) (int, error) {
	cfg := s.engine.Get()
	before := s.clock.Now().Add(-olderThan)
	events, err := s.usageRepo.ListAcceptedBefore(ctx, s.db, before, cfg.SyncSweepLimit)
	if err != nil {
		return 0, err
	}
	ids := make([]snowflake.ID, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	if err := s.enqueueUsage(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}
