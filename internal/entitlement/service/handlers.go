package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitle/internal/cache"
	"github.com/smallbiznis/entitle/internal/entitlement/domain"
	"github.com/smallbiznis/entitle/internal/observability/logger"
	"github.com/smallbiznis/entitle/internal/observability/metrics"
	"github.com/smallbiznis/entitle/internal/queue"
	"github.com/smallbiznis/entitle/internal/rollover"
	usagedomain "github.com/smallbiznis/entitle/internal/usage/domain"
	"go.uber.org/zap"
)

var _ queue.Handler = (*Service)(nil)

// HandleUsageBatch applies accepted usage events. Each event is claimed
// before its deduction so a redelivered batch never applies it twice.
func (s *Service) HandleUsageBatch(ctx context.Context, job queue.UsageBatchJob) error {
	events, err := s.usageRepo.FindByIDs(ctx, s.db, job.EventIDs)
	if err != nil {
		return err
	}

	var errs []error
	for _, ev := range events {
		if ev.Status != usagedomain.UsageStatusAccepted {
			continue
		}
		claimed, err := s.usageRepo.Claim(ctx, s.db, ev.ID, s.clock.Now())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !claimed {
			continue
		}
		if err := s.applyEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) applyEvent(ctx context.Context, ev usagedomain.UsageEvent) error {
	res, err := s.Deduct(ctx, domain.DeductRequest{
		CustomerID: ev.CustomerID,
		FeatureID:  ev.FeatureID,
		Amount:     ev.Value,
		ScopeKey:   ev.ScopeKey,
	})

	settlement := usagedomain.Settlement{
		ID:      ev.ID,
		Status:  usagedomain.UsageStatusApplied,
		Applied: res.Applied,
		At:      s.clock.Now(),
	}
	var insufficient *domain.InsufficientBalanceError
	switch {
	case err == nil:
	case errors.As(err, &insufficient):
		settlement.Applied = insufficient.Applied
		settlement.Error = err.Error()
		if !insufficient.Applied.IsPositive() {
			settlement.Status = usagedomain.UsageStatusRejected
		}
	case isCallerError(err):
		settlement.Status = usagedomain.UsageStatusRejected
		settlement.Error = err.Error()
	default:
		if rerr := s.usageRepo.Release(ctx, s.db, ev.ID); rerr != nil {
			logger.WithContext(ctx, s.log).Error("release usage event failed",
				zap.String("event_id", ev.ID.String()),
				zap.Error(rerr),
			)
		}
		return fmt.Errorf("apply usage event %s: %w", ev.ID, err)
	}

	if err := s.usageRepo.Record(ctx, s.db, settlement); err != nil {
		return fmt.Errorf("record usage event %s: %w", ev.ID, err)
	}
	return nil
}

func isCallerError(err error) bool {
	return errors.Is(err, domain.ErrUnknownGrant) ||
		errors.Is(err, domain.ErrInvalidFeature) ||
		errors.Is(err, domain.ErrFeatureNotMetered) ||
		errors.Is(err, domain.ErrInvalidScope) ||
		errors.Is(err, domain.ErrInvalidCustomer) ||
		errors.Is(err, domain.ErrInvalidAmount)
}

// HandleSyncBatch writes cached grant state to the store. Replays are no-ops
// through the version guard on the durable write.
func (s *Service) HandleSyncBatch(ctx context.Context, job queue.SyncBatchJob) error {
	var (
		errs  []error
		again []cache.SyncItem
	)
	for _, target := range job.Grants {
		if local, ok := s.cache.Get(target.GrantID); target.Grant != nil && (!ok || local.Version < target.Version) {
			if err := s.syncCarried(ctx, target, ok); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		snap, needed, err := s.cache.BeginSync(target.GrantID)
		if errors.Is(err, cache.ErrEntryNotFound) {
			s.engineM.IncSyncOutcome(metrics.SyncOutcomeSkipped)
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !needed {
			s.engineM.IncSyncOutcome(metrics.SyncOutcomeSkipped)
			continue
		}

		if _, err := s.grants.ApplySnapshot(ctx, s.db, snap.Grant, snap.Version); err != nil {
			s.cache.FailSync(target.GrantID)
			s.engineM.IncSyncOutcome(metrics.SyncOutcomeFailed)
			errs = append(errs, fmt.Errorf("sync grant %s: %w", target.GrantID, err))
			continue
		}

		if err := s.cache.FinishSync(target.GrantID, snap.Version); errors.Is(err, cache.ErrStaleWrite) {
			s.engineM.IncSyncOutcome(metrics.SyncOutcomeStale)
			if latest, ok := s.cache.Get(target.GrantID); ok {
				again = append(again, cache.SyncItem{GrantID: target.GrantID, Version: latest.Version, Grant: latest.Grant})
			}
			continue
		}
		s.engineM.IncSyncOutcome(metrics.SyncOutcomeClean)
	}

	if len(again) > 0 {
		if err := s.enqueueSync(ctx, again); err != nil {
			s.cache.Unschedule(again)
			errs = append(errs, fmt.Errorf("re-enqueue stale sync: %w", err))
		}
	}
	return errors.Join(errs...)
}

// syncCarried persists the state a job carries for a grant this replica does
// not hold, or holds at an older version. An older local copy is dropped so
// the next read loads what was just written.
func (s *Service) syncCarried(ctx context.Context, target queue.SyncTarget, stale bool) error {
	applied, err := s.grants.ApplySnapshot(ctx, s.db, *target.Grant, target.Version)
	if err != nil {
		s.engineM.IncSyncOutcome(metrics.SyncOutcomeFailed)
		return fmt.Errorf("sync grant %s: %w", target.GrantID, err)
	}
	if stale {
		s.cache.Invalidate(target.Grant.CustomerID, target.Grant.FeatureID)
	}
	if applied {
		s.engineM.IncSyncOutcome(metrics.SyncOutcomeClean)
	} else {
		s.engineM.IncSyncOutcome(metrics.SyncOutcomeSkipped)
	}
	return nil
}

// HandleAutoTopUp applies a triggered rule if the balance is still at or
// below its threshold.
func (s *Service) HandleAutoTopUp(ctx context.Context, job queue.AutoTopUpJob) error {
	log := logger.WithGrant(logger.WithContext(ctx, s.log), job.CustomerID, job.FeatureID)
	if s.topups == nil {
		log.Warn("auto top-up without rule service, dropping")
		return nil
	}

	rules, err := s.topups.RulesFor(ctx, job.CustomerID, job.FeatureID)
	if err != nil {
		return err
	}
	var targetGrant *snowflake.ID
	found := false
	for _, rule := range rules {
		if rule.ID == job.RuleID {
			targetGrant, found = rule.TargetGrantID, true
			break
		}
	}
	if !found {
		log.Info("auto top-up rule no longer enabled", zap.String("rule_id", job.RuleID.String()))
		return nil
	}

	feature, err := s.feature(ctx, job.FeatureID)
	if errors.Is(err, domain.ErrInvalidFeature) {
		return nil
	}
	if err != nil {
		return err
	}
	scope, err := feature.ResolveScope(job.ScopeKey)
	if err != nil {
		log.Warn("auto top-up scope no longer valid", zap.String("scope_key", job.ScopeKey))
		return nil
	}
	net, unlimited, err := s.netBalance(ctx, job.CustomerID, feature.ID, scope)
	if err != nil {
		return err
	}
	if unlimited || net.GreaterThan(job.Threshold) {
		return nil
	}

	if _, err := s.topUp(ctx, job.CustomerID, feature, scope, job.Quantity, targetGrant, "auto"); err != nil {
		if errors.Is(err, domain.ErrUnknownGrant) {
			log.Warn("auto top-up has no target grant", zap.String("rule_id", job.RuleID.String()))
			return nil
		}
		return err
	}
	return s.topups.MarkTriggered(ctx, job.RuleID)
}

// HandleResetGrants applies due reset boundaries through the cache.
func (s *Service) HandleResetGrants(ctx context.Context, job queue.ResetGrantsJob) error {
	var errs []error
	for _, id := range job.GrantIDs {
		if err := s.resetGrant(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("reset grant %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) resetGrant(ctx context.Context, id snowflake.ID) error {
	if _, ok := s.cache.Get(id); !ok {
		g, err := s.grants.FindByID(ctx, s.db, id)
		if err != nil {
			return err
		}
		if g == nil {
			return nil
		}
		if _, err := s.cache.Grants(ctx, g.CustomerID, g.FeatureID); err != nil {
			return err
		}
	}

	cfg := s.engine.Get()
	for attempt := 0; attempt < cfg.CASRetries; attempt++ {
		snap, ok := s.cache.Get(id)
		if !ok {
			return nil
		}
		next, due := rollover.Reset(snap.Grant, s.clock.Now())
		if !due {
			return nil
		}
		items, err := s.cache.Commit([]cache.Mutation{{Grant: next, Expected: snap.Version}})
		if errors.Is(err, cache.ErrVersionConflict) {
			s.engineM.IncCASConflict("reset")
			continue
		}
		if err != nil {
			return err
		}
		s.scheduleSync(ctx, items)
		logger.WithGrant(logger.WithContext(ctx, s.log), next.CustomerID, next.FeatureID).Info("grant reset",
			zap.String("grant_id", id.String()),
			zap.Timep("next_reset_at", next.NextResetAt),
		)
		return nil
	}
	return cache.ErrVersionConflict
}
