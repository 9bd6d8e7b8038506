package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitle/internal/clock"
	entitlementdomain "github.com/smallbiznis/entitle/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/entitle/internal/observability/metrics"
	"github.com/smallbiznis/entitle/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobResetGrants  = "reset_grants"
	JobSyncDirty    = "sync_dirty"
	JobRecoverUsage = "recover_usage"

	lockKeyPrefix = "{entitle:scheduler}:lock:"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// Sweeper is the part of the engine the scheduler drives. Each call hands a
// bounded batch of work to the job queue and reports how much it handed off.
type Sweeper interface {
	ResetDue(ctx context.Context) (int, error)
	SweepDirty(ctx context.Context) (int, error)
	RecoverUsage(ctx context.Context, olderThan time.Duration) (int, error)
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Engine  entitlementdomain.Service
	GenID   *snowflake.Node
	Config  Config
	Locker  *ratelimit.Locker           `optional:"true"`
	Metrics *obsmetrics.SchedulerMetrics `optional:"true"`
	Clock   clock.Clock                  `optional:"true"`
}

type job struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) (int, error)
	resource string
}

type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	genID   *snowflake.Node
	clock   clock.Clock
	sweeper Sweeper
	locker  *ratelimit.Locker
	metrics *obsmetrics.SchedulerMetrics

	jobs    []job
	nextRun map[string]time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Engine == nil {
		return nil, ErrInvalidConfig
	}
	return newScheduler(p.Log, p.Engine, p.GenID, p.Config, p.Locker, p.Metrics, p.Clock)
}

func newScheduler(
	log *zap.Logger,
	sweeper Sweeper,
	genID *snowflake.Node,
	cfg Config,
	locker *ratelimit.Locker,
	metrics *obsmetrics.SchedulerMetrics,
	clk clock.Clock,
) (*Scheduler, error) {
	if log == nil || sweeper == nil || genID == nil {
		return nil, ErrInvalidConfig
	}
	if clk == nil {
		clk = clock.System()
	}
	s := &Scheduler{
		log:     log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:     cfg.withDefaults(),
		genID:   genID,
		clock:   clk,
		sweeper: sweeper,
		locker:  locker,
		metrics: metrics,
		nextRun: make(map[string]time.Time),
	}

	all := []job{
		{name: JobResetGrants, interval: s.cfg.ResetInterval, resource: "grant", run: sweeper.ResetDue},
		{name: JobSyncDirty, interval: s.cfg.SyncInterval, resource: "grant", run: sweeper.SweepDirty},
		{name: JobRecoverUsage, interval: s.cfg.RecoveryInterval, resource: "usage_event", run: func(ctx context.Context) (int, error) {
			return sweeper.RecoverUsage(ctx, s.cfg.RecoveryAge)
		}},
	}
	for _, j := range all {
		if s.isJobEnabled(j.name) {
			s.jobs = append(s.jobs, j)
		}
	}
	return s, nil
}

// RunOnce runs every enabled job regardless of its interval.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var err error
	for _, j := range s.jobs {
		err = errors.Join(err, s.runJob(ctx, j))
	}
	return err
}

// RunDue runs the jobs whose interval has elapsed since their last run.
func (s *Scheduler) RunDue(ctx context.Context) error {
	now := s.clock.Now()
	var err error
	for _, j := range s.jobs {
		if next, ok := s.nextRun[j.name]; ok && now.Before(next) {
			continue
		}
		s.nextRun[j.name] = now.Add(j.interval)
		err = errors.Join(err, s.runJob(ctx, j))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	tick := s.tickInterval()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	nextTick := time.Now().Add(tick)

	for {
		if lag := time.Since(nextTick); lag > 0 {
			s.metrics.ObserveRunLoopLag(lag)
		}
		if err := s.RunDue(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextTick = nextTick.Add(tick)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tickInterval() time.Duration {
	tick := s.cfg.SyncInterval
	for _, j := range s.jobs {
		tick = min(tick, j.interval)
	}
	return tick
}

func (s *Scheduler) runJob(parent context.Context, j job) error {
	release, ok, err := s.acquire(parent, j.name)
	if err != nil {
		return fmt.Errorf("%s: lock: %w", j.name, err)
	}
	if !ok {
		s.metrics.IncBatchDeferred(j.name, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		return nil
	}
	defer release()

	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	log := s.runLogger(ctx, j.name)
	log.Debug("scheduler.job.start")
	s.metrics.IncJobRun(j.name)
	start := time.Now()

	processed, err := j.run(ctx)
	s.metrics.ObserveJobDuration(j.name, time.Since(start))
	s.metrics.AddBatchProcessed(j.name, j.resource, processed)
	logFinish(log, start, processed, err)
	if err == nil {
		return nil
	}

	s.metrics.IncJobError(j.name, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.metrics.IncJobTimeout(j.name)
		log.Warn("job timed out", zap.Duration("timeout", s.cfg.JobTimeout))
		return nil
	}
	s.metrics.IncBatchDeferred(j.name, obsmetrics.SchedulerBatchDeferredReasonEnqueueErr)
	log.Error("scheduler job failed",
		zap.String("reason", obsmetrics.ClassifySchedulerJobReason(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	)
	return fmt.Errorf("%s: %w", j.name, err)
}

// acquire takes the cluster wide lease of a job. Without a locker every
// replica runs the sweep; the queue handlers tolerate the duplicates.
func (s *Scheduler) acquire(ctx context.Context, name string) (func(), bool, error) {
	if s.locker == nil {
		return func() {}, true, nil
	}
	lease, err := s.locker.Acquire(ctx, lockKeyPrefix+name, s.cfg.LockTTL)
	switch {
	case err != nil:
		s.metrics.IncLockAttempt(name, obsmetrics.LockOutcomeError)
		return nil, false, err
	case lease == nil:
		s.metrics.IncLockAttempt(name, obsmetrics.LockOutcomeSkipped)
		return nil, false, nil
	}
	s.metrics.IncLockAttempt(name, obsmetrics.LockOutcomeAcquired)
	return func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("release scheduler lock failed", zap.String("job", name), zap.Error(err))
		}
	}, true, nil
}

func (s *Scheduler) isJobEnabled(name string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), name) {
			return true
		}
	}
	return false
}
