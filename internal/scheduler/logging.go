package scheduler

import (
	"context"
	"time"

	"github.com/smallbiznis/entitle/internal/observability/logger"
	"go.uber.org/zap"
)

// runLogger scopes a logger to one execution of a job.
func (s *Scheduler) runLogger(ctx context.Context, job string) *zap.Logger {
	return logger.WithContext(ctx, s.log).With(
		zap.String("job", job),
		zap.String("run_id", s.genID.Generate().String()),
	)
}

// logFinish stays at debug for empty sweeps so idle replicas are quiet.
func logFinish(log *zap.Logger, started time.Time, processed int, err error) {
	fields := []zap.Field{
		zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		zap.Int("processed_count", processed),
	}
	switch {
	case err != nil:
		log.Warn("scheduler.job.finish", append(fields, zap.Error(err))...)
	case processed > 0:
		log.Info("scheduler.job.finish", fields...)
	default:
		log.Debug("scheduler.job.finish", fields...)
	}
}
