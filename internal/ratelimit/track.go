package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitle/internal/config"
	"github.com/smallbiznis/entitle/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	keyTrackCustomer = "entitle:ratelimit:track:%s"
	operationTrack   = "track"
)

type Params struct {
	fx.In

	Config  config.Config
	Redis   redis.UniversalClient `optional:"true"`
	Metrics *metrics.Metrics      `optional:"true"`
	Log     *zap.Logger
}

// TrackLimiter caps the rate at which one customer may record usage. A nil
// limiter allows everything.
type TrackLimiter struct {
	bucket  *TokenBucket
	rate    float64
	burst   int
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewTrackLimiter(p Params) (*TrackLimiter, error) {
	cfg := p.Config.RateLimit
	if !cfg.Enabled {
		return nil, nil
	}
	if p.Redis == nil {
		return nil, errors.New("rate limit requires redis")
	}
	if cfg.TrackRate <= 0 || cfg.TrackBurst <= 0 {
		return nil, ErrInvalidLimit
	}
	return &TrackLimiter{
		bucket:  NewTokenBucket(p.Redis),
		rate:    cfg.TrackRate,
		burst:   cfg.TrackBurst,
		metrics: p.Metrics,
		log:     p.Log.Named("ratelimit.track"),
	}, nil
}

func (l *TrackLimiter) Allow(ctx context.Context, customerID string) (bool, error) {
	if l == nil {
		return true, nil
	}
	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyTrackCustomer, strings.TrimSpace(customerID)), l.rate, l.burst)
	if err != nil {
		l.metrics.RecordRateLimitDenied(ctx, operationTrack, "error")
		return false, err
	}
	if !res.Allowed {
		l.metrics.RecordRateLimitDenied(ctx, operationTrack, "exhausted")
		l.log.Debug("track rate limited",
			zap.String("customer_id", customerID),
			zap.Duration("retry_after", res.RetryAfter),
		)
		return false, nil
	}
	l.metrics.RecordRateLimitAllowed(ctx, operationTrack)
	return true, nil
}
