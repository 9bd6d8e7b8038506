// Package backend selects the queue implementation from configuration.
package backend

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitle/internal/clock"
	"github.com/smallbiznis/entitle/internal/config"
	"github.com/smallbiznis/entitle/internal/queue"
	"github.com/smallbiznis/entitle/internal/queue/dbqueue"
	"github.com/smallbiznis/entitle/internal/queue/redisqueue"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrRedisNotConfigured = errors.New("queue backend redis requires REDIS_ADDR")

var Module = fx.Module("queue",
	fx.Provide(New),
	fx.Provide(func(q queue.Queue) queue.Producer { return q }),
)

type Params struct {
	fx.In

	Config config.Config
	DB     *gorm.DB
	Redis  redis.UniversalClient `optional:"true"`
	GenID  *snowflake.Node
	Clock  clock.Clock
	Log    *zap.Logger
}

func New(p Params) (queue.Queue, error) {
	backend := queue.Backend(p.Config.Queue.Backend)
	if backend == "" {
		backend = queue.BackendDatabase
	}

	var q queue.Queue
	switch backend {
	case queue.BackendDatabase:
		q = dbqueue.New(p.DB, p.GenID, p.Clock)
	case queue.BackendRedis:
		if p.Redis == nil {
			return nil, ErrRedisNotConfigured
		}
		q = redisqueue.New(p.Redis, p.GenID, p.Clock, p.Config.Queue.Prefix)
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", backend)
	}

	p.Log.Info("queue backend selected", zap.String("backend", string(backend)))
	return q, nil
}
