package backend

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitle/internal/clock"
	"github.com/smallbiznis/entitle/internal/config"
	"github.com/smallbiznis/entitle/internal/queue/dbqueue"
	"github.com/smallbiznis/entitle/internal/queue/redisqueue"
	"github.com/smallbiznis/entitle/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func params(t *testing.T, backend string) Params {
	cfg := config.Config{}
	cfg.Queue.Backend = backend
	return Params{
		Config: cfg,
		DB:     testutil.OpenDB(t, &dbqueue.JobRecord{}),
		GenID:  testutil.Node(t),
		Clock:  clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
		Log:    zap.NewNop(),
	}
}

func TestNewSelectsBackend(t *testing.T) {
	q, err := New(params(t, ""))
	require.NoError(t, err)
	assert.IsType(t, &dbqueue.Queue{}, q)

	p := params(t, "redis")
	_, err = New(p)
	assert.ErrorIs(t, err, ErrRedisNotConfigured)

	mr := miniredis.RunT(t)
	p.Redis = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q, err = New(p)
	require.NoError(t, err)
	assert.IsType(t, &redisqueue.Queue{}, q)

	_, err = New(params(t, "kafka"))
	assert.Error(t, err)
}
