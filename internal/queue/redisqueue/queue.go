// Package redisqueue keeps queue jobs in Redis: a sorted set of ids scored by
// the time they become visible, plus hashes for payloads, receipts and attempts.
package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitle/internal/clock"
	"github.com/smallbiznis/entitle/internal/queue"
)

const defaultPrefix = "{entitle:queue}"

// KEYS: visible, jobs, receipts, attempts
// ARGV: now_ms, limit, invisible_until_ms, receipt...
const receiveScript = `
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local hidden = tonumber(ARGV[3])

local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", now, "LIMIT", 0, limit)
local out = {}
for i, id in ipairs(ids) do
  local payload = redis.call("HGET", KEYS[2], id)
  if not payload then
    redis.call("ZREM", KEYS[1], id)
  else
    local receipt = ARGV[3 + i]
    redis.call("ZADD", KEYS[1], hidden, id)
    redis.call("HSET", KEYS[3], id, receipt)
    local attempts = redis.call("HINCRBY", KEYS[4], id, 1)
    table.insert(out, id)
    table.insert(out, payload)
    table.insert(out, receipt)
    table.insert(out, attempts)
  end
end
return out
`

const ackScript = `
if redis.call("HGET", KEYS[3], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("HDEL", KEYS[3], ARGV[1])
redis.call("HDEL", KEYS[4], ARGV[1])
return 1
`

type Queue struct {
	client  redis.UniversalClient
	genID   *snowflake.Node
	clock   clock.Clock
	keys    []string
	receive *redis.Script
	ack     *redis.Script
}

func New(client redis.UniversalClient, genID *snowflake.Node, clk clock.Clock, prefix string) *Queue {
	if clk == nil {
		clk = clock.System()
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Queue{
		client: client,
		genID:  genID,
		clock:  clk,
		keys: []string{
			prefix + ":visible",
			prefix + ":jobs",
			prefix + ":receipts",
			prefix + ":attempts",
		},
		receive: redis.NewScript(receiveScript),
		ack:     redis.NewScript(ackScript),
	}
}

func (q *Queue) Enqueue(ctx context.Context, jobs ...queue.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	score := float64(q.clock.Now().UnixMilli())
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, job := range jobs {
			payload, err := queue.EncodeContext(ctx, job)
			if err != nil {
				return err
			}
			id := q.genID.Generate().String()
			pipe.HSet(ctx, q.keys[1], id, payload)
			pipe.HSet(ctx, q.keys[3], id, 0)
			pipe.ZAdd(ctx, q.keys[0], redis.Z{Score: score, Member: id})
		}
		return nil
	})
	return err
}

func (q *Queue) Receive(ctx context.Context, max int, visibility time.Duration) ([]queue.Delivery, error) {
	if max <= 0 {
		max = 1
	}
	now := q.clock.Now()
	args := make([]any, 0, 3+max)
	args = append(args, now.UnixMilli(), max, now.Add(visibility).UnixMilli())
	for i := 0; i < max; i++ {
		args = append(args, uuid.NewString())
	}

	res, err := q.receive.Run(ctx, q.client, q.keys, args...).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(res)%4 != 0 {
		return nil, fmt.Errorf("invalid receive script response of %d items", len(res))
	}

	out := make([]queue.Delivery, 0, len(res)/4)
	for i := 0; i < len(res); i += 4 {
		d := queue.Delivery{
			ID:       toString(res[i]),
			Receipt:  toString(res[i+2]),
			Attempts: int(toInt(res[i+3])),
		}
		d.Job, d.Trace, d.Err = queue.DecodeEnvelope([]byte(toString(res[i+1])))
		out = append(out, d)
	}
	return out, nil
}

func (q *Queue) Ack(ctx context.Context, d queue.Delivery) error {
	n, err := q.ack.Run(ctx, q.client, q.keys, d.ID, d.Receipt).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return queue.ErrReceiptMismatch
	}
	return nil
}

func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.keys[0]).Result()
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func toString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return ""
	}
}

func toInt(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case string:
		n, _ := strconv.ParseInt(val, 10, 64)
		return n
	default:
		return 0
	}
}
