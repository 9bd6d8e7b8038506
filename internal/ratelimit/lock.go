package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var ErrLockUnavailable = errors.New("lock_client_unavailable")

// compare-and-delete on the holder token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out exclusive leases on Redis keys. The scheduler takes one
// per sweep so a single replica runs it at a time.
type Locker struct {
	client redis.UniversalClient
}

func NewLocker(client redis.UniversalClient) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client}
}

// Lease is a held lock. It lapses on its own after the ttl.
type Lease struct {
	client redis.UniversalClient
	key    string
	token  string
}

// Acquire returns a nil lease and no error when another holder has the key.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, ErrLockUnavailable
	}
	if key == "" || ttl <= 0 {
		return nil, errors.New("lock key and ttl are required")
	}

	lease := &Lease{client: l.client, key: key, token: uuid.NewString()}
	ok, err := l.client.SetNX(ctx, key, lease.token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return lease, nil
}

// Release deletes the key if this lease still holds it.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}
