package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseHeld is returned when another process owns the lease.
var ErrLeaseHeld = errors.New("lease held by another writer")

// ErrLeaseLost means the lease expired or was taken over while held.
var ErrLeaseLost = errors.New("writer lease lost")

// WriterLeaseKey guards the event log: exactly one engine appends to it.
const WriterLeaseKey = "molt:lease:writer"

const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

const renewLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

var (
	releaseScript = redis.NewScript(releaseLua)
	renewScript   = redis.NewScript(renewLua)
)

// WriterLease is a Redis SETNX lease with a random token. Only the holder
// of the token can renew or release it.
type WriterLease struct {
	rdb   *redis.Client
	key   string
	token string
	ttl   time.Duration

	once sync.Once
}

// AcquireLease takes the lease at key or returns ErrLeaseHeld.
func AcquireLease(ctx context.Context, c *Client, key string, ttl time.Duration) (*WriterLease, error) {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLeaseHeld
	}
	return &WriterLease{rdb: c.rdb, key: key, token: token, ttl: ttl}, nil
}

// Renew extends the lease. It returns ErrLeaseLost if the token no longer
// owns the key.
func (l *WriterLease) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis: renew lease %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Keep renews the lease at a third of its TTL until ctx is done. It
// returns ErrLeaseLost as soon as ownership is gone; the caller must stop
// writing then.
func (l *WriterLease) Keep(ctx context.Context) error {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := l.Renew(ctx)
			if errors.Is(err, ErrLeaseLost) {
				return err
			}
			// Transient errors are retried on the next tick; the TTL leaves
			// two more attempts before expiry.
		}
	}
}

// Release gives the lease up. Safe to call more than once.
func (l *WriterLease) Release() {
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
	})
}

func (l *WriterLease) Token() string { return l.token }
