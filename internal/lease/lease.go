// Package lease provides short-lived Redis leases so only one process runs a
// scheduler job for a given slot.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	ErrNotConfigured = errors.New("lease client not configured")
	ErrEmptyKey      = errors.New("lease key is empty")
	ErrInvalidTTL    = errors.New("lease ttl must be positive")
)

// Lease is a held lock. Release is safe to call more than once.
type Lease struct {
	Key   string
	Token string

	locker *Locker
}

func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.locker == nil {
		return nil
	}
	return l.locker.release(ctx, l.Key, l.Token)
}

type Locker struct {
	client *redis.Client
	script *redis.Script
	prefix string
}

// NewLocker returns nil when client is nil; a nil Locker grants every lease.
func NewLocker(client *redis.Client, prefix string) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		script: redis.NewScript(releaseScript),
		prefix: prefix,
	}
}

// JobKey builds the lease key for one job on one calendar day.
func (l *Locker) JobKey(job string, day time.Time) string {
	prefix := "propbill"
	if l != nil && l.prefix != "" {
		prefix = l.prefix
	}
	return fmt.Sprintf("%s:scheduler:%s:%s", prefix, job, day.UTC().Format(time.DateOnly))
}

// TryAcquire takes the lease if nobody holds it. ok is false when another holder
// exists.
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	if l == nil {
		return &Lease{Key: key}, true, nil
	}
	if l.client == nil {
		return nil, false, ErrNotConfigured
	}
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	if ttl <= 0 {
		return nil, false, ErrInvalidTTL
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{Key: key, Token: token, locker: l}, true, nil
}

func (l *Locker) release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil || key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}
