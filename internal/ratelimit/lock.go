package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "insurecard:lock:"

// compare-and-delete / compare-and-pexpire so a holder whose TTL lapsed
// cannot touch a lock another replica has since taken.
const (
	releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`
	extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`
)

var (
	ErrLockNotConfigured = errors.New("lock_not_configured")
	ErrInvalidLockName   = errors.New("invalid_lock_name")
	ErrInvalidLockTTL    = errors.New("invalid_lock_ttl")
	ErrLockLost          = errors.New("lock_lost")
)

// Locker hands out named, expiring locks shared by every process using the
// same Redis. It is nil when REDIS_ADDR is unset.
type Locker struct {
	client  *redis.Client
	release *redis.Script
	extend  *redis.Script
}

// Lease is a held lock. Only the holder's token can extend or release it.
type Lease struct {
	locker *Locker
	key    string
	token  string
	ttl    time.Duration
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client:  client,
		release: redis.NewScript(releaseScript),
		extend:  redis.NewScript(extendScript),
	}
}

// Acquire takes the lock called name for ttl. A nil lease with a nil error
// means another holder has it.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, ErrLockNotConfigured
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidLockName
	}
	if ttl <= 0 {
		return nil, ErrInvalidLockTTL
	}

	key := lockKeyPrefix + name
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Lease{locker: l, key: key, token: token, ttl: ttl}, nil
}

// Extend pushes expiry out by the original ttl. ErrLockLost means the lease
// expired and may now belong to someone else.
func (le *Lease) Extend(ctx context.Context) error {
	if le == nil || le.locker == nil {
		return ErrLockNotConfigured
	}
	n, err := le.locker.extend.Run(ctx, le.locker.client, []string{le.key}, le.token, le.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

func (le *Lease) Release(ctx context.Context) error {
	if le == nil || le.locker == nil {
		return nil
	}
	return le.locker.release.Run(ctx, le.locker.client, []string{le.key}, le.token).Err()
}

func (le *Lease) Name() string {
	if le == nil {
		return ""
	}
	return strings.TrimPrefix(le.key, lockKeyPrefix)
}
