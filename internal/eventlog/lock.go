package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"

	"github.com/fyrsmithlabs/concierge/internal/conversation"
)

// ErrLockLost is returned by an unlock whose lock had already expired or been
// taken over.
var ErrLockLost = errors.New("ticket lock lost")

const lockPollInterval = 50 * time.Millisecond

var unlockScript = backend.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker implements conversation.Locker and conversation.Leaser with SET NX PX.
type Locker struct {
	client *backend.Client
	prefix string
}

// NewLocker creates a locker. Keys are prefix + "lock:" + key.
func NewLocker(client *backend.Client, prefix string) *Locker {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Locker{client: client, prefix: prefix}
}

// Lock blocks until the lock is held or ctx ends. The lock expires after ttl
// if it is never released.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (conversation.UnlockFunc, error) {
	lockKey := l.prefix + "lock:" + key
	token := uuid.NewString()

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis error acquiring lock: %w", err)
		}
		if ok {
			return func(ctx context.Context) error {
				n, err := unlockScript.Run(ctx, l.client, []string{lockKey}, token).Int64()
				if err != nil {
					return fmt.Errorf("redis error releasing lock: %w", err)
				}
				if n == 0 {
					return ErrLockLost
				}
				return nil
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

var renewScript = backend.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// TryLease takes the lease on key with a single SET NX PX and reports false if
// another holder has it. The holder keeps it alive with Renew.
func (l *Locker) TryLease(ctx context.Context, key string, ttl time.Duration) (conversation.Lease, bool, error) {
	leaseKey := l.prefix + "lock:" + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, leaseKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis error acquiring lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return &lease{client: l.client, key: leaseKey, token: token}, true, nil
}

type lease struct {
	client *backend.Client
	key    string
	token  string
}

func (r *lease) Renew(ctx context.Context, ttl time.Duration) error {
	n, err := renewScript.Run(ctx, r.client, []string{r.key}, r.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis error renewing lease: %w", err)
	}
	if n == 0 {
		return conversation.ErrLeaseLost
	}
	return nil
}

func (r *lease) Release(ctx context.Context) error {
	n, err := unlockScript.Run(ctx, r.client, []string{r.key}, r.token).Int64()
	if err != nil {
		return fmt.Errorf("redis error releasing lease: %w", err)
	}
	if n == 0 {
		return conversation.ErrLeaseLost
	}
	return nil
}

var (
	_ conversation.Locker = (*Locker)(nil)
	_ conversation.Leaser = (*Locker)(nil)
)
