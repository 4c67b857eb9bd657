package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// =============================================================================
// REDIS LOCKER
// =============================================================================

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Redis is a Locker backed by SET NX PX. The TTL bounds how long a crashed
// holder can block others; it must exceed the transition timeout.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
}

type RedisOptions struct {
	Prefix string        // default "folio:lock:"
	TTL    time.Duration // default 60s
	Wait   time.Duration // default 10s
	Poll   time.Duration // default 50ms
}

func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	r := &Redis{client: client, prefix: opts.Prefix, ttl: opts.TTL, wait: opts.Wait, poll: opts.Poll}
	if r.prefix == "" {
		r.prefix = "folio:lock:"
	}
	if r.ttl <= 0 {
		r.ttl = 60 * time.Second
	}
	if r.wait <= 0 {
		r.wait = 10 * time.Second
	}
	if r.poll <= 0 {
		r.poll = 50 * time.Millisecond
	}
	return r
}

func (r *Redis) Acquire(ctx context.Context, key string) (Lease, error) {
	start := time.Now()
	deadline := start.Add(r.wait)
	for {
		lease, ok, err := r.TryAcquire(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return lease, nil
		}
		if time.Now().After(deadline) {
			return nil, &TimeoutError{Key: key, Waited: time.Since(start)}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.poll):
		}
	}
}

func (r *Redis) TryAcquire(ctx context.Context, key string) (Lease, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{owner: r, key: key, token: token}, true, nil
}

type redisLease struct {
	owner *Redis
	key   string
	token string
	mu    sync.Mutex
	done  bool
}

func (l *redisLease) Key() string { return l.key }

func (l *redisLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return ErrNotHeld
	}
	l.done = true
	n, err := releaseScript.Run(ctx, l.owner.client, []string{l.owner.prefix + l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("redis unlock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
