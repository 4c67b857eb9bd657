package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// =============================================================================
// POSTGRES ADVISORY LOCKER
// =============================================================================

// Postgres is a Locker backed by session-level advisory locks. Each lease
// pins one pooled connection until released; a crashed process drops its
// connection and with it every lock it held.
type Postgres struct {
	pool *pgxpool.Pool
	wait time.Duration
	poll time.Duration
}

func NewPostgres(pool *pgxpool.Pool, wait time.Duration) *Postgres {
	if wait <= 0 {
		wait = 10 * time.Second
	}
	return &Postgres{pool: pool, wait: wait, poll: 50 * time.Millisecond}
}

func (p *Postgres) Acquire(ctx context.Context, key string) (Lease, error) {
	start := time.Now()
	deadline := start.Add(p.wait)
	for {
		lease, ok, err := p.TryAcquire(ctx, key)
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
		case <-time.After(p.poll):
		}
	}
}

func (p *Postgres) TryAcquire(ctx context.Context, key string) (Lease, bool, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}
	var ok bool
	err = conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtextextended($1, 0))", key).Scan(&ok)
	if err != nil || !ok {
		conn.Release()
		if err != nil {
			return nil, false, fmt.Errorf("advisory lock %s: %w", key, err)
		}
		return nil, false, nil
	}
	return &pgLease{key: key, conn: conn}, true, nil
}

type pgLease struct {
	key  string
	conn *pgxpool.Conn
	mu   sync.Mutex
}

func (l *pgLease) Key() string { return l.key }

func (l *pgLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return ErrNotHeld
	}
	conn := l.conn
	l.conn = nil
	defer conn.Release()

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_advisory_unlock(hashtextextended($1, 0))", l.key).Scan(&ok); err != nil {
		// The session may still hold the lock; closing it frees the lock and
		// the pool discards the connection.
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if cerr := conn.Conn().Close(closeCtx); cerr != nil {
			return errors.Join(fmt.Errorf("advisory unlock %s: %w", l.key, err), fmt.Errorf("close lock session: %w", cerr))
		}
		return fmt.Errorf("advisory unlock %s: %w", l.key, err)
	}
	if !ok {
		return ErrNotHeld
	}
	return nil
}

// NewPool opens a pgx pool for the advisory locker.
func NewPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
