/*
Package lock provides keyed advisory locks for stay transitions.

LOCK KEYS:
  reservation:<id>  - held for any change to a reservation or its folio
  room:<id>         - held for any change to a room's status
  session:<id>      - held while a session's offline queue is drained

ORDERING:
  Callers that need several locks take them through AcquireAll, which
  sorts reservation keys before room keys and rooms by id. Every caller
  using the same order makes deadlock between transitions impossible.

IMPLEMENTATIONS:
  - Keyed:    in-process (tests, single node)
  - Redis:    SET NX PX with a token, released by compare-and-delete
  - Postgres: pg_try_advisory_lock on a dedicated pooled connection

A lease is released at most once. Releasing a lease that was already
released, or whose Redis TTL lapsed, returns ErrNotHeld.
*/
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrLockTimeout is returned when a lock could not be acquired in time.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrNotHeld is returned when releasing a lease that is no longer held.
	ErrNotHeld = errors.New("lock not held")
)

// TimeoutError names the key that could not be acquired.
type TimeoutError struct {
	Key    string
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lock %s not acquired after %s", e.Key, e.Waited)
}

func (e *TimeoutError) Unwrap() error { return ErrLockTimeout }

// Lease is a held lock.
type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

// Locker acquires exclusive leases. Acquire blocks until the key is free,
// ctx is done, or the implementation's wait limit elapses.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// TryLocker is implemented by lockers that can attempt a lock without waiting.
type TryLocker interface {
	TryAcquire(ctx context.Context, key string) (Lease, bool, error)
}

// Key builders return "" for an empty id; Order drops empty keys.
func ReservationKey(id string) string { return key("reservation:", id) }
func RoomKey(id string) string        { return key("room:", id) }
func SessionKey(id string) string     { return key("session:", id) }

func key(prefix, id string) string {
	if id == "" {
		return ""
	}
	return prefix + id
}

// Order sorts keys into the global acquisition order and removes duplicates.
func Order(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i]), rank(out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i] < out[j]
	})
	return out
}

func rank(key string) int {
	switch {
	case strings.HasPrefix(key, "reservation:"):
		return 0
	case strings.HasPrefix(key, "room:"):
		return 1
	default:
		return 2
	}
}

// AcquireAll takes every key in global order. On failure the leases
// already taken are released before returning.
func AcquireAll(ctx context.Context, l Locker, keys ...string) ([]Lease, error) {
	ordered := Order(keys)
	leases := make([]Lease, 0, len(ordered))
	for _, k := range ordered {
		lease, err := l.Acquire(ctx, k)
		if err != nil {
			ReleaseAll(context.WithoutCancel(ctx), leases)
			return nil, err
		}
		leases = append(leases, lease)
	}
	return leases, nil
}

// ReleaseAll releases leases in reverse acquisition order and returns the
// first error encountered.
func ReleaseAll(ctx context.Context, leases []Lease) error {
	var first error
	for i := len(leases) - 1; i >= 0; i-- {
		if err := leases[i].Release(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
