package lock

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// IN-PROCESS LOCKER
// =============================================================================

// Keyed is an in-process Locker. Each key is a one-slot channel; entries
// are reference counted and dropped when no holder or waiter remains.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
	wait    time.Duration
}

type entry struct {
	slot chan struct{}
	refs int
}

// NewKeyed returns a locker whose Acquire gives up after wait. Zero waits
// until ctx is done.
func NewKeyed(wait time.Duration) *Keyed {
	return &Keyed{entries: make(map[string]*entry), wait: wait}
}

func (k *Keyed) ref(key string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{slot: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	return e
}

func (k *Keyed) unref(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(k.entries, key)
	}
}

func (k *Keyed) Acquire(ctx context.Context, key string) (Lease, error) {
	e := k.ref(key)
	start := time.Now()

	var timeout <-chan time.Time
	if k.wait > 0 {
		t := time.NewTimer(k.wait)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case e.slot <- struct{}{}:
		return &keyedLease{owner: k, key: key, e: e}, nil
	case <-timeout:
		k.unref(key)
		return nil, &TimeoutError{Key: key, Waited: time.Since(start)}
	case <-ctx.Done():
		k.unref(key)
		return nil, ctx.Err()
	}
}

func (k *Keyed) TryAcquire(_ context.Context, key string) (Lease, bool, error) {
	e := k.ref(key)
	select {
	case e.slot <- struct{}{}:
		return &keyedLease{owner: k, key: key, e: e}, true, nil
	default:
		k.unref(key)
		return nil, false, nil
	}
}

// Held reports whether key is currently locked.
func (k *Keyed) Held(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	return ok && len(e.slot) == 1
}

type keyedLease struct {
	owner *Keyed
	key   string
	e     *entry
	once  sync.Once
}

func (l *keyedLease) Key() string { return l.key }

func (l *keyedLease) Release(context.Context) error {
	err := ErrNotHeld
	l.once.Do(func() {
		<-l.e.slot
		l.owner.unref(l.key)
		err = nil
	})
	return err
}
