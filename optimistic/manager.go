/*
Package optimistic applies speculative cache updates and undoes them when
the server rejects the mutation they anticipated.

MODEL:
  Apply(updates) snapshots each key, runs its updater and records an entry
  on the key's chain. Chains keep entries in dispatch order.

  Commit(op)   - the speculative value stays; the snapshot is dropped once
                 no older outstanding entry on the key could need it.
  Rollback(op) - the key is restored to the op's snapshot and every later
                 entry on the chain is re-applied on top, so rolling back an
                 older op never discards a newer one and rolling back
                 several ops in any order ends at the same state.

Restores are byte-for-byte, including key absence.

CONCURRENCY:
  One mutex guards the cache and the chains; Apply, Commit and Rollback
  are serialized.
*/
package optimistic

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrUnknownOperation = errors.New("unknown optimistic operation")
	ErrEmptyUpdate      = errors.New("optimistic update needs a key and an updater")
)

// Cache is the store being updated speculatively.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Delete(key string)
}

// Updater computes the speculative value. Returning nil deletes the key.
type Updater func(current []byte, exists bool) ([]byte, error)

// RollbackFunc replaces the default snapshot restore for one key.
type RollbackFunc func(c Cache, snapshot []byte, existed bool) error

type Update struct {
	Key      string
	Apply    Updater
	Rollback RollbackFunc
}

type entry struct {
	opID     string
	key      string
	apply    Updater
	rollback RollbackFunc
	snapshot []byte
	existed  bool
	done     bool // committed
}

type Manager struct {
	mu     sync.Mutex
	cache  Cache
	ops    map[string][]*entry
	chains map[string][]*entry
	log    *slog.Logger
}

func NewManager(cache Cache, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cache:  cache,
		ops:    make(map[string][]*entry),
		chains: make(map[string][]*entry),
		log:    log.With("component", "optimistic"),
	}
}

// Apply runs every update and returns the operation id. If any updater
// fails, updates already made by this call are undone and nothing is
// recorded.
func (m *Manager) Apply(updates []Update) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	var applied []*entry
	for _, u := range updates {
		if u.Key == "" || u.Apply == nil {
			m.undo(applied)
			return "", ErrEmptyUpdate
		}
		cur, ok := m.cache.Get(u.Key)
		e := &entry{
			opID:     id,
			key:      u.Key,
			apply:    u.Apply,
			rollback: u.Rollback,
			snapshot: clone(cur),
			existed:  ok,
		}
		next, err := u.Apply(clone(cur), ok)
		if err != nil {
			m.undo(applied)
			return "", fmt.Errorf("optimistic update of %s: %w", u.Key, err)
		}
		m.write(u.Key, next)
		m.chains[u.Key] = append(m.chains[u.Key], e)
		applied = append(applied, e)
	}
	m.ops[id] = applied
	return id, nil
}

// Commit keeps the operation's speculative values.
func (m *Manager) Commit(opID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, ok := m.ops[opID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOperation, opID)
	}
	delete(m.ops, opID)
	for _, e := range entries {
		e.done = true
		m.prune(e.key)
	}
	return nil
}

// Rollback undoes the operation. Keys are processed in reverse of the
// order they were applied.
func (m *Manager) Rollback(opID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, ok := m.ops[opID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOperation, opID)
	}
	delete(m.ops, opID)

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		if err := m.rollbackEntry(entries[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Outstanding returns the number of operations neither committed nor
// rolled back.
func (m *Manager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops)
}

func (m *Manager) rollbackEntry(e *entry) error {
	chain := m.chains[e.key]
	idx := -1
	for i, c := range chain {
		if c == e {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	later := chain[idx+1:]
	m.chains[e.key] = append(chain[:idx:idx], later...)

	if e.rollback != nil {
		if err := e.rollback(m.cache, clone(e.snapshot), e.existed); err != nil {
			return fmt.Errorf("custom rollback of %s: %w", e.key, err)
		}
	} else if e.existed {
		m.cache.Set(e.key, clone(e.snapshot))
	} else {
		m.cache.Delete(e.key)
	}

	// Re-apply newer entries on top of the restored value.
	for _, l := range later {
		cur, ok := m.cache.Get(e.key)
		l.snapshot, l.existed = clone(cur), ok
		next, err := l.apply(clone(cur), ok)
		if err != nil {
			m.log.Warn("re-applying optimistic update failed", "key", e.key, "op_id", l.opID, "error", err)
			continue
		}
		m.write(e.key, next)
	}
	m.prune(e.key)
	return nil
}

// prune drops committed entries at the head of a chain; no rollback can
// reach back past them.
func (m *Manager) prune(key string) {
	chain := m.chains[key]
	i := 0
	for i < len(chain) && chain[i].done {
		i++
	}
	if i == len(chain) {
		delete(m.chains, key)
		return
	}
	m.chains[key] = chain[i:]
}

func (m *Manager) undo(applied []*entry) {
	for i := len(applied) - 1; i >= 0; i-- {
		e := applied[i]
		if e.existed {
			m.cache.Set(e.key, e.snapshot)
		} else {
			m.cache.Delete(e.key)
		}
		chain := m.chains[e.key]
		if n := len(chain); n > 0 && chain[n-1] == e {
			m.chains[e.key] = chain[:n-1]
		}
		if len(m.chains[e.key]) == 0 {
			delete(m.chains, e.key)
		}
	}
}

func (m *Manager) write(key string, value []byte) {
	if value == nil {
		m.cache.Delete(key)
		return
	}
	m.cache.Set(key, clone(value))
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return bytes.Clone(b)
}

// =============================================================================
// MAP CACHE
// =============================================================================

// MapCache is a goroutine-safe in-memory Cache.
type MapCache struct {
	mu sync.RWMutex
	m  map[string][]byte
}

func NewMapCache() *MapCache { return &MapCache{m: make(map[string][]byte)} }

func (c *MapCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.m[key]
	return clone(v), ok
}

func (c *MapCache) Set(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if value == nil {
		value = []byte{}
	}
	c.m[key] = clone(value)
}

func (c *MapCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
}

func (c *MapCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
