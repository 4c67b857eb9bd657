package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

var ErrSessionNotFound = errors.New("session metadata not found")

// SessionMeta is metadata a disconnected client needs to keep working
// (guest, reservation, folio snapshot). CapturedAt drives staleness.
type SessionMeta struct {
	SessionID     string          `json:"session_id"`
	TenantID      string          `json:"tenant_id"`
	ReservationID string          `json:"reservation_id,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	CapturedAt    time.Time       `json:"captured_at"`
}

// SessionStore is the durable tier behind SessionCache.
type SessionStore interface {
	SaveSession(ctx context.Context, m SessionMeta) error
	// GetSession returns ErrSessionNotFound if absent.
	GetSession(ctx context.Context, sessionID string) (*SessionMeta, error)
	// EvictSessionsBefore deletes entries captured before the cutoff.
	EvictSessionsBefore(ctx context.Context, before time.Time) (int, error)
}

// SessionCache is a two-tier cache: ristretto in front of a durable
// SessionStore. Entries older than maxAge are treated as absent in both
// tiers.
type SessionCache struct {
	l1      *ristretto.Cache[string, []byte]
	durable SessionStore
	maxAge  time.Duration
	now     func() time.Time
}

// NewSessionCache creates the cache. maxCostBytes bounds the L1 tier.
// durable may be nil for an L1-only cache.
func NewSessionCache(durable SessionStore, maxAge time.Duration, maxCostBytes int64) (*SessionCache, error) {
	if maxCostBytes <= 0 {
		maxCostBytes = 16 << 20
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCostBytes / 100 * 10,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	return &SessionCache{
		l1:      c,
		durable: durable,
		maxAge:  maxAge,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Put stores m in both tiers. A zero CapturedAt is stamped with now.
func (c *SessionCache) Put(ctx context.Context, m SessionMeta) error {
	if m.SessionID == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalidOperation)
	}
	if m.CapturedAt.IsZero() {
		m.CapturedAt = c.now()
	}
	if c.durable != nil {
		if err := c.durable.SaveSession(ctx, m); err != nil {
			return err
		}
	}
	c.setL1(m)
	return nil
}

// Get returns fresh metadata for a session. Stale or missing entries
// return ok=false.
func (c *SessionCache) Get(ctx context.Context, sessionID string) (*SessionMeta, bool, error) {
	if raw, found := c.l1.Get(sessionID); found {
		var m SessionMeta
		if err := json.Unmarshal(raw, &m); err == nil && c.fresh(m) {
			return &m, true, nil
		}
		c.l1.Del(sessionID)
	}
	if c.durable == nil {
		return nil, false, nil
	}
	m, err := c.durable.GetSession(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !c.fresh(*m) {
		return nil, false, nil
	}
	c.setL1(*m)
	return m, true, nil
}

// Invalidate drops a session from the L1 tier.
func (c *SessionCache) Invalidate(sessionID string) {
	c.l1.Del(sessionID)
	c.l1.Wait()
}

// Evict removes stale entries from the durable tier. L1 entries expire
// through their TTL.
func (c *SessionCache) Evict(ctx context.Context) (int, error) {
	if c.durable == nil {
		return 0, nil
	}
	return c.durable.EvictSessionsBefore(ctx, c.now().Add(-c.maxAge))
}

func (c *SessionCache) Close() { c.l1.Close() }

func (c *SessionCache) fresh(m SessionMeta) bool {
	return c.now().Sub(m.CapturedAt) <= c.maxAge
}

func (c *SessionCache) setL1(m SessionMeta) {
	ttl := c.maxAge - c.now().Sub(m.CapturedAt)
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	c.l1.SetWithTTL(m.SessionID, raw, int64(len(raw)), ttl)
	c.l1.Wait()
}
