// Package memory provides in-memory Store implementations for tests and
// development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/folio-engine/folio"
	"github.com/warp/folio-engine/offline"
	"github.com/warp/folio-engine/stay"
)

// =============================================================================
// MEMORY STORE - implements stay.TxStore (and folio.Store)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	s  *state

	// offline queue and session metadata (queue.go)
	qmu      sync.Mutex
	ops      map[string]offline.Operation
	seq      int64
	sessions map[string]offline.SessionMeta
}

// lineKey scopes an idempotency key to its folio.
type lineKey struct {
	folio folio.FolioID
	key   string
}

type state struct {
	folios       map[folio.FolioID]folio.Folio
	charges      map[folio.FolioID][]folio.Charge
	payments     map[folio.FolioID][]folio.Payment
	chargeKeys   map[lineKey]folio.Charge
	paymentKeys  map[lineKey]folio.Payment
	reservations map[string]stay.Reservation
	rooms        map[string]stay.Room
	guests       map[string]stay.Guest
	audit        []stay.AuditEvent
	folioOrder   []folio.FolioID
}

func New() *Memory {
	return &Memory{
		s: &state{
			folios:       make(map[folio.FolioID]folio.Folio),
			charges:      make(map[folio.FolioID][]folio.Charge),
			payments:     make(map[folio.FolioID][]folio.Payment),
			chargeKeys:   make(map[lineKey]folio.Charge),
			paymentKeys:  make(map[lineKey]folio.Payment),
			reservations: make(map[string]stay.Reservation),
			rooms:        make(map[string]stay.Room),
			guests:       make(map[string]stay.Guest),
		},
		ops:      make(map[string]offline.Operation),
		sessions: make(map[string]offline.SessionMeta),
	}
}

var (
	_ stay.TxStore = (*Memory)(nil)
	_ stay.Store   = (*view)(nil)
)

// WithTx runs fn against a private copy of the state. The copy replaces
// the live state only if fn succeeds and ctx is still live.
func (m *Memory) WithTx(ctx context.Context, fn func(stay.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.s.clone()
	if err := fn(&view{s: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transaction not committed: %w", err)
	}
	m.s = work
	return nil
}

func (m *Memory) read() *view {
	return &view{s: m.s}
}

// --- folio.Store ---

func (m *Memory) GetFolio(ctx context.Context, id folio.FolioID) (*folio.Folio, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetFolio(ctx, id)
}

func (m *Memory) FolioForReservation(ctx context.Context, reservationID string) (*folio.Folio, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().FolioForReservation(ctx, reservationID)
}

func (m *Memory) ListOpenFolios(ctx context.Context, tenantID string) ([]folio.Folio, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListOpenFolios(ctx, tenantID)
}

func (m *Memory) SaveFolio(ctx context.Context, f folio.Folio) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().SaveFolio(ctx, f)
}

func (m *Memory) AppendCharge(ctx context.Context, c folio.Charge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().AppendCharge(ctx, c)
}

func (m *Memory) AppendPayment(ctx context.Context, p folio.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().AppendPayment(ctx, p)
}

func (m *Memory) Charges(ctx context.Context, folioID folio.FolioID) ([]folio.Charge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().Charges(ctx, folioID)
}

func (m *Memory) Payments(ctx context.Context, folioID folio.FolioID) ([]folio.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().Payments(ctx, folioID)
}

func (m *Memory) FindChargeByKey(ctx context.Context, folioID folio.FolioID, key string) (*folio.Charge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().FindChargeByKey(ctx, folioID, key)
}

func (m *Memory) FindPaymentByKey(ctx context.Context, folioID folio.FolioID, key string) (*folio.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().FindPaymentByKey(ctx, folioID, key)
}

func (m *Memory) DeleteLineItems(ctx context.Context, folioID folio.FolioID) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().DeleteLineItems(ctx, folioID)
}

// --- stay.Store ---

func (m *Memory) GetReservation(ctx context.Context, id string) (*stay.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetReservation(ctx, id)
}

func (m *Memory) SaveReservation(ctx context.Context, r stay.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().SaveReservation(ctx, r)
}

func (m *Memory) ReservationsForRoom(ctx context.Context, roomID string) ([]stay.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ReservationsForRoom(ctx, roomID)
}

func (m *Memory) GetRoom(ctx context.Context, id string) (*stay.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetRoom(ctx, id)
}

func (m *Memory) SaveRoom(ctx context.Context, r stay.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().SaveRoom(ctx, r)
}

func (m *Memory) ListRooms(ctx context.Context, tenantID string) ([]stay.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListRooms(ctx, tenantID)
}

func (m *Memory) UpsertGuest(ctx context.Context, g stay.Guest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().UpsertGuest(ctx, g)
}

func (m *Memory) GetGuest(ctx context.Context, id string) (*stay.Guest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetGuest(ctx, id)
}

func (m *Memory) AppendAudit(ctx context.Context, e stay.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().AppendAudit(ctx, e)
}

func (m *Memory) AuditTrail(ctx context.Context, resourceID string) ([]stay.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().AuditTrail(ctx, resourceID)
}

// =============================================================================
// VIEW - unlocked operations on one state
// =============================================================================

type view struct {
	s *state
}

func (v *view) GetFolio(_ context.Context, id folio.FolioID) (*folio.Folio, error) {
	f, ok := v.s.folios[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", folio.ErrFolioNotFound, id)
	}
	return &f, nil
}

func (v *view) FolioForReservation(_ context.Context, reservationID string) (*folio.Folio, error) {
	var found *folio.Folio
	for _, id := range v.s.folioOrder {
		f := v.s.folios[id]
		if f.ReservationID == reservationID {
			found = &f
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: reservation %s", folio.ErrFolioNotFound, reservationID)
	}
	return found, nil
}

func (v *view) ListOpenFolios(_ context.Context, tenantID string) ([]folio.Folio, error) {
	var out []folio.Folio
	for _, id := range v.s.folioOrder {
		f := v.s.folios[id]
		if f.IsClosed() || (tenantID != "" && f.TenantID != tenantID) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (v *view) SaveFolio(_ context.Context, f folio.Folio) error {
	if _, ok := v.s.folios[f.ID]; !ok {
		v.s.folioOrder = append(v.s.folioOrder, f.ID)
	}
	v.s.folios[f.ID] = f
	return nil
}

func (v *view) AppendCharge(_ context.Context, c folio.Charge) error {
	if _, ok := v.s.folios[c.FolioID]; !ok {
		return fmt.Errorf("%w: %s", folio.ErrFolioNotFound, c.FolioID)
	}
	if c.IdempotencyKey != "" {
		k := lineKey{c.FolioID, c.IdempotencyKey}
		if _, dup := v.s.chargeKeys[k]; dup {
			return fmt.Errorf("duplicate charge idempotency key %q on folio %s", c.IdempotencyKey, c.FolioID)
		}
		v.s.chargeKeys[k] = c
	}
	v.s.charges[c.FolioID] = append(v.s.charges[c.FolioID], c)
	return nil
}

func (v *view) AppendPayment(_ context.Context, p folio.Payment) error {
	if _, ok := v.s.folios[p.FolioID]; !ok {
		return fmt.Errorf("%w: %s", folio.ErrFolioNotFound, p.FolioID)
	}
	if p.IdempotencyKey != "" {
		k := lineKey{p.FolioID, p.IdempotencyKey}
		if _, dup := v.s.paymentKeys[k]; dup {
			return fmt.Errorf("duplicate payment idempotency key %q on folio %s", p.IdempotencyKey, p.FolioID)
		}
		v.s.paymentKeys[k] = p
	}
	v.s.payments[p.FolioID] = append(v.s.payments[p.FolioID], p)
	return nil
}

func (v *view) Charges(_ context.Context, folioID folio.FolioID) ([]folio.Charge, error) {
	return append([]folio.Charge(nil), v.s.charges[folioID]...), nil
}

func (v *view) Payments(_ context.Context, folioID folio.FolioID) ([]folio.Payment, error) {
	return append([]folio.Payment(nil), v.s.payments[folioID]...), nil
}

func (v *view) FindChargeByKey(_ context.Context, folioID folio.FolioID, key string) (*folio.Charge, error) {
	c, ok := v.s.chargeKeys[lineKey{folioID, key}]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (v *view) FindPaymentByKey(_ context.Context, folioID folio.FolioID, key string) (*folio.Payment, error) {
	p, ok := v.s.paymentKeys[lineKey{folioID, key}]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (v *view) DeleteLineItems(_ context.Context, folioID folio.FolioID) (int, int, error) {
	charges, payments := v.s.charges[folioID], v.s.payments[folioID]
	for _, c := range charges {
		if c.IdempotencyKey != "" {
			delete(v.s.chargeKeys, lineKey{folioID, c.IdempotencyKey})
		}
	}
	for _, p := range payments {
		if p.IdempotencyKey != "" {
			delete(v.s.paymentKeys, lineKey{folioID, p.IdempotencyKey})
		}
	}
	delete(v.s.charges, folioID)
	delete(v.s.payments, folioID)
	return len(charges), len(payments), nil
}

func (v *view) GetReservation(_ context.Context, id string) (*stay.Reservation, error) {
	r, ok := v.s.reservations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", stay.ErrReservationNotFound, id)
	}
	return &r, nil
}

func (v *view) SaveReservation(_ context.Context, r stay.Reservation) error {
	v.s.reservations[r.ID] = r
	return nil
}

func (v *view) ReservationsForRoom(_ context.Context, roomID string) ([]stay.Reservation, error) {
	var out []stay.Reservation
	for _, r := range v.s.reservations {
		if r.RoomID == roomID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *view) GetRoom(_ context.Context, id string) (*stay.Room, error) {
	r, ok := v.s.rooms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", stay.ErrRoomNotFound, id)
	}
	return &r, nil
}

func (v *view) SaveRoom(_ context.Context, r stay.Room) error {
	v.s.rooms[r.ID] = r
	return nil
}

func (v *view) ListRooms(_ context.Context, tenantID string) ([]stay.Room, error) {
	var out []stay.Room
	for _, r := range v.s.rooms {
		if tenantID == "" || r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *view) UpsertGuest(_ context.Context, g stay.Guest) error {
	v.s.guests[g.ID] = g
	return nil
}

func (v *view) GetGuest(_ context.Context, id string) (*stay.Guest, error) {
	g, ok := v.s.guests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", stay.ErrGuestNotFound, id)
	}
	return &g, nil
}

func (v *view) AppendAudit(_ context.Context, e stay.AuditEvent) error {
	v.s.audit = append(v.s.audit, e)
	return nil
}

func (v *view) AuditTrail(_ context.Context, resourceID string) ([]stay.AuditEvent, error) {
	var out []stay.AuditEvent
	for _, e := range v.s.audit {
		if e.ResourceID == resourceID {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// SNAPSHOT
// =============================================================================

func (s *state) clone() *state {
	c := &state{
		folios:       make(map[folio.FolioID]folio.Folio, len(s.folios)),
		charges:      make(map[folio.FolioID][]folio.Charge, len(s.charges)),
		payments:     make(map[folio.FolioID][]folio.Payment, len(s.payments)),
		chargeKeys:   make(map[lineKey]folio.Charge, len(s.chargeKeys)),
		paymentKeys:  make(map[lineKey]folio.Payment, len(s.paymentKeys)),
		reservations: make(map[string]stay.Reservation, len(s.reservations)),
		rooms:        make(map[string]stay.Room, len(s.rooms)),
		guests:       make(map[string]stay.Guest, len(s.guests)),
		audit:        append([]stay.AuditEvent(nil), s.audit...),
		folioOrder:   append([]folio.FolioID(nil), s.folioOrder...),
	}
	for k, v := range s.folios {
		c.folios[k] = v
	}
	for k, v := range s.charges {
		c.charges[k] = append([]folio.Charge(nil), v...)
	}
	for k, v := range s.payments {
		c.payments[k] = append([]folio.Payment(nil), v...)
	}
	for k, v := range s.chargeKeys {
		c.chargeKeys[k] = v
	}
	for k, v := range s.paymentKeys {
		c.paymentKeys[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	for k, v := range s.rooms {
		c.rooms[k] = v
	}
	for k, v := range s.guests {
		c.guests[k] = v
	}
	return c
}
