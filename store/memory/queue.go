package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/warp/folio-engine/offline"
)

// =============================================================================
// OFFLINE QUEUE STORE - implements offline.Store and offline.SessionStore
// =============================================================================

var (
	_ offline.Store        = (*Memory)(nil)
	_ offline.SessionStore = (*Memory)(nil)
)

func (m *Memory) InsertOperation(_ context.Context, op *offline.Operation) error {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	if _, dup := m.ops[op.ID]; dup {
		return fmt.Errorf("duplicate operation id %s", op.ID)
	}
	m.seq++
	op.Seq = m.seq
	m.ops[op.ID] = cloneOp(*op)
	return nil
}

func (m *Memory) UpdateOperation(_ context.Context, op offline.Operation) error {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	prev, ok := m.ops[op.ID]
	if !ok {
		return fmt.Errorf("%w: %s", offline.ErrOperationNotFound, op.ID)
	}
	op.Seq = prev.Seq
	m.ops[op.ID] = cloneOp(op)
	return nil
}

func (m *Memory) GetOperation(_ context.Context, id string) (*offline.Operation, error) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	stored, ok := m.ops[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", offline.ErrOperationNotFound, id)
	}
	op := cloneOp(stored)
	return &op, nil
}

func (m *Memory) UnsyncedOperations(_ context.Context) ([]offline.Operation, error) {
	return m.selectOps(func(op offline.Operation) bool { return op.Status != offline.StatusSynced }), nil
}

func (m *Memory) OperationsBySession(_ context.Context, sessionID string) ([]offline.Operation, error) {
	return m.selectOps(func(op offline.Operation) bool { return op.SessionID == sessionID }), nil
}

func (m *Memory) PurgeSynced(_ context.Context, before time.Time) (int, error) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	n := 0
	for id, op := range m.ops {
		if op.Status == offline.StatusSynced && op.SyncedAt != nil && op.SyncedAt.Before(before) {
			delete(m.ops, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountByStatus(_ context.Context) (map[offline.Status]int, error) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	out := make(map[offline.Status]int)
	for _, op := range m.ops {
		out[op.Status]++
	}
	return out, nil
}

func (m *Memory) selectOps(keep func(offline.Operation) bool) []offline.Operation {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	var out []offline.Operation
	for _, op := range m.ops {
		if keep(op) {
			out = append(out, cloneOp(op))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func cloneOp(op offline.Operation) offline.Operation {
	op.Payload = append([]byte(nil), op.Payload...)
	return op
}

// --- session metadata ---

func (m *Memory) SaveSession(_ context.Context, meta offline.SessionMeta) error {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	meta.Data = append([]byte(nil), meta.Data...)
	m.sessions[meta.SessionID] = meta
	return nil
}

func (m *Memory) GetSession(_ context.Context, sessionID string) (*offline.SessionMeta, error) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	meta, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", offline.ErrSessionNotFound, sessionID)
	}
	return &meta, nil
}

func (m *Memory) EvictSessionsBefore(_ context.Context, before time.Time) (int, error) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	n := 0
	for id, meta := range m.sessions {
		if meta.CapturedAt.Before(before) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}
