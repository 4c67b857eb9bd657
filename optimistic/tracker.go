package optimistic

import "sync"

// Tracker names optimistic operations by an external reference, usually
// the id of the queued operation they anticipate, so the outcome can be
// settled by whoever learns it.
type Tracker struct {
	m *Manager

	mu   sync.Mutex
	refs map[string]string
}

func NewTracker(m *Manager) *Tracker {
	return &Tracker{m: m, refs: make(map[string]string)}
}

// Track applies updates under ref. A ref already tracked is left as is.
func (t *Tracker) Track(ref string, updates []Update) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.refs[ref]; ok {
		return nil
	}
	opID, err := t.m.Apply(updates)
	if err != nil {
		return err
	}
	t.refs[ref] = opID
	return nil
}

// Settle commits ref's updates when failure is nil and rolls them back
// otherwise. Unknown refs are ignored.
func (t *Tracker) Settle(ref string, failure error) error {
	t.mu.Lock()
	opID, ok := t.refs[ref]
	delete(t.refs, ref)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	if failure == nil {
		return t.m.Commit(opID)
	}
	t.m.log.Info("rolling back optimistic update", "ref", ref, "op_id", opID, "reason", failure)
	return t.m.Rollback(opID)
}

// Pending returns the number of tracked refs not yet settled.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.refs)
}
