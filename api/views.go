package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/warp/folio-engine/offline"
	"github.com/warp/folio-engine/optimistic"
)

// =============================================================================
// SESSION VIEWS
// =============================================================================
//
// A session view is what an offline desk shows as done: every operation it
// enqueued, applied speculatively at enqueue time. Synced operations stay in
// the view; permanently failed ones are rolled back out of it, leaving later
// operations in place.

// ViewOperation is one speculatively applied operation.
type ViewOperation struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type SessionView struct {
	SessionID  string          `json:"session_id"`
	Operations []ViewOperation `json:"operations"`
	// Unsettled counts operations across all sessions still awaiting an outcome.
	Unsettled int `json:"unsettled"`
}

type SessionViews struct {
	cache   *optimistic.MapCache
	tracker *optimistic.Tracker
	log     *slog.Logger
}

func NewSessionViews(log *slog.Logger) *SessionViews {
	if log == nil {
		log = slog.Default()
	}
	cache := optimistic.NewMapCache()
	return &SessionViews{
		cache:   cache,
		tracker: optimistic.NewTracker(optimistic.NewManager(cache, log)),
		log:     log.With("component", "session_views"),
	}
}

func viewKey(sessionID string) string { return "session:" + sessionID }

// Track mirrors an operation into its session view before it is queued.
func (v *SessionViews) Track(op offline.Operation) error {
	entry := ViewOperation{ID: op.ID, Type: op.Type, Payload: op.Payload}
	return v.tracker.Track(op.ID, []optimistic.Update{{
		Key: viewKey(op.SessionID),
		Apply: func(cur []byte, exists bool) ([]byte, error) {
			var ops []ViewOperation
			if exists && len(cur) > 0 {
				if err := json.Unmarshal(cur, &ops); err != nil {
					return nil, err
				}
			}
			return json.Marshal(append(ops, entry))
		},
	}})
}

// Settled is registered with the queue through offline.WithSettled.
func (v *SessionViews) Settled(op offline.Operation, err error) {
	if serr := v.tracker.Settle(op.ID, err); serr != nil {
		v.log.Error("settling session view failed", "op_id", op.ID, "error", serr)
	}
}

func (v *SessionViews) Get(sessionID string) (SessionView, error) {
	view := SessionView{SessionID: sessionID, Operations: []ViewOperation{}, Unsettled: v.tracker.Pending()}
	raw, ok := v.cache.Get(viewKey(sessionID))
	if !ok || len(raw) == 0 {
		return view, nil
	}
	if err := json.Unmarshal(raw, &view.Operations); err != nil {
		return SessionView{}, err
	}
	return view, nil
}

// SessionView handles GET /api/offline/sessions/{id}/view.
func (h *Handler) SessionView(w http.ResponseWriter, r *http.Request) {
	if h.Views == nil {
		writeError(w, http.StatusServiceUnavailable, "Session views not configured", nil)
		return
	}
	view, err := h.Views.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
