package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/warp/folio-engine/offline"
)

// =============================================================================
// OFFLINE QUEUE ENDPOINTS
// =============================================================================
//
//   POST   /api/offline/operations              Enqueue an operation
//   GET    /api/offline/operations/failed       Operations needing intervention
//   POST   /api/offline/operations/{id}/retry   Reset and redeliver a failed operation
//   POST   /api/offline/drain                   Deliver everything deliverable now
//   GET    /api/offline/stats                   Counts by status
//   GET    /api/offline/sessions/{id}           Session metadata
//   PUT    /api/offline/sessions/{id}           Store session metadata
//   GET    /api/offline/sessions/{id}/operations Session operations in order
//   GET    /api/offline/sessions/{id}/view      Optimistic session view

// EnqueueOperation handles POST /api/offline/operations. The payload is
// stored verbatim and validated when it is delivered. With Views set, the
// operation enters its session view before it can be delivered.
func (h *Handler) EnqueueOperation(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload is required", nil)
		return
	}
	id := uuid.NewString()
	if h.Views != nil && req.SessionID != "" && req.Type != "" {
		mirror := offline.Operation{ID: id, SessionID: req.SessionID, Type: req.Type, Payload: req.Payload}
		if err := h.Views.Track(mirror); err != nil {
			h.writeFailure(w, r, err)
			return
		}
	}
	op, err := h.Queue.EnqueueWithID(r.Context(), id, req.SessionID, req.Type, req.Payload, req.Priority)
	if err != nil {
		if h.Views != nil {
			h.Views.Settled(offline.Operation{ID: id}, err)
		}
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, op)
}

func (h *Handler) DrainQueue(w http.ResponseWriter, r *http.Request) {
	report, err := h.Queue.Drain(r.Context())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) FailedOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := h.Queue.Failed(r.Context())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if ops == nil {
		ops = []offline.Operation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

func (h *Handler) RetryOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.Queue.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Queue.Stats(r.Context())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) SessionOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := h.Queue.Session(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if ops == nil {
		ops = []offline.Operation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

// GetSession handles GET /api/offline/sessions/{id}. Stale metadata is
// reported as missing.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	cache := h.Queue.Sessions()
	if cache == nil {
		writeError(w, http.StatusServiceUnavailable, "Session cache not configured", nil)
		return
	}
	meta, ok, err := cache.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if !ok {
		h.writeFailure(w, r, offline.ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// PutSession handles PUT /api/offline/sessions/{id}.
func (h *Handler) PutSession(w http.ResponseWriter, r *http.Request) {
	cache := h.Queue.Sessions()
	if cache == nil {
		writeError(w, http.StatusServiceUnavailable, "Session cache not configured", nil)
		return
	}
	var req SessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.TenantID == "" {
		h.writeFailure(w, r, fmt.Errorf("%w: tenant_id is required", offline.ErrInvalidOperation))
		return
	}
	meta := offline.SessionMeta{
		SessionID:     chi.URLParam(r, "id"),
		TenantID:      req.TenantID,
		ReservationID: req.ReservationID,
		Data:          req.Data,
	}
	if err := cache.Put(r.Context(), meta); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
