/*
handlers.go - HTTP API handlers for the folio engine

PURPOSE:
  Exposes stay transitions, the folio ledger and folio health checks via
  REST. Handles HTTP request/response and JSON serialization and
  delegates to the stay Coordinator.

ENDPOINTS:
  Reservations:
    POST   /api/reservations/{id}/check-in    Atomic check-in
    POST   /api/reservations/{id}/check-out   Atomic check-out (balance must be settled)
    POST   /api/reservations/{id}/cancel      Atomic cancellation
    GET    /api/reservations/{id}/folio       Folio breakdown of a reservation

  Folios:
    GET    /api/folios/{id}                           Breakdown with line items
    POST   /api/folios/{id}/charges                   Post a charge
    POST   /api/folios/{id}/payments                  Post a payment
    POST   /api/folios/{id}/charges/{chargeID}/reverse Reverse a charge
    POST   /api/folios/{id}/validate?fix=true         Validate (and repair) one folio

  Admin:
    POST   /api/admin/folios/validate?tenant=&fix=    Validate every open folio
    GET    /api/admin/rooms/drift?tenant=             Room status drift report
    POST   /api/admin/rooms/reconcile?tenant=         Repair room status drift

  Offline queue: see offline.go
  Scenarios:     see scenarios.go

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Coordinator: every mutation goes through it, never the store directly
  - Rooms: room drift checker
  - Queue: offline operation queue

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Reservation, folio or charge not found
  - 409: Business rejection (body is the transition Result) or stale version
  - 423: Lock wait exceeded, retry with backoff
  - 504: Transition timed out, re-read state before retrying
  - 500: Internal errors (details logged, not returned)

SECURITY NOTE:
  No authentication or authorization. Actor names come from the request
  body or the X-Actor header and are recorded in the audit trail as-is.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/warp/folio-engine/folio"
	"github.com/warp/folio-engine/lock"
	"github.com/warp/folio-engine/metrics"
	"github.com/warp/folio-engine/offline"
	"github.com/warp/folio-engine/stay"
	"github.com/warp/folio-engine/tax"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Coordinator *stay.Coordinator
	Rooms       *stay.RoomReconciler
	Queue       *offline.Queue
	Metrics     *metrics.Recorder

	// Views mirrors enqueued operations into per-session optimistic views.
	// Optional; register Views.Settled with the queue when set.
	Views *SessionViews

	// Ping checks the backing store for /healthz. Optional.
	Ping func(ctx context.Context) error

	log *slog.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. queue and rec may be nil.
func NewHandler(c *stay.Coordinator, rooms *stay.RoomReconciler, queue *offline.Queue, rec *metrics.Recorder, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		Coordinator: c,
		Rooms:       rooms,
		Queue:       queue,
		Metrics:     rec,
		log:         log.With("component", "api"),
	}
}

// =============================================================================
// HEALTH
// =============================================================================

// Healthz reports liveness and, if configured, store reachability.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// RESERVATION TRANSITIONS
// =============================================================================

// CheckIn handles POST /api/reservations/{id}/check-in.
func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	var req CheckInRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	payload := stay.CheckInPayload{
		ReservationID:  chi.URLParam(r, "id"),
		RoomID:         req.RoomID,
		Actor:          actor(r, req.Actor),
		Guest:          req.Guest,
		InitialCharges: req.InitialCharges,
	}
	res, err := h.Coordinator.CheckIn(r.Context(), payload.Request())
	h.writeTransition(w, r, res, err)
}

// CheckOut handles POST /api/reservations/{id}/check-out.
func (h *Handler) CheckOut(w http.ResponseWriter, r *http.Request) {
	var req CheckOutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	res, err := h.Coordinator.CheckOut(r.Context(), chi.URLParam(r, "id"), actor(r, req.Actor))
	h.writeTransition(w, r, res, err)
}

// Cancel handles POST /api/reservations/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	res, err := h.Coordinator.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason, actor(r, req.Actor))
	h.writeTransition(w, r, res, err)
}

// GetReservationFolio handles GET /api/reservations/{id}/folio.
func (h *Handler) GetReservationFolio(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	store := h.Coordinator.Store()
	f, err := store.FolioForReservation(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	b, err := folio.LoadBreakdown(ctx, store, f.ID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBreakdownDTO(b))
}

// =============================================================================
// FOLIO ENDPOINTS
// =============================================================================

// GetFolio handles GET /api/folios/{id}.
func (h *Handler) GetFolio(w http.ResponseWriter, r *http.Request) {
	b, err := folio.LoadBreakdown(r.Context(), h.Coordinator.Store(), folioID(r))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBreakdownDTO(b))
}

// PostCharge handles POST /api/folios/{id}/charges.
func (h *Handler) PostCharge(w http.ResponseWriter, r *http.Request) {
	var req stay.ChargePayload
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	req.PostedBy = actor(r, req.PostedBy)
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	c, f, err := h.Coordinator.PostCharge(r.Context(), folioID(r), req.Input())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ChargeResponse{Charge: toChargeDTO(*c), Folio: toFolioDTO(*f)})
}

// PostPayment handles POST /api/folios/{id}/payments.
func (h *Handler) PostPayment(w http.ResponseWriter, r *http.Request) {
	var req stay.PaymentPayload
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	req.ProcessedBy = actor(r, req.ProcessedBy)
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	p, f, err := h.Coordinator.PostPayment(r.Context(), folioID(r), req.Input())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, PaymentResponse{Payment: toPaymentDTO(*p), Folio: toFolioDTO(*f)})
}

// ReverseCharge handles POST /api/folios/{id}/charges/{chargeID}/reverse.
func (h *Handler) ReverseCharge(w http.ResponseWriter, r *http.Request) {
	var req ReverseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required", nil)
		return
	}

	c, f, err := h.Coordinator.ReverseCharge(r.Context(), folioID(r),
		folio.ChargeID(chi.URLParam(r, "chargeID")), actor(r, req.Actor), req.Reason)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ChargeResponse{Charge: toChargeDTO(*c), Folio: toFolioDTO(*f)})
}

// ValidateFolio handles POST /api/folios/{id}/validate.
func (h *Handler) ValidateFolio(w http.ResponseWriter, r *http.Request) {
	report, err := h.Coordinator.ReconcileFolio(r.Context(), folioID(r), queryBool(r, "fix"), actor(r, ""))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// ValidateAllFolios handles POST /api/admin/folios/validate.
func (h *Handler) ValidateAllFolios(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := r.URL.Query().Get("tenant")
	open, err := h.Coordinator.Store().ListOpenFolios(ctx, tenant)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	reports, err := h.Coordinator.ReconcileAll(ctx, tenant, queryBool(r, "fix"), actor(r, ""))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if reports == nil {
		reports = []folio.Report{}
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{Checked: len(open), Reports: reports})
}

// RoomDrift handles GET /api/admin/rooms/drift.
func (h *Handler) RoomDrift(w http.ResponseWriter, r *http.Request) {
	drift, err := h.Rooms.Check(r.Context(), r.URL.Query().Get("tenant"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if drift == nil {
		drift = []stay.RoomDrift{}
	}
	writeJSON(w, http.StatusOK, drift)
}

// ReconcileRooms handles POST /api/admin/rooms/reconcile.
func (h *Handler) ReconcileRooms(w http.ResponseWriter, r *http.Request) {
	fixed, err := h.Rooms.Fix(r.Context(), r.URL.Query().Get("tenant"), actor(r, ""))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if fixed == nil {
		fixed = []stay.RoomDrift{}
	}
	writeJSON(w, http.StatusOK, fixed)
}

// =============================================================================
// HELPERS
// =============================================================================

// writeTransition maps a Coordinator outcome to a response. Rejections
// are 409 with the Result as body so clients can read the code.
func (h *Handler) writeTransition(w http.ResponseWriter, r *http.Request, res *stay.Result, err error) {
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if !res.Success {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeFailure classifies err. Internal errors are logged with the request
// id and never echoed to the client.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case stay.IsTimeout(err):
		writeError(w, http.StatusGatewayTimeout, "Transition timed out", err)
	case errors.Is(err, lock.ErrLockTimeout):
		writeError(w, http.StatusLocked, "Resource is busy, retry shortly", err)
	case errors.Is(err, folio.ErrConcurrentModification):
		writeError(w, http.StatusConflict, "Folio was modified concurrently, re-read and retry", err)
	case errors.Is(err, folio.ErrAlreadyReversed):
		writeError(w, http.StatusConflict, "Charge already reversed", err)
	case errors.Is(err, offline.ErrNotFailed):
		writeError(w, http.StatusConflict, "Operation is not failed", err)
	case stay.IsNotFound(err),
		errors.Is(err, offline.ErrOperationNotFound),
		errors.Is(err, offline.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "Not found", err)
	case stay.IsClientError(err),
		errors.Is(err, offline.ErrInvalidOperation),
		errors.Is(err, tax.ErrUnknownTenant):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	default:
		h.log.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err)
		writeError(w, http.StatusInternalServerError, "Internal error, please retry", nil)
	}
}

// decodeJSON decodes an optional request body. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// actor picks the acting user: body field, then X-Actor header, then "api".
func actor(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "api"
}

func folioID(r *http.Request) folio.FolioID {
	return folio.FolioID(chi.URLParam(r, "id"))
}

func queryBool(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return b
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
