/*
scenarios.go - Demo property loaders for testing and demonstrations

PURPOSE:

	Provides pre-built hotel states for demos and manual testing. Each
	scenario seeds rooms, guests and reservations for one tenant, then
	drives real transitions through the Coordinator so folios, room
	statuses and the audit trail are exactly what production would write.

AVAILABLE SCENARIOS:

	front-desk:   A morning at reception: arrivals, an in-house guest, an out-of-order room
	checkout-day: Three in-house guests: settled, outstanding balance, overpaid
	drift:        A folio whose stored totals disagree with its line items, and an orphaned room

HOW SCENARIOS WORK:
 1. Seed rooms, guests and reservations in one store transaction
 2. Check guests in through the Coordinator (folio opened, initial charges posted)
 3. Post payments and extra charges through the Coordinator
 4. The drift scenario then rewrites stored state behind the ledger's back

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "checkout-day", "tenant_id": "demo-hotel"}

NOTE:

	Scenarios never delete data. IDs are derived from the tenant and
	scenario, so loading the same scenario twice for a tenant is refused
	with 409. The tenant must have a tax configuration.

SEE ALSO:
  - handlers.go: Coordinator-backed endpoints the scenarios exercise
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/folio-engine/folio"
	"github.com/warp/folio-engine/stay"
	"github.com/warp/folio-engine/tax"
)

// DefaultScenarioTenant is used when a load request names no tenant.
const DefaultScenarioTenant = "demo-hotel"

const scenarioActor = "system:scenario"

// ErrScenarioLoaded is returned when a scenario's data already exists.
var ErrScenarioLoaded = errors.New("scenario already loaded")

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "front-desk",
		Name:        "Front Desk Morning",
		Description: "Two arrivals, one in-house guest with a part-paid folio, one out-of-order room",
	},
	{
		ID:          "checkout-day",
		Name:        "Checkout Day",
		Description: "Three in-house guests: one settled, one with an outstanding balance, one in credit",
	},
	{
		ID:          "drift",
		Name:        "Ledger Drift",
		Description: "Stored folio totals that disagree with the line items, and a room marked occupied with no stay",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario handles POST /api/scenarios/load.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.TenantID == "" {
		req.TenantID = DefaultScenarioTenant
	}

	err := h.Seed(r.Context(), req.ScenarioID, req.TenantID)
	switch {
	case errors.Is(err, errUnknownScenario):
		writeError(w, http.StatusBadRequest, "Unknown scenario", err)
		return
	case errors.Is(err, ErrScenarioLoaded):
		writeError(w, http.StatusConflict, "Scenario already loaded", err)
		return
	case errors.Is(err, tax.ErrUnknownTenant):
		writeError(w, http.StatusBadRequest, "Tenant has no tax configuration", err)
		return
	case err != nil:
		h.writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID, "tenant_id": req.TenantID})
}

var errUnknownScenario = errors.New("unknown scenario")

// Seed loads a scenario for a tenant. It is also used by the CLI.
func (h *Handler) Seed(ctx context.Context, scenarioID, tenantID string) error {
	var err error
	switch scenarioID {
	case "front-desk":
		err = h.loadFrontDeskScenario(ctx, tenantID)
	case "checkout-day":
		err = h.loadCheckoutDayScenario(ctx, tenantID)
	case "drift":
		err = h.loadDriftScenario(ctx, tenantID)
	default:
		return fmt.Errorf("%w: %q", errUnknownScenario, scenarioID)
	}
	if err != nil {
		return fmt.Errorf("load scenario %s: %w", scenarioID, err)
	}

	h.mu.Lock()
	h.currentScenario = scenarioID
	h.mu.Unlock()
	h.log.Info("scenario loaded", "scenario", scenarioID, "tenant_id", tenantID)
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadFrontDeskScenario(ctx context.Context, tenant string) error {
	today := dayStart(time.Now())
	ids := scenarioIDs(tenant, "fd")

	rooms := []stay.Room{
		newRoom(tenant, ids("room-101"), "101", stay.RoomAvailable),
		newRoom(tenant, ids("room-102"), "102", stay.RoomReserved),
		newRoom(tenant, ids("room-103"), "103", stay.RoomAvailable),
		newRoom(tenant, ids("room-104"), "104", stay.RoomOutOfOrder),
	}
	guests := []stay.Guest{
		{ID: ids("guest-ada"), TenantID: tenant, Name: "Ada Okafor", Email: "ada@example.com"},
		{ID: ids("guest-lin"), TenantID: tenant, Name: "Lin Chen", Phone: "+2348000000001"},
		{ID: ids("guest-emb"), TenantID: tenant, Name: "Embassy Delegation", TaxExempt: true},
	}
	reservations := []stay.Reservation{
		reservation(tenant, ids("res-arrival"), guests[0].ID, rooms[1].ID, today, 2, "240.00"),
		reservation(tenant, ids("res-inhouse"), guests[1].ID, rooms[2].ID, today.AddDate(0, 0, -1), 3, "360.00"),
		reservation(tenant, ids("res-future"), guests[2].ID, rooms[0].ID, today.AddDate(0, 0, 5), 4, "480.00"),
	}
	if err := h.seed(ctx, rooms, guests, reservations); err != nil {
		return err
	}

	res, err := h.checkIn(ctx, ids("res-inhouse"),
		charge(tax.ChargeRoom, "Room 103, night 1", "120.00"),
		charge(tax.ChargeFood, "Breakfast", "18.50"))
	if err != nil {
		return err
	}
	_, _, err = h.Coordinator.PostPayment(ctx, res.FolioID, folio.PaymentInput{
		Amount:         decimal.RequireFromString("100.00"),
		Method:         string(folio.MethodCard),
		Reference:      "deposit",
		ProcessedBy:    scenarioActor,
		IdempotencyKey: ids("pay-deposit"),
	})
	return err
}

func (h *Handler) loadCheckoutDayScenario(ctx context.Context, tenant string) error {
	today := dayStart(time.Now())
	ids := scenarioIDs(tenant, "co")

	rooms := []stay.Room{
		newRoom(tenant, ids("room-201"), "201", stay.RoomAvailable),
		newRoom(tenant, ids("room-202"), "202", stay.RoomAvailable),
		newRoom(tenant, ids("room-203"), "203", stay.RoomAvailable),
	}
	guests := []stay.Guest{
		{ID: ids("guest-settled"), TenantID: tenant, Name: "Kemi Adeyemi"},
		{ID: ids("guest-owing"), TenantID: tenant, Name: "Tomas Novak"},
		{ID: ids("guest-credit"), TenantID: tenant, Name: "Priya Nair"},
	}
	start := today.AddDate(0, 0, -2)
	reservations := []stay.Reservation{
		reservation(tenant, ids("res-settled"), guests[0].ID, rooms[0].ID, start, 2, "200.00"),
		reservation(tenant, ids("res-owing"), guests[1].ID, rooms[1].ID, start, 2, "200.00"),
		reservation(tenant, ids("res-credit"), guests[2].ID, rooms[2].ID, start, 2, "200.00"),
	}
	if err := h.seed(ctx, rooms, guests, reservations); err != nil {
		return err
	}

	for i, r := range reservations {
		res, err := h.checkIn(ctx, r.ID,
			charge(tax.ChargeRoom, "Room night 1", "100.00"),
			charge(tax.ChargeRoom, "Room night 2", "100.00"))
		if err != nil {
			return err
		}
		f, err := h.Coordinator.Store().GetFolio(ctx, res.FolioID)
		if err != nil {
			return err
		}
		// settled pays the balance, owing pays half, credit overpays by 50.
		amount := f.Balance
		switch i {
		case 1:
			amount = f.Balance.Div(decimal.NewFromInt(2)).Round(2)
		case 2:
			amount = f.Balance.Add(decimal.NewFromInt(50))
		}
		if _, _, err := h.Coordinator.PostPayment(ctx, f.ID, folio.PaymentInput{
			Amount:         amount,
			Method:         string(folio.MethodCash),
			ProcessedBy:    scenarioActor,
			IdempotencyKey: ids(fmt.Sprintf("pay-%d", i)),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadDriftScenario(ctx context.Context, tenant string) error {
	today := dayStart(time.Now())
	ids := scenarioIDs(tenant, "dr")

	rooms := []stay.Room{
		newRoom(tenant, ids("room-301"), "301", stay.RoomAvailable),
		// Marked occupied with no reservation behind it.
		newRoom(tenant, ids("room-302"), "302", stay.RoomOccupied),
	}
	guests := []stay.Guest{{ID: ids("guest-drift"), TenantID: tenant, Name: "Jon Weber"}}
	reservations := []stay.Reservation{
		reservation(tenant, ids("res-drift"), guests[0].ID, rooms[0].ID, today, 1, "150.00"),
	}
	if err := h.seed(ctx, rooms, guests, reservations); err != nil {
		return err
	}

	res, err := h.checkIn(ctx, ids("res-drift"),
		charge(tax.ChargeRoom, "Room 301", "150.00"),
		charge(tax.ChargeBeverage, "Minibar", "12.00"))
	if err != nil {
		return err
	}

	store := h.Coordinator.Store()
	return store.WithTx(ctx, func(tx stay.Store) error {
		f, err := tx.GetFolio(ctx, res.FolioID)
		if err != nil {
			return err
		}
		f.TotalCharges = f.TotalCharges.Sub(decimal.RequireFromString("12.00"))
		f.Balance = f.TotalCharges.Sub(f.TotalPayments)
		f.Status = folio.StatusPaid
		return tx.SaveFolio(ctx, *f)
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// seed writes base entities in one transaction. A reservation that is
// already past confirmed means the scenario was loaded before.
func (h *Handler) seed(ctx context.Context, rooms []stay.Room, guests []stay.Guest, reservations []stay.Reservation) error {
	return h.Coordinator.Store().WithTx(ctx, func(tx stay.Store) error {
		for _, r := range reservations {
			existing, err := tx.GetReservation(ctx, r.ID)
			if err == nil && existing.Status != stay.StatusConfirmed {
				return fmt.Errorf("%w: reservation %s is %s", ErrScenarioLoaded, r.ID, existing.Status)
			}
			if err != nil && !errors.Is(err, stay.ErrReservationNotFound) {
				return err
			}
		}
		for _, room := range rooms {
			if err := tx.SaveRoom(ctx, room); err != nil {
				return err
			}
		}
		for _, g := range guests {
			if err := tx.UpsertGuest(ctx, g); err != nil {
				return err
			}
		}
		for _, r := range reservations {
			if err := tx.SaveReservation(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
}

func (h *Handler) checkIn(ctx context.Context, reservationID string, charges ...folio.ChargeInput) (*stay.Result, error) {
	for i := range charges {
		charges[i].IdempotencyKey = fmt.Sprintf("%s:charge:%d", reservationID, i)
	}
	res, err := h.Coordinator.CheckIn(ctx, stay.CheckInRequest{
		ReservationID:  reservationID,
		Actor:          scenarioActor,
		InitialCharges: charges,
	})
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("check-in of %s rejected: %s", reservationID, res.Message)
	}
	return res, nil
}

func (h *Handler) room(tenant, id, number string, status stay.RoomStatus) stay.Room {
	return stay.Room{ID: id, TenantID: tenant, Number: number, Status: status, UpdatedAt: time.Now().UTC()}
}

func reservation(tenant, id, guestID, roomID string, checkIn time.Time, nights int, total string) stay.Reservation {
	return stay.Reservation{
		ID:       id,
		TenantID: tenant,
		GuestID:  guestID,
		RoomID:   roomID,
		CheckIn:  checkIn,
		CheckOut: checkIn.AddDate(0, 0, nights),
		Status:   stay.StatusConfirmed,
		Total:    decimal.RequireFromString(total),
	}
}

func charge(t tax.ChargeType, description, amount string) folio.ChargeInput {
	return folio.ChargeInput{
		Type:              t,
		Description:       description,
		BaseAmount:        decimal.RequireFromString(amount),
		Taxable:           true,
		ServiceChargeable: true,
		PostedBy:          scenarioActor,
	}
}

// scenarioIDs namespaces ids by tenant and scenario.
func scenarioIDs(tenant, scenario string) func(string) string {
	return func(name string) string { return tenant + "-" + scenario + "-" + name }
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
