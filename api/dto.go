/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain types in folio
  carry no JSON tags; these DTOs are the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are decimal strings with two places ("118.25"), never floats.

TYPES:
  Transitions: CheckInRequest, CheckOutRequest, CancelRequest (stay.Result is returned as-is)
  Folio:       FolioDTO, ChargeDTO, PaymentDTO, BreakdownDTO
  Admin:       ReverseRequest, ReconcileResponse
  Offline:     EnqueueRequest, SessionRequest
  Scenarios:   ScenarioDTO, LoadScenarioRequest

SEE ALSO:
  - handlers.go: Uses these types
  - stay/replay.go: payload types shared with the offline queue
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/warp/folio-engine/folio"
	"github.com/warp/folio-engine/stay"
	"github.com/warp/folio-engine/tax"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CheckInRequest is the body of POST /api/reservations/{id}/check-in.
type CheckInRequest struct {
	RoomID         string               `json:"room_id,omitempty"`
	Actor          string               `json:"actor,omitempty"`
	Guest          *stay.Guest          `json:"guest,omitempty"`
	InitialCharges []stay.ChargePayload `json:"initial_charges,omitempty"`
}

type CheckOutRequest struct {
	Actor string `json:"actor,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
	Actor  string `json:"actor,omitempty"`
}

type ReverseRequest struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason"`
}

// EnqueueRequest queues an operation captured while offline.
type EnqueueRequest struct {
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Priority  int             `json:"priority,omitempty"`
}

// SessionRequest stores session metadata for an offline-capable client.
type SessionRequest struct {
	TenantID      string          `json:"tenant_id"`
	ReservationID string          `json:"reservation_id,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// =============================================================================
// FOLIO RESPONSES
// =============================================================================

type FolioDTO struct {
	ID            string  `json:"id"`
	TenantID      string  `json:"tenant_id"`
	ReservationID string  `json:"reservation_id"`
	TotalCharges  string  `json:"total_charges"`
	TotalPayments string  `json:"total_payments"`
	Balance       string  `json:"balance"`
	Credit        string  `json:"credit"`
	Status        string  `json:"status"`
	Version       int64   `json:"version"`
	OpenedAt      string  `json:"opened_at"`
	ClosedAt      *string `json:"closed_at,omitempty"`
}

type TaxLineDTO struct {
	Component string `json:"component"`
	Rate      string `json:"rate"`
	Amount    string `json:"amount"`
	Inclusive bool   `json:"inclusive"`
}

type ChargeDTO struct {
	ID             string       `json:"id"`
	Type           string       `json:"type"`
	Description    string       `json:"description"`
	BaseAmount     string       `json:"base_amount"`
	Net            string       `json:"net"`
	VAT            string       `json:"vat"`
	ServiceCharge  string       `json:"service_charge"`
	Total          string       `json:"total"`
	Breakdown      []TaxLineDTO `json:"breakdown,omitempty"`
	ReversalOf     string       `json:"reversal_of,omitempty"`
	Reason         string       `json:"reason,omitempty"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	PostedBy       string       `json:"posted_by,omitempty"`
	PostedAt       string       `json:"posted_at"`
}

type PaymentDTO struct {
	ID             string `json:"id"`
	Amount         string `json:"amount"`
	Method         string `json:"method"`
	Status         string `json:"status"`
	Reference      string `json:"reference,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	ProcessedBy    string `json:"processed_by,omitempty"`
	ReceivedAt     string `json:"received_at"`
}

type TaxSummaryDTO struct {
	Base          string `json:"base"`
	VAT           string `json:"vat"`
	ServiceCharge string `json:"service_charge"`
	Total         string `json:"total"`
}

// BreakdownDTO is the outward folio view: header, line items and tax sums.
type BreakdownDTO struct {
	FolioDTO
	Charges      []ChargeDTO   `json:"charges"`
	Payments     []PaymentDTO  `json:"payments"`
	TaxBreakdown TaxSummaryDTO `json:"tax_breakdown"`
}

// ChargeResponse is returned after posting or reversing a charge.
type ChargeResponse struct {
	Charge ChargeDTO `json:"charge"`
	Folio  FolioDTO  `json:"folio"`
}

type PaymentResponse struct {
	Payment PaymentDTO `json:"payment"`
	Folio   FolioDTO   `json:"folio"`
}

// ReconcileResponse wraps validator reports.
type ReconcileResponse struct {
	Checked int            `json:"checked,omitempty"`
	Reports []folio.Report `json:"reports"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
	TenantID   string `json:"tenant_id,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toFolioDTO(f folio.Folio) FolioDTO {
	dto := FolioDTO{
		ID:            string(f.ID),
		TenantID:      f.TenantID,
		ReservationID: f.ReservationID,
		TotalCharges:  f.TotalCharges.StringFixed(2),
		TotalPayments: f.TotalPayments.StringFixed(2),
		Balance:       f.Balance.StringFixed(2),
		Credit:        f.Credit().StringFixed(2),
		Status:        string(f.Status),
		Version:       f.Version,
		OpenedAt:      f.OpenedAt.Format(time.RFC3339),
	}
	if f.ClosedAt != nil {
		s := f.ClosedAt.Format(time.RFC3339)
		dto.ClosedAt = &s
	}
	return dto
}

func toChargeDTO(c folio.Charge) ChargeDTO {
	dto := ChargeDTO{
		ID:             string(c.ID),
		Type:           string(c.Type),
		Description:    c.Description,
		BaseAmount:     c.BaseAmount.StringFixed(2),
		Net:            c.Net.StringFixed(2),
		VAT:            c.VAT.StringFixed(2),
		ServiceCharge:  c.ServiceCharge.StringFixed(2),
		Total:          c.Total.StringFixed(2),
		ReversalOf:     string(c.ReversalOf),
		Reason:         c.Reason,
		IdempotencyKey: c.IdempotencyKey,
		PostedBy:       c.PostedBy,
		PostedAt:       c.PostedAt.Format(time.RFC3339),
	}
	for _, l := range c.Breakdown {
		dto.Breakdown = append(dto.Breakdown, toTaxLineDTO(l))
	}
	return dto
}

func toTaxLineDTO(l tax.Line) TaxLineDTO {
	return TaxLineDTO{
		Component: string(l.Component),
		Rate:      l.Rate.String(),
		Amount:    l.Amount.StringFixed(2),
		Inclusive: l.Inclusive,
	}
}

func toPaymentDTO(p folio.Payment) PaymentDTO {
	return PaymentDTO{
		ID:             string(p.ID),
		Amount:         p.Amount.StringFixed(2),
		Method:         string(p.Method),
		Status:         string(p.Status),
		Reference:      p.Reference,
		IdempotencyKey: p.IdempotencyKey,
		ProcessedBy:    p.ProcessedBy,
		ReceivedAt:     p.ReceivedAt.Format(time.RFC3339),
	}
}

func toBreakdownDTO(b *folio.Breakdown) BreakdownDTO {
	dto := BreakdownDTO{
		FolioDTO: toFolioDTO(b.Folio),
		Charges:  make([]ChargeDTO, 0, len(b.Charges)),
		Payments: make([]PaymentDTO, 0, len(b.Payments)),
		TaxBreakdown: TaxSummaryDTO{
			Base:          b.Taxes.Base.StringFixed(2),
			VAT:           b.Taxes.VAT.StringFixed(2),
			ServiceCharge: b.Taxes.ServiceCharge.StringFixed(2),
			Total:         b.Taxes.Total.StringFixed(2),
		},
	}
	for _, c := range b.Charges {
		dto.Charges = append(dto.Charges, toChargeDTO(c))
	}
	for _, p := range b.Payments {
		dto.Payments = append(dto.Payments, toPaymentDTO(p))
	}
	return dto
}
