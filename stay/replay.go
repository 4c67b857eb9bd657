package stay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/warp/folio-engine/folio"
	"github.com/warp/folio-engine/offline"
	"github.com/warp/folio-engine/tax"
)

// Offline operation types understood by the Replayer.
const (
	OpCheckIn       = "check_in"
	OpCheckOut      = "check_out"
	OpCancel        = "cancel"
	OpPostCharge    = "post_charge"
	OpPostPayment   = "post_payment"
	OpReverseCharge = "reverse_charge"
)

// =============================================================================
// PAYLOADS (shared with the HTTP API)
// =============================================================================

type ChargePayload struct {
	Type              tax.ChargeType  `json:"type"`
	Description       string          `json:"description"`
	Amount            decimal.Decimal `json:"amount"`
	Taxable           *bool           `json:"taxable,omitempty"`
	ServiceChargeable *bool           `json:"service_chargeable,omitempty"`
	GuestTaxExempt    bool            `json:"guest_tax_exempt,omitempty"`
	PostedBy          string          `json:"posted_by,omitempty"`
	IdempotencyKey    string          `json:"idempotency_key,omitempty"`
	ExpectedVersion   *int64          `json:"expected_version,omitempty"`
}

// Input converts the payload; taxable and service-chargeable default to true.
func (p ChargePayload) Input() folio.ChargeInput {
	return folio.ChargeInput{
		Type:              p.Type,
		Description:       p.Description,
		BaseAmount:        p.Amount,
		Taxable:           p.Taxable == nil || *p.Taxable,
		ServiceChargeable: p.ServiceChargeable == nil || *p.ServiceChargeable,
		GuestTaxExempt:    p.GuestTaxExempt,
		PostedBy:          p.PostedBy,
		IdempotencyKey:    p.IdempotencyKey,
		ExpectedVersion:   p.ExpectedVersion,
	}
}

type PaymentPayload struct {
	Amount          decimal.Decimal     `json:"amount"`
	Method          string              `json:"method"`
	Status          folio.PaymentStatus `json:"status,omitempty"`
	Reference       string              `json:"reference,omitempty"`
	ProcessedBy     string              `json:"processed_by,omitempty"`
	IdempotencyKey  string              `json:"idempotency_key,omitempty"`
	ExpectedVersion *int64              `json:"expected_version,omitempty"`
}

func (p PaymentPayload) Input() folio.PaymentInput {
	return folio.PaymentInput{
		Amount:          p.Amount,
		Method:          p.Method,
		Status:          p.Status,
		Reference:       p.Reference,
		ProcessedBy:     p.ProcessedBy,
		IdempotencyKey:  p.IdempotencyKey,
		ExpectedVersion: p.ExpectedVersion,
	}
}

type CheckInPayload struct {
	ReservationID  string          `json:"reservation_id"`
	RoomID         string          `json:"room_id,omitempty"`
	Actor          string          `json:"actor,omitempty"`
	Guest          *Guest          `json:"guest,omitempty"`
	InitialCharges []ChargePayload `json:"initial_charges,omitempty"`
}

func (p CheckInPayload) Request() CheckInRequest {
	req := CheckInRequest{ReservationID: p.ReservationID, RoomID: p.RoomID, Actor: p.Actor, Guest: p.Guest}
	for _, c := range p.InitialCharges {
		req.InitialCharges = append(req.InitialCharges, c.Input())
	}
	return req
}

type CheckOutPayload struct {
	ReservationID string `json:"reservation_id"`
	Actor         string `json:"actor,omitempty"`
}

type CancelPayload struct {
	ReservationID string `json:"reservation_id"`
	Reason        string `json:"reason,omitempty"`
	Actor         string `json:"actor,omitempty"`
}

type FolioChargePayload struct {
	FolioID folio.FolioID `json:"folio_id"`
	ChargePayload
}

type FolioPaymentPayload struct {
	FolioID folio.FolioID `json:"folio_id"`
	PaymentPayload
}

type ReversePayload struct {
	FolioID  folio.FolioID  `json:"folio_id"`
	ChargeID folio.ChargeID `json:"charge_id"`
	Actor    string         `json:"actor,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

// =============================================================================
// REPLAYER
// =============================================================================

// Replayer delivers queued offline operations to the Coordinator.
//
// Outcome mapping:
//   - success, or a rejection meaning the target state already holds -> delivered
//   - any other rejection, validation or lookup error -> permanent failure
//   - timeout, lock conflict, storage error -> retryable failure
type Replayer struct {
	c   *Coordinator
	log *slog.Logger
}

func NewReplayer(c *Coordinator, log *slog.Logger) *Replayer {
	if log == nil {
		log = slog.Default()
	}
	return &Replayer{c: c, log: log.With("component", "replayer")}
}

var _ offline.Deliverer = (*Replayer)(nil)

func (r *Replayer) Deliver(ctx context.Context, op offline.Operation) error {
	switch op.Type {
	case OpCheckIn:
		var p CheckInPayload
		if err := decode(op, &p); err != nil {
			return err
		}
		req := p.Request()
		for i := range req.InitialCharges {
			if req.InitialCharges[i].IdempotencyKey == "" {
				req.InitialCharges[i].IdempotencyKey = fmt.Sprintf("%s:%d", op.ID, i)
			}
		}
		res, err := r.c.CheckIn(ctx, req)
		return r.outcome(op, res, err)

	case OpCheckOut:
		var p CheckOutPayload
		if err := decode(op, &p); err != nil {
			return err
		}
		res, err := r.c.CheckOut(ctx, p.ReservationID, p.Actor)
		return r.outcome(op, res, err)

	case OpCancel:
		var p CancelPayload
		if err := decode(op, &p); err != nil {
			return err
		}
		res, err := r.c.Cancel(ctx, p.ReservationID, p.Reason, p.Actor)
		return r.outcome(op, res, err)

	case OpPostCharge:
		var p FolioChargePayload
		if err := decode(op, &p); err != nil {
			return err
		}
		in := p.Input()
		if in.IdempotencyKey == "" {
			in.IdempotencyKey = op.ID
		}
		_, _, err := r.c.PostCharge(ctx, p.FolioID, in)
		return r.outcome(op, nil, err)

	case OpPostPayment:
		var p FolioPaymentPayload
		if err := decode(op, &p); err != nil {
			return err
		}
		in := p.Input()
		if in.IdempotencyKey == "" {
			in.IdempotencyKey = op.ID
		}
		_, _, err := r.c.PostPayment(ctx, p.FolioID, in)
		return r.outcome(op, nil, err)

	case OpReverseCharge:
		var p ReversePayload
		if err := decode(op, &p); err != nil {
			return err
		}
		_, _, err := r.c.ReverseCharge(ctx, p.FolioID, p.ChargeID, p.Actor, p.Reason)
		if errors.Is(err, folio.ErrAlreadyReversed) {
			r.log.Info("replayed reversal already applied", "op_id", op.ID, "charge_id", p.ChargeID)
			return nil
		}
		return r.outcome(op, nil, err)
	}
	return offline.Permanent(fmt.Errorf("%w: unknown type %q", offline.ErrInvalidOperation, op.Type))
}

func (r *Replayer) outcome(op offline.Operation, res *Result, err error) error {
	if err != nil {
		if IsClientError(err) || IsNotFound(err) {
			return offline.Permanent(err)
		}
		return err
	}
	if res == nil || res.Success {
		return nil
	}
	if res.Code.InTargetState() {
		r.log.Info("replayed operation already applied", "op_id", op.ID, "type", op.Type, "code", res.Code)
		return nil
	}
	return offline.Permanent(fmt.Errorf("%s: %s", res.Code, res.Message))
}

func decode(op offline.Operation, v any) error {
	if err := json.Unmarshal(op.Payload, v); err != nil {
		return offline.Permanent(fmt.Errorf("%w: %v", offline.ErrInvalidOperation, err))
	}
	return nil
}
