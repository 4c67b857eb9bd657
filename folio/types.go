/*
Package folio maintains the charge/payment ledger for a guest stay.

PURPOSE:
  A folio is the running bill of one stay. Charges and payments are
  immutable line items; the folio's aggregate fields (total charges,
  total payments, balance, status) are derived from them and stored for
  fast reads. The Validator recomputes the aggregates independently and
  reports drift.

KEY CONCEPTS IN THIS FILE (types.go):
  - Folio: aggregate header with a version token
  - Charge: taxed line item (never edited; corrected by reversal entries)
  - Payment: money received, in a canonical payment method
  - Aggregate: totals derived from line items

INVARIANTS:
  1. Balance == TotalCharges - TotalPayments (within one cent)
  2. Status is a pure function of Balance and whether payments exist
  3. Every mutation increments Version

SEE ALSO:
  - ledger.go: posting and recomputation
  - validator.go: drift detection and auto-fix
  - payment.go: canonical payment methods and tenant mapping tables
*/
package folio

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/folio-engine/tax"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type FolioID string
type ChargeID string
type PaymentID string

// =============================================================================
// FOLIO STATUS
// =============================================================================

type Status string

const (
	StatusUnpaid   Status = "unpaid"
	StatusPartial  Status = "partial"
	StatusPaid     Status = "paid"
	StatusOverpaid Status = "overpaid"
)

// DeriveStatus maps a balance to a folio status.
//   - paid:     |balance| <= tolerance
//   - overpaid: balance < -tolerance
//   - partial:  balance owed, some payment received
//   - unpaid:   balance owed, nothing received
func DeriveStatus(balance decimal.Decimal, hasPayments bool) Status {
	switch {
	case balance.Abs().LessThanOrEqual(tax.Tolerance):
		return StatusPaid
	case balance.LessThan(tax.Tolerance.Neg()):
		return StatusOverpaid
	case hasPayments:
		return StatusPartial
	default:
		return StatusUnpaid
	}
}

// CanCheckOut reports whether a balance permits checkout (paid or overpaid).
func CanCheckOut(balance decimal.Decimal) bool {
	return balance.LessThanOrEqual(tax.Tolerance)
}

// =============================================================================
// FOLIO
// =============================================================================

type Folio struct {
	ID            FolioID
	TenantID      string
	ReservationID string

	TotalCharges  decimal.Decimal
	TotalPayments decimal.Decimal
	Balance       decimal.Decimal
	Status        Status

	// Version is a read-modify-write token, bumped on every mutation.
	Version int64

	OpenedAt time.Time
	ClosedAt *time.Time
}

func (f Folio) IsClosed() bool { return f.ClosedAt != nil }

// Credit is the amount owed back to the guest, zero unless overpaid.
func (f Folio) Credit() decimal.Decimal {
	if f.Balance.IsNegative() {
		return f.Balance.Neg()
	}
	return decimal.Zero
}

// =============================================================================
// LINE ITEMS
// =============================================================================

type Charge struct {
	ID          ChargeID
	FolioID     FolioID
	Type        tax.ChargeType
	Description string

	// BaseAmount is the amount the calculator was given. Reposting must use
	// this value, never Total.
	BaseAmount decimal.Decimal
	// Net is the pre-tax base after inclusive components were extracted.
	Net           decimal.Decimal
	VAT           decimal.Decimal
	ServiceCharge decimal.Decimal
	Total         decimal.Decimal
	Breakdown     []tax.Line

	// ReversalOf is set on reversal entries; amounts are negated.
	ReversalOf     ChargeID
	Reason         string
	IdempotencyKey string

	PostedBy string
	PostedAt time.Time
}

func (c Charge) IsReversal() bool { return c.ReversalOf != "" }

type PaymentStatus string

const (
	PaymentCompleted PaymentStatus = "completed"
	PaymentPending   PaymentStatus = "pending"
	PaymentFailed    PaymentStatus = "failed"
)

type Payment struct {
	ID             PaymentID
	FolioID        FolioID
	Amount         decimal.Decimal
	Method         Method
	Status         PaymentStatus
	Reference      string
	IdempotencyKey string

	ProcessedBy string
	ReceivedAt  time.Time
}

// =============================================================================
// INPUTS
// =============================================================================

// ChargeInput describes a charge to post. BaseAmount is untaxed (or the
// gross quote when the tenant prices inclusively).
type ChargeInput struct {
	Type              tax.ChargeType
	Description       string
	BaseAmount        decimal.Decimal
	Taxable           bool
	ServiceChargeable bool
	GuestTaxExempt    bool
	PostedBy          string
	IdempotencyKey    string

	// ExpectedVersion, when set, must match the folio's current version.
	ExpectedVersion *int64
}

// PaymentInput describes a payment. Method is the caller's free-form name;
// it is resolved through the tenant's mapping table.
type PaymentInput struct {
	Amount         decimal.Decimal
	Method         string
	Status         PaymentStatus
	Reference      string
	ProcessedBy    string
	IdempotencyKey string

	ExpectedVersion *int64
}

// =============================================================================
// DERIVED VIEWS
// =============================================================================

// Aggregate holds totals derived from line items.
type Aggregate struct {
	TotalCharges  decimal.Decimal
	TotalPayments decimal.Decimal
	Balance       decimal.Decimal
	Status        Status
}

// Derive computes the aggregate from line items. Only completed payments count.
func Derive(charges []Charge, payments []Payment) Aggregate {
	totalCharges := decimal.Zero
	for _, c := range charges {
		totalCharges = totalCharges.Add(c.Total)
	}
	totalPayments := decimal.Zero
	paid := false
	for _, p := range payments {
		if p.Status != PaymentCompleted {
			continue
		}
		totalPayments = totalPayments.Add(p.Amount)
		paid = true
	}
	totalCharges = tax.Round(totalCharges)
	totalPayments = tax.Round(totalPayments)
	balance := totalCharges.Sub(totalPayments)
	return Aggregate{
		TotalCharges:  totalCharges,
		TotalPayments: totalPayments,
		Balance:       balance,
		Status:        DeriveStatus(balance, paid),
	}
}

// TaxSummary sums the tax components of all charges.
type TaxSummary struct {
	Base          decimal.Decimal `json:"base"`
	VAT           decimal.Decimal `json:"vat"`
	ServiceCharge decimal.Decimal `json:"service_charge"`
	Total         decimal.Decimal `json:"total"`
}

// Breakdown is the outward ledger view of one folio.
type Breakdown struct {
	Folio    Folio
	Charges  []Charge
	Payments []Payment
	Taxes    TaxSummary
}

func summarizeTaxes(charges []Charge) TaxSummary {
	s := TaxSummary{Base: decimal.Zero, VAT: decimal.Zero, ServiceCharge: decimal.Zero, Total: decimal.Zero}
	for _, c := range charges {
		s.Base = s.Base.Add(c.Net)
		s.VAT = s.VAT.Add(c.VAT)
		s.ServiceCharge = s.ServiceCharge.Add(c.ServiceCharge)
		s.Total = s.Total.Add(c.Total)
	}
	return s
}
