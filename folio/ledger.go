/*
ledger.go - Posting charges and payments

POSTING FLOW:
  PostCharge:  validate -> tax.Compute -> append Charge -> recompute folio
  PostPayment: validate -> resolve method -> append Payment -> recompute folio

  Recompute re-derives the folio header from ALL line items every time.
  There is no incremental "balance += amount" path that could drift.

IDEMPOTENCY:
  A charge or payment carrying an idempotency key that was already used
  returns the original entry and the current folio unchanged.

ATOMICITY:
  Ledger methods issue several writes. Run them against a Store bound to a
  transaction (the stay Coordinator does this under its advisory lock).
*/
package folio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/folio-engine/tax"
)

type Ledger struct {
	Store   Store
	Taxes   tax.ConfigSource
	Methods MethodSource

	Now   func() time.Time
	NewID func() string
}

func NewLedger(store Store, taxes tax.ConfigSource, methods MethodSource) *Ledger {
	return &Ledger{
		Store:   store,
		Taxes:   taxes,
		Methods: methods,
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   func() string { return uuid.New().String() },
	}
}

// Open returns the reservation's open folio, creating one if none exists.
// The boolean reports whether a new folio was created.
func (l *Ledger) Open(ctx context.Context, tenantID, reservationID string) (*Folio, bool, error) {
	if reservationID == "" {
		return nil, false, fmt.Errorf("%w: empty reservation id", ErrInvalidID)
	}
	existing, err := l.Store.FolioForReservation(ctx, reservationID)
	switch {
	case err == nil && !existing.IsClosed():
		return existing, false, nil
	case err != nil && !IsNotFound(err):
		return nil, false, err
	}

	f := Folio{
		ID:            FolioID(l.NewID()),
		TenantID:      tenantID,
		ReservationID: reservationID,
		TotalCharges:  decimal.Zero,
		TotalPayments: decimal.Zero,
		Balance:       decimal.Zero,
		Status:        DeriveStatus(decimal.Zero, false),
		Version:       1,
		OpenedAt:      l.Now(),
	}
	if err := l.Store.SaveFolio(ctx, f); err != nil {
		return nil, false, fmt.Errorf("failed to open folio: %w", err)
	}
	return &f, true, nil
}

// PostCharge taxes and appends a charge, then recomputes the folio.
func (l *Ledger) PostCharge(ctx context.Context, folioID FolioID, in ChargeInput) (*Charge, *Folio, error) {
	if err := validateCharge(in); err != nil {
		return nil, nil, err
	}
	f, err := l.openFolio(ctx, folioID, in.ExpectedVersion)
	if err != nil {
		return nil, nil, err
	}

	if in.IdempotencyKey != "" {
		prior, err := l.Store.FindChargeByKey(ctx, f.ID, in.IdempotencyKey)
		if err != nil {
			return nil, nil, err
		}
		if prior != nil {
			return prior, f, nil
		}
	}

	cfg, err := l.Taxes.TaxConfig(ctx, f.TenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load tax configuration: %w", err)
	}
	res := tax.Compute(tax.Input{
		BaseAmount:        in.BaseAmount,
		ChargeType:        in.Type,
		Taxable:           in.Taxable,
		ServiceChargeable: in.ServiceChargeable,
		GuestTaxExempt:    in.GuestTaxExempt,
	}, cfg)

	c := Charge{
		ID:             ChargeID(l.NewID()),
		FolioID:        f.ID,
		Type:           in.Type,
		Description:    in.Description,
		BaseAmount:     in.BaseAmount,
		Net:            res.Base,
		VAT:            res.VAT,
		ServiceCharge:  res.ServiceCharge,
		Total:          res.Total,
		Breakdown:      res.Breakdown,
		IdempotencyKey: in.IdempotencyKey,
		PostedBy:       in.PostedBy,
		PostedAt:       l.Now(),
	}
	if err := l.Store.AppendCharge(ctx, c); err != nil {
		return nil, nil, fmt.Errorf("failed to append charge: %w", err)
	}

	updated, err := l.Recompute(ctx, f.ID)
	if err != nil {
		return nil, nil, err
	}
	return &c, updated, nil
}

// PostPayment validates and appends a payment, then recomputes the folio.
func (l *Ledger) PostPayment(ctx context.Context, folioID FolioID, in PaymentInput) (*Payment, *Folio, error) {
	// Checked after rounding: a sub-cent amount would be stored as 0.00.
	if !tax.Round(in.Amount).IsPositive() {
		return nil, nil, &PaymentValidationError{Field: "amount", Amount: in.Amount, Reason: "must be at least 0.01"}
	}
	f, err := l.openFolio(ctx, folioID, in.ExpectedVersion)
	if err != nil {
		return nil, nil, err
	}

	table, err := l.Methods.PaymentMethods(ctx, f.TenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load payment methods: %w", err)
	}
	method, err := table.Resolve(in.Method)
	if err != nil {
		var um *UnsupportedPaymentMethodError
		if errors.As(err, &um) {
			um.TenantID = f.TenantID
		}
		return nil, nil, err
	}

	if in.IdempotencyKey != "" {
		prior, err := l.Store.FindPaymentByKey(ctx, f.ID, in.IdempotencyKey)
		if err != nil {
			return nil, nil, err
		}
		if prior != nil {
			return prior, f, nil
		}
	}

	status := in.Status
	if status == "" {
		status = PaymentCompleted
	}
	p := Payment{
		ID:             PaymentID(l.NewID()),
		FolioID:        f.ID,
		Amount:         tax.Round(in.Amount),
		Method:         method,
		Status:         status,
		Reference:      in.Reference,
		IdempotencyKey: in.IdempotencyKey,
		ProcessedBy:    in.ProcessedBy,
		ReceivedAt:     l.Now(),
	}
	if err := l.Store.AppendPayment(ctx, p); err != nil {
		return nil, nil, fmt.Errorf("failed to append payment: %w", err)
	}

	updated, err := l.Recompute(ctx, f.ID)
	if err != nil {
		return nil, nil, err
	}
	return &p, updated, nil
}

// ReverseCharge appends a mirror entry with negated amounts. The original
// charge is left untouched.
func (l *Ledger) ReverseCharge(ctx context.Context, folioID FolioID, chargeID ChargeID, actor, reason string) (*Charge, *Folio, error) {
	f, err := l.openFolio(ctx, folioID, nil)
	if err != nil {
		return nil, nil, err
	}
	charges, err := l.Store.Charges(ctx, f.ID)
	if err != nil {
		return nil, nil, err
	}

	var original *Charge
	for i := range charges {
		c := charges[i]
		if c.ReversalOf == chargeID {
			return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyReversed, chargeID)
		}
		if c.ID == chargeID {
			original = &c
		}
	}
	if original == nil || original.IsReversal() {
		return nil, nil, fmt.Errorf("%w: %s", ErrChargeNotFound, chargeID)
	}

	rev := Charge{
		ID:            ChargeID(l.NewID()),
		FolioID:       f.ID,
		Type:          original.Type,
		Description:   "Reversal: " + original.Description,
		BaseAmount:    original.BaseAmount.Neg(),
		Net:           original.Net.Neg(),
		VAT:           original.VAT.Neg(),
		ServiceCharge: original.ServiceCharge.Neg(),
		Total:         original.Total.Neg(),
		Breakdown:     negateLines(original.Breakdown),
		ReversalOf:    original.ID,
		Reason:        reason,
		PostedBy:      actor,
		PostedAt:      l.Now(),
	}
	if err := l.Store.AppendCharge(ctx, rev); err != nil {
		return nil, nil, fmt.Errorf("failed to append reversal: %w", err)
	}
	updated, err := l.Recompute(ctx, f.ID)
	if err != nil {
		return nil, nil, err
	}
	return &rev, updated, nil
}

// Recompute re-derives and persists the folio header from its line items.
func (l *Ledger) Recompute(ctx context.Context, folioID FolioID) (*Folio, error) {
	f, err := l.Store.GetFolio(ctx, folioID)
	if err != nil {
		return nil, err
	}
	agg, err := l.derive(ctx, f.ID)
	if err != nil {
		return nil, err
	}
	applyAggregate(f, agg)
	f.Version++
	if err := l.Store.SaveFolio(ctx, *f); err != nil {
		return nil, fmt.Errorf("failed to save folio: %w", err)
	}
	return f, nil
}

// Close stamps ClosedAt. Closing twice is rejected with ErrFolioClosed.
func (l *Ledger) Close(ctx context.Context, folioID FolioID) (*Folio, error) {
	f, err := l.Store.GetFolio(ctx, folioID)
	if err != nil {
		return nil, err
	}
	if f.IsClosed() {
		return nil, fmt.Errorf("%w: %s", ErrFolioClosed, f.ID)
	}
	agg, err := l.derive(ctx, f.ID)
	if err != nil {
		return nil, err
	}
	applyAggregate(f, agg)
	now := l.Now()
	f.ClosedAt = &now
	f.Version++
	if err := l.Store.SaveFolio(ctx, *f); err != nil {
		return nil, fmt.Errorf("failed to close folio: %w", err)
	}
	return f, nil
}

// Breakdown returns the folio with its line items and tax totals.
func (l *Ledger) Breakdown(ctx context.Context, folioID FolioID) (*Breakdown, error) {
	return LoadBreakdown(ctx, l.Store, folioID)
}

// LoadBreakdown reads a folio breakdown from any Store.
func LoadBreakdown(ctx context.Context, store Store, folioID FolioID) (*Breakdown, error) {
	if folioID == "" {
		return nil, fmt.Errorf("%w: empty folio id", ErrInvalidID)
	}
	f, err := store.GetFolio(ctx, folioID)
	if err != nil {
		return nil, err
	}
	charges, err := store.Charges(ctx, folioID)
	if err != nil {
		return nil, err
	}
	payments, err := store.Payments(ctx, folioID)
	if err != nil {
		return nil, err
	}
	return &Breakdown{
		Folio:    *f,
		Charges:  charges,
		Payments: payments,
		Taxes:    summarizeTaxes(charges),
	}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (l *Ledger) openFolio(ctx context.Context, folioID FolioID, expected *int64) (*Folio, error) {
	if folioID == "" {
		return nil, fmt.Errorf("%w: empty folio id", ErrInvalidID)
	}
	f, err := l.Store.GetFolio(ctx, folioID)
	if err != nil {
		return nil, err
	}
	if f.IsClosed() {
		return nil, fmt.Errorf("%w: %s", ErrFolioClosed, f.ID)
	}
	if expected != nil && *expected != f.Version {
		return nil, &VersionConflictError{FolioID: f.ID, Expected: *expected, Actual: f.Version}
	}
	return f, nil
}

func (l *Ledger) derive(ctx context.Context, folioID FolioID) (Aggregate, error) {
	charges, err := l.Store.Charges(ctx, folioID)
	if err != nil {
		return Aggregate{}, err
	}
	payments, err := l.Store.Payments(ctx, folioID)
	if err != nil {
		return Aggregate{}, err
	}
	return Derive(charges, payments), nil
}

func applyAggregate(f *Folio, agg Aggregate) {
	f.TotalCharges = agg.TotalCharges
	f.TotalPayments = agg.TotalPayments
	f.Balance = agg.Balance
	f.Status = agg.Status
}

func validateCharge(in ChargeInput) error {
	if !in.Type.Valid() {
		return &ChargeValidationError{Field: "type", Amount: in.BaseAmount, Reason: fmt.Sprintf("unknown charge type %q", in.Type)}
	}
	if !tax.Round(in.BaseAmount).IsPositive() {
		return &ChargeValidationError{Field: "amount", Amount: in.BaseAmount, Reason: "must be at least 0.01"}
	}
	return nil
}

func negateLines(lines []tax.Line) []tax.Line {
	out := make([]tax.Line, len(lines))
	for i, ln := range lines {
		ln.Amount = ln.Amount.Neg()
		out[i] = ln
	}
	return out
}
