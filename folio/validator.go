/*
validator.go - Independent recomputation of folio aggregates

The Validator never trusts the stored aggregate. It re-derives totals from
the raw line items and compares field by field, within a one-cent tolerance.

SEVERITY:
  - critical: total_charges, total_payments, balance (money is wrong)
  - warning:  status (label is wrong, money is right)

Validate is side-effect-free. AutoFix persists the derived values and bumps
the folio version; callers run it under the reservation lock.
*/
package folio

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/folio-engine/tax"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

type Discrepancy struct {
	Field      string          `json:"field"`
	Severity   Severity        `json:"severity"`
	Stored     string          `json:"stored"`
	Derived    string          `json:"derived"`
	Difference decimal.Decimal `json:"difference"`
}

type Report struct {
	FolioID       FolioID       `json:"folio_id"`
	TenantID      string        `json:"tenant_id"`
	CheckedAt     time.Time     `json:"checked_at"`
	Derived       Aggregate     `json:"-"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	Fixed         bool          `json:"fixed"`
}

func (r *Report) OK() bool { return len(r.Discrepancies) == 0 }

func (r *Report) HasCritical() bool {
	for _, d := range r.Discrepancies {
		if d.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

type Validator struct {
	Store Store
	Log   *slog.Logger
	Now   func() time.Time
}

func NewValidator(store Store, log *slog.Logger) *Validator {
	if log == nil {
		log = slog.Default()
	}
	return &Validator{
		Store: store,
		Log:   log,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

// Validate compares the stored aggregate against one derived from line items.
func (v *Validator) Validate(ctx context.Context, folioID FolioID) (*Report, error) {
	f, err := v.Store.GetFolio(ctx, folioID)
	if err != nil {
		return nil, err
	}
	return v.check(ctx, f)
}

// AutoFix validates and, if anything drifted, overwrites the stored
// aggregate with the derived one.
func (v *Validator) AutoFix(ctx context.Context, folioID FolioID) (*Report, error) {
	f, err := v.Store.GetFolio(ctx, folioID)
	if err != nil {
		return nil, err
	}
	report, err := v.check(ctx, f)
	if err != nil || report.OK() {
		return report, err
	}

	applyAggregate(f, report.Derived)
	f.Version++
	if err := v.Store.SaveFolio(ctx, *f); err != nil {
		return nil, fmt.Errorf("failed to persist corrected folio: %w", err)
	}
	report.Fixed = true
	v.Log.Info("folio aggregate corrected",
		"folio_id", f.ID,
		"tenant_id", f.TenantID,
		"discrepancies", len(report.Discrepancies),
		"version", f.Version,
	)
	return report, nil
}

// ValidateAll checks every open folio of a tenant ("" for all tenants) and
// returns only the reports with discrepancies.
func (v *Validator) ValidateAll(ctx context.Context, tenantID string, fix bool) ([]Report, error) {
	folios, err := v.Store.ListOpenFolios(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var out []Report
	for _, f := range folios {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		var r *Report
		if fix {
			r, err = v.AutoFix(ctx, f.ID)
		} else {
			r, err = v.Validate(ctx, f.ID)
		}
		if err != nil {
			return out, fmt.Errorf("folio %s: %w", f.ID, err)
		}
		if !r.OK() {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (v *Validator) check(ctx context.Context, f *Folio) (*Report, error) {
	charges, err := v.Store.Charges(ctx, f.ID)
	if err != nil {
		return nil, err
	}
	payments, err := v.Store.Payments(ctx, f.ID)
	if err != nil {
		return nil, err
	}
	derived := Derive(charges, payments)

	report := &Report{
		FolioID:   f.ID,
		TenantID:  f.TenantID,
		CheckedAt: v.Now(),
		Derived:   derived,
	}
	compareMoney(report, "total_charges", f.TotalCharges, derived.TotalCharges)
	compareMoney(report, "total_payments", f.TotalPayments, derived.TotalPayments)
	compareMoney(report, "balance", f.Balance, derived.Balance)
	if f.Status != derived.Status {
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			Field:      "status",
			Severity:   SeverityWarning,
			Stored:     string(f.Status),
			Derived:    string(derived.Status),
			Difference: decimal.Zero,
		})
	}

	if !report.OK() {
		v.Log.Warn("folio aggregate drift detected",
			"folio_id", f.ID,
			"tenant_id", f.TenantID,
			"critical", report.HasCritical(),
			"discrepancies", len(report.Discrepancies),
		)
	}
	return report, nil
}

func compareMoney(r *Report, field string, stored, derived decimal.Decimal) {
	if tax.WithinTolerance(stored, derived) {
		return
	}
	r.Discrepancies = append(r.Discrepancies, Discrepancy{
		Field:      field,
		Severity:   SeverityCritical,
		Stored:     stored.StringFixed(2),
		Derived:    derived.StringFixed(2),
		Difference: derived.Sub(stored),
	})
}
