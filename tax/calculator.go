package tax

import "github.com/shopspring/decimal"

// Tolerance is the rounding tolerance for money comparisons (one cent).
var Tolerance = decimal.New(1, -2)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Component names a part of a computed charge.
type Component string

const (
	ComponentBase          Component = "base"
	ComponentServiceCharge Component = "service_charge"
	ComponentVAT           Component = "vat"
)

// Input describes one billable item.
type Input struct {
	// BaseAmount is the untaxed base in exclusive mode, or the gross quoted
	// price when any component is configured inclusive.
	BaseAmount        decimal.Decimal
	ChargeType        ChargeType
	Taxable           bool
	ServiceChargeable bool
	GuestTaxExempt    bool
}

// Line is one row of the breakdown.
type Line struct {
	Component Component       `json:"component"`
	Rate      decimal.Decimal `json:"rate"`
	Amount    decimal.Decimal `json:"amount"`
	Inclusive bool            `json:"inclusive"`
}

// Result is the rounded outcome of Compute. Base+VAT+ServiceCharge == Total.
type Result struct {
	Base          decimal.Decimal `json:"base"`
	VAT           decimal.Decimal `json:"vat"`
	ServiceCharge decimal.Decimal `json:"service_charge"`
	Total         decimal.Decimal `json:"total"`
	Breakdown     []Line          `json:"breakdown"`
}

// Round rounds a money amount to two decimal places.
func Round(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// WithinTolerance reports whether a and b differ by at most one cent.
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}

// Compute applies cfg to in. Intermediate values keep full precision and are
// rounded once at the end.
//
// Inclusive components are extracted from the quoted amount first (VAT, then
// service charge from the VAT-stripped remainder). Exclusive components are
// then added on top of the extracted base, service charge first, VAT on
// base plus service charge.
func Compute(in Input, cfg Config) Result {
	if in.GuestTaxExempt {
		base := Round(in.BaseAmount)
		return Result{
			Base:          base,
			VAT:           decimal.Zero,
			ServiceCharge: decimal.Zero,
			Total:         base,
			Breakdown:     []Line{{Component: ComponentBase, Amount: base}},
		}
	}

	vatOn := in.Taxable && cfg.vatApplies(in.ChargeType)
	scOn := in.ServiceChargeable && cfg.serviceChargeApplies(in.ChargeType)
	vatIncl := vatOn && cfg.VATInclusive
	scIncl := scOn && cfg.ServiceChargeInclusive

	vr := cfg.VATRate.Div(hundred)
	sr := cfg.ServiceChargeRate.Div(hundred)

	var vat, sc decimal.Decimal
	remaining := in.BaseAmount
	if vatIncl {
		net := remaining.Div(one.Add(vr))
		vat = remaining.Sub(net)
		remaining = net
	}
	if scIncl {
		net := remaining.Div(one.Add(sr))
		sc = remaining.Sub(net)
		remaining = net
	}
	base := remaining

	// Exclusive add-ons on top of the extracted base.
	added := decimal.Zero
	if scOn && !scIncl {
		sc = base.Mul(sr)
		added = added.Add(sc)
	}
	if vatOn && !vatIncl {
		v := base.Add(sc).Mul(vr)
		vat = vat.Add(v)
		added = added.Add(v)
	} else if vatIncl && scOn && !scIncl {
		// VAT on an exclusive service charge is not embedded in the quote.
		v := sc.Mul(vr)
		vat = vat.Add(v)
		added = added.Add(v)
	}

	vatR := Round(vat)
	scR := Round(sc)

	var baseR, totalR decimal.Decimal
	if vatIncl || scIncl {
		// Quoted amount is preserved exactly; base absorbs rounding.
		totalR = Round(in.BaseAmount.Add(added))
		baseR = totalR.Sub(vatR).Sub(scR)
	} else {
		baseR = Round(base)
		totalR = baseR.Add(scR).Add(vatR)
	}

	lines := []Line{{Component: ComponentBase, Amount: baseR}}
	if scOn {
		lines = append(lines, Line{Component: ComponentServiceCharge, Rate: cfg.ServiceChargeRate, Amount: scR, Inclusive: scIncl})
	}
	if vatOn {
		lines = append(lines, Line{Component: ComponentVAT, Rate: cfg.VATRate, Amount: vatR, Inclusive: vatIncl})
	}

	return Result{
		Base:          baseR,
		VAT:           vatR,
		ServiceCharge: scR,
		Total:         totalR,
		Breakdown:     lines,
	}
}
