package config

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/folio-engine/folio"
	"github.com/warp/folio-engine/offline"
	"github.com/warp/folio-engine/retry"
	"github.com/warp/folio-engine/tax"
)

// TaxConfig converts the YAML tenant block into a tax.Config. An empty
// applicability list means every charge type.
func (t Tenant) TaxConfig(tenantID string) (tax.Config, error) {
	vat, err := rate(t.VATRate)
	if err != nil {
		return tax.Config{}, fmt.Errorf("vat_rate: %w", err)
	}
	sc, err := rate(t.ServiceChargeRate)
	if err != nil {
		return tax.Config{}, fmt.Errorf("service_charge_rate: %w", err)
	}
	vatTypes, err := chargeTypes(t.VATApplicable)
	if err != nil {
		return tax.Config{}, fmt.Errorf("vat_applicable: %w", err)
	}
	scTypes, err := chargeTypes(t.ServiceChargeApplicable)
	if err != nil {
		return tax.Config{}, fmt.Errorf("service_charge_applicable: %w", err)
	}
	return tax.Config{
		TenantID:                tenantID,
		VATRate:                 vat,
		ServiceChargeRate:       sc,
		VATInclusive:            t.VATInclusive,
		ServiceChargeInclusive:  t.ServiceChargeInclusive,
		VATApplicable:           vatTypes,
		ServiceChargeApplicable: scTypes,
	}, nil
}

// MethodTable resolves the tenant's payment-method mapping. A name mapped
// to a non-canonical method fails here, at load time.
func (t Tenant) MethodTable() (*folio.MethodTable, error) {
	return folio.NewMethodTable(t.PaymentMethods)
}

// TaxSource builds the static tax configuration source for all tenants.
func (c *Config) TaxSource() (tax.StaticSource, error) {
	out := make(tax.StaticSource, len(c.Tenants))
	for id, t := range c.Tenants {
		cfg, err := t.TaxConfig(id)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", id, err)
		}
		out[id] = cfg
	}
	return out, nil
}

// PaymentMethods builds the per-tenant payment-method tables.
func (c *Config) PaymentMethods() (folio.StaticMethods, error) {
	out := make(folio.StaticMethods, len(c.Tenants))
	for id, t := range c.Tenants {
		table, err := t.MethodTable()
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", id, err)
		}
		out[id] = table
	}
	return out, nil
}

// RetryPolicy returns the shared backoff policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
		Multiplier:  c.Retry.Multiplier,
		Jitter:      c.Retry.Jitter,
	}
}

// OfflineQueue returns the offline queue configuration.
func (c *Config) OfflineQueue() offline.Config {
	return offline.Config{
		MaxRetries:  c.Offline.MaxRetries,
		Retention:   c.Offline.Retention,
		Interval:    c.Offline.DrainInterval,
		Concurrency: c.Offline.Concurrency,
		Backoff:     c.RetryPolicy(),
	}
}

func rate(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid rate %q", s)
	}
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.Zero, fmt.Errorf("rate %s must be within [0, 100]", s)
	}
	return d, nil
}

func chargeTypes(names []string) ([]tax.ChargeType, error) {
	if len(names) == 0 {
		return append([]tax.ChargeType(nil), tax.AllChargeTypes...), nil
	}
	out := make([]tax.ChargeType, 0, len(names))
	for _, n := range names {
		t, err := tax.ParseChargeType(n)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
