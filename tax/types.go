/*
Package tax computes VAT and service charge for billable items.

PURPOSE:
  Turns an untaxed base amount into a charge/VAT/service-charge breakdown
  using a tenant's read-only tax configuration. The calculator is a pure
  function: same inputs, same outputs, no I/O.

KEY CONCEPTS:
  - ChargeType: what is being billed (room, food, spa, ...)
  - Config: tenant-scoped rates, inclusive/exclusive flags, applicability lists
  - Result: rounded base, VAT, service charge, total and per-component lines

ORDERING (exclusive mode):
  service charge = base x serviceRate
  VAT            = (base + service charge) x vatRate

  VAT is levied on the service charge too. Swapping the order changes
  totals without any type error, so it is pinned by tests.

CALLER DISCIPLINE:
  Always pass the ORIGINAL untaxed base. Feeding a previous Result.Total
  back in as BaseAmount applies every tax twice. The calculator cannot
  detect this; the ledger stores BaseAmount separately so reposting uses
  the right figure.

SEE ALSO:
  - calculator.go: Compute
  - folio/ledger.go: the only production caller
*/
package tax

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CHARGE TYPES
// =============================================================================

type ChargeType string

const (
	ChargeRoom     ChargeType = "room"
	ChargeFood     ChargeType = "food"
	ChargeBeverage ChargeType = "beverage"
	ChargeLaundry  ChargeType = "laundry"
	ChargeSpa      ChargeType = "spa"
	ChargeService  ChargeType = "service"
	ChargeOther    ChargeType = "other"
)

// AllChargeTypes lists every charge type in display order.
var AllChargeTypes = []ChargeType{
	ChargeRoom, ChargeFood, ChargeBeverage, ChargeLaundry, ChargeSpa, ChargeService, ChargeOther,
}

func (t ChargeType) Valid() bool {
	for _, c := range AllChargeTypes {
		if c == t {
			return true
		}
	}
	return false
}

// ParseChargeType normalizes s and returns the matching charge type.
func ParseChargeType(s string) (ChargeType, error) {
	t := ChargeType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown charge type %q", s)
	}
	return t, nil
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config is a tenant's tax configuration. Rates are percentages (7.5 = 7.5%).
// Changing a Config never alters charges that were already posted.
type Config struct {
	TenantID string

	VATRate           decimal.Decimal
	ServiceChargeRate decimal.Decimal

	// Inclusive means the quoted price already embeds the component.
	VATInclusive           bool
	ServiceChargeInclusive bool

	VATApplicable           []ChargeType
	ServiceChargeApplicable []ChargeType
}

func (c Config) vatApplies(t ChargeType) bool {
	return c.VATRate.IsPositive() && contains(c.VATApplicable, t)
}

func (c Config) serviceChargeApplies(t ChargeType) bool {
	return c.ServiceChargeRate.IsPositive() && contains(c.ServiceChargeApplicable, t)
}

func contains(list []ChargeType, t ChargeType) bool {
	for _, c := range list {
		if c == t {
			return true
		}
	}
	return false
}

// ConfigSource supplies tenant tax configuration. Implementations are owned
// by the tenant-settings collaborator; this module only reads.
type ConfigSource interface {
	TaxConfig(ctx context.Context, tenantID string) (Config, error)
}

// StaticSource serves configurations loaded at startup.
type StaticSource map[string]Config

// ErrUnknownTenant is returned when no configuration exists for a tenant.
var ErrUnknownTenant = errors.New("no tax configuration for tenant")

func (s StaticSource) TaxConfig(_ context.Context, tenantID string) (Config, error) {
	cfg, ok := s[tenantID]
	if !ok {
		return Config{}, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	return cfg, nil
}
