package folio

import (
	"context"
	"fmt"
	"strings"
)

// Method is a canonical payment method. It is the only runtime
// representation of a payment method inside the ledger.
type Method string

const (
	MethodCash          Method = "cash"
	MethodCard          Method = "card"
	MethodTransfer      Method = "transfer"
	MethodPOS           Method = "pos"
	MethodCredit        Method = "credit"
	MethodDigital       Method = "digital"
	MethodComplimentary Method = "complimentary"
)

// CanonicalMethods is the fixed set exposed to callers.
var CanonicalMethods = []Method{
	MethodCash, MethodCard, MethodTransfer, MethodPOS, MethodCredit, MethodDigital, MethodComplimentary,
}

func (m Method) Valid() bool {
	for _, c := range CanonicalMethods {
		if c == m {
			return true
		}
	}
	return false
}

// MethodTable maps a tenant's free-form payment method names to canonical
// methods. Lookups are case- and whitespace-insensitive. Canonical names
// always resolve to themselves. Anything else must be listed explicitly.
type MethodTable struct {
	entries map[string]Method
}

// NewMethodTable builds a table from name -> canonical method. A target that
// is not canonical is rejected when the table is built, not when it is used.
func NewMethodTable(mapping map[string]string) (*MethodTable, error) {
	t := &MethodTable{entries: make(map[string]Method, len(mapping))}
	for name, target := range mapping {
		m := Method(normalizeMethod(target))
		if !m.Valid() {
			return nil, fmt.Errorf("payment method %q maps to non-canonical method %q", name, target)
		}
		key := normalizeMethod(name)
		if key == "" {
			return nil, fmt.Errorf("empty payment method name maps to %q", target)
		}
		t.entries[key] = m
	}
	return t, nil
}

// Resolve returns the canonical method for name.
func (t *MethodTable) Resolve(name string) (Method, error) {
	key := normalizeMethod(name)
	if m := Method(key); m.Valid() {
		return m, nil
	}
	if t != nil {
		if m, ok := t.entries[key]; ok {
			return m, nil
		}
	}
	return "", &UnsupportedPaymentMethodError{Method: name}
}

func normalizeMethod(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MethodSource supplies per-tenant mapping tables.
type MethodSource interface {
	PaymentMethods(ctx context.Context, tenantID string) (*MethodTable, error)
}

// StaticMethods serves tables resolved at configuration time. Tenants
// without an entry accept canonical names only.
type StaticMethods map[string]*MethodTable

func (s StaticMethods) PaymentMethods(_ context.Context, tenantID string) (*MethodTable, error) {
	return s[tenantID], nil
}
