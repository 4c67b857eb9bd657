package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/folio-engine/folio"
	"github.com/warp/folio-engine/tax"
)

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "folio.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Locks.Backend)
	assert.Equal(t, 30*time.Second, cfg.Transitions.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Offline.DrainInterval)
	assert.Equal(t, 7*24*time.Hour, cfg.Offline.Retention)
	assert.Equal(t, 5, cfg.Offline.MaxRetries)
	require.NoError(t, validate(&cfg))
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))

	require.NoError(t, err)
	assert.Equal(t, "./data/folio.db", cfg.Database.Path)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeYAML(t, `
server:
  port: "9090"
transitions:
  timeout: 5s
offline:
  max_retries: 3
tenants:
  hotel-1:
    vat_rate: "7.5"
    service_charge_rate: "10"
    service_charge_applicable: [room, food]
    payment_methods:
      Visa: card
      Bank Transfer: transfer
`)

	cfg, err := LoadFrom(path)

	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Transitions.Timeout)
	assert.Equal(t, 3, cfg.Offline.MaxRetries)
	assert.Equal(t, 4, cfg.Offline.Concurrency, "unset fields keep defaults")

	taxes, err := cfg.TaxSource()
	require.NoError(t, err)
	tc, err := taxes.TaxConfig(context.Background(), "hotel-1")
	require.NoError(t, err)
	assert.Equal(t, "7.5", tc.VATRate.String())
	assert.Equal(t, tax.AllChargeTypes, tc.VATApplicable, "empty list means every type")
	assert.Equal(t, []tax.ChargeType{tax.ChargeRoom, tax.ChargeFood}, tc.ServiceChargeApplicable)

	methods, err := cfg.PaymentMethods()
	require.NoError(t, err)
	table, err := methods.PaymentMethods(context.Background(), "hotel-1")
	require.NoError(t, err)
	m, err := table.Resolve("  visa ")
	require.NoError(t, err)
	assert.Equal(t, folio.MethodCard, m)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeYAML(t, "server:\n  port: \"9090\"\n")
	t.Setenv("FOLIO_PORT", "7070")
	t.Setenv("FOLIO_TRANSITION_TIMEOUT", "12s")
	t.Setenv("FOLIO_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("FOLIO_HEALTH_AUTO_FIX", "true")

	cfg, err := LoadFrom(path)

	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, 12*time.Second, cfg.Transitions.Timeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.True(t, cfg.Health.AutoFix)
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown lock backend", "locks:\n  backend: etcd\n", "locks.backend"},
		{"postgres without dsn", "locks:\n  backend: postgres\n", "postgres_dsn"},
		{"redis ttl below timeout", "locks:\n  backend: redis\n  ttl: 5s\n", "locks.ttl"},
		{"bad log format", "logging:\n  format: xml\n", "logging.format"},
		{"non-canonical payment method", "tenants:\n  h:\n    payment_methods:\n      Voucher: coupon\n", "non-canonical"},
		{"rate out of range", "tenants:\n  h:\n    vat_rate: \"150\"\n", "vat_rate"},
		{"unknown charge type", "tenants:\n  h:\n    vat_applicable: [minibar]\n", "unknown charge type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(writeYAML(t, tt.yaml))

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestOfflineQueueConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Retry.BaseDelay = 2 * time.Second

	q := cfg.OfflineQueue()

	assert.Equal(t, cfg.Offline.MaxRetries, q.MaxRetries)
	assert.Equal(t, cfg.Offline.DrainInterval, q.Interval)
	assert.Equal(t, 2*time.Second, q.Backoff.BaseDelay)
}
