// Package config provides hierarchical configuration loading for the folio
// engine. Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the folio engine service.
type Config struct {
	Server      Server            `yaml:"server"`
	Database    Database          `yaml:"database"`
	Locks       Locks             `yaml:"locks"`
	Transitions Transitions       `yaml:"transitions"`
	Offline     Offline           `yaml:"offline"`
	Retry       Retry             `yaml:"retry"`
	Audit       Audit             `yaml:"audit"`
	Health      Health            `yaml:"health"`
	Logging     Logging           `yaml:"logging"`
	Tenants     map[string]Tenant `yaml:"tenants"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port        string   `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Database holds the SQLite store location. ":memory:" keeps everything
// in process.
type Database struct {
	Path string `yaml:"path"`
}

// Locks selects the advisory lock backend.
type Locks struct {
	Backend     string        `yaml:"backend"` // memory | redis | postgres
	RedisAddr   string        `yaml:"redis_addr"`
	RedisPrefix string        `yaml:"redis_prefix"`
	PostgresDSN string        `yaml:"postgres_dsn"`
	MaxConns    int32         `yaml:"max_conns"`
	Wait        time.Duration `yaml:"wait"`
	TTL         time.Duration `yaml:"ttl"`
}

// Transitions bounds every coordinated transition.
type Transitions struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Offline holds offline queue configuration.
type Offline struct {
	DrainInterval time.Duration `yaml:"drain_interval"`
	Retention     time.Duration `yaml:"retention"`
	MaxRetries    int           `yaml:"max_retries"`
	Concurrency   int           `yaml:"concurrency"`
	SessionMaxAge time.Duration `yaml:"session_max_age"`
	SessionCache  int64         `yaml:"session_cache_bytes"`
}

// Retry is the backoff policy shared by the offline queue and the audit
// publisher.
type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      float64       `yaml:"jitter"`
}

// Audit configures the outward audit sinks. An empty AMQPURL disables the
// broker and leaves the log sink only.
type Audit struct {
	AMQPURL string `yaml:"amqp_url"`
	Queue   string `yaml:"queue"`
}

// Health configures the periodic folio health check.
type Health struct {
	FolioCheckInterval time.Duration `yaml:"folio_check_interval"`
	AutoFix            bool          `yaml:"auto_fix"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Tenant is one property's tax configuration and payment-method table.
// Rates are decimal strings in percent ("7.5").
type Tenant struct {
	VATRate                 string            `yaml:"vat_rate"`
	ServiceChargeRate       string            `yaml:"service_charge_rate"`
	VATInclusive            bool              `yaml:"vat_inclusive"`
	ServiceChargeInclusive  bool              `yaml:"service_charge_inclusive"`
	VATApplicable           []string          `yaml:"vat_applicable"`
	ServiceChargeApplicable []string          `yaml:"service_charge_applicable"`
	PaymentMethods          map[string]string `yaml:"payment_methods"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:        "8080",
			CORSOrigins: []string{"*"},
		},
		Database: Database{
			Path: "./data/folio.db",
		},
		Locks: Locks{
			Backend:     "memory",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "folio:lock:",
			MaxConns:    10,
			Wait:        10 * time.Second,
			TTL:         60 * time.Second,
		},
		Transitions: Transitions{
			Timeout: 30 * time.Second,
		},
		Offline: Offline{
			DrainInterval: 30 * time.Second,
			Retention:     7 * 24 * time.Hour,
			MaxRetries:    5,
			Concurrency:   4,
			SessionMaxAge: 24 * time.Hour,
			SessionCache:  16 << 20,
		},
		Retry: Retry{
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			MaxDelay:    5 * time.Minute,
			Multiplier:  2,
			Jitter:      0.2,
		},
		Audit: Audit{
			Queue: "folio.audit",
		},
		Health: Health{
			FolioCheckInterval: 15 * time.Minute,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}
