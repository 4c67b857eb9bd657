package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "folio.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "FOLIO_PORT")
	setList(&cfg.Server.CORSOrigins, "FOLIO_CORS_ORIGINS")
	setString(&cfg.Database.Path, "FOLIO_DB_PATH")
	setString(&cfg.Locks.Backend, "FOLIO_LOCK_BACKEND")
	setString(&cfg.Locks.RedisAddr, "REDIS_ADDR")
	setString(&cfg.Locks.RedisPrefix, "FOLIO_LOCK_REDIS_PREFIX")
	setString(&cfg.Locks.PostgresDSN, "DATABASE_URL")
	setInt32(&cfg.Locks.MaxConns, "FOLIO_LOCK_PG_MAX_CONNS")
	setDuration(&cfg.Locks.Wait, "FOLIO_LOCK_WAIT")
	setDuration(&cfg.Locks.TTL, "FOLIO_LOCK_TTL")
	setDuration(&cfg.Transitions.Timeout, "FOLIO_TRANSITION_TIMEOUT")
	setDuration(&cfg.Offline.DrainInterval, "FOLIO_OFFLINE_DRAIN_INTERVAL")
	setDuration(&cfg.Offline.Retention, "FOLIO_OFFLINE_RETENTION")
	setInt(&cfg.Offline.MaxRetries, "FOLIO_OFFLINE_MAX_RETRIES")
	setInt(&cfg.Offline.Concurrency, "FOLIO_OFFLINE_CONCURRENCY")
	setDuration(&cfg.Offline.SessionMaxAge, "FOLIO_OFFLINE_SESSION_MAX_AGE")
	setInt(&cfg.Retry.MaxAttempts, "FOLIO_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.BaseDelay, "FOLIO_RETRY_BASE_DELAY")
	setDuration(&cfg.Retry.MaxDelay, "FOLIO_RETRY_MAX_DELAY")
	setFloat64(&cfg.Retry.Multiplier, "FOLIO_RETRY_MULTIPLIER")
	setFloat64(&cfg.Retry.Jitter, "FOLIO_RETRY_JITTER")
	setString(&cfg.Audit.AMQPURL, "RABBITMQ_URL")
	setString(&cfg.Audit.Queue, "FOLIO_AUDIT_QUEUE")
	setDuration(&cfg.Health.FolioCheckInterval, "FOLIO_HEALTH_INTERVAL")
	setBool(&cfg.Health.AutoFix, "FOLIO_HEALTH_AUTO_FIX")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
}

// validate checks that required fields are set and tenant tables resolve.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Database.Path == "" {
		return errors.New("database.path is required")
	}
	switch cfg.Locks.Backend {
	case "memory":
	case "redis":
		if cfg.Locks.RedisAddr == "" {
			return errors.New("locks.redis_addr is required for the redis backend")
		}
	case "postgres":
		if cfg.Locks.PostgresDSN == "" {
			return errors.New("locks.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("locks.backend %q is not one of memory, redis, postgres", cfg.Locks.Backend)
	}
	if cfg.Locks.TTL <= cfg.Transitions.Timeout && cfg.Locks.Backend == "redis" {
		return errors.New("locks.ttl must exceed transitions.timeout")
	}
	if cfg.Transitions.Timeout <= 0 {
		return errors.New("transitions.timeout must be > 0")
	}
	if cfg.Offline.MaxRetries < 1 {
		return errors.New("offline.max_retries must be >= 1")
	}
	if cfg.Offline.Concurrency < 1 {
		return errors.New("offline.concurrency must be >= 1")
	}
	if cfg.Retry.Multiplier < 1 {
		return errors.New("retry.multiplier must be >= 1")
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter > 1 {
		return errors.New("retry.jitter must be within [0, 1]")
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", cfg.Logging.Format)
	}
	for id, t := range cfg.Tenants {
		if _, err := t.TaxConfig(id); err != nil {
			return fmt.Errorf("tenants.%s: %w", id, err)
		}
		if _, err := t.MethodTable(); err != nil {
			return fmt.Errorf("tenants.%s: %w", id, err)
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*dst = out
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
