/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the engine using SQLite. The
  same schema runs on PostgreSQL with minor dialect changes.

INTERFACES IMPLEMENTED:
  stay.TxStore:         folios, line items, reservations, rooms, guests, audit
  offline.Store:        offline operation queue
  offline.SessionStore: durable tier of the session metadata cache

APPEND-ONLY ENFORCEMENT:
  - folio_charges and folio_payments are never UPDATEd
  - corrections are reversal rows (negated amounts, reversal_of set)
  - idx_unique_reversal allows at most one reversal per charge
  - the only DELETE is DeleteLineItems, used when a reservation is cancelled

KEY TABLES:
  folios:             aggregate header per stay (derived, version token)
  folio_charges:      taxed charges and reversals
  folio_payments:     payments in canonical methods
  reservations/rooms: stay state guarded by the coordinator's locks
  audit_log:          one row per committed transition
  offline_operations: FIFO queue, seq is the global enqueue order
  offline_sessions:   session metadata with captured_at for staleness

MONEY:
  Amounts are stored as TEXT decimal strings and parsed with shopspring
  decimal. Never REAL.

CONCURRENCY:
  One open connection. WithTx holds it for the transaction's duration, so
  concurrent callers queue behind it instead of failing with SQLITE_BUSY.
  Cross-process exclusion is the lock package's job.

USAGE:
  store, err := sqlite.New("./data/folio.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  coordinator := stay.NewCoordinator(store, locks, taxes, methods, opts)

SEE ALSO:
  - stay/store.go, folio/store.go, offline/types.go: interface definitions
  - store/memory: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/folio-engine/offline"
	"github.com/warp/folio-engine/stay"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements all storage interfaces using SQLite.
type Store struct {
	conn
	db *sql.DB
}

var (
	_ stay.TxStore         = (*Store)(nil)
	_ stay.Store           = (*conn)(nil)
	_ offline.Store        = (*Store)(nil)
	_ offline.SessionStore = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{conn: conn{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Folio headers (aggregates derived from line items)
	CREATE TABLE IF NOT EXISTS folios (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		reservation_id TEXT NOT NULL,
		total_charges TEXT NOT NULL,
		total_payments TEXT NOT NULL,
		balance TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		opened_at TEXT NOT NULL,
		closed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_folios_reservation
		ON folios(reservation_id, opened_at);
	CREATE INDEX IF NOT EXISTS idx_folios_open
		ON folios(tenant_id) WHERE closed_at IS NULL;

	-- Charges (append-only; reversals are negated rows)
	CREATE TABLE IF NOT EXISTS folio_charges (
		id TEXT PRIMARY KEY,
		folio_id TEXT NOT NULL REFERENCES folios(id),
		charge_type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		base_amount TEXT NOT NULL,
		net TEXT NOT NULL,
		vat TEXT NOT NULL,
		service_charge TEXT NOT NULL,
		total TEXT NOT NULL,
		breakdown_json TEXT,
		reversal_of TEXT,
		reason TEXT,
		idempotency_key TEXT,
		posted_by TEXT,
		posted_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_charges_folio
		ON folio_charges(folio_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_reversal
		ON folio_charges(reversal_of) WHERE reversal_of IS NOT NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_charges_idempotency
		ON folio_charges(folio_id, idempotency_key) WHERE idempotency_key IS NOT NULL;

	-- Payments (append-only)
	CREATE TABLE IF NOT EXISTS folio_payments (
		id TEXT PRIMARY KEY,
		folio_id TEXT NOT NULL REFERENCES folios(id),
		amount TEXT NOT NULL,
		method TEXT NOT NULL,
		status TEXT NOT NULL,
		reference TEXT,
		idempotency_key TEXT,
		processed_by TEXT,
		received_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_folio
		ON folio_payments(folio_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_idempotency
		ON folio_payments(folio_id, idempotency_key) WHERE idempotency_key IS NOT NULL;

	-- Reservations
	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		guest_id TEXT,
		room_id TEXT,
		check_in TEXT NOT NULL,
		check_out TEXT NOT NULL,
		status TEXT NOT NULL,
		total TEXT NOT NULL DEFAULT '0',
		checked_in_at TEXT,
		checked_out_at TEXT,
		cancelled_at TEXT,
		cancel_reason TEXT,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_reservations_room
		ON reservations(room_id);

	-- Rooms
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		number TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_tenant
		ON rooms(tenant_id);

	-- Guests
	CREATE TABLE IF NOT EXISTS guests (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		email TEXT,
		phone TEXT,
		tax_exempt BOOLEAN NOT NULL DEFAULT FALSE
	);

	-- Audit log
	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		tenant_id TEXT NOT NULL,
		actor TEXT,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		metadata_json TEXT,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_resource
		ON audit_log(resource_id);

	-- Offline operation queue (seq is the global enqueue order)
	CREATE TABLE IF NOT EXISTS offline_operations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		op_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		permanently_failed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		last_attempt_at TEXT,
		next_attempt_at TEXT,
		synced_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_offline_session
		ON offline_operations(session_id, seq);
	CREATE INDEX IF NOT EXISTS idx_offline_status
		ON offline_operations(status);

	-- Offline session metadata
	CREATE TABLE IF NOT EXISTS offline_sessions (
		session_id TEXT PRIMARY KEY,
		tenant_id TEXT,
		reservation_id TEXT,
		data TEXT,
		captured_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_offline_sessions_captured
		ON offline_sessions(captured_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (stay.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction. The transaction
// commits only if fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(store stay.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// conn runs every store query against either the database or an open
// transaction.
type conn struct {
	q querier
}

// =============================================================================
// HELPERS
// =============================================================================

const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseMoney(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func rowsAffected(res sql.Result) int {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(n)
}
