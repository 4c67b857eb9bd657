package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/folio-engine/offline"
)

// =============================================================================
// OFFLINE QUEUE STORE (offline.Store interface)
// =============================================================================

const operationColumns = `seq, id, session_id, op_type, payload, priority, status, retry_count,
	last_error, permanently_failed, created_at, last_attempt_at, next_attempt_at, synced_at`

// InsertOperation appends op and sets op.Seq from the autoincrement key.
func (s *Store) InsertOperation(ctx context.Context, op *offline.Operation) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO offline_operations
		(id, session_id, op_type, payload, priority, status, retry_count,
		 last_error, permanently_failed, created_at, last_attempt_at, next_attempt_at, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID,
		op.SessionID,
		op.Type,
		string(op.Payload),
		op.Priority,
		op.Status,
		op.RetryCount,
		nullString(op.LastError),
		op.PermanentlyFailed,
		formatTime(op.CreatedAt),
		nullTime(op.LastAttemptAt),
		nullTime(op.NextAttemptAt),
		nullTime(op.SyncedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("duplicate operation id %s", op.ID)
		}
		return fmt.Errorf("failed to insert operation: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read operation sequence: %w", err)
	}
	op.Seq = seq
	return nil
}

// UpdateOperation rewrites the mutable delivery fields. Seq, session,
// type and payload never change after insert.
func (s *Store) UpdateOperation(ctx context.Context, op offline.Operation) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE offline_operations SET
			status = ?,
			retry_count = ?,
			last_error = ?,
			permanently_failed = ?,
			last_attempt_at = ?,
			next_attempt_at = ?,
			synced_at = ?
		WHERE id = ?`,
		op.Status,
		op.RetryCount,
		nullString(op.LastError),
		op.PermanentlyFailed,
		nullTime(op.LastAttemptAt),
		nullTime(op.NextAttemptAt),
		nullTime(op.SyncedAt),
		op.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}
	if rowsAffected(res) == 0 {
		return fmt.Errorf("%w: %s", offline.ErrOperationNotFound, op.ID)
	}
	return nil
}

func (s *Store) GetOperation(ctx context.Context, id string) (*offline.Operation, error) {
	ops, err := s.queryOperations(ctx, `SELECT `+operationColumns+` FROM offline_operations WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: %s", offline.ErrOperationNotFound, id)
	}
	return &ops[0], nil
}

func (s *Store) UnsyncedOperations(ctx context.Context) ([]offline.Operation, error) {
	return s.queryOperations(ctx, `
		SELECT `+operationColumns+` FROM offline_operations
		WHERE status != ?
		ORDER BY seq`, offline.StatusSynced)
}

func (s *Store) OperationsBySession(ctx context.Context, sessionID string) ([]offline.Operation, error) {
	return s.queryOperations(ctx, `
		SELECT `+operationColumns+` FROM offline_operations
		WHERE session_id = ?
		ORDER BY seq`, sessionID)
}

func (s *Store) PurgeSynced(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM offline_operations
		WHERE status = ? AND synced_at IS NOT NULL AND synced_at < ?`,
		offline.StatusSynced, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("failed to purge operations: %w", err)
	}
	return rowsAffected(res), nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[offline.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM offline_operations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count operations: %w", err)
	}
	defer rows.Close()

	out := make(map[offline.Status]int)
	for rows.Next() {
		var (
			status offline.Status
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (s *Store) queryOperations(ctx context.Context, query string, args ...any) ([]offline.Operation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var out []offline.Operation
	for rows.Next() {
		var (
			op                          offline.Operation
			payload, created            string
			lastErr                     sql.NullString
			attempted, nextAt, syncedAt sql.NullString
		)
		if err := rows.Scan(&op.Seq, &op.ID, &op.SessionID, &op.Type, &payload, &op.Priority, &op.Status,
			&op.RetryCount, &lastErr, &op.PermanentlyFailed, &created, &attempted, &nextAt, &syncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op.Payload = []byte(payload)
		op.LastError = lastErr.String
		op.CreatedAt = parseTime(created)
		op.LastAttemptAt = timePtr(attempted)
		op.NextAttemptAt = timePtr(nextAt)
		op.SyncedAt = timePtr(syncedAt)
		out = append(out, op)
	}
	return out, rows.Err()
}

// =============================================================================
// SESSION METADATA (offline.SessionStore interface)
// =============================================================================

func (s *Store) SaveSession(ctx context.Context, m offline.SessionMeta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO offline_sessions (session_id, tenant_id, reservation_id, data, captured_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			reservation_id = excluded.reservation_id,
			data = excluded.data,
			captured_at = excluded.captured_at`,
		m.SessionID, nullString(m.TenantID), nullString(m.ReservationID), nullString(string(m.Data)), formatTime(m.CapturedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*offline.SessionMeta, error) {
	var (
		m                 offline.SessionMeta
		tenant, res, data sql.NullString
		captured          string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, tenant_id, reservation_id, data, captured_at
		FROM offline_sessions WHERE session_id = ?`, sessionID,
	).Scan(&m.SessionID, &tenant, &res, &data, &captured)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", offline.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	m.TenantID = tenant.String
	m.ReservationID = res.String
	if data.Valid {
		m.Data = []byte(data.String)
	}
	m.CapturedAt = parseTime(captured)
	return &m, nil
}

func (s *Store) EvictSessionsBefore(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM offline_sessions WHERE captured_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("failed to evict sessions: %w", err)
	}
	return rowsAffected(res), nil
}
