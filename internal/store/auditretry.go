package store

import (
	"context"
	"time"

	"github.com/chorushq/chorus/internal/db/dialect"
	v1 "github.com/chorushq/chorus/pkg/api/v1"
)

// EnqueueAuditRetry records a failed audit artifact write for the retry
// loop. A repeat enqueue for the same task bumps the attempt count and
// returns it, so the caller can alert once a task crosses the threshold.
func (s *Store) EnqueueAuditRetry(ctx context.Context, taskID string, status v1.TaskStatus, reason string) (int, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO audit_retries (task_id, status, reason, attempts, alerted, created_at, updated_at)
		VALUES (?, ?, ?, 1, 0, ?, ?)
		ON CONFLICT (task_id) DO UPDATE SET
			attempts = audit_retries.attempts + 1,
			reason = excluded.reason,
			updated_at = excluded.updated_at
	`), taskID, status, reason, now, now)
	if err != nil {
		return 0, err
	}

	var attempts int
	err = s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT attempts FROM audit_retries WHERE task_id = ?
	`), taskID).Scan(&attempts)
	return attempts, err
}

// ListAuditRetries returns pending audit retries, oldest first.
func (s *Store) ListAuditRetries(ctx context.Context, limit int) ([]*AuditRetry, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT task_id, status, reason, attempts, alerted, created_at, updated_at
		FROM audit_retries
		ORDER BY created_at ASC
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*AuditRetry
	for rows.Next() {
		entry := &AuditRetry{}
		var alerted int
		if err := rows.Scan(&entry.TaskID, &entry.Status, &entry.Reason,
			&entry.Attempts, &alerted, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
			return nil, err
		}
		entry.Alerted = alerted != 0
		out = append(out, entry)
	}
	return out, rows.Err()
}

// ResolveAuditRetry drops a retry entry after the artifact write finally
// succeeded. Resolving an absent entry is a no-op.
func (s *Store) ResolveAuditRetry(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM audit_retries WHERE task_id = ?`), taskID)
	return err
}

// MarkAuditRetryAlerted records that the operator alert for this entry has
// fired, so subsequent attempts stay quiet.
func (s *Store) MarkAuditRetryAlerted(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE audit_retries SET alerted = ?, updated_at = ? WHERE task_id = ?
	`), dialect.BoolToInt(true), time.Now().UTC(), taskID)
	return err
}

// CountAuditRetries returns the audit retry backlog size.
func (s *Store) CountAuditRetries(ctx context.Context) (int, error) {
	var count int
	err := s.ro.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_retries`).Scan(&count)
	return count, err
}
