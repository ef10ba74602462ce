package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	v1 "github.com/chorushq/chorus/pkg/api/v1"
)

// ParkTask moves an approved task into the pause queue. The status flip and
// the queue entry land in one transaction, so a task is never paused without
// a resumable entry or vice versa.
func (s *Store) ParkTask(ctx context.Context, entry *PauseEntry) error {
	if entry.PausedAt.IsZero() {
		entry.PausedAt = time.Now().UTC()
	}
	if entry.NotBefore.IsZero() {
		entry.NotBefore = entry.PausedAt
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := transitionTaskTx(ctx, tx, entry.TaskID, v1.TaskStatusApproved, v1.TaskStatusPaused, nil); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO pause_entries (task_id, reason, payload, paused_at, not_before)
			VALUES (?, ?, ?, ?, ?)
		`), entry.TaskID, entry.Reason, string(entry.Payload), entry.PausedAt, entry.NotBefore)
		return err
	})
}

// ResumeTask removes a task from the pause queue and flips it back to
// approved, returning the entry so the caller can re-enqueue the preserved
// dispatch payload. A task that is not parked yields ErrNotFound.
func (s *Store) ResumeTask(ctx context.Context, taskID string) (*PauseEntry, error) {
	var entry *PauseEntry
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		entry, err = deletePauseEntryTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		_, err = transitionTaskTx(ctx, tx, taskID, v1.TaskStatusPaused, v1.TaskStatusApproved, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// CancelParkedTask removes a task from the pause queue and cancels it in the
// same transaction.
func (s *Store) CancelParkedTask(ctx context.Context, taskID string, mut *TaskMutation) (*Task, error) {
	var updated *Task
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := deletePauseEntryTx(ctx, tx, taskID); err != nil {
			return err
		}
		var err error
		updated, err = transitionTaskTx(ctx, tx, taskID, v1.TaskStatusPaused, v1.TaskStatusCancelled, mut)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListParked returns parked tasks whose backoff has elapsed at the given
// instant, oldest pause first.
func (s *Store) ListParked(ctx context.Context, due time.Time, limit int) ([]*PauseEntry, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT task_id, reason, payload, paused_at, not_before
		FROM pause_entries
		WHERE not_before <= ?
		ORDER BY paused_at ASC
		LIMIT ?
	`), due.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*PauseEntry
	for rows.Next() {
		entry, err := scanPauseEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// CountParked returns the pause queue depth.
func (s *Store) CountParked(ctx context.Context) (int, error) {
	var count int
	err := s.ro.QueryRowContext(ctx, `SELECT COUNT(*) FROM pause_entries`).Scan(&count)
	return count, err
}

func deletePauseEntryTx(ctx context.Context, tx *sqlx.Tx, taskID string) (*PauseEntry, error) {
	row := tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT task_id, reason, payload, paused_at, not_before
		FROM pause_entries WHERE task_id = ?
	`), taskID)
	entry, err := scanPauseEntry(row)
	if isNoRows(err) {
		return nil, fmt.Errorf("task %s is not parked: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM pause_entries WHERE task_id = ?`), taskID); err != nil {
		return nil, err
	}
	return entry, nil
}

func scanPauseEntry(row rowScanner) (*PauseEntry, error) {
	entry := &PauseEntry{}
	var payload string
	if err := row.Scan(&entry.TaskID, &entry.Reason, &payload, &entry.PausedAt, &entry.NotBefore); err != nil {
		return nil, err
	}
	entry.Payload = []byte(payload)
	return entry, nil
}
