package store

import (
	"context"
	"fmt"
	"time"

	"github.com/chorushq/chorus/internal/db/dialect"
)

// AppendStep records one execution step for a task. Redelivered status
// messages carry the same (task, ordinal, status) key and collapse into the
// existing row; the returned flag reports whether a new row was written.
func (s *Store) AppendStep(ctx context.Context, step *Step) (bool, error) {
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}

	keyword, suffix := dialect.InsertIgnore(s.driver())
	query := fmt.Sprintf(`
		%s INTO execution_steps (task_id, ordinal, agent_id, action, status, output, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)%s
	`, keyword, suffix)

	result, err := s.db.ExecContext(ctx, s.db.Rebind(query),
		step.TaskID, step.Ordinal, step.AgentID, step.Action, step.Status,
		step.Output, step.DurationMS, step.CreatedAt)
	if err != nil {
		return false, err
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	// LastInsertId is unsupported on pgx, so read the ID back by key.
	err = s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id FROM execution_steps WHERE task_id = ? AND ordinal = ? AND status = ?
	`), step.TaskID, step.Ordinal, step.Status).Scan(&step.ID)
	if err != nil {
		return false, err
	}
	return inserted > 0, nil
}

// ListSteps returns a task's execution steps in the order they ran.
func (s *Store) ListSteps(ctx context.Context, taskID string) ([]*Step, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, task_id, ordinal, agent_id, action, status, output, duration_ms, created_at
		FROM execution_steps
		WHERE task_id = ?
		ORDER BY ordinal ASC, id ASC
	`), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Step
	for rows.Next() {
		step := &Step{}
		if err := rows.Scan(&step.ID, &step.TaskID, &step.Ordinal, &step.AgentID,
			&step.Action, &step.Status, &step.Output, &step.DurationMS, &step.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}
