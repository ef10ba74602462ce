package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/chorushq/chorus/internal/common/tracing"
	"github.com/chorushq/chorus/internal/db/dialect"
	v1 "github.com/chorushq/chorus/pkg/api/v1"
)

// TaskMutation carries the field updates applied alongside a status
// transition. Nil fields are left untouched.
type TaskMutation struct {
	AgentID         *string
	Outcome         *v1.Outcome
	ActualResources *v1.Resources
	ServicesTouched []string
	IncrementRetry  bool
}

// TaskFilter selects tasks for range queries. Zero values mean "any".
type TaskFilter struct {
	PlanID  string
	Status  v1.TaskStatus
	Service string
	AgentID string
	Since   *time.Time
	Until   *time.Time
	Limit   int
	Offset  int
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(selectTask+` WHERE id = ?`), id)
	task, err := scanTask(row)
	if isNoRows(err) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return task, err
}

// GetPlanTasks returns a plan's tasks in dispatch order.
func (s *Store) GetPlanTasks(ctx context.Context, planID string) ([]*Task, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(selectTask+`
		WHERE plan_id = ? ORDER BY ordinal ASC
	`), planID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTasks(rows)
}

// ListTasksByStatus returns every task in one of the given statuses, oldest
// first. Used to rebuild in-flight state after a restart.
func (s *Store) ListTasksByStatus(ctx context.Context, statuses ...v1.TaskStatus) ([]*Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(selectTask+` WHERE status IN (?) ORDER BY created_at ASC`, statuses)
	if err != nil {
		return nil, err
	}
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTasks(rows)
}

// CountActiveByAgent returns how many tasks are in flight on an agent.
func (s *Store) CountActiveByAgent(ctx context.Context, agentID string) (int, error) {
	var count int
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT COUNT(*) FROM tasks WHERE agent_id = ? AND status IN ('dispatched', 'running')
	`), agentID).Scan(&count)
	return count, err
}

// TransitionTask applies a compare-and-set status transition together with
// the given field mutation, and returns the updated row. The from → to edge
// must be legal per v1.ValidTransition. A stored status other than from
// yields ErrStatusConflict; a terminal stored status yields
// ErrImmutabilityViolation. Timestamps are maintained per target status.
func (s *Store) TransitionTask(ctx context.Context, id string, from, to v1.TaskStatus, mut *TaskMutation) (*Task, error) {
	ctx, span := tracing.Tracer("chorus-db").Start(ctx, "db.TransitionTask")
	defer span.End()

	var updated *Task
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		updated, err = transitionTaskTx(ctx, tx, id, from, to, mut)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// transitionTaskTx is the CAS core shared by TransitionTask and the pause
// queue operations, which pair it with pause_entries writes in one tx.
func transitionTaskTx(ctx context.Context, tx *sqlx.Tx, id string, from, to v1.TaskStatus, mut *TaskMutation) (*Task, error) {
	if from.Terminal() {
		return nil, fmt.Errorf("task %s: transition out of %s: %w", id, from, ErrImmutabilityViolation)
	}
	if !v1.ValidTransition(from, to) {
		return nil, fmt.Errorf("task %s: illegal transition %s -> %s", id, from, to)
	}

	now := time.Now().UTC()
	sets := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{to, now}

	if to == v1.TaskStatusApproved && from == v1.TaskStatusPendingApproval {
		sets = append(sets, "approved_at = ?")
		args = append(args, now)
	}
	if to == v1.TaskStatusDispatched {
		sets = append(sets, "dispatched_at = ?")
		args = append(args, now)
	}
	if to.Terminal() {
		sets = append(sets, "completed_at = ?")
		args = append(args, now)
	}
	if mut != nil {
		if mut.AgentID != nil {
			sets = append(sets, "agent_id = ?")
			args = append(args, *mut.AgentID)
		}
		if mut.Outcome != nil {
			sets = append(sets, "outcome = ?")
			args = append(args, jsonText(mut.Outcome, ""))
		}
		if mut.ActualResources != nil {
			sets = append(sets, "actual_resources = ?")
			args = append(args, jsonText(mut.ActualResources, ""))
		}
		if mut.ServicesTouched != nil {
			sets = append(sets, "services_touched = ?")
			args = append(args, jsonText(mut.ServicesTouched, "[]"))
		}
		if mut.IncrementRetry {
			sets = append(sets, "retry_count = retry_count + 1")
		}
	}

	// The status = ? predicate is the CAS; the NOT IN predicate keeps even a
	// mistaken caller from writing to a terminal row.
	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = ? AND status = ? AND status NOT IN %s`,
		strings.Join(sets, ", "), sqlTerminalSet)
	args = append(args, id, from)

	result, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		var current v1.TaskStatus
		err := tx.QueryRowContext(ctx, tx.Rebind(`SELECT status FROM tasks WHERE id = ?`), id).Scan(&current)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		if current.Terminal() {
			return nil, fmt.Errorf("task %s is %s: %w", id, current, ErrImmutabilityViolation)
		}
		return nil, fmt.Errorf("task %s is %s, expected %s: %w", id, current, from, ErrStatusConflict)
	}

	row := tx.QueryRowContext(ctx, tx.Rebind(selectTask+` WHERE id = ?`), id)
	return scanTask(row)
}

// ListTasks returns one page of tasks matching the filter plus the total
// match count. Results are newest-first; limit is clamped to MaxPageSize.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, int64, error) {
	ctx, span := tracing.Tracer("chorus-db").Start(ctx, "db.ListTasks")
	defer span.End()

	var conds []string
	var args []interface{}

	if filter.PlanID != "" {
		conds = append(conds, "plan_id = ?")
		args = append(args, filter.PlanID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Service != "" {
		conds = append(conds, dialect.JSONArrayContains(s.driver(), "services_touched"))
		args = append(args, filter.Service)
	}
	if filter.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	if filter.Until != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, filter.Until.UTC())
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`SELECT COUNT(*) FROM tasks`+where), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit, offset := clampPage(filter.Limit, filter.Offset)
	pageArgs := append(args, limit, offset)
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(selectTask+where+`
		ORDER BY created_at DESC LIMIT ? OFFSET ?`), pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

const selectTask = `
	SELECT id, plan_id, ordinal, work_type, parameters, hints, agent_id, status,
		retry_count, idempotency_key, estimated_resources, actual_resources,
		services_touched, outcome, created_at, updated_at, approved_at,
		dispatched_at, completed_at
	FROM tasks`

func scanTask(row rowScanner) (*Task, error) {
	task := &Task{}
	var parameters, hints, estimated, actual, services, outcome string
	var agentID sql.NullString
	var approvedAt, dispatchedAt, completedAt sql.NullTime

	err := row.Scan(&task.ID, &task.PlanID, &task.Ordinal, &task.WorkType,
		&parameters, &hints, &agentID, &task.Status, &task.RetryCount,
		&task.IdempotencyKey, &estimated, &actual, &services, &outcome,
		&task.CreatedAt, &task.UpdatedAt, &approvedAt, &dispatchedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if agentID.Valid {
		task.AgentID = &agentID.String
	}
	if approvedAt.Valid {
		task.ApprovedAt = &approvedAt.Time
	}
	if dispatchedAt.Valid {
		task.DispatchedAt = &dispatchedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	if err := fromJSONText(parameters, &task.Parameters); err != nil {
		return nil, fmt.Errorf("failed to deserialize task parameters: %w", err)
	}
	if err := fromJSONText(hints, &task.Hints); err != nil {
		return nil, fmt.Errorf("failed to deserialize task hints: %w", err)
	}
	if err := fromJSONText(services, &task.ServicesTouched); err != nil {
		return nil, fmt.Errorf("failed to deserialize services_touched: %w", err)
	}
	if estimated != "" {
		task.EstimatedResources = &v1.Resources{}
		if err := fromJSONText(estimated, task.EstimatedResources); err != nil {
			return nil, fmt.Errorf("failed to deserialize estimated resources: %w", err)
		}
	}
	if actual != "" {
		task.ActualResources = &v1.Resources{}
		if err := fromJSONText(actual, task.ActualResources); err != nil {
			return nil, fmt.Errorf("failed to deserialize actual resources: %w", err)
		}
	}
	if outcome != "" {
		task.Outcome = &v1.Outcome{}
		if err := fromJSONText(outcome, task.Outcome); err != nil {
			return nil, fmt.Errorf("failed to deserialize task outcome: %w", err)
		}
	}
	return task, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}
