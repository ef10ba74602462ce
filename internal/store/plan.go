package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	v1 "github.com/chorushq/chorus/pkg/api/v1"
)

// CreatePlan persists a plan and its tasks in one transaction. Tasks are
// stored in the status the planner assigned (pending_approval for validated
// plans).
func (s *Store) CreatePlan(ctx context.Context, plan *Plan, tasks []*Task) error {
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	if plan.Status == "" {
		plan.Status = v1.PlanStatusPendingApproval
	}
	now := time.Now().UTC()
	plan.CreatedAt = now
	plan.UpdatedAt = now

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO plans (id, request_id, summary, risk_level, estimated_duration_seconds,
				budget, status, approved_by, approved_at, rejection_reason, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), plan.ID, plan.RequestID, plan.Summary, plan.RiskLevel, plan.EstimatedDurationSeconds,
			jsonText(plan.Budget, "{}"), plan.Status, plan.ApprovedBy, plan.ApprovedAt,
			plan.RejectionReason, plan.CreatedAt, plan.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert plan: %w", err)
		}

		for i, task := range tasks {
			if task.ID == "" {
				task.ID = uuid.New().String()
			}
			if task.IdempotencyKey == "" {
				task.IdempotencyKey = uuid.New().String()
			}
			task.PlanID = plan.ID
			task.Ordinal = i + 1
			if task.Status == "" {
				task.Status = v1.TaskStatusPendingApproval
			}
			task.CreatedAt = now
			task.UpdatedAt = now

			_, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO tasks (id, plan_id, ordinal, work_type, parameters, hints, agent_id,
					status, retry_count, idempotency_key, estimated_resources, actual_resources,
					services_touched, outcome, created_at, updated_at, approved_at, dispatched_at, completed_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`), task.ID, task.PlanID, task.Ordinal, task.WorkType,
				jsonText(task.Parameters, "{}"), jsonText(task.Hints, "{}"), task.AgentID,
				task.Status, task.RetryCount, task.IdempotencyKey,
				jsonText(task.EstimatedResources, ""), jsonText(task.ActualResources, ""),
				jsonText(task.ServicesTouched, "[]"), jsonText(task.Outcome, ""),
				task.CreatedAt, task.UpdatedAt, task.ApprovedAt, task.DispatchedAt, task.CompletedAt)
			if err != nil {
				return fmt.Errorf("failed to insert task %d: %w", task.Ordinal, err)
			}
		}
		return nil
	})
}

// GetPlan retrieves a plan by ID, without its tasks.
func (s *Store) GetPlan(ctx context.Context, id string) (*Plan, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, request_id, summary, risk_level, estimated_duration_seconds,
			budget, status, approved_by, approved_at, rejection_reason, created_at, updated_at
		FROM plans WHERE id = ?
	`), id)
	plan, err := scanPlan(row)
	if isNoRows(err) {
		return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	return plan, err
}

// ListPlansByRequest returns all plans for a request, newest first.
// Superseded plans are included; callers surface them as history.
func (s *Store) ListPlansByRequest(ctx context.Context, requestID string) ([]*Plan, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, request_id, summary, risk_level, estimated_duration_seconds,
			budget, status, approved_by, approved_at, rejection_reason, created_at, updated_at
		FROM plans WHERE request_id = ?
		ORDER BY created_at DESC
	`), requestID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, plan)
	}
	return out, rows.Err()
}

// ApprovePlan marks a pending plan approved and flips its tasks to approved,
// all in one transaction. A plan not in pending_approval yields
// ErrStatusConflict; approved and rejected plans are immutable.
func (s *Store) ApprovePlan(ctx context.Context, id, approver string) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.casPlanStatus(ctx, tx, id, v1.PlanStatusPendingApproval, v1.PlanStatusApproved, func(q string) (string, []interface{}) {
			return q + ", approved_by = ?, approved_at = ?", []interface{}{approver, now}
		}); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE tasks SET status = ?, approved_at = ?, updated_at = ?
			WHERE plan_id = ? AND status = ?
		`), v1.TaskStatusApproved, now, now, id, v1.TaskStatusPendingApproval)
		return err
	})
}

// RejectPlan marks a pending plan rejected and its tasks rejected (terminal).
func (s *Store) RejectPlan(ctx context.Context, id, approver, reason string) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.casPlanStatus(ctx, tx, id, v1.PlanStatusPendingApproval, v1.PlanStatusRejected, func(q string) (string, []interface{}) {
			return q + ", approved_by = ?, rejection_reason = ?", []interface{}{approver, reason}
		}); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE tasks SET status = ?, completed_at = ?, updated_at = ?
			WHERE plan_id = ? AND status = ?
		`), v1.TaskStatusRejected, now, now, id, v1.TaskStatusPendingApproval)
		return err
	})
}

// SupersedePlan marks a pending plan superseded by a newer sibling and
// cancels its tasks. Approved plans cannot be superseded; cancel the request
// instead.
func (s *Store) SupersedePlan(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.casPlanStatus(ctx, tx, id, v1.PlanStatusPendingApproval, v1.PlanStatusSuperseded, nil); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE tasks SET status = ?, completed_at = ?, updated_at = ?
			WHERE plan_id = ? AND status = ?
		`), v1.TaskStatusCancelled, now, now, id, v1.TaskStatusPendingApproval)
		return err
	})
}

// casPlanStatus performs the compare-and-set status update on one plan row,
// classifying a zero-row update as ErrNotFound or ErrStatusConflict.
// extra appends assignment clauses to the UPDATE.
func (s *Store) casPlanStatus(ctx context.Context, tx *sqlx.Tx, id string, from, to v1.PlanStatus, extra func(string) (string, []interface{})) error {
	query := `UPDATE plans SET status = ?, updated_at = ?`
	args := []interface{}{to, time.Now().UTC()}
	if extra != nil {
		var extraArgs []interface{}
		query, extraArgs = extra(query)
		args = append(args, extraArgs...)
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, from)

	result, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		var current string
		err := tx.QueryRowContext(ctx, tx.Rebind(`SELECT status FROM plans WHERE id = ?`), id).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("plan %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("plan %s is %s, expected %s: %w", id, current, from, ErrStatusConflict)
	}
	return nil
}

func scanPlan(row rowScanner) (*Plan, error) {
	plan := &Plan{}
	var budget string
	var approvedAt sql.NullTime
	err := row.Scan(&plan.ID, &plan.RequestID, &plan.Summary, &plan.RiskLevel,
		&plan.EstimatedDurationSeconds, &budget, &plan.Status, &plan.ApprovedBy,
		&approvedAt, &plan.RejectionReason, &plan.CreatedAt, &plan.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if approvedAt.Valid {
		plan.ApprovedAt = &approvedAt.Time
	}
	if err := fromJSONText(budget, &plan.Budget); err != nil {
		return nil, fmt.Errorf("failed to deserialize plan budget: %w", err)
	}
	return plan, nil
}
