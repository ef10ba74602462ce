// Package audit writes the immutable half of the audit trail: one JSON
// artifact per terminal task under a content-addressed path, chained
// together by a hash-linked commit log. The relational store stays queryable
// and mutable while a task is in flight; once the task is terminal this
// package freezes its outcome on disk.
package audit

import (
	"encoding/json"
	"time"

	"github.com/chorushq/chorus/internal/store"
	v1 "github.com/chorushq/chorus/pkg/api/v1"
)

// Artifact is the frozen record of one terminal task. Field order is fixed
// so the canonical encoding is byte-stable: rebuilding the artifact from the
// same stored rows yields the same bytes.
type Artifact struct {
	TaskID          string           `json:"task_id"`
	RequestID       string           `json:"request_id"`
	PlanID          string           `json:"plan_id"`
	Status          v1.TaskStatus    `json:"status"`
	Requester       string           `json:"requester"`
	RequestText     string           `json:"request_text"`
	Plan            PlanSnapshot     `json:"plan"`
	Dispatch        DispatchSnapshot `json:"dispatch"`
	Result          *v1.Outcome      `json:"result,omitempty"`
	ResourcesUsed   *v1.Resources    `json:"resources_used,omitempty"`
	ServicesTouched []string         `json:"services_touched,omitempty"`
	RecordedAt      time.Time        `json:"recorded_at"`
}

// PlanSnapshot captures the approved plan at the time the task finished.
type PlanSnapshot struct {
	Summary                  string            `json:"summary"`
	RiskLevel                v1.RiskLevel      `json:"risk_level"`
	EstimatedDurationSeconds int               `json:"estimated_duration_seconds"`
	Budget                   v1.ResourceBudget `json:"budget"`
	ApprovedBy               string            `json:"approved_by,omitempty"`
	ApprovedAt               *time.Time        `json:"approved_at,omitempty"`
}

// DispatchSnapshot captures what was sent where.
type DispatchSnapshot struct {
	WorkType       string                 `json:"work_type"`
	Ordinal        int                    `json:"ordinal"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
	Hints          v1.SchedulingHints     `json:"hints"`
	AgentID        string                 `json:"agent_id,omitempty"`
	RetryCount     int                    `json:"retry_count"`
	IdempotencyKey string                 `json:"idempotency_key"`
	DispatchedAt   *time.Time             `json:"dispatched_at,omitempty"`
}

// Build assembles the artifact for a terminal task from its stored rows.
// RecordedAt comes from the task's completion timestamp, not the clock, so
// a retried write produces identical content.
func Build(task *store.Task, plan *store.Plan, req *store.Request) *Artifact {
	recordedAt := task.UpdatedAt
	if task.CompletedAt != nil {
		recordedAt = *task.CompletedAt
	}

	artifact := &Artifact{
		TaskID:      task.ID,
		RequestID:   req.ID,
		PlanID:      plan.ID,
		Status:      task.Status,
		Requester:   req.Requester,
		RequestText: req.Text,
		Plan: PlanSnapshot{
			Summary:                  plan.Summary,
			RiskLevel:                plan.RiskLevel,
			EstimatedDurationSeconds: plan.EstimatedDurationSeconds,
			Budget:                   plan.Budget,
			ApprovedBy:               plan.ApprovedBy,
			ApprovedAt:               plan.ApprovedAt,
		},
		Dispatch: DispatchSnapshot{
			WorkType:       task.WorkType,
			Ordinal:        task.Ordinal,
			Parameters:     task.Parameters,
			Hints:          task.Hints,
			RetryCount:     task.RetryCount,
			IdempotencyKey: task.IdempotencyKey,
			DispatchedAt:   task.DispatchedAt,
		},
		Result:          task.Outcome,
		ResourcesUsed:   task.ActualResources,
		ServicesTouched: task.ServicesTouched,
		RecordedAt:      recordedAt.UTC(),
	}
	if task.AgentID != nil {
		artifact.Dispatch.AgentID = *task.AgentID
	}
	return artifact
}

// Canonical returns the artifact's canonical encoding. Struct fields encode
// in declaration order and map keys sort, so the output is deterministic.
func (a *Artifact) Canonical() ([]byte, error) {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
