package v1

import "time"

// RiskLevel classifies how dangerous a plan is to execute
type RiskLevel string

const (
	RiskLevelLow    RiskLevel = "low"
	RiskLevelMedium RiskLevel = "medium"
	RiskLevelHigh   RiskLevel = "high"
)

// PlanStatus represents the approval state of a plan
type PlanStatus string

const (
	PlanStatusPendingApproval PlanStatus = "pending_approval"
	PlanStatusApproved        PlanStatus = "approved"
	PlanStatusRejected        PlanStatus = "rejected"
	PlanStatusSuperseded      PlanStatus = "superseded"
)

// Final reports whether the plan can no longer change. Approved and rejected
// plans are immutable; superseded plans are retained for history.
func (s PlanStatus) Final() bool {
	return s == PlanStatusApproved || s == PlanStatusRejected || s == PlanStatusSuperseded
}

// ResourceBudget bounds what a plan's tasks may consume in aggregate
type ResourceBudget struct {
	MaxParallelTasks        int `json:"max_parallel_tasks,omitempty"`
	MaxTotalDurationSeconds int `json:"max_total_duration_seconds,omitempty"`
	MaxMemoryMB             int `json:"max_memory_mb,omitempty"`
}

// Plan represents an ordered set of tasks derived from one request
type Plan struct {
	ID                       string         `json:"id"`
	RequestID                string         `json:"request_id"`
	Summary                  string         `json:"summary"`
	RiskLevel                RiskLevel      `json:"risk_level"`
	EstimatedDurationSeconds int            `json:"estimated_duration_seconds"`
	Budget                   ResourceBudget `json:"budget"`
	Status                   PlanStatus     `json:"status"`
	ApprovedBy               *string        `json:"approved_by,omitempty"`
	ApprovedAt               *time.Time     `json:"approved_at,omitempty"`
	Tasks                    []Task         `json:"tasks"`
	CreatedAt                time.Time      `json:"created_at"`
}

// ApprovePlanRequest approves a plan for dispatch
type ApprovePlanRequest struct {
	Approver string `json:"approver" binding:"required,max=200"`
}

// ApprovePlanResponse reports whether dispatch began immediately
type ApprovePlanResponse struct {
	DispatchStarted bool `json:"dispatch_started"`
}

// RejectPlanRequest rejects a plan
type RejectPlanRequest struct {
	Approver string `json:"approver" binding:"required,max=200"`
	Reason   string `json:"reason,omitempty" binding:"omitempty,max=1000"`
}

// ModifyPlanRequest asks the planner for a replacement plan under the same
// request; the current plan is marked superseded
type ModifyPlanRequest struct {
	Text string `json:"text" binding:"required,max=4000"`
}

// ModifyPlanResponse returns the id of the replacement plan
type ModifyPlanResponse struct {
	NewPlanID string `json:"new_plan_id"`
}
