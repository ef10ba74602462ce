package v1

import "time"

// TaskStatus represents the execution state of a task
type TaskStatus string

const (
	TaskStatusReceived        TaskStatus = "received"
	TaskStatusPendingApproval TaskStatus = "pending_approval"
	TaskStatusApproved        TaskStatus = "approved"
	TaskStatusPaused          TaskStatus = "paused"
	TaskStatusDispatched      TaskStatus = "dispatched"
	TaskStatusRunning         TaskStatus = "running"
	TaskStatusSuccess         TaskStatus = "success"
	TaskStatusFailed          TaskStatus = "failed"
	TaskStatusRejected        TaskStatus = "rejected"
	TaskStatusCancelled       TaskStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal tasks are read-only
// in the store.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSuccess, TaskStatusFailed, TaskStatusRejected, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// taskTransitions is the legal edge set of the task state machine. Retryable
// failures move a dispatched or running task back to approved for
// re-dispatch after backoff.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusReceived:        {TaskStatusPendingApproval, TaskStatusRejected, TaskStatusCancelled},
	TaskStatusPendingApproval: {TaskStatusApproved, TaskStatusRejected, TaskStatusCancelled},
	TaskStatusApproved:        {TaskStatusDispatched, TaskStatusPaused, TaskStatusCancelled},
	TaskStatusPaused:          {TaskStatusApproved, TaskStatusCancelled},
	TaskStatusDispatched:      {TaskStatusRunning, TaskStatusApproved, TaskStatusSuccess, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusRunning:         {TaskStatusApproved, TaskStatusSuccess, TaskStatusFailed, TaskStatusCancelled},
}

// ValidTransition reports whether from → to is a legal task state change.
func ValidTransition(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SchedulingHints carries per-task dispatch hints
type SchedulingHints struct {
	MaxDurationSeconds int `json:"max_duration_seconds,omitempty"`
	MaxMemoryMB        int `json:"max_memory_mb,omitempty"`
}

// Resources describes estimated or consumed task resources
type Resources struct {
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	MemoryMB        int64   `json:"memory_mb,omitempty"`
	GPUVRAMMB       int64   `json:"gpu_vram_mb,omitempty"`
	CPUTimeMS       int64   `json:"cpu_time_ms,omitempty"`
}

// Outcome is the structured result of a finished task
type Outcome struct {
	ExitCode         int    `json:"exit_code"`
	Output           string `json:"output,omitempty"`
	FailureReason    string `json:"failure_reason,omitempty"`
	FailureErrorCode int    `json:"failure_error_code,omitempty"`
}

// Task represents a single unit of work dispatched to one agent
type Task struct {
	ID                 string                 `json:"id"`
	PlanID             string                 `json:"plan_id"`
	Ordinal            int                    `json:"ordinal"`
	WorkType           string                 `json:"work_type"`
	Parameters         map[string]interface{} `json:"parameters,omitempty"`
	Hints              SchedulingHints        `json:"hints"`
	AgentID            *string                `json:"agent_id,omitempty"`
	Status             TaskStatus             `json:"status"`
	RetryCount         int                    `json:"retry_count"`
	IdempotencyKey     string                 `json:"idempotency_key"`
	EstimatedResources *Resources             `json:"estimated_resources,omitempty"`
	ActualResources    *Resources             `json:"actual_resources,omitempty"`
	ServicesTouched    []string               `json:"services_touched,omitempty"`
	Outcome            *Outcome               `json:"outcome,omitempty"`
	AuditRecorded      bool                   `json:"audit_recorded"`
	CreatedAt          time.Time              `json:"created_at"`
	ApprovedAt         *time.Time             `json:"approved_at,omitempty"`
	DispatchedAt       *time.Time             `json:"dispatched_at,omitempty"`
	CompletedAt        *time.Time             `json:"completed_at,omitempty"`
}

// ExecutionStep is one fine-grained progress event of a running task
type ExecutionStep struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	Ordinal    int       `json:"ordinal"`
	AgentID    string    `json:"agent_id"`
	Action     string    `json:"action"`
	Status     string    `json:"status"`
	Output     string    `json:"output,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// CancelTaskRequest for cancelling a task or a whole request
type CancelTaskRequest struct {
	Reason string `json:"reason,omitempty" binding:"omitempty,max=500"`
}
