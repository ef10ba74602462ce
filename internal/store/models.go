package store

import (
	"encoding/json"
	"time"

	v1 "github.com/chorushq/chorus/pkg/api/v1"
)

// Request is the stored form of a change request.
type Request struct {
	ID        string
	Requester string
	Text      string
	Intent    map[string]interface{}
	State     v1.RequestState
	Failure   *v1.Failure
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ToAPI converts the request to its API view. PlanIDs are attached by the
// caller from ListPlansByRequest.
func (r *Request) ToAPI(planIDs []string) *v1.Request {
	return &v1.Request{
		ID:        r.ID,
		Requester: r.Requester,
		Text:      r.Text,
		Intent:    r.Intent,
		State:     r.State,
		PlanIDs:   planIDs,
		Failure:   r.Failure,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// Plan is the stored form of a plan.
type Plan struct {
	ID                       string
	RequestID                string
	Summary                  string
	RiskLevel                v1.RiskLevel
	EstimatedDurationSeconds int
	Budget                   v1.ResourceBudget
	Status                   v1.PlanStatus
	ApprovedBy               string
	ApprovedAt               *time.Time
	RejectionReason          string
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// ToAPI converts the plan to its API view with the given tasks attached.
func (p *Plan) ToAPI(tasks []*Task) *v1.Plan {
	out := &v1.Plan{
		ID:                       p.ID,
		RequestID:                p.RequestID,
		Summary:                  p.Summary,
		RiskLevel:                p.RiskLevel,
		EstimatedDurationSeconds: p.EstimatedDurationSeconds,
		Budget:                   p.Budget,
		Status:                   p.Status,
		ApprovedAt:               p.ApprovedAt,
		Tasks:                    make([]v1.Task, 0, len(tasks)),
		CreatedAt:                p.CreatedAt,
	}
	if p.ApprovedBy != "" {
		approver := p.ApprovedBy
		out.ApprovedBy = &approver
	}
	for _, t := range tasks {
		out.Tasks = append(out.Tasks, *t.ToAPI())
	}
	return out
}

// Task is the stored form of a task.
type Task struct {
	ID                 string
	PlanID             string
	Ordinal            int
	WorkType           string
	Parameters         map[string]interface{}
	Hints              v1.SchedulingHints
	AgentID            *string
	Status             v1.TaskStatus
	RetryCount         int
	IdempotencyKey     string
	EstimatedResources *v1.Resources
	ActualResources    *v1.Resources
	ServicesTouched    []string
	Outcome            *v1.Outcome
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ApprovedAt         *time.Time
	DispatchedAt       *time.Time
	CompletedAt        *time.Time
}

// ToAPI converts the task to its API view.
func (t *Task) ToAPI() *v1.Task {
	return &v1.Task{
		ID:                 t.ID,
		PlanID:             t.PlanID,
		Ordinal:            t.Ordinal,
		WorkType:           t.WorkType,
		Parameters:         t.Parameters,
		Hints:              t.Hints,
		AgentID:            t.AgentID,
		Status:             t.Status,
		RetryCount:         t.RetryCount,
		IdempotencyKey:     t.IdempotencyKey,
		EstimatedResources: t.EstimatedResources,
		ActualResources:    t.ActualResources,
		ServicesTouched:    t.ServicesTouched,
		Outcome:            t.Outcome,
		CreatedAt:          t.CreatedAt,
		ApprovedAt:         t.ApprovedAt,
		DispatchedAt:       t.DispatchedAt,
		CompletedAt:        t.CompletedAt,
	}
}

// Step is the stored form of an execution step.
type Step struct {
	ID         int64
	TaskID     string
	Ordinal    int
	AgentID    string
	Action     string
	Status     string
	Output     string
	DurationMS int64
	CreatedAt  time.Time
}

// ToAPI converts the step to its API view.
func (s *Step) ToAPI() *v1.ExecutionStep {
	return &v1.ExecutionStep{
		ID:         s.ID,
		TaskID:     s.TaskID,
		Ordinal:    s.Ordinal,
		AgentID:    s.AgentID,
		Action:     s.Action,
		Status:     s.Status,
		Output:     s.Output,
		DurationMS: s.DurationMS,
		CreatedAt:  s.CreatedAt,
	}
}

// PauseEntry is a parked task with the context needed to resume it.
type PauseEntry struct {
	TaskID    string
	Reason    string
	Payload   []byte
	PausedAt  time.Time
	NotBefore time.Time
}

// Agent is the stored form of a registered worker.
type Agent struct {
	ID                  string
	Type                string
	Capabilities        []string
	TokenHash           string
	DeclaredCapacity    int
	FreeCapacityPercent int
	ActiveTaskCount     int
	LastHeartbeat       time.Time
	Breaker             v1.BreakerState
	ConsecutiveFailures int
	CooldownUntil       *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ToAPI converts the agent to its API view. Availability is judged against
// the given heartbeat TTL at the given instant.
func (a *Agent) ToAPI(now time.Time, heartbeatTTL time.Duration) *v1.Agent {
	return &v1.Agent{
		ID:                  a.ID,
		Type:                a.Type,
		Capabilities:        a.Capabilities,
		LastHeartbeat:       a.LastHeartbeat,
		DeclaredCapacity:    a.DeclaredCapacity,
		FreeCapacityPercent: a.FreeCapacityPercent,
		ActiveTaskCount:     a.ActiveTaskCount,
		Breaker:             a.Breaker,
		CooldownUntil:       a.CooldownUntil,
		Available:           now.Sub(a.LastHeartbeat) <= heartbeatTTL,
	}
}

// AuditRetry is a terminal task whose audit artifact write failed and is
// awaiting another attempt.
type AuditRetry struct {
	TaskID    string
	Status    v1.TaskStatus
	Reason    string
	Attempts  int
	Alerted   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// jsonText marshals v for a TEXT column, falling back to the given literal
// on error or nil input.
func jsonText(v interface{}, fallback string) string {
	if v == nil {
		return fallback
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(data)
}

// fromJSONText unmarshals a TEXT column into out, treating empty text as
// absent.
func fromJSONText(text string, out interface{}) error {
	if text == "" {
		return nil
	}
	return json.Unmarshal([]byte(text), out)
}
