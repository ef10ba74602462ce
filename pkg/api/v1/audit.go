package v1

import "time"

// AuditQuery filters the task audit view. Limit is clamped to 1000 by the
// store.
type AuditQuery struct {
	Status  string     `form:"status" binding:"omitempty,max=50"`
	Service string     `form:"service" binding:"omitempty,max=200"`
	AgentID string     `form:"agent_id" binding:"omitempty,max=200"`
	Since   *time.Time `form:"since" time_format:"2006-01-02T15:04:05Z07:00"`
	Until   *time.Time `form:"until" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit   int        `form:"limit,default=100" binding:"omitempty,min=1,max=1000"`
	Offset  int        `form:"offset" binding:"omitempty,min=0"`
}

// TaskPage is one page of the audit view
type TaskPage struct {
	Items  []Task `json:"items"`
	Total  int64  `json:"total"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}
