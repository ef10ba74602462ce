package v1

import "time"

// BreakerState represents an agent's circuit breaker position
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// Agent is the registry view of a connected worker
type Agent struct {
	ID                  string       `json:"id"`
	Type                string       `json:"type"`
	Capabilities        []string     `json:"capabilities"`
	LastHeartbeat       time.Time    `json:"last_heartbeat"`
	DeclaredCapacity    int          `json:"declared_capacity"`
	FreeCapacityPercent int          `json:"free_capacity_percent"`
	ActiveTaskCount     int          `json:"active_task_count"`
	Breaker             BreakerState `json:"breaker"`
	CooldownUntil       *time.Time   `json:"cooldown_until,omitempty"`
	Available           bool         `json:"available"`
}

// AgentMetrics is the load snapshot an agent reports with each heartbeat
type AgentMetrics struct {
	FreeCapacityPercent int   `json:"free_capacity_percent" binding:"min=0,max=100"`
	ActiveTaskCount     int   `json:"active_task_count" binding:"min=0"`
	MemoryFreeMB        int64 `json:"memory_free_mb,omitempty"`
}

// RegisterAgentRequest registers a worker with the orchestrator
type RegisterAgentRequest struct {
	ID               string   `json:"id" binding:"required,max=200"`
	Type             string   `json:"type" binding:"required,max=100"`
	Capabilities     []string `json:"capabilities" binding:"required,min=1"`
	Token            string   `json:"token" binding:"required,min=16"`
	DeclaredCapacity int      `json:"declared_capacity" binding:"min=1,max=64"`
}
