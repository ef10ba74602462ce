package v1

import "time"

// EventType discriminates execution events streamed to UI subscribers
type EventType string

const (
	EventPlanApproved    EventType = "plan_approved"
	EventDispatchStarted EventType = "dispatch_started"
	EventStepCompleted   EventType = "step_completed"
	EventExecutionDone   EventType = "execution_done"
	EventExecutionFailed EventType = "execution_failed"
	EventPaused          EventType = "paused"
	EventResumed         EventType = "resumed"
)

// Event is the envelope delivered to execution event subscribers. Key is the
// plan, request, or task id the subscriber registered interest in.
type Event struct {
	Type      EventType   `json:"event_type"`
	Key       string      `json:"key"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"ts"`
}
