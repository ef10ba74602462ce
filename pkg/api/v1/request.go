package v1

import "time"

// RequestState represents the lifecycle state of a change request
type RequestState string

const (
	RequestStateReceived        RequestState = "received"
	RequestStatePlanning        RequestState = "planning"
	RequestStatePendingApproval RequestState = "pending_approval"
	RequestStateApproved        RequestState = "approved"
	RequestStateExecuting       RequestState = "executing"
	RequestStateComplete        RequestState = "complete"
	RequestStateRejected        RequestState = "rejected"
	RequestStateFailed          RequestState = "failed"
)

// Terminal reports whether the state is final.
func (s RequestState) Terminal() bool {
	switch s {
	case RequestStateComplete, RequestStateRejected, RequestStateFailed:
		return true
	default:
		return false
	}
}

// Failure is the structured error view produced at the request boundary.
// The UI maps codes to human-readable text.
type Failure struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Request represents a user-submitted change request
type Request struct {
	ID        string                 `json:"id"`
	Requester string                 `json:"requester"`
	Text      string                 `json:"text"`
	Intent    map[string]interface{} `json:"intent,omitempty"`
	State     RequestState           `json:"state"`
	PlanIDs   []string               `json:"plan_ids,omitempty"` // newest first, superseded plans included
	Failure   *Failure               `json:"failure,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// SubmitRequest for submitting a new change request
type SubmitRequest struct {
	Text      string `json:"text" binding:"required,max=4000"`
	Requester string `json:"requester,omitempty" binding:"omitempty,max=200"`
}

// SubmitResponse returns the id of the accepted request
type SubmitResponse struct {
	RequestID string `json:"request_id"`
}
