// Package api provides the HTTP handlers for the orchestrator API.
package api

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chorushq/chorus/internal/common/errors"
	"github.com/chorushq/chorus/internal/common/logger"
	"github.com/chorushq/chorus/internal/orchestrator"
	"github.com/chorushq/chorus/internal/planner"
	"github.com/chorushq/chorus/internal/registry"
	"github.com/chorushq/chorus/internal/store"
	v1 "github.com/chorushq/chorus/pkg/api/v1"
)

// Handler contains HTTP handlers for the orchestrator API
type Handler struct {
	service *orchestrator.Service
	logger  *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(service *orchestrator.Service, log *logger.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  log.WithFields(zap.String("component", "gateway-api")),
	}
}

// toAppError maps a service error onto its HTTP representation. Store
// sentinels carry the status, planner errors carry the machine reason, and
// anything unrecognized is an internal error hiding its cause.
func toAppError(err error, fallback string) *errors.AppError {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}

	var perr *planner.Error
	switch {
	case stderrors.Is(err, store.ErrNotFound),
		stderrors.Is(err, registry.ErrUnknownAgent):
		return errors.NotFound(err.Error())
	case stderrors.Is(err, store.ErrStatusConflict),
		stderrors.Is(err, store.ErrImmutabilityViolation):
		return errors.Conflict(err.Error())
	case stderrors.As(err, &perr):
		if perr.Reason == planner.ReasonLLMUnavailable {
			return errors.ServiceUnavailable("planner")
		}
		return errors.BadRequest(perr.Error())
	case stderrors.Is(err, orchestrator.ErrServiceNotRunning):
		return errors.ServiceUnavailable("orchestrator")
	}
	return errors.InternalError(fallback, err)
}

// respondError writes the error response and logs server-side failures with
// whatever request and trace IDs the middleware put on the context.
func (h *Handler) respondError(c *gin.Context, err error, fallback string) {
	appErr := toAppError(err, fallback)
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.WithContext(c.Request.Context()).Error(fallback, zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// SubmitRequest accepts a change request for planning
// POST /api/v1/requests
func (h *Handler) SubmitRequest(c *gin.Context) {
	var req v1.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	resp, err := h.service.Submit(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err, "failed to submit request")
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

// GetRequest returns a request with its plan history
// GET /api/v1/requests/:requestId
func (h *Handler) GetRequest(c *gin.Context) {
	req, err := h.service.GetRequest(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		h.respondError(c, err, "failed to load request")
		return
	}
	c.JSON(http.StatusOK, req)
}

// CancelRequest cancels a request and every live task under it
// POST /api/v1/requests/:requestId/cancel
func (h *Handler) CancelRequest(c *gin.Context) {
	requestID := c.Param("requestId")
	if err := h.service.CancelRequest(c.Request.Context(), requestID); err != nil {
		h.respondError(c, err, "failed to cancel request")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message":    "request cancelled",
		"request_id": requestID,
	})
}

// GetPlan returns a plan with its tasks
// GET /api/v1/plans/:planId
func (h *Handler) GetPlan(c *gin.Context) {
	plan, err := h.service.GetPlan(c.Request.Context(), c.Param("planId"))
	if err != nil {
		h.respondError(c, err, "failed to load plan")
		return
	}
	c.JSON(http.StatusOK, plan)
}

// ApprovePlan approves a plan and starts dispatch
// POST /api/v1/plans/:planId/approve
func (h *Handler) ApprovePlan(c *gin.Context) {
	var req v1.ApprovePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	resp, err := h.service.Approve(c.Request.Context(), c.Param("planId"), req.Approver)
	if err != nil {
		h.respondError(c, err, "failed to approve plan")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// RejectPlan rejects a plan
// POST /api/v1/plans/:planId/reject
func (h *Handler) RejectPlan(c *gin.Context) {
	var req v1.RejectPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.service.Reject(c.Request.Context(), c.Param("planId"), req.Approver, req.Reason); err != nil {
		h.respondError(c, err, "failed to reject plan")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "plan rejected"})
}

// ModifyPlan replans the request and supersedes the current plan
// POST /api/v1/plans/:planId/modify
func (h *Handler) ModifyPlan(c *gin.Context) {
	var req v1.ModifyPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	resp, err := h.service.Modify(c.Request.Context(), c.Param("planId"), req.Text)
	if err != nil {
		h.respondError(c, err, "failed to modify plan")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// CancelTask cancels one task
// POST /api/v1/tasks/:taskId/cancel
func (h *Handler) CancelTask(c *gin.Context) {
	taskID := c.Param("taskId")
	var req v1.CancelTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// The body is optional; cancellation needs no reason.
		req = v1.CancelTaskRequest{}
	}
	if req.Reason != "" {
		h.logger.Info("Task cancellation requested",
			zap.String("task_id", taskID),
			zap.String("reason", req.Reason),
		)
	}

	if err := h.service.CancelTask(c.Request.Context(), taskID); err != nil {
		h.respondError(c, err, "failed to cancel task")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message": "task cancelled",
		"task_id": taskID,
	})
}

// QueryAudit returns one page of the task audit view
// GET /api/v1/audit/tasks
func (h *Handler) QueryAudit(c *gin.Context) {
	var query v1.AuditQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		appErr := errors.ValidationError("query", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	page, err := h.service.QueryAudit(c.Request.Context(), &query)
	if err != nil {
		h.respondError(c, err, "failed to query audit view")
		return
	}
	c.JSON(http.StatusOK, page)
}

// RegisterAgent adds or re-registers a worker
// POST /api/v1/agents
func (h *Handler) RegisterAgent(c *gin.Context) {
	var req v1.RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	agent, err := h.service.RegisterAgent(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err, "failed to register agent")
		return
	}
	c.JSON(http.StatusCreated, agent)
}

// AgentHeartbeat records a worker's load report
// POST /api/v1/agents/:agentId/heartbeat
func (h *Handler) AgentHeartbeat(c *gin.Context) {
	var metrics v1.AgentMetrics
	if err := c.ShouldBindJSON(&metrics); err != nil {
		appErr := errors.ValidationError("metrics", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.service.AgentHeartbeat(c.Request.Context(), c.Param("agentId"), &metrics); err != nil {
		h.respondError(c, err, "failed to record heartbeat")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "heartbeat recorded"})
}

// ForgetAgent removes a worker from the registry
// DELETE /api/v1/agents/:agentId
func (h *Handler) ForgetAgent(c *gin.Context) {
	if err := h.service.ForgetAgent(c.Request.Context(), c.Param("agentId")); err != nil {
		h.respondError(c, err, "failed to forget agent")
		return
	}
	c.Status(http.StatusNoContent)
}

// ListAgents returns every known worker
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	agents := h.service.Agents()
	c.JSON(http.StatusOK, gin.H{
		"agents": agents,
		"total":  len(agents),
	})
}

// GetStatus returns the overall orchestrator status
// GET /api/v1/status
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Status())
}
