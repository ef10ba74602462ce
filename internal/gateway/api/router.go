package api

import (
	"github.com/gin-gonic/gin"

	"github.com/chorushq/chorus/internal/common/logger"
	"github.com/chorushq/chorus/internal/orchestrator"
)

// SetupRoutes configures the orchestrator API routes
func SetupRoutes(router *gin.RouterGroup, service *orchestrator.Service, log *logger.Logger) {
	handler := NewHandler(service, log)

	router.GET("/status", handler.GetStatus)

	// Request lifecycle
	requests := router.Group("/requests")
	{
		requests.POST("", handler.SubmitRequest)
		requests.GET("/:requestId", handler.GetRequest)
		requests.POST("/:requestId/cancel", handler.CancelRequest)
	}

	// Plan review
	plans := router.Group("/plans/:planId")
	{
		plans.GET("", handler.GetPlan)
		plans.POST("/approve", handler.ApprovePlan)
		plans.POST("/reject", handler.RejectPlan)
		plans.POST("/modify", handler.ModifyPlan)
	}

	// Task control and the audit view
	router.POST("/tasks/:taskId/cancel", handler.CancelTask)
	router.GET("/audit/tasks", handler.QueryAudit)

	// Worker registry
	agents := router.Group("/agents")
	{
		agents.GET("", handler.ListAgents)
		agents.POST("", handler.RegisterAgent)
		agents.POST("/:agentId/heartbeat", handler.AgentHeartbeat)
		agents.DELETE("/:agentId", handler.ForgetAgent)
	}
}
