package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorushq/chorus/internal/audit"
	"github.com/chorushq/chorus/internal/bus"
	"github.com/chorushq/chorus/internal/common/config"
	"github.com/chorushq/chorus/internal/common/logger"
	"github.com/chorushq/chorus/internal/db"
	"github.com/chorushq/chorus/internal/fanout"
	"github.com/chorushq/chorus/internal/orchestrator"
	"github.com/chorushq/chorus/internal/planner"
	"github.com/chorushq/chorus/internal/registry"
	"github.com/chorushq/chorus/internal/scheduler"
	"github.com/chorushq/chorus/internal/store"
	"github.com/chorushq/chorus/internal/supervisor"
	v1 "github.com/chorushq/chorus/pkg/api/v1"
	"github.com/chorushq/chorus/pkg/wire"
)

// stubPlanner drafts one shell task per request without an LLM.
type stubPlanner struct{}

func (stubPlanner) Plan(_ context.Context, req *store.Request) (*planner.Draft, error) {
	return &planner.Draft{
		Plan: &store.Plan{
			RequestID:                req.ID,
			Summary:                  "maintenance pass",
			RiskLevel:                v1.RiskLevelLow,
			EstimatedDurationSeconds: 120,
		},
		Tasks: []*store.Task{{
			WorkType:   wire.WorkTypeShellCommand,
			Parameters: map[string]interface{}{"command": "uptime"},
			Hints:      v1.SchedulingHints{MaxDurationSeconds: 600},
		}},
		Intent: map[string]interface{}{"action": "maintain"},
	}, nil
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	pool, err := db.Connect(db.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	st, err := store.New(pool)
	require.NoError(t, err)

	cfg := config.OrchestratorConfig{
		HeartbeatTTLSeconds:           30,
		PauseCapacityThresholdPercent: 20,
		PauseResumeIntervalSeconds:    10,
		BreakerConsecutiveFailures:    5,
		BreakerCooldownSeconds:        60,
		RetryMaxAttempts:              3,
		RetryBackoffSeconds:           []int{1, 2, 4},
		DefaultTaskDeadlineSeconds:    900,
	}

	b := bus.NewMemoryBus(log)
	reg := registry.New(st, cfg, log)
	events := fanout.NewBroker(log)
	sched := scheduler.New(b, st, reg, events, cfg, log)
	aw, err := audit.NewWriter(t.TempDir(), log)
	require.NoError(t, err)
	sup := supervisor.New(b, st, reg, sched, events, aw, cfg, log)
	flusher := audit.NewFlusher(st, aw, config.AuditConfig{RetryAlertThreshold: 3, RetryIntervalSeconds: 3600}, log)

	svc := orchestrator.NewService(st, stubPlanner{}, sched, sup, reg, events, aw, flusher, log)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop() })

	router := gin.New()
	SetupRoutes(router.Group("/api/v1"), svc, log)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeInto(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), "response body: %s", w.Body.String())
}

// submitAndAwaitPlan drives a request to pending_approval over the API.
func submitAndAwaitPlan(t *testing.T, router *gin.Engine) (string, string) {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/v1/requests",
		v1.SubmitRequest{Text: "update the media server", Requester: "kai"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp v1.SubmitResponse
	decodeInto(t, w, &resp)

	deadline := time.After(2 * time.Second)
	for {
		w = doJSON(t, router, http.MethodGet, "/api/v1/requests/"+resp.RequestID, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var req v1.Request
		decodeInto(t, w, &req)
		if req.State == v1.RequestStatePendingApproval {
			require.NotEmpty(t, req.PlanIDs)
			return resp.RequestID, req.PlanIDs[0]
		}
		select {
		case <-deadline:
			t.Fatalf("request never reached pending_approval, state %s", req.State)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func registerTestAgent(t *testing.T, router *gin.Engine, id string) {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/v1/agents", v1.RegisterAgentRequest{
		ID:               id,
		Type:             "shell",
		Capabilities:     []string{wire.WorkTypeShellCommand},
		Token:            "secret-token-" + id,
		DeclaredCapacity: 4,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = doJSON(t, router, http.MethodPost, "/api/v1/agents/"+id+"/heartbeat",
		v1.AgentMetrics{FreeCapacityPercent: 80})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestAPI_SubmitAndFetch(t *testing.T) {
	router := newTestRouter(t)
	requestID, planID := submitAndAwaitPlan(t, router)

	w := doJSON(t, router, http.MethodGet, "/api/v1/plans/"+planID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var plan v1.Plan
	decodeInto(t, w, &plan)
	assert.Equal(t, requestID, plan.RequestID)
	assert.Equal(t, v1.PlanStatusPendingApproval, plan.Status)
	assert.Len(t, plan.Tasks, 1)
}

func TestAPI_SubmitValidation(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/requests", map[string]string{})
	require.Equal(t, http.StatusBadRequest, w.Code)
	var appErr struct {
		Code string `json:"code"`
	}
	decodeInto(t, w, &appErr)
	assert.Equal(t, "VALIDATION_ERROR", appErr.Code)
}

func TestAPI_UnknownRequestIs404(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/requests/no-such-id", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	var appErr struct {
		Code string `json:"code"`
	}
	decodeInto(t, w, &appErr)
	assert.Equal(t, "NOT_FOUND", appErr.Code)
}

func TestAPI_ApproveOnceThenConflict(t *testing.T) {
	router := newTestRouter(t)
	registerTestAgent(t, router, "shell-01")
	_, planID := submitAndAwaitPlan(t, router)

	w := doJSON(t, router, http.MethodPost, "/api/v1/plans/"+planID+"/approve",
		v1.ApprovePlanRequest{Approver: "kai"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp v1.ApprovePlanResponse
	decodeInto(t, w, &resp)
	assert.True(t, resp.DispatchStarted, "approve with an idle agent should start dispatch")

	w = doJSON(t, router, http.MethodPost, "/api/v1/plans/"+planID+"/approve",
		v1.ApprovePlanRequest{Approver: "kai"})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
}

func TestAPI_ModifyReturnsNewPlan(t *testing.T) {
	router := newTestRouter(t)
	requestID, planID := submitAndAwaitPlan(t, router)

	w := doJSON(t, router, http.MethodPost, "/api/v1/plans/"+planID+"/modify",
		v1.ModifyPlanRequest{Text: "update the media server but skip backups"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp v1.ModifyPlanResponse
	decodeInto(t, w, &resp)
	require.NotEmpty(t, resp.NewPlanID)
	assert.NotEqual(t, planID, resp.NewPlanID)

	w = doJSON(t, router, http.MethodGet, "/api/v1/requests/"+requestID, nil)
	var req v1.Request
	decodeInto(t, w, &req)
	require.Len(t, req.PlanIDs, 2)
	assert.Equal(t, resp.NewPlanID, req.PlanIDs[0], "plan history should be newest first")
}

func TestAPI_AgentLifecycle(t *testing.T) {
	router := newTestRouter(t)
	registerTestAgent(t, router, "shell-01")

	w := doJSON(t, router, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listing struct {
		Agents []v1.Agent `json:"agents"`
		Total  int        `json:"total"`
	}
	decodeInto(t, w, &listing)
	require.Equal(t, 1, listing.Total)
	assert.Equal(t, "shell-01", listing.Agents[0].ID)
	assert.True(t, listing.Agents[0].Available, "freshly heartbeated agent should be available")

	w = doJSON(t, router, http.MethodDelete, "/api/v1/agents/shell-01", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = doJSON(t, router, http.MethodGet, "/api/v1/agents", nil)
	decodeInto(t, w, &listing)
	assert.Equal(t, 0, listing.Total)

	// The forgotten agent is gone from the registry entirely.
	w = doJSON(t, router, http.MethodPost, "/api/v1/agents/shell-01/heartbeat",
		v1.AgentMetrics{FreeCapacityPercent: 80})
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
	w = doJSON(t, router, http.MethodDelete, "/api/v1/agents/shell-01", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
}

func TestAPI_AuditQueryValidation(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/audit/tasks?limit=5000", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/audit/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var page v1.TaskPage
	decodeInto(t, w, &page)
	assert.Equal(t, 100, page.Limit)
	assert.Equal(t, int64(0), page.Total)
}

func TestAPI_StatusReportsRunning(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st orchestrator.Status
	decodeInto(t, w, &st)
	assert.True(t, st.Running)
}
