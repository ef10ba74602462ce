package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/chorushq/chorus/internal/db"
	v1 "github.com/chorushq/chorus/pkg/api/v1"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	pool, err := db.Connect(db.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	s, err := New(pool)
	if err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	return s
}

// seedPlan creates a request with one pending plan holding n tasks.
func seedPlan(t *testing.T, s *Store, n int) (*Request, *Plan, []*Task) {
	t.Helper()
	ctx := context.Background()

	req := &Request{Requester: "alice", Text: "restart jellyfin"}
	if err := s.CreateRequest(ctx, req); err != nil {
		t.Fatalf("failed to create request: %v", err)
	}

	plan := &Plan{
		RequestID:                req.ID,
		Summary:                  "restart the jellyfin service",
		RiskLevel:                v1.RiskLevelLow,
		EstimatedDurationSeconds: 30,
	}
	tasks := make([]*Task, n)
	for i := range tasks {
		tasks[i] = &Task{
			WorkType:   "shell_command",
			Parameters: map[string]interface{}{"command": "systemctl restart jellyfin"},
		}
	}
	if err := s.CreatePlan(ctx, plan, tasks); err != nil {
		t.Fatalf("failed to create plan: %v", err)
	}
	return req, plan, tasks
}

func TestRequestLifecycle(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	req := &Request{Requester: "alice", Text: "update the reverse proxy config"}
	if err := s.CreateRequest(ctx, req); err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	if req.ID == "" {
		t.Error("expected request ID to be set")
	}
	if req.State != v1.RequestStateReceived {
		t.Errorf("expected state received, got %s", req.State)
	}

	retrieved, err := s.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("failed to get request: %v", err)
	}
	if retrieved.Text != req.Text {
		t.Errorf("expected text %q, got %q", req.Text, retrieved.Text)
	}

	if err := s.SetRequestState(ctx, req.ID, v1.RequestStateReceived, v1.RequestStatePlanning); err != nil {
		t.Fatalf("failed to transition request: %v", err)
	}

	// CAS with a stale prior state must conflict.
	err = s.SetRequestState(ctx, req.ID, v1.RequestStateReceived, v1.RequestStatePlanning)
	if !errors.Is(err, ErrStatusConflict) {
		t.Errorf("expected ErrStatusConflict, got %v", err)
	}

	if err := s.SetRequestIntent(ctx, req.ID, map[string]interface{}{"action": "update", "target": "caddy"}); err != nil {
		t.Fatalf("failed to set intent: %v", err)
	}
	retrieved, _ = s.GetRequest(ctx, req.ID)
	if retrieved.Intent["target"] != "caddy" {
		t.Errorf("expected intent target caddy, got %v", retrieved.Intent["target"])
	}

	failure := &v1.Failure{Code: 5006, Message: "no agent supports work type gpu_inference"}
	if err := s.SetRequestFailure(ctx, req.ID, v1.RequestStateFailed, failure); err != nil {
		t.Fatalf("failed to set failure: %v", err)
	}
	retrieved, _ = s.GetRequest(ctx, req.ID)
	if retrieved.State != v1.RequestStateFailed {
		t.Errorf("expected state failed, got %s", retrieved.State)
	}
	if retrieved.Failure == nil || retrieved.Failure.Code != 5006 {
		t.Errorf("expected failure code 5006, got %+v", retrieved.Failure)
	}
}

func TestRequestNotFound(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.GetRequest(ctx, "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	err = s.SetRequestState(ctx, "nonexistent", v1.RequestStateReceived, v1.RequestStatePlanning)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListRequests(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.CreateRequest(ctx, &Request{Text: "request"}); err != nil {
			t.Fatalf("failed to create request: %v", err)
		}
	}

	requests, err := s.ListRequests(ctx, 3, 0)
	if err != nil {
		t.Fatalf("failed to list requests: %v", err)
	}
	if len(requests) != 3 {
		t.Errorf("expected 3 requests, got %d", len(requests))
	}

	rest, err := s.ListRequests(ctx, 3, 3)
	if err != nil {
		t.Fatalf("failed to list requests: %v", err)
	}
	if len(rest) != 2 {
		t.Errorf("expected 2 requests, got %d", len(rest))
	}
}

func TestCreatePlanWithTasks(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	_, plan, tasks := seedPlan(t, s, 3)

	if plan.Status != v1.PlanStatusPendingApproval {
		t.Errorf("expected plan status pending_approval, got %s", plan.Status)
	}

	stored, err := s.GetPlanTasks(ctx, plan.ID)
	if err != nil {
		t.Fatalf("failed to get plan tasks: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(stored))
	}
	for i, task := range stored {
		if task.Ordinal != i+1 {
			t.Errorf("task %d: expected ordinal %d, got %d", i, i+1, task.Ordinal)
		}
		if task.Status != v1.TaskStatusPendingApproval {
			t.Errorf("task %d: expected pending_approval, got %s", i, task.Status)
		}
		if task.IdempotencyKey == "" {
			t.Errorf("task %d: expected idempotency key to be set", i)
		}
		if task.Parameters["command"] != "systemctl restart jellyfin" {
			t.Errorf("task %d: parameters not round-tripped: %v", i, task.Parameters)
		}
	}
	_ = tasks
}

func TestApprovePlan(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	_, plan, _ := seedPlan(t, s, 2)

	if err := s.ApprovePlan(ctx, plan.ID, "alice"); err != nil {
		t.Fatalf("failed to approve plan: %v", err)
	}

	stored, err := s.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("failed to get plan: %v", err)
	}
	if stored.Status != v1.PlanStatusApproved {
		t.Errorf("expected plan approved, got %s", stored.Status)
	}
	if stored.ApprovedBy != "alice" {
		t.Errorf("expected approved_by alice, got %q", stored.ApprovedBy)
	}
	if stored.ApprovedAt == nil {
		t.Error("expected approved_at to be set")
	}

	tasks, _ := s.GetPlanTasks(ctx, plan.ID)
	for _, task := range tasks {
		if task.Status != v1.TaskStatusApproved {
			t.Errorf("expected task approved, got %s", task.Status)
		}
		if task.ApprovedAt == nil {
			t.Error("expected task approved_at to be set")
		}
	}

	// Approving twice must conflict, not double-apply.
	err = s.ApprovePlan(ctx, plan.ID, "bob")
	if !errors.Is(err, ErrStatusConflict) {
		t.Errorf("expected ErrStatusConflict on second approve, got %v", err)
	}
	stored, _ = s.GetPlan(ctx, plan.ID)
	if stored.ApprovedBy != "alice" {
		t.Errorf("second approve must not overwrite approver, got %q", stored.ApprovedBy)
	}
}

func TestRejectPlan(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	_, plan, _ := seedPlan(t, s, 2)

	if err := s.RejectPlan(ctx, plan.ID, "alice", "too risky for a friday"); err != nil {
		t.Fatalf("failed to reject plan: %v", err)
	}

	stored, _ := s.GetPlan(ctx, plan.ID)
	if stored.Status != v1.PlanStatusRejected {
		t.Errorf("expected plan rejected, got %s", stored.Status)
	}
	if stored.RejectionReason != "too risky for a friday" {
		t.Errorf("expected rejection reason, got %q", stored.RejectionReason)
	}

	tasks, _ := s.GetPlanTasks(ctx, plan.ID)
	for _, task := range tasks {
		if task.Status != v1.TaskStatusRejected {
			t.Errorf("expected task rejected, got %s", task.Status)
		}
		if task.CompletedAt == nil {
			t.Error("expected rejected task completed_at to be set")
		}
	}

	err := s.ApprovePlan(ctx, plan.ID, "bob")
	if !errors.Is(err, ErrStatusConflict) {
		t.Errorf("expected ErrStatusConflict approving a rejected plan, got %v", err)
	}
}

func TestSupersedePlan(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	req, plan, _ := seedPlan(t, s, 1)

	if err := s.SupersedePlan(ctx, plan.ID); err != nil {
		t.Fatalf("failed to supersede plan: %v", err)
	}

	stored, _ := s.GetPlan(ctx, plan.ID)
	if stored.Status != v1.PlanStatusSuperseded {
		t.Errorf("expected plan superseded, got %s", stored.Status)
	}
	tasks, _ := s.GetPlanTasks(ctx, plan.ID)
	if tasks[0].Status != v1.TaskStatusCancelled {
		t.Errorf("expected task cancelled, got %s", tasks[0].Status)
	}

	// The replacement plan lists before the superseded one.
	replacement := &Plan{RequestID: req.ID, Summary: "narrower restart", RiskLevel: v1.RiskLevelLow}
	if err := s.CreatePlan(ctx, replacement, []*Task{{WorkType: "shell_command"}}); err != nil {
		t.Fatalf("failed to create replacement plan: %v", err)
	}
	plans, err := s.ListPlansByRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("failed to list plans: %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("expected 2 plans, got %d", len(plans))
	}
	if plans[0].ID != replacement.ID {
		t.Errorf("expected newest plan first, got %s", plans[0].ID)
	}
}
