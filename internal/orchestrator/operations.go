package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/chorushq/chorus/internal/fanout"
	"github.com/chorushq/chorus/internal/planner"
	"github.com/chorushq/chorus/internal/store"
	v1 "github.com/chorushq/chorus/pkg/api/v1"
)

// Submit accepts a change request and kicks off planning in the background.
// The returned id can be polled immediately; the request sits in the
// planning state until the model produces a plan or fails.
func (s *Service) Submit(ctx context.Context, in *v1.SubmitRequest) (*v1.SubmitResponse, error) {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()
	if !running {
		return nil, ErrServiceNotRunning
	}

	req := &store.Request{
		Requester: in.Requester,
		Text:      in.Text,
	}
	if req.Requester == "" {
		req.Requester = "anonymous"
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, err
	}
	if err := s.store.SetRequestState(ctx, req.ID, v1.RequestStateReceived, v1.RequestStatePlanning); err != nil {
		return nil, err
	}
	req.State = v1.RequestStatePlanning

	s.logger.WithRequestID(req.ID).Info("Request accepted",
		zap.String("requester", req.Requester),
		zap.Int("text_length", len(req.Text)),
	)

	s.planning.Add(1)
	go s.runPlanning(req)

	return &v1.SubmitResponse{RequestID: req.ID}, nil
}

// runPlanning drives one planning call on the service context and records
// the outcome on the request. Planner failures reject the request with a
// machine-readable reason; an unreachable model fails it instead, since the
// request itself may be fine.
func (s *Service) runPlanning(req *store.Request) {
	defer s.planning.Done()
	ctx := s.baseCtx

	draft, err := s.planner.Plan(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-call. The request stays in planning; the next
			// boot's reconciliation fails it.
			s.logger.WithRequestID(req.ID).Warn("Planning interrupted by shutdown")
			return
		}
		s.recordPlanningFailure(ctx, req, err)
		return
	}

	if err := s.store.CreatePlan(ctx, draft.Plan, draft.Tasks); err != nil {
		s.logger.WithRequestID(req.ID).WithError(err).Error("Failed to persist plan")
		failure := &v1.Failure{Message: "plan_persistence_failed"}
		if ferr := s.store.SetRequestFailure(ctx, req.ID, v1.RequestStateFailed, failure); ferr != nil {
			s.logger.WithRequestID(req.ID).WithError(ferr).Error("Failed to record planning failure")
		}
		return
	}
	if err := s.store.SetRequestIntent(ctx, req.ID, draft.Intent); err != nil {
		s.logger.WithRequestID(req.ID).WithError(err).Warn("Failed to record parsed intent")
	}
	if err := s.store.SetRequestState(ctx, req.ID, v1.RequestStatePlanning, v1.RequestStatePendingApproval); err != nil {
		// Lost a race with a cancellation; the plan stays on file for the
		// request history.
		s.logger.WithRequestID(req.ID).WithError(err).Warn("Request left planning before the plan landed")
		return
	}

	s.logger.WithRequestID(req.ID).WithPlanID(draft.Plan.ID).Info("Plan awaiting approval",
		zap.Int("tasks", len(draft.Tasks)),
		zap.String("risk", string(draft.Plan.RiskLevel)),
	)
}

// recordPlanningFailure maps a planner error onto the request. Invalid model
// output rejects the request; an unavailable model fails it.
func (s *Service) recordPlanningFailure(ctx context.Context, req *store.Request, err error) {
	state := v1.RequestStateRejected
	failure := &v1.Failure{Message: "planning_error"}

	var perr *planner.Error
	if errors.As(err, &perr) {
		failure.Message = perr.Reason
		failure.Context = map[string]interface{}{"detail": perr.Message}
		if perr.Reason == planner.ReasonLLMUnavailable {
			state = v1.RequestStateFailed
		}
	} else {
		state = v1.RequestStateFailed
		failure.Context = map[string]interface{}{"detail": err.Error()}
	}

	if serr := s.store.SetRequestFailure(ctx, req.ID, state, failure); serr != nil {
		s.logger.WithRequestID(req.ID).WithError(serr).Error("Failed to record planning failure")
		return
	}
	s.logger.WithRequestID(req.ID).Warn("Planning failed",
		zap.String("state", string(state)),
		zap.String("reason", failure.Message),
	)
}

// GetRequest returns the request with its plan history, newest plan first.
func (s *Service) GetRequest(ctx context.Context, id string) (*v1.Request, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	plans, err := s.store.ListPlansByRequest(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	planIDs := make([]string, 0, len(plans))
	for _, p := range plans {
		planIDs = append(planIDs, p.ID)
	}
	return req.ToAPI(planIDs), nil
}

// GetPlan returns the plan with its tasks in dispatch order.
func (s *Service) GetPlan(ctx context.Context, id string) (*v1.Plan, error) {
	plan, err := s.store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.GetPlanTasks(ctx, id)
	if err != nil {
		return nil, err
	}
	return plan.ToAPI(tasks), nil
}

// Approve marks the plan approved and starts dispatch. Approving twice is a
// conflict: the plan's pending_approval status is the compare-and-set gate.
// The response reports whether a task actually went out; a parked first task
// means every agent was busy, not that approval failed.
func (s *Service) Approve(ctx context.Context, planID, approver string) (*v1.ApprovePlanResponse, error) {
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	req, err := s.store.GetRequest(ctx, plan.RequestID)
	if err != nil {
		return nil, err
	}
	if req.State != v1.RequestStatePendingApproval {
		return nil, fmt.Errorf("request %s is %s: %w", req.ID, req.State, store.ErrStatusConflict)
	}

	if err := s.store.ApprovePlan(ctx, planID, approver); err != nil {
		return nil, err
	}
	if err := s.store.SetRequestState(ctx, req.ID, v1.RequestStatePendingApproval, v1.RequestStateApproved); err != nil {
		s.logger.WithRequestID(req.ID).WithError(err).Error("Failed to mark request approved")
	}
	if err := s.store.SetRequestState(ctx, req.ID, v1.RequestStateApproved, v1.RequestStateExecuting); err != nil {
		s.logger.WithRequestID(req.ID).WithError(err).Error("Failed to mark request executing")
	}

	s.logger.WithPlanID(planID).WithRequestID(req.ID).Info("Plan approved",
		zap.String("approver", approver),
	)
	s.announce(v1.EventPlanApproved, map[string]interface{}{
		"plan_id":    planID,
		"request_id": req.ID,
		"approver":   approver,
	}, planID, req.ID)

	// Dispatch on the service context: approval is already committed, and a
	// client hanging up must not strand the plan undispatched.
	sent, err := s.scheduler.Dispatch(s.baseCtx, planID)
	if err != nil {
		s.logger.WithPlanID(planID).WithError(err).Error("Dispatch after approval failed")
		return &v1.ApprovePlanResponse{DispatchStarted: false}, nil
	}
	if sent {
		s.announce(v1.EventDispatchStarted, map[string]interface{}{
			"plan_id":    planID,
			"request_id": req.ID,
		}, planID, req.ID)
	}
	return &v1.ApprovePlanResponse{DispatchStarted: sent}, nil
}

// Reject marks the plan rejected and closes out the request.
func (s *Service) Reject(ctx context.Context, planID, approver, reason string) error {
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if err := s.store.RejectPlan(ctx, planID, approver, reason); err != nil {
		return err
	}
	if err := s.store.SetRequestState(ctx, plan.RequestID, v1.RequestStatePendingApproval, v1.RequestStateRejected); err != nil {
		s.logger.WithRequestID(plan.RequestID).WithError(err).Error("Failed to mark request rejected")
	}
	s.logger.WithPlanID(planID).WithRequestID(plan.RequestID).Info("Plan rejected",
		zap.String("approver", approver),
		zap.String("reason", reason),
	)
	return nil
}

// Modify replans the request with the operator's revised text and supersedes
// the current plan. The replacement is drafted first: if the model fails,
// the current plan stays reviewable and nothing changes.
func (s *Service) Modify(ctx context.Context, planID, newText string) (*v1.ModifyPlanResponse, error) {
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status.Final() {
		return nil, fmt.Errorf("plan %s is %s: %w", planID, plan.Status, store.ErrStatusConflict)
	}
	req, err := s.store.GetRequest(ctx, plan.RequestID)
	if err != nil {
		return nil, err
	}

	revised := *req
	revised.Text = newText
	draft, err := s.planner.Plan(ctx, &revised)
	if err != nil {
		return nil, err
	}

	if err := s.store.SupersedePlan(ctx, planID); err != nil {
		return nil, err
	}
	if err := s.store.CreatePlan(ctx, draft.Plan, draft.Tasks); err != nil {
		return nil, err
	}
	if err := s.store.SetRequestIntent(ctx, req.ID, draft.Intent); err != nil {
		s.logger.WithRequestID(req.ID).WithError(err).Warn("Failed to record parsed intent")
	}

	s.logger.WithRequestID(req.ID).Info("Plan superseded",
		zap.String("old_plan_id", planID),
		zap.String("new_plan_id", draft.Plan.ID),
	)
	return &v1.ModifyPlanResponse{NewPlanID: draft.Plan.ID}, nil
}

// CancelRequest cancels every live task under the request and fails it.
func (s *Service) CancelRequest(ctx context.Context, requestID string) error {
	return s.supervisor.CancelRequest(ctx, requestID)
}

// CancelTask cancels one task; if its plan was executing, the plan's other
// live tasks are cancelled with it.
func (s *Service) CancelTask(ctx context.Context, taskID string) error {
	return s.supervisor.CancelTask(ctx, taskID)
}

// QueryAudit returns one page of the task audit view. Each row carries
// whether its audit artifact is committed, so a store row whose artifact
// write is still retrying is visibly provisional.
func (s *Service) QueryAudit(ctx context.Context, q *v1.AuditQuery) (*v1.TaskPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	filter := store.TaskFilter{
		Status:  v1.TaskStatus(q.Status),
		Service: q.Service,
		AgentID: q.AgentID,
		Since:   q.Since,
		Until:   q.Until,
		Limit:   limit,
		Offset:  offset,
	}
	tasks, total, err := s.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, err
	}

	items := make([]v1.Task, 0, len(tasks))
	for _, t := range tasks {
		view := *t.ToAPI()
		view.AuditRecorded = s.audit.Committed(t.ID)
		items = append(items, view)
	}
	return &v1.TaskPage{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}

// RegisterAgent adds or re-registers a worker.
func (s *Service) RegisterAgent(ctx context.Context, in *v1.RegisterAgentRequest) (*v1.Agent, error) {
	return s.registry.Register(ctx, in)
}

// AgentHeartbeat records a worker's load report.
func (s *Service) AgentHeartbeat(ctx context.Context, id string, metrics *v1.AgentMetrics) error {
	return s.registry.Heartbeat(ctx, id, metrics)
}

// ForgetAgent removes a worker from the registry.
func (s *Service) ForgetAgent(ctx context.Context, id string) error {
	return s.registry.Forget(ctx, id)
}

// Agents returns the registry view of every known worker.
func (s *Service) Agents() []*v1.Agent {
	return s.registry.Snapshot()
}

// Events exposes the execution event broker for the websocket gateway.
func (s *Service) Events() *fanout.Broker {
	return s.events
}

func (s *Service) announce(typ v1.EventType, payload map[string]interface{}, keys ...string) {
	for _, key := range keys {
		s.events.Broadcast(key, v1.Event{Type: typ, Payload: payload})
	}
}
