// Package supervisor owns the inbound half of task execution. It consumes
// the agent status and result queues, applies terminal transitions through
// the store's CAS, feeds the audit trail, and finalizes a request when its
// plan finishes or dies. The scheduler owns the outbound half; the
// supervisor only calls into it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chorushq/chorus/internal/audit"
	"github.com/chorushq/chorus/internal/bus"
	"github.com/chorushq/chorus/internal/common/config"
	"github.com/chorushq/chorus/internal/common/logger"
	"github.com/chorushq/chorus/internal/fanout"
	"github.com/chorushq/chorus/internal/registry"
	"github.com/chorushq/chorus/internal/scheduler"
	"github.com/chorushq/chorus/internal/store"
	v1 "github.com/chorushq/chorus/pkg/api/v1"
	"github.com/chorushq/chorus/pkg/wire"
)

// timeoutSweepInterval paces the deadline scan over in-flight tasks.
const timeoutSweepInterval = 5 * time.Second

// eventOutputLimit caps step output carried on fan-out events. The full
// text stays in the execution_steps table.
const eventOutputLimit = 4096

// Supervisor reconciles agent traffic against the task state machine.
type Supervisor struct {
	bus         bus.Bus
	store       *store.Store
	registry    *registry.Registry
	scheduler   *scheduler.Scheduler
	events      *fanout.Broker
	audit       *audit.Writer
	reassembler *wire.Reassembler

	defaultDeadline time.Duration
	subs            []bus.Subscription
	logger          *logger.Logger
}

// New creates a supervisor. Start must be called before any agent traffic
// is consumed.
func New(b bus.Bus, st *store.Store, reg *registry.Registry, sched *scheduler.Scheduler,
	ev *fanout.Broker, aw *audit.Writer, cfg config.OrchestratorConfig, log *logger.Logger) *Supervisor {
	return &Supervisor{
		bus:             b,
		store:           st,
		registry:        reg,
		scheduler:       sched,
		events:          ev,
		audit:           aw,
		reassembler:     wire.NewReassembler(),
		defaultDeadline: cfg.DefaultTaskDeadline(),
		logger:          log.WithComponent("supervisor"),
	}
}

// Start subscribes to the agent return queues and runs the deadline sweeper
// until the context is cancelled.
func (s *Supervisor) Start(ctx context.Context) error {
	for _, subject := range []string{bus.SubjectStatus, bus.SubjectResults} {
		sub, err := s.bus.QueueSubscribe(subject, bus.QueueFor(subject), s.handleInbound)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	go func() {
		ticker := time.NewTicker(timeoutSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepTimeouts(ctx)
			}
		}
	}()

	s.logger.Info("Supervisor started",
		zap.Duration("default_deadline", s.defaultDeadline),
	)
	return nil
}

// Stop detaches from the return queues so in-flight handlers drain without
// new deliveries starting.
func (s *Supervisor) Stop() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.WithError(err).Warn("Failed to unsubscribe")
		}
	}
	s.subs = nil
}

// handleInbound is the single entry point for both return queues. A non-nil
// return asks the bus to redeliver, so only transient store failures
// propagate; malformed, unauthenticated, or late traffic is dropped.
func (s *Supervisor) handleInbound(ctx context.Context, subject string, data []byte) error {
	env, err := wire.Decode(data)
	if err != nil {
		code := wire.CodeInvalidMessage
		var derr *wire.DecodeError
		if errors.As(err, &derr) {
			code = derr.Code
		}
		s.logger.WithError(err).Warn("Dropping undecodable message",
			zap.String("subject", subject),
			zap.Int("error_code", code),
		)
		return nil
	}

	agent, ok := s.authenticate(ctx, env)
	if !ok {
		return nil
	}

	switch env.Type {
	case wire.MessageTypeWorkStatus:
		return s.onStatus(ctx, env, agent)
	case wire.MessageTypeWorkResult:
		return s.onResult(ctx, env, agent)
	case wire.MessageTypeError:
		return s.onError(ctx, env, agent)
	default:
		s.logger.Warn("Dropping unexpected message type",
			zap.String("type", string(env.Type)),
			zap.String("from_agent", env.FromAgent),
		)
		s.notifyProtocolError(ctx, agent, wire.CodeInvalidMessage,
			fmt.Sprintf("unexpected message type %q", env.Type))
		return nil
	}
}

// authenticate resolves the sending agent and verifies the envelope's token
// hash against the registered credential. A registered agent presenting the
// wrong credential gets an error envelope back; an unknown sender has no
// subject on file, so its traffic can only be dropped.
func (s *Supervisor) authenticate(ctx context.Context, env *wire.Envelope) (*registry.AgentEntry, bool) {
	agent, err := s.registry.Get(env.FromAgent)
	if err != nil {
		s.logger.Warn("Dropping message from unknown agent",
			zap.String("from_agent", env.FromAgent),
			zap.Int("error_code", wire.CodeAuthFailed),
		)
		return nil, false
	}
	if !env.VerifyHash(agent.TokenHash) {
		s.logger.Warn("Dropping message with bad credentials",
			zap.String("from_agent", env.FromAgent),
			zap.Int("error_code", wire.CodeAuthFailed),
		)
		s.notifyProtocolError(ctx, agent, wire.CodeAuthFailed, "token hash verification failed")
		return nil, false
	}
	return agent, true
}

// loadTask fetches the task a message refers to. Unknown IDs drop the
// message; redelivery cannot invent the row.
func (s *Supervisor) loadTask(ctx context.Context, taskID string) (*store.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("Dropping message for unknown task", zap.String("task_id", taskID))
		return nil, nil
	}
	return task, err
}

// accepts reports whether agent traffic about the task should be applied.
// Only the in-flight statuses accept messages, and only from the assigned
// agent: anything else is a duplicate, a timed-out attempt reporting late,
// or a replay after cancellation.
func (s *Supervisor) accepts(task *store.Task, from string) bool {
	if task.Status != v1.TaskStatusDispatched && task.Status != v1.TaskStatusRunning {
		s.logger.WithTaskID(task.ID).Debug("Discarding late message",
			zap.String("status", string(task.Status)),
			zap.String("from_agent", from),
		)
		return false
	}
	if task.AgentID == nil || *task.AgentID != from {
		s.logger.WithTaskID(task.ID).Debug("Discarding message from unassigned agent",
			zap.String("from_agent", from),
		)
		return false
	}
	return true
}

func (s *Supervisor) onStatus(ctx context.Context, env *wire.Envelope, agent *registry.AgentEntry) error {
	ws, err := env.WorkStatus()
	if err != nil {
		s.logger.WithError(err).WithAgentID(agent.ID).Warn("Dropping malformed work status")
		s.notifyProtocolError(ctx, agent, wire.CodeInvalidMessage, err.Error())
		return nil
	}
	task, err := s.loadTask(ctx, ws.TaskID)
	if err != nil || task == nil {
		return err
	}
	if !s.accepts(task, agent.ID) {
		return nil
	}

	switch ws.Status {
	case wire.StatusRunning:
		return s.markRunning(ctx, task, agent.ID)
	case wire.StatusStepCompleted:
		return s.recordStep(ctx, task, agent.ID, ws.Step)
	case wire.StatusPaused:
		s.logger.WithTaskID(task.ID).WithAgentID(agent.ID).Info("Agent paused the task",
			zap.Int("progress_percent", ws.ProgressPercent),
		)
		return nil
	default:
		s.logger.WithTaskID(task.ID).Warn("Dropping work status with unknown status",
			zap.String("status", ws.Status),
		)
		return nil
	}
}

// markRunning applies the dispatched→running edge once. Later running
// reports are idempotent re-asserts and land on the conflict branch.
func (s *Supervisor) markRunning(ctx context.Context, task *store.Task, agentID string) error {
	if task.Status != v1.TaskStatusDispatched {
		return nil
	}
	if _, err := s.store.TransitionTask(ctx, task.ID, v1.TaskStatusDispatched, v1.TaskStatusRunning, nil); err != nil {
		if errors.Is(err, store.ErrStatusConflict) || errors.Is(err, store.ErrImmutabilityViolation) {
			return nil
		}
		return err
	}

	if _, err := s.store.AppendStep(ctx, &store.Step{
		TaskID:  task.ID,
		AgentID: agentID,
		Action:  task.WorkType,
		Status:  wire.StatusRunning,
	}); err != nil {
		s.logger.WithTaskID(task.ID).WithError(err).Warn("Failed to record running step")
	}
	s.logger.WithTaskID(task.ID).WithAgentID(agentID).Info("Task running")
	return nil
}

// recordStep persists one agent-reported step and fans it out. Oversized
// outputs arrive as a chunk sequence; only the completing chunk records.
func (s *Supervisor) recordStep(ctx context.Context, task *store.Task, agentID string, step *wire.Step) error {
	if step == nil {
		s.logger.WithTaskID(task.ID).Warn("Dropping step report without step detail")
		return nil
	}

	output := step.Output
	if step.OutputChunk != nil {
		assembled, done, err := s.reassembler.Add(task.ID, step.Number, step.OutputChunk)
		if err != nil {
			s.logger.WithTaskID(task.ID).WithError(err).Warn("Dropping inconsistent output chunk")
			return nil
		}
		if !done {
			return nil
		}
		output = assembled
	}

	inserted, err := s.store.AppendStep(ctx, &store.Step{
		TaskID:  task.ID,
		Ordinal: step.Number,
		AgentID: agentID,
		Action:  step.Name,
		Status:  wire.StatusStepCompleted,
		Output:  output,
	})
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	plan, err := s.store.GetPlan(ctx, task.PlanID)
	if err != nil {
		return err
	}
	s.announce(v1.EventStepCompleted, map[string]any{
		"task_id": task.ID,
		"ordinal": step.Number,
		"name":    step.Name,
		"output":  clip(output, eventOutputLimit),
	}, task.ID, plan.ID, plan.RequestID)
	return nil
}

func (s *Supervisor) onResult(ctx context.Context, env *wire.Envelope, agent *registry.AgentEntry) error {
	res, err := env.WorkResult()
	if err != nil {
		s.logger.WithError(err).WithAgentID(agent.ID).Warn("Dropping malformed work result")
		s.notifyProtocolError(ctx, agent, wire.CodeInvalidMessage, err.Error())
		return nil
	}
	task, err := s.loadTask(ctx, res.TaskID)
	if err != nil || task == nil {
		return err
	}
	if !s.accepts(task, agent.ID) {
		return nil
	}

	s.reassembler.Drop(task.ID)

	if res.Status == wire.ResultSuccess {
		return s.completeTask(ctx, task, agent.ID, res)
	}

	message := res.FailureReason
	if message == "" {
		message = fmt.Sprintf("task failed with exit code %d", res.ExitCode)
	}
	return s.failTask(ctx, task, agent.ID, res.FailureErrorCode, message,
		resultOutcome(res), resultResources(res), res.ServicesTouched)
}

func (s *Supervisor) onError(ctx context.Context, env *wire.Envelope, agent *registry.AgentEntry) error {
	ep, err := env.ErrorPayload()
	if err != nil {
		s.logger.WithError(err).WithAgentID(agent.ID).Warn("Dropping malformed error payload")
		s.notifyProtocolError(ctx, agent, wire.CodeInvalidMessage, err.Error())
		return nil
	}
	if ep.TaskID == "" {
		s.logger.WithAgentID(agent.ID).Warn("Agent reported protocol error",
			zap.Int("error_code", ep.ErrorCode),
			zap.String("error_message", ep.ErrorMessage),
		)
		return nil
	}

	task, err := s.loadTask(ctx, ep.TaskID)
	if err != nil || task == nil {
		return err
	}
	if !s.accepts(task, agent.ID) {
		return nil
	}
	return s.failTask(ctx, task, agent.ID, ep.ErrorCode, ep.ErrorMessage, nil, nil, nil)
}

// completeTask applies the success transition, feeds the audit trail, and
// advances the plan.
func (s *Supervisor) completeTask(ctx context.Context, task *store.Task, agentID string, res *wire.WorkResult) error {
	updated, err := s.store.TransitionTask(ctx, task.ID, task.Status, v1.TaskStatusSuccess, &store.TaskMutation{
		Outcome:         resultOutcome(res),
		ActualResources: resultResources(res),
		ServicesTouched: res.ServicesTouched,
	})
	if errors.Is(err, store.ErrStatusConflict) || errors.Is(err, store.ErrImmutabilityViolation) {
		s.logger.WithTaskID(task.ID).Debug("Lost the terminal race, discarding result")
		return nil
	}
	if err != nil {
		return err
	}

	s.scheduler.HandleTaskSuccess(ctx, agentID)
	s.logger.WithTaskID(task.ID).WithAgentID(agentID).Info("Task succeeded",
		zap.Int("exit_code", res.ExitCode),
	)

	// From here the task is terminal; a redelivery would be discarded as a
	// duplicate, so audit and plan advancement must not lean on it.
	plan, req, err := s.loadPlanAndRequest(ctx, updated.PlanID)
	if err != nil {
		s.logger.WithTaskID(updated.ID).WithError(err).Error("Failed to load plan for finalization")
		s.enqueueAuditRetry(ctx, updated, err)
		return nil
	}
	s.recordAudit(ctx, updated, plan, req)
	if err := s.advancePlan(ctx, plan); err != nil {
		s.logger.WithPlanID(plan.ID).WithError(err).Error("Failed to advance plan")
	}
	return nil
}

// advancePlan dispatches the next task or, when every task has succeeded,
// completes the request and emits execution_done.
func (s *Supervisor) advancePlan(ctx context.Context, plan *store.Plan) error {
	sent, err := s.scheduler.Dispatch(ctx, plan.ID)
	if err != nil {
		return err
	}
	if sent {
		return nil
	}

	tasks, err := s.store.GetPlanTasks(ctx, plan.ID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status != v1.TaskStatusSuccess {
			return nil
		}
	}

	if err := s.store.SetRequestState(ctx, plan.RequestID, v1.RequestStateExecuting, v1.RequestStateComplete); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return nil
		}
		return err
	}
	s.logger.WithRequestID(plan.RequestID).WithPlanID(plan.ID).Info("Request complete")
	s.announce(v1.EventExecutionDone, map[string]any{
		"request_id": plan.RequestID,
		"plan_id":    plan.ID,
	}, plan.ID, plan.RequestID)
	return nil
}

// failTask routes one failed attempt through the retry policy. When the
// policy declines, the task finalizes as failed, the rest of the plan is
// abandoned, and the request fails.
func (s *Supervisor) failTask(ctx context.Context, task *store.Task, agentID string, code int, message string,
	outcome *v1.Outcome, resources *v1.Resources, services []string) error {
	requeued, err := s.scheduler.HandleTaskFailure(ctx, task, agentID, code, message)
	if errors.Is(err, store.ErrStatusConflict) || errors.Is(err, store.ErrImmutabilityViolation) {
		s.logger.WithTaskID(task.ID).Debug("Lost the retry race, discarding failure")
		return nil
	}
	if err != nil {
		return err
	}
	if requeued {
		return nil
	}

	reason := message
	if wire.Retryable(code) {
		reason = "retry_budget_exceeded"
	}
	if outcome == nil {
		outcome = &v1.Outcome{ExitCode: -1}
	}
	outcome.FailureReason = reason
	if outcome.FailureErrorCode == 0 {
		outcome.FailureErrorCode = code
	}

	updated, err := s.store.TransitionTask(ctx, task.ID, task.Status, v1.TaskStatusFailed, &store.TaskMutation{
		Outcome:         outcome,
		ActualResources: resources,
		ServicesTouched: services,
	})
	if errors.Is(err, store.ErrStatusConflict) || errors.Is(err, store.ErrImmutabilityViolation) {
		s.logger.WithTaskID(task.ID).Debug("Lost the terminal race, discarding failure")
		return nil
	}
	if err != nil {
		return err
	}

	s.reassembler.Drop(task.ID)
	s.logger.WithTaskID(task.ID).WithAgentID(agentID).Warn("Task failed",
		zap.Int("error_code", code),
		zap.String("reason", reason),
	)

	plan, req, err := s.loadPlanAndRequest(ctx, updated.PlanID)
	if err != nil {
		s.logger.WithTaskID(updated.ID).WithError(err).Error("Failed to load plan for finalization")
		s.enqueueAuditRetry(ctx, updated, err)
		return nil
	}
	s.recordAudit(ctx, updated, plan, req)
	s.abandonPlan(ctx, plan, req, updated, reason, code)
	return nil
}

// abandonPlan cancels the tasks a dead plan will never reach and fails the
// request. Each cancelled task still gets its audit artifact.
func (s *Supervisor) abandonPlan(ctx context.Context, plan *store.Plan, req *store.Request,
	trigger *store.Task, reason string, code int) {
	tasks, err := s.store.GetPlanTasks(ctx, plan.ID)
	if err != nil {
		s.logger.WithPlanID(plan.ID).WithError(err).Error("Failed to list plan tasks for abandonment")
		tasks = nil
	}
	for _, t := range tasks {
		if t.ID == trigger.ID || t.Status.Terminal() {
			continue
		}
		cancelled, err := s.cancelLive(ctx, t)
		if err != nil {
			s.logger.WithTaskID(t.ID).WithError(err).Warn("Failed to cancel abandoned task")
			continue
		}
		s.recordAudit(ctx, cancelled, plan, req)
	}

	failure := &v1.Failure{Code: code, Message: reason}
	if err := s.store.SetRequestFailure(ctx, req.ID, v1.RequestStateFailed, failure); err != nil {
		s.logger.WithRequestID(req.ID).WithError(err).Error("Failed to record request failure")
	}
	s.logger.WithRequestID(req.ID).WithPlanID(plan.ID).Warn("Request failed",
		zap.String("reason", reason),
	)
	s.announce(v1.EventExecutionFailed, map[string]any{
		"request_id": req.ID,
		"plan_id":    plan.ID,
		"task_id":    trigger.ID,
		"reason":     reason,
	}, trigger.ID, plan.ID, req.ID)
}

// cancelLive cancels one non-terminal task, notifying its agent when the
// work is already out.
func (s *Supervisor) cancelLive(ctx context.Context, task *store.Task) (*store.Task, error) {
	inFlight := task.Status == v1.TaskStatusDispatched || task.Status == v1.TaskStatusRunning

	var cancelled *store.Task
	var err error
	if task.Status == v1.TaskStatusPaused {
		cancelled, err = s.store.CancelParkedTask(ctx, task.ID, nil)
	} else {
		cancelled, err = s.store.TransitionTask(ctx, task.ID, task.Status, v1.TaskStatusCancelled, nil)
	}
	if err != nil {
		return nil, err
	}

	s.reassembler.Drop(task.ID)
	if inFlight && task.AgentID != nil {
		s.sendCancel(ctx, cancelled)
	}
	return cancelled, nil
}

// CancelTask moves one non-terminal task to cancelled on operator request.
// A cancelled task breaks its plan's chain, so the request fails with it;
// messages that arrive for the task afterwards are discarded as late.
func (s *Supervisor) CancelTask(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	cancelled, err := s.cancelLive(ctx, task)
	if err != nil {
		return err
	}
	s.logger.WithTaskID(task.ID).Info("Task cancelled",
		zap.String("was", string(task.Status)),
	)

	plan, req, err := s.loadPlanAndRequest(ctx, task.PlanID)
	if err != nil {
		s.logger.WithTaskID(task.ID).WithError(err).Error("Failed to load plan for finalization")
		s.enqueueAuditRetry(ctx, cancelled, err)
		return nil
	}
	s.recordAudit(ctx, cancelled, plan, req)
	if req.State == v1.RequestStateExecuting {
		s.abandonPlan(ctx, plan, req, cancelled, "cancelled_by_operator", 0)
	}
	return nil
}

// CancelRequest cancels every live task under the request and fails it.
func (s *Supervisor) CancelRequest(ctx context.Context, requestID string) error {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	switch req.State {
	case v1.RequestStateComplete, v1.RequestStateRejected, v1.RequestStateFailed:
		return fmt.Errorf("request %s is already %s: %w", req.ID, req.State, store.ErrStatusConflict)
	}

	plans, err := s.store.ListPlansByRequest(ctx, requestID)
	if err != nil {
		return err
	}
	for _, plan := range plans {
		tasks, err := s.store.GetPlanTasks(ctx, plan.ID)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if task.Status.Terminal() {
				continue
			}
			cancelled, err := s.cancelLive(ctx, task)
			if err != nil {
				s.logger.WithTaskID(task.ID).WithError(err).Warn("Failed to cancel task")
				continue
			}
			s.recordAudit(ctx, cancelled, plan, req)
		}
	}

	failure := &v1.Failure{Message: "cancelled_by_operator"}
	if err := s.store.SetRequestFailure(ctx, requestID, v1.RequestStateFailed, failure); err != nil {
		return err
	}
	s.logger.WithRequestID(requestID).Info("Request cancelled")
	s.announce(v1.EventExecutionFailed, map[string]any{
		"request_id": requestID,
		"reason":     "cancelled_by_operator",
	}, requestID)
	return nil
}

// sendCancel publishes a best-effort cancel to the assigned agent. The task
// is already terminal; a lost notice only means the agent finishes work
// nobody will record.
func (s *Supervisor) sendCancel(ctx context.Context, task *store.Task) {
	agent, err := s.registry.Get(*task.AgentID)
	if err != nil {
		s.logger.WithTaskID(task.ID).Debug("Skipping cancel notice, agent gone")
		return
	}
	env, err := wire.NewEnvelope(wire.MessageTypeWorkRequest, wire.AgentOrchestrator, agent.ID,
		task.PlanID, task.IdempotencyKey, &wire.WorkRequest{
			TaskID:   task.ID,
			WorkType: task.WorkType,
			Cancel:   true,
		})
	if err != nil {
		s.logger.WithTaskID(task.ID).WithError(err).Warn("Failed to build cancel notice")
		return
	}
	data, err := env.Encode()
	if err != nil {
		s.logger.WithTaskID(task.ID).WithError(err).Warn("Failed to encode cancel notice")
		return
	}
	if err := s.bus.Publish(ctx, bus.DirectSubject(agent.Type, agent.ID), env.MessageID, data); err != nil {
		s.logger.WithTaskID(task.ID).WithError(err).Warn("Failed to publish cancel notice")
	}
}

// notifyProtocolError tells a registered sender its message was dropped and
// why. Best effort: the notice rides the agent's own work subject and a
// delivery failure only logs.
func (s *Supervisor) notifyProtocolError(ctx context.Context, agent *registry.AgentEntry, code int, message string) {
	env, err := wire.NewEnvelope(wire.MessageTypeError, wire.AgentOrchestrator, agent.ID, "", "",
		&wire.ErrorPayload{
			ErrorCode:    code,
			ErrorMessage: message,
		})
	if err != nil {
		s.logger.WithAgentID(agent.ID).WithError(err).Warn("Failed to build protocol error notice")
		return
	}
	data, err := env.Encode()
	if err != nil {
		s.logger.WithAgentID(agent.ID).WithError(err).Warn("Failed to encode protocol error notice")
		return
	}
	if err := s.bus.Publish(ctx, bus.DirectSubject(agent.Type, agent.ID), env.MessageID, data); err != nil {
		s.logger.WithAgentID(agent.ID).WithError(err).Warn("Failed to publish protocol error notice")
	}
}

// sweepTimeouts synthesizes a timeout error for every in-flight task past
// its effective deadline, so real and synthetic failures share one path.
func (s *Supervisor) sweepTimeouts(ctx context.Context) {
	tasks, err := s.store.ListTasksByStatus(ctx, v1.TaskStatusDispatched, v1.TaskStatusRunning)
	if err != nil {
		s.logger.WithError(err).Error("Failed to scan for overdue tasks")
		return
	}

	now := time.Now().UTC()
	for _, task := range tasks {
		deadline, ok := s.effectiveDeadline(task)
		if !ok || now.Before(deadline) {
			continue
		}
		agentID := ""
		if task.AgentID != nil {
			agentID = *task.AgentID
		}
		s.logger.WithTaskID(task.ID).WithAgentID(agentID).Warn("Task deadline exceeded",
			zap.Time("deadline", deadline),
		)
		if err := s.failTask(ctx, task, agentID, wire.CodeTimeout,
			fmt.Sprintf("no result within %s", s.allowedFor(task)), nil, nil, nil); err != nil {
			s.logger.WithTaskID(task.ID).WithError(err).Error("Failed to time out task")
		}
	}
}

// effectiveDeadline is the dispatch time plus the task's duration hint, or
// the configured default when the plan set none.
func (s *Supervisor) effectiveDeadline(task *store.Task) (time.Time, bool) {
	if task.DispatchedAt == nil {
		return time.Time{}, false
	}
	return task.DispatchedAt.Add(s.allowedFor(task)), true
}

func (s *Supervisor) allowedFor(task *store.Task) time.Duration {
	if task.Hints.MaxDurationSeconds > 0 {
		return time.Duration(task.Hints.MaxDurationSeconds) * time.Second
	}
	return s.defaultDeadline
}

// recordAudit freezes a terminal task into the append-only artifact log.
// Failures queue a retry; the supervisor never blocks on audit I/O.
func (s *Supervisor) recordAudit(ctx context.Context, task *store.Task, plan *store.Plan, req *store.Request) {
	if _, err := s.audit.Record(ctx, audit.Build(task, plan, req)); err != nil {
		s.logger.WithTaskID(task.ID).WithError(err).Warn("Audit record failed, queueing retry")
		s.enqueueAuditRetry(ctx, task, err)
	}
}

func (s *Supervisor) enqueueAuditRetry(ctx context.Context, task *store.Task, cause error) {
	if _, err := s.store.EnqueueAuditRetry(ctx, task.ID, task.Status, cause.Error()); err != nil {
		s.logger.WithTaskID(task.ID).WithError(err).Error("Failed to queue audit retry")
	}
}

func (s *Supervisor) loadPlanAndRequest(ctx context.Context, planID string) (*store.Plan, *store.Request, error) {
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, nil, err
	}
	req, err := s.store.GetRequest(ctx, plan.RequestID)
	if err != nil {
		return nil, nil, err
	}
	return plan, req, nil
}

func (s *Supervisor) announce(typ v1.EventType, payload any, keys ...string) {
	for _, key := range keys {
		s.events.Broadcast(key, v1.Event{Type: typ, Payload: payload})
	}
}

func resultOutcome(res *wire.WorkResult) *v1.Outcome {
	return &v1.Outcome{
		ExitCode:         res.ExitCode,
		Output:           res.Output,
		FailureReason:    res.FailureReason,
		FailureErrorCode: res.FailureErrorCode,
	}
}

func resultResources(res *wire.WorkResult) *v1.Resources {
	if res.ResourcesUsed == (wire.ResourcesUsed{}) {
		return nil
	}
	return &v1.Resources{
		DurationSeconds: res.ResourcesUsed.DurationSeconds,
		GPUVRAMMB:       res.ResourcesUsed.GPUVRAMMB,
		CPUTimeMS:       res.ResourcesUsed.CPUTimeMS,
	}
}

// clip bounds the step output carried on an event.
func clip(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "... (truncated)"
}
