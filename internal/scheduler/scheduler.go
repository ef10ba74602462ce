// Package scheduler owns outbound task flow: admission against agent
// capacity, the persistent pause queue and its resume loop, the retry
// policy, and driving the per-agent circuit breaker. Plans execute linearly;
// at most one task per plan is in flight at a time.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chorushq/chorus/internal/bus"
	"github.com/chorushq/chorus/internal/common/config"
	"github.com/chorushq/chorus/internal/common/logger"
	"github.com/chorushq/chorus/internal/fanout"
	"github.com/chorushq/chorus/internal/registry"
	"github.com/chorushq/chorus/internal/store"
	v1 "github.com/chorushq/chorus/pkg/api/v1"
	"github.com/chorushq/chorus/pkg/wire"
)

// resumeBatchSize bounds how many parked tasks one resume tick considers.
const resumeBatchSize = 100

// Scheduler decides when and where approved tasks run.
type Scheduler struct {
	bus      bus.Bus
	store    *store.Store
	registry *registry.Registry
	events   *fanout.Broker

	pauseThreshold int
	maxAttempts    int
	backoff        []time.Duration
	resumeInterval time.Duration

	// after and baseCtx exist so tests can drive retry timers without
	// sleeping. baseCtx outlives any single message handler.
	after   func(time.Duration) <-chan time.Time
	baseCtx context.Context

	logger *logger.Logger
}

// New creates a scheduler. Start must be called before retries and resumes
// run in the background.
func New(b bus.Bus, st *store.Store, reg *registry.Registry, ev *fanout.Broker, cfg config.OrchestratorConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{
		bus:            b,
		store:          st,
		registry:       reg,
		events:         ev,
		pauseThreshold: cfg.PauseCapacityThresholdPercent,
		maxAttempts:    cfg.RetryMaxAttempts,
		backoff:        cfg.RetryBackoff(),
		resumeInterval: cfg.PauseResumeInterval(),
		after:          time.After,
		baseCtx:        context.Background(),
		logger:         log.WithComponent("scheduler"),
	}
}

// Start runs the resume loop until the context is cancelled and binds retry
// timers to the same lifetime.
func (s *Scheduler) Start(ctx context.Context) {
	s.baseCtx = ctx
	go func() {
		ticker := time.NewTicker(s.resumeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.resumePass(ctx)
			}
		}
	}()
}

// Dispatch advances a plan: the lowest-ordinal approved task is selected an
// agent and either sent or parked. Returns whether a task actually went out.
// A plan with a task already dispatched, running, or parked is left alone;
// a plan whose tasks are all terminal is a no-op.
func (s *Scheduler) Dispatch(ctx context.Context, planID string) (bool, error) {
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return false, err
	}
	tasks, err := s.store.GetPlanTasks(ctx, planID)
	if err != nil {
		return false, err
	}

	for _, task := range tasks {
		switch task.Status {
		case v1.TaskStatusSuccess:
			continue
		case v1.TaskStatusApproved:
			return s.dispatchTask(ctx, plan, task)
		default:
			// In flight, parked, or dead: nothing for this pass to do.
			return false, nil
		}
	}
	return false, nil
}

// dispatchTask sends one approved task to an agent, or parks it when no
// agent can take it right now.
func (s *Scheduler) dispatchTask(ctx context.Context, plan *store.Plan, task *store.Task) (bool, error) {
	agent := s.registry.Select(ctx, task.WorkType, task.Hints)
	if agent == nil {
		return false, s.park(ctx, plan, task, fmt.Sprintf("no eligible agent for %s", task.WorkType))
	}
	if s.shouldPause(agent) {
		return false, s.park(ctx, plan, task,
			fmt.Sprintf("agent %s at %d%% free capacity", agent.ID, agent.FreeCapacityPercent))
	}
	return s.send(ctx, plan, task, agent, workRequestFor(task))
}

// shouldPause reports whether the agent's reported free capacity is below
// the admission threshold. Exactly at the threshold admits.
func (s *Scheduler) shouldPause(agent *registry.AgentEntry) bool {
	return agent.FreeCapacityPercent < s.pauseThreshold
}

// send flips the task to dispatched and publishes the work request straight
// to the selected agent. A failed publish rolls the task back and parks it
// so the resume loop retries without burning the retry budget.
func (s *Scheduler) send(ctx context.Context, plan *store.Plan, task *store.Task, agent *registry.AgentEntry, wr *wire.WorkRequest) (bool, error) {
	env, err := wire.NewEnvelope(wire.MessageTypeWorkRequest, wire.AgentOrchestrator, agent.ID,
		task.PlanID, task.IdempotencyKey, wr)
	if err != nil {
		return false, fmt.Errorf("failed to build work request for task %s: %w", task.ID, err)
	}
	data, err := env.Encode()
	if err != nil {
		return false, fmt.Errorf("failed to encode work request for task %s: %w", task.ID, err)
	}

	updated, err := s.store.TransitionTask(ctx, task.ID, task.Status, v1.TaskStatusDispatched,
		&store.TaskMutation{AgentID: &agent.ID})
	if err != nil {
		return false, err
	}

	subject := bus.DirectSubject(agent.Type, agent.ID)
	if err := s.bus.Publish(ctx, subject, env.MessageID, data); err != nil {
		s.logger.WithTaskID(task.ID).WithError(err).Warn("Publish failed, parking task")
		if _, terr := s.store.TransitionTask(ctx, task.ID, v1.TaskStatusDispatched, v1.TaskStatusApproved, nil); terr != nil {
			return false, fmt.Errorf("task %s unrecoverable after failed publish: %w", task.ID, terr)
		}
		updated.Status = v1.TaskStatusApproved
		return false, s.park(ctx, plan, updated, fmt.Sprintf("publish failed: %v", err))
	}

	s.registry.NoteDispatch(agent.ID)
	s.logger.WithTaskID(task.ID).WithPlanID(plan.ID).WithAgentID(agent.ID).Info("Task dispatched",
		zap.String("work_type", task.WorkType),
		zap.Int("ordinal", task.Ordinal),
		zap.Int("retry_count", updated.RetryCount),
	)
	return true, nil
}

// park moves an approved task into the pause queue, preserving the exact
// work request it will carry when resumed.
func (s *Scheduler) park(ctx context.Context, plan *store.Plan, task *store.Task, reason string) error {
	payload, err := json.Marshal(workRequestFor(task))
	if err != nil {
		return fmt.Errorf("failed to encode pause payload for task %s: %w", task.ID, err)
	}
	if err := s.store.ParkTask(ctx, &store.PauseEntry{
		TaskID:  task.ID,
		Reason:  reason,
		Payload: payload,
	}); err != nil {
		return err
	}

	s.logger.WithTaskID(task.ID).WithPlanID(plan.ID).Info("Task parked", zap.String("reason", reason))
	s.announce(v1.EventPaused, map[string]any{"task_id": task.ID, "reason": reason},
		task.ID, plan.ID, plan.RequestID)
	return nil
}

// resumePass re-checks every due parked task, oldest pause first, and
// re-dispatches those whose agents now have room. Tasks that still cannot
// run stay parked for the next tick.
func (s *Scheduler) resumePass(ctx context.Context) {
	entries, err := s.store.ListParked(ctx, time.Now().UTC(), resumeBatchSize)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list pause queue")
		return
	}

	for _, entry := range entries {
		if err := s.resumeOne(ctx, entry); err != nil {
			s.logger.WithTaskID(entry.TaskID).WithError(err).Error("Failed to resume parked task")
		}
	}
}

func (s *Scheduler) resumeOne(ctx context.Context, entry *store.PauseEntry) error {
	var wr wire.WorkRequest
	if err := json.Unmarshal(entry.Payload, &wr); err != nil {
		return fmt.Errorf("corrupt pause payload: %w", err)
	}

	task, err := s.store.GetTask(ctx, entry.TaskID)
	if err != nil {
		return err
	}
	plan, err := s.store.GetPlan(ctx, task.PlanID)
	if err != nil {
		return err
	}

	agent := s.registry.Select(ctx, wr.WorkType, task.Hints)
	if agent == nil || s.shouldPause(agent) {
		return nil
	}

	if _, err := s.store.ResumeTask(ctx, entry.TaskID); err != nil {
		return err
	}
	task.Status = v1.TaskStatusApproved
	s.logger.WithTaskID(task.ID).WithAgentID(agent.ID).Info("Task resumed",
		zap.Duration("parked_for", time.Since(entry.PausedAt)),
	)
	s.announce(v1.EventResumed, map[string]any{"task_id": task.ID}, task.ID, plan.ID, plan.RequestID)

	_, err = s.send(ctx, plan, task, agent, &wr)
	return err
}

// HandleTaskFailure applies the retry policy to a failed dispatch attempt
// and counts the failure against the agent's breaker. Returns true when the
// task was requeued for another attempt; false means the failure is
// terminal and the caller finalizes it. retry_max_attempts counts total
// attempts, so a budget of 3 fails on the third consecutive error.
func (s *Scheduler) HandleTaskFailure(ctx context.Context, task *store.Task, agentID string, code int, message string) (bool, error) {
	if agentID != "" {
		s.registry.RecordFailure(ctx, agentID)
	}
	if !wire.Retryable(code) || task.RetryCount+1 >= s.maxAttempts {
		return false, nil
	}

	delay := s.backoffFor(task.RetryCount)
	if _, err := s.store.TransitionTask(ctx, task.ID, task.Status, v1.TaskStatusApproved,
		&store.TaskMutation{IncrementRetry: true}); err != nil {
		return false, err
	}

	// The retry shows up in the task's step trail alongside agent steps.
	if _, err := s.store.AppendStep(ctx, &store.Step{
		TaskID:  task.ID,
		Ordinal: task.RetryCount + 1,
		AgentID: agentID,
		Action:  wire.CodeName(code),
		Status:  "retry_scheduled",
		Output:  message,
	}); err != nil {
		s.logger.WithTaskID(task.ID).WithError(err).Warn("Failed to record retry step")
	}

	s.logger.WithTaskID(task.ID).Info("Task requeued for retry",
		zap.Int("attempt", task.RetryCount+1),
		zap.Int("max_attempts", s.maxAttempts),
		zap.Duration("backoff", delay),
		zap.Int("error_code", code),
	)

	go func() {
		select {
		case <-s.baseCtx.Done():
		case <-s.after(delay):
			s.redispatch(task.ID)
		}
	}()
	return true, nil
}

// HandleTaskSuccess clears the agent's failure streak after a completed task.
func (s *Scheduler) HandleTaskSuccess(ctx context.Context, agentID string) {
	if agentID != "" {
		s.registry.RecordSuccess(ctx, agentID)
	}
}

// redispatch re-sends a task whose retry backoff has elapsed. A task that
// was cancelled while waiting is left alone.
func (s *Scheduler) redispatch(taskID string) {
	ctx := s.baseCtx
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		s.logger.WithTaskID(taskID).WithError(err).Error("Failed to load task for retry")
		return
	}
	if task.Status != v1.TaskStatusApproved {
		s.logger.WithTaskID(taskID).Debug("Skipping retry, task no longer approved",
			zap.String("status", string(task.Status)),
		)
		return
	}
	plan, err := s.store.GetPlan(ctx, task.PlanID)
	if err != nil {
		s.logger.WithTaskID(taskID).WithError(err).Error("Failed to load plan for retry")
		return
	}
	if _, err := s.dispatchTask(ctx, plan, task); err != nil {
		s.logger.WithTaskID(taskID).WithError(err).Error("Retry dispatch failed")
	}
}

// backoffFor returns the wait before retry attempt retryCount+1. Attempts
// past the schedule reuse its last entry.
func (s *Scheduler) backoffFor(retryCount int) time.Duration {
	if len(s.backoff) == 0 {
		return time.Second
	}
	if retryCount >= len(s.backoff) {
		return s.backoff[len(s.backoff)-1]
	}
	return s.backoff[retryCount]
}

func (s *Scheduler) announce(typ v1.EventType, payload any, keys ...string) {
	for _, key := range keys {
		s.events.Broadcast(key, v1.Event{Type: typ, Payload: payload})
	}
}

func workRequestFor(task *store.Task) *wire.WorkRequest {
	return &wire.WorkRequest{
		TaskID:     task.ID,
		WorkType:   task.WorkType,
		Parameters: task.Parameters,
		Hints: wire.Hints{
			MaxDurationSeconds: task.Hints.MaxDurationSeconds,
			MaxMemoryMB:        task.Hints.MaxMemoryMB,
		},
	}
}
